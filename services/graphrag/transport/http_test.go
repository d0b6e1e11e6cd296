// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHTTP(t *testing.T) *HTTPServer {
	t.Helper()
	router, sessions := newTestRouter(t)
	return NewHTTP(HTTPOptions{Router: router, Sessions: sessions, Port: 9000})
}

func post(t *testing.T, server *HTTPServer, path, sessionID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	return w
}

func initialize(t *testing.T, server *HTTPServer) string {
	t.Helper()
	w := post(t, server, "/mcp", "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	require.Equal(t, http.StatusOK, w.Code)
	sid := w.Header().Get(SessionHeader)
	require.NotEmpty(t, sid)
	return sid
}

func TestHTTPInitializeAssignsSession(t *testing.T) {
	server := newTestHTTP(t)

	sid := initialize(t, server)
	assert.NotEmpty(t, sid)

	second := initialize(t, server)
	assert.NotEqual(t, sid, second)
}

func TestHTTPRejectsMissingSession(t *testing.T) {
	server := newTestHTTP(t)

	w := post(t, server, "/mcp", "", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeSessionNotFound, resp.Error.Code)
}

func TestHTTPRejectsUnknownSession(t *testing.T) {
	server := newTestHTTP(t)

	w := post(t, server, "/mcp", "not-a-session", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHTTPSessionRoundTrip(t *testing.T) {
	server := newTestHTTP(t)
	sid := initialize(t, server)

	w := post(t, server, "/mcp", sid,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo_text","arguments":{"text":"over http"}}}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Nil(t, resp.Error)

	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var result CallToolResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.False(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "over http")
}

func TestHTTPNotificationAccepted(t *testing.T) {
	server := newTestHTTP(t)
	sid := initialize(t, server)

	w := post(t, server, "/mcp", sid, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestHTTPMalformedBody(t *testing.T) {
	server := newTestHTTP(t)

	w := post(t, server, "/mcp", "", `{broken`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeParseError, resp.Error.Code)
}

func TestHTTPDeleteEndsSession(t *testing.T) {
	server := newTestHTTP(t)
	sid := initialize(t, server)

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set(SessionHeader, sid)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)

	// The session is gone afterwards.
	after := post(t, server, "/mcp", sid, `{"jsonrpc":"2.0","id":4,"method":"tools/list"}`)
	assert.Equal(t, http.StatusBadRequest, after.Code)
}

func TestHTTPHealthEndpoint(t *testing.T) {
	server := newTestHTTP(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "http", body["transport"])
}

func TestHTTPAgentCard(t *testing.T) {
	server := newTestHTTP(t)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/agent.json", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var card map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &card))
	assert.Equal(t, "lxrag", card["name"])
	assert.Contains(t, card["capabilities"], "code-graph")
	assert.Contains(t, card["capabilities"], "agent-coordination")
}

func TestHTTPMetricsExposed(t *testing.T) {
	server := newTestHTTP(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "lxrag_http_sessions_active")
}
