// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport adapts the tool dispatcher to MCP clients: JSON-RPC
// 2.0 framing, a line-delimited stdio server, and a streamable HTTP
// server with per-session headers.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/lexigraph/lxrag/services/graphrag/dispatch"
	"github.com/lexigraph/lxrag/services/graphrag/shaper"
)

var tracer = otel.Tracer("graphrag.transport")

// ProtocolVersion is the MCP revision this server speaks.
const ProtocolVersion = "2025-03-26"

// JSON-RPC 2.0 error codes, plus the session-scoped extension code used
// by the HTTP transport.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602

	// CodeSessionNotFound is returned when a request arrives without a
	// valid session header outside of initialize.
	CodeSessionNotFound = -32000
)

// Request is one inbound JSON-RPC 2.0 message.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the message carries no id and therefore
// expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is one outbound JSON-RPC 2.0 message.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error member.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ServerInfo identifies this server to clients during initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the initialize response payload.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
}

// ToolDescriptor is one entry in a tools/list response.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ToolsListResult is the tools/list response payload.
type ToolsListResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

// ContentBlock is one MCP content item; this server only emits text.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallToolResult is the tools/call response payload. The shaped envelope
// is serialized whole into a single text block; IsError mirrors the
// envelope's ok flag so clients can branch without parsing the text.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError"`
}

// ToolCaller is the dispatcher surface the router needs.
type ToolCaller interface {
	CallTool(ctx context.Context, sessionID, toolName string, rawArgs map[string]any) *shaper.Envelope
}

// RouterOptions configures a Router.
type RouterOptions struct {
	Dispatcher ToolCaller
	Registry   *dispatch.Registry
	Logger     *slog.Logger

	ServerName string
	Version    string
}

// Router maps MCP methods onto the dispatcher. It is transport-agnostic:
// both the stdio and HTTP servers feed it one request at a time.
type Router struct {
	dispatcher ToolCaller
	registry   *dispatch.Registry
	logger     *slog.Logger
	info       ServerInfo
}

// NewRouter creates a router over a dispatcher and its registry.
func NewRouter(opts RouterOptions) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ServerName == "" {
		opts.ServerName = "lxrag"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Router{
		dispatcher: opts.Dispatcher,
		registry:   opts.Registry,
		logger:     opts.Logger.With(slog.String("component", "transport")),
		info:       ServerInfo{Name: opts.ServerName, Version: opts.Version},
	}
}

// Info returns the advertised server identity.
func (r *Router) Info() ServerInfo { return r.info }

// Handle executes one JSON-RPC request for the given session and returns
// the response, or nil for notifications.
func (r *Router) Handle(ctx context.Context, sessionID string, req *Request) *Response {
	ctx, span := tracer.Start(ctx, "transport.Handle")
	defer span.End()

	if strings.HasPrefix(req.Method, "notifications/") {
		return nil
	}
	if req.IsNotification() {
		// Non-notification methods still need an id to be answerable.
		return nil
	}

	switch req.Method {
	case "initialize":
		return r.respond(req, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities: map[string]any{
				"tools": map[string]any{"listChanged": false},
			},
			ServerInfo: r.info,
		})
	case "ping":
		return r.respond(req, map[string]any{})
	case "tools/list":
		return r.respond(req, r.listTools())
	case "tools/call":
		return r.callTool(ctx, sessionID, req)
	default:
		return r.fail(req, codeMethodNotFound, fmt.Sprintf("method %q is not supported", req.Method))
	}
}

func (r *Router) listTools() ToolsListResult {
	tools := r.registry.List()
	out := ToolsListResult{Tools: make([]ToolDescriptor, 0, len(tools))}
	for _, t := range tools {
		out.Tools = append(out.Tools, ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: inputSchemaOf(t),
		})
	}
	return out
}

func (r *Router) callTool(ctx context.Context, sessionID string, req *Request) *Response {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return r.fail(req, codeInvalidParams, "tools/call requires params.name and optional params.arguments")
	}

	env := r.dispatcher.CallTool(ctx, sessionID, params.Name, params.Arguments)
	encoded, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("envelope serialization failed",
			slog.String("tool", params.Name),
			slog.String("error", err.Error()))
		return r.fail(req, codeInvalidRequest, "response serialization failed")
	}

	return r.respond(req, CallToolResult{
		Content: []ContentBlock{{Type: "text", Text: string(encoded)}},
		IsError: !env.OK,
	})
}

func (r *Router) respond(req *Request, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func (r *Router) fail(req *Request, code int, message string) *Response {
	id := req.ID
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
}

// inputSchemaOf converts a tool's input shape into a JSON-Schema-style
// object. Type hints lead with a JSON kind ("string, required, ...");
// the required marker follows the dispatch convention.
func inputSchemaOf(t dispatch.Tool) map[string]any {
	properties := make(map[string]any, len(t.InputShape))
	var required []string
	for field, hint := range t.InputShape {
		properties[field] = map[string]any{
			"type":        jsonKindOf(hint),
			"description": hint,
		}
		if strings.Contains(hint, "required") {
			required = append(required, field)
		}
	}
	sort.Strings(required)

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func jsonKindOf(hint string) string {
	kind := strings.ToLower(hint)
	if i := strings.IndexAny(kind, ", ("); i > 0 {
		kind = kind[:i]
	}
	switch kind {
	case "bool", "boolean":
		return "boolean"
	case "number", "int", "integer":
		return "number"
	case "array":
		return "array"
	case "object", "map":
		return "object"
	default:
		return "string"
	}
}

// parseErrorResponse is shared by both servers for undecodable frames.
func parseErrorResponse(detail string) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      json.RawMessage("null"),
		Error:   &RPCError{Code: codeParseError, Message: "parse error", Data: detail},
	}
}
