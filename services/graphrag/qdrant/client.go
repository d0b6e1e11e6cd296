// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package qdrant is a thin REST client for the vector store, covering the
// three operations the service needs: upsert, search, count. Point ids are
// deterministic UUIDv5 values derived from the node identifier so repeated
// upserts overwrite instead of duplicating.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("graphrag.qdrant")

// ErrUnavailable indicates the vector store could not be reached.
var ErrUnavailable = errors.New("vector store unavailable")

// pointNamespace scopes UUIDv5 point ids derived from node identifiers.
var pointNamespace = uuid.MustParse("7f1c6d0a-52c4-4b5e-9a57-3f1e2b8c4d90")

// Point is one vector with its payload.
type Point struct {
	// ID is the logical identifier (a SCIP id or episode UUID). It is
	// stored in the payload under "id"; the wire point id is derived.
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Scored is one search hit.
type Scored struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// Store is the vector surface engines depend on.
type Store interface {
	EnsureCollection(ctx context.Context, name string, dim int) error
	Upsert(ctx context.Context, collection string, points []Point) error
	Search(ctx context.Context, collection string, vector []float32, limit int, filter map[string]any) ([]Scored, error)
	Count(ctx context.Context, collection string) (int, error)
}

// Client talks to the Qdrant REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client for http://host:port.
func NewClient(host string, port int, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    fmt.Sprintf("http://%s:%d", host, port),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With(slog.String("component", "qdrant_client")),
	}
}

// EnsureCollection creates the collection if it does not exist. Existing
// collections are left untouched.
func (c *Client) EnsureCollection(ctx context.Context, name string, dim int) error {
	body := map[string]any{
		"vectors": map[string]any{"size": dim, "distance": "Cosine"},
	}
	status, _, err := c.do(ctx, http.MethodPut, "/collections/"+name, body)
	if err != nil {
		return err
	}
	// 409 means the collection already exists.
	if status != http.StatusOK && status != http.StatusConflict {
		return fmt.Errorf("create collection %s: status %d", name, status)
	}
	return nil
}

// Upsert writes points, overwriting by derived point id.
func (c *Client) Upsert(ctx context.Context, collection string, points []Point) error {
	ctx, span := tracer.Start(ctx, "qdrant.Upsert")
	defer span.End()

	wire := make([]map[string]any, 0, len(points))
	for _, p := range points {
		payload := make(map[string]any, len(p.Payload)+1)
		for k, v := range p.Payload {
			payload[k] = v
		}
		payload["id"] = p.ID
		wire = append(wire, map[string]any{
			"id":      PointID(p.ID),
			"vector":  p.Vector,
			"payload": payload,
		})
	}

	status, _, err := c.do(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true",
		map[string]any{"points": wire})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("upsert into %s: status %d", collection, status)
	}
	return nil
}

// Search returns the nearest points by cosine similarity. filter, when
// non-nil, is a Qdrant filter object applied server-side.
func (c *Client) Search(ctx context.Context, collection string, vector []float32, limit int, filter map[string]any) ([]Scored, error) {
	ctx, span := tracer.Start(ctx, "qdrant.Search")
	defer span.End()

	body := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if filter != nil {
		body["filter"] = filter
	}

	status, raw, err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/search", body)
	if err != nil {
		return nil, err
	}
	// An unknown collection is an empty index, not a failure.
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("search %s: status %d", collection, status)
	}

	var parsed struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	out := make([]Scored, 0, len(parsed.Result))
	for _, r := range parsed.Result {
		id, _ := r.Payload["id"].(string)
		out = append(out, Scored{ID: id, Score: r.Score, Payload: r.Payload})
	}
	return out, nil
}

// Count returns the number of points in a collection; 0 for a missing one.
func (c *Client) Count(ctx context.Context, collection string) (int, error) {
	status, raw, err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/count",
		map[string]any{"exact": true})
	if err != nil {
		return 0, err
	}
	if status == http.StatusNotFound {
		return 0, nil
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("count %s: status %d", collection, status)
	}

	var parsed struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return 0, fmt.Errorf("decode count response: %w", err)
	}
	return parsed.Result.Count, nil
}

// PointID derives the deterministic wire id for a logical identifier.
func PointID(id string) string {
	return uuid.NewSHA1(pointNamespace, []byte(id)).String()
}

func (c *Client) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}
