// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package episode persists agent memory: observations, decisions, edits,
// and errors, chained per (agent, session) and recallable by a weighted
// similarity/recency/entity-overlap score.
package episode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lexigraph/lxrag/services/graphrag/llm"
	"github.com/lexigraph/lxrag/services/graphrag/memgraph"
	"github.com/lexigraph/lxrag/services/graphrag/qdrant"
)

var tracer = otel.Tracer("graphrag.episode")

// Episode types. Type input is normalized to upper-case.
const (
	TypeObservation = "OBSERVATION"
	TypeDecision    = "DECISION"
	TypeEdit        = "EDIT"
	TypeError       = "ERROR"
	TypeReflection  = "REFLECTION"
)

// Sentinel errors.
var (
	// ErrDecisionRequiresRationale indicates a DECISION episode without
	// metadata.rationale (or its synonym metadata.reason).
	ErrDecisionRequiresRationale = errors.New("decision episode requires metadata.rationale")
)

// Collection names the per-project vector collection for episodes.
func Collection(projectID string) string {
	return "episodes_" + projectID
}

// AddRequest is one episode_add call.
type AddRequest struct {
	ProjectID string
	AgentID   string
	SessionID string

	Type      string
	Content   string
	Entities  []string
	TaskID    string
	Outcome   string
	Metadata  map[string]any
	Sensitive bool
}

// Episode is the persisted record returned from Add.
type Episode struct {
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Content   string   `json:"content"`
	AgentID   string   `json:"agentId,omitempty"`
	TaskID    string   `json:"taskId,omitempty"`
	Entities  []string `json:"entities,omitempty"`
	Timestamp int64    `json:"timestamp"`
	Sensitive bool     `json:"sensitive,omitempty"`
}

// Options configures the Engine.
type Options struct {
	Executor memgraph.Executor
	Vectors  qdrant.Store
	Embedder llm.Embedder
	Logger   *slog.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Engine implements the episode and memory operations.
//
// Thread safety: stateless; safe for concurrent use. Chain ordering within
// an (agent, session) pair follows the store's view of the previous head.
type Engine struct {
	opts Options
}

// NewEngine creates an episode engine.
func NewEngine(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With(slog.String("component", "episode_engine"))
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{opts: opts}
}

// Add persists one episode, chains it to the agent's previous episode in
// the session, links involved entities, and indexes the content embedding.
func (e *Engine) Add(ctx context.Context, req AddRequest) (*Episode, error) {
	ctx, span := tracer.Start(ctx, "episode.Add", trace.WithAttributes(
		attribute.String("project_id", req.ProjectID)))
	defer span.End()

	epType := strings.ToUpper(strings.TrimSpace(req.Type))
	if epType == "" {
		epType = TypeObservation
	}
	if epType == TypeDecision && rationaleOf(req.Metadata) == "" {
		return nil, ErrDecisionRequiresRationale
	}

	ep := &Episode{
		ID:        uuid.NewString(),
		Type:      epType,
		Content:   req.Content,
		AgentID:   req.AgentID,
		TaskID:    req.TaskID,
		Entities:  req.Entities,
		Timestamp: e.opts.Now().UnixMilli(),
		Sensitive: req.Sensitive,
	}

	entities := make([]any, len(req.Entities))
	for i, ent := range req.Entities {
		entities[i] = ent
	}
	if _, err := e.opts.Executor.ExecuteCypher(ctx, `
CREATE (ep:EPISODE {
  id: $id, type: $type, content: $content,
  agentId: $agentId, sessionId: $sessionId, taskId: $taskId,
  projectId: $projectId, outcome: $outcome, rationale: $rationale,
  metadata: $metadata, entities: $entities, sensitive: $sensitive,
  timestamp: $ts, validFrom: $ts, validTo: NULL, createdAt: $ts
})`,
		map[string]any{
			"id": ep.ID, "type": epType, "content": req.Content,
			"agentId": req.AgentID, "sessionId": req.SessionID, "taskId": req.TaskID,
			"projectId": req.ProjectID, "outcome": req.Outcome,
			"rationale": rationaleOf(req.Metadata),
			"metadata":  metadataJSON(req.Metadata),
			"entities":  entities, "sensitive": req.Sensitive, "ts": ep.Timestamp,
		}); err != nil {
		return nil, fmt.Errorf("create EPISODE: %w", err)
	}

	// Chain from the agent's previous episode in this session, if any.
	if _, err := e.opts.Executor.ExecuteCypher(ctx, `
MATCH (prev:EPISODE {agentId: $agentId, sessionId: $sessionId, projectId: $projectId})
WHERE prev.id <> $id AND NOT (prev)-[:NEXT_EPISODE]->(:EPISODE)
WITH prev ORDER BY prev.timestamp DESC LIMIT 1
MATCH (ep:EPISODE {id: $id})
CREATE (prev)-[:NEXT_EPISODE]->(ep)`,
		map[string]any{
			"agentId": req.AgentID, "sessionId": req.SessionID,
			"projectId": req.ProjectID, "id": ep.ID,
		}); err != nil {
		return nil, fmt.Errorf("chain NEXT_EPISODE: %w", err)
	}

	for _, entity := range req.Entities {
		if _, err := e.opts.Executor.ExecuteCypher(ctx, `
MATCH (ep:EPISODE {id: $id})
MATCH (n {id: $entityId})
WHERE n.validTo IS NULL
CREATE (ep)-[:INVOLVES]->(n)`,
			map[string]any{"id": ep.ID, "entityId": entity}); err != nil {
			return nil, fmt.Errorf("link INVOLVES %s: %w", entity, err)
		}
	}

	if err := e.indexEpisode(ctx, req.ProjectID, ep); err != nil {
		// Recall degrades to recency/entity scoring for this episode; the
		// graph record is already durable.
		e.opts.Logger.Warn("episode embedding failed",
			slog.String("episode_id", ep.ID), slog.String("error", err.Error()))
	}
	return ep, nil
}

func (e *Engine) indexEpisode(ctx context.Context, projectID string, ep *Episode) error {
	collection := Collection(projectID)
	if err := e.opts.Vectors.EnsureCollection(ctx, collection, e.opts.Embedder.Dim()); err != nil {
		return err
	}
	vec, err := e.opts.Embedder.Embed(ctx, ep.Content)
	if err != nil {
		return err
	}
	entities := make([]any, len(ep.Entities))
	for i, ent := range ep.Entities {
		entities[i] = ent
	}
	return e.opts.Vectors.Upsert(ctx, collection, []qdrant.Point{{
		ID:     ep.ID,
		Vector: vec,
		Payload: map[string]any{
			"projectId": projectID,
			"type":      ep.Type,
			"agentId":   ep.AgentID,
			"taskId":    ep.TaskID,
			"content":   ep.Content,
			"entities":  entities,
			"sensitive": ep.Sensitive,
			"timestamp": ep.Timestamp,
		},
	}})
}

// metadataJSON flattens caller metadata to a JSON string for the graph
// property. Rationale stays extracted as its own property, but the full
// object survives here, including alternatives and confidence.
func metadataJSON(metadata map[string]any) string {
	if len(metadata) == 0 {
		return ""
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func rationaleOf(metadata map[string]any) string {
	if metadata == nil {
		return ""
	}
	if r, ok := metadata["rationale"].(string); ok && strings.TrimSpace(r) != "" {
		return r
	}
	if r, ok := metadata["reason"].(string); ok && strings.TrimSpace(r) != "" {
		return r
	}
	return ""
}
