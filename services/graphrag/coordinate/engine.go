// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coordinate implements the claim lifecycle that serializes agents
// working on the same code. A claim is active while validTo is null and
// closes exactly once, with the reason recorded.
package coordinate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lexigraph/lxrag/services/graphrag/memgraph"
)

var tracer = otel.Tracer("graphrag.coordinate")

// Invalidation reasons. Claim states are terminal.
const (
	ReasonReleased      = "released"
	ReasonCodeChanged   = "code_changed"
	ReasonTaskCompleted = "task_completed"
	ReasonExpired       = "expired"
)

// Claim statuses returned from Claim.
const (
	StatusOK       = "ok"
	StatusConflict = "CONFLICT"
)

// ErrClaimNotFound indicates a release against an unknown claim id.
var ErrClaimNotFound = errors.New("claim not found")

// ClaimRequest is one agent_claim call.
type ClaimRequest struct {
	ProjectID string
	AgentID   string
	TargetID  string
	ClaimType string // e.g. file, symbol
	Intent    string
	TaskID    string
}

// Conflict describes the blocking claim when the target is held.
type Conflict struct {
	AgentID string `json:"agentId"`
	Intent  string `json:"intent,omitempty"`
	Since   int64  `json:"since,omitempty"`
}

// ClaimResult is the outcome of agent_claim.
type ClaimResult struct {
	Status           string    `json:"status"`
	ClaimID          string    `json:"claimId,omitempty"`
	TargetVersionSHA string    `json:"targetVersionSHA,omitempty"`
	Conflict         *Conflict `json:"conflict,omitempty"`
}

// ReleaseResult is the outcome of agent_release.
type ReleaseResult struct {
	Released      bool `json:"released"`
	AlreadyClosed bool `json:"alreadyClosed,omitempty"`
	NotFound      bool `json:"notFound,omitempty"`
}

// ClaimInfo is one claim row for status listings.
type ClaimInfo struct {
	ClaimID   string `json:"claimId"`
	AgentID   string `json:"agentId"`
	TargetID  string `json:"targetId"`
	ClaimType string `json:"claimType,omitempty"`
	Intent    string `json:"intent,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
	Since     int64  `json:"since"`
	Reason    string `json:"reason,omitempty"`
}

// Options configures the Engine.
type Options struct {
	Executor memgraph.Executor
	Logger   *slog.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Engine implements claim operations. Stateless; every read goes to the
// graph store so concurrent server instances agree on claim state.
type Engine struct {
	opts Options
}

// NewEngine creates a coordination engine.
func NewEngine(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With(slog.String("component", "coordination_engine"))
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{opts: opts}
}

// Claim attempts to take an exclusive claim on a target. The conflict check
// and the create run in one statement so two agents cannot both land an
// active claim for the same target.
func (e *Engine) Claim(ctx context.Context, req ClaimRequest) (*ClaimResult, error) {
	ctx, span := tracer.Start(ctx, "coordinate.Claim", trace.WithAttributes(
		attribute.String("target_id", req.TargetID)))
	defer span.End()

	ts := e.opts.Now().UnixMilli()
	claimID := uuid.NewString()

	rows, err := e.opts.Executor.ExecuteCypher(ctx, `
OPTIONAL MATCH (existing:CLAIM {targetId: $targetId, projectId: $projectId})
WHERE existing.validTo IS NULL AND existing.agentId <> $agentId
WITH existing LIMIT 1
OPTIONAL MATCH (t {id: $targetId}) WHERE t.validTo IS NULL
FOREACH (_ IN CASE WHEN existing IS NULL THEN [1] ELSE [] END |
  CREATE (c:CLAIM {
    id: $claimId, targetId: $targetId, agentId: $agentId,
    claimType: $claimType, intent: $intent, taskId: $taskId,
    projectId: $projectId, targetVersionSHA: coalesce(t.contentHash, ''),
    validFrom: $ts, validTo: NULL, invalidationReason: NULL, createdAt: $ts
  })
)
RETURN existing.agentId AS conflictAgent, existing.intent AS conflictIntent,
       existing.validFrom AS conflictSince, coalesce(t.contentHash, '') AS targetSHA`,
		map[string]any{
			"targetId": req.TargetID, "projectId": req.ProjectID,
			"agentId": req.AgentID, "claimId": claimID,
			"claimType": req.ClaimType, "intent": req.Intent, "taskId": req.TaskID,
			"ts": ts,
		})
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", req.TargetID, err)
	}

	if len(rows) > 0 {
		if agent, _ := rows[0]["conflictAgent"].(string); agent != "" {
			intent, _ := rows[0]["conflictIntent"].(string)
			return &ClaimResult{
				Status: StatusConflict,
				Conflict: &Conflict{
					AgentID: agent,
					Intent:  intent,
					Since:   int64Of(rows[0]["conflictSince"]),
				},
			}, nil
		}
	}

	result := &ClaimResult{Status: StatusOK, ClaimID: claimID}
	if len(rows) > 0 {
		result.TargetVersionSHA, _ = rows[0]["targetSHA"].(string)
	}

	// The TARGETS edge is advisory; claims on not-yet-indexed targets still
	// hold by targetId.
	if _, err := e.opts.Executor.ExecuteCypher(ctx, `
MATCH (c:CLAIM {id: $claimId})
MATCH (t {id: $targetId}) WHERE t.validTo IS NULL
CREATE (c)-[:TARGETS]->(t)`,
		map[string]any{"claimId": claimID, "targetId": req.TargetID}); err != nil {
		return nil, fmt.Errorf("link TARGETS: %w", err)
	}

	e.opts.Logger.Info("claim created",
		slog.String("claim_id", claimID),
		slog.String("agent_id", req.AgentID),
		slog.String("target_id", req.TargetID))
	return result, nil
}

// Release closes an active claim with reason released. A claim that is
// already closed or unknown is reported, not silently accepted.
func (e *Engine) Release(ctx context.Context, claimID, outcome string) (*ReleaseResult, error) {
	ctx, span := tracer.Start(ctx, "coordinate.Release", trace.WithAttributes(
		attribute.String("claim_id", claimID)))
	defer span.End()

	rows, err := e.opts.Executor.ExecuteCypher(ctx, `
MATCH (c:CLAIM {id: $claimId})
WITH c, c.validTo AS priorValidTo
FOREACH (_ IN CASE WHEN priorValidTo IS NULL THEN [1] ELSE [] END |
  SET c.validTo = $ts, c.invalidationReason = $reason, c.outcome = $outcome
)
RETURN priorValidTo`,
		map[string]any{
			"claimId": claimID, "ts": e.opts.Now().UnixMilli(),
			"reason": ReasonReleased, "outcome": outcome,
		})
	if err != nil {
		return nil, fmt.Errorf("release %s: %w", claimID, err)
	}
	if len(rows) == 0 {
		return &ReleaseResult{Released: false, NotFound: true}, ErrClaimNotFound
	}
	if rows[0]["priorValidTo"] != nil {
		return &ReleaseResult{Released: false, AlreadyClosed: true}, nil
	}
	return &ReleaseResult{Released: true}, nil
}

// InvalidateStale closes every active claim whose target has a newer
// version than the claim start. Runs after every rebuild.
func (e *Engine) InvalidateStale(ctx context.Context, projectID string) (int, error) {
	ctx, span := tracer.Start(ctx, "coordinate.InvalidateStale")
	defer span.End()

	rows, err := e.opts.Executor.ExecuteCypher(ctx, `
MATCH (c:CLAIM {projectId: $projectId})-[:TARGETS]->(t)
WHERE c.validTo IS NULL AND t.validFrom > c.validFrom
SET c.validTo = $ts, c.invalidationReason = $reason
RETURN count(c) AS invalidated`,
		map[string]any{
			"projectId": projectID, "ts": e.opts.Now().UnixMilli(),
			"reason": ReasonCodeChanged,
		})
	if err != nil {
		return 0, fmt.Errorf("invalidate stale claims: %w", err)
	}
	n := 0
	if len(rows) > 0 {
		n = int(int64Of(rows[0]["invalidated"]))
	}
	if n > 0 {
		e.opts.Logger.Info("stale claims invalidated",
			slog.String("project_id", projectID), slog.Int("count", n))
	}
	return n, nil
}

// TaskCompleted closes every active claim for a task with reason
// task_completed. The caller follows up with a reflection pass.
func (e *Engine) TaskCompleted(ctx context.Context, projectID, taskID string) (int, error) {
	ctx, span := tracer.Start(ctx, "coordinate.TaskCompleted", trace.WithAttributes(
		attribute.String("task_id", taskID)))
	defer span.End()

	rows, err := e.opts.Executor.ExecuteCypher(ctx, `
MATCH (c:CLAIM {projectId: $projectId, taskId: $taskId})
WHERE c.validTo IS NULL
SET c.validTo = $ts, c.invalidationReason = $reason
RETURN count(c) AS invalidated`,
		map[string]any{
			"projectId": projectID, "taskId": taskID,
			"ts": e.opts.Now().UnixMilli(), "reason": ReasonTaskCompleted,
		})
	if err != nil {
		return 0, fmt.Errorf("complete task claims: %w", err)
	}
	if len(rows) > 0 {
		return int(int64Of(rows[0]["invalidated"])), nil
	}
	return 0, nil
}

// AgentStatus lists an agent's claims, active first.
func (e *Engine) AgentStatus(ctx context.Context, projectID, agentID string) ([]ClaimInfo, error) {
	rows, err := e.opts.Executor.ExecuteCypher(ctx, `
MATCH (c:CLAIM {projectId: $projectId, agentId: $agentId})
RETURN c.id AS claimId, c.agentId AS agentId, c.targetId AS targetId,
       c.claimType AS claimType, c.intent AS intent, c.taskId AS taskId,
       c.validFrom AS since, c.invalidationReason AS reason
ORDER BY c.validTo IS NOT NULL, c.validFrom DESC`,
		map[string]any{"projectId": projectID, "agentId": agentID})
	if err != nil {
		return nil, fmt.Errorf("agent status: %w", err)
	}
	return claimInfos(rows), nil
}

// Overview lists all active claims for the project.
func (e *Engine) Overview(ctx context.Context, projectID string) ([]ClaimInfo, error) {
	rows, err := e.opts.Executor.ExecuteCypher(ctx, `
MATCH (c:CLAIM {projectId: $projectId})
WHERE c.validTo IS NULL
RETURN c.id AS claimId, c.agentId AS agentId, c.targetId AS targetId,
       c.claimType AS claimType, c.intent AS intent, c.taskId AS taskId,
       c.validFrom AS since, c.invalidationReason AS reason
ORDER BY c.validFrom DESC`,
		map[string]any{"projectId": projectID})
	if err != nil {
		return nil, fmt.Errorf("coordination overview: %w", err)
	}
	return claimInfos(rows), nil
}

// ActiveClaimsAgainst returns other agents' active claims on any of the
// given targets; the context pack builder surfaces these as blockers.
func (e *Engine) ActiveClaimsAgainst(ctx context.Context, projectID, agentID string, targetIDs []string) ([]ClaimInfo, error) {
	ids := make([]any, len(targetIDs))
	for i, id := range targetIDs {
		ids[i] = id
	}
	rows, err := e.opts.Executor.ExecuteCypher(ctx, `
MATCH (c:CLAIM {projectId: $projectId})
WHERE c.validTo IS NULL AND c.targetId IN $targetIds AND c.agentId <> $agentId
RETURN c.id AS claimId, c.agentId AS agentId, c.targetId AS targetId,
       c.claimType AS claimType, c.intent AS intent, c.taskId AS taskId,
       c.validFrom AS since, c.invalidationReason AS reason`,
		map[string]any{"projectId": projectID, "agentId": agentID, "targetIds": ids})
	if err != nil {
		return nil, fmt.Errorf("blocking claims: %w", err)
	}
	return claimInfos(rows), nil
}

func claimInfos(rows []memgraph.Row) []ClaimInfo {
	out := make([]ClaimInfo, 0, len(rows))
	for _, row := range rows {
		info := ClaimInfo{Since: int64Of(row["since"])}
		info.ClaimID, _ = row["claimId"].(string)
		info.AgentID, _ = row["agentId"].(string)
		info.TargetID, _ = row["targetId"].(string)
		info.ClaimType, _ = row["claimType"].(string)
		info.Intent, _ = row["intent"].(string)
		info.TaskID, _ = row["taskId"].(string)
		info.Reason, _ = row["reason"].(string)
		out = append(out, info)
	}
	return out
}

func int64Of(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
