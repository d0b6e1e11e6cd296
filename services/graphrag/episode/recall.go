// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package episode

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// Recall scoring weights: cosine similarity, recency decay, and entity
// overlap. decision_query raises the overlap weight when affected files
// intersect the episode's entities.
const (
	weightSimilarity = 0.50
	weightRecency    = 0.30
	weightOverlap    = 0.20

	overlapWeightBoosted = 0.50

	recencyDecayPerDay = 0.05

	defaultRecallLimit = 5
)

// recallCandidates bounds the vector search feeding the scorer.
const recallCandidates = 50

// RecallRequest is one episode_recall call.
type RecallRequest struct {
	ProjectID string
	AgentID   string // caller; sensitive episodes of other agents are hidden

	Query       string
	TaskID      string
	FromAgentID string // restrict to episodes recorded by this agent
	Types       []string
	Entities    []string
	Limit       int
	Since       int64 // epoch millis, 0 for no lower bound

	recallInternals
}

// Recalled is one scored episode.
type Recalled struct {
	Episode
	Score   float64            `json:"score"`
	Signals map[string]float64 `json:"signals,omitempty"`
}

// Recall returns the top episodes for a query, scored by
// 0.50*cosine + 0.30*exp(-0.05*age_days) + 0.20*jaccard(entities).
func (e *Engine) Recall(ctx context.Context, req RecallRequest) ([]Recalled, error) {
	ctx, span := tracer.Start(ctx, "episode.Recall")
	defer span.End()

	if req.Limit <= 0 {
		req.Limit = defaultRecallLimit
	}

	vec, err := e.opts.Embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("embed recall query: %w", err)
	}
	filter := map[string]any{"must": []map[string]any{
		{"key": "projectId", "match": map[string]any{"value": req.ProjectID}},
	}}
	hits, err := e.opts.Vectors.Search(ctx, Collection(req.ProjectID), vec, recallCandidates, filter)
	if err != nil {
		return nil, fmt.Errorf("episode vector search: %w", err)
	}

	now := e.opts.Now().UnixMilli()
	wantTypes := make(map[string]bool, len(req.Types))
	for _, t := range req.Types {
		wantTypes[normalizeType(t)] = true
	}

	var out []Recalled
	for _, hit := range hits {
		ep := episodeFromPayload(hit.ID, hit.Payload)
		if len(wantTypes) > 0 && !wantTypes[ep.Type] {
			continue
		}
		if req.TaskID != "" && ep.TaskID != req.TaskID {
			continue
		}
		if req.FromAgentID != "" && ep.AgentID != req.FromAgentID {
			continue
		}
		if req.Since > 0 && ep.Timestamp < req.Since {
			continue
		}
		if ep.Sensitive && ep.AgentID != req.AgentID {
			continue
		}

		ageDays := float64(now-ep.Timestamp) / float64(86400000)
		if ageDays < 0 {
			ageDays = 0
		}
		recency := math.Exp(-recencyDecayPerDay * ageDays)
		overlap := jaccard(req.Entities, ep.Entities)

		overlapWeight := weightOverlap
		if req.boostOverlap && overlap > 0 {
			overlapWeight = overlapWeightBoosted
		}

		out = append(out, Recalled{
			Episode: ep,
			Score:   weightSimilarity*hit.Score + weightRecency*recency + overlapWeight*overlap,
			Signals: map[string]float64{
				"similarity": hit.Score,
				"recency":    recency,
				"overlap":    overlap,
			},
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}

// boostOverlap is set internally by DecisionQuery; it is not part of the
// episode_recall surface.
type recallInternals struct {
	boostOverlap bool
}

// DecisionQuery recalls DECISION episodes. When affectedFiles overlap an
// episode's entities, the entity-overlap weight rises to 0.50.
func (e *Engine) DecisionQuery(ctx context.Context, projectID, agentID, query string, affectedFiles []string, limit int) ([]Recalled, error) {
	return e.Recall(ctx, RecallRequest{
		ProjectID: projectID,
		AgentID:   agentID,
		Query:     query,
		Types:     []string{TypeDecision},
		Entities:  affectedFiles,
		Limit:     limit,
		recallInternals: recallInternals{boostOverlap: true},
	})
}

func normalizeType(t string) string {
	out := make([]byte, len(t))
	for i := 0; i < len(t); i++ {
		c := t[i]
		if 'a' <= c && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

func episodeFromPayload(id string, payload map[string]any) Episode {
	ep := Episode{ID: id}
	ep.Type, _ = payload["type"].(string)
	ep.Content, _ = payload["content"].(string)
	ep.AgentID, _ = payload["agentId"].(string)
	ep.TaskID, _ = payload["taskId"].(string)
	ep.Sensitive, _ = payload["sensitive"].(bool)
	switch ts := payload["timestamp"].(type) {
	case int64:
		ep.Timestamp = ts
	case float64:
		ep.Timestamp = int64(ts)
	case int:
		ep.Timestamp = int64(ts)
	}
	if raw, ok := payload["entities"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				ep.Entities = append(ep.Entities, s)
			}
		}
	}
	return ep
}

// jaccard is the intersection size over the union size of two string sets;
// an empty side scores 0.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, s := range a {
		setA[s] = true
	}
	setB := make(map[string]bool, len(b))
	for _, s := range b {
		setB[s] = true
	}
	inter := 0
	for s := range setA {
		if setB[s] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
