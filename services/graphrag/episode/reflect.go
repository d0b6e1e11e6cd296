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
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Pattern kinds derived by Reflect.
const (
	PatternHotspot       = "hotspot"
	PatternRiskyDecision = "risky_decision"
	PatternWastedReading = "wasted_reading"
)

// learningThreshold is the minimum pattern confidence that earns a durable
// LEARNING node.
const learningThreshold = 0.7

const defaultReflectLimit = 20

// Pattern is one derived observation about recent episodes.
type Pattern struct {
	Kind       string   `json:"kind"`
	Subject    string   `json:"subject"`
	Confidence float64  `json:"confidence"`
	Evidence   []string `json:"evidence,omitempty"` // episode ids
}

// Reflection is the outcome of one reflect call.
type Reflection struct {
	EpisodeID string    `json:"episodeId"`
	Patterns  []Pattern `json:"patterns"`
	Learnings []string  `json:"learnings,omitempty"` // LEARNING node ids
}

// ReflectRequest scopes reflection to a task or agent.
type ReflectRequest struct {
	ProjectID string
	TaskID    string
	AgentID   string
	Limit     int
}

// Reflect derives patterns from recent episodes: entities edited three or
// more times are hotspots, a DECISION immediately followed by an ERROR in
// the same chain is a risky decision, and repeated identical OBSERVATION
// content is wasted reading. A REFLECTION episode records the run; patterns
// at or above the confidence threshold become LEARNING nodes with
// APPLIES_TO edges to the involved code.
func (e *Engine) Reflect(ctx context.Context, req ReflectRequest) (*Reflection, error) {
	ctx, span := tracer.Start(ctx, "episode.Reflect")
	defer span.End()

	if req.Limit <= 0 {
		req.Limit = defaultReflectLimit
	}

	rows, err := e.opts.Executor.ExecuteCypher(ctx, `
MATCH (ep:EPISODE {projectId: $projectId})
WHERE ($taskId = '' OR ep.taskId = $taskId)
  AND ($agentId = '' OR ep.agentId = $agentId)
  AND ep.type <> 'REFLECTION'
RETURN ep.id AS id, ep.type AS type, ep.content AS content,
       ep.entities AS entities, ep.timestamp AS timestamp
ORDER BY ep.timestamp DESC
LIMIT $limit`,
		map[string]any{
			"projectId": req.ProjectID, "taskId": req.TaskID,
			"agentId": req.AgentID, "limit": req.Limit,
		})
	if err != nil {
		return nil, fmt.Errorf("fetch recent episodes: %w", err)
	}

	episodes := make([]Episode, 0, len(rows))
	for _, row := range rows {
		ep := Episode{}
		ep.ID, _ = row["id"].(string)
		ep.Type, _ = row["type"].(string)
		ep.Content, _ = row["content"].(string)
		switch ts := row["timestamp"].(type) {
		case int64:
			ep.Timestamp = ts
		case float64:
			ep.Timestamp = int64(ts)
		}
		if raw, ok := row["entities"].([]any); ok {
			for _, v := range raw {
				if s, ok := v.(string); ok {
					ep.Entities = append(ep.Entities, s)
				}
			}
		}
		episodes = append(episodes, ep)
	}
	// Chronological order for the chain-adjacency pattern.
	sort.Slice(episodes, func(i, j int) bool { return episodes[i].Timestamp < episodes[j].Timestamp })

	patterns := derivePatterns(episodes)

	sourceIDs := make([]any, len(episodes))
	for i, ep := range episodes {
		sourceIDs[i] = ep.ID
	}
	reflectionID := uuid.NewString()
	ts := e.opts.Now().UnixMilli()
	if _, err := e.opts.Executor.ExecuteCypher(ctx, `
CREATE (r:EPISODE {
  id: $id, type: 'REFLECTION', content: $content,
  agentId: $agentId, taskId: $taskId, projectId: $projectId,
  entities: [], sensitive: false,
  timestamp: $ts, validFrom: $ts, validTo: NULL, createdAt: $ts
})
WITH r
MATCH (src:EPISODE) WHERE src.id IN $sourceIds
CREATE (r)-[:DERIVED_FROM]->(src)`,
		map[string]any{
			"id": reflectionID, "content": describePatterns(patterns),
			"agentId": req.AgentID, "taskId": req.TaskID, "projectId": req.ProjectID,
			"ts": ts, "sourceIds": sourceIDs,
		}); err != nil {
		return nil, fmt.Errorf("create REFLECTION: %w", err)
	}

	refl := &Reflection{EpisodeID: reflectionID, Patterns: patterns}
	for _, p := range patterns {
		if p.Confidence < learningThreshold {
			continue
		}
		learningID := uuid.NewString()
		if _, err := e.opts.Executor.ExecuteCypher(ctx, `
CREATE (l:LEARNING {
  id: $id, kind: $kind, subject: $subject, content: $content,
  confidence: $confidence, projectId: $projectId, extractedAt: $ts,
  timestamp: $ts, validFrom: $ts, validTo: NULL, createdAt: $ts
})
WITH l
MATCH (n {id: $subject}) WHERE n.validTo IS NULL
CREATE (l)-[:APPLIES_TO]->(n)`,
			map[string]any{
				"id": learningID, "kind": p.Kind, "subject": p.Subject,
				"content":    learningContent(p),
				"confidence": p.Confidence, "projectId": req.ProjectID, "ts": ts,
			}); err != nil {
			return nil, fmt.Errorf("create LEARNING: %w", err)
		}
		refl.Learnings = append(refl.Learnings, learningID)
	}
	return refl, nil
}

func derivePatterns(episodes []Episode) []Pattern {
	var patterns []Pattern

	// Hotspot: the same entity edited three or more times.
	editCounts := make(map[string][]string)
	for _, ep := range episodes {
		if ep.Type != TypeEdit {
			continue
		}
		for _, entity := range ep.Entities {
			editCounts[entity] = append(editCounts[entity], ep.ID)
		}
	}
	var hotspots []string
	for entity := range editCounts {
		hotspots = append(hotspots, entity)
	}
	sort.Strings(hotspots)
	for _, entity := range hotspots {
		ids := editCounts[entity]
		if len(ids) < 3 {
			continue
		}
		patterns = append(patterns, Pattern{
			Kind:       PatternHotspot,
			Subject:    entity,
			Confidence: min1(float64(len(ids)) / 4.0),
			Evidence:   ids,
		})
	}

	// Risky decision: a DECISION immediately followed by an ERROR.
	for i := 0; i+1 < len(episodes); i++ {
		if episodes[i].Type == TypeDecision && episodes[i+1].Type == TypeError {
			patterns = append(patterns, Pattern{
				Kind:       PatternRiskyDecision,
				Subject:    episodes[i].Content,
				Confidence: 0.8,
				Evidence:   []string{episodes[i].ID, episodes[i+1].ID},
			})
		}
	}

	// Wasted reading: identical OBSERVATION content repeated.
	seen := make(map[string][]string)
	for _, ep := range episodes {
		if ep.Type != TypeObservation {
			continue
		}
		key := strings.TrimSpace(ep.Content)
		seen[key] = append(seen[key], ep.ID)
	}
	var repeated []string
	for content, ids := range seen {
		if len(ids) >= 2 {
			repeated = append(repeated, content)
		}
	}
	sort.Strings(repeated)
	for _, content := range repeated {
		ids := seen[content]
		patterns = append(patterns, Pattern{
			Kind:       PatternWastedReading,
			Subject:    content,
			Confidence: min1(float64(len(ids)-1) / 2.0),
			Evidence:   ids,
		})
	}

	return patterns
}

// learningContent states the pattern as a sentence a later agent can act
// on without decoding kind/subject pairs.
func learningContent(p Pattern) string {
	switch p.Kind {
	case PatternHotspot:
		return fmt.Sprintf("%s was edited %d times in recent episodes; expect churn and re-check it before depending on its shape.", p.Subject, len(p.Evidence))
	case PatternRiskyDecision:
		return fmt.Sprintf("The decision %q was followed directly by an error; revisit it before building on it.", p.Subject)
	case PatternWastedReading:
		return fmt.Sprintf("%q was read %d times without an intervening change; reuse the earlier observation instead of re-reading.", p.Subject, len(p.Evidence))
	default:
		return fmt.Sprintf("%s: %s", p.Kind, p.Subject)
	}
}

func describePatterns(patterns []Pattern) string {
	if len(patterns) == 0 {
		return "No recurring patterns in recent episodes."
	}
	parts := make([]string, len(patterns))
	for i, p := range patterns {
		parts[i] = fmt.Sprintf("%s: %s (confidence %.2f)", p.Kind, p.Subject, p.Confidence)
	}
	return strings.Join(parts, "; ")
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}
