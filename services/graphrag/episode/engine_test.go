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
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexigraph/lxrag/services/graphrag/llm"
	"github.com/lexigraph/lxrag/services/graphrag/memgraph/memtest"
	"github.com/lexigraph/lxrag/services/graphrag/qdrant/vectest"
)

func newTestEngine(t *testing.T) (*Engine, *memtest.Fake, *vectest.Fake) {
	t.Helper()
	exec := memtest.New()
	vec := vectest.New()
	e := NewEngine(Options{
		Executor: exec,
		Vectors:  vec,
		Embedder: llm.NewHashEmbedder(64),
		Now:      func() time.Time { return time.UnixMilli(1700000000000) },
	})
	return e, exec, vec
}

func TestAddCreatesEpisodeAndChain(t *testing.T) {
	e, exec, vec := newTestEngine(t)

	ep, err := e.Add(context.Background(), AddRequest{
		ProjectID: "proj", AgentID: "agent-a", SessionID: "s1",
		Type: "observation", Content: "read the auth module",
		Entities: []string{"proj:file:src/auth.ts"},
	})
	require.NoError(t, err)
	assert.Equal(t, TypeObservation, ep.Type)
	assert.EqualValues(t, 1700000000000, ep.Timestamp)

	creates := exec.CallsContaining("CREATE (ep:EPISODE")
	require.Len(t, creates, 1)
	assert.Equal(t, "OBSERVATION", creates[0].Params["type"])
	assert.Equal(t, false, creates[0].Params["sensitive"])

	assert.Len(t, exec.CallsContaining("NEXT_EPISODE"), 1)
	assert.Len(t, exec.CallsContaining("INVOLVES"), 1)

	n, err := vec.Count(context.Background(), Collection("proj"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAddDecisionRequiresRationale(t *testing.T) {
	e, exec, _ := newTestEngine(t)

	_, err := e.Add(context.Background(), AddRequest{
		ProjectID: "proj", Type: "DECISION", Content: "chose plan A",
	})
	require.ErrorIs(t, err, ErrDecisionRequiresRationale)
	assert.Empty(t, exec.Calls())

	_, err = e.Add(context.Background(), AddRequest{
		ProjectID: "proj", Type: "decision", Content: "chose plan A",
		Metadata: map[string]any{"reason": "simpler rollout"},
	})
	require.NoError(t, err)
}

func TestAddPersistsFullMetadata(t *testing.T) {
	e, exec, _ := newTestEngine(t)

	_, err := e.Add(context.Background(), AddRequest{
		ProjectID: "proj", AgentID: "agent-a", SessionID: "s1",
		Type: "DECISION", Content: "Chose A over B",
		Metadata: map[string]any{
			"rationale":    "A simpler",
			"alternatives": []any{"B", "C"},
			"confidence":   0.8,
		},
	})
	require.NoError(t, err)

	creates := exec.CallsContaining("CREATE (ep:EPISODE")
	require.Len(t, creates, 1)
	assert.Equal(t, "A simpler", creates[0].Params["rationale"])

	// The whole metadata object survives, not just the rationale.
	raw, ok := creates[0].Params["metadata"].(string)
	require.True(t, ok)
	var meta map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &meta))
	assert.Equal(t, "A simpler", meta["rationale"])
	assert.Equal(t, []any{"B", "C"}, meta["alternatives"])
	assert.Equal(t, 0.8, meta["confidence"])
}

func TestRecallReturnsAddedEpisode(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	added, err := e.Add(ctx, AddRequest{
		ProjectID: "proj", AgentID: "agent-a", SessionID: "s1",
		Type: "OBSERVATION", Content: "token validation lives in auth.ts",
	})
	require.NoError(t, err)

	got, err := e.Recall(ctx, RecallRequest{
		ProjectID: "proj", AgentID: "agent-a",
		Query: "token validation lives in auth.ts",
	})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, added.ID, got[0].ID)
	assert.Contains(t, got[0].Signals, "similarity")
	assert.Contains(t, got[0].Signals, "recency")
}

func TestRecallHidesOtherAgentsSensitiveEpisodes(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Add(ctx, AddRequest{
		ProjectID: "proj", AgentID: "agent-a", SessionID: "s1",
		Type: "OBSERVATION", Content: "staging credentials rotated", Sensitive: true,
	})
	require.NoError(t, err)

	asOther, err := e.Recall(ctx, RecallRequest{
		ProjectID: "proj", AgentID: "agent-b", Query: "staging credentials",
	})
	require.NoError(t, err)
	assert.Empty(t, asOther)

	asOwner, err := e.Recall(ctx, RecallRequest{
		ProjectID: "proj", AgentID: "agent-a", Query: "staging credentials",
	})
	require.NoError(t, err)
	assert.Len(t, asOwner, 1)
}

func TestRecallFiltersByRecordingAgent(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	fromA, err := e.Add(ctx, AddRequest{
		ProjectID: "proj", AgentID: "agent-a", SessionID: "s1",
		Type: "OBSERVATION", Content: "cache layer reads through badger",
	})
	require.NoError(t, err)
	_, err = e.Add(ctx, AddRequest{
		ProjectID: "proj", AgentID: "agent-b", SessionID: "s2",
		Type: "OBSERVATION", Content: "cache layer reads through badger",
	})
	require.NoError(t, err)

	got, err := e.Recall(ctx, RecallRequest{
		ProjectID: "proj", AgentID: "agent-a",
		Query: "cache layer", FromAgentID: "agent-a",
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, fromA.ID, got[0].ID)
}

func TestDecisionQueryFiltersToDecisions(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Add(ctx, AddRequest{
		ProjectID: "proj", AgentID: "agent-a", SessionID: "s1",
		Type: "OBSERVATION", Content: "chose nothing, just reading",
	})
	require.NoError(t, err)
	decision, err := e.Add(ctx, AddRequest{
		ProjectID: "proj", AgentID: "agent-a", SessionID: "s1",
		Type: "DECISION", Content: "Chose A over B",
		Metadata: map[string]any{"rationale": "A simpler"},
		Entities: []string{"proj:file:src/a.ts"},
	})
	require.NoError(t, err)

	got, err := e.DecisionQuery(ctx, "proj", "agent-a", "Chose A", []string{"proj:file:src/a.ts"}, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, decision.ID, got[0].ID)
	assert.Equal(t, 1.0, got[0].Signals["overlap"])
}

func TestJaccard(t *testing.T) {
	assert.Equal(t, 0.0, jaccard(nil, []string{"a"}))
	assert.Equal(t, 1.0, jaccard([]string{"a", "b"}, []string{"b", "a"}))
	assert.InDelta(t, 1.0/3, jaccard([]string{"a", "b"}, []string{"b", "c"}), 1e-9)
}

func TestReflectDerivesPatternsAndLearnings(t *testing.T) {
	e, exec, _ := newTestEngine(t)

	exec.RespondRows("ep.type <> 'REFLECTION'", rowsFor([]Episode{
		{ID: "e1", Type: "EDIT", Entities: []string{"proj:file:src/hot.ts"}, Timestamp: 1},
		{ID: "e2", Type: "EDIT", Entities: []string{"proj:file:src/hot.ts"}, Timestamp: 2},
		{ID: "e3", Type: "EDIT", Entities: []string{"proj:file:src/hot.ts"}, Timestamp: 3},
		{ID: "e4", Type: "DECISION", Content: "switch parser", Timestamp: 4},
		{ID: "e5", Type: "ERROR", Content: "parser panicked", Timestamp: 5},
		{ID: "e6", Type: "OBSERVATION", Content: "reading config loader", Timestamp: 6},
		{ID: "e7", Type: "OBSERVATION", Content: "reading config loader", Timestamp: 7},
	}))

	refl, err := e.Reflect(context.Background(), ReflectRequest{ProjectID: "proj", TaskID: "t1"})
	require.NoError(t, err)

	kinds := make(map[string]Pattern)
	for _, p := range refl.Patterns {
		kinds[p.Kind] = p
	}
	require.Contains(t, kinds, PatternHotspot)
	assert.Equal(t, "proj:file:src/hot.ts", kinds[PatternHotspot].Subject)
	assert.InDelta(t, 0.75, kinds[PatternHotspot].Confidence, 1e-9)

	require.Contains(t, kinds, PatternRiskyDecision)
	assert.Equal(t, []string{"e4", "e5"}, kinds[PatternRiskyDecision].Evidence)

	require.Contains(t, kinds, PatternWastedReading)
	assert.InDelta(t, 0.5, kinds[PatternWastedReading].Confidence, 1e-9)

	// Hotspot (0.75) and risky decision (0.8) clear the threshold; the
	// repeated observation (0.5) does not.
	assert.Len(t, refl.Learnings, 2)
	learningWrites := exec.CallsContaining("CREATE (l:LEARNING")
	require.Len(t, learningWrites, 2)
	assert.Len(t, exec.CallsContaining("CREATE (r:EPISODE"), 1)

	// Learnings carry a readable statement and their extraction time.
	for _, w := range learningWrites {
		content, ok := w.Params["content"].(string)
		require.True(t, ok)
		assert.NotEmpty(t, content)
		assert.Contains(t, w.Query, "extractedAt: $ts")
		assert.EqualValues(t, 1700000000000, w.Params["ts"])
	}
	hotspot := learningWrites[0].Params
	if hotspot["kind"] != PatternHotspot {
		hotspot = learningWrites[1].Params
	}
	assert.Contains(t, hotspot["content"], "edited 3 times")
}

func rowsFor(eps []Episode) []map[string]any {
	rows := make([]map[string]any, len(eps))
	for i, ep := range eps {
		entities := make([]any, len(ep.Entities))
		for j, s := range ep.Entities {
			entities[j] = s
		}
		rows[i] = map[string]any{
			"id": ep.ID, "type": ep.Type, "content": ep.Content,
			"entities": entities, "timestamp": ep.Timestamp,
		}
	}
	return rows
}
