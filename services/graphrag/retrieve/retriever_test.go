// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieve

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexigraph/lxrag/services/graphrag/graphindex"
	"github.com/lexigraph/lxrag/services/graphrag/llm"
	"github.com/lexigraph/lxrag/services/graphrag/memgraph"
	"github.com/lexigraph/lxrag/services/graphrag/memgraph/memtest"
	"github.com/lexigraph/lxrag/services/graphrag/qdrant"
	"github.com/lexigraph/lxrag/services/graphrag/qdrant/vectest"
)

func testIndex() *graphindex.Index {
	ix := graphindex.New()
	ix.Replace("proj", graphindex.Snapshot{
		Nodes: []graphindex.Node{
			{ID: "proj:file:src/auth.ts", Label: "FILE", Name: "auth.ts", RelPath: "src/auth.ts", ProjectID: "proj"},
			{ID: "proj:function:src/auth.ts:validateToken:10", Label: "FUNCTION", Name: "validateToken",
				RelPath: "src/auth.ts", Summary: "Validates a bearer token against the session store.",
				StartLine: 10, EndLine: 30, ProjectID: "proj"},
			{ID: "proj:function:src/render.ts:drawChart:5", Label: "FUNCTION", Name: "drawChart",
				RelPath: "src/render.ts", Summary: "Renders the metrics chart.",
				StartLine: 5, EndLine: 40, ProjectID: "proj"},
			{ID: "proj:community:3", Label: "COMMUNITY", Name: "authentication",
				Summary: "Token validation, session lookup, and login handlers.", ProjectID: "proj"},
		},
		Edges: []graphindex.Edge{
			{Type: "CONTAINS", From: "proj:file:src/auth.ts", To: "proj:function:src/auth.ts:validateToken:10", Weight: 1},
		},
	})
	return ix
}

func newTestRetriever(t *testing.T, ready bool) (*Retriever, *vectest.Fake, *memtest.Fake) {
	t.Helper()
	vec := vectest.New()
	exec := memtest.New()
	embedder := llm.NewHashEmbedder(64)

	// Seed the vector collection the way the builder would.
	for _, n := range testIndex().Nodes("proj", "FUNCTION") {
		v, err := embedder.Embed(context.Background(), n.Summary)
		require.NoError(t, err)
		require.NoError(t, vec.Upsert(context.Background(), "code_proj", []qdrant.Point{{
			ID: n.ID, Vector: v,
			Payload: map[string]any{"projectId": "proj", "validTo": nil},
		}}))
	}

	r := New(Options{
		Index:           testIndex(),
		Vectors:         vec,
		Embedder:        embedder,
		Executor:        exec,
		EmbeddingsReady: func(string) bool { return ready },
	})
	return r, vec, exec
}

func TestSearchLocalRanksRelevantSymbolFirst(t *testing.T) {
	r, _, _ := newTestRetriever(t, true)

	resp, err := r.Search(context.Background(), Query{
		ProjectID: "proj", Text: "validate token", Mode: ModeLocal, Limit: 5,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Symbols)
	assert.Equal(t, "validateToken", resp.Symbols[0].Name)
	assert.False(t, resp.VectorSkipped)
	assert.Contains(t, resp.Symbols[0].Signals, "lexical")
	assert.Empty(t, resp.Communities)
}

func TestSearchExpansionPullsInContainingFile(t *testing.T) {
	r, _, _ := newTestRetriever(t, true)

	resp, err := r.Search(context.Background(), Query{
		ProjectID: "proj", Text: "validate token", Mode: ModeLocal, Limit: 5,
	})
	require.NoError(t, err)

	var ids []string
	for _, s := range resp.Symbols {
		ids = append(ids, s.ID)
	}
	assert.Contains(t, ids, "proj:file:src/auth.ts")
}

func TestSearchSkipsVectorWhenEmbeddingsStale(t *testing.T) {
	r, _, _ := newTestRetriever(t, false)

	resp, err := r.Search(context.Background(), Query{
		ProjectID: "proj", Text: "validate token", Mode: ModeLocal, Limit: 5,
	})
	require.NoError(t, err)
	assert.True(t, resp.VectorSkipped)
	require.NotEmpty(t, resp.Symbols)
	assert.NotContains(t, resp.Symbols[0].Signals, "vector")
}

func TestSearchGlobalReturnsCommunities(t *testing.T) {
	r, _, _ := newTestRetriever(t, true)

	resp, err := r.Search(context.Background(), Query{
		ProjectID: "proj", Text: "token validation", Mode: ModeGlobal, Limit: 5,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Symbols)
	require.NotEmpty(t, resp.Communities)
	assert.Equal(t, "authentication", resp.Communities[0].Name)
}

func TestSearchHybridReturnsBothSections(t *testing.T) {
	r, _, _ := newTestRetriever(t, true)

	resp, err := r.Search(context.Background(), Query{
		ProjectID: "proj", Text: "token validation", Mode: ModeHybrid, Limit: 5,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Symbols)
	assert.NotEmpty(t, resp.Communities)
}

func TestSearchInvalidMode(t *testing.T) {
	r, _, _ := newTestRetriever(t, true)

	_, err := r.Search(context.Background(), Query{ProjectID: "proj", Text: "x", Mode: "fuzzy"})
	require.ErrorIs(t, err, ErrInvalidMode)
}

func TestSearchAsOfQueriesHistoricalVersions(t *testing.T) {
	r, _, exec := newTestRetriever(t, true)
	exec.RespondRows("n.validFrom <= $asOf", []memgraph.Row{{
		"id": "proj:function:src/auth.ts:checkToken:12", "name": "checkToken",
		"kind": "FUNCTION", "path": "src/auth.ts",
		"summary": "Checks a token before the validator rewrite.",
		"startLine": int64(12), "endLine": int64(28),
	}})

	resp, err := r.Search(context.Background(), Query{
		ProjectID: "proj", Text: "check token", Mode: ModeLocal, Limit: 5, AsOf: 1700000000000,
	})
	require.NoError(t, err)
	require.Len(t, resp.Symbols, 1)
	assert.Equal(t, "checkToken", resp.Symbols[0].Name)
	assert.Equal(t, 12, resp.Symbols[0].StartLine)
	assert.True(t, resp.VectorSkipped)

	calls := exec.CallsContaining("$asOf")
	require.Len(t, calls, 1)
	assert.EqualValues(t, 1700000000000, calls[0].Params["asOf"])
}

func TestVectorRankExcludesRetiredVersions(t *testing.T) {
	r, vec, _ := newTestRetriever(t, true)
	embedder := llm.NewHashEmbedder(64)

	// A superseded point carries a validTo timestamp instead of null.
	retired := "proj:function:src/auth.ts:validateToken:old"
	v, err := embedder.Embed(context.Background(), "Validates a bearer token against the session store.")
	require.NoError(t, err)
	require.NoError(t, vec.Upsert(context.Background(), "code_proj", []qdrant.Point{{
		ID: retired, Vector: v,
		Payload: map[string]any{"projectId": "proj", "validTo": int64(1690000000000)},
	}}))

	hits, err := r.vectorRank(context.Background(), Query{ProjectID: "proj", Text: "validate token"})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	for _, h := range hits {
		assert.NotEqual(t, retired, h.id)
	}
}

func TestFuseOrdersByReciprocalRank(t *testing.T) {
	out := fuse(map[string][]scored{
		"a": {{id: "x", score: 0.9}, {id: "y", score: 0.5}},
		"b": {{id: "y", score: 3.0}, {id: "z", score: 1.0}},
	})
	require.Len(t, out, 3)
	// y appears in both lists, so it fuses highest.
	assert.Equal(t, "y", out[0].id)
	assert.InDelta(t, 1.0/62+1.0/61, out[0].score, 1e-9)
	assert.Equal(t, 3.0, out[0].signals["b"])
}

func TestLexicalBoostPrefersNameHits(t *testing.T) {
	ix := buildLexicalIndex([]lexicalFields{
		{ID: "byName", Name: "parseConfig", Summary: "unrelated text here"},
		{ID: "bySummary", Name: "unrelated", Summary: "parse config helper"},
	})
	ranked := ix.Rank("parseConfig", 10)
	require.NotEmpty(t, ranked)
	assert.Equal(t, "byName", ranked[0].id)
}
