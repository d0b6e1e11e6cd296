// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeuristicSummaryFromDoc(t *testing.T) {
	got := HeuristicSummary("hello", "Greets the caller. Longer detail here.", "function hello() {}")
	assert.Equal(t, "Greets the caller.", got)
}

func TestHeuristicSummaryFromSource(t *testing.T) {
	src := "\n// comment\nreturn balance * rate\n"
	assert.Equal(t, "return balance * rate", HeuristicSummary("calc", "", src))
}

func TestHeuristicSummaryFallback(t *testing.T) {
	assert.Equal(t, "hello implementation", HeuristicSummary("hello", "", ""))
}

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder(64)
	a, err := e.Embed(context.Background(), "parse the config file")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "parse the config file")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	// Normalized.
	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestHashEmbedderSimilarTextCloser(t *testing.T) {
	e := NewHashEmbedder(256)
	ctx := context.Background()
	q, _ := e.Embed(ctx, "resolve workspace root directory")
	near, _ := e.Embed(ctx, "resolves the workspace root")
	far, _ := e.Embed(ctx, "render svg chart axis labels")

	dot := func(a, b []float32) float64 {
		var s float64
		for i := range a {
			s += float64(a[i]) * float64(b[i])
		}
		return s
	}
	assert.Greater(t, dot(q, near), dot(q, far))
}

func TestTokenizeCamelCase(t *testing.T) {
	assert.Equal(t, []string{"parse", "config", "file", "v2"}, Tokenize("parseConfigFile_v2"))
}

func TestSummaryCacheRoundTrip(t *testing.T) {
	cache, err := OpenSummaryCache("")
	require.NoError(t, err)
	defer cache.Close()

	_, ok := cache.Get("abc")
	assert.False(t, ok)

	require.NoError(t, cache.Put("abc", "a summary"))
	got, ok := cache.Get("abc")
	assert.True(t, ok)
	assert.Equal(t, "a summary", got)
}
