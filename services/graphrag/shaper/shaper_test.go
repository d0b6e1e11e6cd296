// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package shaper

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var graphQuerySchema = OutputSchema{
	{Key: "results", Priority: PriorityRequired},
	{Key: "count", Priority: PriorityRequired},
	{Key: "columns", Priority: PriorityHigh},
	{Key: "timing", Priority: PriorityMedium},
	{Key: "warnings", Priority: PriorityLow},
}

func rows(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = map[string]any{"label": "FILE", "cnt": i}
	}
	return out
}

func TestTokenEstimateFormula(t *testing.T) {
	env := &Envelope{OK: true, Summary: "two nodes", Profile: ProfileDebug}
	encoded, err := json.Marshal(env)
	require.NoError(t, err)
	assert.Equal(t, (len(encoded)+3)/4, TokenEstimate(env))
}

func TestShapeDebugUntrimmed(t *testing.T) {
	env := &Envelope{OK: true, Summary: "s", Data: map[string]any{"results": rows(100)}}
	Shape(env, graphQuerySchema, ProfileDebug)
	assert.Len(t, env.Data["results"], 100)
	assert.Positive(t, env.TokenEstimate)
}

func TestShapeCompactTruncatesArrays(t *testing.T) {
	env := &Envelope{OK: true, Summary: "s", Data: map[string]any{
		"results": rows(50),
		"count":   50,
	}}
	Shape(env, graphQuerySchema, ProfileCompact)
	assert.Len(t, env.Data["results"], 10, "compact caps arrays at 10")
	assert.Equal(t, 50, env.Data["count"])
}

func TestShapeDropsByPriority(t *testing.T) {
	env := &Envelope{OK: true, Summary: "s", Data: map[string]any{
		"results":  rows(3),
		"count":    3,
		"columns":  []any{"label", "cnt"},
		"timing":   strings.Repeat("x", 1400),
		"warnings": strings.Repeat("x", 600),
	}}
	Shape(env, graphQuerySchema, ProfileCompact)

	assert.NotContains(t, env.Data, "warnings", "low dropped first")
	assert.NotContains(t, env.Data, "timing", "medium dropped second")
	assert.Contains(t, env.Data, "results")
	assert.Contains(t, env.Data, "count")
	assert.LessOrEqual(t, env.TokenEstimate, CompactBudget)
}

func TestShapeRequiredFieldsSurviveOverBudget(t *testing.T) {
	// Required rows alone exceed 300 tokens: they must survive, the
	// estimate may exceed the nominal compact budget, and the envelope
	// fails with BUDGET_EXCEEDED.
	wide := make([]any, 10)
	for i := range wide {
		wide[i] = map[string]any{"payload": strings.Repeat("y", 200), "n": i}
	}
	env := &Envelope{OK: true, Summary: "s", Data: map[string]any{
		"results": wide,
		"count":   10,
	}}
	Shape(env, graphQuerySchema, ProfileCompact)

	assert.False(t, env.OK)
	assert.Equal(t, CodeBudgetExceeded, env.ErrorCode)
	require.NotNil(t, env.Error)
	assert.True(t, env.Error.Recoverable)
	assert.Contains(t, env.Data, "results")
	assert.Equal(t, 10, env.Data["count"])
	assert.Greater(t, env.TokenEstimate, CompactBudget)
	require.NotEmpty(t, env.ContractWarnings)
	assert.Contains(t, env.ContractWarnings[0], "required fields exceed")
}

func TestShapeOverBudgetFailureKeepsOriginalErrorCode(t *testing.T) {
	wide := make([]any, 10)
	for i := range wide {
		wide[i] = map[string]any{"payload": strings.Repeat("y", 200), "n": i}
	}
	env := &Envelope{
		OK:        false,
		Summary:   "query failed",
		ErrorCode: "GRAPH_QUERY_FAILED",
		Error:     &ErrorDetail{Message: "syntax error", Recoverable: true},
		Data:      map[string]any{"results": wide, "count": 10},
	}
	Shape(env, graphQuerySchema, ProfileCompact)

	assert.False(t, env.OK)
	assert.Equal(t, "GRAPH_QUERY_FAILED", env.ErrorCode, "shaping must not mask the original failure")
	assert.Greater(t, env.TokenEstimate, CompactBudget)
}

func TestShapeStampsFinalEstimate(t *testing.T) {
	for _, profile := range []Profile{ProfileCompact, ProfileBalanced, ProfileDebug} {
		t.Run(string(profile), func(t *testing.T) {
			env := &Envelope{OK: true, Summary: "s", Data: map[string]any{"results": rows(5), "count": 5}}
			Shape(env, graphQuerySchema, profile)

			// Stamped estimate must match re-encoding the final envelope.
			stamped := env.TokenEstimate
			env.TokenEstimate = 0
			fresh := TokenEstimate(env)
			// The _tokenEstimate field itself contributes a few bytes; allow
			// the width difference of the number only.
			assert.InDelta(t, fresh, stamped, 3)
		})
	}
}

func TestShapeDeterministicTruncation(t *testing.T) {
	mk := func() *Envelope {
		return &Envelope{OK: true, Summary: "s", Data: map[string]any{"results": rows(30), "count": 30}}
	}
	a := Shape(mk(), graphQuerySchema, ProfileCompact)
	b := Shape(mk(), graphQuerySchema, ProfileCompact)
	assert.Equal(t, fmt.Sprint(a.Data["results"]), fmt.Sprint(b.Data["results"]))
}

func TestParseProfile(t *testing.T) {
	assert.Equal(t, ProfileCompact, ParseProfile("compact"))
	assert.Equal(t, ProfileBalanced, ParseProfile(""))
	assert.Equal(t, ProfileBalanced, ParseProfile("bogus"))
	assert.Equal(t, ProfileDebug, ParseProfile("debug"))
}
