// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexigraph/lxrag/services/graphrag/dispatch"
)

func TestImpactAnalyzeWalksReverseImports(t *testing.T) {
	env := newToolsEnv(t)

	res := env.call("impact_analyze", map[string]any{"files": []any{"src/session.ts"}})
	require.True(t, res.OK)
	assert.Equal(t, 4, res.Data["count"])

	impacted := res.Data["impacted"].([]any)
	first := impacted[0].(map[string]any)
	assert.Equal(t, "src/session.ts", first["path"])
	assert.Equal(t, 0, first["distance"])

	distances := map[string]int{}
	for _, m := range impacted {
		entry := m.(map[string]any)
		distances[entry["path"].(string)] = entry["distance"].(int)
	}
	assert.Equal(t, 1, distances["src/auth.ts"])
	assert.Equal(t, 2, distances["src/api.ts"])
	assert.Equal(t, 2, distances["tests/auth.test.ts"])
}

func TestImpactAnalyzeParsesUnifiedDiff(t *testing.T) {
	env := newToolsEnv(t)

	const patch = `diff --git a/src/session.ts b/src/session.ts
--- a/src/session.ts
+++ b/src/session.ts
@@ -1,1 +1,1 @@
-export function getSession(token: string): string { return token; }
+export function getSession(token: string): string { return token.trim(); }
`
	res := env.call("impact_analyze", map[string]any{"diff": patch})
	require.True(t, res.OK, res.Summary)
	assert.Equal(t, []any{"src/session.ts"}, res.Data["changed"])
	assert.Equal(t, 4, res.Data["count"])
}

func TestImpactAnalyzeRequiresInput(t *testing.T) {
	env := newToolsEnv(t)

	res := env.call("impact_analyze", nil)
	require.False(t, res.OK)
	assert.Equal(t, dispatch.CodeInvalidArgument, res.ErrorCode)
}

func TestTestSelectPairsConventionTests(t *testing.T) {
	env := newToolsEnv(t)

	res := env.call("test_select", map[string]any{"files": []any{"src/session.ts"}})
	require.True(t, res.OK)
	assert.Equal(t, []any{"tests/auth.test.ts"}, res.Data["tests"])
}

func TestTestSelectHintsWhenNothingCovers(t *testing.T) {
	env := newToolsEnv(t)

	res := env.call("test_select", map[string]any{"files": []any{"src/orphan.ts"}})
	require.True(t, res.OK)
	assert.Empty(t, res.Data["tests"])
	assert.Contains(t, res.Hint, "suggest_tests")
}

func TestTestCategorizeBucketsByShape(t *testing.T) {
	env := newToolsEnv(t)

	res := env.call("test_categorize", nil)
	require.True(t, res.OK)
	assert.Equal(t, 1, res.Data["total"])

	categories := res.Data["categories"].(map[string]any)
	assert.Equal(t, []any{"tests/auth.test.ts"}, categories["unit"])
}

func TestTestRunExecutesCommand(t *testing.T) {
	env := newToolsEnv(t)

	res := env.call("test_run", map[string]any{"command": "printf ok-from-shell"})
	require.True(t, res.OK)
	assert.Equal(t, 0, res.Data["exitCode"])
	assert.Equal(t, "ok-from-shell", res.Data["output"])
	assert.Equal(t, false, res.Data["truncated"])
}

func TestTestRunReportsNonZeroExit(t *testing.T) {
	env := newToolsEnv(t)

	// A failing command is still a successful tool call.
	res := env.call("test_run", map[string]any{"command": "exit 3"})
	require.True(t, res.OK)
	assert.Equal(t, 3, res.Data["exitCode"])
}

func TestSuggestTestsFlagsUntestedExports(t *testing.T) {
	env := newToolsEnv(t)

	res := env.call("suggest_tests", nil)
	require.True(t, res.OK)

	suggestions := res.Data["suggestions"].([]any)
	require.Len(t, suggestions, 1)
	s := suggestions[0].(map[string]any)
	assert.Equal(t, "formatDate", s["symbol"])
	assert.Equal(t, "src/orphan.ts", s["path"])

	// validateToken pairs with tests/auth.test.ts, so it is never flagged.
	filtered := env.call("suggest_tests", map[string]any{"target": "validateToken"})
	require.True(t, filtered.OK)
	assert.Empty(t, filtered.Data["suggestions"])
}
