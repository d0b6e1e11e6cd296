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
	"github.com/lexigraph/lxrag/services/graphrag/memgraph"
	"github.com/lexigraph/lxrag/services/graphrag/retrieve"
)

func TestCodeExplainResolvesByName(t *testing.T) {
	env := newToolsEnv(t)

	res := env.call("code_explain", map[string]any{"target": "validateToken"})
	require.True(t, res.OK, res.Summary)
	assert.Equal(t, fnValidate, res.Data["id"])
	assert.Equal(t, "FUNCTION", res.Data["kind"])
	assert.Equal(t, "src/auth.ts", res.Data["path"])
	assert.Contains(t, res.Data["source"], "validateToken")
	assert.NotEmpty(t, res.Data["neighbours"])
}

func TestCodeExplainUnknownTarget(t *testing.T) {
	env := newToolsEnv(t)

	res := env.call("code_explain", map[string]any{"target": "noSuchSymbol"})
	require.False(t, res.OK)
	assert.Equal(t, dispatch.CodeElementNotFound, res.ErrorCode)
	assert.Contains(t, res.Hint, "semantic_search")
}

func TestFindPatternCircularImports(t *testing.T) {
	env := newToolsEnv(t)

	res := env.call("find_pattern", map[string]any{"type": "circular"})
	require.True(t, res.OK)
	assert.Equal(t, 1, res.Data["count"])

	matches := res.Data["matches"].([]any)
	require.Len(t, matches, 1)
	cycle := matches[0].(map[string]any)["cycle"].([]any)
	assert.Equal(t, []any{"src/auth.ts", "src/session.ts"}, cycle)
}

func TestFindPatternOrphansAndUnusedExports(t *testing.T) {
	env := newToolsEnv(t)

	orphans := env.call("find_pattern", map[string]any{"type": "orphans"})
	require.True(t, orphans.OK)
	matches := orphans.Data["matches"].([]any)
	require.Len(t, matches, 1)
	assert.Equal(t, "src/orphan.ts", matches[0].(map[string]any)["path"])

	unused := env.call("find_pattern", map[string]any{"type": "unused-exports"})
	require.True(t, unused.OK)
	matches = unused.Data["matches"].([]any)
	require.Len(t, matches, 1)
	assert.Equal(t, "formatDate", matches[0].(map[string]any)["name"])
}

func TestFindPatternUnknownType(t *testing.T) {
	env := newToolsEnv(t)

	res := env.call("find_pattern", map[string]any{"type": "spaghetti"})
	require.False(t, res.OK)
	assert.Equal(t, dispatch.CodeInvalidArgument, res.ErrorCode)
}

func TestSemanticSearchWarnsBeforeEmbeddings(t *testing.T) {
	env := newToolsEnv(t)

	res := env.call("semantic_search", map[string]any{"query": "validate token", "mode": "local"})
	require.True(t, res.OK)
	assert.Contains(t, res.ContractWarnings, "vector ranker skipped: embeddings not ready for this project")

	symbols := res.Data["symbols"].([]any)
	require.NotEmpty(t, symbols)
	assert.Equal(t, "validateToken", symbols[0].(retrieve.Result).Name)
}

func TestCodeClustersListsCommunities(t *testing.T) {
	env := newToolsEnv(t)

	res := env.call("code_clusters", nil)
	require.True(t, res.OK)
	assert.Equal(t, 1, res.Data["count"])

	clusters := res.Data["clusters"].([]any)
	cluster := clusters[0].(map[string]any)
	assert.Equal(t, "authentication", cluster["label"])
	assert.Equal(t, 1, cluster["memberCount"])
}

func TestSemanticSliceCoversNeighbourhood(t *testing.T) {
	env := newToolsEnv(t)

	res := env.call("semantic_slice", map[string]any{"target": "validateToken", "depth": 1})
	require.True(t, res.OK)
	root := res.Data["root"].(map[string]any)
	assert.Equal(t, fnValidate, root["id"])

	var paths []string
	for _, member := range res.Data["slice"].([]any) {
		paths = append(paths, member.(map[string]any)["path"].(string))
	}
	assert.Contains(t, paths, "src/auth.ts")
}

func TestSemanticDiffWithoutPredecessor(t *testing.T) {
	env := newToolsEnv(t)
	env.exec.RespondRows("MATCH (cur {id: $id", []memgraph.Row{{
		"curSummary": "Validates a bearer token.", "curStart": int64(3), "curEnd": int64(5),
		"curFrom": int64(10), "oldSummary": nil, "oldStart": nil, "oldEnd": nil, "oldFrom": nil,
	}})

	res := env.call("semantic_diff", map[string]any{"elementId": fnValidate})
	require.True(t, res.OK)
	assert.Equal(t, false, res.Data["changed"])
	assert.NotContains(t, res.Data, "previous")
}

func TestSemanticDiffReportsChanges(t *testing.T) {
	env := newToolsEnv(t)
	env.exec.RespondRows("MATCH (cur {id: $id", []memgraph.Row{{
		"curSummary": "Validates a bearer token and its expiry.", "curStart": int64(3), "curEnd": int64(9),
		"curFrom": int64(20),
		"oldSummary": "Validates a bearer token.", "oldStart": int64(3), "oldEnd": int64(5),
		"oldFrom": int64(10),
	}})

	res := env.call("semantic_diff", map[string]any{"elementId": fnValidate})
	require.True(t, res.OK)
	assert.Equal(t, true, res.Data["changed"])
	changes := res.Data["changes"].([]any)
	assert.Len(t, changes, 2) // summary and line span
}

func TestSemanticDiffUnknownElement(t *testing.T) {
	env := newToolsEnv(t)

	res := env.call("semantic_diff", map[string]any{"elementId": "proj:function:gone"})
	require.False(t, res.OK)
	assert.Equal(t, dispatch.CodeSemanticDiffElementNotFound, res.ErrorCode)
}

const layeredRules = `layers:
  - name: core
    paths: [src/session.ts]
  - name: auth
    paths: [src/auth.ts]
    allowedImports: [core]
  - name: api
    paths: [src/api.ts]
    allowedImports: [auth]
`

func TestArchValidateFindsViolation(t *testing.T) {
	env := newToolsEnv(t)
	writeWorkspaceFile(t, env.ws, ".lxrag/architecture.yaml", layeredRules)

	res := env.call("arch_validate", nil)
	require.True(t, res.OK)
	assert.Equal(t, false, res.Data["valid"])

	violations := res.Data["violations"].([]any)
	require.Len(t, violations, 1)
	v := violations[0].(map[string]any)
	// session.ts (core) importing auth.ts (auth) is not on core's allow list.
	assert.Equal(t, "src/session.ts", v["from"])
	assert.Equal(t, "src/auth.ts", v["to"])
	assert.Equal(t, "core", v["fromLayer"])
	assert.Equal(t, "auth", v["toLayer"])
}

func TestArchSuggestCoversUnassignedFiles(t *testing.T) {
	env := newToolsEnv(t)
	writeWorkspaceFile(t, env.ws, ".lxrag/architecture.yaml", layeredRules)

	res := env.call("arch_suggest", nil)
	require.True(t, res.OK)

	byFile := map[string]string{}
	for _, s := range res.Data["suggestions"].([]any) {
		m := s.(map[string]any)
		byFile[m["file"].(string)] = m["kind"].(string)
	}
	assert.Equal(t, "disallowed-import", byFile["src/session.ts"])
	assert.Equal(t, "unassigned", byFile["src/orphan.ts"])
	assert.Equal(t, "unassigned", byFile["tests/auth.test.ts"])
}

func TestArchToolsRequireRules(t *testing.T) {
	env := newToolsEnv(t)

	res := env.call("arch_validate", nil)
	require.False(t, res.OK)
	assert.Equal(t, dispatch.CodeArchEngineUnavailable, res.ErrorCode)
	assert.Contains(t, res.Hint, "init_project_setup")
}
