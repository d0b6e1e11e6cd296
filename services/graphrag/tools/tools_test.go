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
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexigraph/lxrag/services/graphrag/ast"
	"github.com/lexigraph/lxrag/services/graphrag/builder"
	"github.com/lexigraph/lxrag/services/graphrag/config"
	"github.com/lexigraph/lxrag/services/graphrag/contextpack"
	"github.com/lexigraph/lxrag/services/graphrag/coordinate"
	"github.com/lexigraph/lxrag/services/graphrag/dispatch"
	"github.com/lexigraph/lxrag/services/graphrag/docs"
	"github.com/lexigraph/lxrag/services/graphrag/episode"
	"github.com/lexigraph/lxrag/services/graphrag/graphindex"
	"github.com/lexigraph/lxrag/services/graphrag/llm"
	"github.com/lexigraph/lxrag/services/graphrag/memgraph"
	"github.com/lexigraph/lxrag/services/graphrag/memgraph/memtest"
	"github.com/lexigraph/lxrag/services/graphrag/qdrant/vectest"
	"github.com/lexigraph/lxrag/services/graphrag/retrieve"
	"github.com/lexigraph/lxrag/services/graphrag/session"
	"github.com/lexigraph/lxrag/services/graphrag/shaper"
)

const testProject = "proj"

const (
	fileAuth    = "proj:file:src/auth.ts"
	fileSession = "proj:file:src/session.ts"
	fileAPI     = "proj:file:src/api.ts"
	fileOrphan  = "proj:file:src/orphan.ts"
	fileTest    = "proj:file:tests/auth.test.ts"
	fnValidate  = "proj:function:src/auth.ts:validateToken:3"
	fnFormat    = "proj:function:src/orphan.ts:formatDate:1"
	communityID = "proj:community:1"
)

const authSourceTS = `import { getSession } from './session';

export function validateToken(token: string): boolean {
  return getSession(token) !== undefined;
}
`

type toolsEnv struct {
	t    *testing.T
	d    *dispatch.Dispatcher
	exec *memtest.Fake
	vec  *vectest.Fake
	ix   *graphindex.Index
	ws   string
}

func writeWorkspaceFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func seededIndex(ws string) *graphindex.Index {
	abs := func(rel string) string { return filepath.Join(ws, filepath.FromSlash(rel)) }
	ix := graphindex.New()
	ix.Replace(testProject, graphindex.Snapshot{
		Nodes: []graphindex.Node{
			{ID: fileAuth, Label: "FILE", Name: "auth.ts", RelPath: "src/auth.ts",
				FilePath: abs("src/auth.ts"), ProjectID: testProject},
			{ID: fileSession, Label: "FILE", Name: "session.ts", RelPath: "src/session.ts",
				FilePath: abs("src/session.ts"), ProjectID: testProject},
			{ID: fileAPI, Label: "FILE", Name: "api.ts", RelPath: "src/api.ts",
				FilePath: abs("src/api.ts"), ProjectID: testProject},
			{ID: fileOrphan, Label: "FILE", Name: "orphan.ts", RelPath: "src/orphan.ts",
				FilePath: abs("src/orphan.ts"), ProjectID: testProject},
			{ID: fileTest, Label: "FILE", Name: "auth.test.ts", RelPath: "tests/auth.test.ts",
				FilePath: abs("tests/auth.test.ts"), ProjectID: testProject},
			{ID: fnValidate, Label: "FUNCTION", Name: "validateToken", RelPath: "src/auth.ts",
				FilePath: abs("src/auth.ts"), StartLine: 3, EndLine: 5, Exported: true,
				Summary: "Validates a bearer token against the session store.", ProjectID: testProject},
			{ID: fnFormat, Label: "FUNCTION", Name: "formatDate", RelPath: "src/orphan.ts",
				FilePath: abs("src/orphan.ts"), StartLine: 1, EndLine: 3, Exported: true,
				Summary: "Formats an ISO date for display.", ProjectID: testProject},
			{ID: communityID, Label: "COMMUNITY", Name: "authentication",
				Summary: "Token validation and session lookup.", ProjectID: testProject},
		},
		Edges: []graphindex.Edge{
			{Type: "CONTAINS", From: fileAuth, To: fnValidate, Weight: 1},
			{Type: "CONTAINS", From: fileOrphan, To: fnFormat, Weight: 1},
			{Type: "IMPORTS", From: fileAuth, To: fileSession, Weight: 1},
			{Type: "IMPORTS", From: fileSession, To: fileAuth, Weight: 1},
			{Type: "IMPORTS", From: fileAPI, To: fileAuth, Weight: 1},
			{Type: "IMPORTS", From: fileTest, To: fileAuth, Weight: 1},
			{Type: "BELONGS_TO", From: fileAuth, To: communityID, Weight: 1},
		},
	})
	return ix
}

func newToolsEnv(t *testing.T) *toolsEnv {
	t.Helper()
	ws := t.TempDir()
	writeWorkspaceFile(t, ws, "src/auth.ts", authSourceTS)
	writeWorkspaceFile(t, ws, "src/session.ts", "export function getSession(token: string): string { return token; }\n")
	writeWorkspaceFile(t, ws, "src/api.ts", "import { validateToken } from './auth';\n")
	writeWorkspaceFile(t, ws, "src/orphan.ts", "export function formatDate(iso: string): string {\n  return iso;\n}\n")
	writeWorkspaceFile(t, ws, "tests/auth.test.ts", "import { validateToken } from '../src/auth';\n")

	exec := memtest.New()
	vec := vectest.New()
	embedder := llm.NewHashEmbedder(64)
	ix := seededIndex(ws)

	orchestrator := builder.NewOrchestrator(builder.Options{
		Executor:      exec,
		Vectors:       vec,
		Parsers:       ast.NewRegistry(),
		Index:         ix,
		Embedder:      embedder,
		SyncThreshold: 30 * time.Second,
	})
	retriever := retrieve.New(retrieve.Options{
		Index:           ix,
		Vectors:         vec,
		Embedder:        embedder,
		Executor:        exec,
		EmbeddingsReady: orchestrator.EmbeddingsReady,
	})
	episodes := episode.NewEngine(episode.Options{Executor: exec, Vectors: vec, Embedder: embedder})
	claims := coordinate.NewEngine(coordinate.Options{Executor: exec})
	packs := contextpack.New(contextpack.Options{
		Retriever:   retriever,
		Index:       ix,
		Coordinator: claims,
		Episodes:    episodes,
		Executor:    exec,
	})
	docsEngine := docs.NewEngine(docs.Options{Executor: exec, Vectors: vec, Embedder: embedder})

	sessions := session.NewManager(nil, nil)
	d := dispatch.New(dispatch.Options{Sessions: sessions})
	Register(d, Deps{
		Sessions:  sessions,
		Executor:  exec,
		Builder:   orchestrator,
		Index:     ix,
		Retriever: retriever,
		Episodes:  episodes,
		Claims:    claims,
		Packs:     packs,
		Docs:      docsEngine,
		Config:    config.Default(),
	})

	env := &toolsEnv{t: t, d: d, exec: exec, vec: vec, ix: ix, ws: ws}
	set := env.call("graph_set_workspace", map[string]any{
		"workspaceRoot": ws, "projectId": testProject,
	})
	require.True(t, set.OK, "workspace setup failed: %s", set.Summary)
	return env
}

func (e *toolsEnv) call(tool string, args map[string]any) *shaper.Envelope {
	e.t.Helper()
	return e.d.CallTool(context.Background(), "s1", tool, args)
}

func TestSetWorkspaceReturnsProjectContext(t *testing.T) {
	env := newToolsEnv(t)

	res := env.call("graph_set_workspace", map[string]any{
		"workspaceRoot": env.ws, "projectId": testProject,
	})
	require.True(t, res.OK)
	assert.Equal(t, testProject, res.Data["projectId"])
	assert.Equal(t, env.ws, res.Data["workspaceRoot"])
	assert.Contains(t, res.Hint, "graph_rebuild")
}

func TestSetWorkspaceMissingRoot(t *testing.T) {
	env := newToolsEnv(t)

	res := env.call("graph_set_workspace", map[string]any{
		"workspaceRoot": "/nonexistent/workspace",
	})
	require.False(t, res.OK)
	assert.Equal(t, dispatch.CodeWorkspaceNotFound, res.ErrorCode)
}

func TestGraphRebuildIndexesWorkspace(t *testing.T) {
	env := newToolsEnv(t)

	res := env.call("graph_rebuild", nil)
	require.True(t, res.OK, res.Summary)
	assert.Equal(t, string(builder.StatusCompleted), res.Data["status"])
	assert.NotEmpty(t, res.Data["txId"])
	assert.Greater(t, res.Data["nodeCount"].(int), 0)

	assert.Len(t, env.exec.CallsContaining("CREATE (t:GRAPH_TX"), 1)
}

func TestGraphRebuildRejectsUnknownMode(t *testing.T) {
	env := newToolsEnv(t)

	res := env.call("graph_rebuild", map[string]any{"mode": "partial"})
	require.False(t, res.OK)
	assert.Equal(t, dispatch.CodeInvalidArgument, res.ErrorCode)
}

func TestGraphHealthReportsDrift(t *testing.T) {
	env := newToolsEnv(t)

	// The seeded cache has nodes the (empty) store never saw.
	res := env.call("graph_health", nil)
	require.True(t, res.OK)
	assert.Equal(t, true, res.Data["driftDetected"])
	assert.EqualValues(t, 0, res.Data["memgraphNodes"])
	assert.Equal(t, "disabled", res.Data["watcherState"])

	stats := res.Data["graphIndex"].(map[string]any)
	assert.Equal(t, 8, stats["totalNodes"])
}

func TestGraphQueryReturnsRows(t *testing.T) {
	env := newToolsEnv(t)
	env.exec.RespondRows("RETURN f.relativePath", []memgraph.Row{
		{"relativePath": "src/auth.ts"},
	})

	res := env.call("graph_query", map[string]any{
		"query": "MATCH (f:FILE) RETURN f.relativePath AS relativePath",
	})
	require.True(t, res.OK)
	assert.Equal(t, 1, res.Data["count"])
	rows := res.Data["results"].([]any)
	assert.Equal(t, "src/auth.ts", rows[0].(map[string]any)["relativePath"])
}

func TestDiffSinceUnknownAnchor(t *testing.T) {
	env := newToolsEnv(t)

	res := env.call("diff_since", map[string]any{"since": "tx-missing"})
	require.False(t, res.OK)
	assert.Equal(t, dispatch.CodeDiffSinceAnchorNotFound, res.ErrorCode)
	assert.Contains(t, res.Hint, "graph_rebuild")
}

func TestDiffSinceClassifiesChanges(t *testing.T) {
	env := newToolsEnv(t)
	env.exec.RespondRows("MATCH (t:GRAPH_TX {id: $since})", []memgraph.Row{
		{"ts": int64(100)},
	})
	env.exec.RespondRows("f.validFrom > $ts", []memgraph.Row{
		{"relPath": "src/new.ts", "oldId": nil},
		{"relPath": "src/auth.ts", "oldId": "proj:file:src/auth.ts@old"},
	})
	env.exec.RespondRows("f.validTo IS NOT NULL", []memgraph.Row{
		{"relPath": "src/gone.ts"},
	})

	res := env.call("diff_since", map[string]any{"since": "tx-1"})
	require.True(t, res.OK)
	assert.Equal(t, []any{"src/new.ts"}, res.Data["added"])
	assert.Equal(t, []any{"src/auth.ts"}, res.Data["modified"])
	assert.Equal(t, []any{"src/gone.ts"}, res.Data["removed"])
	assert.EqualValues(t, 100, res.Data["sinceTimestamp"])
}

func TestInitProjectSetupCreatesConfig(t *testing.T) {
	env := newToolsEnv(t)

	res := env.call("init_project_setup", map[string]any{"workspaceRoot": env.ws})
	require.True(t, res.OK)
	assert.NotEmpty(t, res.Data["projectId"])
	assert.ElementsMatch(t, []any{"config.yaml", "architecture.yaml"}, res.Data["created"])

	for _, name := range []string{"config.yaml", "architecture.yaml"} {
		_, err := os.Stat(filepath.Join(env.ws, config.ConfigDirName, name))
		assert.NoError(t, err)
	}

	// Second run leaves existing files alone.
	again := env.call("init_project_setup", map[string]any{"workspaceRoot": env.ws})
	require.True(t, again.OK)
	assert.Empty(t, again.Data["created"])
	assert.ElementsMatch(t, []any{"config.yaml", "architecture.yaml"}, again.Data["skipped"])
}

func TestSetupCopilotInstructions(t *testing.T) {
	env := newToolsEnv(t)

	res := env.call("setup_copilot_instructions", nil)
	require.True(t, res.OK)
	assert.Equal(t, true, res.Data["written"])

	data, err := os.ReadFile(filepath.Join(env.ws, ".github", "copilot-instructions.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "graph_set_workspace")

	// Existing file is kept unless overwrite is passed.
	again := env.call("setup_copilot_instructions", nil)
	require.True(t, again.OK)
	assert.Equal(t, false, again.Data["written"])
	assert.Contains(t, again.Hint, "overwrite")

	forced := env.call("setup_copilot_instructions", map[string]any{"overwrite": true})
	require.True(t, forced.OK)
	assert.Equal(t, true, forced.Data["written"])
}
