// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexigraph/lxrag/services/graphrag/session"
	"github.com/lexigraph/lxrag/services/graphrag/shaper"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *session.Manager) {
	t.Helper()
	sessions := session.NewManager(nil, nil)
	return New(Options{Sessions: sessions}), sessions
}

func TestCallToolUnknownName(t *testing.T) {
	d, _ := newTestDispatcher(t)

	env := d.CallTool(context.Background(), "s1", "graph_rebuildd", nil)
	require.False(t, env.OK)
	assert.Equal(t, CodeToolNotFound, env.ErrorCode)
	assert.Contains(t, env.Hint, "tools_list")
	require.NotNil(t, env.Error)
	assert.True(t, env.Error.Recoverable)
}

func TestCallToolNormalizesSynonyms(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var seen Args
	d.Registry().Register(Tool{
		Name: "impact_analyze",
		Schema: shaper.OutputSchema{
			{Key: "files", Priority: shaper.PriorityRequired},
		},
		Handler: func(_ context.Context, call *Call) (*Result, error) {
			seen = call.Args
			return &Result{Summary: "ok", Data: map[string]any{"files": call.Args.Strings("files")}}, nil
		},
	})

	env := d.CallTool(context.Background(), "s1", "impact_analyze", map[string]any{
		"changedFiles": []any{"src/a.ts"},
	})
	require.True(t, env.OK)
	assert.Equal(t, []string{"src/a.ts"}, seen.Strings("files"))
	assert.NotContains(t, seen, "changedFiles")
	assert.Contains(t, env.ContractWarnings, "mapped changedFiles -> files")
}

func TestCallToolRequiresProject(t *testing.T) {
	d, sessions := newTestDispatcher(t)

	d.Registry().Register(Tool{
		Name:         "graph_rebuild",
		NeedsProject: true,
		Handler: func(_ context.Context, call *Call) (*Result, error) {
			return &Result{Summary: call.Project.ProjectID}, nil
		},
	})

	env := d.CallTool(context.Background(), "s1", "graph_rebuild", nil)
	require.False(t, env.OK)
	assert.Equal(t, CodeWorkspaceNotFound, env.ErrorCode)
	assert.Contains(t, env.Hint, "graph_set_workspace")

	ws := t.TempDir()
	_, err := sessions.SetWorkspace("s1", ws, "", "")
	require.NoError(t, err)

	env = d.CallTool(context.Background(), "s1", "graph_rebuild", nil)
	require.True(t, env.OK)
	assert.Equal(t, filepath.Base(ws), env.Summary)
}

func TestCallToolRecoversPanics(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.Registry().Register(Tool{
		Name: "explode",
		Handler: func(_ context.Context, _ *Call) (*Result, error) {
			panic("boom")
		},
	})

	env := d.CallTool(context.Background(), "s1", "explode", nil)
	require.False(t, env.OK)
	assert.Equal(t, CodeInternal, env.ErrorCode)
	require.NotNil(t, env.Error)
	assert.False(t, env.Error.Recoverable)
}

func TestCallToolPassesThroughHandlerErrorCodes(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.Registry().Register(Tool{
		Name: "agent_claim",
		Handler: func(_ context.Context, _ *Call) (*Result, error) {
			return nil, Errorf(CodeClaimConflict, "wait for the holder to release", "target already claimed")
		},
	})

	env := d.CallTool(context.Background(), "s1", "agent_claim", map[string]any{"target": "x"})
	require.False(t, env.OK)
	assert.Equal(t, CodeClaimConflict, env.ErrorCode)
	assert.Equal(t, "target already claimed", env.Summary)
	assert.Contains(t, env.ContractWarnings, "mapped target -> targetId")
}

func TestCallToolSemanticFailureKeepsData(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.Registry().Register(Tool{
		Name: "agent_release",
		Handler: func(_ context.Context, _ *Call) (*Result, error) {
			return &Result{
				Summary: "claim not found",
				Data:    map[string]any{"released": false, "notFound": true},
				Failure: &Error{Code: CodeElementNotFound, Recoverable: true, Message: "claim not found"},
			}, nil
		},
	})

	env := d.CallTool(context.Background(), "s1", "agent_release", map[string]any{"claim": "x"})
	require.False(t, env.OK)
	assert.Equal(t, CodeElementNotFound, env.ErrorCode)
	assert.Equal(t, false, env.Data["released"])
	assert.Equal(t, true, env.Data["notFound"])
}

func TestCallToolShapesByProfile(t *testing.T) {
	d, _ := newTestDispatcher(t)

	big := strings.Repeat("lorem ipsum ", 400)
	d.Registry().Register(Tool{
		Name: "chunky",
		Schema: shaper.OutputSchema{
			{Key: "count", Priority: shaper.PriorityRequired},
			{Key: "body", Priority: shaper.PriorityLow},
		},
		Handler: func(_ context.Context, _ *Call) (*Result, error) {
			return &Result{Summary: "done", Data: map[string]any{"count": 1, "body": big}}, nil
		},
	})

	env := d.CallTool(context.Background(), "s1", "chunky", map[string]any{"profile": "compact"})
	require.True(t, env.OK)
	assert.Equal(t, shaper.ProfileCompact, env.Profile)
	assert.NotContains(t, env.Data, "body")
	assert.Equal(t, 1, env.Data["count"])
	assert.LessOrEqual(t, env.TokenEstimate, shaper.CompactBudget)

	env = d.CallTool(context.Background(), "s1", "chunky", map[string]any{"profile": "debug"})
	require.True(t, env.OK)
	assert.Equal(t, big, env.Data["body"])
}

func TestToolsList(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.Registry().Register(Tool{
		Name:     "semantic_search",
		Category: "code",
		Handler:  func(_ context.Context, _ *Call) (*Result, error) { return &Result{}, nil },
	})

	env := d.CallTool(context.Background(), "s1", "tools_list", nil)
	require.True(t, env.OK)

	tools, ok := env.Data["tools"].([]any)
	require.True(t, ok)
	names := make([]string, 0, len(tools))
	for _, raw := range tools {
		entry := raw.(map[string]any)
		names = append(names, entry["name"].(string))
	}
	assert.Contains(t, names, "semantic_search")
	assert.Contains(t, names, "tools_list")
	assert.Contains(t, names, "contract_validate")

	env = d.CallTool(context.Background(), "s1", "tools_list", map[string]any{"category": "code"})
	require.True(t, env.OK)
	assert.Len(t, env.Data["tools"], 1)
}

func TestContractValidate(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.Registry().Register(Tool{
		Name: "impact_analyze",
		InputShape: map[string]string{
			"files":   "array, required, changed file paths",
			"maxDeps": "number, traversal depth cap",
		},
		Handler: func(_ context.Context, _ *Call) (*Result, error) { return &Result{}, nil },
	})

	env := d.CallTool(context.Background(), "s1", "contract_validate", map[string]any{
		"toolName": "impact_analyze",
		"arguments": map[string]any{
			"changedFiles": []any{"src/a.ts"},
			"maxDeps":      "three",
			"bogus":        true,
		},
	})
	require.True(t, env.OK)
	assert.Contains(t, env.ContractWarnings, "mapped toolName -> tool")

	assert.Equal(t, false, env.Data["valid"])
	assert.Empty(t, env.Data["missingRequired"])
	assert.Equal(t, []any{"bogus"}, env.Data["extraFields"])
	errs := env.Data["errors"].([]any)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "maxDeps: expected number")
	assert.Contains(t, env.Data["warnings"], "mapped changedFiles -> files")

	env = d.CallTool(context.Background(), "s1", "contract_validate", map[string]any{
		"tool":      "impact_analyze",
		"arguments": map[string]any{},
	})
	require.True(t, env.OK)
	assert.Equal(t, false, env.Data["valid"])
	assert.Equal(t, []any{"files"}, env.Data["missingRequired"])

	env = d.CallTool(context.Background(), "s1", "contract_validate", map[string]any{
		"tool":      "impact_analyze",
		"arguments": map[string]any{"files": []any{"src/a.ts"}},
	})
	require.True(t, env.OK)
	assert.Equal(t, true, env.Data["valid"])
}

func TestContractValidateUnknownTool(t *testing.T) {
	d, _ := newTestDispatcher(t)

	env := d.CallTool(context.Background(), "s1", "contract_validate", map[string]any{
		"tool":      "nope",
		"arguments": map[string]any{},
	})
	require.False(t, env.OK)
	assert.Equal(t, CodeToolNotFound, env.ErrorCode)
}
