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
	"fmt"
	"os"
	"path/filepath"

	"github.com/lexigraph/lxrag/services/graphrag/config"
	"github.com/lexigraph/lxrag/services/graphrag/dispatch"
	"github.com/lexigraph/lxrag/services/graphrag/session"
	"github.com/lexigraph/lxrag/services/graphrag/shaper"
)

const defaultConfigYAML = `# Per-workspace overrides. Environment variables win over this file.
# transport: stdio
# port: 9000
# memgraphHost: localhost
# memgraphPort: 7687
# qdrantHost: localhost
# qdrantPort: 6333
# enableWatcher: false
# logLevel: info
`

const defaultArchitectureYAML = `# Layer rules for arch_validate. Files match the longest path prefix.
# layers:
#   - name: domain
#     paths: [internal/domain]
#     allowedImports: []
#   - name: service
#     paths: [internal/service]
#     allowedImports: [domain]
#   - name: transport
#     paths: [internal/http, cmd]
#     allowedImports: [service, domain]
layers: []
`

const copilotInstructionsFile = ".github/copilot-instructions.md"

const copilotInstructions = `# Working with the code graph

This workspace is indexed by a code-graph memory server. Before reading
files by hand, use its tools:

- ` + "`graph_set_workspace`" + ` then ` + "`graph_rebuild`" + ` to (re)index the workspace.
- ` + "`semantic_search`" + ` and ` + "`code_explain`" + ` to locate and understand code.
- ` + "`impact_analyze`" + ` and ` + "`test_select`" + ` before editing, to see the blast
  radius of a change and which tests cover it.
- ` + "`context_pack`" + ` at the start of a task for a budgeted briefing with
  prior decisions and current blockers.
- ` + "`agent_claim`" + ` / ` + "`agent_release`" + ` around edits so concurrent agents do
  not collide; check ` + "`coordination_overview`" + ` when blocked.
- ` + "`episode_add`" + ` after meaningful actions (decisions require a rationale)
  and ` + "`task_update`" + ` when a task changes status.

Responses are shaped by a ` + "`profile`" + ` argument: ` + "`compact`" + `, ` + "`balanced`" + `
(default), or ` + "`debug`" + `. Call ` + "`tools_list`" + ` for the full surface and
` + "`contract_validate`" + ` to check arguments before an expensive call.
`

func (h *handlers) registerSetup(reg *dispatch.Registry) {
	reg.Register(dispatch.Tool{
		Name:        "init_project_setup",
		Category:    categorySetup,
		Description: "Create the .lxrag directory with starter config.yaml and architecture.yaml files.",
		InputShape: map[string]string{
			"workspaceRoot": "string, required, absolute path to the workspace",
		},
		Schema: shaper.OutputSchema{
			{Key: "projectId", Priority: shaper.PriorityRequired},
			{Key: "configDir", Priority: shaper.PriorityRequired},
			{Key: "created", Priority: shaper.PriorityHigh},
			{Key: "skipped", Priority: shaper.PriorityMedium},
		},
		Handler: h.initProjectSetup,
	})

	reg.Register(dispatch.Tool{
		Name:        "setup_copilot_instructions",
		Category:    categorySetup,
		Description: "Write workspace instructions that teach coding agents to use the tool surface.",
		InputShape: map[string]string{
			"overwrite": "bool, replace an existing instructions file",
		},
		Schema: shaper.OutputSchema{
			{Key: "path", Priority: shaper.PriorityRequired},
			{Key: "written", Priority: shaper.PriorityRequired},
		},
		Handler:      h.setupCopilotInstructions,
		NeedsProject: true,
	})
}

func (h *handlers) initProjectSetup(ctx context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	root, err := call.Args.RequireString("workspaceRoot")
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, dispatch.Errorf(dispatch.CodeWorkspaceNotFound,
			"pass workspaceRoot as an absolute path to an existing directory",
			"workspace root %q is not a directory", root)
	}

	configDir := filepath.Join(root, config.ConfigDirName)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", configDir, err)
	}

	var created, skipped []string
	for _, f := range []struct {
		name, body string
	}{
		{"config.yaml", defaultConfigYAML},
		{"architecture.yaml", defaultArchitectureYAML},
	} {
		path := filepath.Join(configDir, f.name)
		if _, err := os.Stat(path); err == nil {
			skipped = append(skipped, f.name)
			continue
		}
		if err := os.WriteFile(path, []byte(f.body), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", path, err)
		}
		created = append(created, f.name)
	}

	return &dispatch.Result{
		Summary: fmt.Sprintf("initialized %s with %d file(s)", configDir, len(created)),
		Data: map[string]any{
			"projectId": session.DeriveProjectID(root),
			"configDir": configDir,
			"created":   anyStrings(created),
			"skipped":   anyStrings(skipped),
		},
		Hint: "call graph_set_workspace with this workspaceRoot to start a session",
	}, nil
}

func (h *handlers) setupCopilotInstructions(ctx context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	path := filepath.Join(call.Project.WorkspaceRoot, copilotInstructionsFile)

	if _, err := os.Stat(path); err == nil && !call.Args.Bool("overwrite") {
		return &dispatch.Result{
			Summary: fmt.Sprintf("%s already exists", copilotInstructionsFile),
			Data:    map[string]any{"path": path, "written": false},
			Hint:    "pass overwrite: true to replace it",
		}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(copilotInstructions), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}

	return &dispatch.Result{
		Summary: fmt.Sprintf("wrote %s", copilotInstructionsFile),
		Data:    map[string]any{"path": path, "written": true},
	}, nil
}
