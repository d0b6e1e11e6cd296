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
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/lexigraph/lxrag/services/graphrag/dispatch"
	"github.com/lexigraph/lxrag/services/graphrag/graphindex"
	"github.com/lexigraph/lxrag/services/graphrag/shaper"
)

// Test categories assigned by test_categorize.
const (
	testUnit        = "unit"
	testIntegration = "integration"
	testE2E         = "e2e"
)

// integrationImportThreshold marks a test as integration when it pulls in at
// least this many source files.
const integrationImportThreshold = 3

func (h *handlers) registerTesting(reg *dispatch.Registry) {
	reg.Register(dispatch.Tool{
		Name:        "impact_analyze",
		Category:    categoryTesting,
		Description: "Compute the reverse-import closure of changed files, from a file list or a unified diff.",
		InputShape: map[string]string{
			"files": "array, changed file paths",
			"diff":  "string, unified diff text as an alternative to files",
		},
		Schema: shaper.OutputSchema{
			{Key: "impacted", Priority: shaper.PriorityRequired},
			{Key: "changed", Priority: shaper.PriorityHigh},
			{Key: "count", Priority: shaper.PriorityMedium},
		},
		Handler:      h.impactAnalyze,
		NeedsProject: true,
	})

	reg.Register(dispatch.Tool{
		Name:        "test_select",
		Category:    categoryTesting,
		Description: "Select the test files affected by a set of changed files.",
		InputShape: map[string]string{
			"files": "array, required, changed file paths",
		},
		Schema: shaper.OutputSchema{
			{Key: "tests", Priority: shaper.PriorityRequired},
			{Key: "impactedFiles", Priority: shaper.PriorityMedium},
		},
		Handler:      h.testSelect,
		NeedsProject: true,
	})

	reg.Register(dispatch.Tool{
		Name:        "test_categorize",
		Category:    categoryTesting,
		Description: "Categorize the workspace's test files into unit, integration, and e2e.",
		InputShape:  map[string]string{},
		Schema: shaper.OutputSchema{
			{Key: "categories", Priority: shaper.PriorityRequired},
			{Key: "total", Priority: shaper.PriorityHigh},
		},
		Handler:      h.testCategorize,
		NeedsProject: true,
	})

	reg.Register(dispatch.Tool{
		Name:        "test_run",
		Category:    categoryTesting,
		Description: "Run a test command in the workspace with wall-clock and output-size limits.",
		InputShape: map[string]string{
			"command": "string, required, shell command to run",
		},
		Schema: shaper.OutputSchema{
			{Key: "exitCode", Priority: shaper.PriorityRequired},
			{Key: "output", Priority: shaper.PriorityHigh},
			{Key: "truncated", Priority: shaper.PriorityMedium},
			{Key: "durationMs", Priority: shaper.PriorityLow},
		},
		Handler:      h.testRun,
		NeedsProject: true,
	})

	reg.Register(dispatch.Tool{
		Name:        "suggest_tests",
		Category:    categoryTesting,
		Description: "Suggest missing tests for exported symbols whose file has no companion test.",
		InputShape: map[string]string{
			"target": "string, limit suggestions to one file or symbol",
		},
		Schema: shaper.OutputSchema{
			{Key: "suggestions", Priority: shaper.PriorityRequired},
		},
		Handler:      h.suggestTests,
		NeedsProject: true,
	})
}

// changedFromArgs resolves the changed-file list from files or a unified
// diff body.
func (h *handlers) changedFromArgs(call *dispatch.Call) ([]string, error) {
	files := call.Args.Strings("files")
	if len(files) > 0 {
		return files, nil
	}
	raw := call.Args.String("diff")
	if raw == "" {
		return nil, dispatch.Errorf(dispatch.CodeInvalidArgument,
			"pass files as an array of paths, or diff as unified diff text", "missing files and diff")
	}
	parsed, err := diff.ParseMultiFileDiff([]byte(raw))
	if err != nil {
		return nil, dispatch.Errorf(dispatch.CodeInvalidArgument,
			"pass a valid unified diff (git diff output)", "parse diff: %v", err)
	}
	for _, fd := range parsed {
		name := fd.NewName
		if name == "" || name == "/dev/null" {
			name = fd.OrigName
		}
		name = strings.TrimPrefix(strings.TrimPrefix(name, "a/"), "b/")
		if name != "" && name != "/dev/null" {
			files = append(files, name)
		}
	}
	return files, nil
}

// impactClosure walks reverse IMPORTS edges from the changed files,
// returning every impacted file id with its hop distance.
func (h *handlers) impactClosure(projectID string, changed []string) map[string]int {
	byRel := make(map[string]graphindex.Node)
	for _, f := range h.deps.Index.Nodes(projectID, "FILE") {
		byRel[f.RelPath] = f
	}

	closure := make(map[string]int)
	var frontier []string
	for _, c := range changed {
		rel := filepath.ToSlash(c)
		node, ok := byRel[rel]
		if !ok {
			for candidate, n := range byRel {
				if strings.HasSuffix(candidate, rel) {
					node, ok = n, true
					break
				}
			}
		}
		if ok {
			closure[node.ID] = 0
			frontier = append(frontier, node.ID)
		}
	}

	for hop := 1; len(frontier) > 0; hop++ {
		var next []string
		for _, id := range frontier {
			for _, e := range h.deps.Index.Incoming(projectID, id) {
				if e.Type != "IMPORTS" {
					continue
				}
				if _, ok := closure[e.From]; !ok {
					closure[e.From] = hop
					next = append(next, e.From)
				}
			}
		}
		frontier = next
	}
	return closure
}

func (h *handlers) impactAnalyze(_ context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	changed, err := h.changedFromArgs(call)
	if err != nil {
		return nil, err
	}
	projectID := call.Project.ProjectID
	closure := h.impactClosure(projectID, changed)

	ids := make([]string, 0, len(closure))
	for id := range closure {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if closure[ids[i]] != closure[ids[j]] {
			return closure[ids[i]] < closure[ids[j]]
		}
		return ids[i] < ids[j]
	})

	impacted := make([]any, 0, len(ids))
	for _, id := range ids {
		node, ok := h.deps.Index.Get(projectID, id)
		if !ok {
			continue
		}
		impacted = append(impacted, map[string]any{
			"path":     node.RelPath,
			"distance": closure[id],
		})
	}
	return &dispatch.Result{
		Summary: fmt.Sprintf("%d file(s) impacted by %d change(s)", len(impacted), len(changed)),
		Data: map[string]any{
			"impacted": impacted,
			"changed":  anyStrings(changed),
			"count":    len(impacted),
		},
	}, nil
}

func (h *handlers) testSelect(_ context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	changed, err := h.changedFromArgs(call)
	if err != nil {
		return nil, err
	}
	projectID := call.Project.ProjectID
	closure := h.impactClosure(projectID, changed)

	selected := make(map[string]bool)
	var impactedPaths []string
	for id := range closure {
		node, ok := h.deps.Index.Get(projectID, id)
		if !ok {
			continue
		}
		impactedPaths = append(impactedPaths, node.RelPath)
		if isTestPath(node.RelPath) {
			selected[node.RelPath] = true
		}
	}
	sort.Strings(impactedPaths)

	// Naming convention: foo.test.ts and foo_test.go pair with foo.*.
	for _, f := range h.deps.Index.Nodes(projectID, "FILE") {
		if !isTestPath(f.RelPath) || selected[f.RelPath] {
			continue
		}
		base := testSubject(f.RelPath)
		for _, impacted := range impactedPaths {
			if testBase(impacted) == base {
				selected[f.RelPath] = true
				break
			}
		}
	}

	tests := sortedKeys(selected)
	hint := ""
	if len(tests) == 0 {
		hint = "no affected tests found; consider suggest_tests for coverage gaps"
	}
	return &dispatch.Result{
		Summary: fmt.Sprintf("%d test file(s) cover the %d changed file(s)", len(tests), len(changed)),
		Data: map[string]any{
			"tests":         anyStrings(tests),
			"impactedFiles": anyStrings(impactedPaths),
		},
		Hint: hint,
	}, nil
}

func (h *handlers) testCategorize(_ context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	projectID := call.Project.ProjectID
	buckets := map[string][]string{}
	total := 0
	for _, f := range h.deps.Index.Nodes(projectID, "FILE") {
		if !isTestPath(f.RelPath) {
			continue
		}
		total++
		category := testUnit
		imports := 0
		for _, e := range h.deps.Index.Outgoing(projectID, f.ID) {
			if e.Type == "IMPORTS" {
				imports++
			}
		}
		switch {
		case strings.Contains(f.RelPath, "e2e"):
			category = testE2E
		case strings.Contains(f.RelPath, "integration") || imports >= integrationImportThreshold:
			category = testIntegration
		}
		buckets[category] = append(buckets[category], f.RelPath)
	}
	categories := make(map[string]any, len(buckets))
	for category, paths := range buckets {
		sort.Strings(paths)
		categories[category] = anyStrings(paths)
	}
	return &dispatch.Result{
		Summary: fmt.Sprintf("categorized %d test file(s): %d unit, %d integration, %d e2e",
			total, len(buckets[testUnit]), len(buckets[testIntegration]), len(buckets[testE2E])),
		Data: map[string]any{
			"categories": categories,
			"total":      total,
		},
	}, nil
}

func (h *handlers) testRun(ctx context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	command, err := call.Args.RequireString("command")
	if err != nil {
		return nil, err
	}
	timeout := h.deps.Config.CommandTimeout
	limit := h.deps.Config.CommandOutputLimit

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = call.Project.WorkspaceRoot
	output, runErr := cmd.CombinedOutput()
	duration := time.Since(start)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, dispatch.Errorf(dispatch.CodeCommandTimeout,
			fmt.Sprintf("raise LXRAG_COMMAND_EXECUTION_TIMEOUT_MS above %d", timeout.Milliseconds()),
			"command exceeded the %s limit", timeout)
	}

	truncated := false
	if int64(len(output)) > limit {
		output = output[:limit]
		truncated = true
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("run command: %w", runErr)
		}
	}

	var warnings []string
	if truncated {
		warnings = append(warnings, fmt.Sprintf("%s: output capped at %d bytes", dispatch.CodeCommandOutputTruncated, limit))
	}
	summary := fmt.Sprintf("command exited %d", exitCode)
	return &dispatch.Result{
		Summary: summary,
		Data: map[string]any{
			"exitCode":   exitCode,
			"output":     string(output),
			"truncated":  truncated,
			"durationMs": duration.Milliseconds(),
		},
		Warnings: warnings,
	}, nil
}

func (h *handlers) suggestTests(_ context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	projectID := call.Project.ProjectID
	target := call.Args.String("target")

	tested := make(map[string]bool)
	for _, f := range h.deps.Index.Nodes(projectID, "FILE") {
		if isTestPath(f.RelPath) {
			tested[testSubject(f.RelPath)] = true
		}
	}

	var suggestions []any
	for _, sym := range h.deps.Index.Nodes(projectID, "FUNCTION", "CLASS") {
		if !sym.Exported || isTestPath(sym.RelPath) {
			continue
		}
		if target != "" && sym.Name != target && sym.RelPath != target && sym.ID != target {
			continue
		}
		if tested[testBase(sym.RelPath)] {
			continue
		}
		suggestions = append(suggestions, map[string]any{
			"symbol": sym.Name,
			"path":   sym.RelPath,
			"reason": fmt.Sprintf("exported %s has no companion test file", strings.ToLower(sym.Label)),
		})
	}
	sort.Slice(suggestions, func(i, j int) bool {
		a, b := suggestions[i].(map[string]any), suggestions[j].(map[string]any)
		if a["path"].(string) != b["path"].(string) {
			return a["path"].(string) < b["path"].(string)
		}
		return a["symbol"].(string) < b["symbol"].(string)
	})

	return &dispatch.Result{
		Summary: fmt.Sprintf("%d untested exported symbol(s)", len(suggestions)),
		Data:    map[string]any{"suggestions": suggestions},
	}, nil
}

// isTestPath reports whether a relative path names a test file.
func isTestPath(relPath string) bool {
	base := filepath.Base(relPath)
	if strings.Contains(base, "_test.") || strings.Contains(base, ".test.") || strings.Contains(base, ".spec.") {
		return true
	}
	for _, seg := range strings.Split(filepath.Dir(relPath), "/") {
		if seg == "tests" || seg == "__tests__" || seg == "test" {
			return true
		}
	}
	return false
}

// testSubject strips test markers from a test file name: auth.test.ts and
// auth_test.go both map to "auth".
func testSubject(relPath string) string {
	base := filepath.Base(relPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.TrimSuffix(base, ".test")
	base = strings.TrimSuffix(base, ".spec")
	base = strings.TrimSuffix(base, "_test")
	return base
}

// testBase strips the extension from a source file name for pairing.
func testBase(relPath string) string {
	base := filepath.Base(relPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
