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
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lexigraph/lxrag/services/graphrag/config"
	"github.com/lexigraph/lxrag/services/graphrag/dispatch"
	"github.com/lexigraph/lxrag/services/graphrag/shaper"
)

// archRulesFile is the layering rules file under the workspace config dir.
const archRulesFile = "architecture.yaml"

// archRules is the parsed layering model.
type archRules struct {
	Layers []archLayer `yaml:"layers"`
}

type archLayer struct {
	Name           string   `yaml:"name"`
	Paths          []string `yaml:"paths"`
	AllowedImports []string `yaml:"allowedImports"`
}

func (h *handlers) registerArchitecture(reg *dispatch.Registry) {
	reg.Register(dispatch.Tool{
		Name:        "arch_validate",
		Category:    categoryArchitecture,
		Description: "Validate import edges against the workspace layering rules.",
		InputShape:  map[string]string{},
		Schema: shaper.OutputSchema{
			{Key: "valid", Priority: shaper.PriorityRequired},
			{Key: "violations", Priority: shaper.PriorityRequired},
			{Key: "layers", Priority: shaper.PriorityMedium},
		},
		Handler:      h.archValidate,
		NeedsProject: true,
	})

	reg.Register(dispatch.Tool{
		Name:        "arch_suggest",
		Category:    categoryArchitecture,
		Description: "Suggest architectural moves for files violating layering or sitting outside any layer.",
		InputShape:  map[string]string{},
		Schema: shaper.OutputSchema{
			{Key: "suggestions", Priority: shaper.PriorityRequired},
		},
		Handler:      h.archSuggest,
		NeedsProject: true,
	})
}

// loadArchRules reads the layering rules, failing with a recoverable
// ARCH_ENGINE_UNAVAILABLE when the workspace has none.
func (h *handlers) loadArchRules(workspaceRoot string) (*archRules, error) {
	path := filepath.Join(workspaceRoot, config.ConfigDirName, archRulesFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, dispatch.Errorf(dispatch.CodeArchEngineUnavailable,
			"run init_project_setup to create "+config.ConfigDirName+"/"+archRulesFile,
			"no architecture rules at %s", path)
	}
	var rules archRules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, dispatch.Errorf(dispatch.CodeArchEngineUnavailable,
			"fix the yaml syntax in "+archRulesFile, "parse %s: %v", path, err)
	}
	if len(rules.Layers) == 0 {
		return nil, dispatch.Errorf(dispatch.CodeArchEngineUnavailable,
			"declare at least one layer in "+archRulesFile, "empty architecture rules at %s", path)
	}
	return &rules, nil
}

// layerOf maps a relative path to its layer name, "" when unassigned.
func (r *archRules) layerOf(relPath string) string {
	for _, layer := range r.Layers {
		for _, prefix := range layer.Paths {
			if relPath == prefix || strings.HasPrefix(relPath, strings.TrimSuffix(prefix, "/")+"/") {
				return layer.Name
			}
		}
	}
	return ""
}

func (r *archRules) allows(from, to string) bool {
	if from == to {
		return true
	}
	for _, layer := range r.Layers {
		if layer.Name != from {
			continue
		}
		for _, allowed := range layer.AllowedImports {
			if allowed == to {
				return true
			}
		}
	}
	return false
}

// violation is one disallowed import edge.
type violation struct {
	fromPath, toPath   string
	fromLayer, toLayer string
}

func (h *handlers) layerViolations(projectID string, rules *archRules) []violation {
	paths := make(map[string]string)
	for _, f := range h.deps.Index.Nodes(projectID, "FILE") {
		paths[f.ID] = f.RelPath
	}

	var out []violation
	for _, f := range h.deps.Index.Nodes(projectID, "FILE") {
		fromLayer := rules.layerOf(f.RelPath)
		if fromLayer == "" {
			continue
		}
		for _, e := range h.deps.Index.Outgoing(projectID, f.ID) {
			if e.Type != "IMPORTS" {
				continue
			}
			toPath, ok := paths[e.To]
			if !ok {
				continue
			}
			toLayer := rules.layerOf(toPath)
			if toLayer == "" || rules.allows(fromLayer, toLayer) {
				continue
			}
			out = append(out, violation{
				fromPath: f.RelPath, toPath: toPath,
				fromLayer: fromLayer, toLayer: toLayer,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].fromPath != out[j].fromPath {
			return out[i].fromPath < out[j].fromPath
		}
		return out[i].toPath < out[j].toPath
	})
	return out
}

func (h *handlers) archValidate(_ context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	rules, err := h.loadArchRules(call.Project.WorkspaceRoot)
	if err != nil {
		return nil, err
	}
	violations := h.layerViolations(call.Project.ProjectID, rules)

	listed := make([]any, len(violations))
	for i, v := range violations {
		listed[i] = map[string]any{
			"from":      v.fromPath,
			"to":        v.toPath,
			"fromLayer": v.fromLayer,
			"toLayer":   v.toLayer,
			"rule":      fmt.Sprintf("layer %s may not import layer %s", v.fromLayer, v.toLayer),
		}
	}
	layerNames := make([]string, len(rules.Layers))
	for i, l := range rules.Layers {
		layerNames[i] = l.Name
	}

	summary := fmt.Sprintf("architecture is clean across %d layer(s)", len(rules.Layers))
	if len(violations) > 0 {
		summary = fmt.Sprintf("%d layering violation(s) across %d layer(s)", len(violations), len(rules.Layers))
	}
	return &dispatch.Result{
		Summary: summary,
		Data: map[string]any{
			"valid":      len(violations) == 0,
			"violations": listed,
			"layers":     anyStrings(layerNames),
		},
	}, nil
}

func (h *handlers) archSuggest(_ context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	rules, err := h.loadArchRules(call.Project.WorkspaceRoot)
	if err != nil {
		return nil, err
	}
	projectID := call.Project.ProjectID

	var suggestions []any
	for _, v := range h.layerViolations(projectID, rules) {
		suggestions = append(suggestions, map[string]any{
			"file":   v.fromPath,
			"kind":   "disallowed-import",
			"detail": fmt.Sprintf("move %s into layer %s, or allow %s -> %s in %s", v.fromPath, v.toLayer, v.fromLayer, v.toLayer, archRulesFile),
		})
	}

	// Files outside every declared layer.
	for _, f := range h.deps.Index.Nodes(projectID, "FILE") {
		if rules.layerOf(f.RelPath) != "" {
			continue
		}
		// Suggest the layer its imports lean toward.
		counts := make(map[string]int)
		for _, e := range h.deps.Index.Outgoing(projectID, f.ID) {
			if e.Type != "IMPORTS" {
				continue
			}
			if target, ok := h.deps.Index.Get(projectID, e.To); ok {
				if layer := rules.layerOf(target.RelPath); layer != "" {
					counts[layer]++
				}
			}
		}
		best, bestCount := "", 0
		for layer, n := range counts {
			if n > bestCount || (n == bestCount && layer < best) {
				best, bestCount = layer, n
			}
		}
		detail := fmt.Sprintf("assign %s to a layer in %s", f.RelPath, archRulesFile)
		if best != "" {
			detail = fmt.Sprintf("assign %s to layer %s (most of its imports land there)", f.RelPath, best)
		}
		suggestions = append(suggestions, map[string]any{
			"file":   f.RelPath,
			"kind":   "unassigned",
			"detail": detail,
		})
	}

	sort.Slice(suggestions, func(i, j int) bool {
		a, b := suggestions[i].(map[string]any), suggestions[j].(map[string]any)
		if a["file"].(string) != b["file"].(string) {
			return a["file"].(string) < b["file"].(string)
		}
		return a["kind"].(string) < b["kind"].(string)
	})

	return &dispatch.Result{
		Summary: fmt.Sprintf("%d architectural suggestion(s)", len(suggestions)),
		Data:    map[string]any{"suggestions": suggestions},
	}, nil
}
