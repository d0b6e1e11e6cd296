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
	"fmt"
	"sort"
	"strings"

	"github.com/lexigraph/lxrag/services/graphrag/shaper"
)

// requiredMarker flags a required field inside an InputShape type hint,
// e.g. "string, required".
const requiredMarker = "required"

// registerBuiltins adds the registry-reflection tools.
func (d *Dispatcher) registerBuiltins() {
	d.registry.Register(Tool{
		Name:        "tools_list",
		Category:    "meta",
		Description: "List every registered tool with its category, description, and input shape.",
		InputShape: map[string]string{
			"category": "string, filter by tool category",
			"profile":  "string, compact|balanced|debug",
		},
		Schema: shaper.OutputSchema{
			{Key: "tools", Priority: shaper.PriorityRequired},
			{Key: "categories", Priority: shaper.PriorityMedium},
		},
		Handler: d.handleToolsList,
	})

	d.registry.Register(Tool{
		Name:        "contract_validate",
		Category:    "meta",
		Description: "Validate a candidate argument set against a tool's input shape without executing it.",
		InputShape: map[string]string{
			"tool":      "string, required",
			"arguments": "object, required, candidate arguments to validate",
		},
		Schema: shaper.OutputSchema{
			{Key: "valid", Priority: shaper.PriorityRequired},
			{Key: "missingRequired", Priority: shaper.PriorityRequired},
			{Key: "extraFields", Priority: shaper.PriorityHigh},
			{Key: "errors", Priority: shaper.PriorityHigh},
			{Key: "warnings", Priority: shaper.PriorityMedium},
		},
		Handler: d.handleContractValidate,
	})
}

func (d *Dispatcher) handleToolsList(_ context.Context, call *Call) (*Result, error) {
	filter := call.Args.String("category")

	var listed []map[string]any
	categories := make(map[string]int)
	for _, t := range d.registry.List() {
		if filter != "" && t.Category != filter {
			continue
		}
		categories[t.Category]++
		listed = append(listed, map[string]any{
			"name":        t.Name,
			"category":    t.Category,
			"description": t.Description,
			"inputShape":  t.InputShape,
		})
	}

	catNames := make([]string, 0, len(categories))
	for c := range categories {
		catNames = append(catNames, c)
	}
	sort.Strings(catNames)

	return &Result{
		Summary: fmt.Sprintf("%d tool(s) across %d categories", len(listed), len(catNames)),
		Data: map[string]any{
			"tools":      anySlice(listed),
			"categories": anyStrings(catNames),
		},
	}, nil
}

func (d *Dispatcher) handleContractValidate(_ context.Context, call *Call) (*Result, error) {
	name, err := call.Args.RequireString("tool")
	if err != nil {
		return nil, err
	}
	tool, ok := d.registry.Get(name)
	if !ok {
		return nil, Errorf(CodeToolNotFound, "call tools_list for the full surface", "unknown tool %q", name)
	}

	candidate := call.Args.Map("arguments")
	normalized, warnings := normalizeArgs(name, candidate)

	var missing, extra, problems []string
	for field, hint := range tool.InputShape {
		v, present := normalized[field]
		if !present {
			if strings.Contains(hint, requiredMarker) {
				missing = append(missing, field)
			}
			continue
		}
		if msg := checkType(field, hint, v); msg != "" {
			problems = append(problems, msg)
		}
	}
	for field := range normalized {
		if _, known := tool.InputShape[field]; !known {
			extra = append(extra, field)
		}
	}
	sort.Strings(missing)
	sort.Strings(extra)
	sort.Strings(problems)

	valid := len(missing) == 0 && len(problems) == 0
	summary := fmt.Sprintf("arguments for %s are valid", name)
	if !valid {
		summary = fmt.Sprintf("arguments for %s are invalid: %d missing, %d type error(s)",
			name, len(missing), len(problems))
	}

	return &Result{
		Summary: summary,
		Data: map[string]any{
			"valid":           valid,
			"missingRequired": anyStrings(missing),
			"extraFields":     anyStrings(extra),
			"errors":          anyStrings(problems),
			"warnings":        anyStrings(warnings),
		},
	}, nil
}

// checkType compares a value's JSON kind against the hint's leading type
// word. Unknown hints validate anything.
func checkType(field, hint string, v any) string {
	kind := strings.ToLower(hint)
	if i := strings.IndexAny(kind, ", ("); i > 0 {
		kind = kind[:i]
	}

	ok := true
	switch kind {
	case "string":
		_, ok = v.(string)
	case "bool", "boolean":
		_, ok = v.(bool)
	case "number", "int", "integer":
		switch v.(type) {
		case float64, int, int64:
		default:
			ok = false
		}
	case "array":
		switch v.(type) {
		case []any, []string:
		default:
			ok = false
		}
	case "object", "map":
		_, ok = v.(map[string]any)
	}
	if !ok {
		return fmt.Sprintf("%s: expected %s, got %T", field, kind, v)
	}
	return ""
}

// anySlice widens for the shaper's array handling.
func anySlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func anyStrings(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
