// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools implements the tool surface: every handler behind the
// dispatcher, grouped by category. Handlers are thin compositions over the
// engines; all heavy lifting lives in the engine packages.
package tools

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lexigraph/lxrag/services/graphrag/builder"
	"github.com/lexigraph/lxrag/services/graphrag/config"
	"github.com/lexigraph/lxrag/services/graphrag/contextpack"
	"github.com/lexigraph/lxrag/services/graphrag/coordinate"
	"github.com/lexigraph/lxrag/services/graphrag/dispatch"
	"github.com/lexigraph/lxrag/services/graphrag/docs"
	"github.com/lexigraph/lxrag/services/graphrag/episode"
	"github.com/lexigraph/lxrag/services/graphrag/graphindex"
	"github.com/lexigraph/lxrag/services/graphrag/memgraph"
	"github.com/lexigraph/lxrag/services/graphrag/retrieve"
	"github.com/lexigraph/lxrag/services/graphrag/session"
)

// Tool categories, mirrored in tools_list output.
const (
	categoryGraph        = "graph"
	categoryCode         = "code"
	categoryArchitecture = "architecture"
	categoryTesting      = "testing"
	categoryProgress     = "progress"
	categoryMemory       = "memory"
	categoryCoordination = "coordination"
	categoryContext      = "context"
	categoryDocs         = "docs"
	categorySetup        = "setup"
)

// WatcherStatusFunc reports the watcher state and pending change count for
// a project. Projects without a watcher report ("disabled", 0).
type WatcherStatusFunc func(projectID string) (string, int)

// Deps wires the engines into the handlers.
type Deps struct {
	Sessions  *session.Manager
	Executor  memgraph.Executor
	Builder   *builder.Orchestrator
	Index     *graphindex.Index
	Retriever *retrieve.Retriever
	Episodes  *episode.Engine
	Claims    *coordinate.Engine
	Packs     *contextpack.Builder
	Docs      *docs.Engine
	Config    config.Config

	WatcherStatus WatcherStatusFunc

	Logger *slog.Logger
}

// Register adds every tool to the dispatcher's registry.
func Register(d *dispatch.Dispatcher, deps Deps) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.WatcherStatus == nil {
		deps.WatcherStatus = func(string) (string, int) { return "disabled", 0 }
	}
	h := &handlers{deps: deps, sessions: deps.Sessions}

	reg := d.Registry()
	h.registerGraph(reg)
	h.registerCode(reg)
	h.registerArchitecture(reg)
	h.registerTesting(reg)
	h.registerProgress(reg)
	h.registerMemory(reg)
	h.registerCoordination(reg)
	h.registerContext(reg)
	h.registerDocs(reg)
	h.registerSetup(reg)
}

type handlers struct {
	deps     Deps
	sessions *session.Manager
}

// resolveNode finds an index node by exact SCIP id, then by symbol name,
// then by relative path.
func (h *handlers) resolveNode(projectID, target string) (graphindex.Node, bool) {
	if n, ok := h.deps.Index.Get(projectID, target); ok {
		return n, true
	}
	if matches := h.deps.Index.FindByName(projectID, target); len(matches) > 0 {
		return matches[0], true
	}
	for _, n := range h.deps.Index.Nodes(projectID, "FILE") {
		if n.RelPath == target || strings.HasSuffix(n.RelPath, target) {
			return n, true
		}
	}
	return graphindex.Node{}, false
}

// sourceLines reads the inclusive line span [start, end] from a file.
func sourceLines(path string, start, end int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	lines := strings.Split(string(data), "\n")
	if start < 1 {
		start = 1
	}
	if end <= 0 || end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return ""
	}
	return strings.Join(lines[start-1:end], "\n")
}

func (h *handlers) nowMillis() int64 {
	return time.Now().UnixMilli()
}

// anyList widens a typed slice for the shaper's array handling.
func anyList[T any](in []T) []any {
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

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func int64Of(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
