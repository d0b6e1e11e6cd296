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
	"sort"
	"strings"

	"github.com/lexigraph/lxrag/services/graphrag/dispatch"
	"github.com/lexigraph/lxrag/services/graphrag/graphindex"
	"github.com/lexigraph/lxrag/services/graphrag/retrieve"
	"github.com/lexigraph/lxrag/services/graphrag/shaper"
)

// Pattern kinds accepted by find_pattern.
const (
	patternUnusedExports = "unused-exports"
	patternCircular      = "circular"
	patternHubs          = "hubs"
	patternOrphans       = "orphans"
)

// hubDegree is the minimum import degree for a file to count as a hub.
const hubDegree = 5

func (h *handlers) registerCode(reg *dispatch.Registry) {
	reg.Register(dispatch.Tool{
		Name:        "code_explain",
		Category:    categoryCode,
		Description: "Explain a symbol or file: summary, source span, neighbours, and describing doc sections.",
		InputShape: map[string]string{
			"target": "string, required, SCIP id, symbol name, or file path",
		},
		Schema: shaper.OutputSchema{
			{Key: "id", Priority: shaper.PriorityRequired},
			{Key: "summary", Priority: shaper.PriorityRequired},
			{Key: "kind", Priority: shaper.PriorityHigh},
			{Key: "path", Priority: shaper.PriorityHigh},
			{Key: "source", Priority: shaper.PriorityMedium},
			{Key: "neighbours", Priority: shaper.PriorityMedium},
			{Key: "docSections", Priority: shaper.PriorityLow},
		},
		Handler:      h.codeExplain,
		NeedsProject: true,
	})

	reg.Register(dispatch.Tool{
		Name:        "find_pattern",
		Category:    categoryCode,
		Description: "Find structural patterns: unused-exports, circular imports, hub files, or orphans.",
		InputShape: map[string]string{
			"type": "string, required, unused-exports|circular|hubs|orphans",
		},
		Schema: shaper.OutputSchema{
			{Key: "pattern", Priority: shaper.PriorityRequired},
			{Key: "matches", Priority: shaper.PriorityRequired},
			{Key: "count", Priority: shaper.PriorityHigh},
		},
		Handler:      h.findPattern,
		NeedsProject: true,
	})

	reg.Register(dispatch.Tool{
		Name:        "semantic_search",
		Category:    categoryCode,
		Description: "Hybrid natural-language search over the code graph.",
		InputShape: map[string]string{
			"query": "string, required, natural-language query",
			"mode":  "string, local|global|hybrid (default hybrid)",
			"limit": "number, max results (default 10)",
			"asOf":  "number, epoch-millis for historical queries",
		},
		Schema: shaper.OutputSchema{
			{Key: "symbols", Priority: shaper.PriorityRequired},
			{Key: "communities", Priority: shaper.PriorityHigh},
		},
		Handler:      h.semanticSearch,
		NeedsProject: true,
	})

	reg.Register(dispatch.Tool{
		Name:        "find_similar_code",
		Category:    categoryCode,
		Description: "Find symbols similar to a given one, ranked by summary and name affinity.",
		InputShape: map[string]string{
			"target": "string, required, SCIP id or symbol name",
			"limit":  "number, max results (default 5)",
		},
		Schema: shaper.OutputSchema{
			{Key: "similar", Priority: shaper.PriorityRequired},
		},
		Handler:      h.findSimilar,
		NeedsProject: true,
	})

	reg.Register(dispatch.Tool{
		Name:        "code_clusters",
		Category:    categoryCode,
		Description: "List the detected code communities with their summaries.",
		InputShape:  map[string]string{},
		Schema: shaper.OutputSchema{
			{Key: "clusters", Priority: shaper.PriorityRequired},
			{Key: "count", Priority: shaper.PriorityHigh},
		},
		Handler:      h.codeClusters,
		NeedsProject: true,
	})

	reg.Register(dispatch.Tool{
		Name:        "semantic_diff",
		Category:    categoryCode,
		Description: "Compare the current version of an element against its superseded predecessor.",
		InputShape: map[string]string{
			"elementId": "string, required, SCIP id of the element",
		},
		Schema: shaper.OutputSchema{
			{Key: "changed", Priority: shaper.PriorityRequired},
			{Key: "current", Priority: shaper.PriorityHigh},
			{Key: "previous", Priority: shaper.PriorityHigh},
			{Key: "changes", Priority: shaper.PriorityMedium},
		},
		Handler:      h.semanticDiff,
		NeedsProject: true,
	})

	reg.Register(dispatch.Tool{
		Name:        "semantic_slice",
		Category:    categoryCode,
		Description: "Return the minimal dependency closure around a symbol (CALLS, IMPORTS, CONTAINS).",
		InputShape: map[string]string{
			"target": "string, required, SCIP id or symbol name",
			"depth":  "number, expansion depth (default 2)",
		},
		Schema: shaper.OutputSchema{
			{Key: "root", Priority: shaper.PriorityRequired},
			{Key: "slice", Priority: shaper.PriorityRequired},
		},
		Handler:      h.semanticSlice,
		NeedsProject: true,
	})
}

func (h *handlers) codeExplain(ctx context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	target, err := call.Args.RequireString("target")
	if err != nil {
		return nil, err
	}
	node, ok := h.resolveNode(call.Project.ProjectID, target)
	if !ok {
		return nil, dispatch.Errorf(dispatch.CodeElementNotFound,
			"pass a SCIP id or name from semantic_search results", "no element matches %q", target)
	}

	var neighbours []any
	for _, e := range h.deps.Index.Outgoing(call.Project.ProjectID, node.ID) {
		neighbours = append(neighbours, map[string]any{"relation": e.Type, "id": e.To, "direction": "out"})
	}
	for _, e := range h.deps.Index.Incoming(call.Project.ProjectID, node.ID) {
		neighbours = append(neighbours, map[string]any{"relation": e.Type, "id": e.From, "direction": "in"})
	}

	// Doc sections attach to the containing file.
	fileID := node.ID
	if node.Label != "FILE" {
		for _, e := range h.deps.Index.Incoming(call.Project.ProjectID, node.ID) {
			if e.Type == "CONTAINS" {
				fileID = e.From
				break
			}
		}
	}
	sections, err := h.deps.Executor.ExecuteCypher(ctx, `
MATCH (s:SECTION {projectId: $projectId})-[:DOC_DESCRIBES]->(f:FILE {id: $fileId})
WHERE f.validTo IS NULL
RETURN s.heading AS heading, s.relativePath AS relPath`,
		map[string]any{"projectId": call.Project.ProjectID, "fileId": fileID})
	if err != nil {
		return nil, err
	}
	var docSections []any
	for _, row := range sections {
		docSections = append(docSections, map[string]any{
			"heading": stringOf(row["heading"]),
			"relPath": stringOf(row["relPath"]),
		})
	}

	summary := node.Summary
	if summary == "" {
		summary = fmt.Sprintf("%s %s in %s", strings.ToLower(node.Label), node.Name, node.RelPath)
	}
	return &dispatch.Result{
		Summary: summary,
		Data: map[string]any{
			"id":          node.ID,
			"summary":     summary,
			"kind":        node.Label,
			"path":        node.RelPath,
			"source":      sourceLines(node.FilePath, node.StartLine, node.EndLine),
			"neighbours":  neighbours,
			"docSections": docSections,
		},
	}, nil
}

func (h *handlers) findPattern(_ context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	pattern, err := call.Args.RequireString("type")
	if err != nil {
		return nil, err
	}
	projectID := call.Project.ProjectID

	var matches []any
	switch pattern {
	case patternUnusedExports:
		matches = h.unusedExports(projectID)
	case patternCircular:
		matches = h.circularImports(projectID)
	case patternHubs:
		matches = h.hubFiles(projectID)
	case patternOrphans:
		matches = h.orphanFiles(projectID)
	default:
		return nil, dispatch.Errorf(dispatch.CodeInvalidArgument,
			"pass type as unused-exports, circular, hubs, or orphans", "unknown pattern type %q", pattern)
	}

	return &dispatch.Result{
		Summary: fmt.Sprintf("%d %s match(es)", len(matches), pattern),
		Data: map[string]any{
			"pattern": pattern,
			"matches": matches,
			"count":   len(matches),
		},
	}, nil
}

// unusedExports finds exported symbols whose containing file is imported by
// nothing.
func (h *handlers) unusedExports(projectID string) []any {
	var matches []any
	for _, sym := range h.deps.Index.Nodes(projectID, "FUNCTION", "CLASS") {
		if !sym.Exported {
			continue
		}
		fileID := ""
		for _, e := range h.deps.Index.Incoming(projectID, sym.ID) {
			if e.Type == "CONTAINS" {
				fileID = e.From
				break
			}
		}
		if fileID == "" {
			continue
		}
		imported := false
		for _, e := range h.deps.Index.Incoming(projectID, fileID) {
			if e.Type == "IMPORTS" || e.Type == "REFERENCES" {
				imported = true
				break
			}
		}
		if !imported {
			matches = append(matches, map[string]any{
				"id":   sym.ID,
				"name": sym.Name,
				"path": sym.RelPath,
			})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].(map[string]any)["id"].(string) < matches[j].(map[string]any)["id"].(string)
	})
	return matches
}

// circularImports walks FILE import edges and reports each distinct cycle
// once, starting from its lexicographically smallest member.
func (h *handlers) circularImports(projectID string) []any {
	adjacency := make(map[string][]string)
	paths := make(map[string]string)
	for _, f := range h.deps.Index.Nodes(projectID, "FILE") {
		paths[f.ID] = f.RelPath
		for _, e := range h.deps.Index.Outgoing(projectID, f.ID) {
			if e.Type == "IMPORTS" {
				adjacency[f.ID] = append(adjacency[f.ID], e.To)
			}
		}
	}
	for id := range adjacency {
		sort.Strings(adjacency[id])
	}

	ids := make([]string, 0, len(paths))
	for id := range paths {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	seen := make(map[string]bool)
	var matches []any

	var stack []string
	onStack := make(map[string]int)
	var walk func(id string)
	walk = func(id string) {
		if pos, ok := onStack[id]; ok {
			cycle := append([]string(nil), stack[pos:]...)
			// Canonical form: rotate so the smallest id leads.
			minAt := 0
			for i, c := range cycle {
				if c < cycle[minAt] {
					minAt = i
				}
			}
			rotated := append(append([]string(nil), cycle[minAt:]...), cycle[:minAt]...)
			key := strings.Join(rotated, "→")
			if seen[key] {
				return
			}
			seen[key] = true
			relCycle := make([]any, len(rotated))
			for i, c := range rotated {
				relCycle[i] = paths[c]
			}
			matches = append(matches, map[string]any{"cycle": relCycle, "length": len(rotated)})
			return
		}
		onStack[id] = len(stack)
		stack = append(stack, id)
		for _, next := range adjacency[id] {
			walk(next)
		}
		stack = stack[:len(stack)-1]
		delete(onStack, id)
	}
	for _, id := range ids {
		walk(id)
	}
	return matches
}

func (h *handlers) hubFiles(projectID string) []any {
	type hub struct {
		node   graphindex.Node
		degree int
	}
	var hubs []hub
	for _, f := range h.deps.Index.Nodes(projectID, "FILE") {
		degree := 0
		for _, e := range h.deps.Index.Outgoing(projectID, f.ID) {
			if e.Type == "IMPORTS" {
				degree++
			}
		}
		for _, e := range h.deps.Index.Incoming(projectID, f.ID) {
			if e.Type == "IMPORTS" {
				degree++
			}
		}
		if degree >= hubDegree {
			hubs = append(hubs, hub{node: f, degree: degree})
		}
	}
	sort.Slice(hubs, func(i, j int) bool {
		if hubs[i].degree != hubs[j].degree {
			return hubs[i].degree > hubs[j].degree
		}
		return hubs[i].node.ID < hubs[j].node.ID
	})
	var matches []any
	for _, hb := range hubs {
		matches = append(matches, map[string]any{
			"id":     hb.node.ID,
			"path":   hb.node.RelPath,
			"degree": hb.degree,
		})
	}
	return matches
}

func (h *handlers) orphanFiles(projectID string) []any {
	var matches []any
	for _, f := range h.deps.Index.Nodes(projectID, "FILE") {
		connected := false
		for _, e := range h.deps.Index.Outgoing(projectID, f.ID) {
			if e.Type == "IMPORTS" {
				connected = true
				break
			}
		}
		if !connected {
			for _, e := range h.deps.Index.Incoming(projectID, f.ID) {
				if e.Type == "IMPORTS" {
					connected = true
					break
				}
			}
		}
		if !connected {
			matches = append(matches, map[string]any{"id": f.ID, "path": f.RelPath})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].(map[string]any)["id"].(string) < matches[j].(map[string]any)["id"].(string)
	})
	return matches
}

func (h *handlers) semanticSearch(ctx context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	query, err := call.Args.RequireString("query")
	if err != nil {
		return nil, err
	}
	mode := retrieve.Mode(call.Args.String("mode"))
	if mode == "" {
		mode = retrieve.ModeHybrid
	}

	resp, err := h.deps.Retriever.Search(ctx, retrieve.Query{
		ProjectID: call.Project.ProjectID,
		Text:      query,
		Mode:      mode,
		Limit:     call.Args.Int("limit"),
		AsOf:      call.Args.Int64("asOf"),
	})
	if err != nil {
		return nil, err
	}

	var warnings []string
	if resp.VectorSkipped {
		warnings = append(warnings, "vector ranker skipped: embeddings not ready for this project")
	}
	return &dispatch.Result{
		Summary: fmt.Sprintf("found %d symbol(s) and %d communit(ies) for %q",
			len(resp.Symbols), len(resp.Communities), query),
		Data: map[string]any{
			"symbols":     anyList(resp.Symbols),
			"communities": anyList(resp.Communities),
		},
		Warnings: warnings,
	}, nil
}

func (h *handlers) findSimilar(ctx context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	target, err := call.Args.RequireString("target")
	if err != nil {
		return nil, err
	}
	node, ok := h.resolveNode(call.Project.ProjectID, target)
	if !ok {
		return nil, dispatch.Errorf(dispatch.CodeElementNotFound,
			"pass a SCIP id or name from semantic_search results", "no element matches %q", target)
	}

	limit := call.Args.Int("limit")
	if limit <= 0 {
		limit = 5
	}
	text := strings.TrimSpace(node.Name + " " + node.Summary)
	resp, err := h.deps.Retriever.Search(ctx, retrieve.Query{
		ProjectID: call.Project.ProjectID,
		Text:      text,
		Mode:      retrieve.ModeLocal,
		Limit:     limit + 1, // the element itself ranks first
	})
	if err != nil {
		return nil, err
	}

	var similar []any
	for _, r := range resp.Symbols {
		if r.ID == node.ID {
			continue
		}
		similar = append(similar, r)
		if len(similar) == limit {
			break
		}
	}
	return &dispatch.Result{
		Summary: fmt.Sprintf("%d element(s) similar to %s", len(similar), node.Name),
		Data:    map[string]any{"similar": similar},
	}, nil
}

func (h *handlers) codeClusters(_ context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	nodes := h.deps.Index.Nodes(call.Project.ProjectID, "COMMUNITY")
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	clusters := make([]any, 0, len(nodes))
	for _, n := range nodes {
		members := 0
		for _, e := range h.deps.Index.Incoming(call.Project.ProjectID, n.ID) {
			if e.Type == "BELONGS_TO" {
				members++
			}
		}
		clusters = append(clusters, map[string]any{
			"id":          n.ID,
			"label":       n.Name,
			"summary":     n.Summary,
			"memberCount": members,
		})
	}
	hint := ""
	if len(clusters) == 0 {
		hint = "communities are computed after a full graph_rebuild"
	}
	return &dispatch.Result{
		Summary: fmt.Sprintf("%d code cluster(s)", len(clusters)),
		Data:    map[string]any{"clusters": clusters, "count": len(clusters)},
		Hint:    hint,
	}, nil
}

func (h *handlers) semanticDiff(ctx context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	elementID, err := call.Args.RequireString("elementId")
	if err != nil {
		return nil, err
	}
	rows, err := h.deps.Executor.ExecuteCypher(ctx, `
MATCH (cur {id: $id, projectId: $projectId})
WHERE cur.validTo IS NULL
OPTIONAL MATCH (cur)-[:SUPERSEDES]->(old {id: $id})
RETURN cur.summary AS curSummary, cur.startLine AS curStart, cur.endLine AS curEnd,
       cur.validFrom AS curFrom,
       old.summary AS oldSummary, old.startLine AS oldStart, old.endLine AS oldEnd,
       old.validFrom AS oldFrom`,
		map[string]any{"id": elementID, "projectId": call.Project.ProjectID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, dispatch.Errorf(dispatch.CodeSemanticDiffElementNotFound,
			"pass an elementId with a current version", "no current element %q", elementID)
	}
	row := rows[0]

	current := map[string]any{
		"summary":   stringOf(row["curSummary"]),
		"startLine": int64Of(row["curStart"]),
		"endLine":   int64Of(row["curEnd"]),
		"validFrom": int64Of(row["curFrom"]),
	}
	if row["oldFrom"] == nil {
		return &dispatch.Result{
			Summary: fmt.Sprintf("%s has no superseded version", elementID),
			Data: map[string]any{
				"changed": false,
				"current": current,
			},
		}, nil
	}

	previous := map[string]any{
		"summary":   stringOf(row["oldSummary"]),
		"startLine": int64Of(row["oldStart"]),
		"endLine":   int64Of(row["oldEnd"]),
		"validFrom": int64Of(row["oldFrom"]),
	}

	var changes []any
	if current["summary"] != previous["summary"] {
		changes = append(changes, map[string]any{
			"field": "summary", "from": previous["summary"], "to": current["summary"],
		})
	}
	if current["startLine"] != previous["startLine"] || current["endLine"] != previous["endLine"] {
		changes = append(changes, map[string]any{
			"field": "lines",
			"from":  fmt.Sprintf("%d-%d", previous["startLine"], previous["endLine"]),
			"to":    fmt.Sprintf("%d-%d", current["startLine"], current["endLine"]),
		})
	}

	return &dispatch.Result{
		Summary: fmt.Sprintf("%s changed in %d way(s) since its previous version", elementID, len(changes)),
		Data: map[string]any{
			"changed":  len(changes) > 0,
			"current":  current,
			"previous": previous,
			"changes":  changes,
		},
	}, nil
}

func (h *handlers) semanticSlice(_ context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	target, err := call.Args.RequireString("target")
	if err != nil {
		return nil, err
	}
	node, ok := h.resolveNode(call.Project.ProjectID, target)
	if !ok {
		return nil, dispatch.Errorf(dispatch.CodeSemanticSliceNotFound,
			"pass a SCIP id or name from semantic_search results", "no element matches %q", target)
	}
	depth := call.Args.Int("depth")
	if depth <= 0 {
		depth = 2
	}

	closure := map[string]int{node.ID: 0}
	frontier := []string{node.ID}
	for hop := 1; hop <= depth; hop++ {
		var next []string
		for _, id := range frontier {
			for _, e := range h.deps.Index.Outgoing(call.Project.ProjectID, id) {
				if sliceEdge(e.Type) {
					if _, ok := closure[e.To]; !ok {
						closure[e.To] = hop
						next = append(next, e.To)
					}
				}
			}
			for _, e := range h.deps.Index.Incoming(call.Project.ProjectID, id) {
				if sliceEdge(e.Type) {
					if _, ok := closure[e.From]; !ok {
						closure[e.From] = hop
						next = append(next, e.From)
					}
				}
			}
		}
		frontier = next
	}

	ids := make([]string, 0, len(closure))
	for id := range closure {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var slice []any
	for _, id := range ids {
		if id == node.ID {
			continue
		}
		member, ok := h.deps.Index.Get(call.Project.ProjectID, id)
		if !ok {
			continue
		}
		slice = append(slice, map[string]any{
			"id":       member.ID,
			"kind":     member.Label,
			"path":     member.RelPath,
			"distance": closure[id],
		})
	}
	return &dispatch.Result{
		Summary: fmt.Sprintf("dependency slice of %s covers %d node(s) within %d hop(s)", node.Name, len(slice), depth),
		Data: map[string]any{
			"root":  map[string]any{"id": node.ID, "kind": node.Label, "path": node.RelPath},
			"slice": slice,
		},
	}, nil
}

func sliceEdge(edgeType string) bool {
	switch edgeType {
	case "CALLS", "IMPORTS", "CONTAINS", "REFERENCES":
		return true
	}
	return false
}
