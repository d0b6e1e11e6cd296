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

	"github.com/lexigraph/lxrag/services/graphrag/builder"
	"github.com/lexigraph/lxrag/services/graphrag/dispatch"
	"github.com/lexigraph/lxrag/services/graphrag/shaper"
)

func (h *handlers) registerGraph(reg *dispatch.Registry) {
	reg.Register(dispatch.Tool{
		Name:        "graph_set_workspace",
		Category:    categoryGraph,
		Description: "Set the active workspace for this session; all subsequent tools operate on its project.",
		InputShape: map[string]string{
			"workspaceRoot": "string, required, absolute path to the workspace",
			"sourceDir":     "string, source directory (default <workspaceRoot>/src)",
			"projectId":     "string, project identifier (default derived from workspace)",
		},
		Schema: shaper.OutputSchema{
			{Key: "projectId", Priority: shaper.PriorityRequired},
			{Key: "workspaceRoot", Priority: shaper.PriorityHigh},
			{Key: "sourceDir", Priority: shaper.PriorityMedium},
			{Key: "fingerprint", Priority: shaper.PriorityLow},
		},
		Handler: h.setWorkspace,
	})

	reg.Register(dispatch.Tool{
		Name:        "graph_rebuild",
		Category:    categoryGraph,
		Description: "Rebuild the code graph, fully or for a list of changed files.",
		InputShape: map[string]string{
			"mode":         "string, full|incremental (default full)",
			"changedFiles": "array, file paths for incremental mode",
		},
		Schema: shaper.OutputSchema{
			{Key: "status", Priority: shaper.PriorityRequired},
			{Key: "txId", Priority: shaper.PriorityRequired},
			{Key: "nodeCount", Priority: shaper.PriorityHigh},
			{Key: "durationMs", Priority: shaper.PriorityMedium},
			{Key: "filesAffected", Priority: shaper.PriorityLow},
		},
		Handler:      h.rebuild,
		NeedsProject: true,
	})

	reg.Register(dispatch.Tool{
		Name:        "graph_query",
		Category:    categoryGraph,
		Description: "Run a raw Cypher query against the graph store. Escape hatch; prefer semantic_search.",
		InputShape: map[string]string{
			"query":  "string, required, Cypher text",
			"params": "object, query parameters",
		},
		Schema: shaper.OutputSchema{
			{Key: "results", Priority: shaper.PriorityRequired},
			{Key: "count", Priority: shaper.PriorityRequired},
		},
		Handler: h.graphQuery,
	})

	reg.Register(dispatch.Tool{
		Name:        "graph_health",
		Category:    categoryGraph,
		Description: "Report graph index freshness, store counts, drift, watcher, and embedding status.",
		InputShape:  map[string]string{},
		Schema: shaper.OutputSchema{
			{Key: "graphIndex", Priority: shaper.PriorityRequired},
			{Key: "memgraphNodes", Priority: shaper.PriorityRequired},
			{Key: "driftDetected", Priority: shaper.PriorityRequired},
			{Key: "latestTxId", Priority: shaper.PriorityHigh},
			{Key: "txCount", Priority: shaper.PriorityHigh},
			{Key: "embeddingsReady", Priority: shaper.PriorityHigh},
			{Key: "watcherState", Priority: shaper.PriorityMedium},
			{Key: "pendingChanges", Priority: shaper.PriorityMedium},
		},
		Handler:      h.health,
		NeedsProject: true,
	})

	reg.Register(dispatch.Tool{
		Name:        "diff_since",
		Category:    categoryGraph,
		Description: "List files added, modified, or removed since an anchor graph transaction.",
		InputShape: map[string]string{
			"since": "string, required, anchor GRAPH_TX id",
		},
		Schema: shaper.OutputSchema{
			{Key: "added", Priority: shaper.PriorityRequired},
			{Key: "modified", Priority: shaper.PriorityRequired},
			{Key: "removed", Priority: shaper.PriorityRequired},
			{Key: "sinceTimestamp", Priority: shaper.PriorityLow},
		},
		Handler:      h.diffSince,
		NeedsProject: true,
	})
}

func (h *handlers) setWorkspace(_ context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	root, err := call.Args.RequireString("workspaceRoot")
	if err != nil {
		return nil, err
	}
	pc, err := h.sessions.SetWorkspace(call.SessionID, root, call.Args.String("sourceDir"), call.Args.String("projectId"))
	if err != nil {
		return nil, err
	}
	return &dispatch.Result{
		Summary: fmt.Sprintf("workspace set to %s (project %s)", pc.WorkspaceRoot, pc.ProjectID),
		Data: map[string]any{
			"projectId":     pc.ProjectID,
			"workspaceRoot": pc.WorkspaceRoot,
			"sourceDir":     pc.SourceDir,
			"fingerprint":   pc.Fingerprint,
		},
		Hint: "run graph_rebuild to index the workspace",
	}, nil
}

func (h *handlers) rebuild(ctx context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	mode := builder.Mode(call.Args.String("mode"))
	if mode == "" {
		mode = builder.ModeFull
	}
	if mode != builder.ModeFull && mode != builder.ModeIncremental {
		return nil, dispatch.Errorf(dispatch.CodeInvalidArgument,
			"pass mode as full or incremental", "unknown rebuild mode %q", mode)
	}

	res, err := h.deps.Builder.Rebuild(ctx, builder.Request{
		ProjectID:     call.Project.ProjectID,
		WorkspaceRoot: call.Project.WorkspaceRoot,
		SourceDir:     call.Project.SourceDir,
		Mode:          mode,
		ChangedFiles:  call.Args.Strings("changedFiles"),
		AgentID:       call.AgentID,
		SessionID:     call.SessionID,
	})
	if err != nil {
		return nil, err
	}

	summary := fmt.Sprintf("%s rebuild %s for %s", res.Mode, res.Status, res.ProjectID)
	hint := ""
	if res.Status == builder.StatusQueued {
		summary = fmt.Sprintf("%s rebuild queued for %s; continuing in background", res.Mode, res.ProjectID)
		hint = "poll graph_health for completion"
	}
	return &dispatch.Result{
		Summary: summary,
		Data: map[string]any{
			"status":        string(res.Status),
			"txId":          res.TxID,
			"mode":          string(res.Mode),
			"nodeCount":     res.NodeCount,
			"durationMs":    res.Duration.Milliseconds(),
			"filesAffected": anyStrings(res.FilesAffected),
		},
		Hint: hint,
	}, nil
}

func (h *handlers) graphQuery(ctx context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	query, err := call.Args.RequireString("query")
	if err != nil {
		return nil, err
	}
	rows, err := h.deps.Executor.ExecuteCypher(ctx, query, call.Args.Map("params"))
	if err != nil {
		return nil, err
	}

	results := make([]any, len(rows))
	for i, row := range rows {
		results[i] = map[string]any(row)
	}
	return &dispatch.Result{
		Summary: fmt.Sprintf("query returned %d row(s)", len(rows)),
		Data: map[string]any{
			"results": results,
			"count":   len(rows),
		},
	}, nil
}

func (h *handlers) health(ctx context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	projectID := call.Project.ProjectID
	stats := h.deps.Index.Stats(projectID)

	var storeNodes int64
	rows, err := h.deps.Executor.ExecuteCypher(ctx, `
MATCH (n {projectId: $projectId})
WHERE n.validTo IS NULL
RETURN count(n) AS cnt`,
		map[string]any{"projectId": projectID})
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		storeNodes = int64Of(rows[0]["cnt"])
	}

	var txCount int64
	txRows, err := h.deps.Executor.ExecuteCypher(ctx, `
MATCH (t:GRAPH_TX {projectId: $projectId})
RETURN count(t) AS cnt`,
		map[string]any{"projectId": projectID})
	if err != nil {
		return nil, err
	}
	if len(txRows) > 0 {
		txCount = int64Of(txRows[0]["cnt"])
	}

	// COMMUNITY nodes live only in the store after recompute merges them
	// into the cache, so drift compares code nodes alone.
	cached := int64(stats.TotalNodes - stats.NodesByKind["COMMUNITY"])
	drift := cached != storeNodes
	watcherState, pending := h.deps.WatcherStatus(projectID)

	summary := fmt.Sprintf("index holds %d node(s), store holds %d; no drift", stats.TotalNodes, storeNodes)
	if drift {
		summary = fmt.Sprintf("index holds %d node(s) but store holds %d; drift detected", cached, storeNodes)
	}
	return &dispatch.Result{
		Summary: summary,
		Data: map[string]any{
			"graphIndex": map[string]any{
				"totalNodes":  stats.TotalNodes,
				"totalEdges":  stats.TotalEdges,
				"nodesByKind": stats.NodesByKind,
			},
			"memgraphNodes":   storeNodes,
			"driftDetected":   drift,
			"latestTxId":      h.deps.Builder.LatestTx(projectID),
			"txCount":         txCount,
			"embeddingsReady": h.deps.Builder.EmbeddingsReady(projectID),
			"watcherState":    watcherState,
			"pendingChanges":  pending,
		},
	}, nil
}

func (h *handlers) diffSince(ctx context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	since, err := call.Args.RequireString("since")
	if err != nil {
		return nil, err
	}

	anchor, err := h.deps.Executor.ExecuteCypher(ctx, `
MATCH (t:GRAPH_TX {id: $since})
RETURN t.timestamp AS ts`,
		map[string]any{"since": since})
	if err != nil {
		return nil, err
	}
	if len(anchor) == 0 {
		return nil, dispatch.Errorf(dispatch.CodeDiffSinceAnchorNotFound,
			"pass a txId returned by graph_rebuild or graph_health", "unknown anchor transaction %q", since)
	}
	ts := int64Of(anchor[0]["ts"])

	created, err := h.deps.Executor.ExecuteCypher(ctx, `
MATCH (f:FILE {projectId: $projectId})
WHERE f.validFrom > $ts
OPTIONAL MATCH (f)-[:SUPERSEDES]->(old:FILE)
RETURN f.relativePath AS relPath, old.id AS oldId`,
		map[string]any{"projectId": call.Project.ProjectID, "ts": ts})
	if err != nil {
		return nil, err
	}

	addedSet := make(map[string]bool)
	modifiedSet := make(map[string]bool)
	for _, row := range created {
		relPath := stringOf(row["relPath"])
		if relPath == "" {
			continue
		}
		if stringOf(row["oldId"]) != "" {
			modifiedSet[relPath] = true
		} else {
			addedSet[relPath] = true
		}
	}

	retired, err := h.deps.Executor.ExecuteCypher(ctx, `
MATCH (f:FILE {projectId: $projectId})
WHERE f.validTo IS NOT NULL AND f.validTo > $ts
  AND NOT EXISTS { MATCH (:FILE)-[:SUPERSEDES]->(f) }
RETURN DISTINCT f.relativePath AS relPath`,
		map[string]any{"projectId": call.Project.ProjectID, "ts": ts})
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, row := range retired {
		if relPath := stringOf(row["relPath"]); relPath != "" && !modifiedSet[relPath] && !addedSet[relPath] {
			removed = append(removed, relPath)
		}
	}
	sort.Strings(removed)

	added := sortedKeys(addedSet)
	modified := sortedKeys(modifiedSet)

	return &dispatch.Result{
		Summary: fmt.Sprintf("since %s: %d added, %d modified, %d removed", since, len(added), len(modified), len(removed)),
		Data: map[string]any{
			"added":          anyStrings(added),
			"modified":       anyStrings(modified),
			"removed":        anyStrings(removed),
			"sinceTimestamp": ts,
		},
	}, nil
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
