// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package builder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/lexigraph/lxrag/services/graphrag/ast"
	"github.com/lexigraph/lxrag/services/graphrag/graphindex"
	"github.com/lexigraph/lxrag/services/graphrag/llm"
	"github.com/lexigraph/lxrag/services/graphrag/qdrant"
	"github.com/lexigraph/lxrag/services/graphrag/scip"
)

// summarizerTimeout bounds each remote summary call so slow model servers
// cannot stall a build.
const summarizerTimeout = 5 * time.Second

// summarize picks the symbol summary: cache hit by content hash, then the
// remote summarizer when configured, then the heuristic. Embeddings always
// index the summary, never raw code.
func (o *Orchestrator) summarize(ctx context.Context, sym ast.ParsedSymbol, source string) string {
	sum := sha256.Sum256([]byte(source))
	contentHash := hex.EncodeToString(sum[:])

	if o.opts.Cache != nil {
		if cached, ok := o.opts.Cache.Get(contentHash); ok {
			return cached
		}
	}

	summary := ""
	if o.opts.Summarizer != nil {
		callCtx, cancel := context.WithTimeout(ctx, summarizerTimeout)
		remote, err := o.opts.Summarizer.Summarize(callCtx, source)
		cancel()
		if err == nil && remote != "" {
			summary = remote
		} else if err != nil {
			o.opts.Logger.Debug("summarizer unavailable, using heuristic",
				slog.String("symbol", sym.Name), slog.String("error", err.Error()))
		}
	}
	if summary == "" {
		summary = llm.HeuristicSummary(sym.Name, sym.Doc, source)
	}

	if o.opts.Cache != nil {
		if err := o.opts.Cache.Put(contentHash, summary); err != nil {
			o.opts.Logger.Warn("summary cache write failed", slog.String("error", err.Error()))
		}
	}
	return summary
}

// CodeCollection names the per-project vector collection for code symbols.
func CodeCollection(projectID string) string {
	return "code_" + projectID
}

// regenerateEmbeddings re-embeds every symbol summary in the working set
// and marks the project's embeddings ready. Runs in the background after a
// rebuild; failures leave embeddingsReady false and vector search degrades
// to the remaining rankers.
func (o *Orchestrator) regenerateEmbeddings(ctx context.Context, projectID string) {
	collection := CodeCollection(projectID)
	if err := o.opts.Vectors.EnsureCollection(ctx, collection, o.opts.Embedder.Dim()); err != nil {
		o.opts.Logger.Warn("ensure vector collection failed", slog.String("error", err.Error()))
		return
	}

	o.mu.Lock()
	var records []*fileRecord
	for _, rec := range o.workingSets[projectID] {
		records = append(records, rec)
	}
	o.mu.Unlock()

	var points []qdrant.Point
	for _, rec := range records {
		for _, sym := range rec.symbols {
			vec, err := o.opts.Embedder.Embed(ctx, sym.summary)
			if err != nil {
				o.opts.Logger.Warn("embedding failed",
					slog.String("symbol", sym.name), slog.String("error", err.Error()))
				return
			}
			points = append(points, qdrant.Point{
				ID:     sym.id,
				Vector: vec,
				Payload: map[string]any{
					"projectId": projectID,
					"kind":      sym.kind,
					"name":      sym.name,
					"filePath":  rec.absPath,
					"summary":   sym.summary,
					"validTo":   nil,
				},
			})
		}
	}

	if len(points) > 0 {
		if err := o.opts.Vectors.Upsert(ctx, collection, points); err != nil {
			o.opts.Logger.Warn("vector upsert failed", slog.String("error", err.Error()))
			return
		}
	}

	o.setEmbeddingsReady(projectID, true)
	o.opts.Logger.Info("embeddings regenerated",
		slog.String("project_id", projectID), slog.Int("points", len(points)))
}

// syncIndex rebuilds the in-memory snapshot from the working set so
// graph_health and the rankers see fresh counts without a store query.
func (o *Orchestrator) syncIndex(projectID string) {
	o.mu.Lock()
	var records []*fileRecord
	for _, rec := range o.workingSets[projectID] {
		records = append(records, rec)
	}
	o.mu.Unlock()

	var snap graphindex.Snapshot
	byAbsPath := make(map[string]string, len(records))
	for _, rec := range records {
		byAbsPath[rec.absPath] = scip.FileID(projectID, rec.relPath)
	}

	for _, rec := range records {
		fileID := byAbsPath[rec.absPath]
		snap.Nodes = append(snap.Nodes, graphindex.Node{
			ID: fileID, Label: "FILE", Name: rec.relPath,
			FilePath: rec.absPath, RelPath: rec.relPath,
			Language: rec.language, ProjectID: projectID,
		})

		for _, sym := range rec.symbols {
			label := "FUNCTION"
			if sym.kind == "class" {
				label = "CLASS"
			}
			snap.Nodes = append(snap.Nodes, graphindex.Node{
				ID: sym.id, Label: label, Name: sym.name,
				FilePath: rec.absPath, RelPath: rec.relPath,
				Language: rec.language, StartLine: sym.startLine, EndLine: sym.endLine,
				Exported: sym.exported, Summary: sym.summary, ProjectID: projectID,
			})
			snap.Edges = append(snap.Edges, graphindex.Edge{
				Type: "CONTAINS", From: fileID, To: sym.id, Weight: 1,
			})
		}

		for _, imp := range rec.imports {
			if target, ok := byAbsPath[imp.resolved]; ok {
				snap.Edges = append(snap.Edges, graphindex.Edge{
					Type: "IMPORTS", From: fileID, To: target, Weight: 1,
				})
			}
		}
	}

	o.opts.Index.Replace(projectID, snap)
}
