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
	"fmt"
	"time"

	"github.com/lexigraph/lxrag/services/graphrag/scip"
)

// retireAndCreate closes the current version of a SCIP id and creates the
// new one, linking them with SUPERSEDES, in a single statement so the
// retire-then-create-then-link order is atomic per id.
//
// The old version's validTo becomes exactly the new version's validFrom,
// which is the SUPERSEDES monotonicity invariant.
const retireAndCreateTemplate = `
OPTIONAL MATCH (old:%[1]s {id: $id})
WHERE old.validTo IS NULL
SET old.validTo = $ts
WITH collect(old) AS olds
CREATE (n:%[1]s $props)
WITH n, olds
FOREACH (o IN olds | CREATE (n)-[:SUPERSEDES]->(o))
RETURN n.id AS id
`

// writeFileVersion writes one changed file: the FILE node, its FUNCTION and
// CLASS children, IMPORT and EXPORT nodes, and the edges anchoring them to
// the new FILE version.
func (o *Orchestrator) writeFileVersion(ctx context.Context, req Request, txID string, ts int64, rec *fileRecord) error {
	fileID := scip.FileID(req.ProjectID, rec.relPath)

	fileProps := map[string]any{
		"id":           fileID,
		"path":         rec.absPath,
		"relativePath": rec.relPath,
		"language":     rec.language,
		"contentHash":  rec.contentHash,
		"projectId":    req.ProjectID,
		"validFrom":    ts,
		"validTo":      nil,
		"createdAt":    ts,
		"txId":         txID,
	}
	if _, err := o.opts.Executor.ExecuteCypher(ctx,
		fmt.Sprintf(retireAndCreateTemplate, "FILE"),
		map[string]any{"id": fileID, "ts": ts, "props": fileProps}); err != nil {
		return fmt.Errorf("write FILE %s: %w", rec.relPath, err)
	}

	for _, sym := range rec.symbols {
		label := "FUNCTION"
		if sym.kind == "class" {
			label = "CLASS"
		}
		props := map[string]any{
			"id":         sym.id,
			"name":       sym.name,
			"kind":       sym.kind,
			"filePath":   rec.absPath,
			"startLine":  sym.startLine,
			"endLine":    sym.endLine,
			"isExported": sym.exported,
			"summary":    sym.summary,
			"projectId":  req.ProjectID,
			"validFrom":  ts,
			"validTo":    nil,
			"createdAt":  ts,
			"txId":       txID,
		}
		if _, err := o.opts.Executor.ExecuteCypher(ctx,
			fmt.Sprintf(retireAndCreateTemplate, label),
			map[string]any{"id": sym.id, "ts": ts, "props": props}); err != nil {
			return fmt.Errorf("write %s %s: %w", label, sym.name, err)
		}

		if _, err := o.opts.Executor.ExecuteCypher(ctx, `
MATCH (f:FILE {id: $fileId, txId: $txId})
MATCH (s {id: $symId, txId: $txId})
CREATE (f)-[:CONTAINS]->(s)`,
			map[string]any{"fileId": fileID, "symId": sym.id, "txId": txID}); err != nil {
			return fmt.Errorf("link CONTAINS %s: %w", sym.name, err)
		}
	}

	for _, imp := range rec.imports {
		if _, err := o.opts.Executor.ExecuteCypher(ctx, `
MERGE (i:IMPORT {id: $id})
SET i.source = $source, i.projectId = $projectId
WITH i
MATCH (f:FILE {id: $fileId, txId: $txId})
CREATE (f)-[:IMPORTS]->(i)`,
			map[string]any{
				"id": imp.id, "source": imp.source, "projectId": req.ProjectID,
				"fileId": fileID, "txId": txID,
			}); err != nil {
			return fmt.Errorf("write IMPORT %s: %w", imp.source, err)
		}

		if imp.resolved != "" {
			// REFERENCES targets the current version of the resolved file.
			if _, err := o.opts.Executor.ExecuteCypher(ctx, `
MATCH (i:IMPORT {id: $id})
MATCH (t:FILE {path: $target, projectId: $projectId})
WHERE t.validTo IS NULL
MERGE (i)-[:REFERENCES]->(t)`,
				map[string]any{"id": imp.id, "target": imp.resolved, "projectId": req.ProjectID}); err != nil {
				return fmt.Errorf("link REFERENCES %s: %w", imp.source, err)
			}
		}
	}

	for _, name := range rec.exports {
		exportID := fmt.Sprintf("%s:export:%s:%s", req.ProjectID, rec.relPath, name)
		if _, err := o.opts.Executor.ExecuteCypher(ctx, `
MERGE (e:EXPORT {id: $id})
SET e.name = $name, e.projectId = $projectId
WITH e
MATCH (f:FILE {id: $fileId, txId: $txId})
CREATE (f)-[:EXPORTS]->(e)`,
			map[string]any{
				"id": exportID, "name": name, "projectId": req.ProjectID,
				"fileId": fileID, "txId": txID,
			}); err != nil {
			return fmt.Errorf("write EXPORT %s: %w", name, err)
		}
	}

	return nil
}

// retireFile closes every current node for a file that disappeared from
// disk. No successor is created, which is how diff_since classifies the
// file as removed. The closed versions take the retiring transaction's
// txId, so the AFFECTS links and the filesAffected count cover removals
// the same way they cover writes.
func (o *Orchestrator) retireFile(ctx context.Context, req Request, txID string, ts int64, absPath string) error {
	_, err := o.opts.Executor.ExecuteCypher(ctx, `
MATCH (f:FILE {path: $path, projectId: $projectId})
WHERE f.validTo IS NULL
OPTIONAL MATCH (f)-[:CONTAINS]->(s)
WHERE s.validTo IS NULL
SET f.validTo = $ts, f.txId = $txId
FOREACH (x IN CASE WHEN s IS NULL THEN [] ELSE [s] END | SET x.validTo = $ts, x.txId = $txId)`,
		map[string]any{"path": absPath, "projectId": req.ProjectID, "txId": txID, "ts": ts})
	if err != nil {
		return fmt.Errorf("retire file %s: %w", absPath, err)
	}
	return nil
}

// createTx writes the GRAPH_TX record before any other write.
func (o *Orchestrator) createTx(ctx context.Context, req Request, txID string, ts int64) error {
	_, err := o.opts.Executor.ExecuteCypher(ctx, `
CREATE (t:GRAPH_TX {
  id: $id, type: 'rebuild', mode: $mode, timestamp: $ts,
  agentId: $agentId, sessionId: $sessionId, projectId: $projectId,
  filesAffected: [], nodeCount: 0, durationMs: 0
})`,
		map[string]any{
			"id": txID, "mode": string(req.Mode), "ts": ts,
			"agentId": req.AgentID, "sessionId": req.SessionID, "projectId": req.ProjectID,
		})
	if err != nil {
		return fmt.Errorf("create GRAPH_TX: %w", err)
	}
	return nil
}

// finalizeTx stamps the outcome on the GRAPH_TX and links AFFECTS edges to
// the file versions written under this transaction.
func (o *Orchestrator) finalizeTx(ctx context.Context, txID string, affected []string, nodeCount int, duration time.Duration) error {
	files := make([]any, len(affected))
	for i, f := range affected {
		files[i] = f
	}
	if _, err := o.opts.Executor.ExecuteCypher(ctx, `
MATCH (t:GRAPH_TX {id: $id})
SET t.filesAffected = $files, t.nodeCount = $nodeCount, t.durationMs = $durationMs`,
		map[string]any{
			"id": txID, "files": files,
			"nodeCount": nodeCount, "durationMs": duration.Milliseconds(),
		}); err != nil {
		return fmt.Errorf("finalize GRAPH_TX: %w", err)
	}

	if _, err := o.opts.Executor.ExecuteCypher(ctx, `
MATCH (t:GRAPH_TX {id: $id})
MATCH (f:FILE {txId: $id})
CREATE (t)-[:AFFECTS]->(f)`,
		map[string]any{"id": txID}); err != nil {
		return fmt.Errorf("link AFFECTS: %w", err)
	}
	return nil
}
