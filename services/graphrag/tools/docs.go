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

	"github.com/lexigraph/lxrag/services/graphrag/dispatch"
	"github.com/lexigraph/lxrag/services/graphrag/docs"
	"github.com/lexigraph/lxrag/services/graphrag/shaper"
)

func (h *handlers) registerDocs(reg *dispatch.Registry) {
	reg.Register(dispatch.Tool{
		Name:        "index_docs",
		Category:    categoryDocs,
		Description: "Ingest markdown documents into the graph as DOCUMENT and SECTION nodes.",
		InputShape: map[string]string{
			"paths": "array, required, markdown files relative to the workspace",
		},
		Schema: shaper.OutputSchema{
			{Key: "indexed", Priority: shaper.PriorityRequired},
			{Key: "failed", Priority: shaper.PriorityHigh},
			{Key: "sectionCount", Priority: shaper.PriorityMedium},
		},
		Handler:      h.indexDocs,
		NeedsProject: true,
	})

	reg.Register(dispatch.Tool{
		Name:        "search_docs",
		Category:    categoryDocs,
		Description: "Search ingested documentation sections.",
		InputShape: map[string]string{
			"query": "string, required, natural-language query",
			"limit": "number, max sections (default 5)",
		},
		Schema: shaper.OutputSchema{
			{Key: "sections", Priority: shaper.PriorityRequired},
			{Key: "count", Priority: shaper.PriorityHigh},
		},
		Handler:      h.searchDocs,
		NeedsProject: true,
	})

	reg.Register(dispatch.Tool{
		Name:        "ref_query",
		Category:    categoryDocs,
		Description: "Resolve a path#heading documentation reference to its document and section.",
		InputShape: map[string]string{
			"ref": "string, required, e.g. docs/guide.md#setup",
		},
		Schema: shaper.OutputSchema{
			{Key: "document", Priority: shaper.PriorityRequired},
			{Key: "sections", Priority: shaper.PriorityHigh},
		},
		Handler:      h.refQuery,
		NeedsProject: true,
	})
}

func (h *handlers) indexDocs(ctx context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	paths := call.Args.Strings("paths")
	if len(paths) == 0 {
		return nil, dispatch.Errorf(dispatch.CodeInvalidArgument,
			"pass paths as an array of markdown files", "missing or empty argument \"paths\"")
	}

	res, err := h.deps.Docs.Ingest(ctx, call.Project.ProjectID, call.Project.WorkspaceRoot, paths)
	if err != nil {
		if errors.Is(err, docs.ErrNoDocuments) {
			return &dispatch.Result{
				Summary: "no documents could be ingested",
				Data: map[string]any{
					"indexed": []any{},
					"failed":  anyStrings(res.Failed),
				},
				Failure: &dispatch.Error{
					Code:        dispatch.CodeInvalidArgument,
					Message:     "every document failed to ingest",
					Hint:        "pass paths to readable markdown files under the workspace",
					Recoverable: true,
				},
			}, nil
		}
		return nil, err
	}

	sections := 0
	indexed := make([]any, 0, len(res.Documents))
	for _, d := range res.Documents {
		sections += len(d.Sections)
		indexed = append(indexed, map[string]any{
			"id":       d.ID,
			"relPath":  d.RelPath,
			"title":    d.Title,
			"sections": len(d.Sections),
		})
	}

	var warnings []string
	for _, f := range res.Failed {
		warnings = append(warnings, "failed to ingest "+f)
	}
	return &dispatch.Result{
		Summary: fmt.Sprintf("indexed %d document(s) with %d section(s)", len(indexed), sections),
		Data: map[string]any{
			"indexed":      indexed,
			"failed":       anyStrings(res.Failed),
			"sectionCount": sections,
		},
		Warnings: warnings,
	}, nil
}

func (h *handlers) searchDocs(ctx context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	query, err := call.Args.RequireString("query")
	if err != nil {
		return nil, err
	}
	limit := call.Args.Int("limit")
	if limit <= 0 {
		limit = 5
	}
	hits, err := h.deps.Docs.Search(ctx, call.Project.ProjectID, query, limit)
	if err != nil {
		return nil, err
	}
	return &dispatch.Result{
		Summary: fmt.Sprintf("found %d documentation section(s) for %q", len(hits), query),
		Data: map[string]any{
			"sections": anyList(hits),
			"count":    len(hits),
		},
	}, nil
}

func (h *handlers) refQuery(ctx context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	ref, err := call.Args.RequireString("ref")
	if err != nil {
		return nil, err
	}
	doc, err := h.deps.Docs.Resolve(ctx, call.Project.ProjectID, ref)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, dispatch.Errorf(dispatch.CodeElementNotFound,
			"pass a path#heading reference to an ingested document", "no document matches %q", ref)
	}

	return &dispatch.Result{
		Summary: fmt.Sprintf("%s resolves to %s", ref, doc.RelPath),
		Data: map[string]any{
			"document": map[string]any{
				"id":      doc.ID,
				"relPath": doc.RelPath,
				"title":   doc.Title,
			},
			"sections": anyList(doc.Sections),
		},
	}, nil
}
