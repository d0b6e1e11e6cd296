// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package community groups files into labelled clusters after each full
// rebuild. Labels seed from leading path segments, then local moves refine
// membership along IMPORTS connectivity until no move improves a node's
// in-community degree.
package community

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lexigraph/lxrag/services/graphrag/graphindex"
	"github.com/lexigraph/lxrag/services/graphrag/memgraph"
)

var tracer = otel.Tracer("graphrag.community")

// maxPasses bounds the local-move refinement.
const maxPasses = 10

// Community is one detected cluster.
type Community struct {
	ID          string   `json:"id"`
	Label       string   `json:"label"`
	Summary     string   `json:"summary"`
	MemberCount int      `json:"memberCount"`
	Members     []string `json:"members,omitempty"`
}

// Options configures the Detector.
type Options struct {
	Executor memgraph.Executor
	Index    *graphindex.Index
	Logger   *slog.Logger
}

// Detector recomputes communities. Registered as a post-full-rebuild hook.
type Detector struct {
	opts Options
}

// NewDetector creates a community detector.
func NewDetector(opts Options) *Detector {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With(slog.String("component", "community_detector"))
	return &Detector{opts: opts}
}

// Recompute replaces the project's COMMUNITY nodes in the store and merges
// them into the in-memory snapshot for global search.
func (d *Detector) Recompute(ctx context.Context, projectID string) ([]Community, error) {
	ctx, span := tracer.Start(ctx, "community.Recompute", trace.WithAttributes(
		attribute.String("project_id", projectID)))
	defer span.End()

	communities := d.detect(projectID)

	if _, err := d.opts.Executor.ExecuteCypher(ctx, `
MATCH (c:COMMUNITY {projectId: $projectId})
DETACH DELETE c`,
		map[string]any{"projectId": projectID}); err != nil {
		return nil, fmt.Errorf("clear communities: %w", err)
	}

	var (
		indexNodes []graphindex.Node
		indexEdges []graphindex.Edge
	)
	for _, c := range communities {
		members := make([]any, len(c.Members))
		for i, m := range c.Members {
			members[i] = m
		}
		if _, err := d.opts.Executor.ExecuteCypher(ctx, `
CREATE (c:COMMUNITY {
  id: $id, label: $label, summary: $summary,
  memberCount: $memberCount, projectId: $projectId
})
WITH c
MATCH (f:FILE {projectId: $projectId})
WHERE f.validTo IS NULL AND f.id IN $members
CREATE (f)-[:BELONGS_TO]->(c)`,
			map[string]any{
				"id": c.ID, "label": c.Label, "summary": c.Summary,
				"memberCount": c.MemberCount, "projectId": projectID,
				"members": members,
			}); err != nil {
			return nil, fmt.Errorf("write COMMUNITY %s: %w", c.Label, err)
		}

		indexNodes = append(indexNodes, graphindex.Node{
			ID: c.ID, Label: "COMMUNITY", Name: c.Label,
			Summary: c.Summary, ProjectID: projectID,
		})
		for _, m := range c.Members {
			indexEdges = append(indexEdges, graphindex.Edge{
				Type: "BELONGS_TO", From: m, To: c.ID, Weight: 1,
			})
		}
	}
	d.opts.Index.Augment(projectID, indexNodes, indexEdges)

	d.opts.Logger.Info("communities recomputed",
		slog.String("project_id", projectID), slog.Int("count", len(communities)))
	return communities, nil
}

// detect assigns every current FILE to a community.
func (d *Detector) detect(projectID string) []Community {
	files := d.opts.Index.Nodes(projectID, "FILE")
	if len(files) == 0 {
		return nil
	}

	labels := make(map[string]string, len(files))
	for _, f := range files {
		labels[f.ID] = pathSeed(f.RelPath)
	}

	// Undirected file-to-file adjacency over IMPORTS.
	adjacency := make(map[string]map[string]int, len(files))
	link := func(a, b string) {
		if a == b {
			return
		}
		if adjacency[a] == nil {
			adjacency[a] = make(map[string]int)
		}
		adjacency[a][b]++
	}
	for _, f := range files {
		for _, e := range d.opts.Index.Outgoing(projectID, f.ID) {
			if e.Type != "IMPORTS" {
				continue
			}
			if _, ok := labels[e.To]; ok {
				link(f.ID, e.To)
				link(e.To, f.ID)
			}
		}
	}

	// Local moves: adopt the label with the highest connection weight,
	// repeating until a pass changes nothing.
	ordered := make([]string, 0, len(labels))
	for id := range labels {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	for pass := 0; pass < maxPasses; pass++ {
		changed := false
		for _, id := range ordered {
			weights := make(map[string]int)
			for neighbour, w := range adjacency[id] {
				weights[labels[neighbour]] += w
			}
			best, bestWeight := labels[id], weights[labels[id]]
			candidates := make([]string, 0, len(weights))
			for label := range weights {
				candidates = append(candidates, label)
			}
			sort.Strings(candidates)
			for _, label := range candidates {
				if weights[label] > bestWeight {
					best, bestWeight = label, weights[label]
				}
			}
			if best != labels[id] {
				labels[id] = best
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	grouped := make(map[string][]string)
	for id, label := range labels {
		grouped[label] = append(grouped[label], id)
	}
	names := make(map[string]string, len(files))
	for _, f := range files {
		names[f.ID] = f.RelPath
	}

	labelsSorted := make([]string, 0, len(grouped))
	for label := range grouped {
		labelsSorted = append(labelsSorted, label)
	}
	sort.Strings(labelsSorted)

	out := make([]Community, 0, len(grouped))
	for _, label := range labelsSorted {
		members := grouped[label]
		sort.Strings(members)
		out = append(out, Community{
			ID:          fmt.Sprintf("%s:community:%s", projectID, label),
			Label:       label,
			Summary:     summarize(label, members, names),
			MemberCount: len(members),
			Members:     members,
		})
	}
	return out
}

// pathSeed labels a file by its first meaningful path segment.
func pathSeed(relPath string) string {
	parts := strings.Split(relPath, "/")
	for _, p := range parts[:max(len(parts)-1, 0)] {
		if p != "" && p != "src" && p != "." {
			return p
		}
	}
	return "root"
}

func summarize(label string, members []string, names map[string]string) string {
	shown := make([]string, 0, 3)
	for _, m := range members {
		if len(shown) == 3 {
			break
		}
		shown = append(shown, names[m])
	}
	return fmt.Sprintf("%s: %d file(s) including %s", label, len(members), strings.Join(shown, ", "))
}
