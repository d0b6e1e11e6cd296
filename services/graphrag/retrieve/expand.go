// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieve

import (
	"sort"

	"github.com/lexigraph/lxrag/services/graphrag/graphindex"
)

// expansionSeeds is how many top hits from each ranker seed the graph walk.
const expansionSeeds = 5

// expansionWeights discounts a neighbour by the structural strength of the
// edge reaching it.
var expansionWeights = map[string]float64{
	"CALLS":      0.9,
	"IMPORTS":    0.7,
	"REFERENCES": 0.6,
	"CONTAINS":   0.5,
}

// expand walks one hop from the union of each ranker's top seeds, in both
// edge directions. A neighbour's score is the best seed score reaching it
// times the edge weight; seeds themselves are not re-emitted.
func expand(ix *graphindex.Index, projectID string, lists ...[]scored) []scored {
	seeds := make(map[string]float64)
	for _, list := range lists {
		for i, s := range list {
			if i >= expansionSeeds {
				break
			}
			if s.score > seeds[s.id] {
				seeds[s.id] = s.score
			}
		}
	}

	neighbours := make(map[string]float64)
	for id, seedScore := range seeds {
		visit := func(edges []graphindex.Edge, pick func(graphindex.Edge) string) {
			for _, e := range edges {
				w, ok := expansionWeights[e.Type]
				if !ok {
					continue
				}
				target := pick(e)
				if _, isSeed := seeds[target]; isSeed {
					continue
				}
				if score := seedScore * w; score > neighbours[target] {
					neighbours[target] = score
				}
			}
		}
		visit(ix.Outgoing(projectID, id), func(e graphindex.Edge) string { return e.To })
		visit(ix.Incoming(projectID, id), func(e graphindex.Edge) string { return e.From })
	}

	out := make([]scored, 0, len(neighbours))
	for id, score := range neighbours {
		out = append(out, scored{id: id, score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id < out[j].id
	})
	return out
}
