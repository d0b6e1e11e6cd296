// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contextpack

import (
	"sort"

	"github.com/lexigraph/lxrag/services/graphrag/graphindex"
)

// Relevance propagation parameters.
const (
	pprIterations = 20
	pprDamping    = 0.85
	pprMaxNodes   = 50
)

// pprEdgeWeights scales propagation per relationship type; unlisted types
// do not propagate.
var pprEdgeWeights = map[string]float64{
	"CALLS":      0.9,
	"IMPORTS":    0.7,
	"CONTAINS":   0.5,
	"INVOLVES":   0.3,
	"APPLIES_TO": 0.4,
}

// propagate runs personalized PageRank from the seed set over the project
// snapshot and returns up to pprMaxNodes ids ranked by relevance. Seeds
// restart with equal mass; propagation follows both edge directions.
func propagate(ix *graphindex.Index, projectID string, seeds []string) []scoredNode {
	if len(seeds) == 0 {
		return nil
	}

	restart := make(map[string]float64, len(seeds))
	for _, s := range seeds {
		restart[s] = 1.0 / float64(len(seeds))
	}

	rank := make(map[string]float64, len(restart))
	for id, mass := range restart {
		rank[id] = mass
	}

	for i := 0; i < pprIterations; i++ {
		next := make(map[string]float64, len(rank))
		for id, mass := range restart {
			next[id] += (1 - pprDamping) * mass
		}
		for id, mass := range rank {
			if mass == 0 {
				continue
			}
			neighbours := weightedNeighbours(ix, projectID, id)
			if len(neighbours) == 0 {
				next[id] += pprDamping * mass
				continue
			}
			var total float64
			for _, n := range neighbours {
				total += n.weight
			}
			for _, n := range neighbours {
				next[n.id] += pprDamping * mass * n.weight / total
			}
		}
		rank = next
	}

	out := make([]scoredNode, 0, len(rank))
	for id, score := range rank {
		if score > 0 {
			out = append(out, scoredNode{id: id, score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id < out[j].id
	})
	if len(out) > pprMaxNodes {
		out = out[:pprMaxNodes]
	}
	return out
}

type scoredNode struct {
	id    string
	score float64
}

type weighted struct {
	id     string
	weight float64
}

func weightedNeighbours(ix *graphindex.Index, projectID, id string) []weighted {
	var out []weighted
	for _, e := range ix.Outgoing(projectID, id) {
		if w, ok := pprEdgeWeights[e.Type]; ok {
			out = append(out, weighted{id: e.To, weight: w})
		}
	}
	for _, e := range ix.Incoming(projectID, id) {
		if w, ok := pprEdgeWeights[e.Type]; ok {
			out = append(out, weighted{id: e.From, weight: w})
		}
	}
	return out
}
