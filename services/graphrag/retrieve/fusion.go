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

import "sort"

// rrfK is the reciprocal rank fusion constant.
const rrfK = 60.0

// scored is one (id, score) pair inside a ranked list.
type scored struct {
	id    string
	score float64
}

// fused carries the fused score plus the per-ranker raw scores that the
// debug profile surfaces.
type fused struct {
	id      string
	score   float64
	signals map[string]float64
}

// fuse combines ranked lists with reciprocal rank fusion:
// score(d) = sum over lists of 1/(rrfK + rank(d)), rank starting at 1.
// Ids absent from a list contribute nothing for it.
func fuse(lists map[string][]scored) []fused {
	byID := make(map[string]*fused)
	for name, list := range lists {
		for rank, s := range list {
			f, ok := byID[s.id]
			if !ok {
				f = &fused{id: s.id, signals: make(map[string]float64)}
				byID[s.id] = f
			}
			f.score += 1.0 / (rrfK + float64(rank+1))
			f.signals[name] = s.score
		}
	}

	out := make([]fused, 0, len(byID))
	for _, f := range byID {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id < out[j].id
	})
	return out
}
