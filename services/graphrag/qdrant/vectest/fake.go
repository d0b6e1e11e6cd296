// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vectest provides an in-memory qdrant.Store with real cosine
// ranking for engine tests.
package vectest

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/lexigraph/lxrag/services/graphrag/qdrant"
)

// Fake is an in-memory vector store. Filters support the subset the
// service issues: must clauses with {"key": k, "match": {"value": v}}
// equality and {"is_null": {"key": k}} null checks.
type Fake struct {
	mu          sync.Mutex
	collections map[string]map[string]qdrant.Point
}

// New creates an empty fake store.
func New() *Fake {
	return &Fake{collections: make(map[string]map[string]qdrant.Point)}
}

// EnsureCollection implements qdrant.Store.
func (f *Fake) EnsureCollection(_ context.Context, name string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.collections[name]; !ok {
		f.collections[name] = make(map[string]qdrant.Point)
	}
	return nil
}

// Upsert implements qdrant.Store.
func (f *Fake) Upsert(_ context.Context, collection string, points []qdrant.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	coll, ok := f.collections[collection]
	if !ok {
		coll = make(map[string]qdrant.Point)
		f.collections[collection] = coll
	}
	for _, p := range points {
		coll[p.ID] = p
	}
	return nil
}

// Search implements qdrant.Store with exact cosine similarity.
func (f *Fake) Search(_ context.Context, collection string, vector []float32, limit int, filter map[string]any) ([]qdrant.Scored, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []qdrant.Scored
	for _, p := range f.collections[collection] {
		if !matches(p, filter) {
			continue
		}
		payload := map[string]any{"id": p.ID}
		for k, v := range p.Payload {
			payload[k] = v
		}
		out = append(out, qdrant.Scored{ID: p.ID, Score: cosine(vector, p.Vector), Payload: payload})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count implements qdrant.Store.
func (f *Fake) Count(_ context.Context, collection string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.collections[collection]), nil
}

func matches(p qdrant.Point, filter map[string]any) bool {
	if filter == nil {
		return true
	}
	must, _ := filter["must"].([]map[string]any)
	if must == nil {
		if raw, ok := filter["must"].([]any); ok {
			for _, m := range raw {
				if mm, ok := m.(map[string]any); ok {
					must = append(must, mm)
				}
			}
		}
	}
	for _, clause := range must {
		if isNull, ok := clause["is_null"].(map[string]any); ok {
			key, _ := isNull["key"].(string)
			if v, present := p.Payload[key]; present && v != nil {
				return false
			}
			continue
		}
		key, _ := clause["key"].(string)
		match, _ := clause["match"].(map[string]any)
		if key == "" || match == nil {
			continue
		}
		want := match["value"]
		got, present := p.Payload[key]
		if !present || got != want {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
