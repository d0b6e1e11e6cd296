// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memtest provides a scriptable in-memory Executor for engine tests
// that should not assume a live Memgraph.
package memtest

import (
	"context"
	"strings"
	"sync"

	"github.com/lexigraph/lxrag/services/graphrag/memgraph"
)

// Call records one executed query.
type Call struct {
	Query  string
	Params map[string]any
}

// Handler produces rows for a matched query.
type Handler func(params map[string]any) ([]memgraph.Row, error)

type rule struct {
	substr string
	fn     Handler
}

// Fake is a scriptable memgraph.Executor. Queries are matched against
// registered substrings in registration order; unmatched queries return no
// rows and no error, which suits write statements.
type Fake struct {
	mu    sync.Mutex
	calls []Call
	rules []rule
}

// New creates an empty fake.
func New() *Fake {
	return &Fake{}
}

// Respond registers a handler for queries containing substr.
func (f *Fake) Respond(substr string, fn Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{substr: substr, fn: fn})
}

// RespondRows registers fixed rows for queries containing substr.
func (f *Fake) RespondRows(substr string, rows []memgraph.Row) {
	f.Respond(substr, func(map[string]any) ([]memgraph.Row, error) { return rows, nil })
}

// ExecuteCypher implements memgraph.Executor.
func (f *Fake) ExecuteCypher(_ context.Context, query string, params map[string]any) ([]memgraph.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Query: query, Params: params})
	for _, r := range f.rules {
		if strings.Contains(query, r.substr) {
			return r.fn(params)
		}
	}
	return nil, nil
}

// Calls returns a copy of all executed queries.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsContaining returns the calls whose query contains substr.
func (f *Fake) CallsContaining(substr string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if strings.Contains(c.Query, substr) {
			out = append(out, c)
		}
	}
	return out
}

// Reset clears recorded calls, keeping the rules.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}
