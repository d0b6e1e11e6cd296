// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dispatch routes tool calls by name, normalizes arguments,
// recovers panics into error envelopes, and shapes every response against
// the tool's output schema and the caller's profile.
package dispatch

import (
	"context"
	"sort"
	"sync"

	"github.com/lexigraph/lxrag/services/graphrag/session"
	"github.com/lexigraph/lxrag/services/graphrag/shaper"
)

// Call carries one resolved tool invocation to its handler.
type Call struct {
	SessionID string
	AgentID   string
	Profile   shaper.Profile
	Args      Args

	// Project is the session's active project context. Zero-valued when the
	// session has not set a workspace; tools that need it use RequireProject.
	Project    session.ProjectContext
	HasProject bool
}

// Result is a handler's payload before shaping.
type Result struct {
	Summary  string
	Data     map[string]any
	Hint     string
	Warnings []string

	// Failure marks a semantic failure that still carries data, e.g. a claim
	// conflict with the blocking claim attached. The envelope gets ok=false
	// and the failure's code while Data is preserved.
	Failure *Error
}

// Handler implements one tool.
type Handler func(ctx context.Context, call *Call) (*Result, error)

// Tool is one registry entry.
type Tool struct {
	Name        string
	Category    string
	Description string

	// InputShape documents argument names and type hints for tools_list.
	InputShape map[string]string

	Schema  shaper.OutputSchema
	Handler Handler

	// NeedsProject gates the call on a resolved workspace.
	NeedsProject bool
}

// Registry is the name-to-tool map.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Later registrations replace earlier ones with the
// same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	r.tools[t.Name] = t
	r.mu.Unlock()
}

// Get returns a tool by exact name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
