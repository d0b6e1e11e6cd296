// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ast

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// Parser extracts symbols from one language.
//
// Implementations must be safe for concurrent use; the builder fans out
// parsing across files.
type Parser interface {
	// Parse extracts symbols, imports, and exports from content.
	Parse(ctx context.Context, content []byte, filePath string) (*ParseResult, error)

	// Language returns the canonical lowercase language name.
	Language() string

	// Extensions returns the handled extensions including the leading dot.
	Extensions() []string
}

// Registry selects a parser by file extension.
type Registry struct {
	mu      sync.RWMutex
	byExt   map[string]Parser
	parsers []Parser
}

// NewRegistry creates a registry with the default parsers registered
// (TypeScript, JavaScript, Go, Python).
func NewRegistry() *Registry {
	r := &Registry{byExt: make(map[string]Parser)}
	r.Register(NewTypeScriptParser())
	r.Register(NewJavaScriptParser())
	r.Register(NewGoParser())
	r.Register(NewPythonParser())
	return r
}

// Register adds a parser; later registrations win on extension conflicts.
func (r *Registry) Register(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers = append(r.parsers, p)
	for _, ext := range p.Extensions() {
		r.byExt[strings.ToLower(ext)] = p
	}
}

// ParserFor returns the parser handling the file, or ErrNoParser.
func (r *Registry) ParserFor(path string) (Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.byExt[ext]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoParser, path)
}

// Supported reports whether any parser handles the file.
func (r *Registry) Supported(path string) bool {
	_, err := r.ParserFor(path)
	return err == nil
}

// Languages lists the registered language names.
func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.parsers))
	for _, p := range r.parsers {
		out = append(out, p.Language())
	}
	return out
}
