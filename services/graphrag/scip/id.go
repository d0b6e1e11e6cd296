// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scip implements the stable node identifier scheme used across the
// graph. Identifiers are content-addressed by structural position
// (project, kind, path, symbol, line), not by hash, so a rename produces a
// new identifier and the old one is retired through temporal invalidation.
package scip

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Kind identifies the structural category of a node.
type Kind string

// Node kinds that participate in the identifier scheme.
const (
	KindFile     Kind = "file"
	KindFunction Kind = "function"
	KindClass    Kind = "class"
	KindImport   Kind = "import"
	KindDocument Kind = "document"
	KindSection  Kind = "section"
)

// ErrMalformedID indicates an identifier that does not follow the
// {projectId}:{kind}:{relPath}[:{symbol}[:{line}]] layout.
var ErrMalformedID = errors.New("malformed scip id")

// ID is a parsed identifier.
type ID struct {
	// ProjectID scopes the identifier to one project.
	ProjectID string

	// Kind is the node kind segment.
	Kind Kind

	// RelPath is the path relative to the workspace root, forward slashes.
	RelPath string

	// Symbol is the symbol name for function/class identifiers. Empty for files.
	Symbol string

	// StartLine is the 1-based declaration line for symbol identifiers.
	// Zero when absent.
	StartLine int
}

// String renders the identifier in canonical form.
func (id ID) String() string {
	var b strings.Builder
	b.WriteString(id.ProjectID)
	b.WriteByte(':')
	b.WriteString(string(id.Kind))
	b.WriteByte(':')
	b.WriteString(id.RelPath)
	if id.Symbol != "" {
		b.WriteByte(':')
		b.WriteString(id.Symbol)
		if id.StartLine > 0 {
			b.WriteByte(':')
			b.WriteString(strconv.Itoa(id.StartLine))
		}
	}
	return b.String()
}

// FileID builds the identifier for a file node.
func FileID(projectID, relPath string) string {
	return ID{ProjectID: projectID, Kind: KindFile, RelPath: normalize(relPath)}.String()
}

// SymbolID builds the identifier for a function or class node.
func SymbolID(projectID string, kind Kind, relPath, symbol string, startLine int) string {
	return ID{
		ProjectID: projectID,
		Kind:      kind,
		RelPath:   normalize(relPath),
		Symbol:    symbol,
		StartLine: startLine,
	}.String()
}

// DocumentID builds the identifier for a document node.
func DocumentID(projectID, relPath string) string {
	return ID{ProjectID: projectID, Kind: KindDocument, RelPath: normalize(relPath)}.String()
}

// SectionID builds the identifier for a section node. Sections are addressed
// by heading and start line inside their parent document.
func SectionID(projectID, relPath, heading string, startLine int) string {
	return ID{
		ProjectID: projectID,
		Kind:      KindSection,
		RelPath:   normalize(relPath),
		Symbol:    heading,
		StartLine: startLine,
	}.String()
}

// Parse splits a canonical identifier back into its segments.
//
// The path segment may itself contain colons on some platforms, so parsing
// is anchored on the first two separators and the optional trailing
// symbol/line segments.
func Parse(raw string) (ID, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 3 {
		return ID{}, fmt.Errorf("%w: %q", ErrMalformedID, raw)
	}

	id := ID{ProjectID: parts[0], Kind: Kind(parts[1])}
	rest := parts[2:]

	switch id.Kind {
	case KindFile, KindDocument, KindImport:
		id.RelPath = strings.Join(rest, ":")
	case KindFunction, KindClass, KindSection:
		// Trailing integer, if any, is the start line; the segment before it
		// is the symbol. Everything earlier belongs to the path.
		if len(rest) >= 2 {
			if line, err := strconv.Atoi(rest[len(rest)-1]); err == nil && len(rest) >= 3 {
				id.StartLine = line
				id.Symbol = rest[len(rest)-2]
				id.RelPath = strings.Join(rest[:len(rest)-2], ":")
			} else {
				id.Symbol = rest[len(rest)-1]
				id.RelPath = strings.Join(rest[:len(rest)-1], ":")
			}
		} else {
			id.RelPath = rest[0]
		}
	default:
		return ID{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedID, parts[1])
	}

	if id.ProjectID == "" || id.RelPath == "" {
		return ID{}, fmt.Errorf("%w: %q", ErrMalformedID, raw)
	}
	return id, nil
}

// IsSymbolKind reports whether the kind carries symbol and line segments.
func IsSymbolKind(k Kind) bool {
	return k == KindFunction || k == KindClass || k == KindSection
}

func normalize(relPath string) string {
	return filepath.ToSlash(strings.TrimPrefix(relPath, "./"))
}
