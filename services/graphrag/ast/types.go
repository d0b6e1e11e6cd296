// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ast parses source files into the language-independent symbol
// records the graph builder consumes. Parsers are tree-sitter based and
// error-tolerant: syntactically broken files yield partial results with
// the problems reported in ParseResult.Errors.
package ast

import "errors"

// SymbolKind classifies an extracted symbol.
type SymbolKind string

// Symbol kinds the graph models as nodes.
const (
	SymbolKindFunction SymbolKind = "function"
	SymbolKindClass    SymbolKind = "class"
)

// ErrNoParser indicates no registered parser handles the file extension.
var ErrNoParser = errors.New("no parser for file")

// ParsedSymbol is one function or class extracted from a source file.
type ParsedSymbol struct {
	// Name is the declared symbol name.
	Name string

	// Kind is function or class.
	Kind SymbolKind

	// StartLine and EndLine are 1-based, inclusive.
	StartLine int
	EndLine   int

	// Exported reports whether the symbol is visible outside the file.
	Exported bool

	// Doc is the leading documentation block, if any.
	Doc string
}

// ParsedImport is one import statement.
type ParsedImport struct {
	// Source is the module string exactly as written.
	Source string

	// Line is the 1-based line of the statement.
	Line int
}

// ParseResult is the common output of every parser.
type ParseResult struct {
	// Language is the canonical lowercase language name.
	Language string

	// Symbols are the extracted functions and classes, in source order.
	Symbols []ParsedSymbol

	// Imports are the module imports, in source order.
	Imports []ParsedImport

	// Exports are the names exported by the file.
	Exports []string

	// Errors reports partial-parse problems; the result is still usable.
	Errors []string
}
