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
	"strings"
	"unicode"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
)

type goParser struct{}

// NewGoParser creates the Go parser. Functions and methods map to the
// function kind; struct and interface types map to the class kind.
func NewGoParser() Parser {
	return &goParser{}
}

func (p *goParser) Language() string     { return "go" }
func (p *goParser) Extensions() []string { return []string{".go"} }

func (p *goParser) Parse(ctx context.Context, content []byte, filePath string) (*ParseResult, error) {
	if !utf8.Valid(content) {
		return nil, fmt.Errorf("parse %s: content is not valid UTF-8", filePath)
	}

	parser := sitter.NewParser()
	parser.SetLanguage(golang.GetLanguage())
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filePath, err)
	}
	defer tree.Close()

	result := &ParseResult{Language: "go"}
	root := tree.RootNode()
	if root.HasError() {
		result.Errors = append(result.Errors, "source contains syntax errors")
	}

	for i := 0; i < int(root.NamedChildCount()); i++ {
		node := root.NamedChild(i)
		switch node.Type() {
		case "function_declaration", "method_declaration":
			p.addSymbol(node, content, SymbolKindFunction, result)
		case "type_declaration":
			for j := 0; j < int(node.NamedChildCount()); j++ {
				spec := node.NamedChild(j)
				if spec.Type() != "type_spec" {
					continue
				}
				typ := spec.ChildByFieldName("type")
				if typ == nil {
					continue
				}
				if typ.Type() == "struct_type" || typ.Type() == "interface_type" {
					p.addTypeSymbol(node, spec, content, result)
				}
			}
		case "import_declaration":
			p.extractImports(node, content, result)
		}
	}
	return result, nil
}

func (p *goParser) addSymbol(node *sitter.Node, content []byte, kind SymbolKind, result *ParseResult) {
	name := node.ChildByFieldName("name")
	if name == nil {
		return
	}
	symbol := name.Content(content)
	exported := isGoExported(symbol)
	result.Symbols = append(result.Symbols, ParsedSymbol{
		Name:      symbol,
		Kind:      kind,
		StartLine: int(node.StartPoint().Row) + 1,
		EndLine:   int(node.EndPoint().Row) + 1,
		Exported:  exported,
		Doc:       goLeadingComment(node, content),
	})
	if exported {
		result.Exports = append(result.Exports, symbol)
	}
}

// addTypeSymbol records a struct or interface. The declaration node spans
// the whole `type (...)` block for grouped declarations, so line positions
// come from the spec while the doc comment comes from the declaration.
func (p *goParser) addTypeSymbol(decl, spec *sitter.Node, content []byte, result *ParseResult) {
	name := spec.ChildByFieldName("name")
	if name == nil {
		return
	}
	symbol := name.Content(content)
	exported := isGoExported(symbol)
	result.Symbols = append(result.Symbols, ParsedSymbol{
		Name:      symbol,
		Kind:      SymbolKindClass,
		StartLine: int(spec.StartPoint().Row) + 1,
		EndLine:   int(spec.EndPoint().Row) + 1,
		Exported:  exported,
		Doc:       goLeadingComment(decl, content),
	})
	if exported {
		result.Exports = append(result.Exports, symbol)
	}
}

func (p *goParser) extractImports(node *sitter.Node, content []byte, result *ParseResult) {
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n.Type() == "import_spec" {
			if path := n.ChildByFieldName("path"); path != nil {
				result.Imports = append(result.Imports, ParsedImport{
					Source: strings.Trim(path.Content(content), `"`),
					Line:   int(n.StartPoint().Row) + 1,
				})
			}
			return
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(node)
}

func goLeadingComment(node *sitter.Node, content []byte) string {
	// Go doc comments may span several consecutive // lines.
	var lines []string
	prev := node.PrevNamedSibling()
	for prev != nil && prev.Type() == "comment" {
		lines = append([]string{prev.Content(content)}, lines...)
		prev = prev.PrevNamedSibling()
	}
	if len(lines) == 0 {
		return ""
	}
	return cleanComment(strings.Join(lines, "\n"))
}

func isGoExported(name string) bool {
	r, _ := utf8.DecodeRuneInString(name)
	return unicode.IsUpper(r)
}
