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
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// ecmaParser extracts symbols from TypeScript and JavaScript sources.
// The two grammars share node type names for everything this service
// models, so a single extractor is parameterized by grammar.
type ecmaParser struct {
	language   string
	extensions []string
	grammar    *sitter.Language
}

// NewTypeScriptParser creates the TypeScript/TSX parser.
func NewTypeScriptParser() Parser {
	return &ecmaParser{
		language:   "typescript",
		extensions: []string{".ts", ".tsx", ".mts", ".cts"},
		grammar:    typescript.GetLanguage(),
	}
}

// NewJavaScriptParser creates the JavaScript/JSX parser.
func NewJavaScriptParser() Parser {
	return &ecmaParser{
		language:   "javascript",
		extensions: []string{".js", ".jsx", ".mjs", ".cjs"},
		grammar:    javascript.GetLanguage(),
	}
}

func (p *ecmaParser) Language() string     { return p.language }
func (p *ecmaParser) Extensions() []string { return p.extensions }

// Parse walks the top-level statements, recording function and class
// declarations (including export-wrapped and arrow-function bindings),
// import sources, and exported names.
func (p *ecmaParser) Parse(ctx context.Context, content []byte, filePath string) (*ParseResult, error) {
	if !utf8.Valid(content) {
		return nil, fmt.Errorf("parse %s: content is not valid UTF-8", filePath)
	}

	parser := sitter.NewParser()
	parser.SetLanguage(p.grammar)
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filePath, err)
	}
	defer tree.Close()

	result := &ParseResult{Language: p.language}
	root := tree.RootNode()
	if root.HasError() {
		result.Errors = append(result.Errors, "source contains syntax errors")
	}

	for i := 0; i < int(root.NamedChildCount()); i++ {
		p.extractStatement(root.NamedChild(i), content, false, result)
	}
	return result, nil
}

func (p *ecmaParser) extractStatement(node *sitter.Node, content []byte, exported bool, result *ParseResult) {
	switch node.Type() {
	case "export_statement":
		for i := 0; i < int(node.NamedChildCount()); i++ {
			p.extractStatement(node.NamedChild(i), content, true, result)
		}

	case "function_declaration", "generator_function_declaration":
		p.addSymbol(node, content, SymbolKindFunction, exported, result)

	case "class_declaration", "abstract_class_declaration":
		p.addSymbol(node, content, SymbolKindClass, exported, result)

	case "lexical_declaration", "variable_declaration":
		// const f = () => {} / const f = function() {}
		for i := 0; i < int(node.NamedChildCount()); i++ {
			decl := node.NamedChild(i)
			if decl.Type() != "variable_declarator" {
				continue
			}
			value := decl.ChildByFieldName("value")
			if value == nil {
				continue
			}
			switch value.Type() {
			case "arrow_function", "function_expression", "function":
				name := decl.ChildByFieldName("name")
				if name == nil {
					continue
				}
				result.Symbols = append(result.Symbols, ParsedSymbol{
					Name:      name.Content(content),
					Kind:      SymbolKindFunction,
					StartLine: int(node.StartPoint().Row) + 1,
					EndLine:   int(node.EndPoint().Row) + 1,
					Exported:  exported,
					Doc:       leadingComment(node, content),
				})
				if exported {
					result.Exports = append(result.Exports, name.Content(content))
				}
			}
		}

	case "import_statement":
		if src := node.ChildByFieldName("source"); src != nil {
			result.Imports = append(result.Imports, ParsedImport{
				Source: strings.Trim(src.Content(content), `"'`),
				Line:   int(node.StartPoint().Row) + 1,
			})
		}
	}
}

func (p *ecmaParser) addSymbol(node *sitter.Node, content []byte, kind SymbolKind, exported bool, result *ParseResult) {
	name := node.ChildByFieldName("name")
	if name == nil {
		return
	}
	result.Symbols = append(result.Symbols, ParsedSymbol{
		Name:      name.Content(content),
		Kind:      kind,
		StartLine: int(node.StartPoint().Row) + 1,
		EndLine:   int(node.EndPoint().Row) + 1,
		Exported:  exported,
		Doc:       leadingComment(node, content),
	})
	if exported {
		result.Exports = append(result.Exports, name.Content(content))
	}
}

// leadingComment returns the comment block immediately preceding node.
// For export-wrapped declarations the comment sits before the export
// statement, so the caller passes the outermost node.
func leadingComment(node *sitter.Node, content []byte) string {
	target := node
	if parent := node.Parent(); parent != nil && parent.Type() == "export_statement" {
		target = parent
	}
	prev := target.PrevNamedSibling()
	if prev == nil || prev.Type() != "comment" {
		return ""
	}
	return cleanComment(prev.Content(content))
}

// cleanComment strips comment markers, keeping the text.
func cleanComment(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "/**")
	raw = strings.TrimPrefix(raw, "/*")
	raw = strings.TrimSuffix(raw, "*/")
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "*")
		line = strings.TrimPrefix(line, "//")
		line = strings.TrimPrefix(line, "#")
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, " ")
}
