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
	"github.com/smacker/go-tree-sitter/python"
)

type pythonParser struct{}

// NewPythonParser creates the Python parser. Docstrings become the Doc
// field; names without a leading underscore count as exported.
func NewPythonParser() Parser {
	return &pythonParser{}
}

func (p *pythonParser) Language() string     { return "python" }
func (p *pythonParser) Extensions() []string { return []string{".py", ".pyi"} }

func (p *pythonParser) Parse(ctx context.Context, content []byte, filePath string) (*ParseResult, error) {
	if !utf8.Valid(content) {
		return nil, fmt.Errorf("parse %s: content is not valid UTF-8", filePath)
	}

	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filePath, err)
	}
	defer tree.Close()

	result := &ParseResult{Language: "python"}
	root := tree.RootNode()
	if root.HasError() {
		result.Errors = append(result.Errors, "source contains syntax errors")
	}

	for i := 0; i < int(root.NamedChildCount()); i++ {
		node := root.NamedChild(i)
		switch node.Type() {
		case "function_definition":
			p.addSymbol(node, content, SymbolKindFunction, result)
		case "class_definition":
			p.addSymbol(node, content, SymbolKindClass, result)
		case "decorated_definition":
			if def := node.ChildByFieldName("definition"); def != nil {
				kind := SymbolKindFunction
				if def.Type() == "class_definition" {
					kind = SymbolKindClass
				}
				p.addSymbol(def, content, kind, result)
			}
		case "import_statement", "import_from_statement":
			p.extractImport(node, content, result)
		}
	}
	return result, nil
}

func (p *pythonParser) addSymbol(node *sitter.Node, content []byte, kind SymbolKind, result *ParseResult) {
	name := node.ChildByFieldName("name")
	if name == nil {
		return
	}
	symbol := name.Content(content)
	exported := !strings.HasPrefix(symbol, "_")
	result.Symbols = append(result.Symbols, ParsedSymbol{
		Name:      symbol,
		Kind:      kind,
		StartLine: int(node.StartPoint().Row) + 1,
		EndLine:   int(node.EndPoint().Row) + 1,
		Exported:  exported,
		Doc:       docstring(node, content),
	})
	if exported {
		result.Exports = append(result.Exports, symbol)
	}
}

// extractImport records the module path: `import a.b` -> "a.b",
// `from a.b import c` -> "a.b".
func (p *pythonParser) extractImport(node *sitter.Node, content []byte, result *ParseResult) {
	if node.Type() == "import_from_statement" {
		if mod := node.ChildByFieldName("module_name"); mod != nil {
			result.Imports = append(result.Imports, ParsedImport{
				Source: mod.Content(content),
				Line:   int(node.StartPoint().Row) + 1,
			})
		}
		return
	}
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		switch child.Type() {
		case "dotted_name":
			result.Imports = append(result.Imports, ParsedImport{
				Source: child.Content(content),
				Line:   int(node.StartPoint().Row) + 1,
			})
		case "aliased_import":
			if name := child.ChildByFieldName("name"); name != nil {
				result.Imports = append(result.Imports, ParsedImport{
					Source: name.Content(content),
					Line:   int(node.StartPoint().Row) + 1,
				})
			}
		}
	}
}

// docstring returns the string literal opening the definition body.
func docstring(node *sitter.Node, content []byte) string {
	body := node.ChildByFieldName("body")
	if body == nil || body.NamedChildCount() == 0 {
		return ""
	}
	first := body.NamedChild(0)
	if first.Type() != "expression_statement" || first.NamedChildCount() == 0 {
		return ""
	}
	str := first.NamedChild(0)
	if str.Type() != "string" {
		return ""
	}
	text := str.Content(content)
	text = strings.Trim(text, `"'`)
	return strings.TrimSpace(strings.Join(strings.Fields(text), " "))
}
