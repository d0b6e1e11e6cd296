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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrySelection(t *testing.T) {
	r := NewRegistry()

	for path, lang := range map[string]string{
		"src/a.ts":     "typescript",
		"src/a.tsx":    "typescript",
		"src/b.js":     "javascript",
		"pkg/main.go":  "go",
		"lib/tool.py":  "python",
		"lib/tool.pyi": "python",
	} {
		p, err := r.ParserFor(path)
		require.NoError(t, err, path)
		assert.Equal(t, lang, p.Language(), path)
	}

	_, err := r.ParserFor("README.md")
	assert.ErrorIs(t, err, ErrNoParser)
	assert.False(t, r.Supported("image.png"))
}

func TestTypeScriptParse(t *testing.T) {
	src := []byte(`import { thing } from './util'
import axios from 'axios'

/** Greets the caller. */
export function hello(name: string): string {
  return 'hi ' + name
}

const helper = (x: number) => x * 2

export class Widget {
  render(): void {}
}
`)
	p := NewTypeScriptParser()
	result, err := p.Parse(context.Background(), src, "src/a.ts")
	require.NoError(t, err)

	require.Len(t, result.Symbols, 3)
	assert.Equal(t, "hello", result.Symbols[0].Name)
	assert.Equal(t, SymbolKindFunction, result.Symbols[0].Kind)
	assert.True(t, result.Symbols[0].Exported)
	assert.Equal(t, "Greets the caller.", result.Symbols[0].Doc)
	assert.Equal(t, 5, result.Symbols[0].StartLine)

	assert.Equal(t, "helper", result.Symbols[1].Name)
	assert.False(t, result.Symbols[1].Exported)

	assert.Equal(t, "Widget", result.Symbols[2].Name)
	assert.Equal(t, SymbolKindClass, result.Symbols[2].Kind)

	require.Len(t, result.Imports, 2)
	assert.Equal(t, "./util", result.Imports[0].Source)
	assert.Equal(t, "axios", result.Imports[1].Source)

	assert.Equal(t, []string{"hello", "Widget"}, result.Exports)
}

func TestGoParse(t *testing.T) {
	src := []byte(`package demo

import (
	"fmt"
	"strings"
)

// Hello greets.
func Hello(name string) string {
	return fmt.Sprintf("hi %s", strings.TrimSpace(name))
}

func internal() {}

// Widget is a thing.
type Widget struct {
	Name string
}
`)
	p := NewGoParser()
	result, err := p.Parse(context.Background(), src, "pkg/demo.go")
	require.NoError(t, err)

	require.Len(t, result.Symbols, 3)
	assert.Equal(t, "Hello", result.Symbols[0].Name)
	assert.True(t, result.Symbols[0].Exported)
	assert.Equal(t, "Hello greets.", result.Symbols[0].Doc)
	assert.False(t, result.Symbols[1].Exported)
	assert.Equal(t, SymbolKindClass, result.Symbols[2].Kind)

	require.Len(t, result.Imports, 2)
	assert.Equal(t, "fmt", result.Imports[0].Source)
	assert.Equal(t, []string{"Hello", "Widget"}, result.Exports)
}

func TestPythonParse(t *testing.T) {
	src := []byte(`import os.path
from collections import OrderedDict

def greet(name):
    """Say hello."""
    return "hi " + name

def _private():
    pass

class Widget:
    """A widget."""
    pass
`)
	p := NewPythonParser()
	result, err := p.Parse(context.Background(), src, "lib/demo.py")
	require.NoError(t, err)

	require.Len(t, result.Symbols, 3)
	assert.Equal(t, "greet", result.Symbols[0].Name)
	assert.Equal(t, "Say hello.", result.Symbols[0].Doc)
	assert.False(t, result.Symbols[1].Exported)
	assert.Equal(t, SymbolKindClass, result.Symbols[2].Kind)

	require.Len(t, result.Imports, 2)
	assert.Equal(t, "os.path", result.Imports[0].Source)
	assert.Equal(t, "collections", result.Imports[1].Source)
}

func TestParseBrokenSourceIsPartial(t *testing.T) {
	src := []byte("export function ok() { return 1 }\nfunction broken( {{{\n")
	p := NewTypeScriptParser()
	result, err := p.Parse(context.Background(), src, "src/broken.ts")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Errors)
	// The well-formed symbol is still extracted.
	require.NotEmpty(t, result.Symbols)
	assert.Equal(t, "ok", result.Symbols[0].Name)
}
