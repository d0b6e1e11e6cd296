// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package docs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexigraph/lxrag/services/graphrag/llm"
	"github.com/lexigraph/lxrag/services/graphrag/memgraph"
	"github.com/lexigraph/lxrag/services/graphrag/memgraph/memtest"
	"github.com/lexigraph/lxrag/services/graphrag/qdrant/vectest"
)

const guideMarkdown = `# Auth Guide

Introduction to the auth flow.

## Token Validation

Tokens are validated in src/auth.ts before any handler runs.

## Session Store

Sessions live in the session manager.
`

func newTestEngine(t *testing.T) (*Engine, *memtest.Fake, *vectest.Fake) {
	t.Helper()
	exec := memtest.New()
	vec := vectest.New()
	e := NewEngine(Options{
		Executor: exec,
		Vectors:  vec,
		Embedder: llm.NewHashEmbedder(64),
		Now:      func() time.Time { return time.UnixMilli(1700000000000) },
	})
	return e, exec, vec
}

func writeDoc(t *testing.T, content string) (root, path string) {
	t.Helper()
	root = t.TempDir()
	path = filepath.Join(root, "docs", "guide.md")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return root, path
}

func TestIngestCreatesDocumentAndSectionChain(t *testing.T) {
	e, exec, vec := newTestEngine(t)
	root, path := writeDoc(t, guideMarkdown)

	res, err := e.Ingest(context.Background(), "proj", root, []string{path})
	require.NoError(t, err)
	require.Len(t, res.Documents, 1)

	doc := res.Documents[0]
	assert.Equal(t, "proj:document:docs/guide.md", doc.ID)
	assert.Equal(t, "Auth Guide", doc.Title)
	require.Len(t, doc.Sections, 3) // H1 intro + two H2s
	assert.Equal(t, "Auth Guide", doc.Sections[0].Heading)
	assert.Equal(t, "Token Validation", doc.Sections[1].Heading)
	for _, sec := range doc.Sections {
		assert.Equal(t, "docs/guide.md", sec.RelPath)
		assert.Positive(t, sec.StartLine)
	}

	assert.Len(t, exec.CallsContaining("MERGE (d:DOCUMENT"), 1)
	assert.Len(t, exec.CallsContaining("CREATE (s:SECTION"), 3)
	assert.Len(t, exec.CallsContaining("NEXT_SECTION"), 2)

	describes := exec.CallsContaining("DOC_DESCRIBES")
	require.Len(t, describes, 1)
	assert.Equal(t, "src/auth.ts", describes[0].Params["mention"])

	n, err := vec.Count(context.Background(), Collection("proj"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestIngestAllFailuresIsError(t *testing.T) {
	e, _, _ := newTestEngine(t)

	res, err := e.Ingest(context.Background(), "proj", "/tmp", []string{"/does/not/exist.md"})
	require.ErrorIs(t, err, ErrNoDocuments)
	assert.Len(t, res.Failed, 1)
}

func TestIngestPartialFailureSucceeds(t *testing.T) {
	e, _, _ := newTestEngine(t)
	root, path := writeDoc(t, guideMarkdown)

	res, err := e.Ingest(context.Background(), "proj", root, []string{path, "/does/not/exist.md"})
	require.NoError(t, err)
	assert.Len(t, res.Documents, 1)
	assert.Len(t, res.Failed, 1)
}

func TestSearchFindsRelevantSection(t *testing.T) {
	e, _, _ := newTestEngine(t)
	root, path := writeDoc(t, guideMarkdown)
	_, err := e.Ingest(context.Background(), "proj", root, []string{path})
	require.NoError(t, err)

	hits, err := e.Search(context.Background(), "proj", "Tokens are validated in src/auth.ts before any handler runs.", 2)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "Token Validation", hits[0].Heading)
	assert.Equal(t, "docs/guide.md", hits[0].RelPath)
	assert.NotEmpty(t, hits[0].Snippet)
}

func TestResolveRefWithHeading(t *testing.T) {
	e, exec, _ := newTestEngine(t)
	exec.RespondRows("MATCH (d:DOCUMENT {relativePath", []memgraph.Row{{
		"docId": "proj:document:docs/guide.md", "title": "Auth Guide",
		"sectionId": "proj:section:docs/guide.md:Token Validation:5",
		"heading":   "Token Validation", "startLine": int64(5), "endLine": int64(8),
	}})

	doc, err := e.Resolve(context.Background(), "proj", "docs/guide.md#Token Validation")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "Auth Guide", doc.Title)
	require.Len(t, doc.Sections, 1)
	assert.Equal(t, "Token Validation", doc.Sections[0].Heading)
	assert.Equal(t, 5, doc.Sections[0].StartLine)
}

func TestResolveUnknownDocument(t *testing.T) {
	e, _, _ := newTestEngine(t)

	doc, err := e.Resolve(context.Background(), "proj", "docs/missing.md")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestParseMarkdownPreamble(t *testing.T) {
	title, sections := parseMarkdown("proj", "README.md", "intro text\n\n# Title\n\nbody\n")
	assert.Equal(t, "Title", title)
	require.Len(t, sections, 2)
	assert.Equal(t, "(preamble)", sections[0].Heading)
	assert.Equal(t, 1, sections[0].StartLine)
	assert.Equal(t, "Title", sections[1].Heading)
}
