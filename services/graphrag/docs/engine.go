// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package docs ingests markdown documentation into DOCUMENT and SECTION
// nodes and answers section-level searches. Sections chain via
// NEXT_SECTION, anchor to their DOCUMENT via SECTION_OF, and link to the
// source files they mention via DOC_DESCRIBES.
package docs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tmc/langchaingo/textsplitter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lexigraph/lxrag/services/graphrag/llm"
	"github.com/lexigraph/lxrag/services/graphrag/memgraph"
	"github.com/lexigraph/lxrag/services/graphrag/qdrant"
	"github.com/lexigraph/lxrag/services/graphrag/scip"
)

var tracer = otel.Tracer("graphrag.docs")

// Sections longer than this are split into overlapping chunks before
// embedding; the graph keeps one SECTION node either way.
const (
	sectionChunkSize    = 2000
	sectionChunkOverlap = 200
)

// ErrNoDocuments indicates an ingest call where every input failed.
var ErrNoDocuments = errors.New("no documents ingested")

// sourcePathPattern finds source file mentions inside documentation text.
var sourcePathPattern = regexp.MustCompile(`[\w./-]+\.(?:ts|tsx|js|jsx|go|py)\b`)

// Collection names the per-project vector collection for doc sections.
func Collection(projectID string) string {
	return "docs_" + projectID
}

// Section is one parsed markdown section.
type Section struct {
	ID        string `json:"id"`
	Heading   string `json:"heading"`
	RelPath   string `json:"relativePath"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
	Content   string `json:"-"`
}

// Document is one ingested markdown file.
type Document struct {
	ID       string    `json:"id"`
	RelPath  string    `json:"relativePath"`
	Title    string    `json:"title"`
	Sections []Section `json:"sections,omitempty"`
}

// IngestResult summarizes one index_docs call.
type IngestResult struct {
	Documents []Document `json:"documents"`
	Failed    []string   `json:"failed,omitempty"`
}

// SearchHit is one section search result.
type SearchHit struct {
	SectionID string  `json:"sectionId"`
	Heading   string  `json:"heading"`
	RelPath   string  `json:"relativePath"`
	StartLine int     `json:"startLine,omitempty"`
	Snippet   string  `json:"snippet,omitempty"`
	Score     float64 `json:"score"`
}

// Options configures the Engine.
type Options struct {
	Executor memgraph.Executor
	Vectors  qdrant.Store
	Embedder llm.Embedder
	Logger   *slog.Logger

	Now func() time.Time
}

// Engine implements document ingest and search.
type Engine struct {
	opts     Options
	splitter textsplitter.TextSplitter
}

// NewEngine creates a docs engine.
func NewEngine(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With(slog.String("component", "docs_engine"))
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		opts: opts,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(sectionChunkSize),
			textsplitter.WithChunkOverlap(sectionChunkOverlap),
			textsplitter.WithSeparators([]string{"\n\n", "\n", " "}),
		),
	}
}

// Ingest parses the given markdown files into DOCUMENT and SECTION nodes
// and indexes section embeddings. Individual file failures are collected;
// the call errors only when nothing was ingested.
func (e *Engine) Ingest(ctx context.Context, projectID, workspaceRoot string, paths []string) (*IngestResult, error) {
	ctx, span := tracer.Start(ctx, "docs.Ingest", trace.WithAttributes(
		attribute.String("project_id", projectID),
		attribute.Int("files", len(paths))))
	defer span.End()

	result := &IngestResult{}
	for _, path := range paths {
		doc, err := e.ingestFile(ctx, projectID, workspaceRoot, path)
		if err != nil {
			e.opts.Logger.Warn("doc ingest failed",
				slog.String("file", path), slog.String("error", err.Error()))
			result.Failed = append(result.Failed, path)
			continue
		}
		result.Documents = append(result.Documents, *doc)
	}
	if len(result.Documents) == 0 && len(result.Failed) > 0 {
		return result, fmt.Errorf("%w: %d file(s) failed", ErrNoDocuments, len(result.Failed))
	}
	return result, nil
}

func (e *Engine) ingestFile(ctx context.Context, projectID, workspaceRoot, path string) (*Document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	relPath, err := filepath.Rel(workspaceRoot, path)
	if err != nil {
		relPath = path
	}
	relPath = filepath.ToSlash(relPath)

	title, sections := parseMarkdown(projectID, relPath, string(content))
	doc := &Document{
		ID:       scip.DocumentID(projectID, relPath),
		RelPath:  relPath,
		Title:    title,
		Sections: sections,
	}
	ts := e.opts.Now().UnixMilli()

	if _, err := e.opts.Executor.ExecuteCypher(ctx, `
MERGE (d:DOCUMENT {id: $id})
SET d.relativePath = $relPath, d.kind = 'markdown', d.title = $title,
    d.projectId = $projectId, d.validFrom = coalesce(d.validFrom, $ts),
    d.validTo = NULL, d.updatedAt = $ts`,
		map[string]any{
			"id": doc.ID, "relPath": relPath, "title": title,
			"projectId": projectID, "ts": ts,
		}); err != nil {
		return nil, fmt.Errorf("write DOCUMENT %s: %w", relPath, err)
	}

	// Stale sections of a re-ingested document are retired before the new
	// chain is written.
	if _, err := e.opts.Executor.ExecuteCypher(ctx, `
MATCH (s:SECTION {relativePath: $relPath, projectId: $projectId})
DETACH DELETE s`,
		map[string]any{"relPath": relPath, "projectId": projectID}); err != nil {
		return nil, fmt.Errorf("clear sections %s: %w", relPath, err)
	}

	var prevID string
	for _, sec := range sections {
		if _, err := e.opts.Executor.ExecuteCypher(ctx, `
CREATE (s:SECTION {
  id: $id, heading: $heading, relativePath: $relPath,
  startLine: $startLine, endLine: $endLine, projectId: $projectId
})
WITH s
MATCH (d:DOCUMENT {id: $docId})
CREATE (s)-[:SECTION_OF]->(d)`,
			map[string]any{
				"id": sec.ID, "heading": sec.Heading, "relPath": relPath,
				"startLine": sec.StartLine, "endLine": sec.EndLine,
				"projectId": projectID, "docId": doc.ID,
			}); err != nil {
			return nil, fmt.Errorf("write SECTION %q: %w", sec.Heading, err)
		}
		if prevID != "" {
			if _, err := e.opts.Executor.ExecuteCypher(ctx, `
MATCH (a:SECTION {id: $prev})
MATCH (b:SECTION {id: $next})
CREATE (a)-[:NEXT_SECTION]->(b)`,
				map[string]any{"prev": prevID, "next": sec.ID}); err != nil {
				return nil, fmt.Errorf("chain NEXT_SECTION: %w", err)
			}
		}
		prevID = sec.ID
	}

	for _, mentioned := range mentionedPaths(string(content)) {
		if _, err := e.opts.Executor.ExecuteCypher(ctx, `
MATCH (d:DOCUMENT {id: $docId})
MATCH (f:FILE {projectId: $projectId})
WHERE f.validTo IS NULL AND f.relativePath ENDS WITH $mention
MERGE (d)-[:DOC_DESCRIBES]->(f)`,
			map[string]any{"docId": doc.ID, "projectId": projectID, "mention": mentioned}); err != nil {
			return nil, fmt.Errorf("link DOC_DESCRIBES: %w", err)
		}
	}

	if err := e.indexSections(ctx, projectID, sections); err != nil {
		e.opts.Logger.Warn("section embedding failed",
			slog.String("file", relPath), slog.String("error", err.Error()))
	}
	return doc, nil
}

func (e *Engine) indexSections(ctx context.Context, projectID string, sections []Section) error {
	if len(sections) == 0 {
		return nil
	}
	collection := Collection(projectID)
	if err := e.opts.Vectors.EnsureCollection(ctx, collection, e.opts.Embedder.Dim()); err != nil {
		return err
	}

	var points []qdrant.Point
	for _, sec := range sections {
		chunks := []string{sec.Content}
		if len(sec.Content) > sectionChunkSize {
			split, err := e.splitter.SplitText(sec.Content)
			if err == nil && len(split) > 0 {
				chunks = split
			}
		}
		for i, chunk := range chunks {
			vec, err := e.opts.Embedder.Embed(ctx, chunk)
			if err != nil {
				return err
			}
			points = append(points, qdrant.Point{
				ID:     fmt.Sprintf("%s#%d", sec.ID, i),
				Vector: vec,
				Payload: map[string]any{
					"projectId": projectID,
					"sectionId": sec.ID,
					"heading":   sec.Heading,
					"relPath":   sec.RelPath,
					"startLine": sec.StartLine,
					"snippet":   snippet(chunk),
				},
			})
		}
	}
	return e.opts.Vectors.Upsert(ctx, collection, points)
}

// Search ranks doc sections against the query by embedding similarity.
func (e *Engine) Search(ctx context.Context, projectID, query string, limit int) ([]SearchHit, error) {
	ctx, span := tracer.Start(ctx, "docs.Search")
	defer span.End()

	if limit <= 0 {
		limit = 5
	}
	vec, err := e.opts.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed docs query: %w", err)
	}
	filter := map[string]any{"must": []map[string]any{
		{"key": "projectId", "match": map[string]any{"value": projectID}},
	}}
	hits, err := e.opts.Vectors.Search(ctx, Collection(projectID), vec, limit*3, filter)
	if err != nil {
		return nil, fmt.Errorf("docs vector search: %w", err)
	}

	// Chunked sections can produce several hits; keep the best per section.
	best := make(map[string]SearchHit)
	var order []string
	for _, h := range hits {
		sectionID, _ := h.Payload["sectionId"].(string)
		if sectionID == "" {
			continue
		}
		if prev, ok := best[sectionID]; ok && prev.Score >= h.Score {
			continue
		} else if !ok {
			order = append(order, sectionID)
		}
		hit := SearchHit{SectionID: sectionID, Score: h.Score}
		hit.Heading, _ = h.Payload["heading"].(string)
		hit.RelPath, _ = h.Payload["relPath"].(string)
		hit.Snippet, _ = h.Payload["snippet"].(string)
		switch n := h.Payload["startLine"].(type) {
		case int:
			hit.StartLine = n
		case int64:
			hit.StartLine = int(n)
		case float64:
			hit.StartLine = int(n)
		}
		best[sectionID] = hit
	}

	out := make([]SearchHit, 0, len(order))
	for _, id := range order {
		out = append(out, best[id])
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Resolve answers ref_query: a "path#heading" reference resolves to its
// SECTION; a bare path resolves to the DOCUMENT and its section chain.
func (e *Engine) Resolve(ctx context.Context, projectID, ref string) (*Document, error) {
	relPath, heading, _ := strings.Cut(ref, "#")
	relPath = filepath.ToSlash(strings.TrimSpace(relPath))

	rows, err := e.opts.Executor.ExecuteCypher(ctx, `
MATCH (d:DOCUMENT {relativePath: $relPath, projectId: $projectId})
OPTIONAL MATCH (s:SECTION)-[:SECTION_OF]->(d)
WHERE $heading = '' OR toLower(s.heading) = toLower($heading)
RETURN d.id AS docId, d.title AS title,
       s.id AS sectionId, s.heading AS heading,
       s.startLine AS startLine, s.endLine AS endLine
ORDER BY s.startLine`,
		map[string]any{"relPath": relPath, "projectId": projectID, "heading": strings.TrimSpace(heading)})
	if err != nil {
		return nil, fmt.Errorf("resolve ref %q: %w", ref, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	doc := &Document{RelPath: relPath}
	doc.ID, _ = rows[0]["docId"].(string)
	doc.Title, _ = rows[0]["title"].(string)
	for _, row := range rows {
		sid, _ := row["sectionId"].(string)
		if sid == "" {
			continue
		}
		sec := Section{ID: sid, RelPath: relPath}
		sec.Heading, _ = row["heading"].(string)
		sec.StartLine = intOf(row["startLine"])
		sec.EndLine = intOf(row["endLine"])
		doc.Sections = append(doc.Sections, sec)
	}
	return doc, nil
}

// parseMarkdown splits content on ATX headings. Text before the first
// heading becomes an untitled preamble section; the first H1 is the title.
func parseMarkdown(projectID, relPath, content string) (string, []Section) {
	lines := strings.Split(content, "\n")

	title := filepath.Base(relPath)
	var sections []Section
	current := Section{Heading: "(preamble)", StartLine: 1}
	var body []string

	flush := func(endLine int) {
		text := strings.TrimSpace(strings.Join(body, "\n"))
		if text == "" && current.Heading == "(preamble)" {
			body = nil
			return
		}
		current.EndLine = endLine
		current.Content = text
		current.ID = scip.SectionID(projectID, relPath, current.Heading, current.StartLine)
		current.RelPath = relPath
		sections = append(sections, current)
		body = nil
	}

	for i, line := range lines {
		if heading, level, ok := atxHeading(line); ok {
			flush(i)
			if level == 1 && title == filepath.Base(relPath) {
				title = heading
			}
			current = Section{Heading: heading, StartLine: i + 1}
			continue
		}
		body = append(body, line)
	}
	flush(len(lines))
	return title, sections
}

func atxHeading(line string) (string, int, bool) {
	trimmed := strings.TrimSpace(line)
	level := 0
	for level < len(trimmed) && trimmed[level] == '#' {
		level++
	}
	if level == 0 || level > 6 || level == len(trimmed) || trimmed[level] != ' ' {
		return "", 0, false
	}
	return strings.TrimSpace(trimmed[level:]), level, true
}

func mentionedPaths(content string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range sourcePathPattern.FindAllString(content, -1) {
		m = strings.TrimPrefix(m, "./")
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

func snippet(text string) string {
	const max = 240
	text = strings.TrimSpace(text)
	if len(text) <= max {
		return text
	}
	return text[:max]
}

func intOf(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}
