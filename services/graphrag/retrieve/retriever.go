// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieve implements hybrid retrieval over the code graph: a
// vector ranker, a BM25+ lexical ranker, and one-hop graph expansion,
// fused with reciprocal rank fusion.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lexigraph/lxrag/services/graphrag/graphindex"
	"github.com/lexigraph/lxrag/services/graphrag/llm"
	"github.com/lexigraph/lxrag/services/graphrag/memgraph"
	"github.com/lexigraph/lxrag/services/graphrag/qdrant"
)

var tracer = otel.Tracer("graphrag.retrieve")

// Mode selects which result sections a search produces.
type Mode string

// Search modes. Local ranks individual symbols, global routes through
// community summaries, hybrid returns both sections.
const (
	ModeLocal  Mode = "local"
	ModeGlobal Mode = "global"
	ModeHybrid Mode = "hybrid"
)

// ErrInvalidMode indicates an unrecognized search mode.
var ErrInvalidMode = errors.New("invalid search mode")

// candidateLimit bounds each ranker's list before fusion.
const candidateLimit = 50

// Query is one retrieval request.
type Query struct {
	ProjectID string
	Text      string
	Mode      Mode
	Limit     int

	// AsOf, when non-zero, scopes ranking to node versions valid at that
	// epoch-millisecond instant.
	AsOf int64
}

// Result is one retrieved node.
type Result struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Kind      string             `json:"kind"`
	Path      string             `json:"path,omitempty"`
	Summary   string             `json:"summary,omitempty"`
	StartLine int                `json:"startLine,omitempty"`
	EndLine   int                `json:"endLine,omitempty"`
	Score     float64            `json:"score"`
	Signals   map[string]float64 `json:"signals,omitempty"`
}

// Response groups results by section.
type Response struct {
	Symbols     []Result `json:"symbols,omitempty"`
	Communities []Result `json:"communities,omitempty"`

	// VectorSkipped is true when the vector ranker did not run because the
	// project's embeddings were stale or unavailable.
	VectorSkipped bool `json:"-"`
}

// Options configures a Retriever.
type Options struct {
	Index    *graphindex.Index
	Vectors  qdrant.Store
	Embedder llm.Embedder
	Executor memgraph.Executor

	// EmbeddingsReady reports whether the vector collection is current for a
	// project. When false the vector ranker is skipped.
	EmbeddingsReady func(projectID string) bool

	Logger *slog.Logger
}

// Retriever answers natural-language queries against the graph.
//
// Thread safety: stateless apart from its read-only collaborators; safe for
// concurrent use.
type Retriever struct {
	opts Options
}

// New creates a Retriever.
func New(opts Options) *Retriever {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With(slog.String("component", "retriever"))
	return &Retriever{opts: opts}
}

// Search runs the query in the requested mode.
func (r *Retriever) Search(ctx context.Context, q Query) (*Response, error) {
	ctx, span := tracer.Start(ctx, "retrieve.Search", trace.WithAttributes(
		attribute.String("project_id", q.ProjectID),
		attribute.String("mode", string(q.Mode))))
	defer span.End()

	if q.Mode == "" {
		q.Mode = ModeHybrid
	}
	if q.Limit <= 0 {
		q.Limit = 10
	}

	resp := &Response{}
	switch q.Mode {
	case ModeLocal, ModeGlobal, ModeHybrid:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, q.Mode)
	}

	if q.Mode == ModeLocal || q.Mode == ModeHybrid {
		symbols, vectorSkipped, err := r.searchSymbols(ctx, q)
		if err != nil {
			return nil, err
		}
		resp.Symbols = symbols
		resp.VectorSkipped = vectorSkipped
	}
	if q.Mode == ModeGlobal || q.Mode == ModeHybrid {
		resp.Communities = r.searchCommunities(q)
	}
	return resp, nil
}

// searchSymbols fuses the three rankers over FILE, FUNCTION, and CLASS
// nodes. asOf queries rank the store's historical versions lexically; the
// vector collection holds only current versions.
func (r *Retriever) searchSymbols(ctx context.Context, q Query) ([]Result, bool, error) {
	if q.AsOf > 0 {
		results, err := r.searchAsOf(ctx, q)
		return results, true, err
	}

	nodes := r.opts.Index.Nodes(q.ProjectID, "FILE", "FUNCTION", "CLASS")
	candidates := make([]lexicalFields, len(nodes))
	for i, n := range nodes {
		candidates[i] = lexicalFields{ID: n.ID, Name: n.Name, Summary: n.Summary, Path: n.RelPath}
	}
	lexical := buildLexicalIndex(candidates).Rank(q.Text, candidateLimit)

	var (
		vector        []scored
		vectorSkipped bool
	)
	if r.opts.EmbeddingsReady == nil || r.opts.EmbeddingsReady(q.ProjectID) {
		var err error
		vector, err = r.vectorRank(ctx, q)
		if err != nil {
			r.opts.Logger.Warn("vector ranker unavailable, degrading to lexical",
				slog.String("project_id", q.ProjectID), slog.String("error", err.Error()))
			vectorSkipped = true
		}
	} else {
		vectorSkipped = true
	}

	graph := expand(r.opts.Index, q.ProjectID, lexical, vector)
	ranked := fuse(map[string][]scored{
		"lexical": lexical,
		"vector":  vector,
		"graph":   graph,
	})

	var out []Result
	for _, f := range ranked {
		if len(out) >= q.Limit {
			break
		}
		n, ok := r.opts.Index.Get(q.ProjectID, f.id)
		if !ok {
			continue
		}
		out = append(out, Result{
			ID: n.ID, Name: n.Name, Kind: n.Label, Path: n.RelPath,
			Summary: n.Summary, StartLine: n.StartLine, EndLine: n.EndLine,
			Score: f.score, Signals: f.signals,
		})
	}
	return out, vectorSkipped, nil
}

func (r *Retriever) vectorRank(ctx context.Context, q Query) ([]scored, error) {
	vec, err := r.opts.Embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, err
	}
	// Current versions only: retired points carry a validTo timestamp.
	filter := map[string]any{"must": []map[string]any{
		{"key": "projectId", "match": map[string]any{"value": q.ProjectID}},
		{"is_null": map[string]any{"key": "validTo"}},
	}}
	hits, err := r.opts.Vectors.Search(ctx, "code_"+q.ProjectID, vec, candidateLimit, filter)
	if err != nil {
		return nil, err
	}
	out := make([]scored, len(hits))
	for i, h := range hits {
		out[i] = scored{id: h.ID, score: h.Score}
	}
	return out, nil
}

// searchCommunities ranks COMMUNITY summaries lexically.
func (r *Retriever) searchCommunities(q Query) []Result {
	nodes := r.opts.Index.Nodes(q.ProjectID, "COMMUNITY")
	candidates := make([]lexicalFields, len(nodes))
	for i, n := range nodes {
		candidates[i] = lexicalFields{ID: n.ID, Name: n.Name, Summary: n.Summary}
	}
	ranked := buildLexicalIndex(candidates).Rank(q.Text, q.Limit)

	var out []Result
	for _, s := range ranked {
		n, ok := r.opts.Index.Get(q.ProjectID, s.id)
		if !ok {
			continue
		}
		out = append(out, Result{
			ID: n.ID, Name: n.Name, Kind: n.Label, Summary: n.Summary, Score: s.score,
		})
	}
	return out
}

// searchAsOf fetches the node versions valid at the requested instant from
// the graph store and ranks them lexically.
func (r *Retriever) searchAsOf(ctx context.Context, q Query) ([]Result, error) {
	rows, err := r.opts.Executor.ExecuteCypher(ctx, `
MATCH (n)
WHERE (n:FILE OR n:FUNCTION OR n:CLASS)
  AND n.projectId = $projectId
  AND n.validFrom <= $asOf
  AND (n.validTo IS NULL OR n.validTo > $asOf)
RETURN n.id AS id, n.name AS name, labels(n)[0] AS kind,
       n.relativePath AS path, n.summary AS summary,
       n.startLine AS startLine, n.endLine AS endLine`,
		map[string]any{"projectId": q.ProjectID, "asOf": q.AsOf})
	if err != nil {
		return nil, fmt.Errorf("as-of candidate query: %w", err)
	}

	type nodeRow struct {
		name, kind, path, summary string
		startLine, endLine        int
	}
	byID := make(map[string]nodeRow, len(rows))
	candidates := make([]lexicalFields, 0, len(rows))
	for _, row := range rows {
		id, _ := row["id"].(string)
		if id == "" {
			continue
		}
		nr := nodeRow{
			name:      stringOf(row["name"]),
			kind:      stringOf(row["kind"]),
			path:      stringOf(row["path"]),
			summary:   stringOf(row["summary"]),
			startLine: intOf(row["startLine"]),
			endLine:   intOf(row["endLine"]),
		}
		byID[id] = nr
		candidates = append(candidates, lexicalFields{ID: id, Name: nr.name, Summary: nr.summary, Path: nr.path})
	}

	var out []Result
	for _, s := range buildLexicalIndex(candidates).Rank(q.Text, q.Limit) {
		nr := byID[s.id]
		out = append(out, Result{
			ID: s.id, Name: nr.name, Kind: nr.kind, Path: nr.path,
			Summary: nr.summary, StartLine: nr.startLine, EndLine: nr.endLine,
			Score: s.score, Signals: map[string]float64{"lexical": s.score},
		})
	}
	return out, nil
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
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
