// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieve

import (
	"math"
	"sort"

	"github.com/lexigraph/lxrag/services/graphrag/llm"
)

// BM25+ parameters.
const (
	bm25K1    = 1.2
	bm25B     = 0.75
	bm25Delta = 0.25
)

// Field boosts applied to term frequencies before scoring: a query term
// hitting a symbol name counts three times a path hit.
const (
	boostName    = 3.0
	boostSummary = 2.0
	boostPath    = 1.0
)

// lexicalDoc is one scorable document in the lexical index.
type lexicalDoc struct {
	id     string
	tf     map[string]float64
	length float64
}

// lexicalIndex is a transient BM25+ index built per query from the current
// candidate set. Candidate counts are in-memory snapshot scale, so building
// the index beats maintaining one incrementally.
type lexicalIndex struct {
	docs   []lexicalDoc
	df     map[string]int
	avgLen float64
}

// lexicalFields carries the indexed text of one node.
type lexicalFields struct {
	ID      string
	Name    string
	Summary string
	Path    string
}

func buildLexicalIndex(candidates []lexicalFields) *lexicalIndex {
	ix := &lexicalIndex{df: make(map[string]int)}
	var totalLen float64

	for _, c := range candidates {
		doc := lexicalDoc{id: c.ID, tf: make(map[string]float64)}
		addField(doc.tf, c.Name, boostName)
		addField(doc.tf, c.Summary, boostSummary)
		addField(doc.tf, c.Path, boostPath)
		for _, w := range doc.tf {
			doc.length += w
		}
		for term := range doc.tf {
			ix.df[term]++
		}
		totalLen += doc.length
		ix.docs = append(ix.docs, doc)
	}
	if len(ix.docs) > 0 {
		ix.avgLen = totalLen / float64(len(ix.docs))
	}
	return ix
}

func addField(tf map[string]float64, text string, boost float64) {
	for _, term := range llm.Tokenize(text) {
		tf[term] += boost
	}
}

// Rank scores the query against every document and returns ids sorted by
// descending score, ties broken by id for determinism. Documents scoring
// zero are omitted.
func (ix *lexicalIndex) Rank(query string, limit int) []scored {
	terms := llm.Tokenize(query)
	n := float64(len(ix.docs))

	var out []scored
	for _, doc := range ix.docs {
		var score float64
		for _, term := range terms {
			tf, ok := doc.tf[term]
			if !ok {
				continue
			}
			idf := math.Log(1 + (n-float64(ix.df[term])+0.5)/(float64(ix.df[term])+0.5))
			norm := tf + bm25K1*(1-bm25B+bm25B*doc.length/ix.avgLen)
			score += idf * (tf*(bm25K1+1)/norm + bm25Delta)
		}
		if score > 0 {
			out = append(out, scored{id: doc.id, score: score})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id < out[j].id
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
