// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Embedder converts text to a vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dim is the embedding dimensionality.
	Dim() int
}

// RemoteEmbedder uses an OpenAI-compatible embeddings endpoint.
type RemoteEmbedder struct {
	client *openai.Client
	model  string
	dim    int
}

// NewRemoteEmbedder creates an embedder against baseURL.
func NewRemoteEmbedder(baseURL, model string, dim int) *RemoteEmbedder {
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	if dim <= 0 {
		dim = 1536
	}
	cfg := openai.DefaultConfig("")
	cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	return &RemoteEmbedder{client: openai.NewClientWithConfig(cfg), model: model, dim: dim}
}

// Embed implements Embedder.
func (e *RemoteEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embed: empty response")
	}
	return resp.Data[0].Embedding, nil
}

// Dim implements Embedder.
func (e *RemoteEmbedder) Dim() int { return e.dim }

// HashEmbedder is the deterministic fallback: token-hashed bag of words
// projected into a fixed dimensionality and L2-normalized. Not semantically
// deep, but stable, fast, and good enough to keep vector search and the
// recall scoring formula functional without a model server.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates a fallback embedder. dim defaults to 256.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{dim: dim}
}

// Embed implements Embedder.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dim)
	for _, token := range Tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(token))
		sum := h.Sum32()
		idx := int(sum % uint32(e.dim))
		// Sign from a high bit decorrelates colliding tokens.
		if sum&0x80000000 != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

// Dim implements Embedder.
func (e *HashEmbedder) Dim() int { return e.dim }

// Tokenize lowercases and splits text on non-alphanumeric runes, also
// breaking camelCase boundaries so code identifiers match query words.
func Tokenize(text string) []string {
	var tokens []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, strings.ToLower(current.String()))
			current.Reset()
		}
	}

	var prevLower bool
	for _, r := range text {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !isAlnum {
			flush()
			prevLower = false
			continue
		}
		if r >= 'A' && r <= 'Z' && prevLower {
			flush()
		}
		current.WriteRune(r)
		prevLower = r >= 'a' && r <= 'z' || r >= '0' && r <= '9'
	}
	flush()
	return tokens
}
