// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm holds the summarizer and embedder collaborators. Both degrade
// gracefully: without a configured endpoint the service falls back to
// heuristic summaries and deterministic hash embeddings instead of failing.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// Summarizer produces a one-line natural language summary for a code symbol.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// RemoteSummarizer calls an OpenAI-compatible endpoint.
type RemoteSummarizer struct {
	client  *openai.Client
	model   string
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewRemoteSummarizer creates a summarizer against baseURL. Requests are
// rate-limited to keep background embedding regeneration from saturating a
// local model server.
func NewRemoteSummarizer(baseURL, model string, logger *slog.Logger) *RemoteSummarizer {
	if model == "" {
		model = "gpt-4o-mini"
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg := openai.DefaultConfig("")
	cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	return &RemoteSummarizer{
		client:  openai.NewClientWithConfig(cfg),
		model:   model,
		limiter: rate.NewLimiter(rate.Limit(4), 8),
		logger:  logger.With(slog.String("component", "summarizer")),
	}
}

// Summarize asks the model for a single-sentence summary of the snippet.
func (s *RemoteSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "Summarize the given code symbol in one sentence. Reply with the sentence only.",
			},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		MaxTokens: 80,
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("summarize: empty response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// HeuristicSummary derives a summary without a model: the leading doc
// block when present, else the first non-blank non-comment source line,
// else "<name> implementation".
func HeuristicSummary(name, doc, source string) string {
	if doc = strings.TrimSpace(doc); doc != "" {
		if idx := strings.IndexAny(doc, ".\n"); idx > 0 {
			return strings.TrimSpace(doc[:idx+1])
		}
		return doc
	}
	for _, line := range strings.Split(source, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "//") || strings.HasPrefix(line, "#") ||
			strings.HasPrefix(line, "/*") || strings.HasPrefix(line, "*") {
			continue
		}
		return line
	}
	return name + " implementation"
}
