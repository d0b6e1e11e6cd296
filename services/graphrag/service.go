// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graphrag wires the service together: stores, engines,
// dispatcher, and transports.
package graphrag

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/lexigraph/lxrag/services/graphrag/ast"
	"github.com/lexigraph/lxrag/services/graphrag/builder"
	"github.com/lexigraph/lxrag/services/graphrag/community"
	"github.com/lexigraph/lxrag/services/graphrag/config"
	"github.com/lexigraph/lxrag/services/graphrag/contextpack"
	"github.com/lexigraph/lxrag/services/graphrag/coordinate"
	"github.com/lexigraph/lxrag/services/graphrag/dispatch"
	"github.com/lexigraph/lxrag/services/graphrag/docs"
	"github.com/lexigraph/lxrag/services/graphrag/episode"
	"github.com/lexigraph/lxrag/services/graphrag/graphindex"
	"github.com/lexigraph/lxrag/services/graphrag/llm"
	"github.com/lexigraph/lxrag/services/graphrag/memgraph"
	"github.com/lexigraph/lxrag/services/graphrag/qdrant"
	"github.com/lexigraph/lxrag/services/graphrag/retrieve"
	"github.com/lexigraph/lxrag/services/graphrag/session"
	"github.com/lexigraph/lxrag/services/graphrag/tools"
	"github.com/lexigraph/lxrag/services/graphrag/transport"
)

// ServerName is the advertised MCP server name.
const ServerName = "lxrag"

// Version is stamped by the build; "dev" for local builds.
var Version = "dev"

// hashEmbedderDim sizes the deterministic fallback embedder used when no
// summarizer endpoint is configured.
const hashEmbedderDim = 256

// remoteEmbedderDim matches the default dimension of local embedding
// models served behind an OpenAI-compatible endpoint.
const remoteEmbedderDim = 768

// Service is the assembled server: every engine behind one dispatcher,
// exposed over the configured transport.
type Service struct {
	cfg    config.Config
	logger *slog.Logger

	graph    *memgraph.Client
	vectors  *qdrant.Client
	cache    *llm.SummaryCache
	sessions *session.Manager

	orchestrator *builder.Orchestrator
	dispatcher   *dispatch.Dispatcher
	router       *transport.Router
	watchers     *watcherHub
}

// New builds the full service graph from configuration. Store clients are
// lazy; construction does not require Memgraph or Qdrant to be reachable.
func New(cfg config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = NewLogger(cfg.LogLevel)
	}
	if err := setupMetrics(); err != nil {
		return nil, err
	}

	graph, err := memgraph.NewClient(memgraph.Options{
		Host:   cfg.MemgraphHost,
		Port:   cfg.MemgraphPort,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("memgraph client: %w", err)
	}
	vectors := qdrant.NewClient(cfg.QdrantHost, cfg.QdrantPort, logger)

	var (
		embedder   llm.Embedder
		summarizer llm.Summarizer
	)
	if cfg.SummarizerURL != "" {
		embedder = llm.NewRemoteEmbedder(cfg.SummarizerURL, "", remoteEmbedderDim)
		summarizer = llm.NewRemoteSummarizer(cfg.SummarizerURL, "", logger)
	} else {
		embedder = llm.NewHashEmbedder(hashEmbedderDim)
	}

	cacheDir := ""
	if cfg.WorkspaceRoot != "" {
		cacheDir = filepath.Join(cfg.WorkspaceRoot, config.ConfigDirName, "summary-cache")
	}
	cache, err := llm.OpenSummaryCache(cacheDir)
	if err != nil {
		return nil, fmt.Errorf("summary cache: %w", err)
	}

	index := graphindex.New()
	parsers := ast.NewRegistry()

	orchestrator := builder.NewOrchestrator(builder.Options{
		Executor:       graph,
		Vectors:        vectors,
		Parsers:        parsers,
		Index:          index,
		Embedder:       embedder,
		Summarizer:     summarizer,
		Cache:          cache,
		IgnorePatterns: cfg.IgnorePatterns,
		SyncThreshold:  cfg.SyncRebuildThreshold,
		Logger:         logger,
	})

	claims := coordinate.NewEngine(coordinate.Options{Executor: graph, Logger: logger})
	detector := community.NewDetector(community.Options{Executor: graph, Index: index, Logger: logger})

	// Full rebuilds trigger community recomputation and the stale-claim
	// sweep in the background, off the request path.
	orchestrator.OnFullRebuild(func(ctx context.Context, projectID, txID string, _ int64) {
		if _, err := detector.Recompute(ctx, projectID); err != nil {
			logger.Warn("community recompute failed",
				slog.String("project_id", projectID),
				slog.String("tx_id", txID),
				slog.String("error", err.Error()))
		}
		if _, err := claims.InvalidateStale(ctx, projectID); err != nil {
			logger.Warn("stale claim sweep failed",
				slog.String("project_id", projectID),
				slog.String("error", err.Error()))
		}
	})

	retriever := retrieve.New(retrieve.Options{
		Index:           index,
		Vectors:         vectors,
		Embedder:        embedder,
		Executor:        graph,
		EmbeddingsReady: orchestrator.EmbeddingsReady,
		Logger:          logger,
	})
	episodes := episode.NewEngine(episode.Options{
		Executor: graph, Vectors: vectors, Embedder: embedder, Logger: logger,
	})
	docsEngine := docs.NewEngine(docs.Options{
		Executor: graph, Vectors: vectors, Embedder: embedder, Logger: logger,
	})
	packs := contextpack.New(contextpack.Options{
		Retriever:   retriever,
		Index:       index,
		Coordinator: claims,
		Episodes:    episodes,
		Executor:    graph,
		Logger:      logger,
	})

	sessions := session.NewManager(orchestrator.InvalidateProject, logger)
	watchers := newWatcherHub(cfg, orchestrator, parsers, logger)
	if cfg.Transport == config.TransportHTTP || cfg.EnableWatcher {
		sessions.OnWorkspaceSet(watchers.Ensure)
	}

	dispatcher := dispatch.New(dispatch.Options{Sessions: sessions, Logger: logger})
	tools.Register(dispatcher, tools.Deps{
		Sessions:      sessions,
		Executor:      graph,
		Builder:       orchestrator,
		Index:         index,
		Retriever:     retriever,
		Episodes:      episodes,
		Claims:        claims,
		Packs:         packs,
		Docs:          docsEngine,
		Config:        cfg,
		WatcherStatus: watchers.Status,
		Logger:        logger,
	})

	router := transport.NewRouter(transport.RouterOptions{
		Dispatcher: dispatcher,
		Registry:   dispatcher.Registry(),
		Logger:     logger,
		ServerName: ServerName,
		Version:    Version,
	})

	return &Service{
		cfg:          cfg,
		logger:       logger,
		graph:        graph,
		vectors:      vectors,
		cache:        cache,
		sessions:     sessions,
		orchestrator: orchestrator,
		dispatcher:   dispatcher,
		router:       router,
		watchers:     watchers,
	}, nil
}

// Dispatcher exposes the dispatcher, mainly for embedding and tests.
func (s *Service) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Run serves on the configured transport until ctx is cancelled or the
// transport fails.
func (s *Service) Run(ctx context.Context) error {
	defer s.Close(ctx)

	switch s.cfg.Transport {
	case config.TransportHTTP:
		return s.runHTTP(ctx)
	default:
		return s.runStdio(ctx)
	}
}

func (s *Service) runStdio(ctx context.Context) error {
	s.logger.Info("stdio transport ready",
		slog.String("version", Version))

	// A pre-configured workspace makes the stdio session usable without a
	// graph_set_workspace call.
	if s.cfg.WorkspaceRoot != "" {
		if _, err := s.sessions.SetWorkspace(session.StdioSessionID, s.cfg.WorkspaceRoot, "", s.cfg.ProjectID); err != nil {
			s.logger.Warn("configured workspace not usable",
				slog.String("workspace_root", s.cfg.WorkspaceRoot),
				slog.String("error", err.Error()))
		}
	}

	server := transport.NewStdio(transport.StdioOptions{
		Router: s.router,
		Logger: s.logger,
	})
	return server.Run(ctx)
}

func (s *Service) runHTTP(ctx context.Context) error {
	server := transport.NewHTTP(transport.HTTPOptions{
		Router:   s.router,
		Sessions: s.sessions,
		Port:     s.cfg.Port,
		Logger:   s.logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down http transport")
		return server.Shutdown(context.Background())
	}
}

// Close releases store connections and watchers.
func (s *Service) Close(ctx context.Context) {
	s.watchers.Close()
	if err := s.cache.Close(); err != nil {
		s.logger.Warn("summary cache close failed", slog.String("error", err.Error()))
	}
	if err := s.graph.Close(ctx); err != nil {
		s.logger.Warn("memgraph close failed", slog.String("error", err.Error()))
	}
}

// NewLogger builds the stderr logger: text when stderr is a TTY, JSON
// otherwise. Stdout stays reserved for the stdio protocol.
func NewLogger(level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var (
	metricsOnce sync.Once
	metricsErr  error
)

// setupMetrics routes otel metrics into the default Prometheus registry,
// which the HTTP transport serves on /metrics. Registration is global, so
// it runs once per process.
func setupMetrics() error {
	metricsOnce.Do(func() {
		exporter, err := promexporter.New()
		if err != nil {
			metricsErr = fmt.Errorf("prometheus exporter: %w", err)
			return
		}
		res := resource.NewWithAttributes(
			"",
			attribute.String("service.name", ServerName),
			attribute.String("service.version", Version),
		)
		otel.SetMeterProvider(sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		))
	})
	return metricsErr
}
