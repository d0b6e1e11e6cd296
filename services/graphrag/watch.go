// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graphrag

import (
	"context"
	"log/slog"
	"sync"

	"github.com/lexigraph/lxrag/services/graphrag/ast"
	"github.com/lexigraph/lxrag/services/graphrag/builder"
	"github.com/lexigraph/lxrag/services/graphrag/config"
	"github.com/lexigraph/lxrag/services/graphrag/session"
	"github.com/lexigraph/lxrag/services/graphrag/watcher"
)

// watcherHub owns one file watcher per project. Registration is
// idempotent: setting the same workspace twice reuses the running
// watcher.
type watcherHub struct {
	cfg          config.Config
	orchestrator *builder.Orchestrator
	parsers      *ast.Registry
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	byProject map[string]*watcher.Watcher
}

func newWatcherHub(cfg config.Config, orchestrator *builder.Orchestrator, parsers *ast.Registry, logger *slog.Logger) *watcherHub {
	ctx, cancel := context.WithCancel(context.Background())
	return &watcherHub{
		cfg:          cfg,
		orchestrator: orchestrator,
		parsers:      parsers,
		logger:       logger.With(slog.String("component", "watcher_hub")),
		ctx:          ctx,
		cancel:       cancel,
		byProject:    make(map[string]*watcher.Watcher),
	}
}

// Ensure starts a watcher for the project's source dir if none runs yet.
func (h *watcherHub) Ensure(pc session.ProjectContext) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.byProject[pc.ProjectID]; ok {
		return
	}

	w, err := watcher.New(watcher.Options{
		SourceDir:      pc.SourceDir,
		Debounce:       h.cfg.WatcherDebounce,
		IgnorePatterns: h.cfg.IgnorePatterns,
		Supported:      h.parsers.Supported,
		Rebuild: func(ctx context.Context, changedFiles []string) {
			_, err := h.orchestrator.Rebuild(ctx, builder.Request{
				ProjectID:     pc.ProjectID,
				WorkspaceRoot: pc.WorkspaceRoot,
				SourceDir:     pc.SourceDir,
				Mode:          builder.ModeIncremental,
				ChangedFiles:  changedFiles,
				AgentID:       "watcher",
				SessionID:     "watcher",
			})
			if err != nil {
				h.logger.Warn("watcher rebuild failed",
					slog.String("project_id", pc.ProjectID),
					slog.String("error", err.Error()))
			}
		},
		Logger: h.logger,
	})
	if err != nil {
		h.logger.Warn("watcher setup failed",
			slog.String("project_id", pc.ProjectID),
			slog.String("source_dir", pc.SourceDir),
			slog.String("error", err.Error()))
		return
	}
	if err := w.Start(h.ctx); err != nil {
		h.logger.Warn("watcher start failed",
			slog.String("project_id", pc.ProjectID),
			slog.String("error", err.Error()))
		return
	}

	h.byProject[pc.ProjectID] = w
	h.logger.Info("watching workspace",
		slog.String("project_id", pc.ProjectID),
		slog.String("source_dir", pc.SourceDir))
}

// Status implements tools.WatcherStatusFunc.
func (h *watcherHub) Status(projectID string) (string, int) {
	h.mu.Lock()
	w, ok := h.byProject[projectID]
	h.mu.Unlock()
	if !ok {
		return "disabled", 0
	}
	return string(w.State()), w.PendingChanges()
}

// Close stops every watcher.
func (h *watcherHub) Close() {
	h.cancel()
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, w := range h.byProject {
		w.Stop()
		delete(h.byProject, id)
	}
}
