// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package builder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/lexigraph/lxrag/services/graphrag/ast"
	"github.com/lexigraph/lxrag/services/graphrag/graphindex"
	"github.com/lexigraph/lxrag/services/graphrag/llm"
	"github.com/lexigraph/lxrag/services/graphrag/memgraph"
	"github.com/lexigraph/lxrag/services/graphrag/qdrant"
	"github.com/lexigraph/lxrag/services/graphrag/scip"
)

var tracer = otel.Tracer("graphrag.builder")

// PostFullHook runs in the background after a completed full rebuild.
// Registered hooks drive community recomputation and stale-claim sweeps
// without the builder importing those engines.
type PostFullHook func(ctx context.Context, projectID, txID string, timestamp int64)

// Options configures the Orchestrator.
type Options struct {
	Executor   memgraph.Executor
	Vectors    qdrant.Store
	Parsers    *ast.Registry
	Index      *graphindex.Index
	Embedder   llm.Embedder
	Summarizer llm.Summarizer // optional
	Cache      *llm.SummaryCache

	IgnorePatterns []string

	// SyncThreshold is how long a rebuild may run before the caller gets
	// QUEUED and the build continues in the background. Default: 12s.
	SyncThreshold time.Duration

	// Workers bounds the parse fan-out. Default: NumCPU.
	Workers int

	Logger *slog.Logger
}

// Orchestrator runs full and incremental graph rebuilds.
//
// Thread safety: rebuilds for the same project serialize on a per-project
// mutex; different projects build concurrently. The working set feeding the
// in-memory index is owned by the build holding the project mutex.
type Orchestrator struct {
	opts Options

	mu           sync.Mutex
	projectLocks map[string]*sync.Mutex
	workingSets  map[string]map[string]*fileRecord // projectID -> absPath -> record

	readyMu         sync.RWMutex
	embeddingsReady map[string]bool

	hookMu sync.Mutex
	hooks  []PostFullHook

	latestTx sync.Map // projectID -> txID
}

// NewOrchestrator creates a build orchestrator.
func NewOrchestrator(opts Options) *Orchestrator {
	if opts.SyncThreshold <= 0 {
		opts.SyncThreshold = 12 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With(slog.String("component", "graph_builder"))
	return &Orchestrator{
		opts:            opts,
		projectLocks:    make(map[string]*sync.Mutex),
		workingSets:     make(map[string]map[string]*fileRecord),
		embeddingsReady: make(map[string]bool),
	}
}

// OnFullRebuild registers a background hook for completed full rebuilds.
func (o *Orchestrator) OnFullRebuild(hook PostFullHook) {
	o.hookMu.Lock()
	o.hooks = append(o.hooks, hook)
	o.hookMu.Unlock()
}

// EmbeddingsReady reports whether the vector index is current for a project.
func (o *Orchestrator) EmbeddingsReady(projectID string) bool {
	o.readyMu.RLock()
	defer o.readyMu.RUnlock()
	return o.embeddingsReady[projectID]
}

// InvalidateProject drops cached state for a project, e.g. when a session
// switches workspaces.
func (o *Orchestrator) InvalidateProject(projectID string) {
	o.mu.Lock()
	delete(o.workingSets, projectID)
	o.mu.Unlock()
	o.setEmbeddingsReady(projectID, false)
	o.opts.Index.Drop(projectID)
}

// LatestTx returns the id of the most recent transaction for a project.
func (o *Orchestrator) LatestTx(projectID string) string {
	if v, ok := o.latestTx.Load(projectID); ok {
		return v.(string)
	}
	return ""
}

// Rebuild runs a rebuild, returning COMPLETED when it finishes within the
// sync threshold and QUEUED when it continues in the background.
//
// Nothing is written before the workspace and source directories are
// verified on disk; a missing directory therefore never leaves a dangling
// GRAPH_TX behind.
func (o *Orchestrator) Rebuild(ctx context.Context, req Request) (*Result, error) {
	if info, err := os.Stat(req.WorkspaceRoot); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, req.WorkspaceRoot)
	}
	if info, err := os.Stat(req.SourceDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrSourceDirNotFound, req.SourceDir)
	}
	if req.Mode == "" {
		req.Mode = ModeFull
	}

	txID := uuid.NewString()
	done := make(chan *Result, 1)
	errc := make(chan error, 1)

	// The build itself is detached from the request context so a QUEUED
	// build survives the response.
	bgCtx := context.WithoutCancel(ctx)
	go func() {
		res, err := o.run(bgCtx, req, txID)
		if err != nil {
			errc <- err
			return
		}
		done <- res
	}()

	select {
	case res := <-done:
		return res, nil
	case err := <-errc:
		return nil, err
	case <-time.After(o.opts.SyncThreshold):
		o.opts.Logger.Info("rebuild exceeds sync threshold, continuing in background",
			slog.String("project_id", req.ProjectID), slog.String("tx_id", txID))
		return &Result{Status: StatusQueued, TxID: txID, ProjectID: req.ProjectID, Mode: req.Mode}, nil
	}
}

// run executes the rebuild while holding the project mutex.
func (o *Orchestrator) run(ctx context.Context, req Request, txID string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "builder.Rebuild", trace.WithAttributes(
		attribute.String("project_id", req.ProjectID),
		attribute.String("mode", string(req.Mode))))
	defer span.End()

	lock := o.projectLock(req.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	ts := start.UnixMilli()

	if err := o.createTx(ctx, req, txID, ts); err != nil {
		return nil, err
	}

	targets, removed, err := o.collectTargets(req)
	if err != nil {
		return nil, err
	}

	parsed, err := o.parseAll(ctx, req, targets)
	if err != nil {
		return nil, err
	}

	ws := o.workingSet(req.ProjectID)
	var affected []string
	nodeCount := 0

	for _, rec := range parsed {
		prev := ws[rec.absPath]
		if prev != nil && prev.contentHash == rec.contentHash {
			continue // unchanged: zero writes
		}
		if err := o.writeFileVersion(ctx, req, txID, ts, rec); err != nil {
			return nil, err
		}
		ws[rec.absPath] = rec
		affected = append(affected, rec.absPath)
		nodeCount += 1 + len(rec.symbols)
	}

	for _, absPath := range removed {
		if err := o.retireFile(ctx, req, txID, ts, absPath); err != nil {
			return nil, err
		}
		delete(ws, absPath)
		affected = append(affected, absPath)
	}
	sort.Strings(affected)

	duration := time.Since(start)
	if err := o.finalizeTx(ctx, txID, affected, nodeCount, duration); err != nil {
		return nil, err
	}

	o.syncIndex(req.ProjectID)
	o.setEmbeddingsReady(req.ProjectID, false)
	o.latestTx.Store(req.ProjectID, txID)
	observeBuild(req.Mode, duration, len(affected))

	if req.Mode == ModeFull {
		go o.regenerateEmbeddings(context.WithoutCancel(ctx), req.ProjectID)
		o.hookMu.Lock()
		hooks := append([]PostFullHook(nil), o.hooks...)
		o.hookMu.Unlock()
		for _, hook := range hooks {
			go hook(context.WithoutCancel(ctx), req.ProjectID, txID, ts)
		}
	} else if len(affected) > 0 {
		go o.regenerateEmbeddings(context.WithoutCancel(ctx), req.ProjectID)
		go o.runStaleSweepHooks(context.WithoutCancel(ctx), req.ProjectID, txID, ts)
	}

	o.opts.Logger.Info("rebuild complete",
		slog.String("project_id", req.ProjectID),
		slog.String("tx_id", txID),
		slog.String("mode", string(req.Mode)),
		slog.Int("files_affected", len(affected)),
		slog.Int("nodes", nodeCount),
		slog.Duration("duration", duration))

	return &Result{
		Status:        StatusCompleted,
		TxID:          txID,
		ProjectID:     req.ProjectID,
		Mode:          req.Mode,
		FilesAffected: affected,
		NodeCount:     nodeCount,
		Duration:      duration,
	}, nil
}

// runStaleSweepHooks lets incremental builds invalidate claims against
// changed code without recomputing communities.
func (o *Orchestrator) runStaleSweepHooks(ctx context.Context, projectID, txID string, ts int64) {
	o.hookMu.Lock()
	hooks := append([]PostFullHook(nil), o.hooks...)
	o.hookMu.Unlock()
	for _, hook := range hooks {
		hook(ctx, projectID, txID, ts)
	}
}

// collectTargets decides which files to parse. Full mode walks the source
// dir; incremental mode takes the provided list, separating files that no
// longer exist on disk.
func (o *Orchestrator) collectTargets(req Request) (targets, removed []string, err error) {
	if req.Mode == ModeIncremental {
		for _, f := range req.ChangedFiles {
			abs := f
			if !filepath.IsAbs(abs) {
				abs = filepath.Join(req.WorkspaceRoot, f)
			}
			if o.ignored(abs) || !o.opts.Parsers.Supported(abs) {
				continue
			}
			if _, statErr := os.Stat(abs); statErr != nil {
				removed = append(removed, abs)
			} else {
				targets = append(targets, abs)
			}
		}
		return targets, removed, nil
	}

	err = filepath.WalkDir(req.SourceDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if d.IsDir() {
			if o.ignored(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !o.ignored(path) && o.opts.Parsers.Supported(path) {
			targets = append(targets, path)
		}
		return nil
	})
	return targets, nil, err
}

// parseAll fans parsing out across workers.
func (o *Orchestrator) parseAll(ctx context.Context, req Request, targets []string) ([]*fileRecord, error) {
	records := make([]*fileRecord, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Workers)

	for i, path := range targets {
		g.Go(func() error {
			rec, err := o.parseFile(gctx, req, path)
			if err != nil {
				// A single unparseable file degrades to a warning; the build
				// carries on with the rest.
				o.opts.Logger.Warn("parse failed", slog.String("file", path), slog.String("error", err.Error()))
				return nil
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := records[:0]
	for _, rec := range records {
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (o *Orchestrator) parseFile(ctx context.Context, req Request, absPath string) (*fileRecord, error) {
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	parser, err := o.opts.Parsers.ParserFor(absPath)
	if err != nil {
		return nil, err
	}
	result, err := parser.Parse(ctx, content, absPath)
	if err != nil {
		return nil, err
	}

	relPath, err := filepath.Rel(req.WorkspaceRoot, absPath)
	if err != nil {
		relPath = absPath
	}
	relPath = filepath.ToSlash(relPath)

	sum := sha256.Sum256(content)
	rec := &fileRecord{
		absPath:     absPath,
		relPath:     relPath,
		language:    result.Language,
		contentHash: hex.EncodeToString(sum[:]),
		exports:     result.Exports,
	}

	lines := strings.Split(string(content), "\n")
	for _, sym := range result.Symbols {
		kind := scip.KindFunction
		if sym.Kind == ast.SymbolKindClass {
			kind = scip.KindClass
		}
		rec.symbols = append(rec.symbols, symbolRecord{
			id:        scip.SymbolID(req.ProjectID, kind, relPath, sym.Name, sym.StartLine),
			name:      sym.Name,
			kind:      string(sym.Kind),
			startLine: sym.StartLine,
			endLine:   sym.EndLine,
			exported:  sym.Exported,
			summary:   o.summarize(ctx, sym, sourceSpan(lines, sym.StartLine, sym.EndLine)),
		})
	}

	for _, imp := range result.Imports {
		rec.imports = append(rec.imports, importRecord{
			id:       fmt.Sprintf("%s:import:%s:%s", req.ProjectID, relPath, imp.Source),
			source:   imp.Source,
			resolved: resolveImport(absPath, imp.Source),
		})
	}
	return rec, nil
}

func (o *Orchestrator) ignored(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range o.opts.IgnorePatterns {
		if base == pattern {
			return true
		}
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
		if strings.Contains(path, string(filepath.Separator)+pattern+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) projectLock(projectID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.projectLocks[projectID]
	if !ok {
		lock = &sync.Mutex{}
		o.projectLocks[projectID] = lock
	}
	return lock
}

func (o *Orchestrator) workingSet(projectID string) map[string]*fileRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	ws, ok := o.workingSets[projectID]
	if !ok {
		ws = make(map[string]*fileRecord)
		o.workingSets[projectID] = ws
	}
	return ws
}

func (o *Orchestrator) setEmbeddingsReady(projectID string, ready bool) {
	o.readyMu.Lock()
	o.embeddingsReady[projectID] = ready
	o.readyMu.Unlock()
}

func sourceSpan(lines []string, start, end int) string {
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return ""
	}
	return strings.Join(lines[start-1:end], "\n")
}
