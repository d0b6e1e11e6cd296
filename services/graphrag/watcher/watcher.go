// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watcher drives incremental rebuilds from filesystem events.
//
// One watcher instance covers one workspace and runs the state machine
// idle -> detecting -> debouncing -> rebuilding -> idle. Events landing
// during a rebuild coalesce into a fresh pending set; a non-empty set when
// the rebuild finishes re-enters rebuilding immediately.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// State of the watcher state machine.
type State string

// Watcher states, surfaced through graph_health.
const (
	StateIdle       State = "idle"
	StateDetecting  State = "detecting"
	StateDebouncing State = "debouncing"
	StateRebuilding State = "rebuilding"
)

// DefaultDebounce is the debounce window.
const DefaultDebounce = 500 * time.Millisecond

// RebuildFunc runs an incremental rebuild for the coalesced change set.
type RebuildFunc func(ctx context.Context, changedFiles []string)

// Options configures a Watcher.
type Options struct {
	// SourceDir is the absolute directory to watch, recursively.
	SourceDir string

	// Debounce is the quiet period before a rebuild. Default 500ms.
	Debounce time.Duration

	// IgnorePatterns are base-name globs and directory names to skip.
	IgnorePatterns []string

	// Supported filters events to parseable files; nil accepts all.
	Supported func(path string) bool

	Rebuild RebuildFunc
	Logger  *slog.Logger
}

// Watcher owns one OS watch handle per workspace. Re-entrant Start is
// idempotent.
//
// Thread safety: State and PendingChanges may be called concurrently with
// the event loop.
type Watcher struct {
	opts    Options
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	state   State
	pending map[string]struct{}
	timer   *time.Timer

	started  bool
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a watcher for one workspace.
func New(opts Options) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With(
		slog.String("component", "file_watcher"),
		slog.String("source_dir", opts.SourceDir))

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		opts:    opts,
		watcher: fsw,
		state:   StateIdle,
		pending: make(map[string]struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start registers the watch tree and begins processing events.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.mu.Unlock()

	if err := w.addRecursive(w.opts.SourceDir); err != nil {
		return err
	}
	go w.loop(ctx)
	w.opts.Logger.Info("file watcher started")
	return nil
}

// Stop shuts the watcher down. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
	})
}

// State returns the current machine state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// PendingChanges returns the size of the coalesced pending set.
func (w *Watcher) PendingChanges() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.opts.Logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if w.ignored(event.Name) {
		return
	}

	// New directories join the watch tree.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.addRecursive(event.Name)
			return
		}
	}

	if w.opts.Supported != nil && !w.opts.Supported(event.Name) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[event.Name] = struct{}{}
	switch w.state {
	case StateIdle:
		w.state = StateDetecting
		fallthrough
	case StateDetecting, StateDebouncing:
		w.state = StateDebouncing
		if w.timer != nil {
			w.timer.Stop()
		}
		w.timer = time.AfterFunc(w.opts.Debounce, func() { w.fire(ctx) })
	case StateRebuilding:
		// Accumulate; the rebuild completion drains the set.
	}
}

// fire drains the pending set and runs the rebuild. If events arrived
// while rebuilding, it loops without returning to idle.
func (w *Watcher) fire(ctx context.Context) {
	for {
		w.mu.Lock()
		if len(w.pending) == 0 {
			w.state = StateIdle
			w.mu.Unlock()
			return
		}
		changed := make([]string, 0, len(w.pending))
		for path := range w.pending {
			changed = append(changed, path)
		}
		w.pending = make(map[string]struct{})
		w.state = StateRebuilding
		w.mu.Unlock()

		sort.Strings(changed)
		w.opts.Logger.Info("debounce fired, rebuilding",
			slog.Int("changed_files", len(changed)))
		w.opts.Rebuild(ctx, changed)

		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored(path) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *Watcher) ignored(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range w.opts.IgnorePatterns {
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
