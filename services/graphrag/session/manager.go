// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session tracks the active project context per client session.
//
// Each transport assigns a session identifier (random under HTTP, the fixed
// singleton under stdio) and every handler resolves its project context
// through this package first. Two sessions may point at different projects
// against the same stores; there is no global current project.
package session

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/mod/modfile"
)

// StdioSessionID is the implicit singleton session used by the stdio
// transport, which carries no session header.
const StdioSessionID = "stdio"

// Sentinel errors for session resolution.
var (
	// ErrWorkspaceNotFound indicates the workspace root is not an existing directory.
	ErrWorkspaceNotFound = errors.New("workspace root not found")

	// ErrNoProjectContext indicates the session has not set a workspace yet.
	ErrNoProjectContext = errors.New("no project context for session")
)

// ProjectContext is the per-session view of the active project.
type ProjectContext struct {
	// WorkspaceRoot is the absolute path to the workspace.
	WorkspaceRoot string

	// SourceDir is the absolute path to the source directory.
	SourceDir string

	// ProjectID scopes every node written for this workspace.
	ProjectID string

	// Fingerprint is a stable 4-character code for the workspace path,
	// used to detect workspace moves across rebuilds.
	Fingerprint string
}

// InvalidateFunc is called when a session switches projects, with the
// project id being abandoned. Engines use it to drop caches keyed by the
// old project.
type InvalidateFunc func(projectID string)

// WorkspaceSetFunc is called after a session successfully sets a
// workspace. The service layer uses it to attach file watchers.
type WorkspaceSetFunc func(pc ProjectContext)

// Manager stores per-session project contexts behind a concurrent map.
type Manager struct {
	mu       sync.RWMutex
	contexts map[string]ProjectContext

	onInvalidate   InvalidateFunc
	onWorkspaceSet WorkspaceSetFunc
	logger         *slog.Logger
}

// NewManager creates an empty session manager. onInvalidate may be nil.
func NewManager(onInvalidate InvalidateFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		contexts:     make(map[string]ProjectContext),
		onInvalidate: onInvalidate,
		logger:       logger.With(slog.String("component", "session_manager")),
	}
}

// OnWorkspaceSet registers the post-set hook. Call before serving.
func (m *Manager) OnWorkspaceSet(fn WorkspaceSetFunc) {
	m.onWorkspaceSet = fn
}

// SetWorkspace resolves and stores the project context for a session.
//
// workspaceRoot is made absolute and must be an existing directory;
// sourceDir defaults to <workspaceRoot>/src; projectID defaults to the
// go.mod module basename when the workspace is a Go module, else the
// workspace basename.
func (m *Manager) SetWorkspace(sessionID, workspaceRoot, sourceDir, projectID string) (ProjectContext, error) {
	abs, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return ProjectContext{}, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, workspaceRoot)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return ProjectContext{}, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, abs)
	}

	if sourceDir == "" {
		sourceDir = filepath.Join(abs, "src")
	} else if !filepath.IsAbs(sourceDir) {
		sourceDir = filepath.Join(abs, sourceDir)
	}

	if projectID == "" {
		projectID = DeriveProjectID(abs)
	}

	pc := ProjectContext{
		WorkspaceRoot: abs,
		SourceDir:     sourceDir,
		ProjectID:     projectID,
		Fingerprint:   Fingerprint(abs),
	}

	m.mu.Lock()
	prev, had := m.contexts[sessionID]
	m.contexts[sessionID] = pc
	m.mu.Unlock()

	if had && prev.ProjectID != pc.ProjectID && m.onInvalidate != nil {
		m.onInvalidate(prev.ProjectID)
	}
	if m.onWorkspaceSet != nil {
		m.onWorkspaceSet(pc)
	}

	m.logger.Info("workspace set",
		slog.String("session_id", sessionID),
		slog.String("project_id", pc.ProjectID),
		slog.String("workspace_root", pc.WorkspaceRoot),
		slog.String("fingerprint", pc.Fingerprint))
	return pc, nil
}

// Get returns the project context for a session.
func (m *Manager) Get(sessionID string) (ProjectContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pc, ok := m.contexts[sessionID]
	if !ok {
		return ProjectContext{}, ErrNoProjectContext
	}
	return pc, nil
}

// Drop removes a session's context, e.g. when an HTTP session ends.
func (m *Manager) Drop(sessionID string) {
	m.mu.Lock()
	delete(m.contexts, sessionID)
	m.mu.Unlock()
}

// DeriveProjectID picks a project identifier for a workspace: the go.mod
// module basename when present, else the directory basename.
func DeriveProjectID(workspaceRoot string) string {
	if data, err := os.ReadFile(filepath.Join(workspaceRoot, "go.mod")); err == nil {
		if path := modfile.ModulePath(data); path != "" {
			return filepath.Base(path)
		}
	}
	return filepath.Base(workspaceRoot)
}

// Fingerprint computes the stable 4-character workspace code:
// base36 of the first 24 bits of sha256(workspaceRoot), zero-padded.
func Fingerprint(workspaceRoot string) string {
	sum := sha256.Sum256([]byte(workspaceRoot))
	v := uint32(sum[0])<<16 | uint32(sum[1])<<8 | uint32(sum[2])
	const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	var b [4]byte
	for i := 3; i >= 0; i-- {
		b[i] = digits[v%36]
		v /= 36
	}
	return strings.ToLower(string(b[:]))
}
