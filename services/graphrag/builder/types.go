// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package builder turns parsed source files into the bi-temporal graph.
//
// Rebuilds never delete code nodes: the previous version of every changed
// SCIP id gets its validTo closed at the transaction timestamp and the new
// version is linked to it with a SUPERSEDES edge. Every write carries the
// transaction id of the enclosing GRAPH_TX.
package builder

import (
	"errors"
	"time"
)

// Mode selects full or incremental rebuild.
type Mode string

// Rebuild modes.
const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// Status of a rebuild response.
type Status string

// Rebuild statuses. QUEUED means the build continues in the background and
// graph_health is the polling mechanism.
const (
	StatusCompleted Status = "COMPLETED"
	StatusQueued    Status = "QUEUED"
)

// Sentinel errors.
var (
	// ErrWorkspaceNotFound indicates the workspace root does not exist on disk.
	ErrWorkspaceNotFound = errors.New("workspace root not found")

	// ErrSourceDirNotFound indicates the source directory does not exist on disk.
	ErrSourceDirNotFound = errors.New("source dir not found")

	// ErrRebuildInProgress is returned by TryLock-style probes; concurrent
	// rebuilds for the same project serialize on the project mutex instead.
	ErrRebuildInProgress = errors.New("rebuild already in progress")
)

// Request describes one rebuild.
type Request struct {
	ProjectID     string
	WorkspaceRoot string // absolute
	SourceDir     string // absolute

	Mode Mode

	// ChangedFiles lists absolute paths for incremental mode.
	ChangedFiles []string

	// AgentID and SessionID are recorded on the GRAPH_TX for audit.
	AgentID   string
	SessionID string
}

// Result is the rebuild outcome.
type Result struct {
	Status        Status
	TxID          string
	ProjectID     string
	Mode          Mode
	FilesAffected []string
	NodeCount     int
	Duration      time.Duration
}

// fileRecord is one parsed file in the orchestrator's working set.
type fileRecord struct {
	absPath     string
	relPath     string
	language    string
	contentHash string
	symbols     []symbolRecord
	imports     []importRecord
	exports     []string
}

type symbolRecord struct {
	id        string
	name      string
	kind      string // function | class
	startLine int
	endLine   int
	exported  bool
	summary   string
}

type importRecord struct {
	id       string
	source   string
	resolved string // absolute path of the referenced file, "" if unresolved
}
