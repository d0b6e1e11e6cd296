// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graphindex holds the in-memory, read-mostly mirror of the current
// graph generation per project. The builder replaces a project's snapshot
// after every rebuild; rankers, expansion, relevance propagation, and
// health reporting read it without touching the graph store.
//
// References between nodes are string identifiers, never pointers: the
// index is an arena keyed by SCIP id.
package graphindex

import (
	"sync"
)

// Node is the indexed view of one current graph node.
type Node struct {
	ID        string
	Label     string // FILE, FUNCTION, CLASS, DOCUMENT, SECTION, COMMUNITY
	Name      string
	FilePath  string // absolute
	RelPath   string
	Language  string
	StartLine int
	EndLine   int
	Exported  bool
	Summary   string
	ProjectID string
}

// Edge is one directed relationship in the snapshot.
type Edge struct {
	Type   string // CONTAINS, IMPORTS, REFERENCES, CALLS, ...
	From   string
	To     string
	Weight float64
}

// Snapshot is a full per-project index generation.
type Snapshot struct {
	Nodes []Node
	Edges []Edge
}

// Stats summarizes one project's snapshot.
type Stats struct {
	TotalNodes  int
	TotalEdges  int
	NodesByKind map[string]int
}

type projectIndex struct {
	nodes    map[string]Node
	outgoing map[string][]Edge
	incoming map[string][]Edge
	stats    Stats
}

// Index stores snapshots for all projects behind one RWMutex. Writes happen
// only on post-rebuild sync; reads are concurrent.
type Index struct {
	mu       sync.RWMutex
	projects map[string]*projectIndex
}

// New creates an empty index.
func New() *Index {
	return &Index{projects: make(map[string]*projectIndex)}
}

// Replace installs a new snapshot for the project, discarding the old one.
func (ix *Index) Replace(projectID string, snap Snapshot) {
	pi := &projectIndex{
		nodes:    make(map[string]Node, len(snap.Nodes)),
		outgoing: make(map[string][]Edge),
		incoming: make(map[string][]Edge),
		stats: Stats{
			TotalNodes:  len(snap.Nodes),
			TotalEdges:  len(snap.Edges),
			NodesByKind: make(map[string]int),
		},
	}
	for _, n := range snap.Nodes {
		pi.nodes[n.ID] = n
		pi.stats.NodesByKind[n.Label]++
	}
	for _, e := range snap.Edges {
		pi.outgoing[e.From] = append(pi.outgoing[e.From], e)
		pi.incoming[e.To] = append(pi.incoming[e.To], e)
	}

	ix.mu.Lock()
	ix.projects[projectID] = pi
	ix.mu.Unlock()
}

// Augment merges extra nodes and edges into an existing snapshot, e.g.
// COMMUNITY nodes computed after the rebuild sync. No-op when the project
// has no snapshot yet.
func (ix *Index) Augment(projectID string, nodes []Node, edges []Edge) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	pi, ok := ix.projects[projectID]
	if !ok {
		return
	}
	for _, n := range nodes {
		if _, exists := pi.nodes[n.ID]; !exists {
			pi.stats.TotalNodes++
			pi.stats.NodesByKind[n.Label]++
		}
		pi.nodes[n.ID] = n
	}
	for _, e := range edges {
		pi.outgoing[e.From] = append(pi.outgoing[e.From], e)
		pi.incoming[e.To] = append(pi.incoming[e.To], e)
		pi.stats.TotalEdges++
	}
}

// Drop removes a project's snapshot.
func (ix *Index) Drop(projectID string) {
	ix.mu.Lock()
	delete(ix.projects, projectID)
	ix.mu.Unlock()
}

// Get returns a node by id.
func (ix *Index) Get(projectID, id string) (Node, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	pi, ok := ix.projects[projectID]
	if !ok {
		return Node{}, false
	}
	n, ok := pi.nodes[id]
	return n, ok
}

// Nodes returns all nodes of a project, optionally filtered by label.
func (ix *Index) Nodes(projectID string, labels ...string) []Node {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	pi, ok := ix.projects[projectID]
	if !ok {
		return nil
	}
	want := make(map[string]bool, len(labels))
	for _, l := range labels {
		want[l] = true
	}
	out := make([]Node, 0, len(pi.nodes))
	for _, n := range pi.nodes {
		if len(want) == 0 || want[n.Label] {
			out = append(out, n)
		}
	}
	return out
}

// Outgoing returns the edges leaving a node.
func (ix *Index) Outgoing(projectID, id string) []Edge {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if pi, ok := ix.projects[projectID]; ok {
		return append([]Edge(nil), pi.outgoing[id]...)
	}
	return nil
}

// Incoming returns the edges arriving at a node.
func (ix *Index) Incoming(projectID, id string) []Edge {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if pi, ok := ix.projects[projectID]; ok {
		return append([]Edge(nil), pi.incoming[id]...)
	}
	return nil
}

// Stats returns the snapshot statistics for a project.
func (ix *Index) Stats(projectID string) Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if pi, ok := ix.projects[projectID]; ok {
		kinds := make(map[string]int, len(pi.stats.NodesByKind))
		for k, v := range pi.stats.NodesByKind {
			kinds[k] = v
		}
		return Stats{TotalNodes: pi.stats.TotalNodes, TotalEdges: pi.stats.TotalEdges, NodesByKind: kinds}
	}
	return Stats{NodesByKind: map[string]int{}}
}

// FindByName returns nodes whose name matches exactly.
func (ix *Index) FindByName(projectID, name string) []Node {
	var out []Node
	for _, n := range ix.Nodes(projectID) {
		if n.Name == name {
			out = append(out, n)
		}
	}
	return out
}
