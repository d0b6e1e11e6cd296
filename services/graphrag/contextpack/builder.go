// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package contextpack composes single-call task briefings: relevance-ranked
// code slices plus budgeted decisions, learnings, blockers, and plan.
package contextpack

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lexigraph/lxrag/services/graphrag/coordinate"
	"github.com/lexigraph/lxrag/services/graphrag/episode"
	"github.com/lexigraph/lxrag/services/graphrag/graphindex"
	"github.com/lexigraph/lxrag/services/graphrag/memgraph"
	"github.com/lexigraph/lxrag/services/graphrag/retrieve"
	"github.com/lexigraph/lxrag/services/graphrag/shaper"
)

var tracer = otel.Tracer("graphrag.contextpack")

// seedCount is how many hybrid retriever hits seed relevance propagation.
const seedCount = 5

// Slot shares of the profile budget.
const (
	slotCoreCode  = 0.40
	slotDeps      = 0.25
	slotDecisions = 0.20
	slotPlan      = 0.10
	slotEpisodes  = 0.05
)

// debugSlotBudget stands in for the unbounded debug profile when slicing
// slots; slots still need relative proportions.
const debugSlotBudget = 8000

// Request is one context_pack call.
type Request struct {
	ProjectID string
	AgentID   string

	Task    string
	TaskID  string
	Profile shaper.Profile

	IncludeDecisions bool
	IncludeEpisodes  bool
	IncludeLearnings bool
}

// CodeSlice is one selected code node with its source and neighbours.
type CodeSlice struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Kind       string   `json:"kind"`
	Path       string   `json:"path"`
	StartLine  int      `json:"startLine,omitempty"`
	EndLine    int      `json:"endLine,omitempty"`
	Summary    string   `json:"summary,omitempty"`
	Source     string   `json:"source,omitempty"`
	Score      float64  `json:"score"`
	Neighbours []string `json:"neighbours,omitempty"`
}

// Learning is one LEARNING node applied to selected code.
type Learning struct {
	ID         string  `json:"id"`
	Kind       string  `json:"kind"`
	Subject    string  `json:"subject"`
	Content    string  `json:"content,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Plan is the task slot of the pack.
type Plan struct {
	TaskID      string `json:"taskId,omitempty"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
}

// Pack is the composed briefing.
type Pack struct {
	Summary      string                 `json:"summary"`
	CoreCode     []CodeSlice            `json:"coreCode,omitempty"`
	Dependencies []CodeSlice            `json:"dependencies,omitempty"`
	Decisions    []episode.Recalled     `json:"decisions,omitempty"`
	Learnings    []Learning             `json:"learnings,omitempty"`
	Episodes     []episode.Recalled     `json:"episodeHistory,omitempty"`
	Blockers     []coordinate.ClaimInfo `json:"blockers,omitempty"`
	Plan         *Plan                  `json:"plan,omitempty"`
}

// Options configures the Builder.
type Options struct {
	Retriever   *retrieve.Retriever
	Index       *graphindex.Index
	Coordinator *coordinate.Engine
	Episodes    *episode.Engine
	Executor    memgraph.Executor
	Logger      *slog.Logger
}

// Builder assembles context packs.
//
// Thread safety: stateless; safe for concurrent use.
type Builder struct {
	opts Options
}

// New creates a context pack builder.
func New(opts Options) *Builder {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With(slog.String("component", "context_pack"))
	return &Builder{opts: opts}
}

// Build composes the pack: hybrid seeds, interface expansion, relevance
// propagation, slot-budgeted selection, then decisions, learnings,
// blockers, and the task plan.
func (b *Builder) Build(ctx context.Context, req Request) (*Pack, error) {
	ctx, span := tracer.Start(ctx, "contextpack.Build", trace.WithAttributes(
		attribute.String("project_id", req.ProjectID)))
	defer span.End()

	if req.Profile == "" {
		req.Profile = shaper.ProfileBalanced
	}
	budget := req.Profile.Budget()
	if budget == 0 {
		budget = debugSlotBudget
	}

	resp, err := b.opts.Retriever.Search(ctx, retrieve.Query{
		ProjectID: req.ProjectID,
		Text:      req.Task,
		Mode:      retrieve.ModeHybrid,
		Limit:     seedCount,
	})
	if err != nil {
		return nil, fmt.Errorf("seed retrieval: %w", err)
	}
	seeds := make([]string, 0, len(resp.Symbols))
	for _, s := range resp.Symbols {
		seeds = append(seeds, s.ID)
	}
	seeds = b.expandInterfaces(req.ProjectID, seeds)

	ranked := propagate(b.opts.Index, req.ProjectID, seeds)

	pack := &Pack{}
	seedSet := make(map[string]bool, len(seeds))
	for _, s := range seeds {
		seedSet[s] = true
	}

	coreBudget := int(float64(budget) * slotCoreCode)
	depsBudget := int(float64(budget) * slotDeps)
	var selectedIDs []string
	for _, sn := range ranked {
		node, ok := b.opts.Index.Get(req.ProjectID, sn.id)
		if !ok {
			continue
		}
		slice := b.slice(req.ProjectID, node, sn.score)
		cost := shaper.TokenEstimate(slice)
		if seedSet[sn.id] || node.Label != "FILE" {
			if used := tokensOf(pack.CoreCode); used+cost <= coreBudget {
				pack.CoreCode = append(pack.CoreCode, slice)
				selectedIDs = append(selectedIDs, sn.id)
			}
		} else {
			if used := tokensOf(pack.Dependencies); used+cost <= depsBudget {
				pack.Dependencies = append(pack.Dependencies, slice)
				selectedIDs = append(selectedIDs, sn.id)
			}
		}
	}

	if req.IncludeDecisions && req.Task != "" {
		decBudget := int(float64(budget) * slotDecisions)
		decisions, err := b.opts.Episodes.DecisionQuery(ctx, req.ProjectID, req.AgentID, req.Task, relPaths(pack.CoreCode), 10)
		if err != nil {
			b.opts.Logger.Warn("decision query failed", slog.String("error", err.Error()))
		}
		for _, d := range decisions {
			if shaper.TokenEstimate(pack.Decisions)+shaper.TokenEstimate(d) > decBudget {
				break
			}
			pack.Decisions = append(pack.Decisions, d)
		}
	}

	if req.IncludeLearnings && len(selectedIDs) > 0 {
		learnings, err := b.learningsFor(ctx, req.ProjectID, selectedIDs)
		if err != nil {
			b.opts.Logger.Warn("learning lookup failed", slog.String("error", err.Error()))
		}
		pack.Learnings = learnings
	}

	if req.IncludeEpisodes && req.Task != "" {
		epBudget := int(float64(budget) * slotEpisodes)
		recalled, err := b.opts.Episodes.Recall(ctx, episode.RecallRequest{
			ProjectID: req.ProjectID, AgentID: req.AgentID,
			Query: req.Task, TaskID: req.TaskID, Limit: 10,
		})
		if err != nil {
			b.opts.Logger.Warn("episode recall failed", slog.String("error", err.Error()))
		}
		for _, r := range recalled {
			if shaper.TokenEstimate(pack.Episodes)+shaper.TokenEstimate(r) > epBudget {
				break
			}
			pack.Episodes = append(pack.Episodes, r)
		}
	}

	if len(selectedIDs) > 0 {
		blockers, err := b.opts.Coordinator.ActiveClaimsAgainst(ctx, req.ProjectID, req.AgentID, selectedIDs)
		if err != nil {
			b.opts.Logger.Warn("blocker lookup failed", slog.String("error", err.Error()))
		} else {
			pack.Blockers = blockers
		}
	}

	if req.TaskID != "" {
		if plan, err := b.planFor(ctx, req.ProjectID, req.TaskID); err == nil {
			pack.Plan = plan
		}
	}

	pack.Summary = b.compose(req, pack)
	return pack, nil
}

// expandInterfaces unions in implementations of abstract seeds.
func (b *Builder) expandInterfaces(projectID string, seeds []string) []string {
	out := append([]string(nil), seeds...)
	have := make(map[string]bool, len(seeds))
	for _, s := range seeds {
		have[s] = true
	}
	for _, s := range seeds {
		for _, e := range b.opts.Index.Outgoing(projectID, s) {
			if e.Type == "IMPLEMENTED_BY" && !have[e.To] {
				have[e.To] = true
				out = append(out, e.To)
			}
		}
		for _, e := range b.opts.Index.Incoming(projectID, s) {
			if e.Type == "IMPLEMENTED_BY" && !have[e.From] {
				have[e.From] = true
				out = append(out, e.From)
			}
		}
	}
	return out
}

// slice reads the node's source lines from disk and records one-hop
// neighbour ids.
func (b *Builder) slice(projectID string, node graphindex.Node, score float64) CodeSlice {
	cs := CodeSlice{
		ID: node.ID, Name: node.Name, Kind: node.Label, Path: node.RelPath,
		StartLine: node.StartLine, EndLine: node.EndLine,
		Summary: node.Summary, Score: score,
	}
	if node.FilePath != "" && node.StartLine > 0 {
		if content, err := os.ReadFile(node.FilePath); err == nil {
			lines := strings.Split(string(content), "\n")
			start, end := node.StartLine, node.EndLine
			if start < 1 {
				start = 1
			}
			if end > len(lines) {
				end = len(lines)
			}
			if start <= end {
				cs.Source = strings.Join(lines[start-1:end], "\n")
			}
		}
	}
	for _, e := range b.opts.Index.Outgoing(projectID, node.ID) {
		cs.Neighbours = append(cs.Neighbours, e.To)
	}
	for _, e := range b.opts.Index.Incoming(projectID, node.ID) {
		cs.Neighbours = append(cs.Neighbours, e.From)
	}
	return cs
}

func (b *Builder) learningsFor(ctx context.Context, projectID string, nodeIDs []string) ([]Learning, error) {
	ids := make([]any, len(nodeIDs))
	for i, id := range nodeIDs {
		ids[i] = id
	}
	rows, err := b.opts.Executor.ExecuteCypher(ctx, `
MATCH (l:LEARNING {projectId: $projectId})-[:APPLIES_TO]->(n)
WHERE n.id IN $nodeIds AND l.validTo IS NULL
RETURN DISTINCT l.id AS id, l.kind AS kind, l.subject AS subject,
       l.content AS content, l.confidence AS confidence`,
		map[string]any{"projectId": projectID, "nodeIds": ids})
	if err != nil {
		return nil, err
	}
	out := make([]Learning, 0, len(rows))
	for _, row := range rows {
		l := Learning{}
		l.ID, _ = row["id"].(string)
		l.Kind, _ = row["kind"].(string)
		l.Subject, _ = row["subject"].(string)
		l.Content, _ = row["content"].(string)
		l.Confidence = floatOf(row["confidence"])
		out = append(out, l)
	}
	return out, nil
}

func (b *Builder) planFor(ctx context.Context, projectID, taskID string) (*Plan, error) {
	rows, err := b.opts.Executor.ExecuteCypher(ctx, `
MATCH (t:TASK {id: $taskId, projectId: $projectId})
RETURN t.description AS description, t.status AS status`,
		map[string]any{"taskId": taskID, "projectId": projectID})
	if err != nil || len(rows) == 0 {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	plan := &Plan{TaskID: taskID}
	plan.Description, _ = rows[0]["description"].(string)
	plan.Status, _ = rows[0]["status"].(string)
	return plan, nil
}

// compose writes the short briefing summary naming the entry point.
func (b *Builder) compose(req Request, pack *Pack) string {
	if len(pack.CoreCode) == 0 {
		return fmt.Sprintf("No indexed code matched %q; rebuild the graph or broaden the task description.", req.Task)
	}
	entry := pack.CoreCode[0]
	var sb strings.Builder
	fmt.Fprintf(&sb, "Start in %s", entry.Path)
	if entry.Kind != "FILE" {
		fmt.Fprintf(&sb, " at %s %s", strings.ToLower(entry.Kind), entry.Name)
	}
	fmt.Fprintf(&sb, ". The task touches %d code slice(s) across the selected neighbourhood.", len(pack.CoreCode)+len(pack.Dependencies))
	if len(pack.Blockers) > 0 {
		fmt.Fprintf(&sb, " %d of the selected nodes are claimed by other agents; coordinate before editing.", len(pack.Blockers))
	}
	if len(pack.Decisions) > 0 {
		fmt.Fprintf(&sb, " %d prior decision(s) apply.", len(pack.Decisions))
	}
	return sb.String()
}

func tokensOf(slices []CodeSlice) int {
	if len(slices) == 0 {
		return 0
	}
	return shaper.TokenEstimate(slices)
}

func relPaths(slices []CodeSlice) []string {
	seen := make(map[string]bool, len(slices))
	var out []string
	for _, s := range slices {
		if s.Path != "" && !seen[s.Path] {
			seen[s.Path] = true
			out = append(out, s.Path)
		}
	}
	return out
}

func floatOf(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}
