// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"fmt"

	"github.com/lexigraph/lxrag/services/graphrag/dispatch"
	"github.com/lexigraph/lxrag/services/graphrag/episode"
	"github.com/lexigraph/lxrag/services/graphrag/shaper"
)

func (h *handlers) registerMemory(reg *dispatch.Registry) {
	reg.Register(dispatch.Tool{
		Name:        "episode_add",
		Category:    categoryMemory,
		Description: "Record an episode: observation, decision, edit, test result, or error.",
		InputShape: map[string]string{
			"type":      "string, required, OBSERVATION|DECISION|EDIT|TEST_RESULT|ERROR",
			"content":   "string, required, what happened",
			"entities":  "array, SCIP ids the episode involves",
			"taskId":    "string, owning task",
			"outcome":   "string, result of the action",
			"metadata":  "object, free-form; DECISION requires metadata.rationale",
			"sensitive": "bool, hide from other agents (default false)",
		},
		Schema: shaper.OutputSchema{
			{Key: "episodeId", Priority: shaper.PriorityRequired},
			{Key: "type", Priority: shaper.PriorityHigh},
			{Key: "timestamp", Priority: shaper.PriorityMedium},
		},
		Handler:      h.episodeAdd,
		NeedsProject: true,
	})

	reg.Register(dispatch.Tool{
		Name:        "episode_recall",
		Category:    categoryMemory,
		Description: "Recall past episodes by semantic similarity, recency, and entity overlap.",
		InputShape: map[string]string{
			"query":    "string, required, what to recall",
			"agentId":  "string, restrict to one agent",
			"taskId":   "string, restrict to one task",
			"types":    "array, episode types to include",
			"entities": "array, SCIP ids for overlap scoring",
			"limit":    "number, max results (default 5)",
			"since":    "number, epoch-millis lower bound",
		},
		Schema: shaper.OutputSchema{
			{Key: "episodes", Priority: shaper.PriorityRequired},
			{Key: "count", Priority: shaper.PriorityHigh},
		},
		Handler:      h.episodeRecall,
		NeedsProject: true,
	})

	reg.Register(dispatch.Tool{
		Name:        "decision_query",
		Category:    categoryMemory,
		Description: "Recall past decisions relevant to a question, boosted by affected-file overlap.",
		InputShape: map[string]string{
			"query":         "string, required, what decision to look for",
			"affectedFiles": "array, files the current work touches",
			"limit":         "number, max results (default 5)",
		},
		Schema: shaper.OutputSchema{
			{Key: "decisions", Priority: shaper.PriorityRequired},
			{Key: "count", Priority: shaper.PriorityHigh},
		},
		Handler:      h.decisionQuery,
		NeedsProject: true,
	})

	reg.Register(dispatch.Tool{
		Name:        "reflect",
		Category:    categoryMemory,
		Description: "Derive patterns from recent episodes and persist learnings.",
		InputShape: map[string]string{
			"taskId":  "string, restrict to one task",
			"agentId": "string, restrict to one agent",
			"limit":   "number, episodes to inspect (default 20)",
		},
		Schema: shaper.OutputSchema{
			{Key: "patterns", Priority: shaper.PriorityRequired},
			{Key: "learnings", Priority: shaper.PriorityHigh},
			{Key: "reflectionId", Priority: shaper.PriorityMedium},
		},
		Handler:      h.reflect,
		NeedsProject: true,
	})
}

func (h *handlers) episodeAdd(ctx context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	epType, err := call.Args.RequireString("type")
	if err != nil {
		return nil, err
	}
	content, err := call.Args.RequireString("content")
	if err != nil {
		return nil, err
	}

	ep, err := h.deps.Episodes.Add(ctx, episode.AddRequest{
		ProjectID: call.Project.ProjectID,
		AgentID:   call.AgentID,
		SessionID: call.SessionID,
		Type:      epType,
		Content:   content,
		Entities:  call.Args.Strings("entities"),
		TaskID:    call.Args.String("taskId"),
		Outcome:   call.Args.String("outcome"),
		Metadata:  call.Args.Map("metadata"),
		Sensitive: call.Args.Bool("sensitive"),
	})
	if err != nil {
		return nil, err
	}

	return &dispatch.Result{
		Summary: fmt.Sprintf("recorded %s episode %s", ep.Type, ep.ID),
		Data: map[string]any{
			"episodeId": ep.ID,
			"type":      ep.Type,
			"timestamp": ep.Timestamp,
		},
	}, nil
}

func (h *handlers) episodeRecall(ctx context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	query, err := call.Args.RequireString("query")
	if err != nil {
		return nil, err
	}
	recalled, err := h.deps.Episodes.Recall(ctx, episode.RecallRequest{
		ProjectID:   call.Project.ProjectID,
		AgentID:     call.AgentID,
		Query:       query,
		TaskID:      call.Args.String("taskId"),
		FromAgentID: call.Args.String("agentId"),
		Types:       call.Args.Strings("types"),
		Entities:    call.Args.Strings("entities"),
		Limit:       call.Args.Int("limit"),
		Since:       call.Args.Int64("since"),
	})
	if err != nil {
		return nil, err
	}
	return &dispatch.Result{
		Summary: fmt.Sprintf("recalled %d episode(s) for %q", len(recalled), query),
		Data: map[string]any{
			"episodes": anyList(recalled),
			"count":    len(recalled),
		},
	}, nil
}

func (h *handlers) decisionQuery(ctx context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	query, err := call.Args.RequireString("query")
	if err != nil {
		return nil, err
	}
	decisions, err := h.deps.Episodes.DecisionQuery(ctx,
		call.Project.ProjectID, call.AgentID, query,
		call.Args.Strings("affectedFiles"), call.Args.Int("limit"))
	if err != nil {
		return nil, err
	}
	return &dispatch.Result{
		Summary: fmt.Sprintf("found %d prior decision(s) for %q", len(decisions), query),
		Data: map[string]any{
			"decisions": anyList(decisions),
			"count":     len(decisions),
		},
	}, nil
}

func (h *handlers) reflect(ctx context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	reflection, err := h.deps.Episodes.Reflect(ctx, episode.ReflectRequest{
		ProjectID: call.Project.ProjectID,
		AgentID:   call.Args.String("agentId"),
		TaskID:    call.Args.String("taskId"),
		Limit:     call.Args.Int("limit"),
	})
	if err != nil {
		return nil, err
	}
	return &dispatch.Result{
		Summary: fmt.Sprintf("derived %d pattern(s) and %d learning(s)",
			len(reflection.Patterns), len(reflection.Learnings)),
		Data: map[string]any{
			"patterns":     anyList(reflection.Patterns),
			"learnings":    anyStrings(reflection.Learnings),
			"reflectionId": reflection.EpisodeID,
		},
	}, nil
}
