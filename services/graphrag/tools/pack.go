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

	"github.com/lexigraph/lxrag/services/graphrag/contextpack"
	"github.com/lexigraph/lxrag/services/graphrag/dispatch"
	"github.com/lexigraph/lxrag/services/graphrag/shaper"
)

func (h *handlers) registerContext(reg *dispatch.Registry) {
	reg.Register(dispatch.Tool{
		Name:        "context_pack",
		Category:    categoryContext,
		Description: "Assemble a budgeted working briefing for a task: code, dependencies, decisions, and blockers.",
		InputShape: map[string]string{
			"task":             "string, required, what the agent is about to do",
			"taskId":           "string, task node for the plan slot",
			"includeDecisions": "bool, pull prior decisions (default true)",
			"includeEpisodes":  "bool, pull recent episode history",
			"includeLearnings": "bool, pull applicable learnings (default true)",
		},
		Schema: shaper.OutputSchema{
			{Key: "packSummary", Priority: shaper.PriorityRequired},
			{Key: "coreCode", Priority: shaper.PriorityRequired},
			{Key: "dependencies", Priority: shaper.PriorityHigh},
			{Key: "blockers", Priority: shaper.PriorityHigh},
			{Key: "decisions", Priority: shaper.PriorityMedium},
			{Key: "learnings", Priority: shaper.PriorityMedium},
			{Key: "plan", Priority: shaper.PriorityMedium},
			{Key: "episodeHistory", Priority: shaper.PriorityLow},
		},
		Handler:      h.contextPack,
		NeedsProject: true,
	})
}

func (h *handlers) contextPack(ctx context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	task, err := call.Args.RequireString("task")
	if err != nil {
		return nil, err
	}

	pack, err := h.deps.Packs.Build(ctx, contextpack.Request{
		ProjectID:        call.Project.ProjectID,
		AgentID:          call.AgentID,
		Task:             task,
		TaskID:           call.Args.String("taskId"),
		Profile:          call.Profile,
		IncludeDecisions: call.Args.BoolDefault("includeDecisions", true),
		IncludeEpisodes:  call.Args.Bool("includeEpisodes"),
		IncludeLearnings: call.Args.BoolDefault("includeLearnings", true),
	})
	if err != nil {
		return nil, err
	}

	data := map[string]any{
		"packSummary":  pack.Summary,
		"coreCode":     anyList(pack.CoreCode),
		"dependencies": anyList(pack.Dependencies),
		"blockers":     anyList(pack.Blockers),
		"decisions":    anyList(pack.Decisions),
		"learnings":    anyList(pack.Learnings),
	}
	if pack.Plan != nil {
		data["plan"] = pack.Plan
	}
	if len(pack.Episodes) > 0 {
		data["episodeHistory"] = anyList(pack.Episodes)
	}

	hint := ""
	if len(pack.Blockers) > 0 {
		hint = fmt.Sprintf("%d selected element(s) are claimed by other agents; check blockers before editing", len(pack.Blockers))
	}
	return &dispatch.Result{
		Summary: pack.Summary,
		Data:    data,
		Hint:    hint,
	}, nil
}
