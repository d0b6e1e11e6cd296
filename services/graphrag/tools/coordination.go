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
	"errors"
	"fmt"

	"github.com/lexigraph/lxrag/services/graphrag/coordinate"
	"github.com/lexigraph/lxrag/services/graphrag/dispatch"
	"github.com/lexigraph/lxrag/services/graphrag/shaper"
)

func (h *handlers) registerCoordination(reg *dispatch.Registry) {
	reg.Register(dispatch.Tool{
		Name:        "agent_claim",
		Category:    categoryCoordination,
		Description: "Take an exclusive claim on a file, symbol, task, or feature before editing it.",
		InputShape: map[string]string{
			"targetId":  "string, required, SCIP id or task/feature id",
			"claimType": "string, required, task|file|function|feature",
			"intent":    "string, required, what the agent plans to do",
			"taskId":    "string, owning task",
		},
		Schema: shaper.OutputSchema{
			{Key: "status", Priority: shaper.PriorityRequired},
			{Key: "claimId", Priority: shaper.PriorityRequired},
			{Key: "targetVersionSHA", Priority: shaper.PriorityMedium},
			{Key: "conflict", Priority: shaper.PriorityHigh},
		},
		Handler:      h.agentClaim,
		NeedsProject: true,
	})

	reg.Register(dispatch.Tool{
		Name:        "agent_release",
		Category:    categoryCoordination,
		Description: "Release a claim taken with agent_claim.",
		InputShape: map[string]string{
			"claimId": "string, required, id returned by agent_claim",
			"outcome": "string, what happened to the target",
		},
		Schema: shaper.OutputSchema{
			{Key: "released", Priority: shaper.PriorityRequired},
			{Key: "alreadyClosed", Priority: shaper.PriorityHigh},
			{Key: "notFound", Priority: shaper.PriorityHigh},
		},
		Handler:      h.agentRelease,
		NeedsProject: true,
	})

	reg.Register(dispatch.Tool{
		Name:        "agent_status",
		Category:    categoryCoordination,
		Description: "List an agent's active claims.",
		InputShape: map[string]string{
			"agentId": "string, agent to inspect (default the caller)",
		},
		Schema: shaper.OutputSchema{
			{Key: "claims", Priority: shaper.PriorityRequired},
			{Key: "count", Priority: shaper.PriorityHigh},
		},
		Handler:      h.agentStatus,
		NeedsProject: true,
	})

	reg.Register(dispatch.Tool{
		Name:        "coordination_overview",
		Category:    categoryCoordination,
		Description: "List every active claim in the project, grouped by agent.",
		InputShape:  map[string]string{},
		Schema: shaper.OutputSchema{
			{Key: "claims", Priority: shaper.PriorityRequired},
			{Key: "agents", Priority: shaper.PriorityHigh},
			{Key: "count", Priority: shaper.PriorityMedium},
		},
		Handler:      h.coordinationOverview,
		NeedsProject: true,
	})
}

func (h *handlers) agentClaim(ctx context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	targetID, err := call.Args.RequireString("targetId")
	if err != nil {
		return nil, err
	}
	claimType, err := call.Args.RequireString("claimType")
	if err != nil {
		return nil, err
	}
	intent, err := call.Args.RequireString("intent")
	if err != nil {
		return nil, err
	}

	res, err := h.deps.Claims.Claim(ctx, coordinate.ClaimRequest{
		ProjectID: call.Project.ProjectID,
		AgentID:   call.AgentID,
		TargetID:  targetID,
		ClaimType: claimType,
		Intent:    intent,
		TaskID:    call.Args.String("taskId"),
	})
	if err != nil {
		return nil, err
	}

	if res.Status == coordinate.StatusConflict {
		return &dispatch.Result{
			Summary: fmt.Sprintf("%s is already claimed by agent %s", targetID, res.Conflict.AgentID),
			Data: map[string]any{
				"status":   res.Status,
				"conflict": res.Conflict,
			},
			Failure: &dispatch.Error{
				Code:        dispatch.CodeClaimConflict,
				Message:     fmt.Sprintf("target %s held by agent %s", targetID, res.Conflict.AgentID),
				Hint:        "wait for the holder to release, or pick another target",
				Recoverable: true,
			},
		}, nil
	}

	return &dispatch.Result{
		Summary: fmt.Sprintf("claimed %s for agent %s", targetID, call.AgentID),
		Data: map[string]any{
			"status":           res.Status,
			"claimId":          res.ClaimID,
			"targetVersionSHA": res.TargetVersionSHA,
		},
		Hint: "release with agent_release when done",
	}, nil
}

func (h *handlers) agentRelease(ctx context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	claimID, err := call.Args.RequireString("claimId")
	if err != nil {
		return nil, err
	}

	res, err := h.deps.Claims.Release(ctx, claimID, call.Args.String("outcome"))
	if err != nil {
		if errors.Is(err, coordinate.ErrClaimNotFound) {
			return &dispatch.Result{
				Summary: fmt.Sprintf("no claim %s exists", claimID),
				Data:    map[string]any{"released": false, "notFound": true},
				Failure: &dispatch.Error{
					Code:        dispatch.CodeElementNotFound,
					Message:     fmt.Sprintf("claim %s not found", claimID),
					Hint:        "pass a claimId returned by agent_claim",
					Recoverable: true,
				},
			}, nil
		}
		return nil, err
	}

	if res.AlreadyClosed {
		return &dispatch.Result{
			Summary: fmt.Sprintf("claim %s was already closed", claimID),
			Data:    map[string]any{"released": false, "alreadyClosed": true},
			Failure: &dispatch.Error{
				Code:        dispatch.CodeClaimAlreadyClosed,
				Message:     fmt.Sprintf("claim %s is already closed", claimID),
				Hint:        "the claim was released or invalidated earlier; take a new claim if you still need the target",
				Recoverable: true,
			},
		}, nil
	}
	return &dispatch.Result{
		Summary: fmt.Sprintf("released claim %s", claimID),
		Data:    map[string]any{"released": true},
	}, nil
}

func (h *handlers) agentStatus(ctx context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	agentID := call.Args.String("agentId")
	if agentID == "" {
		agentID = call.AgentID
	}
	claims, err := h.deps.Claims.AgentStatus(ctx, call.Project.ProjectID, agentID)
	if err != nil {
		return nil, err
	}
	return &dispatch.Result{
		Summary: fmt.Sprintf("agent %s holds %d active claim(s)", agentID, len(claims)),
		Data: map[string]any{
			"claims": anyList(claims),
			"count":  len(claims),
		},
	}, nil
}

func (h *handlers) coordinationOverview(ctx context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	claims, err := h.deps.Claims.Overview(ctx, call.Project.ProjectID)
	if err != nil {
		return nil, err
	}

	agents := make(map[string]int)
	for _, c := range claims {
		agents[c.AgentID]++
	}
	return &dispatch.Result{
		Summary: fmt.Sprintf("%d active claim(s) across %d agent(s)", len(claims), len(agents)),
		Data: map[string]any{
			"claims": anyList(claims),
			"agents": agents,
			"count":  len(claims),
		},
	}, nil
}
