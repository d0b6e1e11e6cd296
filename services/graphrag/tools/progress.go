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
	"log/slog"

	"github.com/lexigraph/lxrag/services/graphrag/dispatch"
	"github.com/lexigraph/lxrag/services/graphrag/episode"
	"github.com/lexigraph/lxrag/services/graphrag/shaper"
)

// Task statuses accepted by task_update.
const (
	taskInProgress = "in_progress"
	taskBlocked    = "blocked"
	taskCompleted  = "completed"
	taskAbandoned  = "abandoned"
)

// blockingErrorWindow is how far back blocking_issues scans for
// unresolved errors, in epoch-millis (48 hours).
const blockingErrorWindow = int64(48 * 60 * 60 * 1000)

func (h *handlers) registerProgress(reg *dispatch.Registry) {
	reg.Register(dispatch.Tool{
		Name:        "progress_query",
		Category:    categoryProgress,
		Description: "Summarize activity per task from the episode history.",
		InputShape: map[string]string{
			"taskId": "string, restrict to one task",
		},
		Schema: shaper.OutputSchema{
			{Key: "tasks", Priority: shaper.PriorityRequired},
			{Key: "count", Priority: shaper.PriorityHigh},
		},
		Handler:      h.progressQuery,
		NeedsProject: true,
	})

	reg.Register(dispatch.Tool{
		Name:        "task_update",
		Category:    categoryProgress,
		Description: "Record a task status change; completing a task releases its claims and triggers reflection.",
		InputShape: map[string]string{
			"taskId": "string, required, task to update",
			"status": "string, required, in_progress|blocked|completed|abandoned",
			"note":   "string, why the status changed",
		},
		Schema: shaper.OutputSchema{
			{Key: "taskId", Priority: shaper.PriorityRequired},
			{Key: "status", Priority: shaper.PriorityRequired},
			{Key: "claimsClosed", Priority: shaper.PriorityHigh},
			{Key: "episodeId", Priority: shaper.PriorityMedium},
		},
		Handler:      h.taskUpdate,
		NeedsProject: true,
	})

	reg.Register(dispatch.Tool{
		Name:        "feature_status",
		Category:    categoryProgress,
		Description: "Report the state of one task or feature: activity, outcomes, and open claims.",
		InputShape: map[string]string{
			"featureId": "string, required, task or feature identifier",
		},
		Schema: shaper.OutputSchema{
			{Key: "featureId", Priority: shaper.PriorityRequired},
			{Key: "status", Priority: shaper.PriorityRequired},
			{Key: "episodeCounts", Priority: shaper.PriorityHigh},
			{Key: "openClaims", Priority: shaper.PriorityHigh},
			{Key: "lastActivity", Priority: shaper.PriorityMedium},
		},
		Handler:      h.featureStatus,
		NeedsProject: true,
	})

	reg.Register(dispatch.Tool{
		Name:        "blocking_issues",
		Category:    categoryProgress,
		Description: "List what is blocking progress: held claims and recent unresolved errors.",
		InputShape:  map[string]string{},
		Schema: shaper.OutputSchema{
			{Key: "issues", Priority: shaper.PriorityRequired},
			{Key: "count", Priority: shaper.PriorityHigh},
		},
		Handler:      h.blockingIssues,
		NeedsProject: true,
	})
}

func (h *handlers) progressQuery(ctx context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	rows, err := h.deps.Executor.ExecuteCypher(ctx, `
MATCH (e:EPISODE {projectId: $projectId})
WHERE e.taskId IS NOT NULL AND e.taskId <> ''
  AND ($taskId = '' OR e.taskId = $taskId)
RETURN e.taskId AS taskId, e.type AS type, count(e) AS cnt,
       max(e.timestamp) AS lastActivity
ORDER BY taskId, type`,
		map[string]any{
			"projectId": call.Project.ProjectID,
			"taskId":    call.Args.String("taskId"),
		})
	if err != nil {
		return nil, err
	}

	type taskAgg struct {
		counts       map[string]int64
		lastActivity int64
	}
	byTask := make(map[string]*taskAgg)
	var order []string
	for _, row := range rows {
		taskID := stringOf(row["taskId"])
		agg, ok := byTask[taskID]
		if !ok {
			agg = &taskAgg{counts: make(map[string]int64)}
			byTask[taskID] = agg
			order = append(order, taskID)
		}
		agg.counts[stringOf(row["type"])] = int64Of(row["cnt"])
		if ts := int64Of(row["lastActivity"]); ts > agg.lastActivity {
			agg.lastActivity = ts
		}
	}

	tasks := make([]any, 0, len(order))
	for _, taskID := range order {
		agg := byTask[taskID]
		tasks = append(tasks, map[string]any{
			"taskId":        taskID,
			"episodeCounts": agg.counts,
			"lastActivity":  agg.lastActivity,
		})
	}
	return &dispatch.Result{
		Summary: fmt.Sprintf("%d task(s) with recorded activity", len(tasks)),
		Data: map[string]any{
			"tasks": tasks,
			"count": len(tasks),
		},
	}, nil
}

func (h *handlers) taskUpdate(ctx context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	taskID, err := call.Args.RequireString("taskId")
	if err != nil {
		return nil, err
	}
	status, err := call.Args.RequireString("status")
	if err != nil {
		return nil, err
	}
	switch status {
	case taskInProgress, taskBlocked, taskCompleted, taskAbandoned:
	default:
		return nil, dispatch.Errorf(dispatch.CodeInvalidArgument,
			"pass status as in_progress, blocked, completed, or abandoned", "unknown task status %q", status)
	}

	// The task must have prior activity; nothing is written for a typo'd id.
	known, err := h.deps.Executor.ExecuteCypher(ctx, `
MATCH (e:EPISODE {projectId: $projectId, taskId: $taskId})
RETURN count(e) AS cnt`,
		map[string]any{"projectId": call.Project.ProjectID, "taskId": taskID})
	if err != nil {
		return nil, err
	}
	if len(known) == 0 || int64Of(known[0]["cnt"]) == 0 {
		return nil, dispatch.Errorf(dispatch.CodeElementNotFound,
			"pass a taskId from a progress_query result", "no activity recorded for task %q", taskID)
	}

	rationale := call.Args.String("note")
	if rationale == "" {
		rationale = fmt.Sprintf("task moved to %s", status)
	}
	ep, err := h.deps.Episodes.Add(ctx, episode.AddRequest{
		ProjectID: call.Project.ProjectID,
		AgentID:   call.AgentID,
		SessionID: call.SessionID,
		Type:      episode.TypeDecision,
		Content:   fmt.Sprintf("task %s status changed to %s", taskID, status),
		TaskID:    taskID,
		Outcome:   status,
		Metadata:  map[string]any{"rationale": rationale},
	})
	if err != nil {
		return nil, err
	}

	claimsClosed := 0
	if status == taskCompleted {
		claimsClosed, err = h.deps.Claims.TaskCompleted(ctx, call.Project.ProjectID, taskID)
		if err != nil {
			return nil, err
		}
		if _, err := h.deps.Episodes.Reflect(ctx, episode.ReflectRequest{
			ProjectID: call.Project.ProjectID,
			TaskID:    taskID,
		}); err != nil {
			// Reflection is best effort; completion already happened.
			h.deps.Logger.Warn("post-completion reflect failed",
				slog.String("task_id", taskID), slog.String("error", err.Error()))
		}
	}

	return &dispatch.Result{
		Summary: fmt.Sprintf("task %s is now %s", taskID, status),
		Data: map[string]any{
			"taskId":       taskID,
			"status":       status,
			"claimsClosed": claimsClosed,
			"episodeId":    ep.ID,
		},
	}, nil
}

func (h *handlers) featureStatus(ctx context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	featureID, err := call.Args.RequireString("featureId")
	if err != nil {
		return nil, err
	}
	projectID := call.Project.ProjectID

	rows, err := h.deps.Executor.ExecuteCypher(ctx, `
MATCH (e:EPISODE {projectId: $projectId, taskId: $taskId})
RETURN e.type AS type, count(e) AS cnt, max(e.timestamp) AS lastActivity,
       collect(e.outcome)[-1] AS lastOutcome`,
		map[string]any{"projectId": projectID, "taskId": featureID})
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64)
	var lastActivity int64
	lastOutcome := ""
	total := int64(0)
	for _, row := range rows {
		n := int64Of(row["cnt"])
		if n == 0 {
			continue
		}
		counts[stringOf(row["type"])] = n
		total += n
		if ts := int64Of(row["lastActivity"]); ts > lastActivity {
			lastActivity = ts
			lastOutcome = stringOf(row["lastOutcome"])
		}
	}
	if total == 0 {
		return nil, dispatch.Errorf(dispatch.CodeElementNotFound,
			"pass a featureId from a progress_query result", "no activity recorded for %q", featureID)
	}

	claims, err := h.deps.Claims.Overview(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var openClaims []any
	for _, c := range claims {
		if c.TaskID == featureID {
			openClaims = append(openClaims, c)
		}
	}

	status := taskInProgress
	switch lastOutcome {
	case taskCompleted, taskBlocked, taskAbandoned:
		status = lastOutcome
	}

	return &dispatch.Result{
		Summary: fmt.Sprintf("%s is %s with %d episode(s) and %d open claim(s)",
			featureID, status, total, len(openClaims)),
		Data: map[string]any{
			"featureId":     featureID,
			"status":        status,
			"episodeCounts": counts,
			"openClaims":    openClaims,
			"lastActivity":  lastActivity,
		},
	}, nil
}

func (h *handlers) blockingIssues(ctx context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	projectID := call.Project.ProjectID

	claims, err := h.deps.Claims.Overview(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var issues []any
	for _, c := range claims {
		issues = append(issues, map[string]any{
			"kind":    "held-claim",
			"agentId": c.AgentID,
			"target":  c.TargetID,
			"intent":  c.Intent,
			"since":   c.Since,
		})
	}

	errRows, err := h.deps.Executor.ExecuteCypher(ctx, `
MATCH (e:EPISODE {projectId: $projectId, type: 'ERROR'})
WHERE e.timestamp > $since
  AND NOT EXISTS {
    MATCH (later:EPISODE {projectId: $projectId, taskId: e.taskId})
    WHERE later.timestamp > e.timestamp AND later.type IN ['EDIT', 'TEST_RESULT']
  }
RETURN e.id AS id, e.content AS content, e.taskId AS taskId, e.timestamp AS timestamp
ORDER BY e.timestamp DESC`,
		map[string]any{
			"projectId": projectID,
			"since":     h.nowMillis() - blockingErrorWindow,
		})
	if err != nil {
		return nil, err
	}
	for _, row := range errRows {
		issues = append(issues, map[string]any{
			"kind":      "unresolved-error",
			"episodeId": stringOf(row["id"]),
			"content":   stringOf(row["content"]),
			"taskId":    stringOf(row["taskId"]),
			"timestamp": int64Of(row["timestamp"]),
		})
	}

	return &dispatch.Result{
		Summary: fmt.Sprintf("%d blocking issue(s): %d held claim(s), %d unresolved error(s)",
			len(issues), len(claims), len(errRows)),
		Data: map[string]any{
			"issues": issues,
			"count":  len(issues),
		},
	}, nil
}
