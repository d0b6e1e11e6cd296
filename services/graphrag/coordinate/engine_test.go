// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexigraph/lxrag/services/graphrag/memgraph"
	"github.com/lexigraph/lxrag/services/graphrag/memgraph/memtest"
)

func newTestEngine() (*Engine, *memtest.Fake) {
	exec := memtest.New()
	e := NewEngine(Options{
		Executor: exec,
		Now:      func() time.Time { return time.UnixMilli(1700000000000) },
	})
	return e, exec
}

func TestClaimSucceedsWhenTargetFree(t *testing.T) {
	e, exec := newTestEngine()
	exec.RespondRows("CREATE (c:CLAIM", []memgraph.Row{{
		"conflictAgent": nil, "conflictIntent": nil, "conflictSince": nil,
		"targetSHA": "abc123",
	}})

	res, err := e.Claim(context.Background(), ClaimRequest{
		ProjectID: "proj", AgentID: "A", TargetID: "proj:file:src/a.ts",
		ClaimType: "file", Intent: "refactor",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.NotEmpty(t, res.ClaimID)
	assert.Equal(t, "abc123", res.TargetVersionSHA)
	assert.Nil(t, res.Conflict)

	claims := exec.CallsContaining("CREATE (c:CLAIM")
	require.Len(t, claims, 1)
	assert.Equal(t, "A", claims[0].Params["agentId"])
	assert.EqualValues(t, 1700000000000, claims[0].Params["ts"])
	assert.Len(t, exec.CallsContaining("TARGETS"), 1)
}

func TestClaimConflictWhenHeldByOtherAgent(t *testing.T) {
	e, exec := newTestEngine()
	exec.RespondRows("CREATE (c:CLAIM", []memgraph.Row{{
		"conflictAgent": "A", "conflictIntent": "refactor",
		"conflictSince": int64(1699999000000), "targetSHA": "abc123",
	}})

	res, err := e.Claim(context.Background(), ClaimRequest{
		ProjectID: "proj", AgentID: "B", TargetID: "proj:file:src/a.ts",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, res.Status)
	require.NotNil(t, res.Conflict)
	assert.Equal(t, "A", res.Conflict.AgentID)
	assert.Equal(t, "refactor", res.Conflict.Intent)
	assert.EqualValues(t, 1699999000000, res.Conflict.Since)

	// No TARGETS edge is written for a rejected claim.
	assert.Empty(t, exec.CallsContaining("TARGETS"))
}

func TestReleaseTransitions(t *testing.T) {
	e, exec := newTestEngine()
	exec.RespondRows("RETURN priorValidTo", []memgraph.Row{{"priorValidTo": nil}})

	res, err := e.Release(context.Background(), "c1", "done")
	require.NoError(t, err)
	assert.True(t, res.Released)

	call := exec.CallsContaining("invalidationReason = $reason")[0]
	assert.Equal(t, ReasonReleased, call.Params["reason"])
}

func TestReleaseAlreadyClosed(t *testing.T) {
	e, exec := newTestEngine()
	exec.RespondRows("RETURN priorValidTo", []memgraph.Row{{"priorValidTo": int64(1699999999999)}})

	res, err := e.Release(context.Background(), "c1", "")
	require.NoError(t, err)
	assert.False(t, res.Released)
	assert.True(t, res.AlreadyClosed)
}

func TestReleaseUnknownClaimIsError(t *testing.T) {
	e, exec := newTestEngine()
	exec.RespondRows("RETURN priorValidTo", nil)

	res, err := e.Release(context.Background(), "missing", "")
	require.ErrorIs(t, err, ErrClaimNotFound)
	require.NotNil(t, res)
	assert.False(t, res.Released)
	assert.True(t, res.NotFound)
}

func TestInvalidateStale(t *testing.T) {
	e, exec := newTestEngine()
	exec.RespondRows("t.validFrom > c.validFrom", []memgraph.Row{{"invalidated": int64(2)}})

	n, err := e.InvalidateStale(context.Background(), "proj")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	call := exec.CallsContaining("t.validFrom > c.validFrom")[0]
	assert.Equal(t, ReasonCodeChanged, call.Params["reason"])
}

func TestTaskCompletedClosesTaskClaims(t *testing.T) {
	e, exec := newTestEngine()
	exec.RespondRows("taskId: $taskId", []memgraph.Row{{"invalidated": int64(3)}})

	n, err := e.TaskCompleted(context.Background(), "proj", "task-9")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	call := exec.CallsContaining("taskId: $taskId")[0]
	assert.Equal(t, ReasonTaskCompleted, call.Params["reason"])
}

func TestOverviewMapsRows(t *testing.T) {
	e, exec := newTestEngine()
	exec.RespondRows("WHERE c.validTo IS NULL\nRETURN", []memgraph.Row{{
		"claimId": "c1", "agentId": "A", "targetId": "proj:file:src/a.ts",
		"claimType": "file", "intent": "refactor", "taskId": "t1",
		"since": int64(42), "reason": nil,
	}})

	claims, err := e.Overview(context.Background(), "proj")
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, "c1", claims[0].ClaimID)
	assert.EqualValues(t, 42, claims[0].Since)
	assert.Empty(t, claims[0].Reason)
}
