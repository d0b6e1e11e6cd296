// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"errors"
	"fmt"

	"github.com/lexigraph/lxrag/services/graphrag/builder"
	"github.com/lexigraph/lxrag/services/graphrag/coordinate"
	"github.com/lexigraph/lxrag/services/graphrag/episode"
	"github.com/lexigraph/lxrag/services/graphrag/memgraph"
	"github.com/lexigraph/lxrag/services/graphrag/session"
	"github.com/lexigraph/lxrag/services/graphrag/shaper"
)

// Machine-readable error codes of the tool surface. BUDGET_EXCEEDED is
// stamped by the shaper when required fields overflow the profile budget.
const (
	CodeToolNotFound    = "TOOL_NOT_FOUND"
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeBudgetExceeded  = shaper.CodeBudgetExceeded

	CodeWorkspaceNotFound = "WORKSPACE_NOT_FOUND"
	CodeSourceDirNotFound = "SOURCE_DIR_NOT_FOUND"

	CodeGraphDBUnavailable         = "GRAPH_DB_UNAVAILABLE"
	CodeGraphQueryFailed           = "GRAPH_QUERY_FAILED"
	CodeHybridRetrieverUnavailable = "HYBRID_RETRIEVER_UNAVAILABLE"

	CodeElementNotFound             = "ELEMENT_NOT_FOUND"
	CodeSemanticDiffElementNotFound = "SEMANTIC_DIFF_ELEMENT_NOT_FOUND"
	CodeSemanticSliceNotFound       = "SEMANTIC_SLICE_NOT_FOUND"

	CodeDecisionRequiresRationale = "EPISODE_DECISION_REQUIRES_RATIONALE"
	CodeClaimConflict             = "CLAIM_CONFLICT"
	CodeClaimAlreadyClosed        = "CLAIM_ALREADY_CLOSED"

	CodeDiffSinceAnchorNotFound = "DIFF_SINCE_ANCHOR_NOT_FOUND"
	CodeArchEngineUnavailable   = "ARCH_ENGINE_UNAVAILABLE"

	CodeCommandTimeout         = "COMMAND_TIMEOUT"
	CodeCommandOutputTruncated = "COMMAND_OUTPUT_TRUNCATED"

	CodeInternal = "INTERNAL_ERROR"
)

// Error is a handler failure that already knows its envelope shape.
type Error struct {
	Code        string
	Message     string
	Hint        string
	Recoverable bool
}

// Error implements the error interface.
func (e *Error) Error() string { return e.Message }

// Errorf builds a recoverable handler error.
func Errorf(code, hint, format string, args ...any) *Error {
	return &Error{
		Code:        code,
		Message:     fmt.Sprintf(format, args...),
		Hint:        hint,
		Recoverable: true,
	}
}

// classify maps an arbitrary handler error to its envelope code,
// recoverability, and hint.
func classify(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}

	switch {
	case errors.Is(err, session.ErrNoProjectContext):
		return &Error{
			Code:        CodeWorkspaceNotFound,
			Message:     err.Error(),
			Hint:        "call graph_set_workspace with workspaceRoot first",
			Recoverable: true,
		}
	case errors.Is(err, session.ErrWorkspaceNotFound), errors.Is(err, builder.ErrWorkspaceNotFound):
		return &Error{
			Code:        CodeWorkspaceNotFound,
			Message:     err.Error(),
			Hint:        "pass an existing absolute workspaceRoot",
			Recoverable: true,
		}
	case errors.Is(err, builder.ErrSourceDirNotFound):
		return &Error{
			Code:        CodeSourceDirNotFound,
			Message:     err.Error(),
			Hint:        "pass sourceDir relative to the workspace root, or create it",
			Recoverable: true,
		}
	case errors.Is(err, memgraph.ErrUnavailable):
		return &Error{Code: CodeGraphDBUnavailable, Message: err.Error(), Hint: "check the graph store and retry"}
	case errors.Is(err, memgraph.ErrQueryFailed):
		return &Error{Code: CodeGraphQueryFailed, Message: err.Error(), Recoverable: true}
	case errors.Is(err, episode.ErrDecisionRequiresRationale):
		return &Error{
			Code:        CodeDecisionRequiresRationale,
			Message:     err.Error(),
			Hint:        "include metadata.rationale explaining the decision",
			Recoverable: true,
		}
	case errors.Is(err, coordinate.ErrClaimNotFound):
		return &Error{
			Code:        CodeElementNotFound,
			Message:     err.Error(),
			Hint:        "pass a claimId returned by agent_claim",
			Recoverable: true,
		}
	default:
		return &Error{Code: CodeInternal, Message: err.Error()}
	}
}
