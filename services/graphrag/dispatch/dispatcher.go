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
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lexigraph/lxrag/services/graphrag/session"
	"github.com/lexigraph/lxrag/services/graphrag/shaper"
)

var tracer = otel.Tracer("graphrag.dispatch")

// defaultAgentID names callers that do not identify themselves.
const defaultAgentID = "default"

// synonyms maps per-tool legacy argument names to their canonical names.
// Substitutions are reported through contractWarnings, never silently.
var synonyms = map[string]map[string]string{
	"impact_analyze":    {"changedFiles": "files"},
	"contract_validate": {"toolName": "tool"},
	"graph_set_workspace": {
		"workspacePath": "workspaceRoot",
		"root":          "workspaceRoot",
	},
	"episode_recall": {"q": "query"},
	"semantic_search": {
		"q":    "query",
		"text": "query",
	},
	"agent_claim":   {"target": "targetId"},
	"agent_release": {"claim": "claimId"},
}

// Options configures a Dispatcher.
type Options struct {
	Registry *Registry
	Sessions *session.Manager
	Logger   *slog.Logger
}

// Dispatcher resolves tool calls end to end: registry lookup, argument
// normalization, project-context gating, handler invocation with panic
// recovery, error classification, and response shaping.
type Dispatcher struct {
	registry *Registry
	sessions *session.Manager
	logger   *slog.Logger
}

// New creates a dispatcher and registers the built-in reflection tools.
func New(opts Options) *Dispatcher {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	d := &Dispatcher{
		registry: opts.Registry,
		sessions: opts.Sessions,
		logger:   opts.Logger.With(slog.String("component", "dispatcher")),
	}
	d.registerBuiltins()
	return d
}

// Registry exposes the underlying registry for tool registration.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// CallTool executes one tool call and always returns an envelope; handler
// errors and panics become ok=false envelopes, never a crash.
func (d *Dispatcher) CallTool(ctx context.Context, sessionID, toolName string, rawArgs map[string]any) *shaper.Envelope {
	ctx, span := tracer.Start(ctx, "dispatch.CallTool", trace.WithAttributes(
		attribute.String("tool", toolName),
		attribute.String("session_id", sessionID)))
	defer span.End()

	start := time.Now()
	profile := shaper.ParseProfile(stringArg(rawArgs, "profile"))

	tool, ok := d.registry.Get(toolName)
	if !ok {
		observeCall(toolName, "not_found", time.Since(start))
		return d.errorEnvelope(profile, &Error{
			Code:        CodeToolNotFound,
			Message:     fmt.Sprintf("unknown tool %q", toolName),
			Hint:        d.nearestToolHint(toolName),
			Recoverable: true,
		})
	}

	args, warnings := normalizeArgs(toolName, rawArgs)

	call := &Call{
		SessionID: sessionID,
		AgentID:   agentIDOf(args),
		Profile:   profile,
		Args:      args,
	}
	if d.sessions != nil {
		if pc, err := d.sessions.Get(sessionID); err == nil {
			call.Project = pc
			call.HasProject = true
		}
	}
	if tool.NeedsProject && !call.HasProject {
		observeCall(toolName, "no_project", time.Since(start))
		env := d.errorEnvelope(profile, classify(session.ErrNoProjectContext))
		env.ContractWarnings = warnings
		return env
	}

	result, err := d.invoke(ctx, tool, call)
	if err != nil {
		de := classify(err)
		d.logger.Warn("tool call failed",
			slog.String("tool", toolName),
			slog.String("session_id", sessionID),
			slog.String("error_code", de.Code),
			slog.String("error", err.Error()))
		observeCall(toolName, "error", time.Since(start))
		env := d.errorEnvelope(profile, de)
		env.ContractWarnings = warnings
		return env
	}

	env := &shaper.Envelope{
		OK:               true,
		Summary:          result.Summary,
		Data:             result.Data,
		Hint:             result.Hint,
		ContractWarnings: append(warnings, result.Warnings...),
	}
	status := "ok"
	if f := result.Failure; f != nil {
		env.OK = false
		env.ErrorCode = f.Code
		env.Error = &shaper.ErrorDetail{Message: f.Message, Recoverable: f.Recoverable}
		if env.Hint == "" {
			env.Hint = f.Hint
		}
		status = "failed"
	}
	shaper.Shape(env, tool.Schema, profile)

	observeCall(toolName, status, time.Since(start))
	d.logger.Debug("tool call completed",
		slog.String("tool", toolName),
		slog.String("session_id", sessionID),
		slog.Int("token_estimate", env.TokenEstimate),
		slog.Duration("duration", time.Since(start)))
	return env
}

// invoke runs the handler, converting panics into internal errors.
func (d *Dispatcher) invoke(ctx context.Context, tool Tool, call *Call) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool handler panicked",
				slog.String("tool", tool.Name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			result = nil
			err = &Error{
				Code:    CodeInternal,
				Message: fmt.Sprintf("%s: internal failure", tool.Name),
			}
		}
	}()
	result, err = tool.Handler(ctx, call)
	if err == nil && result == nil {
		err = &Error{Code: CodeInternal, Message: fmt.Sprintf("%s returned no result", tool.Name)}
	}
	return result, err
}

func (d *Dispatcher) errorEnvelope(profile shaper.Profile, de *Error) *shaper.Envelope {
	env := &shaper.Envelope{
		OK:        false,
		Summary:   de.Message,
		ErrorCode: de.Code,
		Hint:      de.Hint,
		Error: &shaper.ErrorDetail{
			Message:     de.Message,
			Recoverable: de.Recoverable,
		},
	}
	env.Profile = profile
	env.TokenEstimate = shaper.TokenEstimate(env)
	return env
}

// nearestToolHint suggests a registered tool sharing a name prefix.
func (d *Dispatcher) nearestToolHint(name string) string {
	prefix := name
	if i := strings.IndexByte(name, '_'); i > 0 {
		prefix = name[:i]
	}
	for _, candidate := range d.registry.Names() {
		if strings.HasPrefix(candidate, prefix) {
			return fmt.Sprintf("did you mean %q? call tools_list for the full surface", candidate)
		}
	}
	return "call tools_list for the full surface"
}

// normalizeArgs applies the tool's synonym table, reporting each mapping.
// Canonical keys already present win over their synonyms.
func normalizeArgs(toolName string, raw map[string]any) (Args, []string) {
	args := make(Args, len(raw))
	for k, v := range raw {
		args[k] = v
	}
	table := synonyms[toolName]
	if len(table) == 0 {
		return args, nil
	}

	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var warnings []string
	for _, from := range keys {
		to := table[from]
		v, ok := args[from]
		if !ok {
			continue
		}
		if _, exists := args[to]; !exists {
			args[to] = v
		}
		delete(args, from)
		warnings = append(warnings, fmt.Sprintf("mapped %s -> %s", from, to))
	}
	return args, warnings
}

func agentIDOf(args Args) string {
	if id := args.String("agentId"); id != "" {
		return id
	}
	return defaultAgentID
}

func stringArg(raw map[string]any, key string) string {
	s, _ := raw[key].(string)
	return s
}

// RequireProject returns the call's project context or the session error.
func (c *Call) RequireProject() (session.ProjectContext, error) {
	if !c.HasProject {
		return session.ProjectContext{}, session.ErrNoProjectContext
	}
	return c.Project, nil
}
