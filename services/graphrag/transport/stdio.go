// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/lexigraph/lxrag/services/graphrag/session"
)

// maxFrameSize caps one stdio line; large tool results stay well under
// this after shaping.
const maxFrameSize = 16 * 1024 * 1024

// StdioOptions configures a stdio server. In and Out default to the
// process streams; stdout carries protocol frames only, all logging goes
// to stderr.
type StdioOptions struct {
	Router *Router
	In     io.Reader
	Out    io.Writer
	Logger *slog.Logger
}

// Stdio serves line-delimited JSON-RPC over standard streams. All
// requests share the fixed stdio session, and responses are written in
// request order.
type Stdio struct {
	router *Router
	in     io.Reader
	out    io.Writer
	logger *slog.Logger

	mu sync.Mutex // serializes frame writes
}

// NewStdio creates a stdio server.
func NewStdio(opts StdioOptions) *Stdio {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Stdio{
		router: opts.Router,
		in:     opts.In,
		out:    opts.Out,
		logger: opts.Logger.With(slog.String("component", "stdio")),
	}
}

// Run reads frames until EOF or context cancellation. Requests are
// handled sequentially so the client observes responses in request
// order. Malformed frames get a parse-error response instead of
// terminating the stream.
func (s *Stdio) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.logger.Warn("undecodable frame", slog.String("error", err.Error()))
			if werr := s.write(parseErrorResponse(err.Error())); werr != nil {
				return werr
			}
			continue
		}

		resp := s.router.Handle(ctx, session.StdioSessionID, &req)
		if resp == nil {
			continue
		}
		if err := s.write(resp); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	return nil
}

func (s *Stdio) write(resp *Response) error {
	encoded, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.out.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("write stdout: %w", err)
	}
	return nil
}
