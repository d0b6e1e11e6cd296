// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memgraph wraps the Bolt driver behind the narrow executeCypher
// surface the engines depend on. Transient connection failures are retried
// with exponential backoff; query-syntax and constraint errors fail fast.
package memgraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("graphrag.memgraph")

// Row is one result row keyed by return alias.
type Row = map[string]any

// Executor is the query surface engines depend on. The production
// implementation is *Client; tests substitute an in-memory fake.
type Executor interface {
	ExecuteCypher(ctx context.Context, query string, params map[string]any) ([]Row, error)
}

// Sentinel errors.
var (
	// ErrUnavailable indicates the graph store could not be reached.
	ErrUnavailable = errors.New("graph store unavailable")

	// ErrQueryFailed indicates the store rejected the query.
	ErrQueryFailed = errors.New("graph query failed")
)

// Defaults for connection management.
const (
	// DefaultMaxPoolSize bounds the driver connection pool.
	DefaultMaxPoolSize = 50

	// DefaultAcquireTimeout is how long to wait for a pooled connection.
	DefaultAcquireTimeout = 10 * time.Second

	// DefaultLivenessTimeout bounds the connectivity probe.
	DefaultLivenessTimeout = 5 * time.Second

	// maxRetries is the retry budget for transient failures.
	maxRetries = 3
)

// Options configures the client.
type Options struct {
	Host string
	Port int

	// MaxPoolSize bounds concurrent connections. Default: 50.
	MaxPoolSize int

	// AcquireTimeout is the pooled-connection wait limit. Default: 10s.
	AcquireTimeout time.Duration

	Logger *slog.Logger
}

// Client is a Memgraph client speaking Bolt.
type Client struct {
	driver neo4j.DriverWithContext
	logger *slog.Logger
}

// NewClient connects to Memgraph at bolt://host:port.
//
// The connection is pooled and lazy; call Liveness to verify reachability.
func NewClient(opts Options) (*Client, error) {
	if opts.MaxPoolSize <= 0 {
		opts.MaxPoolSize = DefaultMaxPoolSize
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = DefaultAcquireTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	uri := fmt.Sprintf("bolt://%s:%d", opts.Host, opts.Port)
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.NoAuth(), func(c *neo4j.Config) {
		c.MaxConnectionPoolSize = opts.MaxPoolSize
		c.ConnectionAcquisitionTimeout = opts.AcquireTimeout
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return &Client{
		driver: driver,
		logger: opts.Logger.With(slog.String("component", "memgraph_client")),
	}, nil
}

// ExecuteCypher runs one query and materializes all rows.
//
// Transient failures (connection refused/reset, pool timeout) are retried
// up to three times with exponential backoff. Other failures are wrapped in
// ErrQueryFailed and returned immediately.
func (c *Client) ExecuteCypher(ctx context.Context, query string, params map[string]any) ([]Row, error) {
	ctx, span := tracer.Start(ctx, "memgraph.ExecuteCypher",
		trace.WithAttributes(attribute.Int("params", len(params))))
	defer span.End()

	var lastErr error
	backoff := 100 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		rows, err := c.run(ctx, query, params)
		if err == nil {
			return rows, nil
		}
		lastErr = err

		if !isTransient(err) {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		c.logger.Warn("transient graph store failure, retrying",
			slog.Int("attempt", attempt+1), slog.String("error", err.Error()))
	}

	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (c *Client) run(ctx context.Context, query string, params map[string]any) ([]Row, error) {
	sess := c.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, query, params)
	if err != nil {
		return nil, err
	}

	var rows []Row
	for result.Next(ctx) {
		record := result.Record()
		row := make(Row, len(record.Keys))
		for _, key := range record.Keys {
			value, _ := record.Get(key)
			row[key] = flatten(value)
		}
		rows = append(rows, row)
	}
	return rows, result.Err()
}

// Liveness verifies the store is reachable within the timeout.
func (c *Client) Liveness(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultLivenessTimeout)
	defer cancel()
	if err := c.driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close releases the driver pool.
func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

// flatten converts driver node/relationship values to plain maps so rows
// stay JSON-encodable.
func flatten(v any) any {
	switch val := v.(type) {
	case neo4j.Node:
		props := map[string]any{"_labels": val.Labels}
		for k, p := range val.Props {
			props[k] = p
		}
		return props
	case neo4j.Relationship:
		props := map[string]any{"_type": val.Type}
		for k, p := range val.Props {
			props[k] = p
		}
		return props
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = flatten(inner)
		}
		return out
	default:
		return v
	}
}

func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused", "connection reset", "broken pipe",
		"connection acquisition", "i/o timeout", "eof", "no route to host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
