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
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/lexigraph/lxrag/services/graphrag/session"
)

// SessionHeader carries the server-assigned session id on every HTTP
// request after initialize.
const SessionHeader = "Mcp-Session-Id"

var httpSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "lxrag_http_sessions_active",
	Help: "Currently open HTTP transport sessions.",
})

// agentCapabilities is the published A2A capability list.
var agentCapabilities = []string{
	"code-graph",
	"agent-memory",
	"agent-coordination",
	"context-packing",
	"architecture-validation",
	"test-impact-analysis",
}

// HTTPOptions configures an HTTP server.
type HTTPOptions struct {
	Router   *Router
	Sessions *session.Manager
	Port     int
	Logger   *slog.Logger
}

// HTTPServer is the streamable HTTP transport: JSON-RPC over POST with
// session headers, plus health, metrics, and the agent card.
type HTTPServer struct {
	router   *Router
	sessions *session.Manager
	engine   *gin.Engine
	srv      *http.Server
	port     int
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]time.Time
}

// NewHTTP creates the HTTP transport and wires its routes.
func NewHTTP(opts HTTPOptions) *HTTPServer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware("graphrag-service"))

	s := &HTTPServer{
		router:   opts.Router,
		sessions: opts.Sessions,
		engine:   engine,
		port:     opts.Port,
		logger:   opts.Logger.With(slog.String("component", "http")),
		active:   make(map[string]time.Time),
	}

	engine.POST("/mcp", s.handleRPC)
	engine.POST("/", s.handleRPC)
	engine.DELETE("/mcp", s.handleEndSession)
	engine.GET("/health", s.handleHealth)
	engine.GET("/.well-known/agent.json", s.handleAgentCard)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route tree, mainly for tests.
func (s *HTTPServer) Handler() http.Handler { return s.engine }

// Start serves until the listener fails or Shutdown is called.
func (s *HTTPServer) Start() error {
	s.logger.Info("http transport listening", slog.Int("port", s.port))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http transport: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *HTTPServer) handleRPC(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, parseErrorResponse(err.Error()))
		return
	}

	var sessionID string
	if req.Method == "initialize" {
		sessionID = uuid.NewString()
		s.openSession(sessionID)
		c.Header(SessionHeader, sessionID)
	} else {
		sessionID = c.GetHeader(SessionHeader)
		if !s.sessionOpen(sessionID) {
			c.JSON(http.StatusBadRequest, &Response{
				JSONRPC: "2.0",
				ID:      req.ID,
				Error: &RPCError{
					Code:    CodeSessionNotFound,
					Message: "no active session; call initialize first",
				},
			})
			return
		}
	}

	resp := s.router.Handle(c.Request.Context(), sessionID, &req)
	if resp == nil {
		c.Status(http.StatusAccepted)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *HTTPServer) handleEndSession(c *gin.Context) {
	sessionID := c.GetHeader(SessionHeader)
	if sessionID == "" || !s.sessionOpen(sessionID) {
		c.Status(http.StatusNotFound)
		return
	}
	s.closeSession(sessionID)
	if s.sessions != nil {
		s.sessions.Drop(sessionID)
	}
	c.Status(http.StatusNoContent)
}

func (s *HTTPServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "transport": "http"})
}

// handleAgentCard serves the A2A discovery document.
func (s *HTTPServer) handleAgentCard(c *gin.Context) {
	info := s.router.Info()
	c.JSON(http.StatusOK, gin.H{
		"name":            info.Name,
		"description":     "Agent-memory and code-intelligence service: bi-temporal code graph, hybrid retrieval, episode memory, and multi-agent coordination.",
		"version":         info.Version,
		"protocolVersion": ProtocolVersion,
		"url":             fmt.Sprintf("http://localhost:%d/mcp", s.port),
		"capabilities":    agentCapabilities,
	})
}

func (s *HTTPServer) openSession(id string) {
	s.mu.Lock()
	s.active[id] = time.Now()
	s.mu.Unlock()
	httpSessionsActive.Inc()
}

func (s *HTTPServer) closeSession(id string) {
	s.mu.Lock()
	_, ok := s.active[id]
	delete(s.active, id)
	s.mu.Unlock()
	if ok {
		httpSessionsActive.Dec()
	}
}

func (s *HTTPServer) sessionOpen(id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}
