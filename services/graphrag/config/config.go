// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads service configuration from the environment and an
// optional .lxrag/config.yaml file. The LXRAG_ prefix is the single
// canonical namespace; store endpoints keep their conventional names
// (MEMGRAPH_HOST, QDRANT_HOST).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ConfigDirName is the per-workspace configuration directory.
const ConfigDirName = ".lxrag"

// Transport selects the protocol adapter.
type Transport string

// Supported transports.
const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
)

// Config is the resolved service configuration.
type Config struct {
	Transport Transport `yaml:"transport" validate:"oneof=stdio http"`
	Port      int       `yaml:"port" validate:"gt=0,lte=65535"`

	MemgraphHost string `yaml:"memgraphHost" validate:"required"`
	MemgraphPort int    `yaml:"memgraphPort" validate:"gt=0,lte=65535"`
	QdrantHost   string `yaml:"qdrantHost" validate:"required"`
	QdrantPort   int    `yaml:"qdrantPort" validate:"gt=0,lte=65535"`

	WorkspaceRoot string `yaml:"workspaceRoot"`
	ProjectID     string `yaml:"projectId"`

	SummarizerURL string `yaml:"summarizerUrl"`

	EnableWatcher  bool     `yaml:"enableWatcher"`
	IgnorePatterns []string `yaml:"ignorePatterns"`

	WatcherDebounce      time.Duration `yaml:"watcherDebounceMs"`
	SyncRebuildThreshold time.Duration `yaml:"syncRebuildThresholdMs"`
	CommandTimeout       time.Duration `yaml:"commandExecutionTimeoutMs"`
	CommandOutputLimit   int64         `yaml:"commandOutputSizeLimitBytes" validate:"gt=0"`

	LogLevel string `yaml:"logLevel" validate:"oneof=debug info warn error"`
}

// Default returns the baseline configuration before env overrides.
func Default() Config {
	return Config{
		Transport:            TransportStdio,
		Port:                 9000,
		MemgraphHost:         "localhost",
		MemgraphPort:         7687,
		QdrantHost:           "localhost",
		QdrantPort:           6333,
		IgnorePatterns:       []string{".git", "node_modules", "dist", "build", "__pycache__", ".lxrag"},
		WatcherDebounce:      500 * time.Millisecond,
		SyncRebuildThreshold: 12 * time.Second,
		CommandTimeout:       30 * time.Second,
		CommandOutputLimit:   10 * 1024 * 1024,
		LogLevel:             "info",
	}
}

// Load builds the configuration: defaults, then the optional yaml file under
// workspaceRoot (may be empty), then environment overrides, then validation.
func Load(workspaceRoot string) (Config, error) {
	cfg := Default()

	if workspaceRoot != "" {
		path := filepath.Join(workspaceRoot, ConfigDirName, "config.yaml")
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LXRAG_TRANSPORT"); v != "" {
		c.Transport = Transport(v)
	}
	intEnv("LXRAG_PORT", &c.Port)
	if v := os.Getenv("MEMGRAPH_HOST"); v != "" {
		c.MemgraphHost = v
	}
	intEnv("MEMGRAPH_PORT", &c.MemgraphPort)
	if v := os.Getenv("QDRANT_HOST"); v != "" {
		c.QdrantHost = v
	}
	intEnv("QDRANT_PORT", &c.QdrantPort)
	if v := os.Getenv("LXRAG_WORKSPACE_ROOT"); v != "" {
		c.WorkspaceRoot = v
	}
	if v := os.Getenv("LXRAG_PROJECT_ID"); v != "" {
		c.ProjectID = v
	}
	if v := os.Getenv("LXRAG_SUMMARIZER_URL"); v != "" {
		c.SummarizerURL = v
	}
	if v := os.Getenv("LXRAG_ENABLE_WATCHER"); v != "" {
		c.EnableWatcher = v == "true" || v == "1"
	}
	if v := os.Getenv("LXRAG_IGNORE_PATTERNS"); v != "" {
		c.IgnorePatterns = splitPatterns(v)
	}
	msEnv("LXRAG_WATCHER_DEBOUNCE_MS", &c.WatcherDebounce)
	msEnv("LXRAG_SYNC_REBUILD_THRESHOLD_MS", &c.SyncRebuildThreshold)
	msEnv("LXRAG_COMMAND_EXECUTION_TIMEOUT_MS", &c.CommandTimeout)
	if v := os.Getenv("LXRAG_COMMAND_OUTPUT_SIZE_LIMIT_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.CommandOutputLimit = n
		}
	}
	if v := os.Getenv("LXRAG_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func intEnv(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func msEnv(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}

func splitPatterns(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
