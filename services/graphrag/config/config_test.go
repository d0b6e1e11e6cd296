// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, TransportStdio, cfg.Transport)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "localhost", cfg.MemgraphHost)
	assert.Equal(t, 7687, cfg.MemgraphPort)
	assert.Equal(t, 6333, cfg.QdrantPort)
	assert.Equal(t, 500*time.Millisecond, cfg.WatcherDebounce)
	assert.Equal(t, 12*time.Second, cfg.SyncRebuildThreshold)
	assert.Equal(t, int64(10*1024*1024), cfg.CommandOutputLimit)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LXRAG_TRANSPORT", "http")
	t.Setenv("LXRAG_PORT", "9100")
	t.Setenv("MEMGRAPH_HOST", "graph.internal")
	t.Setenv("LXRAG_WATCHER_DEBOUNCE_MS", "250")
	t.Setenv("LXRAG_IGNORE_PATTERNS", "vendor, *.gen.ts ,")
	t.Setenv("LXRAG_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, TransportHTTP, cfg.Transport)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "graph.internal", cfg.MemgraphHost)
	assert.Equal(t, 250*time.Millisecond, cfg.WatcherDebounce)
	assert.Equal(t, []string{"vendor", "*.gen.ts"}, cfg.IgnorePatterns)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestYamlFileThenEnvWins(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, ConfigDirName)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"),
		[]byte("port: 9200\nlogLevel: warn\n"), 0o644))

	cfg, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Port)
	assert.Equal(t, "warn", cfg.LogLevel)

	t.Setenv("LXRAG_PORT", "9300")
	cfg, err = Load(root)
	require.NoError(t, err)
	assert.Equal(t, 9300, cfg.Port, "environment overrides the yaml file")
}

func TestInvalidTransportRejected(t *testing.T) {
	t.Setenv("LXRAG_TRANSPORT", "carrier-pigeon")
	_, err := Load("")
	assert.Error(t, err)
}
