// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	graphrag "github.com/lexigraph/lxrag/services/graphrag"
	"github.com/lexigraph/lxrag/services/graphrag/config"
)

// version is stamped via -ldflags "-X main.version=...".
var version = "dev"

// Exit codes: 0 clean shutdown, 1 runtime failure, 2 invalid arguments or
// configuration.
const (
	exitOK      = 0
	exitRuntime = 1
	exitUsage   = 2
)

// errUsage marks failures the operator caused (bad flags, bad config).
var errUsage = errors.New("invalid arguments")

var (
	flagTransport     string
	flagPort          int
	flagWorkspaceRoot string
	flagLogLevel      string

	rootCmd = &cobra.Command{
		Use:   "lxrag",
		Short: "Agent-memory and code-intelligence MCP server",
		Long: `lxrag maintains a bi-temporal code graph and agent memory for a
workspace and serves both to LLM agents over stdio or HTTP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe, // serve is the default action
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the server on the configured transport",
		RunE:  runServe,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "lxrag %s\n", version)
		},
	}
)

func init() {
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&flagTransport, "transport", "", "transport: stdio or http (default from config)")
		cmd.Flags().IntVar(&flagPort, "port", 0, "http listen port (default from config)")
		cmd.Flags().StringVar(&flagWorkspaceRoot, "workspace-root", "", "workspace to pre-configure for the stdio session")
		cmd.Flags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
	}
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "lxrag: %v\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(exitUsage)
		}
		os.Exit(exitRuntime)
	}
	os.Exit(exitOK)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	graphrag.Version = version
	logger := graphrag.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	svc, err := graphrag.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting lxrag",
		slog.String("version", version),
		slog.String("transport", string(cfg.Transport)))
	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func loadConfig() (config.Config, error) {
	root := flagWorkspaceRoot
	if root == "" {
		root = os.Getenv("LXRAG_WORKSPACE_ROOT")
	}

	cfg, err := config.Load(root)
	if err != nil {
		return config.Config{}, err
	}
	if root != "" {
		cfg.WorkspaceRoot = root
	}
	if flagTransport != "" {
		cfg.Transport = config.Transport(flagTransport)
	}
	if flagPort > 0 {
		cfg.Port = flagPort
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if cfg.Transport != config.TransportStdio && cfg.Transport != config.TransportHTTP {
		return config.Config{}, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	return cfg, nil
}
