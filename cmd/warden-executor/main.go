// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Warden-executor is the per-node resource executor daemon. It runs
// resource agents on behalf of the cluster controller, reached over
// the authenticated mutual-PSK stream transport. The controller on
// the same node bypasses this daemon and drives agents in-process;
// this binary exists for every other node, and for remote/guest nodes
// that run no cluster stack of their own.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/warden-foundation/warden/executor"
	"github.com/warden-foundation/warden/lib/clock"
	"github.com/warden-foundation/warden/lib/config"
	"github.com/warden-foundation/warden/lib/process"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("WARDEN_CONFIG"), "path to warden.yaml (required)")
	flag.Parse()

	if configPath == "" {
		return fmt.Errorf("--config (or WARDEN_CONFIG) is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)
	logger = logger.With("node", cfg.Node.Name)

	clk := clock.Real()
	roots := cfg.Executor.AgentRoots
	if len(roots) == 0 {
		roots = executor.DefaultAgentRoots()
	}
	local := executor.NewLocal(logger, clk, roots)
	if err := local.Connect(); err != nil {
		return err
	}
	defer local.Disconnect()

	for _, resource := range cfg.Resources {
		err := local.RegisterResource(executor.ResourceDefinition{
			ID:       resource.ID,
			Class:    resource.Class,
			Provider: resource.Provider,
			Type:     resource.Type,
		})
		if err != nil {
			logger.Warn("resource registration failed", "resource", resource.ID, "error", err)
		}
	}

	keys := executor.NewKeyLoader(clk, cfg.Executor.KeyFile, cfg.Executor.KeyFileFallback)
	server := executor.NewServer(logger, clk, local, keys)

	listener, err := net.Listen("tcp", cfg.Executor.ListenAddress)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Executor.ListenAddress, err)
	}
	logger.Info("executor listening", "address", listener.Addr().String())

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(listener) }()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-signals:
		logger.Info("terminating on signal", "signal", sig.String())
		listener.Close()
		return nil
	case err := <-serveErr:
		return err
	}
}
