// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Warden-controller is the cluster resource manager core for one
// node. When this node is elected leader it runs the transition
// engine: graphs computed by the policy engine are executed action by
// action against the per-node executors, and fencing is coordinated
// when a node must be forcibly removed.
//
// All mutable state — the peer cache, the current graph, pending
// operation tables, the fencing device queues — is owned by a single
// event loop. Everything asynchronous (agent completions, executor
// notifications, timer expiries) is posted back onto the loop as a
// closure.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"github.com/warden-foundation/warden/agentexec"
	"github.com/warden-foundation/warden/cib"
	"github.com/warden-foundation/warden/engine"
	"github.com/warden-foundation/warden/executor"
	"github.com/warden-foundation/warden/fencing"
	"github.com/warden-foundation/warden/lib/clock"
	"github.com/warden-foundation/warden/lib/config"
	"github.com/warden-foundation/warden/lib/opkey"
	"github.com/warden-foundation/warden/lib/process"
	"github.com/warden-foundation/warden/membership"
	"github.com/warden-foundation/warden/messaging"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", os.Getenv("WARDEN_CONFIG"), "path to warden.yaml (required)")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("warden-controller", versionString)
		return nil
	}
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

	controller, err := newController(logger, cfg)
	if err != nil {
		return err
	}
	defer controller.close()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("controller started", "state_dir", cfg.Paths.StateDir)

	controller.runLoop(signals)
	logger.Info("controller stopped")
	return nil
}

// controller owns the event loop and every loop-confined subsystem.
type controller struct {
	logger *slog.Logger
	clock  clock.Clock
	cfg    *config.Config

	// loop receives every deferred piece of work. Only runLoop
	// executes them.
	loop chan func()

	store       *cib.Local
	cache       *membership.Cache
	queue       *messaging.Queue
	localExec   *executor.Local
	execState   *executor.State
	coordinator *fencing.Coordinator
	engine      *engine.Engine
}

func newController(logger *slog.Logger, cfg *config.Config) (*controller, error) {
	c := &controller{
		logger: logger,
		clock:  clock.Real(),
		cfg:    cfg,
		loop:   make(chan func(), 256),
	}

	if err := os.MkdirAll(cfg.Paths.StateDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	store, err := cib.OpenLocal(filepath.Join(cfg.Paths.StateDir, "warden.db"), logger, c.clock)
	if err != nil {
		return nil, err
	}
	c.store = store

	c.cache = membership.NewCache(logger, c.clock)
	c.cache.RefreshRemotes(cfg.RemoteNodes)
	if _, err := c.cache.Get(cfg.Node.BusID, cfg.Node.Name, membership.FilterCluster); err != nil {
		store.Close()
		return nil, err
	}

	// The cluster bus is an external collaborator; until one is
	// attached, outbound messages loop back locally so a single-node
	// cluster is fully functional.
	c.queue = messaging.NewQueue(logger, c.clock, loopbackBus{controller: c}, func(data []byte, err error) {
		c.logger.Error("message delivery abandoned", "error", err)
	})

	roots := cfg.Executor.AgentRoots
	if len(roots) == 0 {
		roots = executor.DefaultAgentRoots()
	}
	c.localExec = executor.NewLocal(logger, c.clock, roots)
	if err := c.localExec.Connect(); err != nil {
		store.Close()
		return nil, err
	}
	c.execState = executor.NewState(logger, c.clock, cfg.Node.Name, c.localExec, store, store,
		func(event executor.Event) {
			c.post(func() { c.engine.HandleEvent(event) })
		})
	for _, resource := range cfg.Resources {
		err := c.localExec.RegisterResource(executor.ResourceDefinition{
			ID:       resource.ID,
			Class:    resource.Class,
			Provider: resource.Provider,
			Type:     resource.Type,
		})
		if err != nil {
			c.logger.Warn("resource registration failed", "resource", resource.ID, "error", err)
		}
	}

	c.engine = engine.New(engine.Config{
		Logger:         logger,
		Clock:          c.clock,
		UUID:           uuid.NewString(),
		Router:         (*controllerRouter)(c),
		Throttle:       newLoadThrottle(cfg.Engine.BatchLimit),
		ReplanDebounce: cfg.Engine.ReplanDebounce(),
		OnComplete: func(graph *engine.Graph) {
			c.logger.Info("transition finished", "graph", graph.ID)
		},
		OnRecompute: func(reason string) {
			c.logger.Info("policy recomputation requested", "reason", reason)
		},
	})

	c.coordinator = fencing.NewCoordinator(fencing.Config{
		Logger:    logger,
		Clock:     c.clock,
		LocalNode: cfg.Node.Name,
		Runner:    fencing.NewAgentRunner(agentexec.NewRunner(logger, c.clock)),
		Cache:     c.cache,
		Store:     store,
		Broadcast: c.broadcastFencing,
		OnResult: func(cmd *fencing.Command, rc int) {
			c.logger.Info("fencing request finished",
				"target", cmd.Victim, "action", cmd.Action, "rc", rc, "origin", cmd.Origin)
		},
		OnFencingObserved: func(target string, succeeded bool) {
			c.engine.HandleFencingResult(target, succeeded)
		},
		IsLeader:  func() bool { return true },
		SelfFence: process.SelfFence,
		Dispatch:  c.post,
	})
	if cfg.Fencing.DeviceFile != "" {
		definitions, err := fencing.LoadDevices(cfg.Fencing.DeviceFile)
		if err != nil {
			store.Close()
			return nil, err
		}
		for _, def := range definitions {
			if err := c.coordinator.RegisterDevice(def); err != nil {
				store.Close()
				return nil, err
			}
		}
	}

	// Single-node deployments have no election: this node leads.
	c.engine.SetState(engine.StateLeader)
	return c, nil
}

// post schedules work onto the event loop from any goroutine.
func (c *controller) post(fn func()) {
	c.loop <- fn
}

// runLoop is the event loop: it executes posted closures until a
// termination signal arrives.
func (c *controller) runLoop(signals <-chan os.Signal) {
	for {
		select {
		case fn := <-c.loop:
			fn()
		case sig := <-signals:
			c.logger.Info("terminating on signal", "signal", sig.String())
			return
		}
	}
}

func (c *controller) close() {
	c.localExec.Disconnect()
	c.store.Close()
}

// broadcastFencing multicasts a fencing outcome to the peers.
func (c *controller) broadcastFencing(n fencing.Notification) error {
	payload, err := encodeFencingNotification(n)
	if err != nil {
		return err
	}
	return c.queue.Enqueue(&messaging.Envelope{
		Sender:  messaging.Endpoint{ID: c.cfg.Node.BusID, Name: c.cfg.Node.Name, PID: uint32(os.Getpid())},
		Class:   messaging.ClassFencing,
		Payload: payload,
	})
}

// controllerRouter adapts the controller to the engine's Router.
type controllerRouter controller

func (r *controllerRouter) DispatchResource(action *engine.Action, key opkey.TransitionKey) error {
	c := (*controller)(r)
	c.execState.Exec(executor.OpRequest{
		Resource:      action.Resource,
		Task:          action.Task,
		IntervalMS:    action.IntervalMS,
		Timeout:       action.Timeout,
		Params:        action.Params,
		TargetRC:      action.TargetRC,
		TransitionKey: key.String(),
	})
	return nil
}

func (r *controllerRouter) DispatchFencing(action *engine.Action, key opkey.TransitionKey) error {
	c := (*controller)(r)
	task := action.Task
	if task == "" || task == "stonith" {
		task = "reboot"
	}
	_, err := c.coordinator.Fence(action.Target, task, action.Timeout, c.cfg.Node.Name)
	return err
}

func (r *controllerRouter) DispatchClusterOp(action *engine.Action, key opkey.TransitionKey) error {
	c := (*controller)(r)
	payload, err := encodeClusterOp(action, key)
	if err != nil {
		return err
	}
	return c.queue.Enqueue(&messaging.Envelope{
		Sender:  messaging.Endpoint{ID: c.cfg.Node.BusID, Name: c.cfg.Node.Name, PID: uint32(os.Getpid())},
		Class:   messaging.ClassController,
		Payload: payload,
	})
}

// loopbackBus delivers outbound messages straight back to this node.
type loopbackBus struct {
	controller *controller
}

func (b loopbackBus) Send(data []byte) error {
	envelope, err := messaging.Decode(data, b.controller.cfg.Node.BusID)
	if err != nil {
		return err
	}
	b.controller.post(func() { b.controller.handleMessage(envelope) })
	return nil
}

// handleMessage routes one inbound cluster message on the loop.
func (c *controller) handleMessage(envelope *messaging.Envelope) {
	switch envelope.Class {
	case messaging.ClassFencing:
		n, err := decodeFencingNotification(envelope.Payload)
		if err != nil {
			c.logger.Warn("undecodable fencing notification", "error", err)
			return
		}
		c.coordinator.HandleNotification(n)
	case messaging.ClassController:
		actionID, err := decodeClusterAck(envelope.Payload)
		if err != nil {
			c.logger.Warn("undecodable controller message", "error", err)
			return
		}
		c.engine.HandleClusterAck(actionID)
	default:
		c.logger.Debug("ignoring message class", "class", int(envelope.Class))
	}
}
