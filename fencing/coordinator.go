// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package fencing

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/warden-foundation/warden/agentexec"
	"github.com/warden-foundation/warden/cib"
	"github.com/warden-foundation/warden/lib/clock"
	"github.com/warden-foundation/warden/lib/process"
	"github.com/warden-foundation/warden/membership"
)

// defaultFailLimit is how many consecutive final failures against one
// target are tolerated before further attempts are refused until a
// success (or reset) clears the count.
const defaultFailLimit = 10

// AgentRunner launches fencing agents. *agentexec.Runner is adapted
// via NewAgentRunner; tests substitute a scripted implementation.
type AgentRunner interface {
	// Start launches the agent and returns its pid and the channel
	// delivering the single completion result.
	Start(request agentexec.Request) (int, <-chan agentexec.Result, error)
}

// NewAgentRunner adapts an agentexec.Runner.
func NewAgentRunner(runner *agentexec.Runner) AgentRunner {
	return execAgentRunner{runner: runner}
}

type execAgentRunner struct {
	runner *agentexec.Runner
}

func (r execAgentRunner) Start(request agentexec.Request) (int, <-chan agentexec.Result, error) {
	child, err := r.runner.Start(request)
	if err != nil {
		return 0, nil, err
	}
	return child.PID, child.Done(), nil
}

// Notification is the cluster-wide fencing outcome broadcast. Every
// peer applies it to its own membership view.
type Notification struct {
	Target        string `cbor:"target"`
	Action        string `cbor:"action"`
	Origin        string `cbor:"origin"`
	Device        string `cbor:"device"`
	CorrelationID string `cbor:"correlation_id"`
	RC            int    `cbor:"rc"`
}

// Config assembles a Coordinator.
type Config struct {
	Logger    *slog.Logger
	Clock     clock.Clock
	LocalNode string
	Runner    AgentRunner
	Cache     *membership.Cache
	Store     cib.Store

	// Broadcast sends the notification to every peer (including,
	// via loopback, this one).
	Broadcast func(Notification) error

	// OnResult reports the final outcome of a fencing request to its
	// originator.
	OnResult func(cmd *Command, rc int)

	// OnFencingObserved tells the engine a fencing outcome landed
	// (from broadcast or from local final failure).
	OnFencingObserved func(target string, succeeded bool)

	// IsLeader gates the store bookkeeping only the DC performs.
	IsLeader func() bool

	// SelfFence is the self-fence termination path. Defaults to
	// process.SelfFence; tests substitute.
	SelfFence func()

	// Dispatch posts a closure to the owning event loop. Agent
	// completions arrive on child-reaper goroutines and must be
	// re-entered through it. Defaults to direct invocation (tests).
	Dispatch func(fn func())
}

// Coordinator owns the device table and the fencing protocol.
// Loop-confined except where noted.
type Coordinator struct {
	logger *slog.Logger
	clock  clock.Clock

	localNode string
	runner    AgentRunner
	cache     *membership.Cache
	store     cib.Store

	broadcast         func(Notification) error
	onResult          func(cmd *Command, rc int)
	onFencingObserved func(target string, succeeded bool)
	isLeader          func() bool
	selfFence         func()
	dispatch          func(fn func())

	devices map[string]*Device

	// failCounts tracks consecutive final failures per target.
	failCounts map[string]int
	failLimit  int
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	c := &Coordinator{
		logger:            cfg.Logger.With("component", "fencing"),
		clock:             cfg.Clock,
		localNode:         cfg.LocalNode,
		runner:            cfg.Runner,
		cache:             cfg.Cache,
		store:             cfg.Store,
		broadcast:         cfg.Broadcast,
		onResult:          cfg.OnResult,
		onFencingObserved: cfg.OnFencingObserved,
		isLeader:          cfg.IsLeader,
		selfFence:         cfg.SelfFence,
		dispatch:          cfg.Dispatch,
		devices:           make(map[string]*Device),
		failCounts:        make(map[string]int),
		failLimit:         defaultFailLimit,
	}
	if c.dispatch == nil {
		c.dispatch = func(fn func()) { fn() }
	}
	if c.isLeader == nil {
		c.isLeader = func() bool { return false }
	}
	if c.selfFence == nil {
		c.selfFence = process.SelfFence
	}
	return c
}

// RegisterDevice adds (or replaces) a device.
func (c *Coordinator) RegisterDevice(def DeviceDefinition) error {
	device, err := buildDevice(c.logger, def)
	if err != nil {
		return err
	}
	if previous, ok := c.devices[def.ID]; ok {
		c.purgeQueue(previous, "device replaced")
	}
	c.devices[def.ID] = device
	c.logger.Info("fencing device registered",
		"device", device.ID, "agent", device.Agent, "check", string(device.Check), "priority", device.Priority)
	return nil
}

// RemoveDevice drops a device. Its queued commands complete with a
// device-removed failure rather than vanishing.
func (c *Coordinator) RemoveDevice(id string) {
	device, ok := c.devices[id]
	if !ok {
		return
	}
	delete(c.devices, id)
	c.purgeQueue(device, "device removed")
}

func (c *Coordinator) purgeQueue(device *Device, reason string) {
	for _, cmd := range device.queue {
		c.logger.Warn("purging queued fencing command", "device", device.ID, "action", cmd.Action, "reason", reason)
		c.commandFailed(device, cmd, agentexec.OCFUnknownError)
	}
	device.queue = nil
}

// DeviceCount returns the registry size.
func (c *Coordinator) DeviceCount() int { return len(c.devices) }

// FailCount returns the consecutive-failure count for a target.
func (c *Coordinator) FailCount(target string) int { return c.failCounts[target] }

// ResetFailCount clears a target's failure count.
func (c *Coordinator) ResetFailCount(target string) { delete(c.failCounts, target) }

// CanFence applies the device's host-check policy to the target.
func (c *Coordinator) CanFence(device *Device, host string) (bool, error) {
	if host == "" {
		return true, nil
	}
	alias := device.alias(host)

	switch device.Check {
	case CheckNone:
		return true, nil

	case CheckStaticList:
		return hostInList(device.Hosts, host) || hostInList(device.Hosts, alias), nil

	case CheckDynamicList:
		if device.listDisabled {
			return hostInList(device.listCache, alias), nil
		}
		if !device.listFetched || c.clock.Now().Sub(device.listAge) > listCacheAge {
			result, err := c.runSync(device, "list", "", listCacheAge)
			if err != nil || result.RC != 0 {
				c.logger.Warn("disabling dynamic-list queries for device",
					"device", device.ID, "rc", result.RC, "error", err)
				device.listDisabled = true
				device.listCache = nil
				device.listFetched = false
				return false, nil
			}
			device.listCache = ParseHostList(result.Stdout)
			device.listFetched = true
			device.listAge = c.clock.Now()
			c.logger.Info("refreshed device port list", "device", device.ID, "hosts", len(device.listCache))
		}
		return hostInList(device.listCache, alias) || hostInList(device.listCache, host), nil

	case CheckStatus:
		result, err := c.runSync(device, "status", host, listCacheAge)
		if err != nil {
			return false, fmt.Errorf("device %s status check: %w", device.ID, err)
		}
		switch result.RC {
		case 0, 2: // active or inactive: the device knows the host
			return true, nil
		case 1: // host unknown to this device
			return false, nil
		default:
			return false, fmt.Errorf("device %s status check returned rc %d", device.ID, result.RC)
		}
	}
	return false, fmt.Errorf("device %s has unknown host-check policy %q", device.ID, device.Check)
}

// SelectDevices returns the devices capable of fencing the target,
// best (highest priority) first.
func (c *Coordinator) SelectDevices(target string) []*Device {
	var capable []*Device
	for _, device := range c.devices {
		ok, err := c.CanFence(device, target)
		if err != nil {
			c.logger.Warn("host-check failed", "device", device.ID, "target", target, "error", err)
			continue
		}
		if ok {
			capable = append(capable, device)
		}
	}
	sort.SliceStable(capable, func(i, j int) bool {
		if capable[i].Priority != capable[j].Priority {
			return capable[i].Priority > capable[j].Priority
		}
		return capable[i].ID < capable[j].ID
	})
	return capable
}

// Fence schedules a fencing action against target and returns the
// request's correlation id. The first capable device is tried; the
// rest are its fallbacks.
func (c *Coordinator) Fence(target, action string, timeout time.Duration, origin string) (string, error) {
	if c.failCounts[target] >= c.failLimit {
		return "", fmt.Errorf("refusing to fence %s: %d consecutive failures", target, c.failCounts[target])
	}
	capable := c.SelectDevices(target)
	if len(capable) == 0 {
		return "", fmt.Errorf("no device can fence %s", target)
	}

	cmd := &Command{
		Action:        action,
		Victim:        target,
		Timeout:       timeout,
		Origin:        origin,
		CorrelationID: uuid.NewString(),
		fallback:      capable[1:],
	}
	c.logger.Info("scheduling fencing operation",
		"target", target, "action", action, "device", capable[0].ID,
		"fallbacks", len(cmd.fallback), "correlation_id", cmd.CorrelationID)
	c.schedule(capable[0], cmd)
	return cmd.CorrelationID, nil
}

// schedule enqueues the command and kicks the device.
func (c *Coordinator) schedule(device *Device, cmd *Command) {
	device.queue = append(device.queue, cmd)
	c.runNext(device)
}

// runNext starts the device's next queued command, respecting the
// one-child-per-device rule.
func (c *Coordinator) runNext(device *Device) {
	if device.activePID != 0 || len(device.queue) == 0 {
		return
	}
	cmd := device.queue[0]
	device.queue = device.queue[1:]

	pid, results, err := c.runner.Start(c.agentRequest(device, cmd.Action, cmd.Victim, cmd.Timeout))
	if err != nil {
		c.logger.Warn("fencing agent failed to start",
			"device", device.ID, "agent", device.Agent, "error", err)
		c.commandDone(device, cmd, agentexec.Result{RC: agentexec.OCFUnknownError})
		return
	}
	device.activePID = pid
	go func() {
		result := <-results
		c.dispatch(func() { c.commandDone(device, cmd, result) })
	}()
}

// agentRequest renders a command into the agent invocation contract:
// device parameters plus the host-specific port/nodename pair after
// argmap substitution, device id in the environment.
func (c *Coordinator) agentRequest(device *Device, action, victim string, timeout time.Duration) agentexec.Request {
	params := make(map[string]string, len(device.Params)+2)
	for key, value := range device.Params {
		params[key] = value
	}
	if victim != "" {
		params["port"] = device.alias(victim)
		params["nodename"] = victim
	}
	return agentexec.Request{
		Agent:   device.Agent,
		Action:  action,
		Params:  params,
		Timeout: timeout,
		Env:     []string{agentexec.StonithDeviceEnv + "=" + device.ID},
	}
}

// runSync runs a device-scoped query (list, status) to completion.
// Host-check queries are the only synchronous agent runs in the
// coordinator.
func (c *Coordinator) runSync(device *Device, action, victim string, timeout time.Duration) (agentexec.Result, error) {
	_, results, err := c.runner.Start(c.agentRequest(device, action, victim, timeout))
	if err != nil {
		return agentexec.Result{RC: agentexec.OCFUnknownError}, err
	}
	return <-results, nil
}

// commandDone handles one completed command on the owning loop.
func (c *Coordinator) commandDone(device *Device, cmd *Command, result agentexec.Result) {
	device.activePID = 0
	defer c.runNext(device)

	if result.RC == 0 && !result.TimedOut {
		c.commandSucceeded(device, cmd)
		return
	}
	c.logger.Warn("fencing command failed on device",
		"device", device.ID, "action", cmd.Action, "target", cmd.Victim,
		"rc", result.RC, "timed_out", result.TimedOut)
	c.commandFailed(device, cmd, result.RC)
}

// commandSucceeded broadcasts the outcome of a fencing action (or
// just reports success for queries).
func (c *Coordinator) commandSucceeded(device *Device, cmd *Command) {
	if !fencingActions[cmd.Action] {
		c.finish(cmd, 0)
		return
	}
	notification := Notification{
		Target:        cmd.Victim,
		Action:        cmd.Action,
		Origin:        cmd.Origin,
		Device:        device.ID,
		CorrelationID: cmd.CorrelationID,
		RC:            0,
	}
	// The local view converges through the same path as every peer's.
	c.HandleNotification(notification)
	if c.broadcast != nil {
		if err := c.broadcast(notification); err != nil {
			c.logger.Error("broadcasting fencing outcome", "target", cmd.Victim, "error", err)
		}
	}
	c.finish(cmd, 0)
}

// commandFailed falls through to the next capable device or reports
// the final failure.
func (c *Coordinator) commandFailed(device *Device, cmd *Command, rc int) {
	if len(cmd.fallback) > 0 {
		next := cmd.fallback[0]
		cmd.fallback = cmd.fallback[1:]
		c.logger.Info("retrying fencing on fallback device",
			"target", cmd.Victim, "failed_device", device.ID, "next_device", next.ID)
		c.schedule(next, cmd)
		return
	}
	if fencingActions[cmd.Action] && cmd.Victim != "" {
		c.failCounts[cmd.Victim]++
		if c.onFencingObserved != nil {
			c.onFencingObserved(cmd.Victim, false)
		}
	}
	if rc == 0 {
		rc = agentexec.OCFUnknownError
	}
	c.finish(cmd, rc)
}

func (c *Coordinator) finish(cmd *Command, rc int) {
	if c.onResult != nil {
		c.onResult(cmd, rc)
	}
}

// HandleNotification applies a fencing outcome broadcast — local or
// from a peer — to this node's view.
//
// If this node is the victim, there is exactly one correct response:
// stop existing. The rest of the cluster has already written us off;
// a process that lingers can only cause split-brain damage.
//
// Otherwise the target's cache entry is reset (lost, join none) with
// auto-reap suspended around the store bookkeeping so a membership
// sweep cannot race the node-state update.
func (c *Coordinator) HandleNotification(n Notification) {
	if n.RC != 0 {
		if c.onFencingObserved != nil {
			c.onFencingObserved(n.Target, false)
		}
		return
	}

	if n.Target == c.localNode {
		c.logger.Error("this node has been fenced, terminating",
			"action", n.Action, "origin", n.Origin, "device", n.Device)
		if c.selfFence != nil {
			c.selfFence()
		}
		return
	}

	c.logger.Info("peer fenced", "target", n.Target, "action", n.Action,
		"origin", n.Origin, "device", n.Device)

	reapWasEnabled := c.cache.AutoReap()
	if reapWasEnabled {
		c.cache.SetAutoReap(false)
	}
	c.cache.MarkFenced(n.Target)
	if c.isLeader() && c.store != nil {
		if err := c.store.RecordFencingOutcome(n.Target, n.Origin, cib.UpdateOptions{QuorumOverride: true}); err != nil {
			c.logger.Error("recording fencing outcome", "target", n.Target, "error", err)
		}
	}
	if reapWasEnabled {
		c.cache.SetAutoReap(true)
	}

	delete(c.failCounts, n.Target)
	if c.onFencingObserved != nil {
		c.onFencingObserved(n.Target, true)
	}
}
