// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/warden-foundation/warden/agentexec"
	"github.com/warden-foundation/warden/lib/clock"
	"github.com/warden-foundation/warden/lib/opkey"
)

// Compile-time interface check.
var _ Connection = (*Local)(nil)

// Local is the trusted in-process executor transport: it runs agents
// directly via agentexec. The controller uses it for the node it runs
// on; the remote executor daemon wraps one to serve other nodes.
type Local struct {
	logger *slog.Logger
	clock  clock.Clock
	runner *agentexec.Runner

	// roots maps a resource class to the directory its agents live
	// in. The "ocf" root contains per-provider subdirectories.
	roots map[string]string

	mu         sync.Mutex
	connected  bool
	resources  map[string]ResourceDefinition
	recurring  map[string]*recurringOp
	nextCallID int
	handler    func(Event)
}

// recurringOp is one armed recurring operation. The executor re-runs
// it on schedule until cancelled; every run reports under the same
// call id.
type recurringOp struct {
	op        OpRequest
	callID    int
	timer     *clock.Timer
	cancelled bool
}

// DefaultAgentRoots returns the conventional agent directories.
func DefaultAgentRoots() map[string]string {
	return map[string]string{
		"ocf":     "/usr/lib/ocf/resource.d",
		"stonith": "/usr/sbin",
		"service": "/etc/init.d",
	}
}

// NewLocal returns a Local running agents from the given class roots.
func NewLocal(logger *slog.Logger, clk clock.Clock, roots map[string]string) *Local {
	return &Local{
		logger:    logger.With("component", "executor-local"),
		clock:     clk,
		runner:    agentexec.NewRunner(logger, clk),
		roots:     roots,
		resources: make(map[string]ResourceDefinition),
		recurring: make(map[string]*recurringOp),
	}
}

// Connect marks the transport up. There is nothing to dial.
func (l *Local) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = true
	return nil
}

// Disconnect stops every recurring operation and marks the transport
// down.
func (l *Local) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range l.recurring {
		rec.cancelled = true
		if rec.timer != nil {
			rec.timer.Stop()
		}
	}
	l.recurring = make(map[string]*recurringOp)
	l.connected = false
	return nil
}

// Connected reports the transport state.
func (l *Local) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// SetEventHandler installs the completion sink. Called from agent
// completion goroutines; the owner forwards into its loop.
func (l *Local) SetEventHandler(handler func(Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = handler
}

// RegisterResource records the definition after validating its id.
func (l *Local) RegisterResource(def ResourceDefinition) error {
	if err := opkey.CheckResourceID(def.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if _, err := l.agentPath(def); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resources[def.ID] = def
	return nil
}

// UnregisterResource forgets the definition and cancels its recurring
// operations, reporting each as deleted.
func (l *Local) UnregisterResource(id string) error {
	l.mu.Lock()
	if _, ok := l.resources[id]; !ok {
		l.mu.Unlock()
		return ErrNotFound
	}
	delete(l.resources, id)
	var dropped []*recurringOp
	for key, rec := range l.recurring {
		if rec.op.Resource == id {
			rec.cancelled = true
			if rec.timer != nil {
				rec.timer.Stop()
			}
			delete(l.recurring, key)
			dropped = append(dropped, rec)
		}
	}
	handler := l.handler
	l.mu.Unlock()

	for _, rec := range dropped {
		if handler != nil {
			handler(Event{
				Resource:      rec.op.Resource,
				Task:          rec.op.Task,
				IntervalMS:    rec.op.IntervalMS,
				CallID:        rec.callID,
				Status:        StatusCancelled,
				RC:            agentexec.OCFUnknownError,
				TargetRC:      rec.op.TargetRC,
				TransitionKey: rec.op.TransitionKey,
				Cancelled:     true,
				Deleted:       true,
			})
		}
	}
	return nil
}

// ResourceInfo returns the registered definition.
func (l *Local) ResourceInfo(id string) (ResourceDefinition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	def, ok := l.resources[id]
	if !ok {
		return ResourceDefinition{}, ErrNotFound
	}
	return def, nil
}

// Exec runs (or arms) one operation and returns its call id.
func (l *Local) Exec(op OpRequest) (int, error) {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return 0, ErrNotConnected
	}
	def, ok := l.resources[op.Resource]
	if !ok {
		l.mu.Unlock()
		return 0, fmt.Errorf("%w: resource %s not registered", ErrNotFound, op.Resource)
	}
	l.nextCallID++
	callID := l.nextCallID

	if op.IntervalMS > 0 {
		key := opkey.Format(op.Resource, op.Task, op.IntervalMS)
		if existing := l.recurring[key]; existing != nil {
			existing.cancelled = true
			if existing.timer != nil {
				existing.timer.Stop()
			}
		}
		rec := &recurringOp{op: op, callID: callID}
		l.recurring[key] = rec
		l.mu.Unlock()
		l.runRecurring(def, rec)
		return callID, nil
	}

	l.mu.Unlock()
	l.runOnce(def, op, callID)
	return callID, nil
}

// runOnce launches a one-shot operation.
func (l *Local) runOnce(def ResourceDefinition, op OpRequest, callID int) {
	child, err := l.start(def, op)
	if err != nil {
		l.deliver(l.failureEvent(op, callID, err))
		return
	}
	go func() {
		result := <-child.Done()
		l.deliver(l.resultEvent(op, callID, result))
	}()
}

// runRecurring launches one iteration of a recurring operation and
// re-arms the next.
func (l *Local) runRecurring(def ResourceDefinition, rec *recurringOp) {
	l.mu.Lock()
	if rec.cancelled {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	child, err := l.start(def, rec.op)
	if err != nil {
		l.deliver(l.failureEvent(rec.op, rec.callID, err))
		l.rearm(def, rec)
		return
	}
	go func() {
		result := <-child.Done()
		l.deliver(l.resultEvent(rec.op, rec.callID, result))
		l.rearm(def, rec)
	}()
}

func (l *Local) rearm(def ResourceDefinition, rec *recurringOp) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec.cancelled {
		return
	}
	interval := time.Duration(rec.op.IntervalMS) * time.Millisecond
	rec.timer = l.clock.AfterFunc(interval, func() { l.runRecurring(def, rec) })
}

// start launches the agent child for one operation.
func (l *Local) start(def ResourceDefinition, op OpRequest) (*agentexec.Child, error) {
	path, err := l.agentPath(def)
	if err != nil {
		return nil, err
	}
	request := agentexec.Request{
		Agent:   path,
		Action:  op.Task,
		Params:  op.Params,
		Timeout: op.Timeout,
	}
	if def.Class == "stonith" {
		request.Env = []string{agentexec.StonithDeviceEnv + "=" + def.ID}
	}
	return l.runner.Start(request)
}

// resultEvent translates an agent result into an Event.
func (l *Local) resultEvent(op OpRequest, callID int, result agentexec.Result) Event {
	status := StatusDone
	if result.TimedOut {
		status = StatusTimeout
	}
	return Event{
		Resource:      op.Resource,
		Task:          op.Task,
		IntervalMS:    op.IntervalMS,
		CallID:        callID,
		RC:            result.RC,
		Status:        status,
		TargetRC:      op.TargetRC,
		TransitionKey: op.TransitionKey,
		Params:        op.Params,
	}
}

// failureEvent reports an operation whose agent could not even start.
func (l *Local) failureEvent(op OpRequest, callID int, err error) Event {
	l.logger.Warn("agent start failed", "resource", op.Resource, "task", op.Task, "error", err)
	status := StatusError
	if errors.Is(err, os.ErrNotExist) {
		status = StatusNotInstalled
	}
	return Event{
		Resource:      op.Resource,
		Task:          op.Task,
		IntervalMS:    op.IntervalMS,
		CallID:        callID,
		RC:            agentexec.OCFUnknownError,
		Status:        status,
		TargetRC:      op.TargetRC,
		TransitionKey: op.TransitionKey,
		Params:        op.Params,
	}
}

func (l *Local) deliver(event Event) {
	l.mu.Lock()
	handler := l.handler
	l.mu.Unlock()
	if handler != nil {
		handler(event)
	}
}

// Cancel stops a recurring operation and confirms with a cancelled
// event.
func (l *Local) Cancel(resource, task string, intervalMS uint32) error {
	key := opkey.Format(resource, task, intervalMS)
	l.mu.Lock()
	rec := l.recurring[key]
	if rec == nil {
		l.mu.Unlock()
		return ErrNotFound
	}
	rec.cancelled = true
	if rec.timer != nil {
		rec.timer.Stop()
	}
	delete(l.recurring, key)
	l.mu.Unlock()

	l.deliver(Event{
		Resource:      resource,
		Task:          task,
		IntervalMS:    intervalMS,
		CallID:        rec.callID,
		Status:        StatusCancelled,
		RC:            agentexec.OCFSuccess,
		TargetRC:      rec.op.TargetRC,
		TransitionKey: rec.op.TransitionKey,
		Cancelled:     true,
	})
	return nil
}

// ListRecurring returns the armed recurring operation keys.
func (l *Local) ListRecurring(resource string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var keys []string
	for key, rec := range l.recurring {
		if resource == "" || rec.op.Resource == resource {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Poke reports liveness; the local transport is alive iff connected.
func (l *Local) Poke() error {
	if !l.Connected() {
		return ErrNotConnected
	}
	return nil
}

// ListStandards returns the configured resource classes.
func (l *Local) ListStandards() ([]string, error) {
	out := make([]string, 0, len(l.roots))
	for class := range l.roots {
		out = append(out, class)
	}
	sort.Strings(out)
	return out, nil
}

// ListProviders lists the provider directories of the ocf root. Other
// classes have no providers.
func (l *Local) ListProviders(class string) ([]string, error) {
	if class != "ocf" {
		return nil, nil
	}
	entries, err := os.ReadDir(l.roots["ocf"])
	if err != nil {
		return nil, fmt.Errorf("listing providers: %w", err)
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() {
			out = append(out, entry.Name())
		}
	}
	return out, nil
}

// ListAgents lists agent executables for a class (and provider, for
// ocf).
func (l *Local) ListAgents(class, provider string) ([]string, error) {
	root, ok := l.roots[class]
	if !ok {
		return nil, fmt.Errorf("unknown resource class %q", class)
	}
	dir := root
	if class == "ocf" {
		dir = filepath.Join(root, provider)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	var out []string
	for _, entry := range entries {
		if !entry.IsDir() {
			out = append(out, entry.Name())
		}
	}
	return out, nil
}

// AgentMetadata runs the agent's meta-data action and returns its
// output.
func (l *Local) AgentMetadata(class, provider, agentType string) (string, error) {
	path, err := l.agentPath(ResourceDefinition{Class: class, Provider: provider, Type: agentType})
	if err != nil {
		return "", err
	}
	child, err := l.runner.Start(agentexec.Request{Agent: path, Action: "meta-data", Timeout: maxSyncWait})
	if err != nil {
		return "", fmt.Errorf("running meta-data action: %w", err)
	}
	result := <-child.Done()
	if result.RC != agentexec.OCFSuccess {
		return "", fmt.Errorf("meta-data action returned rc %d", result.RC)
	}
	return result.Stdout, nil
}

// agentPath resolves the agent executable for a definition.
func (l *Local) agentPath(def ResourceDefinition) (string, error) {
	root, ok := l.roots[def.Class]
	if !ok {
		return "", fmt.Errorf("%w: unknown resource class %q", ErrNotFound, def.Class)
	}
	path := filepath.Join(root, def.Type)
	if def.Class == "ocf" {
		path = filepath.Join(root, def.Provider, def.Type)
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: agent %s: %w", ErrNotFound, path, err)
	}
	return path, nil
}
