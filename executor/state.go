// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"errors"
	"log/slog"

	"github.com/warden-foundation/warden/agentexec"
	"github.com/warden-foundation/warden/cib"
	"github.com/warden-foundation/warden/lib/clock"
	"github.com/warden-foundation/warden/lib/digest"
	"github.com/warden-foundation/warden/lib/opkey"
)

// State is the per-node operation tracker sitting between the
// transition engine and one executor Connection. Loop-confined.
type State struct {
	logger *slog.Logger
	clock  clock.Clock
	node   string

	conn  Connection
	store cib.Store
	attrs cib.AttributeStore

	pending map[int]*PendingOp
	history map[string]*ResourceHistory

	// onEvent is the engine's completion sink. Every dispatched
	// operation produces exactly one call, observed or synthesized.
	onEvent func(Event)

	// syntheticSeq numbers fabricated results. Synthetic ids are a
	// namespace of their own — consumers route on Event.Synthesized,
	// never on the id value.
	syntheticSeq int
}

// NewState returns a tracker for node driving conn. Events flow to
// onEvent after history bookkeeping.
func NewState(logger *slog.Logger, clk clock.Clock, node string, conn Connection,
	store cib.Store, attrs cib.AttributeStore, onEvent func(Event)) *State {
	s := &State{
		logger:  logger.With("component", "executor-state", "node", node),
		clock:   clk,
		node:    node,
		conn:    conn,
		store:   store,
		attrs:   attrs,
		pending: make(map[int]*PendingOp),
		history: make(map[string]*ResourceHistory),
		onEvent: onEvent,
	}
	conn.SetEventHandler(s.HandleEvent)
	return s
}

// Node returns the tracked node's name.
func (s *State) Node() string { return s.node }

// PendingCount returns the number of in-flight operations.
func (s *State) PendingCount() int { return len(s.pending) }

// History returns the history entry for a resource, or nil.
func (s *State) History(resource string) *ResourceHistory { return s.history[resource] }

// historyFor returns the entry for the resource, creating it from the
// definition when first seen.
func (s *State) historyFor(resource string) *ResourceHistory {
	entry := s.history[resource]
	if entry == nil {
		entry = &ResourceHistory{Resource: resource}
		if def, err := s.conn.ResourceInfo(resource); err == nil {
			entry.Class, entry.Provider, entry.Type = def.Class, def.Provider, def.Type
		}
		s.history[resource] = entry
	}
	return entry
}

// Exec dispatches one operation. Stops run with the captured
// stop-params; dispatch failures synthesize a deterministic result so
// the engine always hears back.
func (s *State) Exec(op OpRequest) {
	if op.Task == "stop" {
		if entry := s.history[op.Resource]; entry != nil && entry.StopParams != nil {
			op.Params = entry.StopParams
		}
	}

	callID, err := s.conn.Exec(op)
	if err != nil {
		s.logger.Warn("dispatch failed, synthesizing result",
			"op", opkey.Format(op.Resource, op.Task, op.IntervalMS), "error", err)
		s.Synthesize(op, statusForDispatchError(err))
		return
	}

	s.pending[callID] = &PendingOp{
		CallID:           callID,
		OpKey:            opkey.Format(op.Resource, op.Task, op.IntervalMS),
		Resource:         op.Resource,
		Task:             op.Task,
		IntervalMS:       op.IntervalMS,
		Started:          s.clock.Now(),
		TransitionKey:    op.TransitionKey,
		LockTime:         op.LockTime,
		RemoveOnComplete: op.IntervalMS == 0,
	}
}

// statusForDispatchError maps a dispatch failure to the op status the
// synthesized event carries.
func statusForDispatchError(err error) OpStatus {
	switch {
	case errors.Is(err, ErrNotConnected):
		return StatusNotConnected
	case errors.Is(err, ErrNotFound):
		return StatusInvalid
	default:
		return StatusError
	}
}

// Synthesize fabricates a completion for an operation that could not
// be dispatched and routes it through the normal result path. Notify
// operations are always fabricated as success: a notification that
// cannot be delivered has, by definition, nothing left to notify.
func (s *State) Synthesize(op OpRequest, status OpStatus) {
	s.syntheticSeq++
	event := Event{
		Node:          s.node,
		Resource:      op.Resource,
		Task:          op.Task,
		IntervalMS:    op.IntervalMS,
		CallID:        s.syntheticSeq,
		Status:        status,
		RC:            agentexec.OCFUnknownError,
		TargetRC:      op.TargetRC,
		TransitionKey: op.TransitionKey,
		Params:        op.Params,
		Synthesized:   true,
	}
	if op.Task == "notify" {
		event.Status = StatusDone
		event.RC = op.TargetRC
	}
	s.HandleEvent(event)
}

// HandleEvent folds one result into the pending table and the
// history, persists the outcome, and forwards the event to the
// engine. Installed as the connection's event handler.
func (s *State) HandleEvent(event Event) {
	event.Node = s.node

	if pending := s.pending[event.CallID]; pending != nil && !event.Synthesized {
		// Fill in dispatch-side context the wire does not carry.
		if event.TransitionKey == "" {
			event.TransitionKey = pending.TransitionKey
		}
		if event.LockTime.IsZero() {
			event.LockTime = pending.LockTime
		}
		if event.Cancelled || pending.RemoveOnComplete || event.Deleted {
			delete(s.pending, event.CallID)
		}
	}

	entry := s.historyFor(event.Resource)
	outcome := entry.Record(&event)

	switch outcome {
	case RecordPurged:
		delete(s.history, event.Resource)
		s.dropPendingForResource(event.Resource)
		if err := s.store.PurgeResource(s.node, event.Resource); err != nil {
			s.logger.Error("purging deleted resource history", "resource", event.Resource, "error", err)
		}
	case RecordKept:
		if err := s.store.UpdateResourceHistory(s.recordFor(entry, &event), cib.UpdateOptions{}); err != nil {
			s.logger.Error("recording operation result",
				"op", event.OpKey(), "error", err)
		}
	case RecordDropped:
		s.logger.Debug("result not recorded", "op", event.OpKey(), "status", event.Status.String())
	}

	if s.onEvent != nil {
		s.onEvent(event)
	}
}

// dropPendingForResource forgets in-flight entries for a deleted
// resource; their results can never arrive.
func (s *State) dropPendingForResource(resource string) {
	for callID, pending := range s.pending {
		if pending.Resource == resource {
			delete(s.pending, callID)
		}
	}
}

// recordFor converts an applied event into the persistent history
// record, enforcing the shutdown-lock rule: only a successful stop or
// a probe that found the resource inactive preserves the lock time;
// every other outcome clears it.
func (s *State) recordFor(entry *ResourceHistory, event *Event) cib.HistoryRecord {
	record := cib.HistoryRecord{
		Node:     s.node,
		Resource: event.Resource,
		Class:    entry.Class,
		Provider: entry.Provider,
		Type:     entry.Type,
		OpKey:    event.OpKey(),
		CallID:   event.CallID,
		RC:       event.RC,
		Status:   int(event.Status),
		LastRun:  s.clock.Now(),
		Params:   event.Params,
	}
	if len(event.Params) > 0 {
		record.ParamsDigest = digest.Params(InstanceParams(event.Params))
	}
	if event.TransitionKey != "" {
		if key, err := opkey.ParseTransitionKey(event.TransitionKey); err == nil {
			record.Magic = opkey.Magic{OpStatus: int(event.Status), RC: event.RC, Key: key}.String()
		}
	}
	if preservesLock(event) {
		record.LockTime = event.LockTime
	}
	return record
}

// preservesLock implements the shutdown-lock preservation rule.
func preservesLock(event *Event) bool {
	if event.LockTime.IsZero() || event.Status != StatusDone {
		return false
	}
	if event.Task == "stop" && event.RC == agentexec.OCFSuccess {
		return true
	}
	if event.Task == "monitor" && event.IntervalMS == 0 && event.RC == agentexec.OCFNotRunning {
		return true
	}
	return false
}

// Cancel requests cancellation of a pending operation by its
// coordinates. A second cancel of the same operation returns the same
// nil ack without re-sending; the entry survives until the executor
// confirms, so shutdown blocks until the cancellation resolves.
func (s *State) Cancel(resource, task string, intervalMS uint32) error {
	key := opkey.Format(resource, task, intervalMS)
	pending := s.findPendingByKey(key)
	if pending == nil {
		return ErrNotFound
	}
	return s.cancelPending(pending)
}

// CancelByCallID requests cancellation by executor call id.
func (s *State) CancelByCallID(callID int) error {
	pending := s.pending[callID]
	if pending == nil {
		return ErrNotFound
	}
	return s.cancelPending(pending)
}

func (s *State) cancelPending(pending *PendingOp) error {
	if pending.Cancelled {
		// Two-phase: already requested, confirmation outstanding.
		return nil
	}
	pending.Cancelled = true
	if err := s.conn.Cancel(pending.Resource, pending.Task, pending.IntervalMS); err != nil {
		// Leave the entry in place: an unresolved cancellation must
		// keep blocking shutdown.
		s.logger.Warn("cancel request failed, pending entry retained",
			"op", pending.OpKey, "error", err)
		pending.Cancelled = false
		return err
	}
	return nil
}

func (s *State) findPendingByKey(key string) *PendingOp {
	for _, pending := range s.pending {
		if pending.OpKey == key {
			return pending
		}
	}
	return nil
}

// Reprobe clears the in-memory history and the persistent history for
// every resource on the node, then unsets the node's probed flag so
// the policy engine re-emits probes. The refresh timestamp is also
// written; legacy peers key recomputation off it.
func (s *State) Reprobe() error {
	s.history = make(map[string]*ResourceHistory)
	if err := s.store.PurgeNodeHistory(s.node); err != nil {
		return err
	}
	if err := s.attrs.SetProbed(s.node, false); err != nil {
		return err
	}
	return s.attrs.SetLastRefresh(s.node, s.clock.Now())
}
