// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/warden-foundation/warden/executor"
	"github.com/warden-foundation/warden/lib/clock"
	"github.com/warden-foundation/warden/lib/opkey"
)

// fakeRouter records dispatches.
type fakeRouter struct {
	resources []opkey.TransitionKey
	fencings  []opkey.TransitionKey
	cluster   []opkey.TransitionKey
	err       error
}

func (r *fakeRouter) DispatchResource(a *Action, key opkey.TransitionKey) error {
	if r.err != nil {
		return r.err
	}
	r.resources = append(r.resources, key)
	return nil
}

func (r *fakeRouter) DispatchFencing(a *Action, key opkey.TransitionKey) error {
	if r.err != nil {
		return r.err
	}
	r.fencings = append(r.fencings, key)
	return nil
}

func (r *fakeRouter) DispatchClusterOp(a *Action, key opkey.TransitionKey) error {
	if r.err != nil {
		return r.err
	}
	r.cluster = append(r.cluster, key)
	return nil
}

type fixedThrottle int

func (t fixedThrottle) Limit() int { return int(t) }

type engineHarness struct {
	engine     *Engine
	router     *fakeRouter
	clock      *clock.FakeClock
	completed  []*Graph
	recomputes []string
}

func newHarness(t *testing.T, throttle Throttle) *engineHarness {
	t.Helper()
	h := &engineHarness{
		router: &fakeRouter{},
		clock:  clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	h.engine = New(Config{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:       h.clock,
		UUID:        "dc-uuid",
		Router:      h.router,
		Throttle:    throttle,
		OnComplete:  func(g *Graph) { h.completed = append(h.completed, g) },
		OnRecompute: func(reason string) { h.recomputes = append(h.recomputes, reason) },
	})
	h.engine.SetState(StateLeader)
	return h
}

// result fabricates a matching executor event for an action.
func (h *engineHarness) result(graphID, actionID, targetRC, rc int, status executor.OpStatus) {
	key := opkey.TransitionKey{ActionID: actionID, GraphID: graphID, TargetRC: targetRC, SourceUUID: "dc-uuid"}
	h.engine.HandleEvent(executor.Event{
		Status:        status,
		RC:            rc,
		TargetRC:      targetRC,
		TransitionKey: key.String(),
	})
}

func mustGraph(t *testing.T, id, batch int, synapses []*Synapse) *Graph {
	t.Helper()
	g, err := NewGraph(id, batch, synapses)
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}
	return g
}

func startAction(id int) *Action {
	return &Action{
		ID:       id,
		Kind:     ActionResource,
		Target:   "node-1",
		Task:     "start",
		Resource: "db",
		Timeout:  60 * time.Second,
		TargetRC: 0,
	}
}

func TestSingleSynapseStartConfirmsAndCompletes(t *testing.T) {
	// Scenario: one synapse, no inputs, one start; executor returns
	// rc 0; the action confirms and the graph completes.
	h := newHarness(t, nil)
	graph := mustGraph(t, 7, 0, []*Synapse{{ID: 0, Actions: []*Action{startAction(4)}}})
	h.engine.SetGraph(graph)

	if len(h.router.resources) != 1 {
		t.Fatalf("dispatched %d resource ops", len(h.router.resources))
	}
	key := h.router.resources[0]
	if key.ActionID != 4 || key.GraphID != 7 || key.SourceUUID != "dc-uuid" {
		t.Fatalf("transition key = %+v", key)
	}

	h.result(7, 4, 0, 0, executor.StatusDone)
	if graph.Action(4).Status != ActionConfirmed {
		t.Fatal("action not confirmed")
	}
	if len(h.completed) != 1 {
		t.Fatalf("completions = %d", len(h.completed))
	}
}

func TestEventMatchingConfirmsOnce(t *testing.T) {
	h := newHarness(t, nil)
	graph := mustGraph(t, 1, 0, []*Synapse{{ID: 0, Actions: []*Action{startAction(1)}}})
	h.engine.SetGraph(graph)

	h.result(1, 1, 0, 0, executor.StatusDone)
	h.result(1, 1, 0, 0, executor.StatusDone) // duplicate
	if len(h.completed) != 1 {
		t.Fatalf("duplicate event recompleted the graph: %d", len(h.completed))
	}
	if graph.Action(1).Status != ActionConfirmed {
		t.Fatal("terminal action changed state")
	}
}

func TestStaleGraphEventIgnored(t *testing.T) {
	h := newHarness(t, nil)
	graph := mustGraph(t, 5, 0, []*Synapse{{ID: 0, Actions: []*Action{startAction(1)}}})
	h.engine.SetGraph(graph)

	h.result(4, 1, 0, 0, executor.StatusDone) // older graph id
	if graph.Action(1).Status != ActionInFlight {
		t.Fatal("stale event touched the action")
	}

	// Wrong originator uuid is equally stale.
	key := opkey.TransitionKey{ActionID: 1, GraphID: 5, TargetRC: 0, SourceUUID: "other-dc"}
	h.engine.HandleEvent(executor.Event{Status: executor.StatusDone, TransitionKey: key.String()})
	if graph.Action(1).Status != ActionInFlight {
		t.Fatal("foreign event touched the action")
	}
}

func TestWrongRCFailsAction(t *testing.T) {
	h := newHarness(t, nil)
	dependent := startAction(2)
	graph := mustGraph(t, 1, 0, []*Synapse{
		{ID: 0, Actions: []*Action{startAction(1)}},
		{ID: 1, Inputs: []int{1}, Actions: []*Action{dependent}},
	})
	h.engine.SetGraph(graph)

	h.result(1, 1, 0, 1, executor.StatusDone) // rc 1, wanted 0
	if graph.Action(1).Status != ActionFailed {
		t.Fatal("mismatched rc did not fail the action")
	}
	// The dependent synapse is skipped (confirmed-with-failure) and
	// its output never dispatches.
	if dependent.Status != ActionWaiting {
		t.Fatal("output of skipped synapse was dispatched")
	}
	if !graph.Complete() {
		t.Fatal("graph with skipped synapse did not complete")
	}
}

func TestToleratedInputFailureStillFires(t *testing.T) {
	h := newHarness(t, nil)
	dependent := startAction(2)
	graph := mustGraph(t, 1, 0, []*Synapse{
		{ID: 0, Actions: []*Action{startAction(1)}},
		{ID: 1, Inputs: []int{1}, Actions: []*Action{dependent}, ToleratesFailure: true},
	})
	h.engine.SetGraph(graph)

	h.result(1, 1, 0, 1, executor.StatusDone)
	if len(h.router.resources) != 2 {
		t.Fatalf("dispatches = %d, tolerated failure should fire the dependent", len(h.router.resources))
	}
}

func TestPseudoActionsCascade(t *testing.T) {
	h := newHarness(t, nil)
	pseudo := &Action{ID: 1, Kind: ActionPseudo, Task: "all-stopped"}
	graph := mustGraph(t, 1, 0, []*Synapse{
		{ID: 0, Actions: []*Action{pseudo}},
		{ID: 1, Inputs: []int{1}, Actions: []*Action{startAction(2)}},
	})
	h.engine.SetGraph(graph)

	// The pseudo confirms instantly and the dependent fires in the
	// same trigger.
	if len(h.router.resources) != 1 {
		t.Fatalf("dependent not dispatched after pseudo confirmation")
	}
}

func TestBatchLimitAndThrottle(t *testing.T) {
	h := newHarness(t, fixedThrottle(2))
	synapse := &Synapse{ID: 0, Actions: []*Action{startAction(1), startAction(2), startAction(3)}}
	graph := mustGraph(t, 1, 5, []*Synapse{synapse}) // graph limit 5, throttle 2
	h.engine.SetGraph(graph)

	if len(h.router.resources) != 2 {
		t.Fatalf("dispatched %d, want throttle-limited 2", len(h.router.resources))
	}

	// The remainder dispatches on the next trigger.
	h.engine.Trigger()
	if len(h.router.resources) != 3 {
		t.Fatalf("dispatched %d after second trigger", len(h.router.resources))
	}
}

func TestPriorityOrdersDispatch(t *testing.T) {
	h := newHarness(t, fixedThrottle(1))
	low := &Synapse{ID: 0, Priority: 1, Actions: []*Action{startAction(1)}}
	high := &Synapse{ID: 1, Priority: 9, Actions: []*Action{startAction(2)}}
	graph := mustGraph(t, 1, 0, []*Synapse{low, high})
	h.engine.SetGraph(graph)

	if len(h.router.resources) != 1 || h.router.resources[0].ActionID != 2 {
		t.Fatalf("first dispatch = %+v, want the high-priority synapse", h.router.resources)
	}
}

func TestAbortPriorityMonotone(t *testing.T) {
	h := newHarness(t, nil)
	graph := mustGraph(t, 1, 0, []*Synapse{{ID: 0, Actions: []*Action{startAction(1)}}})
	h.engine.SetGraph(graph)

	h.engine.Abort(10, AbortCancel, "first")
	h.engine.Abort(5, AbortRestart, "weaker") // p2 <= p1: no effect
	if graph.abortAction != AbortCancel || graph.abortPriority != 10 || graph.abortReason != "first" {
		t.Fatalf("weaker abort changed state: %+v", graph.abortAction)
	}

	h.engine.Abort(20, AbortRestart, "stronger")
	if graph.abortAction != AbortRestart || graph.abortPriority != 20 {
		t.Fatal("stronger abort did not win")
	}
}

func TestAbortSuppressedWhenNotLeader(t *testing.T) {
	h := newHarness(t, nil)
	graph := mustGraph(t, 1, 0, []*Synapse{{ID: 0, Actions: []*Action{startAction(1)}}})
	h.engine.SetGraph(graph)
	h.engine.SetState(StatePending)

	h.engine.Abort(InfinityPriority, AbortRestart, "should be suppressed")
	if graph.abortPriority != 0 {
		t.Fatal("abort recorded in non-leader state")
	}
	if len(h.recomputes) != 0 {
		t.Fatal("recompute posted in non-leader state")
	}
}

func TestAbortRestartDiscardsGraphAndPostsRecompute(t *testing.T) {
	h := newHarness(t, nil)
	graph := mustGraph(t, 1, 0, []*Synapse{{ID: 0, Actions: []*Action{startAction(1)}}})
	h.engine.SetGraph(graph)

	h.engine.Abort(InfinityPriority, AbortRestart, "config changed")
	if h.engine.Graph() != nil {
		t.Fatal("graph survived restart abort")
	}
	if len(h.recomputes) != 1 || h.recomputes[0] != "config changed" {
		t.Fatalf("recomputes = %v", h.recomputes)
	}
}

func TestAbortAfterCompletionPostsRecompute(t *testing.T) {
	h := newHarness(t, nil)
	graph := mustGraph(t, 1, 0, []*Synapse{{ID: 0, Actions: []*Action{startAction(1)}}})
	h.engine.SetGraph(graph)
	h.result(1, 1, 0, 0, executor.StatusDone)
	if len(h.completed) != 1 {
		t.Fatal("setup: graph not complete")
	}

	h.engine.Abort(1, AbortRecompute, "late input change")
	if len(h.recomputes) != 1 {
		t.Fatalf("recomputes = %v", h.recomputes)
	}
}

func TestAbortAfterCompletionDebounced(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.replanDebounce = 2 * time.Second
	graph := mustGraph(t, 1, 0, []*Synapse{{ID: 0, Actions: []*Action{startAction(1)}}})
	h.engine.SetGraph(graph)
	h.result(1, 1, 0, 0, executor.StatusDone)

	h.engine.Abort(1, AbortRecompute, "burst 1")
	h.engine.Abort(1, AbortRecompute, "burst 2")
	if len(h.recomputes) != 0 {
		t.Fatal("debounced recompute fired early")
	}
	h.clock.Advance(2 * time.Second)
	if len(h.recomputes) != 1 {
		t.Fatalf("recomputes after debounce = %v", h.recomputes)
	}
}

func TestActionDeadlineFailsAction(t *testing.T) {
	h := newHarness(t, nil)
	action := startAction(1)
	action.Timeout = 30 * time.Second
	graph := mustGraph(t, 1, 0, []*Synapse{{ID: 0, Actions: []*Action{action}}})
	h.engine.SetGraph(graph)

	h.clock.Advance(30 * time.Second)
	if action.Status != ActionFailed {
		t.Fatal("deadline expiry did not fail the action")
	}
	if !graph.Complete() {
		t.Fatal("graph did not settle after deadline failure")
	}
}

func TestFencingConnectionLossFailsFencingActions(t *testing.T) {
	// Scenario: pending fencing action; the fencing daemon drops.
	h := newHarness(t, nil)
	fence := &Action{ID: 1, Kind: ActionFencing, Target: "node-3", Task: "stonith", TargetRC: 0}
	graph := mustGraph(t, 1, 0, []*Synapse{{ID: 0, Actions: []*Action{fence}}})
	h.engine.SetGraph(graph)
	if len(h.router.fencings) != 1 {
		t.Fatal("fencing action not dispatched")
	}

	h.engine.FencingConnectionLost()
	if fence.Status != ActionFailed {
		t.Fatal("pending fencing action not failed")
	}
	if h.engine.Graph() != nil {
		t.Fatal("graph survived infinite-priority restart abort")
	}
	if len(h.recomputes) != 1 {
		t.Fatalf("compute-again not posted: %v", h.recomputes)
	}
}

func TestExternalFencingAbortsTransition(t *testing.T) {
	h := newHarness(t, nil)
	graph := mustGraph(t, 1, 0, []*Synapse{{ID: 0, Actions: []*Action{startAction(1)}}})
	h.engine.SetGraph(graph)

	// A fencing success for a node this graph never scheduled.
	h.engine.HandleFencingResult("node-9", true)
	if h.engine.Graph() != nil {
		t.Fatal("external fencing did not restart the transition")
	}
}

func TestFencingResultConfirmsAction(t *testing.T) {
	h := newHarness(t, nil)
	fence := &Action{ID: 1, Kind: ActionFencing, Target: "node-3", Task: "stonith"}
	graph := mustGraph(t, 1, 0, []*Synapse{{ID: 0, Actions: []*Action{fence}}})
	h.engine.SetGraph(graph)

	h.engine.HandleFencingResult("node-3", true)
	if fence.Status != ActionConfirmed {
		t.Fatal("fencing broadcast did not confirm the action")
	}
	if len(h.completed) != 1 {
		t.Fatal("graph not complete after fencing confirmation")
	}
}

func TestClusterOpConfirmsOnAck(t *testing.T) {
	h := newHarness(t, nil)
	shutdown := &Action{ID: 1, Kind: ActionCluster, Target: "node-2", Task: "do-shutdown"}
	graph := mustGraph(t, 1, 0, []*Synapse{{ID: 0, Actions: []*Action{shutdown}}})
	h.engine.SetGraph(graph)
	if len(h.router.cluster) != 1 {
		t.Fatal("cluster op not multicast")
	}

	h.engine.HandleClusterAck(1)
	if shutdown.Status != ActionConfirmed {
		t.Fatal("ack did not confirm the cluster op")
	}
}

func TestNewGraphDiscardsInFlightGraph(t *testing.T) {
	h := newHarness(t, nil)
	first := mustGraph(t, 1, 0, []*Synapse{{ID: 0, Actions: []*Action{startAction(1)}}})
	h.engine.SetGraph(first)
	second := mustGraph(t, 2, 0, []*Synapse{{ID: 0, Actions: []*Action{startAction(1)}}})
	h.engine.SetGraph(second)

	if h.engine.Graph() != second {
		t.Fatal("newer graph not installed")
	}
	// A result for the first graph is now stale.
	h.result(1, 1, 0, 0, executor.StatusDone)
	if second.Action(1).Status == ActionConfirmed {
		t.Fatal("stale result confirmed an action of the new graph")
	}
}

func TestNextGraphIDMonotonic(t *testing.T) {
	h := newHarness(t, nil)
	a, b := h.engine.NextGraphID(), h.engine.NextGraphID()
	if b <= a {
		t.Fatalf("graph ids not increasing: %d then %d", a, b)
	}
}
