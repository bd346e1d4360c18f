// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"log/slog"
	"time"

	"github.com/warden-foundation/warden/executor"
	"github.com/warden-foundation/warden/lib/clock"
	"github.com/warden-foundation/warden/lib/opkey"
)

// InfinityPriority is the abort priority nothing can exceed. Used for
// failures that invalidate the whole transition (fencing daemon loss,
// external fencing events).
const InfinityPriority = 1_000_000

// AbortAction says what the abort wants done with the current graph.
type AbortAction int

const (
	// AbortRecompute asks for a new computation once the current
	// graph settles.
	AbortRecompute AbortAction = iota

	// AbortCancel stops dispatching new actions but lets in-flight
	// ones finish.
	AbortCancel

	// AbortRestart discards the current graph on the next trigger.
	AbortRestart
)

// State is the outer controller state the engine is embedded in.
// Aborts are suppressed in every state but Leader: a node that is
// not (or no longer) the leader has no transition to abort.
type State int

const (
	StateStarting State = iota
	StatePending
	StateNotDC
	StateHalt
	StateStopping
	StateTerminate
	StateIllegal
	StateLeader
)

// String returns the state's log name.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StatePending:
		return "pending"
	case StateNotDC:
		return "not-dc"
	case StateHalt:
		return "halt"
	case StateStopping:
		return "stopping"
	case StateTerminate:
		return "terminate"
	case StateIllegal:
		return "illegal"
	case StateLeader:
		return "leader"
	}
	return "unknown"
}

// Router carries dispatched actions to their transports. The engine
// never talks to executors, peers, or the fencing coordinator
// directly.
type Router interface {
	// DispatchResource sends a resource operation to the target
	// node's executor interface. The transition key must travel with
	// it and return in the result event.
	DispatchResource(action *Action, key opkey.TransitionKey) error

	// DispatchFencing hands a fencing operation to the coordinator.
	// Confirmation arrives via HandleFencingResult when the outcome
	// broadcast lands.
	DispatchFencing(action *Action, key opkey.TransitionKey) error

	// DispatchClusterOp multicasts a cluster-wide operation.
	// Confirmation arrives via HandleClusterAck.
	DispatchClusterOp(action *Action, key opkey.TransitionKey) error
}

// Throttle is the external load governor consulted per trigger. A
// non-positive limit means unthrottled.
type Throttle interface {
	Limit() int
}

// Engine executes one transition graph at a time. Loop-confined.
type Engine struct {
	logger *slog.Logger
	clock  clock.Clock

	// uuid identifies this leader in every transition key it issues.
	uuid string

	state    State
	router   Router
	throttle Throttle

	graph *Graph

	// nextGraphID numbers graphs monotonically; aborting a graph
	// burns its number.
	nextGraphID int

	// replanDebounce, when non-zero, delays the recompute requested
	// by an abort that arrives after completion.
	replanDebounce time.Duration
	debounceTimer  *clock.Timer

	// onComplete fires once per graph when it completes. onRecompute
	// is the compute-again input to the outer state machine.
	onComplete  func(*Graph)
	onRecompute func(reason string)

	// deadlineTimers tracks the per-action deadline watches.
	deadlineTimers map[int]*clock.Timer

	// discardOnTrigger is armed by an AbortRestart.
	discardOnTrigger bool
}

// Config assembles an Engine.
type Config struct {
	Logger         *slog.Logger
	Clock          clock.Clock
	UUID           string
	Router         Router
	Throttle       Throttle
	ReplanDebounce time.Duration
	OnComplete     func(*Graph)
	OnRecompute    func(reason string)
}

// New returns an idle engine in StateStarting.
func New(cfg Config) *Engine {
	return &Engine{
		logger:         cfg.Logger.With("component", "engine"),
		clock:          cfg.Clock,
		uuid:           cfg.UUID,
		state:          StateStarting,
		router:         cfg.Router,
		throttle:       cfg.Throttle,
		replanDebounce: cfg.ReplanDebounce,
		onComplete:     cfg.OnComplete,
		onRecompute:    cfg.OnRecompute,
		deadlineTimers: make(map[int]*clock.Timer),
	}
}

// SetState moves the outer state machine.
func (e *Engine) SetState(state State) {
	if e.state != state {
		e.logger.Info("controller state changed", "from", e.state.String(), "to", state.String())
		e.state = state
	}
}

// UUID returns the leader uuid stamped into transition keys.
func (e *Engine) UUID() string { return e.uuid }

// Graph returns the current graph (nil when idle).
func (e *Engine) Graph() *Graph { return e.graph }

// NextGraphID hands out the id for the next computed graph.
func (e *Engine) NextGraphID() int {
	e.nextGraphID++
	return e.nextGraphID
}

// SetGraph installs a newly computed graph, discarding any in-flight
// one, and triggers execution.
func (e *Engine) SetGraph(graph *Graph) {
	if e.graph != nil && !e.graph.Complete() {
		e.logger.Info("discarding in-flight transition for newer graph",
			"old", e.graph.ID, "new", graph.ID)
		e.dropGraph()
	}
	e.discardOnTrigger = false
	e.graph = graph
	e.logger.Info("transition graph installed", "graph", graph.ID, "synapses", len(graph.Synapses))
	e.Trigger()
}

// dropGraph abandons the current graph and its deadline watches.
func (e *Engine) dropGraph() {
	for id, timer := range e.deadlineTimers {
		timer.Stop()
		delete(e.deadlineTimers, id)
	}
	e.graph = nil
}

// Trigger walks the graph and fires every ready synapse, subject to
// the batch limit. Pseudo-action confirmation can ready further
// synapses, so the walk repeats until it makes no progress.
func (e *Engine) Trigger() {
	if e.graph == nil {
		return
	}
	if e.discardOnTrigger {
		reason := e.graph.abortReason
		e.logger.Info("discarding transition graph", "graph", e.graph.ID, "reason", reason)
		e.discardOnTrigger = false
		e.dropGraph()
		if e.onRecompute != nil {
			e.onRecompute(reason)
		}
		return
	}

	budget := e.dispatchBudget()
	for {
		progressed := false
		for _, synapse := range e.graph.Synapses {
			if synapse.State == SynapseConfirmed {
				continue
			}
			switch e.graph.classifyInputs(synapse) {
			case inputsFailed:
				synapse.State = SynapseConfirmed
				synapse.Failed = true
				e.logger.Info("synapse skipped: failed input", "graph", e.graph.ID, "synapse", synapse.ID)
				progressed = true
			case inputsSatisfied:
				if synapse.State == SynapsePending {
					synapse.State = SynapseReady
				}
				if e.graph.abortAction == AbortCancel && synapse.State == SynapseReady {
					// Cancelled transitions stop dispatching new
					// work; in-flight actions still settle.
					continue
				}
				if e.fireSynapse(synapse, &budget) {
					progressed = true
				}
			}
		}
		if !progressed || budget == 0 {
			break
		}
	}

	if e.graph != nil && e.graph.Complete() {
		e.completeGraph()
	}
}

// dispatchBudget computes this trigger's batch limit: the smaller of
// the graph's configured limit and the dynamic throttle limit.
// Negative means unlimited.
func (e *Engine) dispatchBudget() int {
	limit := -1
	if e.graph.BatchLimit > 0 {
		limit = e.graph.BatchLimit
	}
	if e.throttle != nil {
		if dynamic := e.throttle.Limit(); dynamic > 0 && (limit < 0 || dynamic < limit) {
			limit = dynamic
		}
	}
	return limit
}

// fireSynapse dispatches the synapse's unstarted outputs within the
// budget. Returns whether anything happened.
func (e *Engine) fireSynapse(synapse *Synapse, budget *int) bool {
	progressed := false
	for _, action := range synapse.Actions {
		if action.Status != ActionWaiting {
			continue
		}
		if *budget == 0 {
			return progressed
		}
		if *budget > 0 {
			*budget--
		}
		e.dispatch(synapse, action)
		progressed = true
	}
	e.settleSynapse(synapse)
	return progressed
}

// dispatch fires one action down its kind's path.
func (e *Engine) dispatch(synapse *Synapse, action *Action) {
	key := opkey.TransitionKey{
		ActionID:   action.ID,
		GraphID:    e.graph.ID,
		TargetRC:   action.TargetRC,
		SourceUUID: e.uuid,
	}

	switch action.Kind {
	case ActionPseudo:
		action.Status = ActionConfirmed
		e.logger.Debug("pseudo action confirmed", "graph", e.graph.ID, "action", action.ID, "task", action.Task)
		return
	case ActionResource:
		action.Status = ActionInFlight
		e.armDeadline(action)
		if err := e.router.DispatchResource(action, key); err != nil {
			e.logger.Warn("resource dispatch failed", "action", action.ID, "error", err)
			e.failAction(action)
		}
	case ActionFencing:
		action.Status = ActionInFlight
		e.armDeadline(action)
		if err := e.router.DispatchFencing(action, key); err != nil {
			e.logger.Warn("fencing dispatch failed", "action", action.ID, "error", err)
			e.failAction(action)
		}
	case ActionCluster:
		action.Status = ActionInFlight
		e.armDeadline(action)
		if err := e.router.DispatchClusterOp(action, key); err != nil {
			e.logger.Warn("cluster op dispatch failed", "action", action.ID, "error", err)
			e.failAction(action)
		}
	}
}

// armDeadline starts the action's deadline watch. Expiry posts a
// synthesized timeout failure.
func (e *Engine) armDeadline(action *Action) {
	if action.Timeout <= 0 {
		return
	}
	action.Deadline = e.clock.Now().Add(action.Timeout)
	graphID := e.graph.ID
	actionID := action.ID
	e.deadlineTimers[actionID] = e.clock.AfterFunc(action.Timeout, func() {
		e.actionDeadline(graphID, actionID)
	})
}

// actionDeadline handles a deadline expiry, delivered on the loop.
func (e *Engine) actionDeadline(graphID, actionID int) {
	if e.graph == nil || e.graph.ID != graphID {
		return
	}
	action := e.graph.Action(actionID)
	if action == nil || action.Terminal() {
		return
	}
	e.logger.Warn("action deadline expired", "graph", graphID, "action", actionID, "task", action.Task)
	e.failAction(action)
	e.Trigger()
}

// HandleEvent matches one executor result event against the current
// graph. Stale and duplicate events are discarded idempotently.
func (e *Engine) HandleEvent(event executor.Event) {
	if e.graph == nil || event.TransitionKey == "" {
		return
	}
	key, err := opkey.ParseTransitionKey(event.TransitionKey)
	if err != nil {
		e.logger.Warn("event with unparsable transition key", "key", event.TransitionKey, "error", err)
		return
	}
	if key.SourceUUID != e.uuid || key.GraphID != e.graph.ID {
		e.logger.Debug("stale result event",
			"event_graph", key.GraphID, "current_graph", e.graph.ID, "source", key.SourceUUID)
		return
	}
	action := e.graph.Action(key.ActionID)
	if action == nil {
		e.logger.Warn("result event for unknown action", "graph", key.GraphID, "action", key.ActionID)
		return
	}
	if action.Terminal() {
		// Duplicate confirmation; terminal states never change.
		return
	}

	if event.Status == executor.StatusDone && event.RC == key.TargetRC {
		e.confirmAction(action)
	} else {
		e.logger.Info("action failed",
			"graph", e.graph.ID, "action", action.ID, "task", action.Task,
			"status", event.Status.String(), "rc", event.RC, "target_rc", key.TargetRC)
		e.failAction(action)
	}
	e.Trigger()
}

// HandleFencingResult confirms or fails the in-flight fencing action
// for the target node (fencing actions are matched by victim, not by
// call id: the confirmation comes from the cluster-wide broadcast).
func (e *Engine) HandleFencingResult(target string, succeeded bool) {
	if e.graph == nil {
		return
	}
	matched := false
	for _, synapse := range e.graph.Synapses {
		for _, action := range synapse.Actions {
			if action.Kind != ActionFencing || action.Target != target {
				continue
			}
			// Terminal actions still count as matched: a rebroadcast
			// notification is a duplicate, not an external fencing.
			matched = true
			if action.Terminal() {
				continue
			}
			if succeeded {
				e.confirmAction(action)
			} else {
				e.failAction(action)
			}
		}
	}
	if !matched && succeeded {
		// Someone fenced a node this transition did not plan to
		// fence: the cluster changed under us.
		e.Abort(InfinityPriority, AbortRestart, "external fencing operation")
		return
	}
	e.Trigger()
}

// HandleClusterAck confirms a cluster-wide operation by action id.
func (e *Engine) HandleClusterAck(actionID int) {
	if e.graph == nil {
		return
	}
	action := e.graph.Action(actionID)
	if action == nil || action.Terminal() || action.Kind != ActionCluster {
		return
	}
	e.confirmAction(action)
	e.Trigger()
}

func (e *Engine) confirmAction(action *Action) {
	action.Status = ActionConfirmed
	e.disarmDeadline(action)
	e.settleSynapse(e.graph.synapseOf(action))
}

func (e *Engine) failAction(action *Action) {
	action.Status = ActionFailed
	e.disarmDeadline(action)
	synapse := e.graph.synapseOf(action)
	if synapse != nil {
		synapse.Failed = true
	}
	e.settleSynapse(synapse)
}

func (e *Engine) disarmDeadline(action *Action) {
	if timer := e.deadlineTimers[action.ID]; timer != nil {
		timer.Stop()
		delete(e.deadlineTimers, action.ID)
	}
}

// settleSynapse confirms a fired synapse once all its outputs are
// terminal.
func (e *Engine) settleSynapse(synapse *Synapse) {
	if synapse == nil || synapse.State == SynapseConfirmed {
		return
	}
	for _, action := range synapse.Actions {
		if !action.Terminal() {
			return
		}
	}
	synapse.State = SynapseConfirmed
}

// completeGraph finishes the current graph exactly once.
func (e *Engine) completeGraph() {
	graph := e.graph
	if graph.completeNotified {
		return
	}
	graph.completeNotified = true
	e.logger.Info("transition complete", "graph", graph.ID)
	if e.onComplete != nil {
		e.onComplete(graph)
	}
}

// Abort records an input change the policy engine must re-see.
// Priorities are monotone: an abort at or below the recorded priority
// is a no-op. Aborts are suppressed when this node is not the leader.
func (e *Engine) Abort(priority int, action AbortAction, reason string) {
	if e.state != StateLeader {
		e.logger.Debug("abort suppressed in non-leader state",
			"state", e.state.String(), "reason", reason)
		return
	}

	if e.graph == nil || e.graph.Complete() {
		// Nothing in flight: this is a plain request to recompute,
		// debounced if configured.
		e.scheduleRecompute(reason)
		return
	}

	if priority <= e.graph.abortPriority {
		return
	}
	e.graph.abortPriority = priority
	e.graph.abortAction = action
	e.graph.abortReason = reason
	e.logger.Info("transition abort", "graph", e.graph.ID,
		"priority", priority, "action", int(action), "reason", reason)

	if action == AbortRestart {
		e.discardOnTrigger = true
	}
	e.Trigger()
}

// scheduleRecompute posts (or debounces) the compute-again input.
func (e *Engine) scheduleRecompute(reason string) {
	if e.replanDebounce <= 0 {
		if e.onRecompute != nil {
			e.onRecompute(reason)
		}
		return
	}
	if e.debounceTimer != nil {
		e.debounceTimer.Stop()
	}
	e.debounceTimer = e.clock.AfterFunc(e.replanDebounce, func() {
		e.debounceTimer = nil
		if e.onRecompute != nil {
			e.onRecompute(reason)
		}
	})
}

// FencingConnectionLost is called when the fencing daemon's link
// drops. Every unconfirmed fencing action fails and the transition is
// aborted at infinite priority with a restart. The restart is applied
// directly rather than through Abort: failing the outstanding fencing
// actions may have just "completed" the graph, and a completed-graph
// abort would only debounce a recompute instead of discarding.
func (e *Engine) FencingConnectionLost() {
	if e.graph == nil {
		e.Abort(InfinityPriority, AbortRestart, "fencing connection lost")
		return
	}
	failed := 0
	for _, synapse := range e.graph.Synapses {
		for _, action := range synapse.Actions {
			if action.Kind == ActionFencing && !action.Terminal() {
				e.failAction(action)
				failed++
			}
		}
	}
	if failed > 0 {
		e.logger.Error("fencing connection lost with fencing actions outstanding", "failed", failed)
	}
	if e.state != StateLeader {
		return
	}
	e.graph.abortPriority = InfinityPriority
	e.graph.abortAction = AbortRestart
	e.graph.abortReason = "fencing connection lost"
	e.discardOnTrigger = true
	e.Trigger()
}
