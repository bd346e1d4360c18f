// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine executes transition graphs: the DAGs of actions the
// policy engine computes to move the cluster from its current state
// to the desired one. Only the elected leader runs an engine.
//
// A graph is a set of synapses, each an AND of input actions gating an
// AND of output actions. The engine walks synapses in priority order
// on every trigger, fires the outputs of every synapse whose inputs
// are all confirmed (subject to the dispatch batch limit), and matches
// incoming result events back to actions by transition key. A synapse
// with a failed, non-tolerated input is confirmed-with-failure and its
// outputs are skipped.
//
// The abort protocol is monotone: a new abort only takes effect if its
// priority exceeds the recorded one, so abort(p1); abort(p2<=p1) is
// exactly abort(p1). Aborts are suppressed while the node is not the
// leader. An abort that requests a restart discards the graph on the
// next trigger and posts the compute-again input to the outer state
// machine.
//
// The engine is loop-confined; events and timer callbacks must be
// delivered on the owning loop.
package engine
