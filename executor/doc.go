// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package executor is the controller's interface to the per-node
// resource executors: the process on each node that actually runs
// resource agents.
//
// For every target node the controller holds one Connection — Local
// for the node it runs on (direct agent invocation), Remote for nodes
// reached over the authenticated PSK transport. Both present the same
// operation surface; the transition engine cannot tell them apart.
//
// Around the connection sits State, the per-node tracker: the pending
// table of in-flight operations, the per-resource history (most recent
// success, most recent failure, active recurring operations, and the
// parameters captured at last start), and the synthesized-failure path
// that fabricates a deterministic result event when a request cannot
// even be dispatched. The engine always receives exactly one
// completion per dispatched operation, whether the executor produced
// it or State had to invent it.
//
// Two invariants the rest of the system leans on:
//
//   - A stop runs with the parameters captured when the resource was
//     last started (State.history stop-params), never the newest
//     configured parameters. Changing a parameter must not change how
//     the already-running instance is torn down.
//
//   - Cancellation of a recurring operation is two-phase: the pending
//     entry is marked cancelled when the request is sent but only
//     removed when the executor confirms, so a second cancel cannot
//     race the first.
package executor
