// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import "time"

// PendingOp is the record State keeps for one in-flight operation,
// created at dispatch and removed when the matching result event
// arrives (for cancellations, when the executor confirms or the
// resource is deleted).
type PendingOp struct {
	// CallID is the executor-assigned call id.
	CallID int

	// OpKey is the canonical operation key.
	OpKey string

	// Resource, Task, IntervalMS duplicate the key's parts for
	// matching without reparsing.
	Resource   string
	Task       string
	IntervalMS uint32

	// Started is the dispatch time.
	Started time.Time

	// TransitionKey is the engine's opaque correlation data, if the
	// operation came from a transition.
	TransitionKey string

	// LockTime is the shutdown-lock timestamp to preserve if this
	// operation completes in a lock-preserving way.
	LockTime time.Time

	// RemoveOnComplete marks one-shot operations whose entry dies
	// with the first matching result.
	RemoveOnComplete bool

	// Cancelled marks an operation with a cancel request in flight.
	// The entry stays until the executor confirms, which is what
	// makes a second cancel idempotent rather than racy.
	Cancelled bool
}
