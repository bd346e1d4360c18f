// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"time"

	"github.com/warden-foundation/warden/lib/opkey"
)

// OpStatus is the executor-level outcome of an operation, orthogonal
// to the agent return code. The numeric values appear inside
// transition magic strings and are stable across peers.
type OpStatus int

const (
	// StatusPending marks an operation that has been dispatched but
	// not completed.
	StatusPending OpStatus = -1

	// StatusDone means the agent ran to completion; consult the rc.
	StatusDone OpStatus = 0

	// StatusCancelled means the operation was cancelled before (or
	// while) running.
	StatusCancelled OpStatus = 1

	// StatusTimeout means the agent exceeded its timeout and was
	// killed.
	StatusTimeout OpStatus = 2

	// StatusNotSupported means the agent does not implement the
	// requested action.
	StatusNotSupported OpStatus = 3

	// StatusError is a generic execution failure.
	StatusError OpStatus = 4

	// StatusNotConnected means the executor could not be reached;
	// the result is synthesized.
	StatusNotConnected OpStatus = 5

	// StatusInvalid means the request was malformed (bad definition,
	// bad key). Treated as definitive by policy: no retry.
	StatusInvalid OpStatus = 6

	// StatusNotInstalled means the agent binary is missing on the
	// node.
	StatusNotInstalled OpStatus = 7
)

// String returns the status's log name.
func (s OpStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDone:
		return "done"
	case StatusCancelled:
		return "cancelled"
	case StatusTimeout:
		return "timeout"
	case StatusNotSupported:
		return "not-supported"
	case StatusError:
		return "error"
	case StatusNotConnected:
		return "not-connected"
	case StatusInvalid:
		return "invalid"
	case StatusNotInstalled:
		return "not-installed"
	}
	return "unknown"
}

// Event is one operation result, whether observed from an executor or
// synthesized locally. It is the unit the engine consumes.
type Event struct {
	// Node the operation ran on (or would have run on).
	Node string

	// Resource, Task, and IntervalMS identify the operation; together
	// they render to the canonical operation key.
	Resource   string
	Task       string
	IntervalMS uint32

	// CallID is the executor-assigned call id, or a synthetic id for
	// fabricated events (see Synthesized).
	CallID int

	// Status is the executor-level outcome; RC the agent return
	// code; TargetRC what the scheduler wanted.
	Status   OpStatus
	RC       int
	TargetRC int

	// TransitionKey is the opaque user data attached at dispatch by
	// the transition engine, round-tripped verbatim. Empty for
	// operations the engine did not originate.
	TransitionKey string

	// Params are the instance parameters the operation ran with.
	Params map[string]string

	// Deleted is set when the executor reports the resource was
	// removed entirely (history must be purged).
	Deleted bool

	// Cancelled is set on results that complete a cancellation.
	Cancelled bool

	// Synthesized marks results fabricated by State because the
	// request could not be dispatched. Synthetic call ids live in
	// their own namespace; route on this flag, never on the id's
	// magnitude.
	Synthesized bool

	// LockTime carries the shutdown-lock timestamp for results that
	// should pin the resource to this node (successful stop, probe
	// that found the resource inactive). Zero otherwise.
	LockTime time.Time
}

// OpKey renders the event's canonical operation key.
func (e *Event) OpKey() string {
	return opkey.Format(e.Resource, e.Task, e.IntervalMS)
}

// Recurring reports whether the event belongs to a recurring
// operation.
func (e *Event) Recurring() bool { return e.IntervalMS > 0 }

// Succeeded reports whether the executor completed the operation with
// the return code the scheduler wanted.
func (e *Event) Succeeded() bool {
	return e.Status == StatusDone && e.RC == e.TargetRC
}
