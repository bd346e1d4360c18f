// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"errors"
	"time"
)

// Sentinel errors shared by both transports.
var (
	// ErrNotConnected is returned when an operation is attempted on a
	// disconnected connection. State converts it into a synthesized
	// StatusNotConnected event.
	ErrNotConnected = errors.New("executor: not connected")

	// ErrProtocolMismatch is returned by the remote handshake when
	// the two sides speak different protocol versions. Fatal for the
	// connection.
	ErrProtocolMismatch = errors.New("executor: protocol version mismatch")

	// ErrBadToken is returned when a reply carries a registration
	// token other than the one issued at handshake. Fatal for the
	// connection.
	ErrBadToken = errors.New("executor: registration token mismatch")

	// ErrNotFound is returned for operations on unregistered
	// resources and cancels that match nothing.
	ErrNotFound = errors.New("executor: no such resource or operation")
)

// ResourceDefinition identifies a resource and its agent.
type ResourceDefinition struct {
	ID       string
	Class    string
	Provider string
	Type     string
}

// OpRequest describes one operation to execute.
type OpRequest struct {
	// Resource is the resource id; Task the agent action; IntervalMS
	// the recurrence interval (0 = one-shot).
	Resource   string
	Task       string
	IntervalMS uint32

	// Timeout bounds the agent run.
	Timeout time.Duration

	// Params are the instance parameters passed to the agent.
	Params map[string]string

	// TargetRC is the return code the scheduler expects.
	TargetRC int

	// TransitionKey is opaque engine data round-tripped into the
	// result event.
	TransitionKey string

	// LockTime, when non-zero, is the shutdown-lock timestamp to
	// record if this operation ends up preserving the lock.
	LockTime time.Time
}

// Connection is the operation surface shared by the local and remote
// transports. The engine and State drive resources exclusively
// through it.
type Connection interface {
	// Connect establishes the transport. For Remote this performs the
	// hello/version/token handshake.
	Connect() error

	// Disconnect tears the transport down. In-flight synchronous
	// calls fail with ErrNotConnected.
	Disconnect() error

	// Connected reports the transport state.
	Connected() bool

	// RegisterResource makes a resource definition known to the
	// executor; UnregisterResource removes it. ResourceInfo returns
	// the registered definition.
	RegisterResource(def ResourceDefinition) error
	UnregisterResource(id string) error
	ResourceInfo(id string) (ResourceDefinition, error)

	// ListStandards, ListProviders, ListAgents, and AgentMetadata
	// expose agent discovery.
	ListStandards() ([]string, error)
	ListProviders(class string) ([]string, error)
	ListAgents(class, provider string) ([]string, error)
	AgentMetadata(class, provider, agentType string) (string, error)

	// Exec dispatches an operation and returns the executor-assigned
	// call id without waiting for completion.
	Exec(op OpRequest) (int, error)

	// Cancel stops a recurring operation identified by its operation
	// coordinates. Confirmation arrives as a cancelled Event.
	Cancel(resource, task string, intervalMS uint32) error

	// ListRecurring returns the operation keys of the executor's
	// active recurring operations for the resource ("" = all).
	ListRecurring(resource string) ([]string, error)

	// Poke verifies liveness of the executor link.
	Poke() error

	// SetEventHandler installs the completion sink. The handler may
	// be invoked from the connection's reader goroutine; the owner
	// must forward into its event loop.
	SetEventHandler(handler func(Event))
}
