// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package cib

import "time"

// UpdateOptions modify how a store update is submitted.
type UpdateOptions struct {
	// QuorumOverride submits the update even if the local partition
	// has lost quorum. Only fencing-outcome bookkeeping uses this.
	QuorumOverride bool
}

// HistoryRecord is one recorded resource operation, the unit of the
// store's per-node resource history.
type HistoryRecord struct {
	// Node is the node the operation ran on.
	Node string `cbor:"node"`

	// Resource is the resource id.
	Resource string `cbor:"resource"`

	// Class, Provider, and Type identify the resource agent.
	Class    string `cbor:"class"`
	Provider string `cbor:"provider,omitempty"`
	Type     string `cbor:"type"`

	// OpKey is the canonical operation key (see lib/opkey).
	OpKey string `cbor:"op_key"`

	// CallID is the executor-assigned call id. Erasure is optimistic
	// on this value.
	CallID int `cbor:"call_id"`

	// Magic is the rendered transition magic string for this result.
	Magic string `cbor:"magic"`

	// RC is the observed agent return code; Status the executor-level
	// op status (numeric values from package executor).
	RC     int `cbor:"rc"`
	Status int `cbor:"status"`

	// LastRun is when the operation last ran.
	LastRun time.Time `cbor:"last_run"`

	// Params are the instance parameters in effect for the run.
	Params map[string]string `cbor:"params,omitempty"`

	// ParamsDigest is the digest of Params (see lib/digest).
	ParamsDigest string `cbor:"params_digest,omitempty"`

	// LockTime, when non-zero, pins the resource to this node until
	// the lock expires or the resource is seen active there again
	// (shutdown lock). A zero LockTime clears any recorded lock.
	LockTime time.Time `cbor:"lock_time,omitempty"`
}

// Store is the configuration-store client used by the executor
// interface and the fencing coordinator.
type Store interface {
	// UpdateResourceHistory upserts one history record.
	UpdateResourceHistory(record HistoryRecord, opts UpdateOptions) error

	// EraseResourceHistory removes the record for (node, resource,
	// opKey) if and only if its stored call id is callID. A stale
	// call id is a no-op.
	EraseResourceHistory(node, resource, opKey string, callID int) error

	// PurgeResource removes every history record for the resource on
	// the node. Used when the executor reports the resource deleted.
	PurgeResource(node, resource string) error

	// PurgeNodeHistory removes every history record for the node.
	// Used by reprobe.
	PurgeNodeHistory(node string) error

	// RecordFencingOutcome records that target was fenced, observed
	// by origin. Submitted with QuorumOverride set, since the
	// recording node may be in the quorumless partition.
	RecordFencingOutcome(target, origin string, opts UpdateOptions) error
}

// AttributeStore is the transient per-node attribute service.
type AttributeStore interface {
	// SetProbed sets or clears the node's "has been probed" flag.
	// Clearing it makes the policy engine re-emit probes for every
	// resource on the node.
	SetProbed(node string, probed bool) error

	// SetLastRefresh updates the node's history-refresh timestamp.
	// The timestamp write is observable by legacy peers that key
	// recomputation off it; current peers receive an explicit
	// recompute signal as well.
	SetLastRefresh(node string, at time.Time) error

	// Set writes an arbitrary attribute.
	Set(node, name, value string) error

	// Delete removes an attribute.
	Delete(node, name string) error
}
