// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package cib defines the client surface of the cluster configuration
// store and provides the node-local SQLite cache of it.
//
// The replicated store itself — its schema, replication, and quorum
// machinery — is an external collaborator. What this package fixes is
// the contract the rest of the core depends on:
//
//   - Resource history updates are transactional and keyed by
//     (node, resource, operation key).
//   - History erasure is optimistic, additionally keyed by call id: a
//     delete that names a call id older than the stored one is a
//     no-op, not an error. This is what makes concurrent cleanup
//     during an active transition safe.
//   - Fencing outcomes are recorded with a quorum-override option, so
//     a node that has just lost quorum can still record that it was
//     the one that fenced the departed peer.
//
// Local is the SQLite-backed implementation used for the node's own
// cached slice of the store (and by tests as a stand-in for the
// replicated one). History records are stored as zstd-compressed CBOR
// blobs beside the indexed key columns; status sections dominate the
// store's size in large clusters and compress extremely well.
package cib
