// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package membership maintains the per-process cache of cluster peers:
// canonical node identity, liveness, join-phase progression, and the
// dirty/reap policy applied when nodes leave the process group.
//
// The cache is the single source of truth that every other subsystem
// consults for "who is in the cluster right now". It is loop-confined:
// all mutation happens on the owning event loop, so the cache itself
// takes no locks.
//
// Entries are held in an owning map keyed by an internal handle; the
// name and bus-id indexes map to handles, never to each other. Peers
// never hold pointers to other peers — cross-entity navigation always
// goes through a lookup — so the cache needs no weak references and
// can merge or drop entries freely.
//
// Identity healing: early in a node's life the cache may hold one
// entry learned from configuration (name only) and one learned from
// the messaging bus (numeric id only). The first lookup that presents
// both coordinates merges them: the older entry's fields are copied
// into the newer entry only where the newer entry is empty, and the
// older entry is removed.
package membership
