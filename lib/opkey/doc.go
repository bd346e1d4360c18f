// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package opkey implements the two identifier formats that correlate
// recorded resource operations with the transition graph that
// scheduled them. Both formats are wire contracts shared by every peer
// in the cluster and must not change shape:
//
//   - The operation key "<resource>_<task>_<interval-ms>" is the
//     canonical identifier of a resource operation. Resource ids may
//     not contain the underscore separator (rejected at configuration
//     time); task names may (migrate_to), which is why the
//     parse anchors on the first and last separators.
//
//   - The transition key "<action>:<graph>:<target-rc>:<uuid>" names a
//     single action of a single graph computed by a specific leader.
//     The transition magic "<op-status>:<rc>;<transition-key>" extends
//     it with the observed outcome, and is the sole key by which op
//     result events are matched back to graph actions.
package opkey
