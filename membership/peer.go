// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package membership

import "time"

// Liveness is a peer's cluster membership state.
type Liveness string

const (
	// Member means the node is part of the process group.
	Member Liveness = "member"

	// Lost means the node has left (or been ejected from) the
	// process group.
	Lost Liveness = "lost"
)

// JoinPhase tracks a node's progress through the leader's join
// protocol. The phases are strictly ordered; a node only ever moves
// forward through them until it is lost, which resets it to JoinNone.
type JoinPhase int

const (
	// JoinNack means the leader refused this node's join request.
	JoinNack JoinPhase = iota - 1

	// JoinNone is the initial phase: no join exchange yet.
	JoinNone

	// JoinWelcomed means the leader has offered membership.
	JoinWelcomed

	// JoinIntegrated means the node's state has been merged into the
	// leader's view.
	JoinIntegrated

	// JoinFinalized means the leader has sent the authoritative
	// configuration.
	JoinFinalized

	// JoinConfirmed means the node acknowledged the configuration and
	// is a full participant.
	JoinConfirmed
)

// String returns the phase's wire name.
func (p JoinPhase) String() string {
	switch p {
	case JoinNack:
		return "nack"
	case JoinNone:
		return "none"
	case JoinWelcomed:
		return "welcomed"
	case JoinIntegrated:
		return "integrated"
	case JoinFinalized:
		return "finalized"
	case JoinConfirmed:
		return "confirmed"
	}
	return "unknown"
}

// Flags annotate a cache entry.
type Flags uint32

const (
	// FlagRemote marks a remote or guest node. Remote nodes are
	// managed through the configuration, not the membership protocol:
	// they never become Member via bus events.
	FlagRemote Flags = 1 << iota

	// FlagDirty marks an entry as due for removal on the next reap
	// sweep (when auto-reap is enabled).
	FlagDirty
)

// Has reports whether all bits in want are set.
func (f Flags) Has(want Flags) bool { return f&want == want }

// Peer is one cache entry. Fields are plain values — no pointers into
// other entries — so entries can be merged and removed without
// reference bookkeeping.
type Peer struct {
	// Name is the node name as known to the cluster. Unique across
	// the cache (empty allowed while the name is still unknown).
	Name string

	// UUID is the node's stable identifier, unique across the cache.
	// For cluster nodes this arrives with the first join exchange;
	// for remote nodes it equals the name.
	UUID string

	// BusID is the numeric id used on the messaging bus. Zero while
	// unknown (remote nodes never have one).
	BusID uint32

	// State is the node's liveness.
	State Liveness

	// Flags annotate the entry (remote, dirty).
	Flags Flags

	// Join is the node's current join phase.
	Join JoinPhase

	// ExpectedJoin is maintained only on the leader: the phase the
	// leader is waiting for this node to reach next.
	ExpectedJoin JoinPhase

	// LastSeen is the time of the most recent membership event or
	// message from this node.
	LastSeen time.Time
}

// Active reports whether the peer currently counts as a live cluster
// participant.
func (p *Peer) Active() bool {
	return p.State == Member && !p.Flags.Has(FlagDirty)
}
