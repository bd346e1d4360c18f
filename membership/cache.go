// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package membership

import (
	"fmt"
	"log/slog"

	"github.com/warden-foundation/warden/lib/clock"
)

// Filter selects which class of entries a lookup may return or create.
type Filter int

const (
	// FilterCluster restricts the lookup to full cluster nodes.
	FilterCluster Filter = iota

	// FilterRemote restricts the lookup to remote/guest nodes.
	FilterRemote

	// FilterAny matches both classes. Lookups with FilterAny never
	// create entries — creation requires knowing the class.
	FilterAny
)

// StatusKind says which aspect of a peer changed.
type StatusKind int

const (
	// StatusLiveness is a transition between Member and Lost.
	StatusLiveness StatusKind = iota

	// StatusJoin is a join-phase transition.
	StatusJoin

	// StatusFlags is a flag change.
	StatusFlags
)

// StatusEvent describes one observed peer change. Peer is a snapshot
// taken after the change; Previous is the prior value of the changed
// aspect, rendered as a string for logging.
type StatusEvent struct {
	Kind     StatusKind
	Peer     Peer
	Previous string
}

// Cache is the peer cache. It is loop-confined: every method must be
// called from the owning event loop. See the package comment for the
// identity model.
type Cache struct {
	logger *slog.Logger
	clock  clock.Clock

	// entries is the owning map, keyed by an internal handle that is
	// never reused. byName and byID are indexes into it.
	entries    map[int]*Peer
	byName     map[string]int
	byID       map[uint32]int
	nextHandle int

	autoReap bool

	// onStatus, when set, is invoked after every liveness, join, or
	// flag change. It runs synchronously on the loop; implementations
	// must not call back into the Cache.
	onStatus func(StatusEvent)
}

// NewCache returns an empty cache with auto-reap enabled.
func NewCache(logger *slog.Logger, clk clock.Clock) *Cache {
	return &Cache{
		logger:     logger.With("component", "membership"),
		clock:      clk,
		entries:    make(map[int]*Peer),
		byName:     make(map[string]int),
		byID:       make(map[uint32]int),
		nextHandle: 1,
		autoReap:   true,
	}
}

// SetStatusCallback installs the status-change callback, replacing any
// previous one.
func (c *Cache) SetStatusCallback(fn func(StatusEvent)) { c.onStatus = fn }

// SetAutoReap toggles the reap policy at runtime. The fencing
// coordinator disables auto-reap while a fencing result is being recorded
// so that membership reaping cannot race the node-state update, then
// re-enables it.
func (c *Cache) SetAutoReap(enabled bool) {
	if c.autoReap == enabled {
		return
	}
	c.autoReap = enabled
	c.logger.Info("auto-reap policy changed", "enabled", enabled)
	if enabled {
		c.reap()
	}
}

// AutoReap reports the current reap policy.
func (c *Cache) AutoReap() bool { return c.autoReap }

// Len returns the number of cache entries.
func (c *Cache) Len() int { return len(c.entries) }

// Get looks up a peer by bus id and/or name, creating the entry if no
// match exists and the filter names a concrete class. Either id or
// name may be zero-valued, but not both.
//
// The unique entry matching either coordinate is returned, healing
// mismatches: a peer previously known only by name gains its id the
// first time a message from it arrives, and vice versa. If the two
// coordinates currently belong to two different entries, the entries
// are merged (the older's fields fill the newer's gaps; the older is
// removed).
func (c *Cache) Get(id uint32, name string, filter Filter) (*Peer, error) {
	if id == 0 && name == "" {
		return nil, fmt.Errorf("peer lookup needs an id or a name")
	}

	var byID, byName int
	if id != 0 {
		byID = c.byID[id]
	}
	if name != "" {
		byName = c.byName[name]
	}

	handle := byID
	if handle == 0 {
		handle = byName
	} else if byName != 0 && byName != handle {
		handle = c.merge(byName, byID)
	}

	if handle != 0 {
		peer := c.entries[handle]
		if !c.matches(peer, filter) {
			return nil, fmt.Errorf("peer %s/%d exists but does not match filter", name, id)
		}
		c.heal(handle, id, name)
		return peer, nil
	}

	switch filter {
	case FilterCluster:
		return c.create(id, name, 0), nil
	case FilterRemote:
		return c.create(0, name, FlagRemote), nil
	default:
		return nil, fmt.Errorf("peer %s/%d not cached and filter cannot create", name, id)
	}
}

func (c *Cache) matches(peer *Peer, filter Filter) bool {
	switch filter {
	case FilterCluster:
		return !peer.Flags.Has(FlagRemote)
	case FilterRemote:
		return peer.Flags.Has(FlagRemote)
	}
	return true
}

func (c *Cache) create(id uint32, name string, flags Flags) *Peer {
	handle := c.nextHandle
	c.nextHandle++

	peer := &Peer{
		Name:     name,
		BusID:    id,
		State:    Lost,
		Flags:    flags,
		Join:     JoinNone,
		LastSeen: c.clock.Now(),
	}
	if flags.Has(FlagRemote) {
		// Remote nodes have no bus identity; their name doubles as
		// their stable identifier.
		peer.UUID = name
	}
	c.entries[handle] = peer
	if name != "" {
		c.byName[name] = handle
	}
	if id != 0 {
		c.byID[id] = handle
	}
	c.logger.Debug("created peer entry", "name", name, "bus_id", id, "remote", flags.Has(FlagRemote))
	return peer
}

// heal fills in newly learned identity coordinates on an existing
// entry.
func (c *Cache) heal(handle int, id uint32, name string) {
	peer := c.entries[handle]
	if id != 0 && peer.BusID == 0 {
		peer.BusID = id
		c.byID[id] = handle
		c.logger.Info("learned bus id for peer", "name", peer.Name, "bus_id", id)
	}
	if name != "" && peer.Name == "" {
		peer.Name = name
		c.byName[name] = handle
		c.logger.Info("learned name for peer", "name", name, "bus_id", peer.BusID)
	}
}

// merge combines two entries discovered to refer to the same physical
// node. The older entry's fields are copied into the newer entry only
// where the newer entry is empty; the older entry is removed. Returns
// the surviving handle.
func (c *Cache) merge(a, b int) int {
	older, newer := a, b
	if older > newer {
		older, newer = newer, older
	}
	from, into := c.entries[older], c.entries[newer]

	if into.Name == "" && from.Name != "" {
		into.Name = from.Name
	}
	if into.UUID == "" {
		into.UUID = from.UUID
	}
	if into.BusID == 0 {
		into.BusID = from.BusID
	}
	if from.LastSeen.After(into.LastSeen) {
		into.LastSeen = from.LastSeen
	}
	c.logger.Info("merged duplicate peer entries", "name", into.Name, "bus_id", into.BusID)

	delete(c.entries, older)
	if into.Name != "" {
		c.byName[into.Name] = newer
	}
	if into.BusID != 0 {
		c.byID[into.BusID] = newer
	}
	return newer
}

// Lookup returns the peer matching the given coordinates without
// creating or healing anything, or nil.
func (c *Cache) Lookup(id uint32, name string) *Peer {
	if handle := c.byID[id]; id != 0 && handle != 0 {
		return c.entries[handle]
	}
	if handle := c.byName[name]; name != "" && handle != 0 {
		return c.entries[handle]
	}
	return nil
}

// ForEachActive calls fn for every entry that is a live participant.
func (c *Cache) ForEachActive(fn func(*Peer)) {
	for _, peer := range c.entries {
		if peer.Active() {
			fn(peer)
		}
	}
}

// PeerJoined records that the messaging layer reported the node as a
// member of the process group.
func (c *Cache) PeerJoined(id uint32, name string) error {
	// Remote nodes only change state via configuration: the
	// cluster-filtered lookup refuses them.
	peer, err := c.Get(id, name, FilterCluster)
	if err != nil {
		return err
	}
	peer.LastSeen = c.clock.Now()
	c.setFlags(peer, peer.Flags&^FlagDirty)
	c.setLiveness(peer, Member)
	return nil
}

// PeerLeft records that the messaging layer reported the node as gone
// from the process group: liveness goes to Lost, the join phase resets
// to JoinNone, and the entry is marked dirty. The entry itself
// survives until the next reap sweep.
func (c *Cache) PeerLeft(id uint32, name string) error {
	peer, err := c.Get(id, name, FilterCluster)
	if err != nil {
		return err
	}
	peer.LastSeen = c.clock.Now()
	c.setLiveness(peer, Lost)
	c.SetJoinPhase(peer, JoinNone)
	c.setFlags(peer, peer.Flags|FlagDirty)
	if c.autoReap {
		c.reap()
	}
	return nil
}

// MarkFenced records a fencing outcome for the target node: liveness
// Lost, join phase reset. The entry is not marked dirty — the reap
// decision belongs to the membership-event path, which will observe
// the fenced node leaving the process group. The caller is
// responsible for the surrounding auto-reap suspension (see
// Cache.SetAutoReap).
func (c *Cache) MarkFenced(name string) {
	peer := c.Lookup(0, name)
	if peer == nil {
		c.logger.Warn("fencing outcome for unknown peer", "name", name)
		return
	}
	peer.LastSeen = c.clock.Now()
	c.setLiveness(peer, Lost)
	c.SetJoinPhase(peer, JoinNone)
}

// SetJoinPhase moves a peer to a new join phase and fires the status
// callback on change.
func (c *Cache) SetJoinPhase(peer *Peer, phase JoinPhase) {
	if peer.Join == phase {
		return
	}
	previous := peer.Join
	peer.Join = phase
	c.dispatch(StatusEvent{Kind: StatusJoin, Peer: *peer, Previous: previous.String()})
}

// SetExpectedJoin records the phase the leader expects this node to
// reach next. Only meaningful on the leader; no callback fires.
func (c *Cache) SetExpectedJoin(peer *Peer, phase JoinPhase) {
	peer.ExpectedJoin = phase
}

// SetRemote sets or clears the remote flag, firing the status
// callback on change.
func (c *Cache) SetRemote(peer *Peer, remote bool) {
	flags := peer.Flags &^ FlagRemote
	if remote {
		flags |= FlagRemote
	}
	c.setFlags(peer, flags)
}

func (c *Cache) setLiveness(peer *Peer, state Liveness) {
	if peer.State == state {
		return
	}
	previous := peer.State
	peer.State = state
	c.logger.Info("peer liveness changed", "name", peer.Name, "from", string(previous), "to", string(state))
	c.dispatch(StatusEvent{Kind: StatusLiveness, Peer: *peer, Previous: string(previous)})
}

func (c *Cache) setFlags(peer *Peer, flags Flags) {
	if peer.Flags == flags {
		return
	}
	previous := peer.Flags
	peer.Flags = flags
	c.dispatch(StatusEvent{Kind: StatusFlags, Peer: *peer, Previous: fmt.Sprintf("%#x", uint32(previous))})
}

func (c *Cache) dispatch(event StatusEvent) {
	if c.onStatus != nil {
		c.onStatus(event)
	}
}

// reap removes every dirty, non-remote entry. Called on PeerLeft and
// when auto-reap is re-enabled.
func (c *Cache) reap() {
	for handle, peer := range c.entries {
		if !peer.Flags.Has(FlagDirty) || peer.Flags.Has(FlagRemote) {
			continue
		}
		c.logger.Info("reaping departed peer", "name", peer.Name, "bus_id", peer.BusID)
		delete(c.entries, handle)
		if peer.Name != "" && c.byName[peer.Name] == handle {
			delete(c.byName, peer.Name)
		}
		if peer.BusID != 0 && c.byID[peer.BusID] == handle {
			delete(c.byID, peer.BusID)
		}
	}
}

// RefreshRemotes reconciles the remote-peer subset against the
// current configuration: configured names gain (or keep) remote
// entries, remote entries for names no longer configured are removed.
// Cluster-node entries are never touched.
func (c *Cache) RefreshRemotes(configured []string) {
	want := make(map[string]bool, len(configured))
	for _, name := range configured {
		want[name] = true
		if c.byName[name] == 0 {
			c.create(0, name, FlagRemote)
		}
	}
	for handle, peer := range c.entries {
		if !peer.Flags.Has(FlagRemote) || want[peer.Name] {
			continue
		}
		c.logger.Info("removing unconfigured remote peer", "name", peer.Name)
		delete(c.entries, handle)
		delete(c.byName, peer.Name)
	}
}
