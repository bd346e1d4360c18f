// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package opkey

import (
	"fmt"
	"strconv"
	"strings"
)

// separator joins the fields of an operation key. Resource ids
// containing it are rejected at configuration time so that Parse is
// unambiguous.
const separator = "_"

// Format builds the canonical operation key for a resource operation:
// "<resource>_<task>_<interval-ms>".
func Format(resource, task string, intervalMS uint32) string {
	return resource + separator + task + separator + strconv.FormatUint(uint64(intervalMS), 10)
}

// Parse splits an operation key into its resource id, task name, and
// interval. The resource id is everything before the first separator
// (valid ids contain none); the interval is everything after the last;
// the task, which may itself contain separators, is the middle.
func Parse(key string) (resource, task string, intervalMS uint32, err error) {
	first := strings.Index(key, separator)
	last := strings.LastIndex(key, separator)
	if first < 0 || first == last {
		return "", "", 0, fmt.Errorf("operation key %q: need at least two %q separators", key, separator)
	}
	resource = key[:first]
	task = key[first+1 : last]
	if resource == "" || task == "" {
		return "", "", 0, fmt.Errorf("operation key %q: empty resource or task", key)
	}
	interval, err := strconv.ParseUint(key[last+1:], 10, 32)
	if err != nil {
		return "", "", 0, fmt.Errorf("operation key %q: bad interval: %w", key, err)
	}
	return resource, task, uint32(interval), nil
}

// CheckResourceID validates a resource id for use in operation keys.
// Ids containing the separator would make Parse ambiguous and are
// rejected when the configuration is loaded, never at runtime.
func CheckResourceID(id string) error {
	if id == "" {
		return fmt.Errorf("resource id is empty")
	}
	if strings.Contains(id, separator) {
		return fmt.Errorf("resource id %q contains reserved separator %q", id, separator)
	}
	return nil
}

// TransitionKey names one action of one transition graph computed by
// one leader. It travels with every dispatched resource operation and
// comes back attached to the result event.
type TransitionKey struct {
	// ActionID is the action's identifier, unique within its graph.
	ActionID int

	// GraphID is the monotonically increasing transition graph id.
	// Events carrying a stale GraphID are discarded by the engine.
	GraphID int

	// TargetRC is the agent return code the scheduler expects. The
	// engine confirms the action only when the observed rc matches.
	TargetRC int

	// SourceUUID identifies the leader that computed the graph.
	// Results from a graph computed by a deposed leader must not
	// confirm actions of the current one.
	SourceUUID string
}

// String renders the key as "<action>:<graph>:<target-rc>:<uuid>".
func (k TransitionKey) String() string {
	return fmt.Sprintf("%d:%d:%d:%s", k.ActionID, k.GraphID, k.TargetRC, k.SourceUUID)
}

// ParseTransitionKey parses the output of TransitionKey.String.
func ParseTransitionKey(s string) (TransitionKey, error) {
	parts := strings.SplitN(s, ":", 4)
	if len(parts) != 4 || parts[3] == "" {
		return TransitionKey{}, fmt.Errorf("transition key %q: want <action>:<graph>:<target-rc>:<uuid>", s)
	}
	var key TransitionKey
	var err error
	if key.ActionID, err = strconv.Atoi(parts[0]); err != nil {
		return TransitionKey{}, fmt.Errorf("transition key %q: bad action id: %w", s, err)
	}
	if key.GraphID, err = strconv.Atoi(parts[1]); err != nil {
		return TransitionKey{}, fmt.Errorf("transition key %q: bad graph id: %w", s, err)
	}
	if key.TargetRC, err = strconv.Atoi(parts[2]); err != nil {
		return TransitionKey{}, fmt.Errorf("transition key %q: bad target rc: %w", s, err)
	}
	key.SourceUUID = parts[3]
	return key, nil
}

// Magic is the transition magic string recorded with every completed
// operation: the transition key plus the observed op status and agent
// return code. Format: "<op-status>:<rc>;<transition-key>".
type Magic struct {
	// OpStatus is the executor-level outcome (done, timed out, error,
	// not connected, ...). Numeric values are defined in package
	// executor; opkey treats them opaquely.
	OpStatus int

	// RC is the agent return code actually observed.
	RC int

	// Key is the transition key of the action this result belongs to.
	Key TransitionKey
}

// String renders the magic as "<op-status>:<rc>;<transition-key>".
func (m Magic) String() string {
	return fmt.Sprintf("%d:%d;%s", m.OpStatus, m.RC, m.Key)
}

// ParseMagic parses the output of Magic.String.
func ParseMagic(s string) (Magic, error) {
	head, keyPart, found := strings.Cut(s, ";")
	if !found {
		return Magic{}, fmt.Errorf("transition magic %q: missing %q", s, ";")
	}
	statusPart, rcPart, found := strings.Cut(head, ":")
	if !found {
		return Magic{}, fmt.Errorf("transition magic %q: want <op-status>:<rc> before %q", s, ";")
	}
	var magic Magic
	var err error
	if magic.OpStatus, err = strconv.Atoi(statusPart); err != nil {
		return Magic{}, fmt.Errorf("transition magic %q: bad op status: %w", s, err)
	}
	if magic.RC, err = strconv.Atoi(rcPart); err != nil {
		return Magic{}, fmt.Errorf("transition magic %q: bad rc: %w", s, err)
	}
	if magic.Key, err = ParseTransitionKey(keyPart); err != nil {
		return Magic{}, err
	}
	return magic, nil
}
