// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"strings"
)

// metaParamPrefix marks parameters that configure the cluster's
// handling of a resource rather than the resource instance itself.
// Meta parameters are excluded from stop-params capture and from
// parameter digests.
const metaParamPrefix = "meta-"

// IsMetaParam reports whether key names a meta parameter.
func IsMetaParam(key string) bool { return strings.HasPrefix(key, metaParamPrefix) }

// InstanceParams returns params minus the meta parameters. The result
// is a fresh map; the input is not modified.
func InstanceParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for key, value := range params {
		if !IsMetaParam(key) {
			out[key] = value
		}
	}
	return out
}

// ResourceHistory is what the controller remembers about one resource
// on one node.
type ResourceHistory struct {
	// Resource id and the agent triple, fixed at registration.
	Resource string
	Class    string
	Provider string
	Type     string

	// Last is the most recent successful non-recurring operation;
	// Failed the most recent failure. At most one of each is kept.
	Last   *Event
	Failed *Event

	// Recurring holds the active recurring operations, unique by
	// (task, interval).
	Recurring []*Event

	// StopParams are the instance parameters captured at the last
	// start (or reload, or probe). A later stop runs with these, not
	// with whatever the configuration says by then.
	StopParams map[string]string

	// LastCallID is the highest call id recorded for this resource.
	LastCallID int
}

// capturesStopParams reports whether the task's parameters become the
// stop parameters: anything that proves the resource is (still)
// running with this parameter set.
func capturesStopParams(task string) bool {
	switch task {
	case "start", "reload", "monitor":
		return true
	}
	return false
}

// RecordOutcome tells the caller what Record did to the entry and
// what must happen to persistent state.
type RecordOutcome int

const (
	// RecordKept means the entry was updated in place.
	RecordKept RecordOutcome = iota

	// RecordPurged means the resource was deleted; the caller must
	// purge the persistent history too.
	RecordPurged

	// RecordDropped means the event carried nothing worth keeping
	// (e.g. the cancellation of a non-recurring operation).
	RecordDropped
)

// Record applies the §recording rules to the entry. The caller has
// already matched the event to this resource.
func (h *ResourceHistory) Record(event *Event) RecordOutcome {
	if event.CallID > h.LastCallID {
		h.LastCallID = event.CallID
	}

	if event.Deleted {
		// The resource is gone from the executor; the entry dies
		// with it.
		return RecordPurged
	}

	if event.Cancelled {
		if event.Recurring() {
			h.removeRecurring(event.Task, event.IntervalMS)
			return RecordKept
		}
		return RecordDropped
	}

	if !event.Succeeded() {
		h.Failed = event
		return RecordKept
	}

	if event.Recurring() {
		h.addRecurring(event)
		return RecordKept
	}

	h.Last = event
	if capturesStopParams(event.Task) {
		h.StopParams = InstanceParams(event.Params)
	}
	if event.Task != "monitor" {
		// Any other completed one-shot operation (start, stop,
		// promote, migrate) invalidates the armed recurring monitors;
		// the policy engine re-arms them afterwards.
		h.Recurring = nil
	}
	return RecordKept
}

func (h *ResourceHistory) addRecurring(event *Event) {
	for i, existing := range h.Recurring {
		if existing.Task == event.Task && existing.IntervalMS == event.IntervalMS {
			h.Recurring[i] = event
			return
		}
	}
	h.Recurring = append(h.Recurring, event)
}

func (h *ResourceHistory) removeRecurring(task string, intervalMS uint32) {
	kept := h.Recurring[:0]
	for _, existing := range h.Recurring {
		if existing.Task != task || existing.IntervalMS != intervalMS {
			kept = append(kept, existing)
		}
	}
	h.Recurring = kept
}

// FindRecurring returns the active recurring op for (task, interval),
// or nil.
func (h *ResourceHistory) FindRecurring(task string, intervalMS uint32) *Event {
	for _, existing := range h.Recurring {
		if existing.Task == task && existing.IntervalMS == intervalMS {
			return existing
		}
	}
	return nil
}
