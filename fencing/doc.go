// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package fencing coordinates node fencing: choosing a device capable
// of acting on a target node, driving the device's agent, and
// broadcasting the outcome so every peer converges on the fenced
// node's fate.
//
// Each registered device carries a host-check policy deciding whether
// it can fence a given target: "none" (always), "static-list" (the
// target or its alias is in the configured list), "dynamic-list" (the
// target is in the agent's own `list` output, cached for sixty
// seconds; a failing list query disables the policy for the device
// permanently), or "status" (ask the agent about the specific
// target). Capable devices are tried in priority order; a failure
// falls through to the next device, and only when the list is
// exhausted does the originator hear a failure.
//
// A device runs at most one agent child at a time; its commands
// queue. The agent receives the device parameters on stdin, with the
// target substituted through the host map as the "port" parameter and
// the raw node name as "nodename".
//
// On success the outcome is broadcast cluster-wide. Every peer —
// including the one that executed the fencing — updates its
// membership view from the broadcast: target lost, join phase reset.
// A node that learns it was itself fenced halts immediately (or exits
// with a no-restart status); returning would only get its votes
// rejected by a cluster that already counted it dead.
package fencing
