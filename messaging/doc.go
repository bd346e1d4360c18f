// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging implements the cluster message envelope and the
// outbound send queue layered on top of the cluster message bus.
//
// The bus itself (ordered group delivery, membership events) is an
// external collaborator represented by the Sender interface; this
// package only defines the wire form of a message and the
// flow-control policy for getting messages onto the bus. The bus is
// required to deliver messages to a given peer in send order and to
// present the same order to every peer.
//
// The envelope is a variable-length binary record carrying sender and
// host addressing, a message class, a per-process monotonic id, and
// the payload. Payloads above the compression threshold are
// compressed with lz4 block compression; the header records both the
// declared uncompressed size and the wire size, and the receiver
// asserts the sizes match after decompression.
//
// Addressed messages (host id set) that do not match the local node
// id are discarded before decompression or any further processing.
//
// The Queue does not drop a message because of push-back or depth; a
// message whose send fails with a hard error sendAttempts (5) times is
// removed and handed to the owner's escalation callback. When the bus
// pushes back, the
// flush is re-armed on a timer whose delay scales with queue depth,
// capped at one second; depth thresholds log at warning (200) and
// error (1,000) levels.
package messaging
