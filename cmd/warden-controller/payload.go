// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/warden-foundation/warden/engine"
	"github.com/warden-foundation/warden/fencing"
	"github.com/warden-foundation/warden/lib/codec"
	"github.com/warden-foundation/warden/lib/opkey"
)

// clusterOp is the wire payload of a cluster-wide operation multicast
// (ClassController).
type clusterOp struct {
	Task          string `cbor:"task"`
	Target        string `cbor:"target,omitempty"`
	ActionID      int    `cbor:"action_id"`
	TransitionKey string `cbor:"transition_key"`
}

func encodeClusterOp(action *engine.Action, key opkey.TransitionKey) ([]byte, error) {
	return codec.Marshal(clusterOp{
		Task:          action.Task,
		Target:        action.Target,
		ActionID:      action.ID,
		TransitionKey: key.String(),
	})
}

// decodeClusterAck extracts the acknowledged action id. On the
// loopback bus the multicast is its own acknowledgement; a real bus
// attachment replaces this with per-peer acks.
func decodeClusterAck(payload []byte) (int, error) {
	var op clusterOp
	if err := codec.Unmarshal(payload, &op); err != nil {
		return 0, err
	}
	return op.ActionID, nil
}

func encodeFencingNotification(n fencing.Notification) ([]byte, error) {
	return codec.Marshal(n)
}

func decodeFencingNotification(payload []byte) (fencing.Notification, error) {
	var n fencing.Notification
	err := codec.Unmarshal(payload, &n)
	return n, err
}
