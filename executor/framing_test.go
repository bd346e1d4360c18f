// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	original := &frame{
		ID:   17,
		Type: frameRequest,
		Command: &wireCommand{
			Op:            "exec",
			Token:         "tok-1",
			Resource:      "db",
			Task:          "start",
			TimeoutMS:     60000,
			TransitionKey: "4:7:0:dc-uuid",
			Params:        []wireParam{{Name: "port", Value: "3306"}},
		},
	}
	line, err := encodeFrame(original)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	if !bytes.HasSuffix(line, []byte("\n")) || bytes.Count(line, []byte("\n")) != 1 {
		t.Fatalf("frame is not a single line: %q", line)
	}
	decoded, err := decodeFrame(bytes.TrimSuffix(line, []byte("\n")))
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if decoded.ID != 17 || decoded.Type != frameRequest || decoded.Command == nil {
		t.Fatalf("decoded header: %+v", decoded)
	}
	if decoded.Command.TransitionKey != "4:7:0:dc-uuid" {
		t.Fatalf("transition key = %q", decoded.Command.TransitionKey)
	}
	if got := paramsFromWire(decoded.Command.Params); got["port"] != "3306" {
		t.Fatalf("params = %v", got)
	}
}

func TestFrameLineSafetyWithNewlinesInValues(t *testing.T) {
	// Attribute values with embedded newlines must stay on one line
	// (XML escapes them).
	original := &frame{
		ID:   1,
		Type: frameReply,
		Reply: &wireReply{
			Op:       "metadata",
			Metadata: "<resource-agent>\nline two\n</resource-agent>",
		},
	}
	line, err := encodeFrame(original)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	if bytes.Count(line, []byte("\n")) != 1 {
		t.Fatalf("newline in value broke line framing: %q", line)
	}
	decoded, err := decodeFrame(bytes.TrimSuffix(line, []byte("\n")))
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if decoded.Reply.Metadata != original.Reply.Metadata {
		t.Fatalf("metadata mangled: %q", decoded.Reply.Metadata)
	}
}

func TestDecodeFrameRejectsUnknownType(t *testing.T) {
	line, err := encodeFrame(&frame{ID: 1, Type: "gossip"})
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	if _, err := decodeFrame(bytes.TrimSuffix(line, []byte("\n"))); err == nil {
		t.Fatal("unknown frame type accepted")
	}
}

func TestEventWireRoundTrip(t *testing.T) {
	event := Event{
		Resource:      "db",
		Task:          "monitor",
		IntervalMS:    10000,
		CallID:        9,
		RC:            7,
		Status:        StatusDone,
		TargetRC:      0,
		TransitionKey: "1:2:0:u",
		Cancelled:     true,
		Params:        map[string]string{"port": "3306"},
	}
	got := eventFromWire(eventToWire(&event))
	if got.Resource != event.Resource || got.CallID != event.CallID ||
		got.Status != event.Status || !got.Cancelled ||
		got.Params["port"] != "3306" || got.TransitionKey != event.TransitionKey {
		t.Fatalf("wire round trip changed event: %+v", got)
	}
}
