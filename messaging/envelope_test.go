// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"errors"
	"testing"
)

func sampleEnvelope(payload []byte) *Envelope {
	return &Envelope{
		Sender:  Endpoint{ID: 2, Name: "node-b", PID: 4242, Type: 1},
		Host:    Endpoint{},
		Class:   ClassEngine,
		ID:      17,
		Payload: payload,
	}
}

func TestEncodeDecodeSmallPayload(t *testing.T) {
	original := sampleEnvelope([]byte("ack"))
	wire, err := original.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(wire, 1)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Sender != original.Sender || decoded.Class != original.Class || decoded.ID != original.ID {
		t.Fatalf("header mangled: %+v", decoded)
	}
	if !bytes.Equal(decoded.Payload, original.Payload) {
		t.Fatalf("payload mangled: %q", decoded.Payload)
	}
}

func TestEncodeCompressesLargePayload(t *testing.T) {
	// Highly compressible payload over the threshold.
	payload := bytes.Repeat([]byte("transition-graph "), 64)
	original := sampleEnvelope(payload)
	wire, err := original.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(wire) >= len(payload) {
		t.Fatalf("wire form %d bytes not smaller than payload %d bytes", len(wire), len(payload))
	}
	decoded, err := Decode(wire, 1)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(decoded.Payload, payload) {
		t.Fatal("compressed round trip mangled payload")
	}
}

func TestDecodeDropsMessagesForOtherHosts(t *testing.T) {
	original := sampleEnvelope([]byte("private"))
	original.Host = Endpoint{ID: 9, Name: "node-i"}
	wire, err := original.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(wire, 1); !errors.Is(err, ErrNotForUs) {
		t.Fatalf("Decode for foreign host: %v, want ErrNotForUs", err)
	}
	// The addressed node decodes it fine and sees Local set.
	decoded, err := Decode(wire, 9)
	if err != nil {
		t.Fatalf("Decode on addressed host: %v", err)
	}
	if !decoded.Host.Local {
		t.Fatal("Host.Local not set on addressed host")
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	wire, err := sampleEnvelope(bytes.Repeat([]byte("x"), 300)).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	for _, cut := range []int{1, 2, 10, len(wire) / 2, len(wire) - 1} {
		if _, err := Decode(wire[:cut], 1); err == nil {
			t.Errorf("Decode of %d-byte prefix succeeded", cut)
		}
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("not an envelope at all"), 1); err == nil {
		t.Fatal("Decode of garbage succeeded")
	}
}
