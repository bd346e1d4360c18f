// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestMarshalDeterministic(t *testing.T) {
	// Maps with identical content must encode to identical bytes
	// regardless of insertion order.
	a := map[string]int{"alpha": 1, "beta": 2, "gamma": 3}
	b := map[string]int{"gamma": 3, "alpha": 1, "beta": 2}

	encodedA, err := Marshal(a)
	if err != nil {
		t.Fatalf("Marshal(a): %v", err)
	}
	encodedB, err := Marshal(b)
	if err != nil {
		t.Fatalf("Marshal(b): %v", err)
	}
	if !bytes.Equal(encodedA, encodedB) {
		t.Fatalf("deterministic encoding violated: %x != %x", encodedA, encodedB)
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	type wide struct {
		Name  string `cbor:"name"`
		Extra string `cbor:"extra"`
	}
	type narrow struct {
		Name string `cbor:"name"`
	}

	data, err := Marshal(wide{Name: "node-1", Extra: "future field"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got narrow
	if err := Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal with unknown field: %v", err)
	}
	if got.Name != "node-1" {
		t.Fatalf("Name = %q", got.Name)
	}
}

func TestUnmarshalAnyMapType(t *testing.T) {
	data, err := Marshal(map[string]any{"params": map[string]any{"port": "3306"}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	outer, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded to %T, want map[string]any", decoded)
	}
	if _, ok := outer["params"].(map[string]any); !ok {
		t.Fatalf("inner map decoded to %T, want map[string]any", outer["params"])
	}
}
