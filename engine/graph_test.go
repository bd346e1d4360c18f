// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import "testing"

func TestNewGraphRejectsDuplicateActionIDs(t *testing.T) {
	_, err := NewGraph(1, 0, []*Synapse{
		{ID: 0, Actions: []*Action{{ID: 1}}},
		{ID: 1, Actions: []*Action{{ID: 1}}},
	})
	if err == nil {
		t.Fatal("duplicate action ids accepted")
	}
}

func TestNewGraphRejectsDanglingInput(t *testing.T) {
	_, err := NewGraph(1, 0, []*Synapse{
		{ID: 0, Inputs: []int{99}, Actions: []*Action{{ID: 1}}},
	})
	if err == nil {
		t.Fatal("input referencing no action accepted")
	}
}

func TestNewGraphRejectsSelfGating(t *testing.T) {
	_, err := NewGraph(1, 0, []*Synapse{
		{ID: 0, Inputs: []int{1}, Actions: []*Action{{ID: 1}}},
	})
	if err == nil {
		t.Fatal("synapse gated on its own output accepted")
	}
}

func TestNewGraphRejectsCycle(t *testing.T) {
	_, err := NewGraph(1, 0, []*Synapse{
		{ID: 0, Inputs: []int{2}, Actions: []*Action{{ID: 1}}},
		{ID: 1, Inputs: []int{1}, Actions: []*Action{{ID: 2}}},
	})
	if err == nil {
		t.Fatal("cyclic graph accepted")
	}
}

func TestNewGraphAcceptsDiamond(t *testing.T) {
	// A → B, A → C, (B, C) → D.
	graph, err := NewGraph(1, 0, []*Synapse{
		{ID: 0, Actions: []*Action{{ID: 1}}},
		{ID: 1, Inputs: []int{1}, Actions: []*Action{{ID: 2}}},
		{ID: 2, Inputs: []int{1}, Actions: []*Action{{ID: 3}}},
		{ID: 3, Inputs: []int{2, 3}, Actions: []*Action{{ID: 4}}},
	})
	if err != nil {
		t.Fatalf("diamond rejected: %v", err)
	}
	if graph.Action(4) == nil {
		t.Fatal("action index incomplete")
	}
}
