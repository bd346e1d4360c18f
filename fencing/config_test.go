// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package fencing

import (
	"os"
	"path/filepath"
	"testing"
)

func writeDeviceFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devices.jsonc")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDevicesWithComments(t *testing.T) {
	path := writeDeviceFile(t, `[
  // Rack PDU, fences the DB pair.
  {
    "id": "pdu-1",
    "agent": "fence_apc",
    "priority": 10,
    "host_map": "db-1=1;db-2=2",
    "params": {"ipaddr": "10.0.0.50"},
  },
  {"id": "ipmi-db1", "agent": "fence_ipmilan", "host_list": "db-1"},
]`)
	definitions, err := LoadDevices(path)
	if err != nil {
		t.Fatalf("LoadDevices: %v", err)
	}
	if len(definitions) != 2 {
		t.Fatalf("loaded %d devices", len(definitions))
	}
	if definitions[0].ID != "pdu-1" || definitions[0].Params["ipaddr"] != "10.0.0.50" {
		t.Fatalf("first device = %+v", definitions[0])
	}
}

func TestLoadDevicesRejectsDuplicates(t *testing.T) {
	path := writeDeviceFile(t, `[
  {"id": "d1", "agent": "fence_a"},
  {"id": "d1", "agent": "fence_b"}
]`)
	if _, err := LoadDevices(path); err == nil {
		t.Fatal("duplicate device ids accepted")
	}
}

func TestLoadDevicesRejectsIncomplete(t *testing.T) {
	path := writeDeviceFile(t, `[{"id": "d1"}]`)
	if _, err := LoadDevices(path); err == nil {
		t.Fatal("device without agent accepted")
	}
}
