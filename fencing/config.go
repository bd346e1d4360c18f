// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package fencing

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// LoadDevices reads fencing device definitions from a JSONC file (a
// JSON array of device objects; comments and trailing commas
// allowed, since operators maintain this file by hand).
func LoadDevices(path string) ([]DeviceDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fencing device file %s: %w", path, err)
	}
	var definitions []DeviceDefinition
	if err := json.Unmarshal(jsonc.ToJSON(raw), &definitions); err != nil {
		return nil, fmt.Errorf("parsing fencing device file %s: %w", path, err)
	}
	seen := make(map[string]bool, len(definitions))
	for _, def := range definitions {
		if def.ID == "" || def.Agent == "" {
			return nil, fmt.Errorf("fencing device file %s: every device needs id and agent", path)
		}
		if seen[def.ID] {
			return nil, fmt.Errorf("fencing device file %s: duplicate device id %q", path, def.ID)
		}
		seen[def.ID] = true
	}
	return definitions, nil
}
