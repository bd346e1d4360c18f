// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warden.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfig = `
node:
  name: db-1
paths:
  state_dir: /var/lib/warden
executor:
  listen_address: ":3121"
  key_file: /etc/warden/executor.key
resources:
  - id: db
    class: ocf
    provider: heartbeat
    type: mysql
    params:
      port: "3306"
remote_nodes: [guest-1]
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.Name != "db-1" {
		t.Fatalf("node name = %q", cfg.Node.Name)
	}
	if len(cfg.Resources) != 1 || cfg.Resources[0].Params["port"] != "3306" {
		t.Fatalf("resources = %+v", cfg.Resources)
	}
	if len(cfg.RemoteNodes) != 1 || cfg.RemoteNodes[0] != "guest-1" {
		t.Fatalf("remote nodes = %v", cfg.RemoteNodes)
	}
}

func TestDefaultsApplyUnderPartialConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, "node:\n  name: db-1\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Executor.ListenAddress != ":3121" {
		t.Fatalf("default listen address = %q", cfg.Executor.ListenAddress)
	}
	if cfg.Paths.StateDir != "/var/lib/warden" {
		t.Fatalf("default state dir = %q", cfg.Paths.StateDir)
	}
}

func TestLoadRejectsResourceIDWithSeparator(t *testing.T) {
	bad := strings.Replace(validConfig, "id: db", "id: db_master", 1)
	if _, err := Load(writeConfig(t, bad)); err == nil {
		t.Fatal("resource id with operation-key separator accepted")
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing node name", func(c *Config) { c.Node.Name = "" }},
		{"missing state dir", func(c *Config) { c.Paths.StateDir = "" }},
		{"missing key file", func(c *Config) { c.Executor.KeyFile = "" }},
		{"duplicate resource", func(c *Config) { c.Resources = append(c.Resources, c.Resources[0]) }},
		{"resource without class", func(c *Config) { c.Resources[0].Class = "" }},
		{"remote node is self", func(c *Config) { c.RemoteNodes = []string{c.Node.Name} }},
	}
	for _, tc := range cases {
		cfg, err := Load(writeConfig(t, validConfig))
		if err != nil {
			t.Fatal(err)
		}
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: validation passed", tc.name)
		}
	}
}
