// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warden-foundation/warden/lib/opkey"
)

// Config is the master configuration for a Warden node.
type Config struct {
	// Node identifies this cluster member.
	Node NodeConfig `yaml:"node"`

	// Paths configures state locations.
	Paths PathsConfig `yaml:"paths"`

	// Executor configures the remote executor transport.
	Executor ExecutorConfig `yaml:"executor"`

	// Engine configures the transition engine.
	Engine EngineConfig `yaml:"engine"`

	// Fencing configures the fencing coordinator.
	Fencing FencingConfig `yaml:"fencing"`

	// Resources are the resources this node may run. Definitions
	// are validated at load time.
	Resources []ResourceConfig `yaml:"resources,omitempty"`

	// RemoteNodes lists remote/guest nodes managed through the
	// configuration rather than the membership protocol.
	RemoteNodes []string `yaml:"remote_nodes,omitempty"`
}

// NodeConfig is the node's identity.
type NodeConfig struct {
	// Name is the node name as known to the cluster (required).
	Name string `yaml:"name"`

	// BusID is the numeric id on the messaging bus (0 = assigned by
	// the bus at join).
	BusID uint32 `yaml:"bus_id,omitempty"`
}

// PathsConfig locates on-disk state.
type PathsConfig struct {
	// StateDir holds the local store and runtime files.
	StateDir string `yaml:"state_dir"`
}

// ExecutorConfig configures the remote executor link.
type ExecutorConfig struct {
	// ListenAddress is where the executor daemon accepts controller
	// connections.
	ListenAddress string `yaml:"listen_address"`

	// KeyFile is the pre-shared key path; KeyFileFallback is
	// consulted when KeyFile is unreadable.
	KeyFile         string `yaml:"key_file"`
	KeyFileFallback string `yaml:"key_file_fallback,omitempty"`

	// AgentRoots maps resource classes to agent directories. Empty
	// uses the conventional locations.
	AgentRoots map[string]string `yaml:"agent_roots,omitempty"`
}

// EngineConfig tunes the transition engine.
type EngineConfig struct {
	// BatchLimit caps action dispatches per trigger (0 = unlimited
	// before throttling).
	BatchLimit int `yaml:"batch_limit,omitempty"`

	// ReplanDebounceMS delays recomputation requested after a
	// completed transition, in milliseconds (0 = immediate).
	ReplanDebounceMS int `yaml:"replan_debounce_ms,omitempty"`
}

// ReplanDebounce returns the debounce as a duration.
func (c EngineConfig) ReplanDebounce() time.Duration {
	return time.Duration(c.ReplanDebounceMS) * time.Millisecond
}

// FencingConfig locates the device table.
type FencingConfig struct {
	// DeviceFile is the JSONC fencing device definition file.
	DeviceFile string `yaml:"device_file,omitempty"`
}

// ResourceConfig declares one managed resource.
type ResourceConfig struct {
	ID       string            `yaml:"id"`
	Class    string            `yaml:"class"`
	Provider string            `yaml:"provider,omitempty"`
	Type     string            `yaml:"type"`
	Params   map[string]string `yaml:"params,omitempty"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{StateDir: "/var/lib/warden"},
		Executor: ExecutorConfig{
			ListenAddress: ":3121",
			KeyFile:       "/etc/warden/executor.key",
		},
	}
}

// Load reads, parses, and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate enforces the constraints the rest of the system assumes.
func (c *Config) Validate() error {
	if c.Node.Name == "" {
		return fmt.Errorf("node.name is required")
	}
	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}
	if c.Executor.KeyFile == "" {
		return fmt.Errorf("executor.key_file is required")
	}
	seen := make(map[string]bool, len(c.Resources))
	for _, resource := range c.Resources {
		if err := opkey.CheckResourceID(resource.ID); err != nil {
			return err
		}
		if seen[resource.ID] {
			return fmt.Errorf("duplicate resource id %q", resource.ID)
		}
		seen[resource.ID] = true
		if resource.Class == "" || resource.Type == "" {
			return fmt.Errorf("resource %s: class and type are required", resource.ID)
		}
	}
	for _, name := range c.RemoteNodes {
		if name == "" {
			return fmt.Errorf("remote_nodes entries must be non-empty")
		}
		if name == c.Node.Name {
			return fmt.Errorf("remote node %q is this node", name)
		}
	}
	return nil
}
