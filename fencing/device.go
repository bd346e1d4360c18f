// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package fencing

import (
	"fmt"
	"log/slog"
	"time"
)

// HostCheck is a device's policy for deciding whether a target is
// within its power to fence.
type HostCheck string

const (
	// CheckNone: the device claims every host.
	CheckNone HostCheck = "none"

	// CheckStaticList: the target (or its alias) must appear in the
	// configured host list.
	CheckStaticList HostCheck = "static-list"

	// CheckDynamicList: the target (or its alias) must appear in the
	// agent's own `list` output, cached for listCacheAge.
	CheckDynamicList HostCheck = "dynamic-list"

	// CheckStatus: the agent's `status` action is asked about the
	// specific target.
	CheckStatus HostCheck = "status"
)

// listCacheAge is how long a dynamic-list query result stays fresh.
const listCacheAge = 60 * time.Second

// DeviceDefinition is the operator-facing device description, loaded
// from the fencing device file.
type DeviceDefinition struct {
	ID        string            `json:"id"`
	Agent     string            `json:"agent"`
	Namespace string            `json:"namespace,omitempty"`
	Priority  int               `json:"priority,omitempty"`
	Params    map[string]string `json:"params,omitempty"`

	// HostMap maps cluster node names to device-local ports
	// ("node1=1;node2=2").
	HostMap string `json:"host_map,omitempty"`

	// HostList is an explicit list of fenceable hosts.
	HostList string `json:"host_list,omitempty"`

	// HostCheck overrides the derived policy. When empty: a host
	// list (explicit or from the map) implies static-list, otherwise
	// dynamic-list.
	HostCheck string `json:"host_check,omitempty"`
}

// Device is one registered fencing device.
type Device struct {
	ID        string
	Agent     string
	Namespace string
	Priority  int
	Params    map[string]string

	// Aliases maps cluster node names to device-local ports.
	Aliases map[string]string

	// Hosts is the static host list (explicit plus host-map values).
	Hosts []string

	Check HostCheck

	// activePID is the running agent child (0 when idle). One child
	// per device, ever.
	activePID int

	// queue holds commands awaiting execution on this device.
	queue []*Command

	// Dynamic-list cache. listFetched distinguishes "never queried"
	// from a legitimately empty list, so an agent reporting zero
	// ports is still cached for the full window. listDisabled is
	// permanent: set when a `list` query fails.
	listCache    []string
	listFetched  bool
	listAge      time.Time
	listDisabled bool
}

// buildDevice validates a definition and derives the host-check
// policy.
func buildDevice(logger *slog.Logger, def DeviceDefinition) (*Device, error) {
	if def.ID == "" || def.Agent == "" {
		return nil, fmt.Errorf("fencing device needs id and agent")
	}

	device := &Device{
		ID:        def.ID,
		Agent:     def.Agent,
		Namespace: def.Namespace,
		Priority:  def.Priority,
		Params:    def.Params,
	}
	if device.Params == nil {
		device.Params = make(map[string]string)
	}

	aliases, mapped := ParseHostMap(logger, def.HostMap)
	device.Aliases = aliases
	device.Hosts = append(ParseHostList(def.HostList), mapped...)

	switch HostCheck(def.HostCheck) {
	case CheckNone, CheckStaticList, CheckDynamicList, CheckStatus:
		device.Check = HostCheck(def.HostCheck)
	case "":
		if len(device.Hosts) > 0 {
			device.Check = CheckStaticList
		} else {
			device.Check = CheckDynamicList
		}
	default:
		return nil, fmt.Errorf("device %s: unknown host-check policy %q", def.ID, def.HostCheck)
	}
	return device, nil
}

// alias returns the device-local name for a cluster host.
func (d *Device) alias(host string) string {
	if mapped, ok := d.Aliases[host]; ok {
		return mapped
	}
	return host
}

// Command is one queued fencing operation.
type Command struct {
	// Action is the agent action (off, reboot, on, list, status,
	// monitor).
	Action string

	// Victim is the target node name ("" for device-scoped actions
	// like list).
	Victim string

	// Timeout bounds the agent run.
	Timeout time.Duration

	// Origin names the requester: a peer node or a local client id.
	Origin string

	// CorrelationID ties the eventual result back to the request.
	CorrelationID string

	// fallback lists the remaining capable devices to try if this
	// one fails, best first.
	fallback []*Device
}

// fencingActions are the actions whose success is broadcast
// cluster-wide (they change a node's fate, unlike list/status).
var fencingActions = map[string]bool{
	"off":      true,
	"reboot":   true,
	"on":       true,
	"poweroff": true,
	"poweron":  true,
}
