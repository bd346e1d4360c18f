// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package fencing

import (
	"log/slog"
	"strings"
)

// ParseHostMap parses a device host map: NAME=VALUE (or NAME:VALUE)
// entries separated by whitespace, commas, or semicolons. It returns
// the alias map (cluster node name → device-local port) and the
// mapped values in input order.
//
// The parser is tolerant: a value token with no preceding NAME= is
// reported and skipped, trailing separators are ignored, and an empty
// input yields an empty map.
func ParseHostMap(logger *slog.Logger, hostmap string) (map[string]string, []string) {
	aliases := make(map[string]string)
	var values []string

	var name string
	last := 0
	for i := 0; i <= len(hostmap); i++ {
		var c byte
		if i < len(hostmap) {
			c = hostmap[i]
		}
		switch c {
		case '=', ':':
			if i > last {
				name = hostmap[last:i]
			}
			last = i + 1
		case 0, ';', ',', ' ', '\t', '\n':
			if name != "" {
				value := hostmap[last:i]
				aliases[name] = value
				values = append(values, value)
				name = ""
			} else if i > last {
				logger.Warn("host map entry without assignment", "entry", hostmap[last:i])
			}
			last = i + 1
		}
	}
	return aliases, values
}

// ParseHostList parses the output of a fencing agent's `list` action
// (or a configured static host list): one or more lines of
// whitespace- or comma-separated host tokens.
//
// Lines complaining about unknown parameters ("invalid", "variable")
// are skipped wholesale, and the bare tokens "on"/"off" — port state
// markers some agents append — are dropped.
func ParseHostList(raw string) []string {
	var hosts []string
	for _, line := range strings.Split(raw, "\n") {
		if strings.Contains(line, "invalid") || strings.Contains(line, "variable") {
			continue
		}
		for _, token := range strings.FieldsFunc(line, func(r rune) bool {
			return r == ' ' || r == '\t' || r == ','
		}) {
			if token == "on" || token == "off" {
				continue
			}
			hosts = append(hosts, token)
		}
	}
	return hosts
}

// hostInList reports membership.
func hostInList(list []string, host string) bool {
	for _, candidate := range list {
		if candidate == host {
			return true
		}
	}
	return false
}
