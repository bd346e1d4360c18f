// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Warden daemons.
//
// Configuration is loaded from a single YAML file passed via --config
// (or the WARDEN_CONFIG environment variable). There are no fallbacks
// or automatic discovery: deterministic, auditable configuration with
// no hidden overrides.
//
// Resource ids are validated here, at load time — an id containing
// the operation-key separator would make recorded operation keys
// ambiguous forever, so it never gets past Load.
package config
