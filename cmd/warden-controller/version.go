// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package main

// versionString is stamped by the release build
// (-ldflags "-X main.versionString=...").
var versionString = "dev"
