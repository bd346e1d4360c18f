// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"fmt"
	"os"
)

// ExitSelfFenced is the exit status used when a node terminates after
// learning it was fenced and a system halt is unavailable. Supervisors
// (systemd units, init scripts) treat this status as "do not restart".
const ExitSelfFenced = 100

// Fatal writes "error: err" to stderr and exits with code 1. This is
// the standard Warden binary entrypoint error handler. Use it in
// main() for errors from run() where the structured logger may not be
// initialized.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
