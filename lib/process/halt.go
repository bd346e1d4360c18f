// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"os"

	"golang.org/x/sys/unix"
)

// SelfFence terminates the local node after a fencing notification
// named it as the victim. It first attempts an immediate system halt;
// if the halt syscall is unavailable (insufficient privilege, or a
// containerized environment without CAP_SYS_BOOT), it exits the
// process with ExitSelfFenced instead.
//
// sync() is called first so that any buffered log writes reach disk —
// this is the last chance to preserve the record of why the node died.
//
// SelfFence does not return.
func SelfFence() {
	unix.Sync()
	// LINUX_REBOOT_CMD_HALT stops the CPU without powering off, which
	// is the conservative interpretation of "was fenced": the node
	// must stop touching shared resources, nothing more.
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_HALT); err != nil {
		os.Exit(ExitSelfFenced)
	}
	// Reboot(HALT) only returns on error, but make the no-return
	// contract unconditional.
	os.Exit(ExitSelfFenced)
}
