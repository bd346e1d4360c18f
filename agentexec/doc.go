// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentexec invokes resource and fencing agents as supervised
// child processes.
//
// The invocation contract, shared by every agent class:
//
//   - Parameters are written to the agent's stdin as KEY=VALUE lines,
//     one per line, and stdin is closed. The action is itself passed
//     as the parameter named "action".
//   - stdout is captured for callers that parse it (the fencing
//     dynamic-list query); stderr goes to the log.
//   - Exit codes follow the OCF numbering; codes outside the defined
//     range are reported as OCFUnknownError.
//   - For stonith-class agents the device id is exported in the
//     ST_DEVICEID environment variable.
//
// Timeout escalation: when an agent exceeds its timeout it receives
// SIGTERM; five seconds later SIGKILL; five seconds after that a
// warning is logged and no further signals are sent (the process is
// unkillable, usually stuck in uninterruptible I/O, and will be
// reaped whenever the kernel lets go of it). Signals target the
// agent's process group so shell-wrapper agents cannot orphan their
// children.
//
// Completion is delivered on a channel so the owning event loop can
// treat it as one more event; nothing in this package calls back on a
// foreign goroutine.
package agentexec
