// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint and termination helpers
// for Warden daemons. It centralizes the raw I/O and exit paths that
// exist before or after the structured logger:
//
//   - Fatal error reporting to stderr when the logger may not be
//     initialized (pre-logger).
//   - The self-fence termination path: when a node learns it has been
//     fenced, it must leave the cluster immediately and must not
//     return. Rejoining would make the surviving partition, which
//     already considers this node dead, reject its votes.
//
// All other raw I/O in daemon code goes through log/slog.
package process
