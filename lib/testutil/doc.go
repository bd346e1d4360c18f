// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Warden packages.
//
// [RequireReceive], [RequireSend], and [RequireClosed] encapsulate the
// timeout safety valve pattern (select with time.After fallback) so
// that individual tests do not need direct time.After calls. The
// time-driven logic under test takes its time from lib/clock; these
// helpers only bound how long a test waits in real time.
//
// [UniqueID] generates monotonically increasing identifiers for test
// disambiguation — resource ids, correlation ids, node names — without
// reaching for time.Now().
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no Warden-internal dependencies.
package testutil
