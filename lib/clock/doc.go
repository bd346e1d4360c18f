// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock interface parameter instead of calling
// time.Now, time.After, time.NewTicker, time.AfterFunc, or time.Sleep
// directly. In production, Real() provides the standard library
// behavior. In tests, Fake() provides a deterministic clock that
// advances only when Advance is called.
//
// Almost everything in the resource manager core is deadline-driven:
// action timeouts, the fencing device list cache, PSK reload intervals,
// message-queue flush backoff, re-plan debounce. Routing all of it
// through a Clock lets engine and coordinator tests advance time by
// exact amounts instead of sleeping.
//
// # Wiring Pattern
//
// Add a Clock field to structs that use time:
//
//	type Coordinator struct {
//	    clock clock.Clock
//	    // ...
//	}
//
// In production:
//
//	c := &Coordinator{clock: clock.Real()}
//
// In tests:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	c := &Coordinator{clock: fake}
//	fake.Advance(61 * time.Second) // expire the device list cache
package clock
