// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source so that code which
// schedules work against wall-clock time can be tested deterministically.
//
// Production code takes a Clock value instead of calling time.Now,
// time.After, time.AfterFunc, time.NewTicker, or time.Sleep directly.
// Real() returns the standard library behavior. Fake() returns a clock
// that only moves when the test calls Advance, so timeouts such as the
// assistant authentication deadline or the stop-signal escalation delay
// fire exactly when the test decides they do.
//
// # Wiring
//
// Structs that need time carry a Clock field:
//
//	type Supervisor struct {
//	    clock clock.Clock
//	    // ...
//	}
//
// Production constructs with clock.Real(). A test constructs a fake at a
// fixed instant and drives it:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	s := &Supervisor{clock: c}
//	// ... start the goroutine under test ...
//	c.WaitForTimers(1)          // goroutine has registered its deadline
//	c.Advance(10 * time.Minute) // deadline fires now, deterministically
//
// WaitForTimers is the synchronization half of the fake: it blocks until
// the expected number of pending timers exist, which removes the race
// between a goroutine registering a timer and the test advancing past
// its deadline.
package clock
