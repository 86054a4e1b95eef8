// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at the given instant. Time moves only
// when Advance is called; every After, AfterFunc, NewTicker, and Sleep
// call registers a pending waiter that fires once the clock passes its
// deadline.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.registered = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock for tests.
//
// AfterFunc callbacks run synchronously inside Advance, in deadline
// order. Calling Sleep or Advance from inside an AfterFunc callback
// deadlocks.
type FakeClock struct {
	mu         sync.Mutex
	current    time.Time
	pending    []*waiter
	registered *sync.Cond
}

// waiter is one pending timer, ticker, or sleep.
type waiter struct {
	deadline time.Time

	// ch receives the fire time for After, Sleep, and ticker waiters.
	// Nil for AfterFunc waiters.
	ch chan time.Time

	// fn runs synchronously during Advance for AfterFunc waiters. Nil
	// otherwise.
	fn func()

	// every is non-zero for ticker waiters; after firing, the waiter is
	// rescheduled at deadline + every.
	every time.Duration

	// stopped waiters are skipped during Advance and dropped.
	stopped bool

	// fired marks a consumed one-shot waiter so overlapping Advance
	// calls cannot fire it twice.
	fired bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once the clock advances past
// duration d. If d <= 0 the channel receives immediately and no waiter
// is registered.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch
	}

	c.pending = append(c.pending, &waiter{
		deadline: c.current.Add(d),
		ch:       ch,
	})
	c.registered.Broadcast()
	return ch
}

// AfterFunc schedules f to run when the clock advances past duration d.
// The returned Timer has a nil C. If d <= 0, f runs synchronously
// before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d <= 0 {
		c.mu.Unlock()
		f()
		c.mu.Lock()
		return &Timer{
			stop:  func() bool { return false },
			reset: func(time.Duration) bool { return false },
		}
	}

	w := &waiter{
		deadline: c.current.Add(d),
		fn:       f,
	}
	c.pending = append(c.pending, w)
	c.registered.Broadcast()

	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if w.stopped || w.fired {
				return false
			}
			w.stopped = true
			return true
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			active := !w.stopped && !w.fired
			w.stopped = false
			w.fired = false
			w.deadline = c.current.Add(d)
			// A waiter that already fired was removed from the pending
			// list and must be re-registered.
			if !active {
				c.pending = append(c.pending, w)
				c.registered.Broadcast()
			}
			return active
		},
	}
}

// NewTicker returns a Ticker whose C fires every d of advanced time.
// Panics if d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	w := &waiter{
		deadline: c.current.Add(d),
		ch:       ch,
		every:    d,
	}
	c.pending = append(c.pending, w)
	c.registered.Broadcast()

	return &Ticker{
		C: ch,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			w.stopped = true
		},
		reset: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			w.every = d
			w.deadline = c.current.Add(d)
			w.stopped = false
		},
	}
}

// Sleep blocks the calling goroutine until the clock advances past
// duration d. If d <= 0 it returns immediately.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline now falls in the past, in deadline order.
//
// AfterFunc callbacks run synchronously in the calling goroutine.
// Channel sends are non-blocking: a full channel drops the tick, the
// same way time.Ticker does. A ticker whose interval divides the
// advance span fires once per elapsed interval.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	c.mu.Unlock()

	for {
		expired := c.takeExpired(target)
		if len(expired) == 0 {
			return
		}

		sort.Slice(expired, func(i, j int) bool {
			return expired[i].deadline.Before(expired[j].deadline)
		})

		for _, w := range expired {
			if w.fn != nil {
				w.fn()
			} else if w.ch != nil {
				select {
				case w.ch <- target:
				default:
				}
			}
		}
	}
}

// takeExpired removes waiters whose deadlines have passed, reschedules
// tickers for their next interval, and returns the waiters to fire.
func (c *FakeClock) takeExpired(target time.Time) []*waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired, remaining []*waiter
	for _, w := range c.pending {
		if w.stopped {
			continue
		}
		if !w.deadline.After(target) {
			expired = append(expired, w)
		} else {
			remaining = append(remaining, w)
		}
	}

	for _, w := range expired {
		if w.every > 0 {
			w.deadline = w.deadline.Add(w.every)
			remaining = append(remaining, w)
		} else {
			w.fired = true
		}
	}

	c.pending = remaining
	return expired
}

// WaitForTimers blocks until at least n waiters are pending. Call it
// after starting a goroutine that registers a timer and before
// advancing the clock past that timer's deadline.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeLocked() < n {
		c.registered.Wait()
	}
}

// PendingCount returns the number of pending, non-stopped waiters.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

func (c *FakeClock) activeLocked() int {
	n := 0
	for _, w := range c.pending {
		if !w.stopped {
			n++
		}
	}
	return n
}
