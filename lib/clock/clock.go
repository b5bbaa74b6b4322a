// Copyright 2026 The Watchd Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the time surface used by watchd components. Every function
// that would otherwise call time.Now, time.After, or time.NewTicker
// takes a Clock (or is a method on a struct with a Clock field) so
// tests can drive timers deterministically.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d elapses. If d <= 0, the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering ticks on its C channel at
	// the given interval. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker wraps a periodic timer. Read ticks from C; call Stop when the
// ticker is no longer needed.
//
// C has capacity 1, matching time.Ticker: if the consumer falls behind,
// ticks are dropped rather than queued.
type Ticker struct {
	// C delivers ticks.
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. No ticks are sent on C after Stop returns.
// Stop does not close C.
func (t *Ticker) Stop() { t.stopFunc() }
