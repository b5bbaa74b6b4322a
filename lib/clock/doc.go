// Copyright 2026 The Watchd Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for the daemon's timer-driven paths: the
// inactivity check ticker and the notification retry backoff. Production
// code injects Real(); tests inject Fake() and advance time explicitly,
// so inactivity and backoff behavior is tested without real sleeps.
package clock
