// Copyright 2026 The Watchd Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"time"
)

// Kind is the trigger category of a notification.
type Kind string

const (
	// KindPatternMatch: the child's output matched a failure keyword.
	KindPatternMatch Kind = "pattern_match"

	// KindInactivity: the child produced no output past the session's
	// inactivity threshold.
	KindInactivity Kind = "inactivity"

	// KindExit: the child terminated. Every session dispatches exactly
	// one of these.
	KindExit Kind = "exit"
)

// Priority is the delivery priority hint forwarded to the push provider.
type Priority string

const (
	PriorityDefault Priority = "default"
	PriorityHigh    Priority = "high"
)

// Event is one notification. Constructed once per trigger, consumed
// exactly once by a Sink; immutable after construction.
type Event struct {
	// SessionID identifies the originating session.
	SessionID string

	// Kind is the trigger category.
	Kind Kind

	// Title is the notification headline.
	Title string

	// Body is the notification text, already bounded by the session
	// (matched line truncation, tail limits).
	Body string

	// Priority is the delivery priority hint.
	Priority Priority

	// Timestamp is when the triggering condition was determined.
	Timestamp time.Time
}

// Sink delivers events to the outside world. Deliver returns nil when
// the event was accepted by the provider and an error once all attempts
// are exhausted; it never panics. Implementations must be safe for
// concurrent use across sessions.
type Sink interface {
	Deliver(ctx context.Context, event Event) error
}

// Func adapts a function to the Sink interface. Used by tests and by
// callers that fan events out to custom destinations.
type Func func(ctx context.Context, event Event) error

// Deliver implements Sink.
func (f Func) Deliver(ctx context.Context, event Event) error { return f(ctx, event) }
