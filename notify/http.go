// Copyright 2026 The Watchd Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/watchd-project/watchd/lib/clock"
	"github.com/watchd-project/watchd/lib/netutil"
)

// HTTPSinkOptions configures an HTTPSink. Zero values select the
// defaults noted per field.
type HTTPSinkOptions struct {
	// RequestTimeout bounds each delivery attempt. Default 5s.
	RequestTimeout time.Duration

	// MaxAttempts is the attempt count before an event is dropped.
	// Default 3.
	MaxAttempts int

	// BackoffBase is the delay before the second attempt; each further
	// attempt doubles it. Default 1s.
	BackoffBase time.Duration

	// Clock drives the backoff waits. Default the real clock.
	Clock clock.Clock

	// Client is the HTTP client for deliveries. Default a client with
	// RequestTimeout as its timeout.
	Client *http.Client
}

// HTTPSink posts events to an ntfy-compatible topic URL. The event body
// is the POST payload; title, priority, and tags travel as headers.
// Safe for concurrent use by all sessions.
type HTTPSink struct {
	topicURL    string
	client      *http.Client
	clock       clock.Clock
	logger      *slog.Logger
	maxAttempts int
	backoffBase time.Duration
}

// NewHTTPSink creates a sink for the given topic URL.
func NewHTTPSink(topicURL string, logger *slog.Logger, options HTTPSinkOptions) *HTTPSink {
	if options.RequestTimeout <= 0 {
		options.RequestTimeout = 5 * time.Second
	}
	if options.MaxAttempts < 1 {
		options.MaxAttempts = 3
	}
	if options.BackoffBase <= 0 {
		options.BackoffBase = time.Second
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Client == nil {
		options.Client = &http.Client{Timeout: options.RequestTimeout}
	}
	return &HTTPSink{
		topicURL:    topicURL,
		client:      options.Client,
		clock:       options.Clock,
		logger:      logger,
		maxAttempts: options.MaxAttempts,
		backoffBase: options.BackoffBase,
	}
}

// priorityHeader maps Priority to the ntfy numeric priority scale
// (1 lowest, 5 highest).
func priorityHeader(priority Priority) string {
	if priority == PriorityHigh {
		return "4"
	}
	return "3"
}

// kindTags maps a trigger kind to notification tags the provider
// renders as emoji.
func kindTags(kind Kind) string {
	switch kind {
	case KindPatternMatch:
		return "warning"
	case KindInactivity:
		return "hourglass_done"
	default:
		return "x"
	}
}

// Deliver posts the event with bounded retry. Transient failures
// (connection errors, 429, 5xx) back off exponentially and retry;
// client errors fail immediately. Returns the last error once attempts
// are exhausted. The context bounds the whole sequence — a session in
// teardown cancels it and the remaining retries stop.
func (s *HTTPSink) Deliver(ctx context.Context, event Event) error {
	var lastError error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := s.backoffBase * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.clock.After(backoff):
			}
		}

		err := s.attempt(ctx, event)
		if err == nil {
			s.logger.Info("notification delivered",
				"session_id", event.SessionID,
				"kind", event.Kind,
				"attempt", attempt+1,
			)
			return nil
		}
		lastError = err

		if !isTransient(err) {
			s.logger.Warn("notification rejected",
				"session_id", event.SessionID,
				"kind", event.Kind,
				"error", err,
			)
			return err
		}

		s.logger.Warn("transient notification failure, retrying",
			"session_id", event.SessionID,
			"kind", event.Kind,
			"attempt", attempt+1,
			"error", err,
		)
	}

	s.logger.Error("notification dropped after retries",
		"session_id", event.SessionID,
		"kind", event.Kind,
		"attempts", s.maxAttempts,
		"error", lastError,
	)
	return lastError
}

// attempt performs one POST to the topic URL.
func (s *HTTPSink) attempt(ctx context.Context, event Event) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.topicURL,
		strings.NewReader(event.Body))
	if err != nil {
		return fmt.Errorf("building notification request: %w", err)
	}
	request.Header.Set("Title", event.Title)
	request.Header.Set("Priority", priorityHeader(event.Priority))
	request.Header.Set("Tags", kindTags(event.Kind))

	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("posting notification: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return nil
	}
	return &statusError{
		status: response.StatusCode,
		body:   netutil.ErrorBody(response.Body),
	}
}

// statusError is a non-2xx provider response.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("notification provider returned %d: %s", e.status, e.body)
}

// isTransient reports whether a delivery error is worth retrying:
// connection failures, 429 rate limits, and 5xx server errors. Other
// HTTP client errors are permanent.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var status *statusError
	if errors.As(err, &status) {
		if status.status == http.StatusTooManyRequests {
			return true
		}
		if status.status >= 500 {
			return true
		}
		return false
	}
	// Non-HTTP errors (connection refused, timeout, EOF) are transient.
	return true
}
