// Copyright 2026 The Watchd Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEvent() Event {
	return Event{
		SessionID: "s-1",
		Kind:      KindExit,
		Title:     "[watchd] exit",
		Body:      "sleep 1: exited with code 0",
		Priority:  PriorityDefault,
		Timestamp: time.Unix(0, 0),
	}
}

func TestHTTPSinkDeliversEventHeaders(t *testing.T) {
	t.Parallel()

	var gotTitle, gotPriority, gotTags, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTitle = r.Header.Get("Title")
		gotPriority = r.Header.Get("Priority")
		gotTags = r.Header.Get("Tags")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
	}))
	defer server.Close()

	sink := NewHTTPSink(server.URL, testLogger(), HTTPSinkOptions{})
	event := testEvent()
	event.Kind = KindPatternMatch
	event.Priority = PriorityHigh

	if err := sink.Deliver(context.Background(), event); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if gotTitle != event.Title {
		t.Errorf("Title header = %q, want %q", gotTitle, event.Title)
	}
	if gotPriority != "4" {
		t.Errorf("Priority header = %q, want 4", gotPriority)
	}
	if gotTags != "warning" {
		t.Errorf("Tags header = %q, want warning", gotTags)
	}
	if gotBody != event.Body {
		t.Errorf("body = %q, want %q", gotBody, event.Body)
	}
}

func TestHTTPSinkRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}))
	defer server.Close()

	sink := NewHTTPSink(server.URL, testLogger(), HTTPSinkOptions{
		BackoffBase: time.Millisecond,
	})

	if err := sink.Deliver(context.Background(), testEvent()); err != nil {
		t.Fatalf("Deliver after transient failures: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestHTTPSinkGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sink := NewHTTPSink(server.URL, testLogger(), HTTPSinkOptions{
		MaxAttempts: 2,
		BackoffBase: time.Millisecond,
	})

	if err := sink.Deliver(context.Background(), testEvent()); err == nil {
		t.Fatal("Deliver succeeded, want exhausted-retries error")
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestHTTPSinkPermanentFailureNoRetry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	sink := NewHTTPSink(server.URL, testLogger(), HTTPSinkOptions{
		BackoffBase: time.Millisecond,
	})

	if err := sink.Deliver(context.Background(), testEvent()); err == nil {
		t.Fatal("Deliver succeeded, want permanent error")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on 403)", got)
	}
}

func TestHTTPSinkContextCancelStopsRetries(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := NewHTTPSink(server.URL, testLogger(), HTTPSinkOptions{
		BackoffBase: time.Minute,
	})

	err := sink.Deliver(ctx, testEvent())
	if err != context.Canceled {
		t.Errorf("Deliver error = %v, want context.Canceled", err)
	}
}
