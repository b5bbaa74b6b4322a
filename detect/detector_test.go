// Copyright 2026 The Watchd Authors
// SPDX-License-Identifier: Apache-2.0

package detect

import (
	"strings"
	"testing"
	"time"

	"github.com/watchd-project/watchd/lib/clock"
)

func newTestDetector(threshold time.Duration) (*Detector, *clock.FakeClock) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	return NewDetector(NewPatternSet(), threshold, fake), fake
}

func TestDetectorFirstMatchOnly(t *testing.T) {
	t.Parallel()
	detector, fake := newTestDetector(0)

	events := detector.Observe([]byte("Error: build failed\n"), fake.Now())
	if len(events) != 1 {
		t.Fatalf("first matching line: got %d events, want 1", len(events))
	}
	if events[0].Kind != EventPatternMatch {
		t.Errorf("event kind = %v, want EventPatternMatch", events[0].Kind)
	}
	if events[0].Line != "Error: build failed" {
		t.Errorf("event line = %q", events[0].Line)
	}

	events = detector.Observe([]byte("fatal: another problem\n"), fake.Now())
	if len(events) != 0 {
		t.Errorf("second matching line: got %d events, want 0", len(events))
	}
}

func TestDetectorNoMatchInsideWord(t *testing.T) {
	t.Parallel()
	detector, fake := newTestDetector(0)

	events := detector.Observe([]byte("terror occurred\n"), fake.Now())
	if len(events) != 0 {
		t.Errorf("'terror occurred' raised %d events, want 0", len(events))
	}
}

func TestDetectorAssemblesLinesAcrossChunks(t *testing.T) {
	t.Parallel()
	detector, fake := newTestDetector(0)

	if events := detector.Observe([]byte("Err"), fake.Now()); len(events) != 0 {
		t.Fatalf("partial line raised %d events", len(events))
	}
	if events := detector.Observe([]byte("or: split"), fake.Now()); len(events) != 0 {
		t.Fatalf("still-partial line raised %d events", len(events))
	}
	events := detector.Observe([]byte(" across chunks\n"), fake.Now())
	if len(events) != 1 {
		t.Fatalf("completed line raised %d events, want 1", len(events))
	}
	if events[0].Line != "Error: split across chunks" {
		t.Errorf("line = %q", events[0].Line)
	}
}

func TestDetectorMatchCarriesPrecedingContext(t *testing.T) {
	t.Parallel()
	detector, fake := newTestDetector(0)

	events := detector.Observe([]byte("alpha\nbeta\ngamma\nerror: boom\n"), fake.Now())
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	context := events[0].Context
	if len(context) != 2 || context[0] != "beta" || context[1] != "gamma" {
		t.Errorf("context = %q, want the two preceding lines", context)
	}
}

func TestDetectorContextShorterThanWindow(t *testing.T) {
	t.Parallel()
	detector, fake := newTestDetector(0)

	events := detector.Observe([]byte("only line\nfatal: boom\n"), fake.Now())
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	context := events[0].Context
	if len(context) != 1 || context[0] != "only line" {
		t.Errorf("context = %q, want just the one preceding line", context)
	}
}

func TestDetectorStripsCarriageReturn(t *testing.T) {
	t.Parallel()
	detector, fake := newTestDetector(0)

	events := detector.Observe([]byte("fatal: crlf line\r\n"), fake.Now())
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if strings.HasSuffix(events[0].Line, "\r") {
		t.Errorf("line retains carriage return: %q", events[0].Line)
	}
}

func TestDetectorTruncatesMatchedLine(t *testing.T) {
	t.Parallel()
	detector, fake := newTestDetector(0)

	long := "error: " + strings.Repeat("x", 1000) + "\n"
	events := detector.Observe([]byte(long), fake.Now())
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if len(events[0].Line) > MaxMatchLineLength {
		t.Errorf("line length = %d, want <= %d", len(events[0].Line), MaxMatchLineLength)
	}
}

func TestDetectorBoundsPartialLineBuffer(t *testing.T) {
	t.Parallel()
	detector, fake := newTestDetector(0)

	// A newline-free stream ending in a keyword. The overflow flush
	// must classify the buffered bytes.
	chunk := strings.Repeat("#", maxPartialLine) + " fatal"
	events := detector.Observe([]byte(chunk), fake.Now())
	if len(events) != 1 {
		t.Fatalf("overflow flush raised %d events, want 1", len(events))
	}
	if events[0].Keyword != "fatal" {
		t.Errorf("keyword = %q, want fatal", events[0].Keyword)
	}
}

func TestDetectorInactivityFiresOncePerSilence(t *testing.T) {
	t.Parallel()
	detector, fake := newTestDetector(2 * time.Second)

	if _, ok := detector.CheckIdle(fake.Now()); ok {
		t.Fatal("inactivity fired immediately")
	}

	fake.Advance(2 * time.Second)
	event, ok := detector.CheckIdle(fake.Now())
	if !ok {
		t.Fatal("inactivity did not fire after threshold")
	}
	if event.Silence < 2*time.Second {
		t.Errorf("silence = %v, want >= 2s", event.Silence)
	}

	// Still silent: no second event for the same stretch.
	fake.Advance(3 * time.Second)
	if _, ok := detector.CheckIdle(fake.Now()); ok {
		t.Error("inactivity fired twice in one silent stretch")
	}

	// New output rearms the check.
	detector.Observe([]byte("done"), fake.Now())
	if _, ok := detector.CheckIdle(fake.Now()); ok {
		t.Error("inactivity fired right after output")
	}
	fake.Advance(2 * time.Second)
	if _, ok := detector.CheckIdle(fake.Now()); !ok {
		t.Error("inactivity did not fire after a fresh silent stretch")
	}
}

func TestDetectorInactivityDisabled(t *testing.T) {
	t.Parallel()
	detector, fake := newTestDetector(0)

	fake.Advance(time.Hour)
	if _, ok := detector.CheckIdle(fake.Now()); ok {
		t.Error("inactivity fired with zero threshold")
	}
}
