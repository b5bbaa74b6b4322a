// Copyright 2026 The Watchd Authors
// SPDX-License-Identifier: Apache-2.0

package detect

import (
	"bytes"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/watchd-project/watchd/lib/clock"
)

// EventKind is the category of signal a detector raises.
type EventKind int

const (
	// EventPatternMatch: a completed output line matched the pattern
	// set. Raised at most once per detector.
	EventPatternMatch EventKind = iota

	// EventInactivity: no output for at least the configured threshold.
	// Raised at most once per uninterrupted silent stretch; new output
	// rearms the check.
	EventInactivity
)

// Event is a classified signal from the output stream.
type Event struct {
	Kind EventKind

	// Keyword is the matched keyword (pattern match only).
	Keyword string

	// Line is the matched line, truncated to MaxMatchLineLength
	// (pattern match only).
	Line string

	// Context holds up to maxContextLines completed lines preceding
	// the match, oldest first, for notification bodies (pattern match
	// only).
	Context []string

	// Silence is how long the stream had been quiet when the
	// inactivity check fired (inactivity only).
	Silence time.Duration
}

// MaxMatchLineLength bounds the matched line carried in a pattern match
// event, keeping notification bodies and detector memory bounded.
const MaxMatchLineLength = 200

// maxPartialLine bounds the partial-line assembly buffer. A child that
// emits no newlines (progress bars, spinners) would otherwise grow the
// buffer without limit. When the bound is hit, the buffered bytes are
// classified as if the line had completed, then discarded. A keyword
// split exactly across the flush point is missed; at 16 KB per line
// that is an acceptable trade against unbounded memory.
const maxPartialLine = 16 * 1024

// maxContextLines is how many preceding lines a pattern match event
// carries as context.
const maxContextLines = 2

// Detector observes one session's output stream. Observe must be called
// with chunks in the same order the child produced them; the detector
// never mutates them. All methods are safe for concurrent use — the
// relay goroutine calls Observe while the session's timer goroutine
// calls CheckIdle.
type Detector struct {
	patterns  *PatternSet
	threshold time.Duration

	mu           sync.Mutex
	partial      []byte
	recent       []string
	lastOutput   time.Time
	matched      bool
	idleReported bool
}

// NewDetector creates a detector for one session. threshold zero (or
// negative) disables inactivity detection. The clock seeds the
// last-activity timestamp so a child that never writes still goes
// inactive relative to its spawn time.
func NewDetector(patterns *PatternSet, threshold time.Duration, clk clock.Clock) *Detector {
	return &Detector{
		patterns:   patterns,
		threshold:  threshold,
		lastOutput: clk.Now(),
	}
}

// Observe feeds one chunk of child output to the detector and returns
// any events it raised. now is the observation time (the session passes
// its clock's current time so tests stay deterministic).
//
// A non-empty chunk refreshes the last-activity timestamp and rearms
// the inactivity check. Completed lines are tested against the pattern
// set until the first match; later matches in the same session raise
// nothing.
func (d *Detector) Observe(chunk []byte, now time.Time) []Event {
	if len(chunk) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastOutput = now
	d.idleReported = false

	d.partial = append(d.partial, chunk...)

	var events []Event
	for {
		newline := bytes.IndexByte(d.partial, '\n')
		if newline < 0 {
			break
		}
		line := d.partial[:newline]
		d.partial = d.partial[newline+1:]
		if event, ok := d.classifyLine(line); ok {
			events = append(events, event)
		}
	}

	// Flush an overlong unterminated line through classification so a
	// newline-free child still gets pattern detection and the buffer
	// stays bounded.
	if len(d.partial) > maxPartialLine {
		if event, ok := d.classifyLine(d.partial); ok {
			events = append(events, event)
		}
		d.partial = d.partial[:0]
	}

	return events
}

// classifyLine tests one completed line and records it as context for
// a later match. Caller holds d.mu.
func (d *Detector) classifyLine(line []byte) (Event, bool) {
	if d.matched {
		return Event{}, false
	}
	text := strings.TrimSuffix(string(line), "\r")
	keyword, ok := d.patterns.Match(text)
	if !ok {
		d.recordContext(text)
		return Event{}, false
	}
	d.matched = true
	context := make([]string, len(d.recent))
	copy(context, d.recent)
	return Event{
		Kind:    EventPatternMatch,
		Keyword: keyword,
		Line:    truncateLine(text, MaxMatchLineLength),
		Context: context,
	}, true
}

// recordContext keeps the most recent lines for match context. Caller
// holds d.mu. Once a match has been raised nothing more is kept.
func (d *Detector) recordContext(text string) {
	if len(d.recent) == maxContextLines {
		copy(d.recent, d.recent[1:])
		d.recent = d.recent[:maxContextLines-1]
	}
	d.recent = append(d.recent, truncateLine(text, MaxMatchLineLength))
}

// CheckIdle compares the silence since the last output against the
// threshold. Returns an inactivity event the first time the threshold
// is exceeded in a silent stretch; further checks return nothing until
// new output rearms the detector.
func (d *Detector) CheckIdle(now time.Time) (Event, bool) {
	if d.threshold <= 0 {
		return Event{}, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.idleReported {
		return Event{}, false
	}
	silence := now.Sub(d.lastOutput)
	if silence < d.threshold {
		return Event{}, false
	}
	d.idleReported = true
	return Event{Kind: EventInactivity, Silence: silence}, true
}

// Threshold returns the configured inactivity threshold (zero when
// disabled).
func (d *Detector) Threshold() time.Duration { return d.threshold }

// truncateLine truncates s to at most max bytes without splitting a
// UTF-8 sequence.
func truncateLine(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
