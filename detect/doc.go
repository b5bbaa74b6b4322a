// Copyright 2026 The Watchd Authors
// SPDX-License-Identifier: Apache-2.0

// Package detect classifies a child process's output stream for failure
// signals without altering or delaying the bytes it observes.
//
// [PatternSet] is an immutable set of failure keywords compiled into
// case-insensitive, word-boundary-aware matchers. One PatternSet is
// shared read-only across all sessions.
//
// [Detector] is the per-session observer: it assembles the raw byte
// stream into lines, tests each completed line against the PatternSet,
// and tracks the last-output timestamp for inactivity detection. The
// detector is a tap, not a filter — the session relays the original
// bytes to the client unmodified, and feeds the detector the same
// chunks in the same order.
package detect
