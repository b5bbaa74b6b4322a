// Copyright 2026 The Watchd Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides network I/O utilities shared by the daemon
// and the notification sink: classification of errors that occur during
// normal connection teardown, and bounded HTTP response body reads.
package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsExpectedCloseError reports whether err is a normal connection or
// PTY termination: EOF, closed connection, broken pipe, connection
// reset, or EIO from a PTY master whose slave side has closed.
//
// A session relay uses full-close teardown (closing the whole
// connection rather than half-close), so the surviving side's in-flight
// read or write fails with one of these. None of them should be logged
// as errors, and none of them mark a session's termination as abnormal
// on their own.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		// EIO is how a PTY master read reports "child exited and the
		// slave closed" — the standard end-of-session signal.
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET || errno == syscall.EIO
	}
	return false
}
