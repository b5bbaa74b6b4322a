// Copyright 2026 The Watchd Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import "io"

// MaxResponseSize bounds HTTP response body reads from the notification
// provider: 1 MB. Push provider responses are a few hundred bytes; the
// bound only exists so a misbehaving server cannot exhaust memory.
const MaxResponseSize int64 = 1 << 20

// ErrorBody reads an HTTP error response body for inclusion in a
// diagnostic error message. Read errors are ignored — a partial or
// empty body is still useful in an error message.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	return string(data)
}
