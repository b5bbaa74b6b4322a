// Copyright 2026 The Watchd Authors
// SPDX-License-Identifier: Apache-2.0

// Package daemon runs watchd's launch socket. It owns the unix listener,
// performs the one-line JSON handshake on each connection, spawns the
// requested command in a session, and tracks sessions for graceful
// shutdown. All supervision behavior lives in the session package; the
// daemon only wires connections to sessions.
package daemon
