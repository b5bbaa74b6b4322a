// Copyright 2026 The Watchd Authors
// SPDX-License-Identifier: Apache-2.0

// Package session implements watchd's supervision primitive: one
// launched command running inside a pseudo-terminal, relayed live to
// the client that requested it, and classified for failure signals as
// it runs.
//
// The package is organized around the session data flow:
//
//   - protocol.go: the launch handshake (one JSON request line, one
//     JSON response line, then raw unframed bytes both directions)
//   - pty.go: PTY allocation, child spawn, resize, and reaping
//   - tailbuffer.go: bounded retention of recent output for
//     notification context
//   - session.go: the per-command state machine and relay loops
//
// On launch, [Open] allocates a PTY pair, spawns the child with the
// slave as its controlling terminal, and returns a [PTY]. [New] binds
// the bridge, the client connection, a [detect.Detector], and a
// [notify.Sink] into a [Session]; Session.Run relays bytes until the
// child exits or the client disconnects, then dispatches the final
// exit notification and releases everything.
//
// Sessions share nothing mutable: the pattern set and sink are
// read-only references, and all per-session state is owned by that
// session's goroutines.
package session
