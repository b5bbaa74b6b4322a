// Copyright 2026 The Watchd Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// MaxLaunchRequestSize bounds the handshake line. A client that sends
// more than this without a newline is rejected before the daemon
// buffers an unbounded amount.
const MaxLaunchRequestSize = 64 * 1024

// LaunchRequest is the first line a client sends on a new connection:
// one JSON object terminated by '\n'. Every byte after the newline
// belongs to the raw input stream.
type LaunchRequest struct {
	// Command is the argv to run. Required, at least one element.
	// Command[0] is resolved against PATH unless it contains a slash.
	Command []string `json:"command"`

	// Dir is the working directory for the command. Optional.
	Dir string `json:"dir,omitempty"`

	// Env contains environment overrides. Optional.
	Env map[string]string `json:"env,omitempty"`

	// Columns and Rows are the client's terminal dimensions, applied
	// to the PTY before the command starts. Optional; zero leaves the
	// kernel default.
	Columns uint16 `json:"columns,omitempty"`
	Rows    uint16 `json:"rows,omitempty"`

	// InactivitySeconds overrides the daemon's inactivity threshold
	// for this session. Absent (nil) uses the daemon default; an
	// explicit 0 disables inactivity detection.
	InactivitySeconds *int `json:"inactivity_seconds,omitempty"`
}

// SpawnSpec converts the request into the session spawn parameters.
func (r *LaunchRequest) SpawnSpec() SpawnSpec {
	return SpawnSpec{
		Argv:    r.Command,
		Dir:     r.Dir,
		Env:     r.Env,
		Columns: r.Columns,
		Rows:    r.Rows,
	}
}

// Validate checks the request's structural rules. Violations are typed
// *ProtocolError.
func (r *LaunchRequest) Validate() error {
	if len(r.Command) == 0 {
		return &ProtocolError{Detail: "command must not be empty"}
	}
	for i, arg := range r.Command {
		if strings.ContainsRune(arg, 0) {
			return &ProtocolError{Detail: fmt.Sprintf("command[%d] contains a NUL byte", i)}
		}
	}
	if r.InactivitySeconds != nil && *r.InactivitySeconds < 0 {
		return &ProtocolError{Detail: "inactivity_seconds must not be negative"}
	}
	return nil
}

// LaunchResponse is the daemon's single JSON line answering a
// LaunchRequest. After an accepted response the connection carries raw
// session bytes in both directions.
type LaunchResponse struct {
	// OK is true when the command was spawned and the session is live.
	OK bool `json:"ok"`

	// SessionID identifies the session in logs and notifications. Set
	// only when OK.
	SessionID string `json:"session_id,omitempty"`

	// Error describes the rejection when not OK.
	Error string `json:"error,omitempty"`
}

// ProtocolError reports a malformed or invalid launch request. The
// daemon answers it with a rejecting LaunchResponse and closes the
// connection; no command is spawned.
type ProtocolError struct {
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid launch request: %s: %v", e.Detail, e.Err)
	}
	return "invalid launch request: " + e.Detail
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ReadLaunchRequest reads exactly one newline-terminated JSON request
// from the connection. It reads byte at a time so no stream bytes after
// the newline are consumed — those belong to the session's raw input
// relay. Handshake traffic is tiny, so the syscall-per-byte cost is
// irrelevant.
func ReadLaunchRequest(reader io.Reader) (*LaunchRequest, error) {
	line := make([]byte, 0, 256)
	single := make([]byte, 1)
	for {
		n, err := reader.Read(single)
		if n > 0 {
			if single[0] == '\n' {
				break
			}
			line = append(line, single[0])
			if len(line) > MaxLaunchRequestSize {
				return nil, &ProtocolError{Detail: fmt.Sprintf("request exceeds %d bytes", MaxLaunchRequestSize)}
			}
		}
		if err != nil {
			if err == io.EOF && len(line) == 0 {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read launch request: %w", err)
		}
	}

	var request LaunchRequest
	if err := json.Unmarshal(line, &request); err != nil {
		return nil, &ProtocolError{Detail: "malformed JSON", Err: err}
	}
	if err := request.Validate(); err != nil {
		return nil, err
	}
	return &request, nil
}

// WriteLaunchRequest encodes a request as one JSON line. Used by the
// client side of the handshake.
func WriteLaunchRequest(writer io.Writer, request *LaunchRequest) error {
	return writeJSONLine(writer, request)
}

// WriteLaunchResponse encodes a response as one JSON line.
func WriteLaunchResponse(writer io.Writer, response *LaunchResponse) error {
	return writeJSONLine(writer, response)
}

// ReadLaunchResponse reads the daemon's one-line answer. Like
// ReadLaunchRequest it must not over-read: output stream bytes follow
// immediately after the newline.
func ReadLaunchResponse(reader io.Reader) (*LaunchResponse, error) {
	line := make([]byte, 0, 128)
	single := make([]byte, 1)
	for {
		n, err := reader.Read(single)
		if n > 0 {
			if single[0] == '\n' {
				break
			}
			line = append(line, single[0])
			if len(line) > MaxLaunchRequestSize {
				return nil, fmt.Errorf("launch response exceeds %d bytes", MaxLaunchRequestSize)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("read launch response: %w", err)
		}
	}
	var response LaunchResponse
	if err := json.Unmarshal(line, &response); err != nil {
		return nil, fmt.Errorf("malformed launch response: %w", err)
	}
	return &response, nil
}

func writeJSONLine(writer io.Writer, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	encoded = append(encoded, '\n')
	if _, err := writer.Write(encoded); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}
