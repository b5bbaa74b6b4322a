// Copyright 2026 The Watchd Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/watchd-project/watchd/lib/clock"
	"github.com/watchd-project/watchd/lib/config"
	"github.com/watchd-project/watchd/notify"
	"github.com/watchd-project/watchd/session"
)

type sinkRecorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *sinkRecorder) Deliver(_ context.Context, event notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *sinkRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *sinkRecorder) byKind(kind notify.Kind) []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []notify.Event
	for _, event := range r.events {
		if event.Kind == kind {
			matched = append(matched, event)
		}
	}
	return matched
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Daemon.SocketPath = filepath.Join(t.TempDir(), "watchd.sock")
	cfg.Daemon.HandshakeTimeout = config.Duration(2 * time.Second)
	cfg.Daemon.ShutdownGrace = config.Duration(5 * time.Second)
	cfg.Detect.IdleThreshold = 0 // keep timing out of daemon tests
	return cfg
}

// startDaemon listens and serves a daemon, returning its config, sink,
// and a stop function that shuts it down and waits for Serve to return.
func startDaemon(t *testing.T, cfg *config.Config) (*sinkRecorder, func()) {
	t.Helper()

	sink := &sinkRecorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := New(cfg, sink, clock.Real(), logger)
	if err := d.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- d.Serve(ctx) }()

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			cancel()
			select {
			case err := <-served:
				if err != nil {
					t.Errorf("Serve: %v", err)
				}
			case <-time.After(10 * time.Second):
				t.Error("Serve did not return after cancel")
			}
		})
	}
	t.Cleanup(stop)
	return sink, stop
}

func dial(t *testing.T, cfg *config.Config) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("unix", cfg.Daemon.SocketPath, 2*time.Second)
	if err != nil {
		t.Fatalf("dialing daemon: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDaemonLaunchesAndRelaysCommand(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	sink, _ := startDaemon(t, cfg)
	conn := dial(t, cfg)

	err := session.WriteLaunchRequest(conn, &session.LaunchRequest{
		Command: []string{"echo", "relayed output"},
	})
	if err != nil {
		t.Fatalf("WriteLaunchRequest: %v", err)
	}

	response, err := session.ReadLaunchResponse(conn)
	if err != nil {
		t.Fatalf("ReadLaunchResponse: %v", err)
	}
	if !response.OK || response.SessionID == "" {
		t.Fatalf("response = %+v, want accepted with session id", response)
	}

	// After the response line the connection carries raw session bytes
	// until the daemon tears the session down.
	output, _ := io.ReadAll(conn)
	if !strings.Contains(string(output), "relayed output") {
		t.Fatalf("stream = %q, want relayed command output", output)
	}

	waitFor(t, "exit notification", func() bool {
		return len(sink.byKind(notify.KindExit)) == 1
	})
	exit := sink.byKind(notify.KindExit)[0]
	if exit.SessionID != response.SessionID {
		t.Fatalf("notification session = %q, want %q", exit.SessionID, response.SessionID)
	}
}

func TestDaemonRejectsMalformedRequest(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	sink, _ := startDaemon(t, cfg)
	conn := dial(t, cfg)

	if _, err := conn.Write([]byte("this is not json\n")); err != nil {
		t.Fatalf("writing garbage: %v", err)
	}

	response, err := session.ReadLaunchResponse(conn)
	if err != nil {
		t.Fatalf("ReadLaunchResponse: %v", err)
	}
	if response.OK || response.Error == "" {
		t.Fatalf("response = %+v, want rejection with error", response)
	}

	// The daemon closes the connection after a rejection.
	buffer := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(buffer); err != io.EOF {
		t.Fatalf("post-rejection read = %v, want EOF", err)
	}
	if sink.count() != 0 {
		t.Fatalf("rejected request produced %d notifications", sink.count())
	}
}

func TestDaemonRejectsUnknownExecutable(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	sink, _ := startDaemon(t, cfg)
	conn := dial(t, cfg)

	err := session.WriteLaunchRequest(conn, &session.LaunchRequest{
		Command: []string{"watchd-no-such-command-xyz"},
	})
	if err != nil {
		t.Fatalf("WriteLaunchRequest: %v", err)
	}

	response, err := session.ReadLaunchResponse(conn)
	if err != nil {
		t.Fatalf("ReadLaunchResponse: %v", err)
	}
	if response.OK {
		t.Fatalf("response = %+v, want rejection", response)
	}
	if !strings.Contains(response.Error, "not found") {
		t.Fatalf("error = %q, want executable-not-found", response.Error)
	}
	if sink.count() != 0 {
		t.Fatalf("failed spawn produced %d notifications", sink.count())
	}
}

func TestDaemonHandshakeTimeout(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Daemon.HandshakeTimeout = config.Duration(100 * time.Millisecond)
	startDaemon(t, cfg)
	conn := dial(t, cfg)

	// Send nothing: the daemon must give up and close the connection.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buffer := make([]byte, 256)
	waitFor(t, "connection close", func() bool {
		_, err := conn.Read(buffer)
		return err != nil
	})
}

func TestDaemonSocketPermissions(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	startDaemon(t, cfg)

	info, err := os.Stat(cfg.Daemon.SocketPath)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("socket mode = %o, want 0600", perm)
	}
}

func TestDaemonRemovesStaleSocket(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	// A leftover path from a crashed daemon: nothing is serving it.
	if err := os.WriteFile(cfg.Daemon.SocketPath, nil, 0o600); err != nil {
		t.Fatalf("creating stale path: %v", err)
	}

	startDaemon(t, cfg)

	conn := dial(t, cfg)
	if err := session.WriteLaunchRequest(conn, &session.LaunchRequest{Command: []string{"true"}}); err != nil {
		t.Fatalf("WriteLaunchRequest: %v", err)
	}
	response, err := session.ReadLaunchResponse(conn)
	if err != nil || !response.OK {
		t.Fatalf("daemon on reclaimed socket rejected launch: %+v, %v", response, err)
	}
}

func TestDaemonRequestZeroDisablesInactivity(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Detect.IdleThreshold = config.Duration(100 * time.Millisecond)
	cfg.Session.IdleCheckInterval = config.Duration(20 * time.Millisecond)
	sink, _ := startDaemon(t, cfg)
	conn := dial(t, cfg)

	// An explicit 0 turns inactivity detection off for this session,
	// even though the daemon's own threshold would fire well within
	// the command's runtime.
	zero := 0
	err := session.WriteLaunchRequest(conn, &session.LaunchRequest{
		Command:           []string{"sleep", "1"},
		InactivitySeconds: &zero,
	})
	if err != nil {
		t.Fatalf("WriteLaunchRequest: %v", err)
	}
	response, err := session.ReadLaunchResponse(conn)
	if err != nil || !response.OK {
		t.Fatalf("launch failed: %+v, %v", response, err)
	}

	io.ReadAll(conn) // session over once the daemon closes the stream
	waitFor(t, "exit notification", func() bool {
		return len(sink.byKind(notify.KindExit)) == 1
	})
	if got := len(sink.byKind(notify.KindInactivity)); got != 0 {
		t.Fatalf("inactivity notifications with explicit 0 = %d, want 0", got)
	}
}

func TestDaemonAbsentInactivityUsesDefault(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Detect.IdleThreshold = config.Duration(100 * time.Millisecond)
	cfg.Session.IdleCheckInterval = config.Duration(20 * time.Millisecond)
	sink, _ := startDaemon(t, cfg)
	conn := dial(t, cfg)

	err := session.WriteLaunchRequest(conn, &session.LaunchRequest{
		Command: []string{"sleep", "1"},
	})
	if err != nil {
		t.Fatalf("WriteLaunchRequest: %v", err)
	}
	response, err := session.ReadLaunchResponse(conn)
	if err != nil || !response.OK {
		t.Fatalf("launch failed: %+v, %v", response, err)
	}

	io.ReadAll(conn)
	waitFor(t, "exit notification", func() bool {
		return len(sink.byKind(notify.KindExit)) == 1
	})
	if got := len(sink.byKind(notify.KindInactivity)); got == 0 {
		t.Fatal("absent inactivity_seconds should fall back to the daemon threshold")
	}
}

func TestDaemonShutdownKillsSessions(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	sink, stop := startDaemon(t, cfg)
	conn := dial(t, cfg)

	err := session.WriteLaunchRequest(conn, &session.LaunchRequest{
		Command: []string{"sleep", "60"},
	})
	if err != nil {
		t.Fatalf("WriteLaunchRequest: %v", err)
	}
	response, err := session.ReadLaunchResponse(conn)
	if err != nil || !response.OK {
		t.Fatalf("launch failed: %+v, %v", response, err)
	}

	stop()

	exits := sink.byKind(notify.KindExit)
	if len(exits) != 1 {
		t.Fatalf("exit notifications after shutdown = %d, want 1", len(exits))
	}
	if !strings.Contains(exits[0].Title, "killed by signal") {
		t.Fatalf("exit title = %q, want a signal kill", exits[0].Title)
	}
}
