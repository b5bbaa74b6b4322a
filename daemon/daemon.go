// Copyright 2026 The Watchd Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/watchd-project/watchd/detect"
	"github.com/watchd-project/watchd/lib/clock"
	"github.com/watchd-project/watchd/lib/config"
	"github.com/watchd-project/watchd/lib/netutil"
	"github.com/watchd-project/watchd/notify"
	"github.com/watchd-project/watchd/session"
)

// Daemon accepts launch requests on a unix socket and runs one session
// per accepted connection.
type Daemon struct {
	cfg      *config.Config
	sink     notify.Sink
	patterns *detect.PatternSet
	clk      clock.Clock
	logger   *slog.Logger

	listener net.Listener
	sessions sync.WaitGroup
}

// New assembles a daemon. The pattern set is built once from the
// configured keywords and shared by every session.
func New(cfg *config.Config, sink notify.Sink, clk clock.Clock, logger *slog.Logger) *Daemon {
	return &Daemon{
		cfg:      cfg,
		sink:     sink,
		patterns: detect.NewPatternSet(cfg.Detect.Keywords...),
		clk:      clk,
		logger:   logger,
	}
}

// Listen binds the launch socket. A leftover socket file from a crashed
// daemon is removed; a socket another daemon is actively serving is an
// error. The socket is created mode 0600 so only the owning user can
// launch commands.
func (d *Daemon) Listen() error {
	path := d.cfg.Daemon.SocketPath

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if probe, err := net.DialTimeout("unix", path, time.Second); err == nil {
			probe.Close()
			return fmt.Errorf("socket %s is already served by another daemon", path)
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("removing stale socket: %w", err)
		}
		d.logger.Info("removed stale socket", "path", path)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		listener.Close()
		os.Remove(path)
		return fmt.Errorf("restricting socket permissions: %w", err)
	}

	d.listener = listener
	d.logger.Info("listening", "socket", path)
	return nil
}

// Serve accepts connections until ctx is canceled, then waits up to the
// configured grace period for running sessions to finish their teardown
// (each session kills its child and flushes its exit notification).
func (d *Daemon) Serve(ctx context.Context) error {
	if d.listener == nil {
		return errors.New("Serve called before Listen")
	}

	// Canceling ctx closes the listener, which unblocks Accept.
	go func() {
		<-ctx.Done()
		d.listener.Close()
	}()

	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || netutil.IsExpectedCloseError(err) {
				break
			}
			d.logger.Warn("accept failed", "error", err)
			continue
		}
		d.sessions.Add(1)
		go func() {
			defer d.sessions.Done()
			d.handle(ctx, conn)
		}()
	}

	d.logger.Info("shutting down, waiting for sessions")
	settled := make(chan struct{})
	go func() {
		d.sessions.Wait()
		close(settled)
	}()
	select {
	case <-settled:
	case <-d.clk.After(d.cfg.Daemon.ShutdownGrace.Std()):
		d.logger.Warn("shutdown grace expired with sessions still finalizing")
	}

	os.Remove(d.cfg.Daemon.SocketPath)
	return nil
}

// handle performs the handshake and runs the session for one
// connection. Handshake and spawn failures answer with a rejecting
// response; no session exists and no notification is sent for them.
func (d *Daemon) handle(ctx context.Context, conn net.Conn) {
	conn.SetReadDeadline(d.clk.Now().Add(d.cfg.Daemon.HandshakeTimeout.Std()))

	request, err := session.ReadLaunchRequest(conn)
	if err != nil {
		if err != io.EOF && !netutil.IsExpectedCloseError(err) {
			d.logger.Warn("handshake failed", "error", err)
			d.reject(conn, err)
		}
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	bridge, err := session.Open(request.SpawnSpec())
	if err != nil {
		d.logger.Warn("spawn failed", "command", request.SpawnSpec().CommandLine(), "error", err)
		d.reject(conn, err)
		conn.Close()
		return
	}

	id := uuid.NewString()
	if err := session.WriteLaunchResponse(conn, &session.LaunchResponse{
		OK:        true,
		SessionID: id,
	}); err != nil {
		d.logger.Warn("writing launch response failed", "error", err)
		bridge.Close()
		conn.Close()
		return
	}

	// Absent means the daemon default; an explicit 0 disables
	// inactivity detection for this session.
	idleThreshold := d.cfg.Detect.IdleThreshold.Std()
	if request.InactivitySeconds != nil {
		idleThreshold = time.Duration(*request.InactivitySeconds) * time.Second
	}

	s := session.New(id, request.SpawnSpec(), bridge, conn, d.patterns, d.sink, d.clk, d.logger, session.Options{
		TailBytes:         d.cfg.Session.TailBytes,
		IdleThreshold:     idleThreshold,
		IdleCheckInterval: d.cfg.Session.IdleCheckInterval.Std(),
		FinalizeTimeout:   d.cfg.Session.FinalizeTimeout.Std(),
	})
	s.Run(ctx)
}

// reject answers a failed handshake or spawn. Best effort: the client
// may already be gone.
func (d *Daemon) reject(conn net.Conn, cause error) {
	session.WriteLaunchResponse(conn, &session.LaunchResponse{
		OK:    false,
		Error: cause.Error(),
	})
}
