// Copyright 2026 The Watchd Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/watchd-project/watchd/detect"
	"github.com/watchd-project/watchd/lib/clock"
	"github.com/watchd-project/watchd/lib/netutil"
	"github.com/watchd-project/watchd/notify"
)

// State is a session's lifecycle phase.
type State int32

const (
	// StateRunning: the child is alive and both relays are active.
	StateRunning State = iota

	// StateFinalizing: the child has terminated; remaining output is
	// draining and the exit notification is dispatching.
	StateFinalizing

	// StateClosed: teardown is complete and both ends are closed.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateFinalizing:
		return "finalizing"
	default:
		return "closed"
	}
}

// ExitTailBytes is how much of the retained output tail an exit
// notification carries.
const ExitTailBytes = 500

// Options tune one session's relay and teardown behavior.
type Options struct {
	// TailBytes is the output tail buffer capacity.
	TailBytes int

	// IdleThreshold is the silence duration that triggers an
	// inactivity notification. Zero disables the check.
	IdleThreshold time.Duration

	// IdleCheckInterval is how often the inactivity check wakes.
	IdleCheckInterval time.Duration

	// FinalizeTimeout bounds each teardown stage: output drain after
	// child exit, and in-flight notification dispatches.
	FinalizeTimeout time.Duration
}

// Session supervises one command: it relays bytes between the client
// connection and the PTY bridge, classifies output through the
// detector, and dispatches notifications. Relay goroutines share no
// mutable state with each other; all cross-goroutine coordination goes
// through channels, the detector's own lock, and the small mutex
// guarding detach bookkeeping.
type Session struct {
	id     string
	spec   SpawnSpec
	bridge Bridge
	client io.ReadWriteCloser

	detector *detect.Detector
	sink     notify.Sink
	tail     *TailBuffer
	clk      clock.Clock
	logger   *slog.Logger
	opts     Options

	started time.Time
	state   atomic.Int32

	// finalizing flips before teardown closes the client, so the input
	// relay's resulting read error is not misread as a client detach.
	finalizing atomic.Bool

	outputDone chan struct{} // closed when the output relay returns
	exited     chan struct{} // closed once the child has terminated
	done       chan struct{} // closed when teardown begins
	doneOnce   sync.Once

	relays     sync.WaitGroup
	dispatches sync.WaitGroup

	mu       sync.Mutex
	detached bool
}

// New assembles a session around an already-spawned bridge. id is the
// caller-assigned session identifier carried in logs and notifications.
func New(id string, spec SpawnSpec, bridge Bridge, client io.ReadWriteCloser, patterns *detect.PatternSet, sink notify.Sink, clk clock.Clock, logger *slog.Logger, opts Options) *Session {
	if opts.TailBytes <= 0 {
		opts.TailBytes = 64 * 1024
	}
	if opts.IdleCheckInterval <= 0 {
		opts.IdleCheckInterval = time.Second
	}
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = 5 * time.Second
	}
	return &Session{
		id:         id,
		spec:       spec,
		bridge:     bridge,
		client:     client,
		detector:   detect.NewDetector(patterns, opts.IdleThreshold, clk),
		sink:       sink,
		tail:       NewTailBuffer(opts.TailBytes),
		clk:        clk,
		logger:     logger.With("session", id),
		opts:       opts,
		outputDone: make(chan struct{}),
		exited:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle phase.
func (s *Session) State() State { return State(s.state.Load()) }

// Run drives the session to completion: it starts the relays, waits for
// the child to terminate (or ctx to cancel, which kills it), dispatches
// the exit notification, and tears everything down. It returns the
// child's exit status, with Abnormal set when the session itself forced
// the termination.
func (s *Session) Run(ctx context.Context) ExitStatus {
	s.started = s.clk.Now()
	s.logger.Info("session started", "command", s.spec.CommandLine())

	// Notification delivery must survive daemon ctx cancellation:
	// shutdown still sends exit notifications, bounded by
	// FinalizeTimeout below.
	dispatchCtx := context.WithoutCancel(ctx)

	s.relays.Add(2)
	go s.relayOutput(dispatchCtx)
	go s.relayInput()
	go s.watchIdle(dispatchCtx)
	go s.watchContext(ctx)

	status := s.bridge.Wait()
	s.state.Store(int32(StateFinalizing))
	s.finalizing.Store(true)
	close(s.exited)

	// Let the output relay drain what the child wrote before exiting.
	// Bounded: a client that stopped reading must not wedge teardown.
	select {
	case <-s.outputDone:
	case <-s.clk.After(s.opts.FinalizeTimeout):
		s.logger.Warn("output drain timed out during finalize")
	}

	if s.clientDetached() {
		status.Abnormal = true
	}
	s.dispatch(dispatchCtx, s.exitEvent(status))

	s.awaitDispatches()

	s.doneOnce.Do(func() { close(s.done) })
	s.bridge.Close()
	s.client.Close()
	s.relays.Wait()

	s.state.Store(int32(StateClosed))
	s.logger.Info("session closed", "status", status.String(), "elapsed", s.clk.Now().Sub(s.started))
	return status
}

// relayOutput copies child output to the client, feeding the tail
// buffer and the detector along the way. Runs until the bridge read
// fails — for a real PTY that is EIO once the child exits and the
// buffer drains.
func (s *Session) relayOutput(dispatchCtx context.Context) {
	defer s.relays.Done()
	defer close(s.outputDone)

	buffer := make([]byte, 32*1024)
	for {
		n, err := s.bridge.Read(buffer)
		if n > 0 {
			chunk := buffer[:n]
			s.tail.Write(chunk)
			for _, event := range s.detector.Observe(chunk, s.clk.Now()) {
				s.dispatch(dispatchCtx, s.detectEvent(event))
			}
			if _, werr := s.client.Write(chunk); werr != nil {
				s.markDetached("client write failed", werr)
				return
			}
		}
		if err != nil {
			if !netutil.IsExpectedCloseError(err) {
				s.logger.Warn("output relay read failed", "error", err)
			}
			return
		}
	}
}

// relayInput copies client bytes to the child's terminal. A client read
// error outside finalize means the client detached: the child is killed
// and the exit is marked abnormal.
func (s *Session) relayInput() {
	defer s.relays.Done()

	buffer := make([]byte, 32*1024)
	for {
		n, err := s.client.Read(buffer)
		if n > 0 {
			if _, werr := s.bridge.Write(buffer[:n]); werr != nil {
				if !s.finalizing.Load() && !netutil.IsExpectedCloseError(werr) {
					s.logger.Warn("input relay write failed", "error", werr)
				}
				return
			}
		}
		if err != nil {
			s.markDetached("client detached", err)
			return
		}
	}
}

// watchIdle wakes on the check interval and asks the detector whether
// the silence threshold has been crossed. Inactivity is a running-child
// signal only: the goroutine stops the moment the child terminates, so
// teardown stages (output drain, dispatch wait) never raise it.
func (s *Session) watchIdle(dispatchCtx context.Context) {
	if s.opts.IdleThreshold <= 0 {
		return
	}
	ticker := s.clk.NewTicker(s.opts.IdleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.exited:
			return
		case now := <-ticker.C:
			if s.State() != StateRunning {
				return
			}
			if event, ok := s.detector.CheckIdle(now); ok {
				s.dispatch(dispatchCtx, s.detectEvent(event))
			}
		}
	}
}

// watchContext kills the child when the daemon shuts down. Teardown
// then proceeds through the normal exit path.
func (s *Session) watchContext(ctx context.Context) {
	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Info("killing child on shutdown")
		if err := s.bridge.Kill(); err != nil {
			s.logger.Warn("kill on shutdown failed", "error", err)
		}
	}
}

// markDetached records that the client side is gone and kills the
// child. During finalize the session itself closes the client, so the
// resulting error is not a detach.
func (s *Session) markDetached(reason string, err error) {
	if s.finalizing.Load() {
		return
	}
	s.mu.Lock()
	already := s.detached
	s.detached = true
	s.mu.Unlock()
	if already {
		return
	}
	if netutil.IsExpectedCloseError(err) {
		s.logger.Info(reason)
	} else {
		s.logger.Warn(reason, "error", err)
	}
	if kerr := s.bridge.Kill(); kerr != nil {
		s.logger.Warn("kill after detach failed", "error", kerr)
	}
}

func (s *Session) clientDetached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detached
}

// dispatch sends one notification without blocking the caller. Delivery
// failures are the sink's to log; the session only tracks completion
// for teardown.
func (s *Session) dispatch(ctx context.Context, event notify.Event) {
	s.dispatches.Add(1)
	go func() {
		defer s.dispatches.Done()
		if err := s.sink.Deliver(ctx, event); err != nil {
			s.logger.Warn("notification dropped", "kind", string(event.Kind), "error", err)
		}
	}()
}

// awaitDispatches waits for in-flight notification deliveries, bounded
// by FinalizeTimeout. Stragglers are abandoned; the sink's own request
// timeout terminates them.
func (s *Session) awaitDispatches() {
	settled := make(chan struct{})
	go func() {
		s.dispatches.Wait()
		close(settled)
	}()
	select {
	case <-settled:
	case <-s.clk.After(s.opts.FinalizeTimeout):
		s.logger.Warn("notification dispatch timed out during finalize")
	}
}

// detectEvent converts a detector signal into a notification.
func (s *Session) detectEvent(event detect.Event) notify.Event {
	command := s.spec.CommandLine()
	switch event.Kind {
	case detect.EventPatternMatch:
		// Preceding lines of context, then the offending line.
		lines := make([]string, 0, len(event.Context)+1)
		lines = append(lines, event.Context...)
		lines = append(lines, event.Line)
		body := strings.Join(lines, "\n")
		return notify.Event{
			SessionID: s.id,
			Kind:      notify.KindPatternMatch,
			Title:     fmt.Sprintf("watchd: %q in output of %s", event.Keyword, command),
			Body:      body,
			Priority:  notify.PriorityHigh,
			Timestamp: s.clk.Now(),
		}
	default:
		return notify.Event{
			SessionID: s.id,
			Kind:      notify.KindInactivity,
			Title:     fmt.Sprintf("watchd: %s silent for %s", command, event.Silence.Round(time.Second)),
			Body:      fmt.Sprintf("No output from %s for %s.", command, event.Silence.Round(time.Second)),
			Priority:  notify.PriorityDefault,
			Timestamp: s.clk.Now(),
		}
	}
}

// exitEvent builds the always-sent termination notification: command,
// status, elapsed time, and the last ExitTailBytes of output.
func (s *Session) exitEvent(status ExitStatus) notify.Event {
	command := s.spec.CommandLine()
	elapsed := s.clk.Now().Sub(s.started).Round(time.Second)

	priority := notify.PriorityDefault
	if !status.Success() {
		priority = notify.PriorityHigh
	}

	body := fmt.Sprintf("%s %s after %s.", command, status, elapsed)
	if status.Abnormal {
		body = fmt.Sprintf("%s terminated abnormally (%s) after %s.", command, status, elapsed)
	}
	if tail := s.tail.Tail(ExitTailBytes); len(tail) > 0 {
		body += "\n\n" + string(tail)
	}

	return notify.Event{
		SessionID: s.id,
		Kind:      notify.KindExit,
		Title:     fmt.Sprintf("watchd: %s %s", command, status),
		Body:      body,
		Priority:  priority,
		Timestamp: s.clk.Now(),
	}
}
