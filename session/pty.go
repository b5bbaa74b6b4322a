// Copyright 2026 The Watchd Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// SpawnSpec describes the command a session runs.
type SpawnSpec struct {
	// Argv is the command and its arguments. Argv[0] is resolved
	// against PATH unless it contains a slash.
	Argv []string

	// Dir is the child's working directory. Empty inherits the
	// daemon's.
	Dir string

	// Env contains environment overrides merged over the daemon's
	// environment.
	Env map[string]string

	// Columns and Rows set the initial terminal size. Zero leaves the
	// kernel default.
	Columns, Rows uint16
}

// CommandLine returns the argv joined for display in logs and
// notification bodies.
func (spec SpawnSpec) CommandLine() string {
	return strings.Join(spec.Argv, " ")
}

// SpawnReason classifies why a spawn failed.
type SpawnReason int

const (
	// SpawnExecutableNotFound: argv[0] does not resolve to an
	// executable.
	SpawnExecutableNotFound SpawnReason = iota

	// SpawnPermissionDenied: argv[0] resolves but is not executable by
	// the daemon.
	SpawnPermissionDenied

	// SpawnPTYAllocation: the pseudo-terminal pair could not be
	// allocated.
	SpawnPTYAllocation

	// SpawnStartFailed: the OS rejected the process start for another
	// reason (bad working directory, resource limits).
	SpawnStartFailed
)

func (r SpawnReason) String() string {
	switch r {
	case SpawnExecutableNotFound:
		return "executable not found"
	case SpawnPermissionDenied:
		return "permission denied"
	case SpawnPTYAllocation:
		return "pty allocation failed"
	default:
		return "spawn failed"
	}
}

// SpawnError is a typed session-creation failure. It is surfaced to the
// client in the launch response; no session exists and no notification
// is sent when spawning fails.
type SpawnError struct {
	Reason SpawnReason
	Detail string
	Err    error
}

func (e *SpawnError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitStatus is the resolved termination of a session's child.
type ExitStatus struct {
	// Code is the exit code. For a signaled child this is 128+signal,
	// the shell convention.
	Code int

	// Signal is the terminating signal number when Signaled.
	Signal int

	// Signaled is true when the child was killed by a signal rather
	// than exiting.
	Signaled bool

	// Abnormal marks terminations forced by the session itself (client
	// disconnect, relay failure) rather than the command's own doing.
	Abnormal bool
}

func (s ExitStatus) String() string {
	if s.Signaled {
		return fmt.Sprintf("killed by signal %d", s.Signal)
	}
	return fmt.Sprintf("exited with code %d", s.Code)
}

// Success reports a clean zero exit.
func (s ExitStatus) Success() bool {
	return !s.Signaled && !s.Abnormal && s.Code == 0
}

// Bridge is the session's view of the running child: raw output reads,
// raw input writes, terminal resize, and exit resolution. The
// production implementation is [PTY]; tests inject fakes.
type Bridge interface {
	io.ReadWriteCloser

	// Resize sets the terminal dimensions.
	Resize(columns, rows uint16) error

	// Wait blocks until the child has terminated and returns its
	// status. Safe to call more than once.
	Wait() ExitStatus

	// Kill forcibly terminates the child. Idempotent.
	Kill() error
}

// PTY owns one pseudo-terminal pair and one child process. Reads return
// everything the child writes to its terminal (stdout and stderr
// merged, as real terminals do); writes feed the child's terminal
// input. The child is always reaped: a wait goroutine starts at Open
// and Close blocks until it has finished.
type PTY struct {
	master *os.File
	cmd    *exec.Cmd

	exited chan struct{}
	status ExitStatus
}

var _ Bridge = (*PTY)(nil)

// Open allocates a pseudo-terminal, spawns the child attached to the
// terminal slave, and returns the bridge. All failures are typed
// *SpawnError.
func Open(spec SpawnSpec) (*PTY, error) {
	if len(spec.Argv) == 0 {
		return nil, &SpawnError{Reason: SpawnStartFailed, Err: errors.New("empty argv")}
	}

	executable, err := exec.LookPath(spec.Argv[0])
	if err != nil {
		return nil, classifyLookupError(spec.Argv[0], err)
	}

	master, slavePath, err := openPTY()
	if err != nil {
		return nil, &SpawnError{Reason: SpawnPTYAllocation, Err: err}
	}

	slave, err := os.OpenFile(slavePath, os.O_RDWR, 0)
	if err != nil {
		master.Close()
		return nil, &SpawnError{Reason: SpawnPTYAllocation, Detail: slavePath, Err: err}
	}

	if spec.Columns > 0 && spec.Rows > 0 {
		// Set the initial size before the child starts so programs
		// that read the window size once at startup see the client's
		// real dimensions.
		if err := setWindowSize(int(master.Fd()), spec.Columns, spec.Rows); err != nil {
			slave.Close()
			master.Close()
			return nil, &SpawnError{Reason: SpawnPTYAllocation, Detail: "set window size", Err: err}
		}
	}

	cmd := exec.Command(executable, spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnvironment(os.Environ(), spec.Env)
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0, // fd 0 in child = slave PTY
	}

	if err := cmd.Start(); err != nil {
		slave.Close()
		master.Close()
		return nil, classifyStartError(spec, err)
	}
	// Close slave in parent — the child holds its own copy via fd 0/1/2.
	slave.Close()

	pty := &PTY{
		master: master,
		cmd:    cmd,
		exited: make(chan struct{}),
	}

	// Reaper: the child is waited on as soon as it terminates, so no
	// teardown path can leave a zombie.
	go func() {
		pty.status = waitStatus(cmd.Wait())
		close(pty.exited)
	}()

	return pty, nil
}

// Read returns child output from the PTY master. After the child exits
// and the slave side closes, Read fails with EIO — the normal
// end-of-session signal.
func (p *PTY) Read(buffer []byte) (int, error) { return p.master.Read(buffer) }

// Write feeds bytes to the child's terminal input.
func (p *PTY) Write(data []byte) (int, error) { return p.master.Write(data) }

// Resize sets the terminal dimensions; the kernel delivers SIGWINCH to
// the child's foreground process group.
func (p *PTY) Resize(columns, rows uint16) error {
	return setWindowSize(int(p.master.Fd()), columns, rows)
}

// Wait blocks until the child has terminated and returns its status.
func (p *PTY) Wait() ExitStatus {
	<-p.exited
	return p.status
}

// Kill terminates the child's process group with SIGKILL. The child was
// started with Setsid, so the negative PID reaches the whole group,
// including anything the command spawned onto the same terminal.
func (p *PTY) Kill() error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
	if err != nil && err != syscall.ESRCH {
		return fmt.Errorf("kill process group %d: %w", p.cmd.Process.Pid, err)
	}
	return nil
}

// Close kills the child if it is still running, waits for it to be
// reaped, and releases the PTY master.
func (p *PTY) Close() error {
	p.Kill()
	<-p.exited
	return p.master.Close()
}

// openPTY allocates a PTY master/slave pair via the Linux devpts
// interface. Returns the master and the filesystem path to the slave.
func openPTY() (master *os.File, slavePath string, err error) {
	master, err = os.OpenFile("/dev/ptmx", os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, "", fmt.Errorf("open /dev/ptmx: %w", err)
	}

	fd := int(master.Fd())

	ptyNumber, err := unix.IoctlGetInt(fd, unix.TIOCGPTN)
	if err != nil {
		master.Close()
		return nil, "", fmt.Errorf("get PTY number (TIOCGPTN): %w", err)
	}

	if err := unix.IoctlSetPointerInt(fd, unix.TIOCSPTLCK, 0); err != nil {
		master.Close()
		return nil, "", fmt.Errorf("unlock PTY slave (TIOCSPTLCK): %w", err)
	}

	return master, fmt.Sprintf("/dev/pts/%d", ptyNumber), nil
}

// setWindowSize applies TIOCSWINSZ to a PTY master fd.
func setWindowSize(fd int, columns, rows uint16) error {
	return unix.IoctlSetWinsize(fd, unix.TIOCSWINSZ, &unix.Winsize{
		Col: columns,
		Row: rows,
	})
}

// waitStatus converts an exec.Cmd.Wait result into an ExitStatus.
func waitStatus(err error) ExitStatus {
	if err == nil {
		return ExitStatus{Code: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			signal := int(ws.Signal())
			return ExitStatus{Code: 128 + signal, Signal: signal, Signaled: true}
		}
		return ExitStatus{Code: exitErr.ExitCode()}
	}
	// Wait itself failed — treat as an abnormal generic failure.
	return ExitStatus{Code: 1, Abnormal: true}
}

// classifyLookupError types a PATH resolution failure.
func classifyLookupError(name string, err error) *SpawnError {
	if errors.Is(err, os.ErrPermission) {
		return &SpawnError{Reason: SpawnPermissionDenied, Detail: name, Err: err}
	}
	return &SpawnError{Reason: SpawnExecutableNotFound, Detail: name, Err: err}
}

// classifyStartError types a process start failure.
func classifyStartError(spec SpawnSpec, err error) *SpawnError {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return &SpawnError{Reason: SpawnExecutableNotFound, Detail: spec.Argv[0], Err: err}
	case errors.Is(err, os.ErrPermission):
		return &SpawnError{Reason: SpawnPermissionDenied, Detail: spec.Argv[0], Err: err}
	default:
		return &SpawnError{Reason: SpawnStartFailed, Detail: spec.CommandLine(), Err: err}
	}
}

// mergeEnvironment overlays overrides onto a base environment,
// replacing duplicates. Override keys are emitted in sorted order so
// the child environment is deterministic.
func mergeEnvironment(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(overrides))
	for _, entry := range base {
		key, _, ok := strings.Cut(entry, "=")
		if ok {
			if _, overridden := overrides[key]; overridden {
				continue
			}
		}
		merged = append(merged, entry)
	}
	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		merged = append(merged, key+"="+overrides[key])
	}
	return merged
}
