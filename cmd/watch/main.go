// Copyright 2026 The Watchd Authors
// SPDX-License-Identifier: Apache-2.0

// watch launches a command under watchd supervision and attaches the
// local terminal to it. The command runs inside the daemon with a
// pseudo-terminal; watch relays keystrokes and output, so interactive
// programs behave as if run directly.
//
// Usage:
//
//	watch [flags] -- command [args...]
//
// Examples:
//
//	watch -- make test
//	watch --env CI=1 --idle-threshold 600 -- ./deploy.sh production
package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/watchd-project/watchd/lib/process"
	"github.com/watchd-project/watchd/lib/version"
	"github.com/watchd-project/watchd/session"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		socketPath    string
		dir           string
		envPairs      []string
		idleThreshold int
		showVersion   bool
	)

	flagSet := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	// Flags after the command belong to the command, not to watch.
	flagSet.SetInterspersed(false)
	flagSet.StringVar(&socketPath, "socket", "/tmp/watchd.sock", "watchd launch socket")
	flagSet.StringVar(&dir, "dir", "", "working directory for the command (default: daemon's)")
	flagSet.StringArrayVar(&envPairs, "env", nil, "environment override KEY=VALUE (repeatable)")
	flagSet.IntVar(&idleThreshold, "idle-threshold", -1, "inactivity notification threshold in seconds (0 disables, unset: daemon default)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		fmt.Printf("watch %s\n", version.Info())
		return nil
	}

	argv := flagSet.Args()
	if len(argv) > 0 && argv[0] == "--" {
		argv = argv[1:]
	}
	if len(argv) == 0 {
		return fmt.Errorf("no command given (usage: watch [flags] -- command [args...])")
	}

	env, err := parseEnv(envPairs)
	if err != nil {
		return err
	}

	request := &session.LaunchRequest{
		Command: argv,
		Dir:     dir,
		Env:     env,
	}
	if idleThreshold >= 0 {
		request.InactivitySeconds = &idleThreshold
	}

	stdinFD := int(os.Stdin.Fd())
	interactive := term.IsTerminal(stdinFD)
	if interactive {
		if columns, rows, err := term.GetSize(stdinFD); err == nil {
			request.Columns = uint16(columns)
			request.Rows = uint16(rows)
		}
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("connecting to watchd at %s: %w (is the daemon running?)", socketPath, err)
	}
	defer conn.Close()

	if err := session.WriteLaunchRequest(conn, request); err != nil {
		return fmt.Errorf("sending launch request: %w", err)
	}
	response, err := session.ReadLaunchResponse(conn)
	if err != nil {
		return fmt.Errorf("reading launch response: %w", err)
	}
	if !response.OK {
		return fmt.Errorf("launch rejected: %s", response.Error)
	}

	// Raw mode so control sequences and single keystrokes reach the
	// remote PTY instead of being cooked by the local terminal.
	if interactive {
		oldState, err := term.MakeRaw(stdinFD)
		if err != nil {
			return fmt.Errorf("entering raw mode: %w", err)
		}
		defer term.Restore(stdinFD, oldState)
	}

	// Keystrokes up; the process exits with the output copy below, so
	// the lingering stdin read does not matter.
	go io.Copy(conn, os.Stdin)

	// Output down, until the daemon tears the session down.
	_, err = io.Copy(os.Stdout, conn)
	if err != nil {
		return fmt.Errorf("relaying output: %w", err)
	}
	return nil
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --env %q, want KEY=VALUE", pair)
		}
		env[key] = value
	}
	return env, nil
}
