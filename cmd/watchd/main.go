// Copyright 2026 The Watchd Authors
// SPDX-License-Identifier: Apache-2.0

// watchd is the command supervision daemon. It listens on a unix socket
// for launch requests, runs each requested command in a pseudo-terminal,
// relays terminal I/O back to the requesting client, watches the output
// for failure keywords and inactivity, and pushes notifications to an
// ntfy-compatible topic.
//
// Usage:
//
//	watchd [flags]
//
// Configuration comes from a YAML file (--config or the WATCHD_CONFIG
// environment variable), with built-in defaults when neither is set.
// The --socket and --topic flags override the file for quick local runs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/watchd-project/watchd/daemon"
	"github.com/watchd-project/watchd/lib/clock"
	"github.com/watchd-project/watchd/lib/config"
	"github.com/watchd-project/watchd/lib/process"
	"github.com/watchd-project/watchd/lib/version"
	"github.com/watchd-project/watchd/notify"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		socketPath  string
		topicURL    string
		logLevel    string
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("watchd", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to YAML config file (default: $WATCHD_CONFIG, else built-in defaults)")
	flagSet.StringVar(&socketPath, "socket", "", "launch socket path (overrides config)")
	flagSet.StringVar(&topicURL, "topic", "", "notification topic URL (overrides config)")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		fmt.Printf("watchd %s\n", version.Info())
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if socketPath != "" {
		cfg.Daemon.SocketPath = socketPath
	}
	if topicURL != "" {
		cfg.Notify.TopicURL = topicURL
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level, err := parseLevel(logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink := notify.NewHTTPSink(cfg.Notify.TopicURL, logger, notify.HTTPSinkOptions{
		RequestTimeout: cfg.Notify.RequestTimeout.Std(),
		MaxAttempts:    cfg.Notify.MaxAttempts,
		BackoffBase:    cfg.Notify.BackoffBase.Std(),
	})

	d := daemon.New(cfg, sink, clock.Real(), logger)
	if err := d.Listen(); err != nil {
		return err
	}
	logger.Info("watchd started", "version", version.Info(), "topic", cfg.Notify.TopicURL)
	return d.Serve(ctx)
}

func parseLevel(name string) (slog.Level, error) {
	switch name {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", name)
	}
}
