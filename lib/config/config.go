// Copyright 2026 The Watchd Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for watchd.
//
// Configuration is loaded from a single YAML file specified by:
//   - the WATCHD_CONFIG environment variable, or
//   - the --config flag passed to the daemon.
//
// When neither is set, built-in defaults apply. The config file is the
// single source of truth once specified — environment variables do not
// override individual values. The only expansion performed is
// ${VAR} / ${VAR:-default} substitution inside path and URL values,
// for portability across machines.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "1m30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the master configuration for the watchd daemon.
type Config struct {
	// Daemon configures the launch socket and lifecycle timing.
	Daemon DaemonConfig `yaml:"daemon"`

	// Notify configures push notification delivery.
	Notify NotifyConfig `yaml:"notify"`

	// Detect configures output classification.
	Detect DetectConfig `yaml:"detect"`

	// Session configures per-session relay behavior.
	Session SessionConfig `yaml:"session"`
}

// DaemonConfig configures the listener.
type DaemonConfig struct {
	// SocketPath is the unix socket where launch requests arrive.
	// The socket is created mode 0600: same-host, same-user clients only.
	SocketPath string `yaml:"socket_path"`

	// HandshakeTimeout bounds how long a client may take to send its
	// launch request after connecting.
	HandshakeTimeout Duration `yaml:"handshake_timeout"`

	// ShutdownGrace is how long daemon shutdown waits for running
	// sessions to flush their exit notifications before returning.
	ShutdownGrace Duration `yaml:"shutdown_grace"`
}

// NotifyConfig configures the push notification sink.
type NotifyConfig struct {
	// TopicURL is the push topic endpoint (ntfy-compatible: the event
	// body is POSTed with Title/Priority/Tags headers).
	TopicURL string `yaml:"topic_url"`

	// RequestTimeout bounds each delivery attempt.
	RequestTimeout Duration `yaml:"request_timeout"`

	// MaxAttempts is the delivery attempt count before a notification
	// is dropped.
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffBase is the first retry delay; subsequent delays double.
	BackoffBase Duration `yaml:"backoff_base"`
}

// DetectConfig configures failure pattern classification.
type DetectConfig struct {
	// Keywords are additional failure keywords merged with the built-in
	// set (error, failed, traceback, panic, fatal, exception,
	// segmentation fault, killed, oom). Matching is case-insensitive
	// and word-boundary anchored.
	Keywords []string `yaml:"keywords"`

	// IdleThreshold is how long a session's output may stay silent
	// before an inactivity notification fires. Zero disables inactivity
	// detection. Launch requests may override it per session.
	IdleThreshold Duration `yaml:"idle_threshold"`
}

// SessionConfig configures per-session relay behavior.
type SessionConfig struct {
	// TailBytes is the capacity of the per-session output tail buffer
	// included in exit notifications.
	TailBytes int `yaml:"tail_bytes"`

	// IdleCheckInterval is how often the inactivity check wakes.
	IdleCheckInterval Duration `yaml:"idle_check_interval"`

	// FinalizeTimeout bounds how long session teardown waits for
	// in-flight notification dispatches.
	FinalizeTimeout Duration `yaml:"finalize_timeout"`
}

// Default returns the built-in configuration. These are complete,
// working values — the config file is optional and overrides them.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			SocketPath:       "/tmp/watchd.sock",
			HandshakeTimeout: Duration(10 * time.Second),
			ShutdownGrace:    Duration(10 * time.Second),
		},
		Notify: NotifyConfig{
			TopicURL:       "https://ntfy.sh/watchd-alerts",
			RequestTimeout: Duration(5 * time.Second),
			MaxAttempts:    3,
			BackoffBase:    Duration(time.Second),
		},
		Detect: DetectConfig{
			IdleThreshold: Duration(5 * time.Minute),
		},
		Session: SessionConfig{
			TailBytes:         64 * 1024,
			IdleCheckInterval: Duration(time.Second),
			FinalizeTimeout:   Duration(5 * time.Second),
		},
	}
}

// Load loads configuration from the WATCHD_CONFIG environment variable,
// falling back to defaults when it is unset.
func Load() (*Config, error) {
	path := os.Getenv("WATCHD_CONFIG")
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, merging over
// the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.expandVariables()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in the
// socket path and topic URL.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Daemon.SocketPath = expandVars(c.Daemon.SocketPath, vars)
	c.Notify.TopicURL = expandVars(c.Notify.TopicURL, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Daemon.SocketPath == "" {
		errs = append(errs, fmt.Errorf("daemon.socket_path is required"))
	}
	if c.Daemon.HandshakeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("daemon.handshake_timeout must be positive"))
	}
	if c.Notify.TopicURL == "" {
		errs = append(errs, fmt.Errorf("notify.topic_url is required"))
	} else if !strings.HasPrefix(c.Notify.TopicURL, "http://") && !strings.HasPrefix(c.Notify.TopicURL, "https://") {
		errs = append(errs, fmt.Errorf("notify.topic_url must be an http(s) URL, got %q", c.Notify.TopicURL))
	}
	if c.Notify.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("notify.max_attempts must be at least 1"))
	}
	if c.Detect.IdleThreshold < 0 {
		errs = append(errs, fmt.Errorf("detect.idle_threshold must not be negative"))
	}
	if c.Session.TailBytes <= 0 {
		errs = append(errs, fmt.Errorf("session.tail_bytes must be positive"))
	}
	if c.Session.IdleCheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("session.idle_check_interval must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
