// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the Strand daemon.
//
// Configuration comes from a single YAML file named by either the
// STRAND_CONFIG environment variable or the --config flag. There is no
// automatic discovery and environment variables do not override file
// values; what the file says is what runs. The only expansion applied
// is ${VAR} and ${VAR:-default} in path fields, for portability.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	// Paths configures file and directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Store configures the event store.
	Store StoreConfig `yaml:"store"`

	// Sessions configures runtime session behavior.
	Sessions SessionsConfig `yaml:"sessions"`

	// Assistant configures assistant-kind sessions.
	Assistant AssistantConfig `yaml:"assistant"`

	// Log configures the structured logger.
	Log LogConfig `yaml:"log"`
}

// PathsConfig configures file and directory locations.
type PathsConfig struct {
	// Root is the base directory for Strand state.
	Root string `yaml:"root"`

	// Socket is the Unix socket path the daemon listens on.
	Socket string `yaml:"socket"`

	// Database is the SQLite database holding sessions and events.
	Database string `yaml:"database"`

	// Profiles is the directory of backend profile files (JSONC).
	Profiles string `yaml:"profiles"`
}

// StoreConfig configures the event store.
type StoreConfig struct {
	// PoolSize is the number of SQLite connections to keep open.
	PoolSize int `yaml:"pool_size"`

	// CompressionThreshold is the minimum payload size in bytes before
	// compression is attempted. Smaller payloads are stored verbatim.
	CompressionThreshold int `yaml:"compression_threshold"`
}

// SessionsConfig configures runtime session behavior.
type SessionsConfig struct {
	// ObserverBuffer is the per-observer event buffer size. An observer
	// that falls this far behind the live stream is cut loose with a
	// gap marker and must re-attach.
	ObserverBuffer int `yaml:"observer_buffer"`

	// MaxInputBytes caps a single input write.
	MaxInputBytes int `yaml:"max_input_bytes"`

	// StopGrace is how long a stopped process gets between SIGTERM and
	// SIGKILL. Duration string, e.g. "5s".
	StopGrace string `yaml:"stop_grace"`

	// IdleLogInterval is how often the daemon logs per-session idle
	// accounting. Duration string. Empty disables the sweep.
	IdleLogInterval string `yaml:"idle_log_interval"`
}

// AssistantConfig configures assistant-kind sessions.
type AssistantConfig struct {
	// AuthTimeout bounds the authentication handshake. Duration
	// string, e.g. "10m".
	AuthTimeout string `yaml:"auth_timeout"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

// Default returns the baseline configuration. Field values here are
// usable as-is for a local daemon; the config file overrides them.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	root := filepath.Join(homeDir, ".local", "state", "strand")

	return &Config{
		Paths: PathsConfig{
			Root:     root,
			Socket:   filepath.Join(root, "daemon.sock"),
			Database: filepath.Join(root, "sessions.db"),
			Profiles: filepath.Join(root, "profiles"),
		},
		Store: StoreConfig{
			PoolSize:             4,
			CompressionThreshold: 512,
		},
		Sessions: SessionsConfig{
			ObserverBuffer:  256,
			MaxInputBytes:   1 << 20,
			StopGrace:       "5s",
			IdleLogInterval: "1m",
		},
		Assistant: AssistantConfig{
			AuthTimeout: "10m",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the file named by STRAND_CONFIG.
// Fails if the variable is unset; there is no fallback search.
func Load() (*Config, error) {
	path := os.Getenv("STRAND_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("STRAND_CONFIG environment variable not set; " +
			"point it at your strand.yaml, or use the --config flag")
	}
	return LoadFile(path)
}

// LoadFile reads configuration from path, merging over Default().
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} patterns in path fields. Root expands
// first so dependent paths can reference ${STRAND_ROOT}.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"STRAND_ROOT": c.Paths.Root,
		"HOME":        os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["STRAND_ROOT"] = c.Paths.Root

	c.Paths.Socket = expandVars(c.Paths.Socket, vars)
	c.Paths.Database = expandVars(c.Paths.Database, vars)
	c.Paths.Profiles = expandVars(c.Paths.Profiles, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}, checking the provided
// vars first and the process environment second.
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

// Validate checks the configuration for errors, reporting all problems
// at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Paths.Socket == "" {
		errs = append(errs, fmt.Errorf("paths.socket is required"))
	}
	if c.Paths.Database == "" {
		errs = append(errs, fmt.Errorf("paths.database is required"))
	}
	if c.Store.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("store.pool_size must be at least 1, got %d", c.Store.PoolSize))
	}
	if c.Store.CompressionThreshold < 0 {
		errs = append(errs, fmt.Errorf("store.compression_threshold must not be negative, got %d", c.Store.CompressionThreshold))
	}
	if c.Sessions.ObserverBuffer < 1 {
		errs = append(errs, fmt.Errorf("sessions.observer_buffer must be at least 1, got %d", c.Sessions.ObserverBuffer))
	}
	if c.Sessions.MaxInputBytes < 1 {
		errs = append(errs, fmt.Errorf("sessions.max_input_bytes must be at least 1, got %d", c.Sessions.MaxInputBytes))
	}
	if _, err := time.ParseDuration(c.Sessions.StopGrace); err != nil {
		errs = append(errs, fmt.Errorf("sessions.stop_grace: %w", err))
	}
	if c.Sessions.IdleLogInterval != "" {
		if _, err := time.ParseDuration(c.Sessions.IdleLogInterval); err != nil {
			errs = append(errs, fmt.Errorf("sessions.idle_log_interval: %w", err))
		}
	}
	if _, err := time.ParseDuration(c.Assistant.AuthTimeout); err != nil {
		errs = append(errs, fmt.Errorf("assistant.auth_timeout: %w", err))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// StopGrace returns the parsed SIGTERM-to-SIGKILL grace period.
// Call Validate first; unparseable values fall back to 5s.
func (c *Config) StopGrace() time.Duration {
	return parseDurationOr(c.Sessions.StopGrace, 5*time.Second)
}

// AuthTimeout returns the parsed assistant handshake deadline.
// Call Validate first; unparseable values fall back to 10m.
func (c *Config) AuthTimeout() time.Duration {
	return parseDurationOr(c.Assistant.AuthTimeout, 10*time.Minute)
}

// IdleLogInterval returns the parsed idle sweep interval, or zero when
// the sweep is disabled.
func (c *Config) IdleLogInterval() time.Duration {
	if c.Sessions.IdleLogInterval == "" {
		return 0
	}
	return parseDurationOr(c.Sessions.IdleLogInterval, time.Minute)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// EnsurePaths creates the root and profiles directories if missing.
func (c *Config) EnsurePaths() error {
	for _, dir := range []string{c.Paths.Root, c.Paths.Profiles} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}
