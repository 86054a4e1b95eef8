// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"log/slog"
	"time"

	"github.com/strandhq/strand/lib/clock"
)

// Adapter is the capability set shared by every backend kind. One
// Adapter instance hosts one process for one run session; adapters are
// single-use and are not restarted after exit.
//
// Implementations must be safe for concurrent use: the manager calls
// Write and Stop from API goroutines while the adapter's own pump
// goroutines produce events.
type Adapter interface {
	// Start launches the backend process. It returns once the process
	// is live; subsequent output arrives on Events. Start may be
	// called once.
	Start(ctx context.Context) error

	// Write delivers input bytes to the process. Returns an error if
	// the process is not running.
	Write(data []byte) error

	// Stop shuts the process down: graceful signal first, hard kill
	// after the grace period. Stop is idempotent and returns once the
	// process has exited and resources are released.
	Stop(ctx context.Context) error

	// Events returns the adapter's output stream. The channel carries
	// everything the process produces, ends with exactly one exit
	// event, and is then closed. The channel is closed even when Start
	// fails after the process launched.
	Events() <-chan Event
}

// Resizer is the optional window-resize capability. Backends without a
// window (line-oriented CLIs) simply do not implement it.
type Resizer interface {
	Resize(rows, cols uint16) error
}

// DefaultAuthTimeout bounds the authentication handshake when the
// profile does not set its own limit.
const DefaultAuthTimeout = 10 * time.Minute

// AuthConfig configures the authentication handshake for backends that
// perform one. Markers are matched as substrings against each output
// line, after ANSI stripping.
type AuthConfig struct {
	// URLMarker flags the line carrying the verification URL.
	URLMarker string

	// SuccessMarker flags handshake completion.
	SuccessMarker string

	// FailureMarker flags handshake rejection.
	FailureMarker string

	// Timeout bounds the whole handshake. When it expires before the
	// handshake completes, the adapter reports AuthTimeoutError and
	// the handshake state becomes failed.
	Timeout time.Duration
}

// Config is the launch configuration handed to an adapter factory.
type Config struct {
	// RunID is the owning session's identifier, used in log fields.
	RunID string

	// Command is the program and arguments to run. Must not be empty.
	Command []string

	// WorkingDirectory is where the process starts. Empty inherits the
	// daemon's working directory.
	WorkingDirectory string

	// ExtraEnv appends "KEY=VALUE" entries to the daemon's
	// environment.
	ExtraEnv []string

	// InitialRows and InitialCols size the PTY at launch. Zero values
	// fall back to 24x80. Ignored by windowless backends.
	InitialRows uint16
	InitialCols uint16

	// StopGrace is how long Stop waits between the graceful signal and
	// SIGKILL. Zero falls back to 5s.
	StopGrace time.Duration

	// Auth configures the authentication handshake. Nil disables
	// handshake tracking.
	Auth *AuthConfig

	// Logger receives adapter lifecycle messages. Nil means discard.
	Logger *slog.Logger

	// Clock drives timeouts. Nil means the system clock.
	Clock clock.Clock
}

// Normalize fills Config defaults in place and returns it.
func (c Config) Normalize() Config {
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	if c.InitialRows == 0 {
		c.InitialRows = 24
	}
	if c.InitialCols == 0 {
		c.InitialCols = 80
	}
	return c
}
