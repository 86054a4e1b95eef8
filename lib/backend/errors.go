// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"fmt"
	"time"
)

// SpawnError reports that a backend process could not be started.
type SpawnError struct {
	// Kind is the backend kind that failed to spawn.
	Kind string

	// Cause is the underlying launch failure.
	Cause error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %s backend: %v", e.Kind, e.Cause)
}

func (e *SpawnError) Unwrap() error { return e.Cause }

// CrashError reports that a backend process terminated without a stop
// having been requested.
type CrashError struct {
	// ExitCode is the process exit status, -1 when killed by a signal.
	ExitCode int

	// Signal names the terminating signal, empty for a plain exit.
	Signal string
}

func (e *CrashError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("backend process killed by %s", e.Signal)
	}
	return fmt.Sprintf("backend process exited with status %d", e.ExitCode)
}

// UnsupportedOperationError reports an operation outside a backend's
// capability set, such as resizing a backend with no terminal.
type UnsupportedOperationError struct {
	// Kind is the backend kind the operation was sent to.
	Kind string

	// Operation names the rejected operation.
	Operation string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s backend does not support %s", e.Kind, e.Operation)
}

// AuthTimeoutError reports that an authentication handshake did not
// finish before its deadline.
type AuthTimeoutError struct {
	// Elapsed is how long the handshake ran before expiring.
	Elapsed time.Duration
}

func (e *AuthTimeoutError) Error() string {
	return fmt.Sprintf("authentication handshake timed out after %s", e.Elapsed)
}

// AuthRejectedError reports that the backend refused authentication.
type AuthRejectedError struct {
	// Line is the process output line that matched the failure marker.
	Line string
}

func (e *AuthRejectedError) Error() string {
	return fmt.Sprintf("authentication rejected: %s", e.Line)
}
