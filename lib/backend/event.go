// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import "time"

// EventType classifies adapter events.
type EventType string

const (
	// EventTypeOutput is a raw output chunk from a PTY backend.
	EventTypeOutput EventType = "output"

	// EventTypeDelta is one transcript line from a line-oriented
	// backend.
	EventTypeDelta EventType = "delta"

	// EventTypeAuth is authentication handshake progress.
	EventTypeAuth EventType = "auth"

	// EventTypeExit is the final event of every adapter stream.
	EventTypeExit EventType = "exit"
)

// AuthState is the authentication handshake lifecycle. The handshake
// moves strictly forward; complete and failed are terminal, and a
// fresh handshake requires a fresh adapter.
type AuthState string

const (
	// AuthIdle means the adapter has not started.
	AuthIdle AuthState = "idle"

	// AuthSpawning means the process is up and the adapter is watching
	// for the verification URL.
	AuthSpawning AuthState = "spawning"

	// AuthAwaitingCode means the URL was seen and the backend is
	// waiting for the user's confirmation code.
	AuthAwaitingCode AuthState = "awaiting_code"

	// AuthComplete means the handshake succeeded.
	AuthComplete AuthState = "complete"

	// AuthFailed means the handshake was rejected or timed out.
	AuthFailed AuthState = "failed"
)

// Terminal reports whether the handshake has finished, successfully or
// not.
func (s AuthState) Terminal() bool {
	return s == AuthComplete || s == AuthFailed
}

// Event is one structured record from an adapter. Type selects which
// pointer field is set.
type Event struct {
	// Timestamp is when the adapter observed the event.
	Timestamp time.Time

	// Type classifies the event.
	Type EventType

	// Output is set for EventTypeOutput.
	Output *OutputEvent

	// Delta is set for EventTypeDelta.
	Delta *DeltaEvent

	// Auth is set for EventTypeAuth.
	Auth *AuthEvent

	// Exit is set for EventTypeExit.
	Exit *ExitEvent
}

// OutputEvent carries one chunk of raw PTY output, escape sequences
// included.
type OutputEvent struct {
	Data []byte
}

// DeltaEvent carries one transcript line, ANSI-stripped.
type DeltaEvent struct {
	Line string
}

// AuthEvent reports a handshake state change.
type AuthEvent struct {
	// State is the handshake state after the change.
	State AuthState

	// URL is the verification URL. Set when State is AuthAwaitingCode.
	URL string

	// Err is the handshake failure. Set when State is AuthFailed;
	// either an AuthTimeoutError or an AuthRejectedError.
	Err error
}

// ExitEvent reports process termination. Exactly one is emitted per
// adapter, as the stream's final event.
type ExitEvent struct {
	// Code is the exit status, or -1 when the process died on a
	// signal.
	Code int

	// Signal names the terminating signal, empty for a plain exit.
	Signal string

	// Err is the failure that ended the stream abnormally (a read
	// error, a wait error). Nil for a clean exit, including nonzero
	// exit codes.
	Err error
}
