// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package runlog

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a run session does not exist. Callers
// that speak the external API wrap it with the session identifier.
var ErrNotFound = errors.New("runlog: session not found")

// Session is one row of the sessions table.
type Session struct {
	// RunID is the UUID assigned at creation.
	RunID string

	// Kind names the backend that hosts this session, e.g. "terminal"
	// or "assistant".
	Kind string

	// Status is the current lifecycle state.
	Status Status

	// Metadata is the caller-supplied annotation map. May be nil.
	// Stored as CBOR.
	Metadata map[string]any

	// CreatedAt is when the session row was inserted.
	CreatedAt time.Time

	// UpdatedAt moves on every status change and on input or output
	// activity. It is the basis for idle accounting.
	UpdatedAt time.Time
}

// Event is one row of the session_events log. Wire representations
// (export bundles, the attach stream) define their own structs; this is
// the storage model.
type Event struct {
	// RunID identifies the owning session.
	RunID string

	// Seq is the position in the session's log. The first event of a
	// session has Seq 1; consecutive events differ by exactly 1.
	Seq uint64

	// Channel partitions the log by origin, formatted "source:subtype"
	// (pty:stdout, assistant:auth, system:status).
	Channel string

	// Type names the event within its channel (output, auth_url,
	// status, crash).
	Type string

	// Payload is the event body. Opaque to the store; typically raw
	// terminal bytes or a CBOR document.
	Payload []byte

	// Time is when the event was appended, at millisecond precision.
	Time time.Time
}
