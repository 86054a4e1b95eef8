// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package runlog

import "fmt"

// Status is the lifecycle state of a run session. Transitions move
// forward only; once a session reaches a terminal status it never
// leaves it.
type Status string

const (
	// StatusStarting means the session row exists but the backend
	// process has not finished launching.
	StatusStarting Status = "starting"

	// StatusRunning means the backend process is live and accepting
	// input.
	StatusRunning Status = "running"

	// StatusStopped means the session was shut down deliberately.
	// Terminal.
	StatusStopped Status = "stopped"

	// StatusError means the backend crashed or failed to launch.
	// Terminal.
	StatusError Status = "error"
)

// allowedTransitions encodes the forward-only lifecycle. Absent
// entries are rejected, so terminal statuses have no successors.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusStarting: {
		StatusRunning: {},
		StatusStopped: {},
		StatusError:   {},
	},
	StatusRunning: {
		StatusStopped: {},
		StatusError:   {},
	},
	StatusStopped: {},
	StatusError:   {},
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

// CanTransition reports whether the lifecycle permits moving from one
// status to another.
func CanTransition(from, to Status) bool {
	successors, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = successors[to]
	return ok
}

// TransitionError reports a status update that would move a session
// backward or out of a terminal state.
type TransitionError struct {
	RunID string
	From  Status
	To    Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session %s: invalid status transition %s -> %s", e.RunID, e.From, e.To)
}
