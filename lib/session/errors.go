// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"

	"github.com/strandhq/strand/lib/runlog"
)

// ValidationError reports a request that is malformed before any state
// was touched: an unknown kind, a missing profile, oversized input.
type ValidationError struct {
	// Field names the offending request field.
	Field string

	// Reason is a human-readable description of what is wrong.
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError reports an operation against a run ID with no session.
type NotFoundError struct {
	RunID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", e.RunID)
}

// NotRunningError reports a live-session operation (input, resize,
// attach upgrade) against a session that is not currently running.
type NotRunningError struct {
	RunID  string
	Status runlog.Status
}

func (e *NotRunningError) Error() string {
	return fmt.Sprintf("session %s is not running (status %s)", e.RunID, e.Status)
}
