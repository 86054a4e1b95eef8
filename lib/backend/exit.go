// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// ExitFrom translates an exec.Cmd wait result into an exit event.
// Signal deaths report code -1 and the signal name; wait failures that
// are not process exits (a lost child, a wait syscall error) surface
// in Err.
func ExitFrom(waitErr error) *ExitEvent {
	if waitErr == nil {
		return &ExitEvent{Code: 0}
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return &ExitEvent{
				Code:   -1,
				Signal: unix.SignalName(status.Signal()),
			}
		}
		return &ExitEvent{Code: exitErr.ExitCode()}
	}

	return &ExitEvent{Code: -1, Err: waitErr}
}
