// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

// Package assistant implements the pipe-hosted backend adapter for AI
// assistant CLIs. The child runs without a PTY; its stdout and stderr
// are merged and scanned line by line, and each line is emitted as a
// transcript delta after ANSI stripping.
//
// When the launch configuration carries auth markers, the adapter
// additionally runs the authentication handshake state machine over
// the scanned lines (see handshake.go) and interleaves auth events
// into the stream.
//
// The adapter has no window, so it does not implement Resize.
package assistant

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/charmbracelet/x/ansi"

	"github.com/strandhq/strand/lib/backend"
	"github.com/strandhq/strand/lib/clock"
)

// Kind is the registry name for this adapter.
const Kind = "assistant"

// Adapter hosts one assistant CLI over pipes. Single use: Start once,
// then the Events stream runs until the process exits.
type Adapter struct {
	config backend.Config
	clock  clock.Clock

	events chan backend.Event

	// auth is nil when the configuration has no markers.
	auth *handshake

	mu      sync.Mutex
	started bool
	cmd     *exec.Cmd
	stdin   io.WriteCloser

	// exited is closed once the child is reaped. Stop blocks on it.
	exited chan struct{}
}

// New returns an unstarted adapter for the given launch configuration.
func New(config backend.Config) *Adapter {
	config = config.Normalize()
	a := &Adapter{
		config: config,
		clock:  config.Clock,
		events: make(chan backend.Event, 64),
		exited: make(chan struct{}),
	}
	if config.Auth != nil {
		a.auth = newHandshake(*config.Auth, config.Clock, func(event backend.Event) {
			a.events <- event
		})
	}
	return a
}

// Events returns the adapter's event stream. The stream ends with
// exactly one exit event, after which the channel is closed. The
// caller must drain it.
func (a *Adapter) Events() <-chan backend.Event {
	return a.events
}

// AuthState reports the authentication handshake state. Adapters
// launched without auth markers stay idle.
func (a *Adapter) AuthState() backend.AuthState {
	if a.auth == nil {
		return backend.AuthIdle
	}
	return a.auth.State()
}

// Start spawns the assistant CLI with piped stdio. Launch failures are
// reported as *backend.SpawnError.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return &backend.SpawnError{Kind: Kind, Cause: errors.New("adapter already started")}
	}
	if len(a.config.Command) == 0 || a.config.Command[0] == "" {
		return &backend.SpawnError{Kind: Kind, Cause: errors.New("empty command")}
	}

	cmd := exec.Command(a.config.Command[0], a.config.Command[1:]...)
	cmd.Dir = a.config.WorkingDirectory
	cmd.Env = append(os.Environ(), a.config.ExtraEnv...)
	// The child runs in its own process group so Stop's signals reach
	// helpers it spawns.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &backend.SpawnError{Kind: Kind, Cause: fmt.Errorf("creating stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return &backend.SpawnError{Kind: Kind, Cause: fmt.Errorf("creating stdout pipe: %w", err)}
	}
	// Assistant CLIs print sign-in prompts on either stream; merge
	// stderr into the scanned stream so markers are never missed.
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return &backend.SpawnError{Kind: Kind, Cause: err}
	}

	a.started = true
	a.cmd = cmd
	a.stdin = stdin

	a.config.Logger.Info("assistant backend started",
		"run_id", a.config.RunID,
		"pid", cmd.Process.Pid,
		"command", strings.Join(a.config.Command, " "))

	if a.auth != nil {
		a.auth.begin()
	}

	pumpDone := make(chan struct{})
	go a.scan(stdout, pumpDone)
	go a.wait(cmd, pumpDone)

	return nil
}

// scan reads the merged output stream line by line until EOF, emitting
// each line as a delta event and feeding it to the handshake.
func (a *Adapter) scan(stdout io.Reader, done chan<- struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(stdout)
	// Assistant CLIs can produce long lines (inlined file contents,
	// big JSON blobs).
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		stripped := ansi.Strip(line)

		// Blank lines are kept: they are paragraph breaks in the
		// transcript.
		a.events <- backend.Event{
			Timestamp: a.clock.Now(),
			Type:      backend.EventTypeDelta,
			Delta:     &backend.DeltaEvent{Line: stripped},
		}

		if a.auth != nil {
			a.auth.observe(stripped)
		}
	}
	if err := scanner.Err(); err != nil {
		a.config.Logger.Warn("scanning assistant output",
			"run_id", a.config.RunID,
			"error", err)
	}
}

// wait reaps the child after the scan drains, disarms the handshake,
// and emits the final exit event.
func (a *Adapter) wait(cmd *exec.Cmd, pumpDone <-chan struct{}) {
	// Wait closes the stdout pipe, so the scanner must finish first.
	<-pumpDone
	waitErr := cmd.Wait()

	close(a.exited)

	// After abandon returns the handshake can no longer emit, so the
	// exit event below is guaranteed to be last.
	if a.auth != nil {
		a.auth.abandon()
	}

	exit := backend.ExitFrom(waitErr)
	a.config.Logger.Info("assistant backend exited",
		"run_id", a.config.RunID,
		"code", exit.Code,
		"signal", exit.Signal)

	a.events <- backend.Event{
		Timestamp: a.clock.Now(),
		Type:      backend.EventTypeExit,
		Exit:      exit,
	}
	close(a.events)
}

// Write sends input to the assistant's stdin. During an auth
// handshake this is how the confirmation code is submitted.
func (a *Adapter) Write(data []byte) error {
	a.mu.Lock()
	stdin := a.stdin
	started := a.started
	a.mu.Unlock()

	if !started {
		return errors.New("assistant backend not started")
	}
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("writing to assistant stdin: %w", err)
	}
	return nil
}

// Stop terminates the child: SIGTERM to the process group, then
// SIGKILL after the configured grace period. Idempotent; calling it on
// an unstarted or already-exited adapter returns nil immediately.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	started := a.started
	var pid int
	if started {
		pid = a.cmd.Process.Pid
	}
	a.mu.Unlock()

	if !started {
		return nil
	}

	select {
	case <-a.exited:
		return nil
	default:
	}

	_ = syscall.Kill(-pid, syscall.SIGTERM)

	select {
	case <-a.exited:
		return nil
	case <-ctx.Done():
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		return ctx.Err()
	case <-a.clock.After(a.config.StopGrace):
	}

	_ = syscall.Kill(-pid, syscall.SIGKILL)

	select {
	case <-a.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
