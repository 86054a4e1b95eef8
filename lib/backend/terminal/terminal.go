// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

// Package terminal implements the PTY-hosted backend adapter. The
// child process runs with a pseudo-terminal as its controlling tty, so
// interactive programs (shells, editors, REPLs) behave as they would
// under a real terminal: line discipline, ISIG, SIGWINCH on resize.
//
// Output is emitted as raw chunks, escape sequences included. The
// adapter supports Resize; it never runs an authentication handshake.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/strandhq/strand/lib/backend"
	"github.com/strandhq/strand/lib/clock"
)

// Kind is the registry name for this adapter.
const Kind = "terminal"

// readBufferSize is the PTY master read chunk size. Matches the
// typical tty buffer so a busy child produces few, large events.
const readBufferSize = 4096

// Adapter hosts one child process on a PTY. Single use: Start once,
// then the Events stream runs until the process exits.
type Adapter struct {
	config backend.Config
	clock  clock.Clock

	events chan backend.Event

	mu      sync.Mutex
	started bool
	master  *os.File
	cmd     *exec.Cmd

	// exited is closed as soon as wait(2) has reaped the child. Stop
	// blocks on it; it closes before the exit event is delivered so
	// Stop never depends on the events channel being drained.
	exited chan struct{}
}

var _ backend.Resizer = (*Adapter)(nil)

// New returns an unstarted adapter for the given launch configuration.
func New(config backend.Config) *Adapter {
	config = config.Normalize()
	return &Adapter{
		config: config,
		clock:  config.Clock,
		events: make(chan backend.Event, 64),
		exited: make(chan struct{}),
	}
}

// Events returns the adapter's event stream. The stream ends with
// exactly one exit event, after which the channel is closed. The
// caller must drain it.
func (a *Adapter) Events() <-chan backend.Event {
	return a.events
}

// Start allocates the PTY pair and spawns the child with the slave as
// its controlling terminal. Launch failures are reported as
// *backend.SpawnError.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return &backend.SpawnError{Kind: Kind, Cause: errors.New("adapter already started")}
	}
	if len(a.config.Command) == 0 || a.config.Command[0] == "" {
		return &backend.SpawnError{Kind: Kind, Cause: errors.New("empty command")}
	}

	master, slavePath, err := openPTY()
	if err != nil {
		return &backend.SpawnError{Kind: Kind, Cause: err}
	}

	if err := setWindowSize(int(master.Fd()), a.config.InitialRows, a.config.InitialCols); err != nil {
		master.Close()
		return &backend.SpawnError{Kind: Kind, Cause: fmt.Errorf("set initial window size: %w", err)}
	}

	slave, err := os.OpenFile(slavePath, os.O_RDWR, 0)
	if err != nil {
		master.Close()
		return &backend.SpawnError{Kind: Kind, Cause: fmt.Errorf("open PTY slave %s: %w", slavePath, err)}
	}

	cmd := exec.Command(a.config.Command[0], a.config.Command[1:]...)
	cmd.Dir = a.config.WorkingDirectory
	cmd.Env = childEnv(a.config.ExtraEnv)
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0, // fd 0 in child = slave PTY
	}

	if err := cmd.Start(); err != nil {
		slave.Close()
		master.Close()
		return &backend.SpawnError{Kind: Kind, Cause: err}
	}
	// Close slave in parent. The child has its own copy via fd 0/1/2.
	slave.Close()

	a.started = true
	a.master = master
	a.cmd = cmd

	a.config.Logger.Info("terminal backend started",
		"run_id", a.config.RunID,
		"pid", cmd.Process.Pid,
		"command", strings.Join(a.config.Command, " "))

	pumpDone := make(chan struct{})
	go a.pump(master, pumpDone)
	go a.wait(cmd, master, pumpDone)

	return nil
}

// pump copies PTY master output into the event stream until the PTY
// closes. EIO is the normal end: the kernel reports it on master reads
// once every slave fd is gone.
func (a *Adapter) pump(master *os.File, done chan<- struct{}) {
	defer close(done)
	readBuffer := make([]byte, readBufferSize)
	for {
		bytesRead, readErr := master.Read(readBuffer)
		if bytesRead > 0 {
			data := make([]byte, bytesRead)
			copy(data, readBuffer[:bytesRead])
			a.events <- backend.Event{
				Timestamp: a.clock.Now(),
				Type:      backend.EventTypeOutput,
				Output:    &backend.OutputEvent{Data: data},
			}
		}
		if readErr != nil {
			return
		}
	}
}

// wait reaps the child, unblocks Stop, shuts down the pump, and then
// emits the final exit event.
func (a *Adapter) wait(cmd *exec.Cmd, master *os.File, pumpDone <-chan struct{}) {
	waitErr := cmd.Wait()

	// The child is reaped. Release Stop before touching the events
	// channel so Stop cannot deadlock behind an undrained stream.
	close(a.exited)

	// The master read normally ends with EIO when the child's slave
	// fds close. Closing the master as well covers children that
	// leaked the slave fd to a surviving grandchild.
	master.Close()
	<-pumpDone

	exit := backend.ExitFrom(waitErr)
	a.config.Logger.Info("terminal backend exited",
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

// Write sends input bytes to the child through the PTY master. The
// line discipline applies echo and signal handling exactly as a real
// terminal would.
func (a *Adapter) Write(data []byte) error {
	a.mu.Lock()
	master := a.master
	started := a.started
	a.mu.Unlock()

	if !started {
		return errors.New("terminal backend not started")
	}
	if _, err := master.Write(data); err != nil {
		return fmt.Errorf("writing to pty: %w", err)
	}
	return nil
}

// Resize sets the PTY window size. The foreground process group
// receives SIGWINCH.
func (a *Adapter) Resize(rows, cols uint16) error {
	a.mu.Lock()
	master := a.master
	started := a.started
	a.mu.Unlock()

	if !started {
		return errors.New("terminal backend not started")
	}
	if err := setWindowSize(int(master.Fd()), rows, cols); err != nil {
		return fmt.Errorf("resizing pty: %w", err)
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

	// Setsid made the child a session and process group leader, so
	// the negative pid reaches the child and everything it spawned.
	// ESRCH means the group died between the check and the kill.
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

// childEnv builds the child environment: the daemon's own environment,
// profile overrides appended, and a TERM fallback for daemons running
// without one.
func childEnv(extra []string) []string {
	env := append(os.Environ(), extra...)
	for _, entry := range env {
		if strings.HasPrefix(entry, "TERM=") {
			return env
		}
	}
	return append(env, "TERM=xterm-256color")
}
