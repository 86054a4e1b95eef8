// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package terminal_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/strandhq/strand/lib/backend"
	"github.com/strandhq/strand/lib/backend/terminal"
)

// drainUntilExit consumes the event stream to completion and returns
// the concatenated output plus the final exit event. It fails the test
// if the stream violates the contract (output after exit, close
// without exit).
func drainUntilExit(t *testing.T, events <-chan backend.Event) ([]byte, *backend.ExitEvent) {
	t.Helper()
	var output []byte
	var exit *backend.ExitEvent
	deadline := time.After(10 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				if exit == nil {
					t.Fatal("events channel closed without an exit event")
				}
				return output, exit
			}
			switch event.Type {
			case backend.EventTypeOutput:
				if exit != nil {
					t.Fatal("output event delivered after the exit event")
				}
				output = append(output, event.Output.Data...)
			case backend.EventTypeExit:
				if exit != nil {
					t.Fatal("second exit event delivered")
				}
				exit = event.Exit
			default:
				t.Fatalf("unexpected event type %q", event.Type)
			}
		case <-deadline:
			t.Fatalf("timed out draining events; output so far: %q", output)
		}
	}
}

// waitForOutput consumes output events until want appears in the
// accumulated bytes.
func waitForOutput(t *testing.T, events <-chan backend.Event, want string) []byte {
	t.Helper()
	var output []byte
	deadline := time.After(10 * time.Second)
	for {
		if bytes.Contains(output, []byte(want)) {
			return output
		}
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatalf("events channel closed before output contained %q; got %q", want, output)
			}
			if event.Type == backend.EventTypeOutput {
				output = append(output, event.Output.Data...)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for output %q; got %q", want, output)
		}
	}
}

func TestEchoProducesOutput(t *testing.T) {
	t.Parallel()

	adapter := terminal.New(backend.Config{
		RunID:   "run-echo",
		Command: []string{"sh", "-c", "echo hi"},
	})
	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	output, exit := drainUntilExit(t, adapter.Events())
	if !bytes.Contains(output, []byte("hi")) {
		t.Errorf("output = %q, want it to contain %q", output, "hi")
	}
	if exit.Code != 0 || exit.Signal != "" {
		t.Errorf("exit = %+v, want clean code 0", exit)
	}
}

func TestExitCodePropagates(t *testing.T) {
	t.Parallel()

	adapter := terminal.New(backend.Config{
		Command: []string{"sh", "-c", "exit 3"},
	})
	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, exit := drainUntilExit(t, adapter.Events())
	if exit.Code != 3 {
		t.Errorf("exit code = %d, want 3", exit.Code)
	}
}

func TestWriteReachesChild(t *testing.T) {
	t.Parallel()

	adapter := terminal.New(backend.Config{
		Command:   []string{"cat"},
		StopGrace: 2 * time.Second,
	})
	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := adapter.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// The line discipline echoes the input and cat writes it back, so
	// "hello" must appear in the stream.
	waitForOutput(t, adapter.Events(), "hello")

	if err := adapter.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	_, exit := drainUntilExit(t, adapter.Events())
	if exit.Signal != "SIGTERM" {
		t.Errorf("exit signal = %q, want SIGTERM", exit.Signal)
	}
	if exit.Code != -1 {
		t.Errorf("exit code = %d, want -1 for signal death", exit.Code)
	}
}

func TestStopIdempotent(t *testing.T) {
	t.Parallel()

	adapter := terminal.New(backend.Config{
		Command:   []string{"sleep", "60"},
		StopGrace: 2 * time.Second,
	})
	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := adapter.Stop(context.Background()); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := adapter.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	_, exit := drainUntilExit(t, adapter.Events())
	if exit.Signal != "SIGTERM" {
		t.Errorf("exit signal = %q, want SIGTERM", exit.Signal)
	}

	// Stop after exit stays a no-op.
	if err := adapter.Stop(context.Background()); err != nil {
		t.Fatalf("Stop after exit: %v", err)
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	t.Parallel()

	grace := 200 * time.Millisecond
	adapter := terminal.New(backend.Config{
		Command:   []string{"sh", "-c", `trap "" TERM; while :; do sleep 1; done`},
		StopGrace: grace,
	})
	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	start := time.Now()
	if err := adapter.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed < grace {
		t.Errorf("Stop returned after %s, want at least the %s grace period", elapsed, grace)
	}

	_, exit := drainUntilExit(t, adapter.Events())
	if exit.Signal != "SIGKILL" {
		t.Errorf("exit signal = %q, want SIGKILL after escalation", exit.Signal)
	}
}

func TestInitialWindowSize(t *testing.T) {
	t.Parallel()

	adapter := terminal.New(backend.Config{
		Command:     []string{"sh", "-c", "stty size"},
		InitialRows: 31,
		InitialCols: 113,
	})
	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	output, exit := drainUntilExit(t, adapter.Events())
	if !bytes.Contains(output, []byte("31 113")) {
		t.Errorf("output = %q, want the 31x113 window size reported", output)
	}
	if exit.Code != 0 {
		t.Errorf("exit code = %d, want 0", exit.Code)
	}
}

func TestResize(t *testing.T) {
	t.Parallel()

	adapter := terminal.New(backend.Config{
		Command:   []string{"cat"},
		StopGrace: 2 * time.Second,
	})

	// Resize before Start is rejected.
	if err := adapter.Resize(50, 150); err == nil {
		t.Error("Resize before Start succeeded, want error")
	}

	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := adapter.Resize(50, 150); err != nil {
		t.Errorf("Resize: %v", err)
	}

	if err := adapter.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	drainUntilExit(t, adapter.Events())
}

func TestExtraEnvReachesChild(t *testing.T) {
	t.Parallel()

	adapter := terminal.New(backend.Config{
		Command:  []string{"sh", "-c", "echo value=$STRAND_ADAPTER_TEST"},
		ExtraEnv: []string{"STRAND_ADAPTER_TEST=plumbed"},
	})
	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	output, _ := drainUntilExit(t, adapter.Events())
	if !bytes.Contains(output, []byte("value=plumbed")) {
		t.Errorf("output = %q, want env var plumbed through", output)
	}
}

func TestStartMissingBinary(t *testing.T) {
	t.Parallel()

	adapter := terminal.New(backend.Config{
		Command: []string{"/nonexistent/strand-test-binary"},
	})
	err := adapter.Start(context.Background())
	if err == nil {
		t.Fatal("Start succeeded for a missing binary, want error")
	}
	var spawnErr *backend.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("Start error = %T (%v), want *backend.SpawnError", err, err)
	}
	if spawnErr.Kind != terminal.Kind {
		t.Errorf("SpawnError.Kind = %q, want %q", spawnErr.Kind, terminal.Kind)
	}
	if !strings.Contains(spawnErr.Error(), "terminal") {
		t.Errorf("Error() = %q, want kind named", spawnErr.Error())
	}
}

func TestEmptyCommandRejected(t *testing.T) {
	t.Parallel()

	adapter := terminal.New(backend.Config{})
	var spawnErr *backend.SpawnError
	if err := adapter.Start(context.Background()); !errors.As(err, &spawnErr) {
		t.Fatalf("Start error = %v, want *backend.SpawnError", err)
	}
}

func TestLifecycleGuards(t *testing.T) {
	t.Parallel()

	adapter := terminal.New(backend.Config{})
	if err := adapter.Write([]byte("x")); err == nil {
		t.Error("Write before Start succeeded, want error")
	}
	if err := adapter.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start = %v, want nil (idempotent no-op)", err)
	}
}
