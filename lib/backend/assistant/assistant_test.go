// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package assistant

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/strandhq/strand/lib/backend"
	"github.com/strandhq/strand/lib/clock"
)

// shellScript builds a command that runs script under sh.
func shellScript(script string) []string {
	return []string{"sh", "-c", script}
}

// awaitEvent consumes the stream until match returns true, failing on
// close or timeout. Skipped events are returned alongside the match.
func awaitEvent(t *testing.T, events <-chan backend.Event, what string, match func(backend.Event) bool) (backend.Event, []backend.Event) {
	t.Helper()
	var skipped []backend.Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatalf("events channel closed while waiting for %s; saw %d events", what, len(skipped))
			}
			if match(event) {
				return event, skipped
			}
			skipped = append(skipped, event)
		case <-deadline:
			t.Fatalf("timed out waiting for %s; saw %d events", what, len(skipped))
		}
	}
}

func awaitAuthState(t *testing.T, events <-chan backend.Event, state backend.AuthState) backend.AuthEvent {
	t.Helper()
	event, _ := awaitEvent(t, events, "auth state "+string(state), func(event backend.Event) bool {
		return event.Type == backend.EventTypeAuth && event.Auth.State == state
	})
	return *event.Auth
}

func awaitDelta(t *testing.T, events <-chan backend.Event, substring string) string {
	t.Helper()
	event, _ := awaitEvent(t, events, "delta containing "+substring, func(event backend.Event) bool {
		return event.Type == backend.EventTypeDelta && strings.Contains(event.Delta.Line, substring)
	})
	return event.Delta.Line
}

// drainToClose consumes the remaining stream and returns everything up
// to and including the exit event, asserting the exit-last contract.
func drainToClose(t *testing.T, events <-chan backend.Event) ([]backend.Event, *backend.ExitEvent) {
	t.Helper()
	var drained []backend.Event
	var exit *backend.ExitEvent
	deadline := time.After(10 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				if exit == nil {
					t.Fatal("events channel closed without an exit event")
				}
				return drained, exit
			}
			if exit != nil {
				t.Fatalf("event %+v delivered after the exit event", event)
			}
			if event.Type == backend.EventTypeExit {
				exit = event.Exit
			} else {
				drained = append(drained, event)
			}
		case <-deadline:
			t.Fatal("timed out draining events to close")
		}
	}
}

func TestDeltaStream(t *testing.T) {
	t.Parallel()

	adapter := New(backend.Config{
		RunID:   "run-delta",
		Command: shellScript("echo one; echo two"),
	})
	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	drained, exit := drainToClose(t, adapter.Events())
	var lines []string
	for _, event := range drained {
		if event.Type == backend.EventTypeDelta {
			lines = append(lines, event.Delta.Line)
		}
	}
	if len(lines) != 2 || lines[0] != "one" || lines[1] != "two" {
		t.Errorf("delta lines = %v, want [one two]", lines)
	}
	if exit.Code != 0 {
		t.Errorf("exit code = %d, want 0", exit.Code)
	}
}

func TestStderrMergedIntoStream(t *testing.T) {
	t.Parallel()

	adapter := New(backend.Config{
		Command: shellScript("echo out-line; echo err-line >&2"),
	})
	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	drained, _ := drainToClose(t, adapter.Events())
	var all []string
	for _, event := range drained {
		if event.Type == backend.EventTypeDelta {
			all = append(all, event.Delta.Line)
		}
	}
	joined := strings.Join(all, "\n")
	if !strings.Contains(joined, "out-line") || !strings.Contains(joined, "err-line") {
		t.Errorf("deltas = %v, want both stdout and stderr lines", all)
	}
}

func TestAnsiStripped(t *testing.T) {
	t.Parallel()

	adapter := New(backend.Config{
		Command: shellScript(`printf '\033[31mRED\033[0m text\n'`),
	})
	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	line := awaitDelta(t, adapter.Events(), "RED")
	if line != "RED text" {
		t.Errorf("delta = %q, want escape sequences stripped", line)
	}
	drainToClose(t, adapter.Events())
}

func TestAuthFlow(t *testing.T) {
	t.Parallel()

	adapter := New(backend.Config{
		RunID: "run-auth",
		Command: shellScript(`
			echo "Visit this URL to sign in: https://auth.example/device"
			read code
			echo "code=$code"
			echo "Signed in as dev@example.com"
		`),
		Auth: &backend.AuthConfig{
			URLMarker:     "Visit this URL to sign in:",
			SuccessMarker: "Signed in as",
			FailureMarker: "Sign-in failed",
		},
	})
	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	auth := awaitAuthState(t, adapter.Events(), backend.AuthAwaitingCode)
	if auth.URL != "https://auth.example/device" {
		t.Errorf("URL = %q, want the device URL", auth.URL)
	}
	if got := adapter.AuthState(); got != backend.AuthAwaitingCode {
		t.Errorf("AuthState = %q, want awaiting_code", got)
	}

	// Submitting the confirmation code is a plain input write.
	if err := adapter.Write([]byte("424242\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	awaitDelta(t, adapter.Events(), "code=424242")

	done := awaitAuthState(t, adapter.Events(), backend.AuthComplete)
	if done.Err != nil {
		t.Errorf("complete event Err = %v, want nil", done.Err)
	}

	_, exit := drainToClose(t, adapter.Events())
	if exit.Code != 0 {
		t.Errorf("exit code = %d, want 0", exit.Code)
	}
	if got := adapter.AuthState(); got != backend.AuthComplete {
		t.Errorf("AuthState after exit = %q, want complete preserved", got)
	}
}

func TestAuthRejection(t *testing.T) {
	t.Parallel()

	adapter := New(backend.Config{
		Command: shellScript(`echo "Sign-in failed: account suspended"`),
		Auth: &backend.AuthConfig{
			URLMarker:     "Visit this URL to sign in:",
			SuccessMarker: "Signed in as",
			FailureMarker: "Sign-in failed",
		},
	})
	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	auth := awaitAuthState(t, adapter.Events(), backend.AuthFailed)
	var rejected *backend.AuthRejectedError
	if !errors.As(auth.Err, &rejected) {
		t.Fatalf("Err = %v (%T), want *backend.AuthRejectedError", auth.Err, auth.Err)
	}
	drainToClose(t, adapter.Events())
}

func TestAuthTimeoutWithFakeClock(t *testing.T) {
	t.Parallel()

	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	adapter := New(backend.Config{
		Command: shellScript("echo started; sleep 30"),
		Clock:   clk,
		Auth: &backend.AuthConfig{
			URLMarker:     "Visit this URL to sign in:",
			SuccessMarker: "Signed in as",
			Timeout:       10 * time.Minute,
		},
	})
	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	awaitDelta(t, adapter.Events(), "started")

	clk.WaitForTimers(1)
	clk.Advance(10 * time.Minute)

	auth := awaitAuthState(t, adapter.Events(), backend.AuthFailed)
	var timeout *backend.AuthTimeoutError
	if !errors.As(auth.Err, &timeout) {
		t.Fatalf("Err = %v (%T), want *backend.AuthTimeoutError", auth.Err, auth.Err)
	}
	if timeout.Elapsed != 10*time.Minute {
		t.Errorf("Elapsed = %s, want 10m", timeout.Elapsed)
	}

	if err := adapter.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	drainToClose(t, adapter.Events())
}

// TestIndependentHandshakes runs two adapters against one fake clock:
// the first completes its handshake, then the clock advances past the
// timeout. Only the second adapter's handshake may fail.
func TestIndependentHandshakes(t *testing.T) {
	t.Parallel()

	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	markers := backend.AuthConfig{
		URLMarker:     "Visit this URL to sign in:",
		SuccessMarker: "Signed in as",
		Timeout:       10 * time.Minute,
	}

	first := New(backend.Config{
		RunID:   "run-first",
		Command: shellScript(`echo "Signed in as a@example.com"; sleep 30`),
		Clock:   clk,
		Auth:    &markers,
	})
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start first: %v", err)
	}
	awaitAuthState(t, first.Events(), backend.AuthComplete)

	second := New(backend.Config{
		RunID:   "run-second",
		Command: shellScript("echo waiting; sleep 30"),
		Clock:   clk,
		Auth:    &markers,
	})
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("Start second: %v", err)
	}
	awaitDelta(t, second.Events(), "waiting")

	// The first adapter's timer was disarmed on completion, so only
	// the second registers as pending.
	clk.WaitForTimers(1)
	clk.Advance(10 * time.Minute)

	auth := awaitAuthState(t, second.Events(), backend.AuthFailed)
	var timeout *backend.AuthTimeoutError
	if !errors.As(auth.Err, &timeout) {
		t.Fatalf("second handshake Err = %v, want *backend.AuthTimeoutError", auth.Err)
	}
	if got := first.AuthState(); got != backend.AuthComplete {
		t.Errorf("first AuthState = %q, want complete untouched by the advance", got)
	}

	for _, adapter := range []*Adapter{first, second} {
		if err := adapter.Stop(context.Background()); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	}
	firstRemainder, _ := drainToClose(t, first.Events())
	for _, event := range firstRemainder {
		if event.Type == backend.EventTypeAuth {
			t.Errorf("first adapter emitted auth event after completion: %+v", event.Auth)
		}
	}
	drainToClose(t, second.Events())
}

func TestNoAuthConfigStaysIdle(t *testing.T) {
	t.Parallel()

	adapter := New(backend.Config{
		Command: shellScript("echo plain"),
	})
	if got := adapter.AuthState(); got != backend.AuthIdle {
		t.Errorf("AuthState = %q, want idle", got)
	}
	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	drained, _ := drainToClose(t, adapter.Events())
	for _, event := range drained {
		if event.Type == backend.EventTypeAuth {
			t.Errorf("auth event emitted without auth config: %+v", event.Auth)
		}
	}
	if got := adapter.AuthState(); got != backend.AuthIdle {
		t.Errorf("AuthState after exit = %q, want idle", got)
	}
}

func TestStopIdempotent(t *testing.T) {
	t.Parallel()

	adapter := New(backend.Config{
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

	_, exit := drainToClose(t, adapter.Events())
	if exit.Signal != "SIGTERM" {
		t.Errorf("exit signal = %q, want SIGTERM", exit.Signal)
	}
}

func TestSpawnFailure(t *testing.T) {
	t.Parallel()

	adapter := New(backend.Config{
		Command: []string{"/nonexistent/strand-assistant"},
	})
	err := adapter.Start(context.Background())
	var spawnErr *backend.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("Start error = %v (%T), want *backend.SpawnError", err, err)
	}
	if spawnErr.Kind != Kind {
		t.Errorf("Kind = %q, want %q", spawnErr.Kind, Kind)
	}
}

func TestWriteBeforeStart(t *testing.T) {
	t.Parallel()

	adapter := New(backend.Config{})
	if err := adapter.Write([]byte("x")); err == nil {
		t.Error("Write before Start succeeded, want error")
	}
	if err := adapter.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start = %v, want nil", err)
	}
}
