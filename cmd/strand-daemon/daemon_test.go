// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/strandhq/strand/lib/attach"
	"github.com/strandhq/strand/lib/backend"
	"github.com/strandhq/strand/lib/backend/profile"
	"github.com/strandhq/strand/lib/clock"
	"github.com/strandhq/strand/lib/runlog"
	"github.com/strandhq/strand/lib/session"
	"github.com/strandhq/strand/lib/testutil"
)

var daemonEpoch = time.Date(2026, 4, 2, 7, 30, 0, 0, time.UTC)

const daemonTestTimeout = 5 * time.Second

// scriptAdapter is a scriptable backend for socket-level tests: the
// test feeds it events and records what the daemon asked of it. The
// stream ends with exactly one exit event, then closes.
type scriptAdapter struct {
	events chan backend.Event
	clock  clock.Clock

	mu      sync.Mutex
	started bool
	exited  bool
	writes  [][]byte
	resizes [][2]uint16
}

func newScriptAdapter(c clock.Clock) *scriptAdapter {
	return &scriptAdapter{
		events: make(chan backend.Event, 64),
		clock:  c,
	}
}

func (a *scriptAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = true
	return nil
}

func (a *scriptAdapter) Write(data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.writes = append(a.writes, bytes.Clone(data))
	return nil
}

func (a *scriptAdapter) Stop(ctx context.Context) error {
	a.exit(backend.ExitEvent{Code: -1, Signal: "SIGTERM"})
	return nil
}

func (a *scriptAdapter) Resize(rows, cols uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resizes = append(a.resizes, [2]uint16{rows, cols})
	return nil
}

func (a *scriptAdapter) Events() <-chan backend.Event {
	return a.events
}

func (a *scriptAdapter) exit(exit backend.ExitEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started || a.exited {
		return
	}
	a.exited = true
	a.events <- backend.Event{Timestamp: a.clock.Now(), Type: backend.EventTypeExit, Exit: &exit}
	close(a.events)
}

func (a *scriptAdapter) emitOutput(data string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.exited {
		return
	}
	a.events <- backend.Event{
		Timestamp: a.clock.Now(),
		Type:      backend.EventTypeOutput,
		Output:    &backend.OutputEvent{Data: []byte(data)},
	}
}

func (a *scriptAdapter) recordedWrites() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]byte(nil), a.writes...)
}

func (a *scriptAdapter) recordedResizes() [][2]uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][2]uint16(nil), a.resizes...)
}

// daemonHarness runs a full daemon (engine, store, socket server) and
// a client against a real Unix socket. Each test gets its own.
type daemonHarness struct {
	t      *testing.T
	client *attach.Client
	clock  *clock.FakeClock

	mu       sync.Mutex
	adapters []*scriptAdapter
}

func startDaemon(t *testing.T) *daemonHarness {
	t.Helper()

	fakeClock := clock.Fake(daemonEpoch)
	store, err := runlog.Open(runlog.Config{
		Path:     filepath.Join(t.TempDir(), "sessions.db"),
		PoolSize: 4,
		Clock:    fakeClock,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	h := &daemonHarness{t: t, clock: fakeClock}

	registry := session.NewRegistry()
	registry.Register("scripted", func(config backend.Config) (backend.Adapter, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		adapter := newScriptAdapter(fakeClock)
		h.adapters = append(h.adapters, adapter)
		return adapter, nil
	})

	engine, err := session.New(session.Options{
		Store:    store,
		Registry: registry,
		Profiles: map[string]*profile.Profile{
			"scripted": {Name: "scripted", Kind: "scripted", Command: []string{"/bin/true"}},
		},
		Clock:     fakeClock,
		StopGrace: time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	logger := slog.New(slog.DiscardHandler)
	daemon := &Daemon{engine: engine, logger: logger, clock: fakeClock}

	socketPath := filepath.Join(testutil.SocketDir(t), "strand.sock")
	server := NewSocketServer(socketPath, logger)
	daemon.registerActions(server)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, served, daemonTestTimeout, "waiting for Serve to return"); err != nil {
			t.Errorf("Serve: %v", err)
		}
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), daemonTestTimeout)
		defer cancelShutdown()
		if err := engine.Shutdown(shutdownCtx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	waitForSocket(t, socketPath)
	h.client = attach.NewClient(socketPath)
	return h
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(daemonTestTimeout)
	for {
		if _, err := os.Stat(path); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("socket %s never appeared", path)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// create starts a scripted session over the socket and returns its run
// ID and the adapter behind it.
func (h *daemonHarness) create(t *testing.T) (string, *scriptAdapter) {
	t.Helper()
	var res createResponse
	if err := h.client.Call(context.Background(), "create", map[string]any{"kind": "scripted"}, &res); err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.RunID == "" {
		t.Fatal("create returned an empty run id")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return res.RunID, h.adapters[len(h.adapters)-1]
}

// info fetches one session row over the socket.
func (h *daemonHarness) info(t *testing.T, runID string) wireSession {
	t.Helper()
	var res wireSession
	if err := h.client.Call(context.Background(), "info", map[string]any{"run_id": runID}, &res); err != nil {
		t.Fatalf("info: %v", err)
	}
	return res
}

// waitFor polls check until it passes or the deadline expires.
func waitFor(t *testing.T, what string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(daemonTestTimeout)
	for {
		if check() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// streamFrames pumps a stream's frames onto a channel, closing it when
// the stream ends.
func streamFrames(stream *attach.Stream) <-chan attach.Frame {
	frames := make(chan attach.Frame, 64)
	go func() {
		defer close(frames)
		for {
			frame, err := stream.ReadFrame()
			if err != nil {
				return
			}
			frames <- frame
		}
	}()
	return frames
}

func TestDaemonCreateInfoListStop(t *testing.T) {
	t.Parallel()
	h := startDaemon(t)

	runID, _ := h.create(t)

	info := h.info(t, runID)
	if info.Status != string(runlog.StatusRunning) {
		t.Fatalf("status = %q, want %q", info.Status, runlog.StatusRunning)
	}
	if info.Kind != "scripted" {
		t.Errorf("kind = %q, want %q", info.Kind, "scripted")
	}
	if !info.Live {
		t.Error("info reports the session as not live")
	}
	if info.CreatedAt != daemonEpoch.UnixMilli() {
		t.Errorf("created_at = %d, want %d", info.CreatedAt, daemonEpoch.UnixMilli())
	}
	// Creation appends the running status event, so the cursor is 1.
	if info.LastSeq != 1 {
		t.Errorf("last_seq = %d, want 1", info.LastSeq)
	}

	var list listResponse
	if err := h.client.Call(context.Background(), "list", nil, &list); err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Sessions) != 1 {
		t.Fatalf("list returned %d sessions, want 1", len(list.Sessions))
	}
	if list.Sessions[0].RunID != runID {
		t.Errorf("list run_id = %q, want %q", list.Sessions[0].RunID, runID)
	}

	if err := h.client.Call(context.Background(), "stop", map[string]any{"run_id": runID}, nil); err != nil {
		t.Fatalf("stop: %v", err)
	}
	info = h.info(t, runID)
	if info.Status != string(runlog.StatusStopped) {
		t.Errorf("status after stop = %q, want %q", info.Status, runlog.StatusStopped)
	}
	if info.Live {
		t.Error("stopped session still reports live")
	}
	if info.LastSeq != 2 {
		t.Errorf("last_seq after stop = %d, want 2", info.LastSeq)
	}

	// Stopping again is a no-op, not an error.
	if err := h.client.Call(context.Background(), "stop", map[string]any{"run_id": runID}, nil); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestDaemonCreateUnknownKind(t *testing.T) {
	t.Parallel()
	h := startDaemon(t)

	err := h.client.Call(context.Background(), "create", map[string]any{"kind": "warp"}, nil)
	var callErr *attach.CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("create error = %v, want *attach.CallError", err)
	}
	if !strings.Contains(callErr.Message, "no profile configured") {
		t.Errorf("error message = %q, want a profile complaint", callErr.Message)
	}
}

func TestDaemonInputReachesBackend(t *testing.T) {
	t.Parallel()
	h := startDaemon(t)

	runID, adapter := h.create(t)

	input := []byte("uptime\n")
	if err := h.client.Call(context.Background(), "input", map[string]any{"run_id": runID, "data": input}, nil); err != nil {
		t.Fatalf("input: %v", err)
	}

	writes := adapter.recordedWrites()
	if len(writes) != 1 || !bytes.Equal(writes[0], input) {
		t.Fatalf("backend writes = %q, want [%q]", writes, input)
	}

	if err := h.client.Call(context.Background(), "stop", map[string]any{"run_id": runID}, nil); err != nil {
		t.Fatalf("stop: %v", err)
	}
	err := h.client.Call(context.Background(), "input", map[string]any{"run_id": runID, "data": input}, nil)
	var callErr *attach.CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("input after stop = %v, want *attach.CallError", err)
	}
	if !strings.Contains(callErr.Message, "not running") {
		t.Errorf("error message = %q, want a not-running complaint", callErr.Message)
	}
}

func TestDaemonAttachStreamsEvents(t *testing.T) {
	t.Parallel()
	h := startDaemon(t)

	runID, adapter := h.create(t)
	adapter.emitOutput("one\r\n")

	stream, err := h.client.Attach(context.Background(), runID, 0)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer stream.Close()
	if stream.Info().Kind != "scripted" {
		t.Errorf("accept kind = %q, want %q", stream.Info().Kind, "scripted")
	}

	frames := streamFrames(stream)
	adapter.emitOutput("two\r\n")

	if err := h.client.Call(context.Background(), "stop", map[string]any{"run_id": runID}, nil); err != nil {
		t.Fatalf("stop: %v", err)
	}

	var events []attach.WireEvent
	var done attach.DonePayload
	for {
		frame := testutil.RequireReceive(t, frames, daemonTestTimeout, "waiting for stream frame")
		if frame.Type == attach.FrameDone {
			payload, err := attach.ParseDonePayload(frame.Payload)
			if err != nil {
				t.Fatalf("ParseDonePayload: %v", err)
			}
			done = payload
			break
		}
		if frame.Type != attach.FrameEvent {
			t.Fatalf("unexpected frame type 0x%02x", frame.Type)
		}
		event, err := attach.ParseEventPayload(frame.Payload)
		if err != nil {
			t.Fatalf("ParseEventPayload: %v", err)
		}
		events = append(events, event)
	}

	if done.Status != string(runlog.StatusStopped) {
		t.Errorf("done status = %q, want %q", done.Status, runlog.StatusStopped)
	}
	for i, event := range events {
		if event.RunID != runID {
			t.Errorf("event %d run_id = %q, want %q", i, event.RunID, runID)
		}
		if event.Seq != uint64(i+1) {
			t.Fatalf("event %d has seq %d, want %d (gapless from 1)", i, event.Seq, i+1)
		}
	}

	var outputs []string
	for _, event := range events {
		if event.Channel == session.ChannelStdout {
			outputs = append(outputs, string(event.Payload))
		}
	}
	if len(outputs) != 2 || outputs[0] != "one\r\n" || outputs[1] != "two\r\n" {
		t.Errorf("stdout payloads = %q, want [%q %q]", outputs, "one\r\n", "two\r\n")
	}

	first, last := events[0], events[len(events)-1]
	if first.Channel != session.ChannelStatus {
		t.Errorf("first event channel = %q, want %q", first.Channel, session.ChannelStatus)
	}
	if last.Channel != session.ChannelStatus {
		t.Errorf("last event channel = %q, want %q", last.Channel, session.ChannelStatus)
	}
}

func TestDaemonReattachFromCursor(t *testing.T) {
	t.Parallel()
	h := startDaemon(t)

	runID, adapter := h.create(t)
	adapter.emitOutput("one\r\n")

	stream, err := h.client.Attach(context.Background(), runID, 0)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	frames := streamFrames(stream)

	var lastSeq uint64
	for {
		frame := testutil.RequireReceive(t, frames, daemonTestTimeout, "waiting for first stream")
		if frame.Type != attach.FrameEvent {
			t.Fatalf("unexpected frame type 0x%02x", frame.Type)
		}
		event, err := attach.ParseEventPayload(frame.Payload)
		if err != nil {
			t.Fatalf("ParseEventPayload: %v", err)
		}
		lastSeq = event.Seq
		if event.Channel == session.ChannelStdout && string(event.Payload) == "one\r\n" {
			break
		}
	}
	stream.Close()

	adapter.emitOutput("two\r\n")

	resumed, err := h.client.Attach(context.Background(), runID, lastSeq)
	if err != nil {
		t.Fatalf("re-Attach: %v", err)
	}
	defer resumed.Close()
	resumedFrames := streamFrames(resumed)

	frame := testutil.RequireReceive(t, resumedFrames, daemonTestTimeout, "waiting for resumed stream")
	if frame.Type != attach.FrameEvent {
		t.Fatalf("unexpected frame type 0x%02x", frame.Type)
	}
	event, err := attach.ParseEventPayload(frame.Payload)
	if err != nil {
		t.Fatalf("ParseEventPayload: %v", err)
	}
	if event.Seq != lastSeq+1 {
		t.Errorf("resumed stream starts at seq %d, want %d (no gap, no duplicate)", event.Seq, lastSeq+1)
	}
	if event.Channel != session.ChannelStdout || string(event.Payload) != "two\r\n" {
		t.Errorf("resumed event = %s %q, want %s %q", event.Channel, event.Payload, session.ChannelStdout, "two\r\n")
	}
}

func TestDaemonAttachUnknownRun(t *testing.T) {
	t.Parallel()
	h := startDaemon(t)

	_, err := h.client.Attach(context.Background(), "b2aa1f27-5c55-4707-9e3b-2d23a1f5c7a4", 0)
	var callErr *attach.CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("Attach error = %v, want *attach.CallError", err)
	}
	if !strings.Contains(callErr.Message, "not found") {
		t.Errorf("error message = %q, want a not-found complaint", callErr.Message)
	}
}

func TestDaemonAttachRejectsFutureCursor(t *testing.T) {
	t.Parallel()
	h := startDaemon(t)

	runID, _ := h.create(t)

	_, err := h.client.Attach(context.Background(), runID, 999)
	var callErr *attach.CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("Attach error = %v, want *attach.CallError", err)
	}
	if !strings.Contains(callErr.Message, "past the newest event") {
		t.Errorf("error message = %q, want a cursor complaint", callErr.Message)
	}
}

func TestDaemonAttachControlFrames(t *testing.T) {
	t.Parallel()
	h := startDaemon(t)

	runID, adapter := h.create(t)

	stream, err := h.client.Attach(context.Background(), runID, 0)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer stream.Close()

	if err := stream.SendInput([]byte("date\n")); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	waitFor(t, "input to reach the backend", func() bool {
		writes := adapter.recordedWrites()
		return len(writes) == 1 && bytes.Equal(writes[0], []byte("date\n"))
	})

	if err := stream.SendResize(132, 43); err != nil {
		t.Fatalf("SendResize: %v", err)
	}
	waitFor(t, "resize to reach the backend", func() bool {
		resizes := adapter.recordedResizes()
		return len(resizes) == 1 && resizes[0] == [2]uint16{43, 132}
	})

	if err := stream.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	waitFor(t, "observer count to drop", func() bool {
		return h.info(t, runID).Observers == 0
	})

	// Detach ends the stream, never the session.
	if got := h.info(t, runID).Status; got != string(runlog.StatusRunning) {
		t.Errorf("status after detach = %q, want %q", got, runlog.StatusRunning)
	}
}

func TestDaemonExportBundle(t *testing.T) {
	t.Parallel()
	h := startDaemon(t)

	runID, adapter := h.create(t)
	if err := h.client.Call(context.Background(), "input", map[string]any{"run_id": runID, "data": []byte("hi\n")}, nil); err != nil {
		t.Fatalf("input: %v", err)
	}
	adapter.emitOutput("hi\r\n")
	if err := h.client.Call(context.Background(), "stop", map[string]any{"run_id": runID}, nil); err != nil {
		t.Fatalf("stop: %v", err)
	}

	var res exportResponse
	if err := h.client.Call(context.Background(), "export", map[string]any{"run_id": runID}, &res); err != nil {
		t.Fatalf("export: %v", err)
	}
	if res.RunID != runID {
		t.Errorf("export run_id = %q, want %q", res.RunID, runID)
	}

	bundle, err := runlog.ReadExport(bytes.NewReader(res.Bundle))
	if err != nil {
		t.Fatalf("ReadExport: %v", err)
	}
	if bundle.Session.RunID != runID {
		t.Errorf("bundle run_id = %q, want %q", bundle.Session.RunID, runID)
	}
	if bundle.Session.Status != runlog.StatusStopped {
		t.Errorf("bundle status = %q, want %q", bundle.Session.Status, runlog.StatusStopped)
	}
	if res.Events != bundle.EventCount {
		t.Errorf("export reported %d events, bundle has %d", res.Events, bundle.EventCount)
	}

	var sawInput, sawOutput bool
	for _, event := range bundle.Events {
		switch {
		case event.Channel == session.ChannelInput && string(event.Payload) == "hi\n":
			sawInput = true
		case event.Channel == session.ChannelStdout && string(event.Payload) == "hi\r\n":
			sawOutput = true
		}
	}
	if !sawInput || !sawOutput {
		t.Errorf("bundle missing records: input=%v output=%v", sawInput, sawOutput)
	}
}

func TestDaemonUnknownAction(t *testing.T) {
	t.Parallel()
	h := startDaemon(t)

	err := h.client.Call(context.Background(), "warp", nil, nil)
	var callErr *attach.CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("error = %v, want *attach.CallError", err)
	}
	if !strings.Contains(callErr.Message, "unknown action") {
		t.Errorf("error message = %q, want an unknown-action complaint", callErr.Message)
	}
}

func TestDaemonStopUnknownRun(t *testing.T) {
	t.Parallel()
	h := startDaemon(t)

	err := h.client.Call(context.Background(), "stop", map[string]any{"run_id": "f6b84c6e-9ad1-43a6-8e12-64c3f3c1a111"}, nil)
	var callErr *attach.CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("error = %v, want *attach.CallError", err)
	}
	if !strings.Contains(callErr.Message, "not found") {
		t.Errorf("error message = %q, want a not-found complaint", callErr.Message)
	}
}
