// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package attach_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/strandhq/strand/lib/attach"
	"github.com/strandhq/strand/lib/codec"
	"github.com/strandhq/strand/lib/testutil"
)

const clientTestTimeout = 5 * time.Second

// fakeRequest covers the fields the tests send. The daemon side
// decodes requests the same way, one struct per action.
type fakeRequest struct {
	Action   string `cbor:"action"`
	RunID    string `cbor:"run_id"`
	AfterSeq uint64 `cbor:"after_seq"`
}

// startFakeDaemon listens on a fresh socket and runs handle on every
// accepted connection. Handlers run off the test goroutine, so they
// report through channels rather than failing the test directly.
func startFakeDaemon(t *testing.T, handle func(conn net.Conn)) string {
	t.Helper()

	path := filepath.Join(testutil.SocketDir(t), "strand.sock")
	listener, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listening on %s: %v", path, err)
	}
	t.Cleanup(func() {
		listener.Close()
	})

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				handle(conn)
			}()
		}
	}()
	return path
}

func respondOK(conn net.Conn, payload any) error {
	data, err := codec.Marshal(payload)
	if err != nil {
		return err
	}
	return codec.NewEncoder(conn).Encode(attach.Response{OK: true, Data: data})
}

func TestClientCall(t *testing.T) {
	t.Parallel()

	requests := make(chan fakeRequest, 1)
	path := startFakeDaemon(t, func(conn net.Conn) {
		var req fakeRequest
		if err := codec.NewDecoder(conn).Decode(&req); err != nil {
			return
		}
		requests <- req
		respondOK(conn, map[string]string{"status": "running"})
	})

	client := attach.NewClient(path)
	var result struct {
		Status string `cbor:"status"`
	}
	err := client.Call(context.Background(), "info", map[string]any{"run_id": "run-7"}, &result)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	req := testutil.RequireReceive(t, requests, clientTestTimeout, "request never arrived")
	if req.Action != "info" {
		t.Errorf("action = %q, want %q", req.Action, "info")
	}
	if req.RunID != "run-7" {
		t.Errorf("run_id = %q, want %q", req.RunID, "run-7")
	}
	if result.Status != "running" {
		t.Errorf("decoded status = %q, want %q", result.Status, "running")
	}
}

func TestClientCallNilFieldsAndResult(t *testing.T) {
	t.Parallel()

	requests := make(chan fakeRequest, 1)
	path := startFakeDaemon(t, func(conn net.Conn) {
		var req fakeRequest
		if err := codec.NewDecoder(conn).Decode(&req); err != nil {
			return
		}
		requests <- req
		codec.NewEncoder(conn).Encode(attach.Response{OK: true})
	})

	client := attach.NewClient(path)
	if err := client.Call(context.Background(), "list", nil, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}

	req := testutil.RequireReceive(t, requests, clientTestTimeout, "request never arrived")
	if req.Action != "list" {
		t.Errorf("action = %q, want %q", req.Action, "list")
	}
}

func TestClientCallDaemonError(t *testing.T) {
	t.Parallel()

	path := startFakeDaemon(t, func(conn net.Conn) {
		var req fakeRequest
		if err := codec.NewDecoder(conn).Decode(&req); err != nil {
			return
		}
		codec.NewEncoder(conn).Encode(attach.Response{OK: false, Error: "session run-9 not found"})
	})

	client := attach.NewClient(path)
	err := client.Call(context.Background(), "stop", map[string]any{"run_id": "run-9"}, nil)
	if err == nil {
		t.Fatal("Call succeeded, want daemon error")
	}

	var callErr *attach.CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("error type = %T, want *CallError", err)
	}
	if callErr.Action != "stop" {
		t.Errorf("Action = %q, want %q", callErr.Action, "stop")
	}
	if callErr.Message != "session run-9 not found" {
		t.Errorf("Message = %q, want the daemon's text", callErr.Message)
	}
}

func TestClientCallConnectFailure(t *testing.T) {
	t.Parallel()

	client := attach.NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	err := client.Call(context.Background(), "list", nil, nil)
	if err == nil {
		t.Fatal("Call succeeded against a missing socket")
	}
}

func TestClientAttachStreamsFrames(t *testing.T) {
	t.Parallel()

	requests := make(chan fakeRequest, 1)
	path := startFakeDaemon(t, func(conn net.Conn) {
		var req fakeRequest
		if err := codec.NewDecoder(conn).Decode(&req); err != nil {
			return
		}
		requests <- req

		acceptData, err := codec.Marshal(attach.AttachAccept{
			RunID:  req.RunID,
			Status: "running",
			Kind:   "terminal",
		})
		if err != nil {
			return
		}
		responseBytes, err := codec.Marshal(attach.Response{OK: true, Data: acceptData})
		if err != nil {
			return
		}
		if err := attach.WriteFrame(conn, attach.Frame{Type: attach.FrameAccept, Payload: responseBytes}); err != nil {
			return
		}

		for _, line := range []string{"one\r\n", "two\r\n"} {
			frame := attach.Frame{Type: attach.FrameEvent, Payload: []byte(line)}
			if err := attach.WriteFrame(conn, frame); err != nil {
				return
			}
		}
		done, err := attach.NewDoneFrame("stopped")
		if err != nil {
			return
		}
		attach.WriteFrame(conn, done)
	})

	client := attach.NewClient(path)
	stream, err := client.Attach(context.Background(), "run-3", 5)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer stream.Close()

	req := testutil.RequireReceive(t, requests, clientTestTimeout, "attach request never arrived")
	if req.Action != "attach" || req.RunID != "run-3" || req.AfterSeq != 5 {
		t.Errorf("request = %+v, want attach for run-3 after seq 5", req)
	}

	info := stream.Info()
	if info.RunID != "run-3" || info.Status != "running" || info.Kind != "terminal" {
		t.Errorf("Info = %+v, want run-3 running terminal", info)
	}

	for _, want := range []string{"one\r\n", "two\r\n"} {
		frame, err := stream.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if frame.Type != attach.FrameEvent {
			t.Fatalf("frame type = 0x%02x, want FrameEvent", frame.Type)
		}
		if !bytes.Equal(frame.Payload, []byte(want)) {
			t.Errorf("payload = %q, want %q", frame.Payload, want)
		}
	}

	frame, err := stream.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Type != attach.FrameDone {
		t.Fatalf("frame type = 0x%02x, want FrameDone", frame.Type)
	}
	status, err := attach.ParseDonePayload(frame.Payload)
	if err != nil {
		t.Fatalf("ParseDonePayload: %v", err)
	}
	if status.Status != "stopped" {
		t.Errorf("done status = %q, want %q", status.Status, "stopped")
	}

	if _, err := stream.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Errorf("read after done = %v, want io.EOF", err)
	}
}

func TestClientAttachRejected(t *testing.T) {
	t.Parallel()

	path := startFakeDaemon(t, func(conn net.Conn) {
		var req fakeRequest
		if err := codec.NewDecoder(conn).Decode(&req); err != nil {
			return
		}
		responseBytes, err := codec.Marshal(attach.Response{OK: false, Error: "session gone not found"})
		if err != nil {
			return
		}
		attach.WriteFrame(conn, attach.Frame{Type: attach.FrameAccept, Payload: responseBytes})
	})

	client := attach.NewClient(path)
	_, err := client.Attach(context.Background(), "gone", 0)
	if err == nil {
		t.Fatal("Attach succeeded, want rejection")
	}

	var callErr *attach.CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("error type = %T, want *CallError", err)
	}
	if callErr.Action != "attach" {
		t.Errorf("Action = %q, want %q", callErr.Action, "attach")
	}
}

func TestStreamSendsControlFrames(t *testing.T) {
	t.Parallel()

	received := make(chan attach.Frame, 8)
	path := startFakeDaemon(t, func(conn net.Conn) {
		var req fakeRequest
		if err := codec.NewDecoder(conn).Decode(&req); err != nil {
			return
		}
		responseBytes, err := codec.Marshal(attach.Response{OK: true})
		if err != nil {
			return
		}
		if err := attach.WriteFrame(conn, attach.Frame{Type: attach.FrameAccept, Payload: responseBytes}); err != nil {
			return
		}

		for {
			frame, err := attach.ReadFrame(conn)
			if err != nil {
				return
			}
			received <- frame
			if frame.Type == attach.FrameDetach {
				return
			}
		}
	})

	client := attach.NewClient(path)
	stream, err := client.Attach(context.Background(), "run-4", 0)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer stream.Close()

	if err := stream.SendInput([]byte("uptime\n")); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	if err := stream.SendResize(132, 43); err != nil {
		t.Fatalf("SendResize: %v", err)
	}
	if err := stream.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}

	input := testutil.RequireReceive(t, received, clientTestTimeout, "input frame never arrived")
	if input.Type != attach.FrameInput || !bytes.Equal(input.Payload, []byte("uptime\n")) {
		t.Errorf("input frame = {0x%02x, %q}, want input uptime", input.Type, input.Payload)
	}

	resize := testutil.RequireReceive(t, received, clientTestTimeout, "resize frame never arrived")
	if resize.Type != attach.FrameResize {
		t.Fatalf("frame type = 0x%02x, want FrameResize", resize.Type)
	}
	columns, rows, err := attach.ParseResizePayload(resize.Payload)
	if err != nil {
		t.Fatalf("ParseResizePayload: %v", err)
	}
	if columns != 132 || rows != 43 {
		t.Errorf("dimensions = %dx%d, want 132x43", columns, rows)
	}

	detach := testutil.RequireReceive(t, received, clientTestTimeout, "detach frame never arrived")
	if detach.Type != attach.FrameDetach {
		t.Errorf("frame type = 0x%02x, want FrameDetach", detach.Type)
	}
}

func TestStreamCloseUnblocksRead(t *testing.T) {
	t.Parallel()

	path := startFakeDaemon(t, func(conn net.Conn) {
		var req fakeRequest
		if err := codec.NewDecoder(conn).Decode(&req); err != nil {
			return
		}
		responseBytes, err := codec.Marshal(attach.Response{OK: true})
		if err != nil {
			return
		}
		if err := attach.WriteFrame(conn, attach.Frame{Type: attach.FrameAccept, Payload: responseBytes}); err != nil {
			return
		}
		// Hold the connection open without sending anything.
		buf := make([]byte, 1)
		conn.Read(buf)
	})

	client := attach.NewClient(path)
	stream, err := client.Attach(context.Background(), "run-5", 0)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	readErr := make(chan error, 1)
	go func() {
		_, err := stream.ReadFrame()
		readErr <- err
	}()

	// Give the reader a moment to block before pulling the rug.
	time.Sleep(20 * time.Millisecond)
	if err := stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := testutil.RequireReceive(t, readErr, clientTestTimeout, "read never unblocked"); err == nil {
		t.Error("read returned nil after Close, want error")
	}
}
