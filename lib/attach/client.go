// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package attach

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/strandhq/strand/lib/codec"
)

// dialTimeout is the maximum time to wait for a connection to the
// daemon socket. Separate from the server's read and write timeouts;
// it covers only the connect phase.
const dialTimeout = 5 * time.Second

// responseReadTimeout is how long the client waits for the daemon's
// response after writing a request.
const responseReadTimeout = 45 * time.Second

// maxResponseSize caps a one-shot CBOR response. Matches the server's
// request cap for symmetry.
const maxResponseSize = 1024 * 1024

// CallError is returned when the daemon answers ok=false. It carries
// the daemon's error message and the action that failed.
type CallError struct {
	Action  string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("daemon error on %q: %s", e.Action, e.Message)
}

// Client speaks the control protocol to a Strand daemon socket. Each
// Call opens a new connection, matching the server's one-request-per-
// connection model; Attach opens a connection that lives as long as
// the stream.
type Client struct {
	socketPath string
}

// NewClient returns a client for the daemon socket at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Call performs one request-response action. The fields map is the
// request body; the action field is injected. A non-nil result
// receives the decoded response data.
func (c *Client) Call(ctx context.Context, action string, fields map[string]any, result any) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("calling %q on %s: %w", action, c.socketPath, err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(buildRequest(action, fields)); err != nil {
		return fmt.Errorf("writing %q request: %w", action, err)
	}
	// Half-close so the server's read side sees EOF cleanly. CBOR is
	// self-delimiting, so this is a courtesy, not a requirement.
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	conn.SetReadDeadline(time.Now().Add(responseReadTimeout))
	var response Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&response); err != nil {
		return fmt.Errorf("reading %q response: %w", action, err)
	}

	if !response.OK {
		return &CallError{Action: action, Message: response.Error}
	}
	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding %q response data: %w", action, err)
		}
	}
	return nil
}

// Attach opens an event stream for a session starting after the given
// cursor. On success the returned Stream owns the connection; close
// it when done.
func (c *Client) Attach(ctx context.Context, runID string, afterSeq uint64) (*Stream, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("attaching to %s: %w", runID, err)
	}

	request := buildRequest("attach", map[string]any{
		"run_id":    runID,
		"after_seq": afterSeq,
	})
	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		conn.Close()
		return nil, fmt.Errorf("writing attach request: %w", err)
	}

	// The response arrives framed, because event frames follow it on
	// the same connection with no boundary in between.
	conn.SetReadDeadline(time.Now().Add(responseReadTimeout))
	frame, err := ReadFrame(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading attach response: %w", err)
	}
	if frame.Type != FrameAccept {
		conn.Close()
		return nil, fmt.Errorf("attach response has frame type 0x%02x, want accept", frame.Type)
	}
	var response Response
	if err := codec.Unmarshal(frame.Payload, &response); err != nil {
		conn.Close()
		return nil, fmt.Errorf("decoding attach response: %w", err)
	}
	if !response.OK {
		conn.Close()
		return nil, &CallError{Action: "attach", Message: response.Error}
	}

	var accept AttachAccept
	if len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, &accept); err != nil {
			conn.Close()
			return nil, fmt.Errorf("decoding attach acceptance: %w", err)
		}
	}

	// The stream has no overall deadline; reads block until the
	// daemon sends something or the stream is closed.
	conn.SetReadDeadline(time.Time{})
	return &Stream{conn: conn, accept: accept}, nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	return conn, nil
}

// buildRequest constructs the request map: the caller's fields plus
// the action.
func buildRequest(action string, fields map[string]any) map[string]any {
	request := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		request[key] = value
	}
	request["action"] = action
	return request
}

// Stream is one attached connection: framed events flowing in, input
// flowing out. Reads and writes may run concurrently; writes are also
// safe from multiple goroutines.
type Stream struct {
	conn   net.Conn
	accept AttachAccept

	writeMu sync.Mutex
}

// Info returns the daemon's acceptance record for this attachment.
func (s *Stream) Info() AttachAccept {
	return s.accept
}

// ReadFrame returns the next frame from the daemon: FrameEvent,
// FrameGap, or FrameDone. After FrameGap or FrameDone the daemon
// closes the connection and further reads fail.
func (s *Stream) ReadFrame() (Frame, error) {
	return ReadFrame(s.conn)
}

// SendInput forwards input bytes to the session's backend.
func (s *Stream) SendInput(data []byte) error {
	return s.writeFrame(NewInputFrame(data))
}

// SendResize forwards new terminal dimensions to the session.
func (s *Stream) SendResize(columns, rows uint16) error {
	return s.writeFrame(NewResizeFrame(columns, rows))
}

// Detach asks the daemon to end this attachment. The session keeps
// running. The daemon answers by closing the stream, so a reader
// sees EOF shortly after.
func (s *Stream) Detach() error {
	return s.writeFrame(NewDetachFrame())
}

// Close tears the connection down, unblocking any in-flight read.
func (s *Stream) Close() error {
	return s.conn.Close()
}

func (s *Stream) writeFrame(frame Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return WriteFrame(s.conn, frame)
}
