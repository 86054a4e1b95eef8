// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/strandhq/strand/lib/attach"
	"github.com/strandhq/strand/lib/codec"
)

const (
	// readTimeout bounds how long a client may take to send its
	// request. Attach connections get the deadline cleared once the
	// stream is established.
	readTimeout = 30 * time.Second

	// writeTimeout bounds each response or frame write. A client that
	// stops draining its stream is cut loose rather than wedging a
	// daemon goroutine.
	writeTimeout = 10 * time.Second

	// maxRequestSize caps a single control request.
	maxRequestSize = 1 << 20
)

// ActionFunc handles one control action. The raw bytes are the full
// CBOR request; handlers decode their own parameter struct from it.
// The returned value is marshaled into the response's data field.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// StreamFunc handles an action that upgrades the connection. The
// handler owns conn until it returns: it writes the acceptance frame
// itself and speaks the frame protocol from then on. The connection is
// closed after it returns.
type StreamFunc func(ctx context.Context, conn net.Conn, raw []byte)

// SocketServer serves the control protocol on a Unix socket: one CBOR
// request per connection, answered with one CBOR response, except for
// stream actions which hold the connection open and switch to frames.
type SocketServer struct {
	socketPath string
	logger     *slog.Logger
	actions    map[string]ActionFunc
	streams    map[string]StreamFunc

	activeConnections sync.WaitGroup
}

// NewSocketServer creates a server that will listen on socketPath.
func NewSocketServer(socketPath string, logger *slog.Logger) *SocketServer {
	return &SocketServer{
		socketPath: socketPath,
		logger:     logger,
		actions:    make(map[string]ActionFunc),
		streams:    make(map[string]StreamFunc),
	}
}

// Handle registers a one-shot action. Panics if the action name is
// already registered; registration is a startup-time wiring error, not
// a runtime condition.
func (s *SocketServer) Handle(action string, fn ActionFunc) {
	if _, ok := s.actions[action]; ok {
		panic(fmt.Sprintf("duplicate action handler: %s", action))
	}
	if _, ok := s.streams[action]; ok {
		panic(fmt.Sprintf("duplicate action handler: %s", action))
	}
	s.actions[action] = fn
}

// HandleStream registers a streaming action. Same duplicate rules as
// Handle.
func (s *SocketServer) HandleStream(action string, fn StreamFunc) {
	if _, ok := s.actions[action]; ok {
		panic(fmt.Sprintf("duplicate action handler: %s", action))
	}
	if _, ok := s.streams[action]; ok {
		panic(fmt.Sprintf("duplicate action handler: %s", action))
	}
	s.streams[action] = fn
}

// Serve listens on the socket and dispatches connections until ctx is
// canceled. It removes a stale socket file before binding and cleans
// the socket up on the way out. Returns once every in-flight
// connection has finished.
func (s *SocketServer) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(s.socketPath)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("control socket listening", "socket", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		s.activeConnections.Add(1)
		go s.handleConnection(ctx, conn)
	}

	s.logger.Info("control socket closed, draining connections")
	s.activeConnections.Wait()
	return nil
}

// handleConnection reads one request and dispatches it.
func (s *SocketServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.activeConnections.Done()
	defer conn.Close()

	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		s.logger.Warn("setting read deadline", "error", err)
		return
	}

	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.writeError(conn, fmt.Sprintf("decoding request: %v", err))
		return
	}

	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		s.writeError(conn, fmt.Sprintf("decoding request: %v", err))
		return
	}
	if header.Action == "" {
		s.writeError(conn, "missing required field: action")
		return
	}

	if stream, ok := s.streams[header.Action]; ok {
		stream(ctx, conn, raw)
		return
	}

	handler, ok := s.actions[header.Action]
	if !ok {
		s.writeError(conn, fmt.Sprintf("unknown action %q", header.Action))
		return
	}

	result, err := handler(ctx, raw)
	if err != nil {
		s.logger.Debug("action failed", "action", header.Action, "error", err)
		s.writeError(conn, err.Error())
		return
	}
	s.writeSuccess(conn, result)
}

func (s *SocketServer) writeError(conn net.Conn, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(attach.Response{Error: message}); err != nil {
		s.logger.Warn("writing error response", "error", err)
	}
}

func (s *SocketServer) writeSuccess(conn net.Conn, result any) {
	response := attach.Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeError(conn, fmt.Sprintf("encoding response: %v", err))
			return
		}
		response.Data = data
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Warn("writing response", "error", err)
	}
}
