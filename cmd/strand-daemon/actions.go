// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/strandhq/strand/lib/attach"
	"github.com/strandhq/strand/lib/clock"
	"github.com/strandhq/strand/lib/codec"
	"github.com/strandhq/strand/lib/session"
)

// Daemon binds the control socket actions to the session engine.
type Daemon struct {
	engine *session.Engine
	logger *slog.Logger
	clock  clock.Clock
}

// registerActions wires every control action into the server.
func (d *Daemon) registerActions(server *SocketServer) {
	server.Handle("create", d.handleCreate)
	server.Handle("list", d.handleList)
	server.Handle("info", d.handleInfo)
	server.Handle("input", d.handleInput)
	server.Handle("operation", d.handleOperation)
	server.Handle("stop", d.handleStop)
	server.Handle("export", d.handleExport)
	server.HandleStream("attach", d.handleAttach)
}

type createRequest struct {
	Kind             string         `cbor:"kind"`
	Profile          string         `cbor:"profile"`
	WorkingDirectory string         `cbor:"working_directory"`
	Metadata         map[string]any `cbor:"metadata"`
}

type createResponse struct {
	RunID string `cbor:"run_id"`
}

// runRequest is the parameter shape shared by actions that address one
// session.
type runRequest struct {
	RunID string `cbor:"run_id"`
}

type inputRequest struct {
	RunID string `cbor:"run_id"`
	Data  []byte `cbor:"data"`
}

type operationRequest struct {
	RunID string `cbor:"run_id"`
	Name  string `cbor:"name"`
	Rows  uint16 `cbor:"rows"`
	Cols  uint16 `cbor:"cols"`
}

type attachRequest struct {
	RunID    string `cbor:"run_id"`
	AfterSeq uint64 `cbor:"after_seq"`
}

// wireSession is the session row as the control protocol reports it.
// Timestamps travel as unix milliseconds.
type wireSession struct {
	RunID        string         `cbor:"run_id"`
	Kind         string         `cbor:"kind"`
	Status       string         `cbor:"status"`
	Metadata     map[string]any `cbor:"metadata,omitempty"`
	CreatedAt    int64          `cbor:"created_at"`
	UpdatedAt    int64          `cbor:"updated_at"`
	Live         bool           `cbor:"live"`
	LastActivity int64          `cbor:"last_activity"`
	LastSeq      uint64         `cbor:"last_seq"`
	Observers    int            `cbor:"observers"`
}

type listResponse struct {
	Sessions []wireSession `cbor:"sessions"`
}

type exportResponse struct {
	RunID  string `cbor:"run_id"`
	Events uint64 `cbor:"events"`
	Bundle []byte `cbor:"bundle"`
}

func wireFromInfo(info session.SessionInfo) wireSession {
	return wireSession{
		RunID:        info.RunID,
		Kind:         info.Kind,
		Status:       string(info.Status),
		Metadata:     info.Metadata,
		CreatedAt:    info.CreatedAt.UnixMilli(),
		UpdatedAt:    info.UpdatedAt.UnixMilli(),
		Live:         info.Live,
		LastActivity: info.LastActivity.UnixMilli(),
		LastSeq:      info.LastSeq,
		Observers:    info.Observers,
	}
}

func (d *Daemon) handleCreate(ctx context.Context, raw []byte) (any, error) {
	var req createRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding create request: %w", err)
	}
	runID, err := d.engine.CreateSession(ctx, session.CreateRequest{
		Kind:             req.Kind,
		Profile:          req.Profile,
		WorkingDirectory: req.WorkingDirectory,
		Metadata:         req.Metadata,
	})
	if err != nil {
		return nil, err
	}
	return createResponse{RunID: runID}, nil
}

func (d *Daemon) handleList(ctx context.Context, raw []byte) (any, error) {
	infos, err := d.engine.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	out := listResponse{Sessions: make([]wireSession, 0, len(infos))}
	for _, info := range infos {
		out.Sessions = append(out.Sessions, wireFromInfo(info))
	}
	return out, nil
}

func (d *Daemon) handleInfo(ctx context.Context, raw []byte) (any, error) {
	var req runRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding info request: %w", err)
	}
	info, err := d.engine.SessionInfo(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	return wireFromInfo(info), nil
}

func (d *Daemon) handleInput(ctx context.Context, raw []byte) (any, error) {
	var req inputRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding input request: %w", err)
	}
	if err := d.engine.SendInput(ctx, req.RunID, req.Data); err != nil {
		return nil, err
	}
	return nil, nil
}

func (d *Daemon) handleOperation(ctx context.Context, raw []byte) (any, error) {
	var req operationRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding operation request: %w", err)
	}
	op := session.Operation{Name: req.Name, Rows: req.Rows, Cols: req.Cols}
	if err := d.engine.SessionOperation(ctx, req.RunID, op); err != nil {
		return nil, err
	}
	return nil, nil
}

func (d *Daemon) handleStop(ctx context.Context, raw []byte) (any, error) {
	var req runRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding stop request: %w", err)
	}
	if err := d.engine.StopSession(ctx, req.RunID); err != nil {
		return nil, err
	}
	return nil, nil
}

func (d *Daemon) handleExport(ctx context.Context, raw []byte) (any, error) {
	var req runRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding export request: %w", err)
	}
	var bundle bytes.Buffer
	count, err := d.engine.Export(ctx, req.RunID, &bundle)
	if err != nil {
		return nil, err
	}
	return exportResponse{RunID: req.RunID, Events: count, Bundle: bundle.Bytes()}, nil
}

// handleAttach upgrades the connection: after the framed acceptance,
// stored events flow out as frames while input, resize, and detach
// frames flow in. The stream ends with a gap frame (observer fell
// behind), a done frame (session reached a terminal status, or a
// terminated session's backlog is complete), or the connection simply
// closing (daemon shutdown, client detach).
func (d *Daemon) handleAttach(ctx context.Context, conn net.Conn, raw []byte) {
	var req attachRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		d.refuseAttach(conn, fmt.Sprintf("decoding attach request: %v", err))
		return
	}

	attachment, err := d.engine.Attach(ctx, req.RunID, req.AfterSeq)
	if err != nil {
		d.refuseAttach(conn, err.Error())
		return
	}
	defer attachment.Detach()

	info, err := d.engine.SessionInfo(ctx, req.RunID)
	if err != nil {
		d.refuseAttach(conn, err.Error())
		return
	}

	accept, err := codec.Marshal(attach.AttachAccept{
		RunID:  req.RunID,
		Status: string(info.Status),
		Kind:   info.Kind,
	})
	if err != nil {
		d.refuseAttach(conn, fmt.Sprintf("encoding acceptance: %v", err))
		return
	}
	response, err := codec.Marshal(attach.Response{OK: true, Data: accept})
	if err != nil {
		d.refuseAttach(conn, fmt.Sprintf("encoding acceptance: %v", err))
		return
	}
	if err := d.writeStreamFrame(conn, attach.Frame{Type: attach.FrameAccept, Payload: response}); err != nil {
		return
	}

	// The request phase is over; an attached client may stay silent
	// for hours.
	conn.SetReadDeadline(time.Time{})

	go d.readControlFrames(ctx, conn, req.RunID, attachment)

	d.logger.Debug("observer attached", "run_id", req.RunID, "after_seq", req.AfterSeq)

	lastSeq := req.AfterSeq
	for {
		select {
		case event, ok := <-attachment.Events():
			if !ok {
				d.finishStream(ctx, conn, req.RunID, attachment, lastSeq)
				return
			}
			frame, err := attach.NewEventFrame(event)
			if err != nil {
				d.logger.Warn("encoding event frame", "run_id", req.RunID, "seq", event.Seq, "error", err)
				return
			}
			if err := d.writeStreamFrame(conn, frame); err != nil {
				d.logger.Debug("observer write failed", "run_id", req.RunID, "error", err)
				return
			}
			lastSeq = event.Seq
		case <-ctx.Done():
			return
		}
	}
}

// finishStream sends the trailing frame once the event channel has
// closed: a gap marker when the observer was cut loose for falling
// behind, otherwise a done marker carrying the session's status.
func (d *Daemon) finishStream(ctx context.Context, conn net.Conn, runID string, attachment *session.Attachment, lastSeq uint64) {
	if attachment.Gapped() {
		d.logger.Info("observer gapped", "run_id", runID, "resume_after", lastSeq)
		frame, err := attach.NewGapFrame(lastSeq)
		if err != nil {
			d.logger.Warn("encoding gap frame", "run_id", runID, "error", err)
			return
		}
		d.writeStreamFrame(conn, frame)
		return
	}

	status := ""
	if info, err := d.engine.SessionInfo(ctx, runID); err == nil {
		status = string(info.Status)
	}
	frame, err := attach.NewDoneFrame(status)
	if err != nil {
		d.logger.Warn("encoding done frame", "run_id", runID, "error", err)
		return
	}
	d.writeStreamFrame(conn, frame)
}

// readControlFrames consumes the client-to-daemon side of an attach
// stream until the client detaches, the connection drops, or a frame
// is malformed. It always detaches the attachment on the way out,
// which in turn closes the event channel and ends the write side.
func (d *Daemon) readControlFrames(ctx context.Context, conn net.Conn, runID string, attachment *session.Attachment) {
	defer attachment.Detach()
	for {
		frame, err := attach.ReadFrame(conn)
		if err != nil {
			return
		}
		switch frame.Type {
		case attach.FrameInput:
			if err := d.engine.SendInput(ctx, runID, frame.Payload); err != nil {
				d.logger.Debug("attached input rejected", "run_id", runID, "error", err)
			}
		case attach.FrameResize:
			columns, rows, err := attach.ParseResizePayload(frame.Payload)
			if err != nil {
				d.logger.Debug("malformed resize frame", "run_id", runID, "error", err)
				continue
			}
			op := session.Operation{Name: session.OpResize, Rows: rows, Cols: columns}
			if err := d.engine.SessionOperation(ctx, runID, op); err != nil {
				d.logger.Debug("attached resize rejected", "run_id", runID, "error", err)
			}
		case attach.FrameDetach:
			d.logger.Debug("observer detached", "run_id", runID)
			return
		default:
			d.logger.Debug("unknown client frame", "run_id", runID, "frame_type", frame.Type)
		}
	}
}

// refuseAttach answers a failed attach with a framed error response so
// the client's frame reader sees a well-formed acceptance either way.
func (d *Daemon) refuseAttach(conn net.Conn, message string) {
	payload, err := codec.Marshal(attach.Response{Error: message})
	if err != nil {
		d.logger.Warn("encoding attach refusal", "error", err)
		return
	}
	d.writeStreamFrame(conn, attach.Frame{Type: attach.FrameAccept, Payload: payload})
}

func (d *Daemon) writeStreamFrame(conn net.Conn, frame attach.Frame) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return attach.WriteFrame(conn, frame)
}

// idleLoop periodically reports live sessions that have gone quiet.
// The same numbers back the list action's idle column; the log line is
// for operators tailing the daemon.
func (d *Daemon) idleLoop(ctx context.Context, interval time.Duration) {
	ticker := d.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.logIdleSessions(ctx, interval)
		}
	}
}

func (d *Daemon) logIdleSessions(ctx context.Context, threshold time.Duration) {
	infos, err := d.engine.Sessions(ctx)
	if err != nil {
		d.logger.Warn("idle sweep failed", "error", err)
		return
	}
	now := d.clock.Now()
	for _, info := range infos {
		if !info.Live {
			continue
		}
		idle := now.Sub(info.LastActivity)
		if idle < threshold {
			continue
		}
		d.logger.Info("session idle",
			"run_id", info.RunID,
			"kind", info.Kind,
			"idle", idle.Round(time.Second).String(),
			"observers", info.Observers)
	}
}
