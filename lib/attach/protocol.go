// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

// Package attach implements the wire protocol for streaming a run
// session's event log over the daemon's control socket, and the client
// side of the whole control protocol.
//
// Every control conversation starts the same way: the client sends one
// CBOR request carrying an "action" field, the daemon answers with one
// CBOR Response. For the attach action the conversation then upgrades:
// the same connection switches to framed binary messages, events
// flowing daemon to client and input flowing client to daemon, until
// either side ends it.
//
// The package is organized around that flow:
//
//   - protocol.go: frame format and the payloads riding in frames
//   - client.go: dialing, one-shot calls, and the attached stream
package attach

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/strandhq/strand/lib/codec"
	"github.com/strandhq/strand/lib/runlog"
)

// Frame type constants. Each frame is a 5-byte header (1 byte type +
// 4 byte big-endian payload length) followed by the payload. Types
// below 0x10 flow daemon to client, types from 0x10 flow client to
// daemon.
const (
	// FrameEvent carries one stored event, CBOR-encoded as WireEvent.
	// Events arrive in seq order with no gaps until a FrameGap or
	// FrameDone.
	FrameEvent byte = 0x01

	// FrameGap tells the client it fell behind and events were
	// dropped from its stream (never from the log). Payload is a CBOR
	// GapPayload naming the cursor to re-attach from. The daemon
	// closes the connection after sending it.
	FrameGap byte = 0x02

	// FrameDone ends a stream normally: the session reached a
	// terminal status, or a terminated session's backlog is complete.
	// Payload is a CBOR DonePayload. The daemon closes the connection
	// after sending it.
	FrameDone byte = 0x03

	// FrameAccept opens the stream: it carries the CBOR Response for
	// the attach request. Framing the response keeps the byte stream
	// unambiguous, because the daemon starts sending event frames
	// immediately after it, and a self-delimiting CBOR read could
	// otherwise buffer past the response into them.
	FrameAccept byte = 0x04

	// FrameInput carries input for the session's backend. Payload is
	// raw bytes, passed to the backend unmodified.
	FrameInput byte = 0x11

	// FrameResize carries new terminal dimensions. Payload is 4
	// bytes: columns (uint16 big-endian) then rows (uint16
	// big-endian).
	FrameResize byte = 0x12

	// FrameDetach asks the daemon to tear down this attachment. The
	// session keeps running; only the stream ends. Payload is empty.
	FrameDetach byte = 0x13
)

// frameHeaderLength is the fixed size of a frame header: 1 byte type
// + 4 bytes payload length.
const frameHeaderLength = 5

// maxFramePayload caps a single frame. Event payloads are bounded by
// the store's own limits well below this.
const maxFramePayload = 16 * 1024 * 1024

// Frame is a single protocol frame.
type Frame struct {
	Type    byte
	Payload []byte
}

// WriteFrame writes a framed message to w. The frame format is:
// [1 byte type] [4 bytes payload length, big-endian uint32] [payload].
func WriteFrame(w io.Writer, frame Frame) error {
	var header [frameHeaderLength]byte
	header[0] = frame.Type
	binary.BigEndian.PutUint32(header[1:5], uint32(len(frame.Payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if len(frame.Payload) > 0 {
		if _, err := w.Write(frame.Payload); err != nil {
			return fmt.Errorf("writing frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one framed message from r. Returns an error if the
// stream is malformed or the payload exceeds maxFramePayload.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("reading frame header: %w", err)
	}
	payloadLength := binary.BigEndian.Uint32(header[1:5])
	if payloadLength > maxFramePayload {
		return Frame{}, fmt.Errorf("frame payload of %d bytes exceeds the %d byte limit", payloadLength, maxFramePayload)
	}
	payload := make([]byte, payloadLength)
	if payloadLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("reading frame payload: %w", err)
		}
	}
	return Frame{Type: header[0], Payload: payload}, nil
}

// WireEvent is the CBOR form of one stored event as it crosses the
// attach stream. Timestamps travel as unix milliseconds, matching the
// store's precision.
type WireEvent struct {
	RunID   string `cbor:"run_id"`
	Seq     uint64 `cbor:"seq"`
	Channel string `cbor:"channel"`
	Type    string `cbor:"type"`
	Payload []byte `cbor:"payload"`
	Time    int64  `cbor:"ts"`
}

// ToEvent converts the wire form back to the storage model.
func (w WireEvent) ToEvent() runlog.Event {
	return runlog.Event{
		RunID:   w.RunID,
		Seq:     w.Seq,
		Channel: w.Channel,
		Type:    w.Type,
		Payload: w.Payload,
		Time:    time.UnixMilli(w.Time).UTC(),
	}
}

// NewEventFrame encodes one stored event as a FrameEvent.
func NewEventFrame(event runlog.Event) (Frame, error) {
	payload, err := codec.Marshal(WireEvent{
		RunID:   event.RunID,
		Seq:     event.Seq,
		Channel: event.Channel,
		Type:    event.Type,
		Payload: event.Payload,
		Time:    event.Time.UnixMilli(),
	})
	if err != nil {
		return Frame{}, fmt.Errorf("encoding event %d: %w", event.Seq, err)
	}
	return Frame{Type: FrameEvent, Payload: payload}, nil
}

// ParseEventPayload decodes a FrameEvent payload.
func ParseEventPayload(payload []byte) (WireEvent, error) {
	var event WireEvent
	if err := codec.Unmarshal(payload, &event); err != nil {
		return WireEvent{}, fmt.Errorf("decoding event frame: %w", err)
	}
	return event, nil
}

// GapPayload is the body of a FrameGap.
type GapPayload struct {
	// ResumeAfter is the last seq the stream delivered. Re-attaching
	// with this cursor recovers everything that was dropped.
	ResumeAfter uint64 `cbor:"resume_after"`
}

// NewGapFrame builds a FrameGap naming the resume cursor.
func NewGapFrame(resumeAfter uint64) (Frame, error) {
	payload, err := codec.Marshal(GapPayload{ResumeAfter: resumeAfter})
	if err != nil {
		return Frame{}, fmt.Errorf("encoding gap frame: %w", err)
	}
	return Frame{Type: FrameGap, Payload: payload}, nil
}

// ParseGapPayload decodes a FrameGap payload.
func ParseGapPayload(payload []byte) (GapPayload, error) {
	var gap GapPayload
	if err := codec.Unmarshal(payload, &gap); err != nil {
		return GapPayload{}, fmt.Errorf("decoding gap frame: %w", err)
	}
	return gap, nil
}

// DonePayload is the body of a FrameDone.
type DonePayload struct {
	// Status is the session's status when the stream ended.
	Status string `cbor:"status"`
}

// NewDoneFrame builds a FrameDone carrying the session's status.
func NewDoneFrame(status string) (Frame, error) {
	payload, err := codec.Marshal(DonePayload{Status: status})
	if err != nil {
		return Frame{}, fmt.Errorf("encoding done frame: %w", err)
	}
	return Frame{Type: FrameDone, Payload: payload}, nil
}

// ParseDonePayload decodes a FrameDone payload.
func ParseDonePayload(payload []byte) (DonePayload, error) {
	var done DonePayload
	if err := codec.Unmarshal(payload, &done); err != nil {
		return DonePayload{}, fmt.Errorf("decoding done frame: %w", err)
	}
	return done, nil
}

// NewInputFrame builds a FrameInput carrying raw input bytes.
func NewInputFrame(data []byte) Frame {
	return Frame{Type: FrameInput, Payload: data}
}

// NewResizeFrame builds a FrameResize with the given dimensions.
func NewResizeFrame(columns, rows uint16) Frame {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:2], columns)
	binary.BigEndian.PutUint16(payload[2:4], rows)
	return Frame{Type: FrameResize, Payload: payload}
}

// ParseResizePayload extracts columns and rows from a FrameResize
// payload. Returns an error if the payload is not exactly 4 bytes.
func ParseResizePayload(payload []byte) (columns, rows uint16, err error) {
	if len(payload) != 4 {
		return 0, 0, fmt.Errorf("resize payload must be 4 bytes, got %d", len(payload))
	}
	columns = binary.BigEndian.Uint16(payload[0:2])
	rows = binary.BigEndian.Uint16(payload[2:4])
	return columns, rows, nil
}

// NewDetachFrame builds an empty FrameDetach.
func NewDetachFrame() Frame {
	return Frame{Type: FrameDetach}
}

// Response is the CBOR envelope every control action answers with.
// For one-shot actions it is the whole conversation; for attach it
// precedes the frame stream.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// AttachAccept is the Data of a successful attach response, sent just
// before the connection switches to frames.
type AttachAccept struct {
	// RunID echoes the attached session.
	RunID string `cbor:"run_id"`

	// Status is the session's status at attach time.
	Status string `cbor:"status"`

	// Kind is the session's backend kind.
	Kind string `cbor:"kind"`
}
