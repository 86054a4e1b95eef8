// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package runlog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/strandhq/strand/lib/codec"
)

// exportMagic opens every export bundle. The trailing digit is the
// format version gate: readers reject anything else.
const exportMagic = "STRANDX1"

// exportDigestSize is the length of the trailing BLAKE3 digest.
const exportDigestSize = 32

// ErrCorruptExport is returned when a bundle's digest does not match
// its contents.
var ErrCorruptExport = errors.New("runlog: export bundle digest mismatch")

// ExportBundle is a decoded export: the session row as it stood at
// export time plus its full event log.
type ExportBundle struct {
	Session    Session
	EventCount uint64
	ExportedAt time.Time
	Events     []Event
}

// exportHeader is the bundle's CBOR header, written uncompressed so a
// reader can identify a bundle without inflating it.
type exportHeader struct {
	Version    int           `cbor:"version"`
	Session    exportSession `cbor:"session"`
	EventCount uint64        `cbor:"event_count"`
	ExportedAt int64         `cbor:"exported_at"`
}

// exportSession is the wire form of a session row.
type exportSession struct {
	RunID     string         `cbor:"run_id"`
	Kind      string         `cbor:"kind"`
	Status    string         `cbor:"status"`
	Metadata  map[string]any `cbor:"metadata,omitempty"`
	CreatedAt int64          `cbor:"created_at"`
	UpdatedAt int64          `cbor:"updated_at"`
}

// exportEvent is the wire form of one event record.
type exportEvent struct {
	Seq     uint64 `cbor:"seq"`
	Channel string `cbor:"channel"`
	Type    string `cbor:"type"`
	Payload []byte `cbor:"payload"`
	Time    int64  `cbor:"ts"`
}

// errStopScan ends an event scan early without reporting failure.
var errStopScan = errors.New("stop scan")

// WriteExport writes a self-verifying bundle of one session to w:
// magic, CBOR header, zstd-compressed CBOR event stream, and a BLAKE3
// digest of all preceding bytes. Events are streamed straight from the
// store, so memory use is independent of log size.
//
// The bundle covers the log up to the latest sequence at the time of
// the call; events appended during the export are not included.
func (s *Store) WriteExport(ctx context.Context, runID string, w io.Writer) (uint64, error) {
	session, err := s.Session(ctx, runID)
	if err != nil {
		return 0, err
	}
	// The log is gapless, so the latest sequence is also the count.
	latest, err := s.LatestSeq(ctx, runID)
	if err != nil {
		return 0, err
	}

	hasher := blake3.New()
	sealed := io.MultiWriter(w, hasher)

	if _, err := io.WriteString(sealed, exportMagic); err != nil {
		return 0, fmt.Errorf("runlog: writing export magic: %w", err)
	}

	header := exportHeader{
		Version:    1,
		Session:    sessionToWire(session),
		EventCount: latest,
		ExportedAt: s.clock.Now().UnixMilli(),
	}
	if err := codec.NewEncoder(sealed).Encode(header); err != nil {
		return 0, fmt.Errorf("runlog: writing export header: %w", err)
	}

	compressor, err := zstd.NewWriter(sealed, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, fmt.Errorf("runlog: creating export compressor: %w", err)
	}
	encoder := codec.NewEncoder(compressor)

	err = s.Since(ctx, runID, 0, func(event Event) error {
		if event.Seq > latest {
			return errStopScan
		}
		wire := exportEvent{
			Seq:     event.Seq,
			Channel: event.Channel,
			Type:    event.Type,
			Payload: event.Payload,
			Time:    event.Time.UnixMilli(),
		}
		if err := encoder.Encode(wire); err != nil {
			return fmt.Errorf("encoding event %d: %w", event.Seq, err)
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		compressor.Close()
		return 0, fmt.Errorf("runlog: exporting %s: %w", runID, err)
	}
	if err := compressor.Close(); err != nil {
		return 0, fmt.Errorf("runlog: finishing export compression: %w", err)
	}

	if _, err := w.Write(hasher.Sum(nil)); err != nil {
		return 0, fmt.Errorf("runlog: writing export digest: %w", err)
	}

	s.logger.Info("session exported", "run_id", runID, "events", latest)
	return latest, nil
}

// ReadExport parses and verifies a bundle produced by WriteExport.
// The digest is checked before anything is decoded; a mismatch returns
// ErrCorruptExport.
func ReadExport(r io.Reader) (ExportBundle, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return ExportBundle{}, fmt.Errorf("runlog: reading export bundle: %w", err)
	}
	if len(raw) < len(exportMagic)+exportDigestSize {
		return ExportBundle{}, fmt.Errorf("runlog: export bundle of %d bytes is truncated", len(raw))
	}

	body := raw[:len(raw)-exportDigestSize]
	digest := raw[len(raw)-exportDigestSize:]
	computed := blake3.Sum256(body)
	if !bytes.Equal(computed[:], digest) {
		return ExportBundle{}, ErrCorruptExport
	}

	if string(body[:len(exportMagic)]) != exportMagic {
		return ExportBundle{}, fmt.Errorf("runlog: not an export bundle (bad magic %q)", body[:len(exportMagic)])
	}

	headerReader := bytes.NewReader(body[len(exportMagic):])
	headerDecoder := codec.NewDecoder(headerReader)
	var header exportHeader
	if err := headerDecoder.Decode(&header); err != nil {
		return ExportBundle{}, fmt.Errorf("runlog: decoding export header: %w", err)
	}
	if header.Version != 1 {
		return ExportBundle{}, fmt.Errorf("runlog: unsupported export version %d", header.Version)
	}

	compressedOffset := len(exportMagic) + headerDecoder.NumBytesRead()
	decompressor, err := zstd.NewReader(bytes.NewReader(body[compressedOffset:]))
	if err != nil {
		return ExportBundle{}, fmt.Errorf("runlog: opening export event stream: %w", err)
	}
	defer decompressor.Close()

	bundle := ExportBundle{
		Session:    sessionFromWire(header.Session),
		EventCount: header.EventCount,
		ExportedAt: time.UnixMilli(header.ExportedAt),
	}

	eventDecoder := codec.NewDecoder(decompressor)
	for {
		var wire exportEvent
		if err := eventDecoder.Decode(&wire); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return ExportBundle{}, fmt.Errorf("runlog: decoding export event: %w", err)
		}
		bundle.Events = append(bundle.Events, Event{
			RunID:   bundle.Session.RunID,
			Seq:     wire.Seq,
			Channel: wire.Channel,
			Type:    wire.Type,
			Payload: wire.Payload,
			Time:    time.UnixMilli(wire.Time),
		})
	}

	if got := uint64(len(bundle.Events)); got != bundle.EventCount {
		return ExportBundle{}, fmt.Errorf("runlog: export bundle has %d events, header says %d", got, bundle.EventCount)
	}
	return bundle, nil
}

func sessionToWire(session Session) exportSession {
	return exportSession{
		RunID:     session.RunID,
		Kind:      session.Kind,
		Status:    string(session.Status),
		Metadata:  session.Metadata,
		CreatedAt: session.CreatedAt.UnixMilli(),
		UpdatedAt: session.UpdatedAt.UnixMilli(),
	}
}

func sessionFromWire(wire exportSession) Session {
	return Session{
		RunID:     wire.RunID,
		Kind:      wire.Kind,
		Status:    Status(wire.Status),
		Metadata:  wire.Metadata,
		CreatedAt: time.UnixMilli(wire.CreatedAt),
		UpdatedAt: time.UnixMilli(wire.UpdatedAt),
	}
}
