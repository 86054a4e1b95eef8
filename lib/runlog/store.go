// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package runlog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/strandhq/strand/lib/clock"
	"github.com/strandhq/strand/lib/codec"
)

// DefaultCompressionThreshold is the payload size in bytes below which
// compression is not attempted.
const DefaultCompressionThreshold = 512

// Config holds the parameters for opening a Store. Path is required.
type Config struct {
	// Path is the SQLite database file. The parent directory must
	// exist; the file is created on first open.
	Path string

	// PoolSize is the number of pooled connections. Zero selects
	// max(NumCPU, 4). Writes serialize inside SQLite regardless, so
	// extra connections only help concurrent readers.
	PoolSize int

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger

	// Clock stamps rows when callers pass zero times. Nil means the
	// system clock.
	Clock clock.Clock

	// CompressionThreshold overrides DefaultCompressionThreshold when
	// positive.
	CompressionThreshold int
}

// Store persists run sessions and their append-only event logs. Safe
// for concurrent use.
type Store struct {
	pool      *connPool
	logger    *slog.Logger
	clock     clock.Clock
	threshold int
}

// Open opens the store, creating the database and schema if needed.
// Call Close when done.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	threshold := cfg.CompressionThreshold
	if threshold <= 0 {
		threshold = DefaultCompressionThreshold
	}

	pool, err := openPool(cfg.Path, cfg.PoolSize, logger)
	if err != nil {
		return nil, err
	}

	return &Store{
		pool:      pool,
		logger:    logger,
		clock:     clk,
		threshold: threshold,
	}, nil
}

// Close releases all database connections.
func (s *Store) Close() error {
	return s.pool.close()
}

// CreateSession inserts a new session row. The session must carry a
// RunID, a Kind, and a valid Status. Zero timestamps are stamped with
// the store clock.
func (s *Store) CreateSession(ctx context.Context, session Session) error {
	if session.RunID == "" {
		return fmt.Errorf("runlog: create session: run ID is required")
	}
	if session.Kind == "" {
		return fmt.Errorf("runlog: create session: kind is required")
	}
	if !session.Status.Valid() {
		return fmt.Errorf("runlog: create session %s: invalid status %q", session.RunID, session.Status)
	}

	now := s.clock.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}

	var metadata []byte
	if len(session.Metadata) > 0 {
		encoded, err := codec.Marshal(session.Metadata)
		if err != nil {
			return fmt.Errorf("runlog: encoding metadata for %s: %w", session.RunID, err)
		}
		metadata = encoded
	}

	conn, err := s.pool.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO sessions (run_id, kind, status, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				session.RunID,
				session.Kind,
				string(session.Status),
				metadata,
				session.CreatedAt.UnixMilli(),
				session.UpdatedAt.UnixMilli(),
			},
		})
	if err != nil {
		return fmt.Errorf("runlog: inserting session %s: %w", session.RunID, err)
	}

	s.logger.Debug("session row created", "run_id", session.RunID, "kind", session.Kind)
	return nil
}

// Session returns one session row, or ErrNotFound.
func (s *Store) Session(ctx context.Context, runID string) (Session, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return Session{}, err
	}
	defer s.pool.put(conn)

	return readSession(conn, runID)
}

// Sessions returns all session rows, oldest first.
func (s *Store) Sessions(ctx context.Context) ([]Session, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.put(conn)

	var sessions []Session
	var scanErr error
	err = sqlitex.Execute(conn,
		`SELECT run_id, kind, status, metadata, created_at, updated_at
		 FROM sessions ORDER BY created_at, run_id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				session, err := scanSession(stmt)
				if err != nil {
					scanErr = err
					return err
				}
				sessions = append(sessions, session)
				return nil
			},
		})
	if err != nil {
		if scanErr != nil {
			return nil, scanErr
		}
		return nil, fmt.Errorf("runlog: listing sessions: %w", err)
	}
	return sessions, nil
}

// SessionsByStatus returns all sessions currently in the given status,
// oldest first. Used by the startup recovery sweep.
func (s *Store) SessionsByStatus(ctx context.Context, status Status) ([]Session, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.put(conn)

	var sessions []Session
	var scanErr error
	err = sqlitex.Execute(conn,
		`SELECT run_id, kind, status, metadata, created_at, updated_at
		 FROM sessions WHERE status = ? ORDER BY created_at, run_id`,
		&sqlitex.ExecOptions{
			Args: []any{string(status)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				session, err := scanSession(stmt)
				if err != nil {
					scanErr = err
					return err
				}
				sessions = append(sessions, session)
				return nil
			},
		})
	if err != nil {
		if scanErr != nil {
			return nil, scanErr
		}
		return nil, fmt.Errorf("runlog: listing %s sessions: %w", status, err)
	}
	return sessions, nil
}

// UpdateStatus moves a session to a new lifecycle status, enforcing
// the forward-only rule. Returns ErrNotFound for unknown sessions and
// *TransitionError for moves the lifecycle forbids. A zero at is
// stamped with the store clock.
func (s *Store) UpdateStatus(ctx context.Context, runID string, to Status, at time.Time) (err error) {
	if !to.Valid() {
		return fmt.Errorf("runlog: update status %s: invalid status %q", runID, to)
	}
	if at.IsZero() {
		at = s.clock.Now()
	}

	conn, err := s.pool.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.put(conn)
	defer sqlitex.Save(conn)(&err)

	current, err := readSession(conn, runID)
	if err != nil {
		return err
	}
	if !CanTransition(current.Status, to) {
		return &TransitionError{RunID: runID, From: current.Status, To: to}
	}

	err = sqlitex.Execute(conn,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE run_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(to), at.UnixMilli(), runID},
		})
	if err != nil {
		return fmt.Errorf("runlog: updating status for %s: %w", runID, err)
	}

	s.logger.Debug("session status updated",
		"run_id", runID,
		"from", string(current.Status),
		"to", string(to),
	)
	return nil
}

// Touch advances a session's updated_at to at (or now), without
// changing status. Input and output activity call this so idle
// accounting reflects real use. Returns ErrNotFound for unknown
// sessions.
func (s *Store) Touch(ctx context.Context, runID string, at time.Time) error {
	if at.IsZero() {
		at = s.clock.Now()
	}

	conn, err := s.pool.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE sessions SET updated_at = max(updated_at, ?) WHERE run_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{at.UnixMilli(), runID},
		})
	if err != nil {
		return fmt.Errorf("runlog: touching session %s: %w", runID, err)
	}
	if conn.Changes() == 0 {
		return ErrNotFound
	}
	return nil
}

// Append adds one event to a session's log and returns it with its
// assigned sequence number. The row is committed before Append
// returns. Returns ErrNotFound when the session does not exist.
//
// The sequence number is assigned inside a single INSERT, so the log
// stays gapless even under concurrent appends to the same session.
func (s *Store) Append(ctx context.Context, runID, channel, eventType string, payload []byte, at time.Time) (Event, error) {
	if channel == "" {
		return Event{}, fmt.Errorf("runlog: append to %s: channel is required", runID)
	}
	if eventType == "" {
		return Event{}, fmt.Errorf("runlog: append to %s: event type is required", runID)
	}
	if at.IsZero() {
		at = s.clock.Now()
	}

	stored, err := encodePayload(payload, s.threshold, channel)
	if err != nil {
		return Event{}, fmt.Errorf("runlog: encoding payload for %s: %w", runID, err)
	}

	conn, err := s.pool.take(ctx)
	if err != nil {
		return Event{}, err
	}
	defer s.pool.put(conn)

	// Sessions are never deleted, so existence checked here still
	// holds when the INSERT runs.
	if _, err := readSession(conn, runID); err != nil {
		return Event{}, err
	}

	var seq uint64
	err = sqlitex.Execute(conn,
		`INSERT INTO session_events (run_id, seq, channel, type, payload, ts)
		 VALUES (?, (SELECT coalesce(max(seq), 0) + 1 FROM session_events WHERE run_id = ?), ?, ?, ?, ?)
		 RETURNING seq`,
		&sqlitex.ExecOptions{
			Args: []any{runID, runID, channel, eventType, stored, at.UnixMilli()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				seq = uint64(stmt.ColumnInt64(0))
				return nil
			},
		})
	if err != nil {
		return Event{}, fmt.Errorf("runlog: appending to %s: %w", runID, err)
	}

	return Event{
		RunID:   runID,
		Seq:     seq,
		Channel: channel,
		Type:    eventType,
		Payload: payload,
		Time:    at,
	}, nil
}

// Since streams a session's events with Seq > afterSeq, in order,
// calling fn once per event. A non-nil error from fn stops the scan
// and is returned. Returns ErrNotFound when the session does not
// exist; afterSeq at or past the latest event yields no calls and no
// error.
func (s *Store) Since(ctx context.Context, runID string, afterSeq uint64, fn func(Event) error) error {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.put(conn)

	if _, err := readSession(conn, runID); err != nil {
		return err
	}

	var fnErr error
	err = sqlitex.Execute(conn,
		`SELECT seq, channel, type, payload, ts
		 FROM session_events WHERE run_id = ? AND seq > ? ORDER BY seq`,
		&sqlitex.ExecOptions{
			Args: []any{runID, int64(afterSeq)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stored := make([]byte, stmt.ColumnLen(3))
				stmt.ColumnBytes(3, stored)
				payload, err := decodePayload(stored)
				if err != nil {
					fnErr = fmt.Errorf("runlog: decoding payload for %s seq %d: %w", runID, stmt.ColumnInt64(0), err)
					return fnErr
				}
				event := Event{
					RunID:   runID,
					Seq:     uint64(stmt.ColumnInt64(0)),
					Channel: stmt.ColumnText(1),
					Type:    stmt.ColumnText(2),
					Payload: payload,
					Time:    time.UnixMilli(stmt.ColumnInt64(4)),
				}
				if err := fn(event); err != nil {
					fnErr = err
					return err
				}
				return nil
			},
		})
	if err != nil {
		if fnErr != nil {
			return fnErr
		}
		return fmt.Errorf("runlog: scanning events for %s: %w", runID, err)
	}
	return nil
}

// LatestSeq returns the highest sequence number in a session's log, or
// 0 when the log is empty. Returns ErrNotFound when the session does
// not exist.
func (s *Store) LatestSeq(ctx context.Context, runID string) (uint64, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.put(conn)

	if _, err := readSession(conn, runID); err != nil {
		return 0, err
	}
	return latestSeq(conn, runID)
}

// latestSeq reads max(seq) on an already-borrowed connection.
func latestSeq(conn *sqlite.Conn, runID string) (uint64, error) {
	var seq uint64
	err := sqlitex.Execute(conn,
		`SELECT coalesce(max(seq), 0) FROM session_events WHERE run_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{runID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				seq = uint64(stmt.ColumnInt64(0))
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("runlog: reading latest seq for %s: %w", runID, err)
	}
	return seq, nil
}

// readSession fetches one session row on an already-borrowed
// connection.
func readSession(conn *sqlite.Conn, runID string) (Session, error) {
	var session Session
	var found bool
	var scanErr error
	err := sqlitex.Execute(conn,
		`SELECT run_id, kind, status, metadata, created_at, updated_at
		 FROM sessions WHERE run_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{runID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				parsed, err := scanSession(stmt)
				if err != nil {
					scanErr = err
					return err
				}
				session = parsed
				found = true
				return nil
			},
		})
	if err != nil {
		if scanErr != nil {
			return Session{}, scanErr
		}
		return Session{}, fmt.Errorf("runlog: reading session %s: %w", runID, err)
	}
	if !found {
		return Session{}, ErrNotFound
	}
	return session, nil
}

// scanSession decodes one sessions row from the standard column order:
// run_id, kind, status, metadata, created_at, updated_at.
func scanSession(stmt *sqlite.Stmt) (Session, error) {
	session := Session{
		RunID:     stmt.ColumnText(0),
		Kind:      stmt.ColumnText(1),
		Status:    Status(stmt.ColumnText(2)),
		CreatedAt: time.UnixMilli(stmt.ColumnInt64(4)),
		UpdatedAt: time.UnixMilli(stmt.ColumnInt64(5)),
	}
	if length := stmt.ColumnLen(3); length > 0 {
		encoded := make([]byte, length)
		stmt.ColumnBytes(3, encoded)
		if err := codec.Unmarshal(encoded, &session.Metadata); err != nil {
			return Session{}, fmt.Errorf("runlog: decoding metadata for %s: %w", session.RunID, err)
		}
	}
	return session, nil
}
