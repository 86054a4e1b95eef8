// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package runlog

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// connPool is a fixed-size pool of SQLite connections with the
// standard pragmas applied. It wraps sqlitex.Pool with the Take/Put
// discipline: each goroutine borrows a connection and returns it when
// done; individual connections are not safe for concurrent use.
type connPool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// openPool opens the database file (creating it if absent) and
// prepares every connection with pragmas plus the schema. Connections
// initialize lazily on first take.
func openPool(path string, size int, logger *slog.Logger) (*connPool, error) {
	if path == "" {
		return nil, fmt.Errorf("runlog: database path is required")
	}

	if size <= 0 {
		size = runtime.NumCPU()
		if size < 4 {
			size = 4
		}
	}

	inner, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("runlog: opening %s: %w", path, err)
	}

	logger.Info("event store opened", "path", path, "pool_size", size)

	return &connPool{inner: inner, logger: logger, path: path}, nil
}

// take borrows a connection. Blocks until one is free or ctx is
// cancelled. Pair every take with a put, usually via defer.
func (p *connPool) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("runlog: take connection: %w", err)
	}
	return conn, nil
}

// put returns a borrowed connection. Safe to call with nil.
func (p *connPool) put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

// close closes all connections, blocking until borrowed ones come back.
func (p *connPool) close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("event store close failed", "path", p.path, "error", err)
		return fmt.Errorf("runlog: closing %s: %w", p.path, err)
	}
	p.logger.Info("event store closed", "path", p.path)
	return nil
}

// prepareConnection applies pragmas and ensures the schema. Runs once
// per pooled connection, on first use.
func prepareConnection(conn *sqlite.Conn) error {
	// WAL gives concurrent readers against a single writer.
	// foreign_keys is on so session_events rows cannot outlive (or
	// precede) their session row.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA cache_size=-8192",
		"PRAGMA mmap_size=268435456",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("runlog: %s: %w", pragma, err)
		}
	}

	if err := sqlitex.ExecuteScript(conn, schemaDDL, nil); err != nil {
		return fmt.Errorf("runlog: preparing schema: %w", err)
	}
	return nil
}
