// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package runlog

// schemaDDL creates the two tables on first open. Every statement is
// idempotent so the script can run on each pooled connection.
//
// session_events is WITHOUT ROWID: the (run_id, seq) primary key
// clusters a session's log contiguously, which makes cursor scans
// (seq > ?) sequential reads.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS sessions (
    run_id     TEXT PRIMARY KEY,
    kind       TEXT NOT NULL,
    status     TEXT NOT NULL,
    metadata   BLOB,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS sessions_by_status ON sessions (status);

CREATE TABLE IF NOT EXISTS session_events (
    run_id  TEXT    NOT NULL REFERENCES sessions (run_id),
    seq     INTEGER NOT NULL,
    channel TEXT    NOT NULL,
    type    TEXT    NOT NULL,
    payload BLOB    NOT NULL,
    ts      INTEGER NOT NULL,
    PRIMARY KEY (run_id, seq)
) WITHOUT ROWID;
`
