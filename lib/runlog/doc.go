// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

// Package runlog is the durable record of run sessions and their event
// history, backed by SQLite.
//
// Two tables hold everything: sessions, one row per run session, and
// session_events, an append-only log keyed by (run_id, seq). Sequence
// numbers are assigned by the store, start at 1, and never have gaps, so
// any observer can resume from a cursor and name exactly which events it
// has seen. Events are never updated or deleted.
//
// Appends are committed before Append returns; an event that has been
// handed to an observer is already on disk. Large payloads are
// transparently compressed at rest (zstd for text-like data, LZ4 for
// mixed binary) and decompressed on read, so callers only ever see the
// original bytes.
//
// The package also writes self-verifying export bundles: a CBOR header,
// a zstd-compressed CBOR event stream, and a trailing BLAKE3 digest of
// the whole file.
package runlog
