// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

// Package session hosts run sessions: it launches backends through a
// kind registry, records everything they produce as a durable event
// stream, and synchronizes any number of observers over that stream.
//
// The Engine is the single owner of every live session. CreateSession
// resolves a profile, persists the session row, starts the backend
// adapter, and pumps its events into the store; SendInput routes input
// to the backend with an echo on the stream; StopSession tears the
// backend down and waits for the terminal status to commit. Every
// lifecycle change a client can observe rides the event stream itself,
// so a replay reconstructs the whole story in order.
//
// The Broadcaster provides the synchronization half. Events are
// committed to the store before any observer sees them, and attaching
// at a cursor is linearizable against concurrent appends: the stream
// delivers exactly the events after the cursor, gapless, no matter how
// the attach interleaves with live output. Observers that fall behind
// are cut loose with a gap signal rather than slowing the session.
package session
