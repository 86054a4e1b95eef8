// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

// Package backend defines the contract between the session manager and
// the processes it hosts.
//
// An Adapter owns one external process and exposes the capability set
// every backend shares: Start, Write, and an idempotent Stop, plus an
// Events channel that carries everything the process produces back to
// the manager as structured records. Backends with a window concept
// additionally implement Resizer; callers discover that with a type
// assertion rather than a capability flag.
//
// Concrete implementations live in the subpackages: terminal (a PTY
// shell) and assistant (a line-oriented AI CLI with an authentication
// handshake). New kinds plug in through session.Registry without
// touching the manager.
package backend
