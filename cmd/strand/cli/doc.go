// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli provides the command-line framework for the strand CLI.
//
// The central type is [Command], which represents a named subcommand
// with optional nested [Command.Subcommands], a [pflag.FlagSet]
// factory, and a Run function. Commands are assembled into a tree in
// cmd/strand/commands and dispatched via [Command.Execute], which
// handles flag parsing, subcommand routing, and structured help output
// with examples.
//
// When a user types an unknown subcommand or flag, the framework
// computes Levenshtein edit distance against all known names and
// suggests the closest match (threshold: distance <= 3). This is
// implemented in suggest.go.
//
// Two smaller pieces round the package out:
//
//   - [JSONOutput]: an embeddable --json switch with [JSONOutput.EmitJSON]
//     for commands that offer machine-readable output alongside their
//     text rendering.
//
//   - [FuzzyMatch]: fzf's fuzzy matching algorithm behind a small
//     case-insensitive wrapper, used by "strand list --filter" to
//     narrow the session table.
package cli
