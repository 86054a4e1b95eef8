// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the strand CLI command tree. Every command
// speaks the daemon's control protocol over the Unix socket resolved
// by resolveSocket: the --socket flag wins, then the STRAND_SOCKET
// environment variable, then the daemon configuration.
package commands

import (
	"fmt"

	"github.com/strandhq/strand/cmd/strand/cli"
	"github.com/strandhq/strand/lib/version"
)

// Root builds and returns the complete strand CLI command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name: "strand",
		Description: `Strand: run session host for terminal and assistant processes.

Create sessions against a running strand-daemon, stream their event
logs live, replay them after the fact, and export finished sessions
as portable bundles.`,
		Subcommands: []*cli.Command{
			createCommand(),
			listCommand(),
			infoCommand(),
			attachCommand(),
			inputCommand(),
			opCommand(),
			stopCommand(),
			logCommand(),
			exportCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(args []string) error {
					fmt.Printf("strand %s\n", version.Full())
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{
				Description: "Start an interactive shell session",
				Command:     "strand create terminal",
			},
			{
				Description: "See every session the daemon knows about",
				Command:     "strand list",
			},
			{
				Description: "Attach to a running session's terminal",
				Command:     "strand attach 0189f1c2-7d3a-7e4b-a51f-3f8c2d9b6a01",
			},
			{
				Description: "Send a line of input without attaching",
				Command:     "strand input 0189f1c2-7d3a-7e4b-a51f-3f8c2d9b6a01 'make test'",
			},
			{
				Description: "Replay a finished session as rendered markdown",
				Command:     "strand log 0189f1c2-7d3a-7e4b-a51f-3f8c2d9b6a01 --render",
			},
			{
				Description: "Export a session to a portable bundle and verify it",
				Command:     "strand export 0189f1c2-7d3a-7e4b-a51f-3f8c2d9b6a01 --verify",
			},
		},
	}
}
