// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/strandhq/strand/cmd/strand/cli"
)

func inputCommand() *cli.Command {
	var (
		socketPath string
		noNewline  bool
		fromStdin  bool
	)

	return &cli.Command{
		Name:    "input",
		Summary: "Send input to a session",
		Description: `Send input to a running session without attaching to it. The text
arguments are joined with spaces and a trailing newline is added, so
a shell session executes them as one command line.

With --stdin the input is read from standard input instead, byte for
byte, which is how you pipe a file or a script into a session.`,
		Usage: "strand input <run-id> <text>... [flags]",
		Examples: []cli.Example{
			{
				Description: "Run a command in a shell session",
				Command:     "strand input 0189f1c2-7d3a-7e4b-a51f-3f8c2d9b6a01 'make test'",
			},
			{
				Description: "Pipe a script into a session",
				Command:     "strand input 0189f1c2-7d3a-7e4b-a51f-3f8c2d9b6a01 --stdin < setup.sh",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("input", pflag.ContinueOnError)
			flagSet.StringVar(&socketPath, "socket", "", "daemon control socket path")
			flagSet.BoolVar(&noNewline, "no-newline", false, "do not append a trailing newline")
			flagSet.BoolVar(&fromStdin, "stdin", false, "read input from standard input")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("run-id argument required\n\nUsage: strand input <run-id> <text>... [flags]")
			}
			runID := args[0]

			var data []byte
			switch {
			case fromStdin:
				if len(args) > 1 {
					return fmt.Errorf("text arguments and --stdin are mutually exclusive")
				}
				raw, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("reading standard input: %w", err)
				}
				data = raw
			case len(args) > 1:
				text := strings.Join(args[1:], " ")
				if !noNewline {
					text += "\n"
				}
				data = []byte(text)
			default:
				return fmt.Errorf("input text required (or --stdin)\n\nUsage: strand input <run-id> <text>... [flags]")
			}

			client, err := newClient(socketPath)
			if err != nil {
				return err
			}

			ctx, cancel := callContext()
			defer cancel()

			return client.Call(ctx, "input", map[string]any{
				"run_id": runID,
				"data":   data,
			}, nil)
		},
	}
}
