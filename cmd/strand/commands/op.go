// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/strandhq/strand/cmd/strand/cli"
)

func opCommand() *cli.Command {
	var (
		socketPath string
		rows       uint16
		cols       uint16
	)

	return &cli.Command{
		Name:    "op",
		Summary: "Invoke a backend operation on a session",
		Description: `Invoke a kind-specific operation on a session. The only built-in
operation is "resize", which changes a terminal session's window
dimensions; kinds without a window reject it.`,
		Usage: "strand op <run-id> <operation> [flags]",
		Examples: []cli.Example{
			{
				Description: "Resize a terminal session",
				Command:     "strand op 0189f1c2-7d3a-7e4b-a51f-3f8c2d9b6a01 resize --cols 120 --rows 40",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("op", pflag.ContinueOnError)
			flagSet.StringVar(&socketPath, "socket", "", "daemon control socket path")
			flagSet.Uint16Var(&cols, "cols", 80, "terminal columns (resize)")
			flagSet.Uint16Var(&rows, "rows", 24, "terminal rows (resize)")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) < 2 {
				return fmt.Errorf("run-id and operation arguments required\n\nUsage: strand op <run-id> <operation> [flags]")
			}
			if len(args) > 2 {
				return fmt.Errorf("unexpected argument: %s", args[2])
			}

			client, err := newClient(socketPath)
			if err != nil {
				return err
			}

			ctx, cancel := callContext()
			defer cancel()

			return client.Call(ctx, "operation", map[string]any{
				"run_id": args[0],
				"name":   args[1],
				"rows":   rows,
				"cols":   cols,
			}, nil)
		},
	}
}
