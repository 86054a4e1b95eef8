// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/strandhq/strand/cmd/strand/cli"
)

func stopCommand() *cli.Command {
	var socketPath string

	return &cli.Command{
		Name:    "stop",
		Summary: "Stop a session",
		Description: `Stop a session's backend process. The session's event log stays
readable; attach, log, and export all keep working against it.

Stopping an already-terminated session is a no-op, so "stop" is safe
to script without checking status first.`,
		Usage: "strand stop <run-id>... [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("stop", pflag.ContinueOnError)
			flagSet.StringVar(&socketPath, "socket", "", "daemon control socket path")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("run-id argument required\n\nUsage: strand stop <run-id>... [flags]")
			}

			client, err := newClient(socketPath)
			if err != nil {
				return err
			}

			for _, runID := range args {
				ctx, cancel := callContext()
				err := client.Call(ctx, "stop", map[string]any{"run_id": runID}, nil)
				cancel()
				if err != nil {
					return err
				}
				fmt.Printf("stopped %s\n", runID)
			}
			return nil
		},
	}
}
