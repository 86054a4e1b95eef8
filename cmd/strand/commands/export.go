// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/strandhq/strand/cmd/strand/cli"
	"github.com/strandhq/strand/lib/runlog"
)

func exportCommand() *cli.Command {
	var (
		socketPath string
		outputPath string
		verify     bool
	)

	return &cli.Command{
		Name:    "export",
		Summary: "Export a session as a portable bundle",
		Description: `Export a session's record and complete event log as a single sealed
bundle file. The bundle is compressed and carries a digest of its
contents, so a recipient can detect truncation or corruption before
trusting a replay.

With --verify the written bundle is read back and its digest checked;
a verification failure leaves the file in place and exits non-zero.`,
		Usage: "strand export <run-id> [flags]",
		Examples: []cli.Example{
			{
				Description: "Export to the default file name",
				Command:     "strand export 0189f1c2-7d3a-7e4b-a51f-3f8c2d9b6a01",
			},
			{
				Description: "Export to a chosen path and verify it",
				Command:     "strand export 0189f1c2-7d3a-7e4b-a51f-3f8c2d9b6a01 -o run.strand --verify",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("export", pflag.ContinueOnError)
			flagSet.StringVar(&socketPath, "socket", "", "daemon control socket path")
			flagSet.StringVarP(&outputPath, "output", "o", "", "output file (default <run-id>.strand)")
			flagSet.BoolVar(&verify, "verify", false, "read the bundle back and check its digest")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("run-id argument required\n\nUsage: strand export <run-id> [flags]")
			}
			if len(args) > 1 {
				return fmt.Errorf("unexpected argument: %s", args[1])
			}
			runID := args[0]

			client, err := newClient(socketPath)
			if err != nil {
				return err
			}

			ctx, cancel := callContext()
			defer cancel()

			var reply exportReply
			if err := client.Call(ctx, "export", map[string]any{"run_id": runID}, &reply); err != nil {
				return err
			}

			if outputPath == "" {
				outputPath = runID + ".strand"
			}
			if err := os.WriteFile(outputPath, reply.Bundle, 0o600); err != nil {
				return fmt.Errorf("writing bundle: %w", err)
			}

			if verify {
				bundle, err := runlog.ReadExport(bytes.NewReader(reply.Bundle))
				if err != nil {
					fmt.Fprintf(os.Stderr, "%s: verification failed: %v\n", outputPath, err)
					return &cli.ExitError{Code: 1}
				}
				if got := uint64(len(bundle.Events)); got != reply.Events {
					fmt.Fprintf(os.Stderr, "%s: bundle has %d events, daemon reported %d\n",
						outputPath, got, reply.Events)
					return &cli.ExitError{Code: 1}
				}
			}

			fmt.Printf("%s: %d events, %d bytes\n", outputPath, reply.Events, len(reply.Bundle))
			return nil
		},
	}
}
