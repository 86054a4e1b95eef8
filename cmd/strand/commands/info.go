// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/strandhq/strand/cmd/strand/cli"
)

func infoCommand() *cli.Command {
	var (
		socketPath string
		jsonOut    cli.JSONOutput
	)

	return &cli.Command{
		Name:    "info",
		Summary: "Show one session's record",
		Description: `Show a single session's record: kind, status, timestamps, event
count, attached observers, and any metadata it was created with.`,
		Usage: "strand info <run-id> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("info", pflag.ContinueOnError)
			flagSet.StringVar(&socketPath, "socket", "", "daemon control socket path")
			jsonOut.Register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("run-id argument required\n\nUsage: strand info <run-id> [flags]")
			}
			if len(args) > 1 {
				return fmt.Errorf("unexpected argument: %s", args[1])
			}

			client, err := newClient(socketPath)
			if err != nil {
				return err
			}

			row, err := fetchInfo(client, args[0])
			if err != nil {
				return err
			}

			if done, err := jsonOut.EmitJSON(row); done {
				return err
			}

			writeSessionDetail(os.Stdout, row, time.Now())
			return nil
		},
	}
}

// writeSessionDetail renders one session as aligned key/value lines.
func writeSessionDetail(w io.Writer, row sessionRow, now time.Time) {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Run ID:\t%s\n", row.RunID)
	fmt.Fprintf(writer, "Kind:\t%s\n", row.Kind)
	fmt.Fprintf(writer, "Status:\t%s\n", row.Status)
	fmt.Fprintf(writer, "Created:\t%s (%s ago)\n",
		time.UnixMilli(row.CreatedAt).Local().Format(time.RFC3339),
		formatDuration(now.Sub(time.UnixMilli(row.CreatedAt))))
	fmt.Fprintf(writer, "Updated:\t%s\n",
		time.UnixMilli(row.UpdatedAt).Local().Format(time.RFC3339))
	fmt.Fprintf(writer, "Events:\t%d\n", row.LastSeq)
	if row.Live {
		fmt.Fprintf(writer, "Idle:\t%s\n", formatDuration(now.Sub(time.UnixMilli(row.LastActivity))))
		fmt.Fprintf(writer, "Observers:\t%d\n", row.Observers)
	}

	if len(row.Metadata) > 0 {
		keys := make([]string, 0, len(row.Metadata))
		for key := range row.Metadata {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		fmt.Fprintf(writer, "Metadata:\t\n")
		for _, key := range keys {
			fmt.Fprintf(writer, "  %s:\t%v\n", key, row.Metadata[key])
		}
	}
	writer.Flush()
}
