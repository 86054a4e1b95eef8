// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/strandhq/strand/cmd/strand/cli"
)

func listCommand() *cli.Command {
	var (
		socketPath string
		filter     string
		jsonOut    cli.JSONOutput
	)

	return &cli.Command{
		Name:    "list",
		Summary: "List run sessions",
		Description: `List every session the daemon knows about: live ones and terminated
ones whose event logs are still readable.

With --filter, sessions are fuzzy-matched against their run id, kind,
status, and metadata values, and ranked by match quality.`,
		Usage: "strand list [flags]",
		Examples: []cli.Example{
			{
				Description: "Narrow the table to codex sessions",
				Command:     "strand list --filter codex",
			},
			{
				Description: "Machine-readable output for scripts",
				Command:     "strand list --json",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("list", pflag.ContinueOnError)
			flagSet.StringVar(&socketPath, "socket", "", "daemon control socket path")
			flagSet.StringVar(&filter, "filter", "", "fuzzy filter over id, kind, status, and metadata")
			jsonOut.Register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}

			client, err := newClient(socketPath)
			if err != nil {
				return err
			}

			ctx, cancel := callContext()
			defer cancel()

			var reply listReply
			if err := client.Call(ctx, "list", nil, &reply); err != nil {
				return err
			}

			sessions := filterSessions(reply.Sessions, filter)

			if done, err := jsonOut.EmitJSON(sessions); done {
				return err
			}

			if len(sessions) == 0 {
				if filter != "" {
					fmt.Fprintf(os.Stderr, "No sessions match %q.\n", filter)
				} else {
					fmt.Fprintln(os.Stderr, "No sessions.")
				}
				return nil
			}

			writeSessionTable(os.Stdout, sessions, time.Now())
			return nil
		},
	}
}

// filterSessions narrows and ranks sessions by fuzzy match quality.
// An empty filter keeps everything, newest first.
func filterSessions(sessions []sessionRow, filter string) []sessionRow {
	if filter == "" {
		sorted := make([]sessionRow, len(sessions))
		copy(sorted, sessions)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].CreatedAt > sorted[j].CreatedAt
		})
		return sorted
	}

	pattern := []rune(filter)
	slab := cli.NewSlab()

	type scored struct {
		row   sessionRow
		score int
	}
	var matches []scored
	for _, row := range sessions {
		result := cli.FuzzyMatch(matchText(row), pattern, slab)
		if result.Score <= 0 {
			continue
		}
		matches = append(matches, scored{row: row, score: result.Score})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].row.CreatedAt > matches[j].row.CreatedAt
	})

	filtered := make([]sessionRow, 0, len(matches))
	for _, match := range matches {
		filtered = append(filtered, match.row)
	}
	return filtered
}

// matchText is the haystack one session exposes to the fuzzy filter.
func matchText(row sessionRow) string {
	parts := []string{row.RunID, row.Kind, row.Status}
	for key, value := range row.Metadata {
		parts = append(parts, key)
		if text, ok := value.(string); ok {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// writeSessionTable renders the session table. Idle and observer
// columns only mean something for live sessions; terminated rows show
// a dash.
func writeSessionTable(w io.Writer, sessions []sessionRow, now time.Time) {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "RUN ID\tKIND\tSTATUS\tAGE\tIDLE\tEVENTS\tOBSERVERS")

	for _, row := range sessions {
		age := formatDuration(now.Sub(time.UnixMilli(row.CreatedAt)))

		idle := "-"
		observers := "-"
		if row.Live {
			idle = formatDuration(now.Sub(time.UnixMilli(row.LastActivity)))
			observers = fmt.Sprintf("%d", row.Observers)
		}

		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			row.RunID, row.Kind, row.Status, age, idle, row.LastSeq, observers)
	}
	writer.Flush()
}
