// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"github.com/strandhq/strand/cmd/strand/cli"
)

func createCommand() *cli.Command {
	var (
		socketPath       string
		profileName      string
		workingDirectory string
		metadataPairs    []string
		jsonOut          cli.JSONOutput
	)

	return &cli.Command{
		Name:    "create",
		Summary: "Create a new run session",
		Description: `Create a new run session of the given kind. The daemon spawns the
backend, records the session, and returns once it is running.

The kind names a backend profile configured on the daemon (for
example "terminal" for an interactive shell, or an assistant CLI
kind). The run id printed on success addresses the session in every
other command.`,
		Usage: "strand create <kind> [flags]",
		Examples: []cli.Example{
			{
				Description: "Start a shell in a specific directory",
				Command:     "strand create terminal --dir ~/src/strand",
			},
			{
				Description: "Tag a session for later filtering",
				Command:     "strand create codex --meta project=billing --meta ticket=1432",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("create", pflag.ContinueOnError)
			flagSet.StringVar(&socketPath, "socket", "", "daemon control socket path")
			flagSet.StringVar(&profileName, "profile", "", "backend profile overriding the kind's default")
			flagSet.StringVar(&workingDirectory, "dir", "", "working directory for the backend process")
			flagSet.StringArrayVar(&metadataPairs, "meta", nil, "metadata key=value, repeatable")
			jsonOut.Register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("kind argument required\n\nUsage: strand create <kind> [flags]")
			}
			if len(args) > 1 {
				return fmt.Errorf("unexpected argument: %s", args[1])
			}
			kind := args[0]

			metadata, err := parseMetadata(metadataPairs)
			if err != nil {
				return err
			}

			client, err := newClient(socketPath)
			if err != nil {
				return err
			}

			ctx, cancel := callContext()
			defer cancel()

			request := map[string]any{
				"kind":              kind,
				"profile":           profileName,
				"working_directory": workingDirectory,
			}
			if len(metadata) > 0 {
				request["metadata"] = metadata
			}

			var reply createReply
			if err := client.Call(ctx, "create", request, &reply); err != nil {
				return err
			}

			if done, err := jsonOut.EmitJSON(reply); done {
				return err
			}
			fmt.Println(reply.RunID)
			return nil
		},
	}
}

// parseMetadata splits repeated --meta key=value flags into a map.
func parseMetadata(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	metadata := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("metadata %q is not key=value", pair)
		}
		metadata[key] = value
	}
	return metadata, nil
}
