// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/strandhq/strand/cmd/strand/cli"
	"github.com/strandhq/strand/lib/attach"
	"github.com/strandhq/strand/lib/transcript"
)

func logCommand() *cli.Command {
	var (
		socketPath string
		afterSeq   uint64
		follow     bool
		render     bool
		timestamps bool
		width      int
	)

	return &cli.Command{
		Name:    "log",
		Summary: "Replay a session's event log",
		Description: `Replay a session's event log as a transcript: terminal output as it
appeared, input lines behind a prompt glyph, and lifecycle changes as
marker lines. For a live session the replay covers everything up to
the moment the command ran; --follow keeps streaming until the
session ends.

With --render, assistant output is treated as markdown and rendered
with styling and syntax highlighting instead of printing raw lines.`,
		Usage: "strand log <run-id> [flags]",
		Examples: []cli.Example{
			{
				Description: "Replay a finished session",
				Command:     "strand log 0189f1c2-7d3a-7e4b-a51f-3f8c2d9b6a01",
			},
			{
				Description: "Follow a live session from event 400 onward",
				Command:     "strand log 0189f1c2-7d3a-7e4b-a51f-3f8c2d9b6a01 --after 400 --follow",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("log", pflag.ContinueOnError)
			flagSet.StringVar(&socketPath, "socket", "", "daemon control socket path")
			flagSet.Uint64Var(&afterSeq, "after", 0, "replay events after this sequence number")
			flagSet.BoolVarP(&follow, "follow", "f", false, "keep streaming until the session ends")
			flagSet.BoolVar(&render, "render", false, "render assistant output as markdown")
			flagSet.BoolVar(&timestamps, "timestamps", false, "prefix marker lines with event times")
			flagSet.IntVar(&width, "width", 0, "wrap width for rendered markdown")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("run-id argument required\n\nUsage: strand log <run-id> [flags]")
			}
			if len(args) > 1 {
				return fmt.Errorf("unexpected argument: %s", args[1])
			}
			runID := args[0]

			client, err := newClient(socketPath)
			if err != nil {
				return err
			}

			// For a live session without --follow, the stream has no
			// natural end; replay up to the event count observed now
			// and detach there.
			var stopAfter uint64
			if !follow {
				info, err := fetchInfo(client, runID)
				if err != nil {
					return err
				}
				if info.Live {
					stopAfter = info.LastSeq
					if stopAfter <= afterSeq {
						return nil
					}
				}
			}

			stream, err := client.Attach(context.Background(), runID, afterSeq)
			if err != nil {
				return err
			}
			defer stream.Close()

			writer := transcript.NewWriter(os.Stdout, transcript.Options{
				Render:     render,
				Width:      width,
				Timestamps: timestamps,
			})
			return replayStream(stream, writer, stopAfter)
		},
	}
}

// replayStream writes event frames through the transcript writer until
// the stream ends or, when stopAfter is nonzero, the cursor reaches it.
func replayStream(stream *attach.Stream, writer *transcript.Writer, stopAfter uint64) error {
	for {
		frame, err := stream.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return writer.Flush()
			}
			writer.Flush()
			return err
		}

		switch frame.Type {
		case attach.FrameEvent:
			wire, err := attach.ParseEventPayload(frame.Payload)
			if err != nil {
				writer.Flush()
				return err
			}
			if err := writer.WriteEvent(wire.ToEvent()); err != nil {
				return err
			}
			if stopAfter > 0 && wire.Seq >= stopAfter {
				stream.Detach()
				return writer.Flush()
			}

		case attach.FrameDone:
			return writer.Flush()

		case attach.FrameGap:
			writer.Flush()
			gap, err := attach.ParseGapPayload(frame.Payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "\nstream fell behind; rerun with --after %d to resume\n", gap.ResumeAfter)
			return &cli.ExitError{Code: 1}
		}
	}
}
