// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/strandhq/strand/cmd/strand/cli"
	"github.com/strandhq/strand/lib/attach"
	"github.com/strandhq/strand/lib/runlog"
	"github.com/strandhq/strand/lib/session"
	"github.com/strandhq/strand/lib/transcript"
)

// detachKey ends an interactive attachment: Ctrl-], the telnet escape.
// Ctrl-C cannot serve here because raw mode forwards it to the backend,
// which is exactly what an interactive shell session wants.
const detachKey = 0x1d

func attachCommand() *cli.Command {
	var (
		socketPath string
		afterSeq   uint64
		readonly   bool
		render     bool
		timestamps bool
	)

	return &cli.Command{
		Name:    "attach",
		Summary: "Attach to a session's event stream",
		Description: `Attach to a session: replay its backlog from the cursor, then stream
live events as they happen. Detaching leaves the session running;
other observers attached to the same session are unaffected.

When run on a terminal against a live session, the terminal switches
to raw mode and keystrokes are forwarded to the backend — you are
typing into the session. Press Ctrl-] to detach. With --readonly (or
when output is piped) nothing is forwarded and events print as a
transcript instead.

Attaching to a terminated session replays its backlog and exits;
the exit code is non-zero if the session ended in error.`,
		Usage: "strand attach <run-id> [flags]",
		Examples: []cli.Example{
			{
				Description: "Take over a running shell session",
				Command:     "strand attach 0189f1c2-7d3a-7e4b-a51f-3f8c2d9b6a01",
			},
			{
				Description: "Watch a session without forwarding input",
				Command:     "strand attach 0189f1c2-7d3a-7e4b-a51f-3f8c2d9b6a01 --readonly",
			},
			{
				Description: "Resume from a known cursor after a disconnect",
				Command:     "strand attach 0189f1c2-7d3a-7e4b-a51f-3f8c2d9b6a01 --after 1207",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("attach", pflag.ContinueOnError)
			flagSet.StringVar(&socketPath, "socket", "", "daemon control socket path")
			flagSet.Uint64Var(&afterSeq, "after", 0, "resume after this sequence number")
			flagSet.BoolVar(&readonly, "readonly", false, "observe without forwarding input")
			flagSet.BoolVar(&render, "render", false, "render assistant output as markdown")
			flagSet.BoolVar(&timestamps, "timestamps", false, "prefix marker lines with event times")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("run-id argument required\n\nUsage: strand attach <run-id> [flags]")
			}
			if len(args) > 1 {
				return fmt.Errorf("unexpected argument: %s", args[1])
			}

			client, err := newClient(socketPath)
			if err != nil {
				return err
			}

			stream, err := client.Attach(context.Background(), args[0], afterSeq)
			if err != nil {
				return err
			}
			defer stream.Close()

			accept := stream.Info()
			live := accept.Status == string(runlog.StatusStarting) ||
				accept.Status == string(runlog.StatusRunning)

			interactive := live && !readonly && !render &&
				term.IsTerminal(int(os.Stdin.Fd())) &&
				term.IsTerminal(int(os.Stdout.Fd()))
			if interactive {
				return runInteractive(stream)
			}

			writer := transcript.NewWriter(os.Stdout, transcript.Options{
				Render:     render,
				Timestamps: timestamps,
			})
			if err := replayStream(stream, writer, 0); err != nil {
				return err
			}
			if !live && accept.Status == string(runlog.StatusError) {
				return &cli.ExitError{Code: 1}
			}
			return nil
		},
	}
}

// runInteractive drives a raw-mode attachment: terminal output writes
// through verbatim, keystrokes forward to the backend, and window size
// changes follow the local terminal.
func runInteractive(stream *attach.Stream) error {
	stdinFd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		return fmt.Errorf("setting terminal raw mode: %w", err)
	}
	defer term.Restore(stdinFd, oldState)

	sendLocalSize(stream)

	// Raw mode disables keyboard signals, but a SIGTERM from outside
	// (or SIGINT delivered to the process group) must still restore
	// the terminal before exiting.
	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalChannel)
	go func() {
		<-signalChannel
		term.Restore(stdinFd, oldState)
		stream.Close()
		os.Exit(0)
	}()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			sendLocalSize(stream)
		}
	}()

	go forwardInput(stream)

	err = pumpRawOutput(stream)
	term.Restore(stdinFd, oldState)
	return err
}

// sendLocalSize pushes the local terminal's dimensions to the session.
func sendLocalSize(stream *attach.Stream) {
	columns, rows, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return
	}
	stream.SendResize(uint16(columns), uint16(rows))
}

// forwardInput pumps stdin to the session until the detach key or EOF.
// Bytes before a detach key in the same read still reach the backend.
func forwardInput(stream *attach.Stream) {
	buffer := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buffer)
		if n > 0 {
			chunk := buffer[:n]
			for i, b := range chunk {
				if b == detachKey {
					if i > 0 {
						stream.SendInput(chunk[:i])
					}
					stream.Detach()
					return
				}
			}
			if err := stream.SendInput(chunk); err != nil {
				return
			}
		}
		if err != nil {
			stream.Detach()
			return
		}
	}
}

// pumpRawOutput writes the session's terminal output to stdout until
// the stream ends. Lifecycle events print as bracketed notices; input
// echoes are skipped because the pty already echoed them.
func pumpRawOutput(stream *attach.Stream) error {
	for {
		frame, err := stream.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			// The connection closes under us on detach; that is the
			// normal way out.
			return nil
		}

		switch frame.Type {
		case attach.FrameEvent:
			wire, err := attach.ParseEventPayload(frame.Payload)
			if err != nil {
				return err
			}
			switch wire.Channel {
			case session.ChannelStdout:
				os.Stdout.Write(wire.Payload)
			case session.ChannelInput:
				// Skipped: the pty echo is already in the output.
			default:
				writeNotice(wire)
			}

		case attach.FrameDone:
			done, err := attach.ParseDonePayload(frame.Payload)
			if err != nil {
				return err
			}
			fmt.Printf("\r\n[strand] session %s\r\n", done.Status)
			if done.Status == string(runlog.StatusError) {
				return &cli.ExitError{Code: 1}
			}
			return nil

		case attach.FrameGap:
			gap, err := attach.ParseGapPayload(frame.Payload)
			if err != nil {
				return err
			}
			fmt.Printf("\r\n[strand] stream fell behind; re-attach with --after %d\r\n", gap.ResumeAfter)
			return &cli.ExitError{Code: 1}
		}
	}
}

// writeNotice prints a non-output event as a bracketed line. Raw mode
// needs explicit carriage returns.
func writeNotice(wire attach.WireEvent) {
	event := wire.ToEvent()
	switch event.Channel {
	case session.ChannelStatus:
		if payload, err := session.DecodeStatus(event); err == nil {
			fmt.Printf("\r\n[strand] status: %s\r\n", payload.Status)
		}
	case session.ChannelError:
		if payload, err := session.DecodeError(event); err == nil {
			fmt.Printf("\r\n[strand] error: %s\r\n", payload.Error)
		}
	case session.ChannelAuth:
		url, failure, err := session.DecodeAuth(event)
		if err != nil {
			return
		}
		switch event.Type {
		case session.TypeAuthURL:
			fmt.Printf("\r\n[strand] auth: visit %s\r\n", url.URL)
		case session.TypeAuthComplete:
			fmt.Printf("\r\n[strand] auth: complete\r\n")
		case session.TypeAuthError:
			fmt.Printf("\r\n[strand] auth failed: %s\r\n", failure.Error)
		}
	}
}
