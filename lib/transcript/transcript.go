// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

// Package transcript turns a session's event stream back into terminal
// text. Terminal output chunks pass through raw, input lines get a
// prefix, and lifecycle events (status changes, auth handshake steps,
// errors) become styled marker lines. Assistant output prints as plain
// lines by default; with rendering enabled, contiguous runs of
// assistant lines are treated as one markdown document and rendered
// with styling and syntax highlighting.
//
// The writer is incremental: it consumes one event at a time in log
// order, so it serves both replaying a finished session and following
// a live one.
package transcript

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/strandhq/strand/lib/runlog"
	"github.com/strandhq/strand/lib/session"
)

// DefaultWidth is the wrap width for rendered markdown when Options
// leaves it unset.
const DefaultWidth = 80

// Options configures a Writer.
type Options struct {
	// Render treats assistant output as markdown and renders it with
	// ANSI styling. Off, assistant lines print as-is.
	Render bool

	// Width is the wrap width for rendered markdown. Zero means
	// DefaultWidth.
	Width int

	// Timestamps prefixes marker lines with the event time. Raw
	// terminal output is never timestamped; its bytes are not
	// line-structured.
	Timestamps bool

	// Theme colors the output. The zero value means DefaultTheme.
	Theme Theme
}

// Writer renders session events to out as they are written. Events
// must arrive in log order.
type Writer struct {
	out  io.Writer
	opts Options
	lip  *lipgloss.Renderer

	// deltas buffers assistant lines in render mode until a non-delta
	// event closes the markdown document.
	deltas []string

	// midLine is true when raw output ended without a line break, so
	// the next marker or prefixed line starts on a fresh line.
	midLine bool
}

// NewWriter returns a Writer emitting to out.
func NewWriter(out io.Writer, opts Options) *Writer {
	if opts.Width <= 0 {
		opts.Width = DefaultWidth
	}
	if opts.Theme == (Theme{}) {
		opts.Theme = DefaultTheme
	}
	lip := lipgloss.NewRenderer(os.Stderr, termenv.WithProfile(termenv.ANSI256))
	lip.SetColorProfile(termenv.ANSI256)
	return &Writer{out: out, opts: opts, lip: lip}
}

// WriteEvent renders one event. Unknown channels are skipped so a
// newer daemon's transcripts still replay.
func (w *Writer) WriteEvent(event runlog.Event) error {
	if event.Channel != session.ChannelDelta {
		if err := w.flushDeltas(); err != nil {
			return err
		}
	}

	switch event.Channel {
	case session.ChannelStdout:
		return w.writeRaw(event.Payload)

	case session.ChannelDelta:
		if w.opts.Render {
			w.deltas = append(w.deltas, string(event.Payload))
			return nil
		}
		if err := w.breakLine(); err != nil {
			return err
		}
		return w.emit(string(event.Payload) + "\n")

	case session.ChannelInput:
		return w.writeInput(event.Payload)

	case session.ChannelStatus:
		payload, err := session.DecodeStatus(event)
		if err != nil {
			return err
		}
		return w.marker(event.Time, w.opts.Theme.StatusAccent, "status: "+payload.Status)

	case session.ChannelAuth:
		return w.writeAuth(event)

	case session.ChannelError:
		payload, err := session.DecodeError(event)
		if err != nil {
			return err
		}
		return w.marker(event.Time, w.opts.Theme.ErrorAccent, "error: "+payload.Error)
	}
	return nil
}

// Flush renders any buffered assistant markdown and ends a dangling
// raw output line. Call it after the last event.
func (w *Writer) Flush() error {
	if err := w.flushDeltas(); err != nil {
		return err
	}
	return w.breakLine()
}

func (w *Writer) writeRaw(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.out.Write(payload); err != nil {
		return err
	}
	last := payload[len(payload)-1]
	w.midLine = last != '\n' && last != '\r'
	return nil
}

// writeInput prints each input line behind a styled prompt glyph.
func (w *Writer) writeInput(payload []byte) error {
	if err := w.breakLine(); err != nil {
		return err
	}
	prompt := w.lip.NewStyle().Foreground(w.opts.Theme.InputPrefix).Render("› ")
	text := strings.TrimRight(string(payload), "\r\n")
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if err := w.emit(prompt + line + "\n"); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeAuth(event runlog.Event) error {
	url, failure, err := session.DecodeAuth(event)
	if err != nil {
		return err
	}
	theme := w.opts.Theme
	switch event.Type {
	case session.TypeAuthURL:
		return w.marker(event.Time, theme.AuthAccent, "auth: visit "+url.URL)
	case session.TypeAuthComplete:
		return w.marker(event.Time, theme.SuccessAccent, "auth: complete")
	case session.TypeAuthError:
		text := "auth failed: " + failure.Error
		if failure.Timeout {
			text += " (timed out)"
		}
		return w.marker(event.Time, theme.ErrorAccent, text)
	}
	return nil
}

// marker writes one styled lifecycle line.
func (w *Writer) marker(at time.Time, accent lipgloss.Color, text string) error {
	if err := w.breakLine(); err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString(w.lip.NewStyle().Foreground(w.opts.Theme.RuleColor).Render("──"))
	b.WriteString(" ")
	if w.opts.Timestamps {
		stamp := w.lip.NewStyle().Foreground(w.opts.Theme.FaintText).Render(at.Format("15:04:05"))
		b.WriteString(stamp)
		b.WriteString(" ")
	}
	b.WriteString(w.lip.NewStyle().Foreground(accent).Render(text))
	b.WriteString("\n")
	return w.emit(b.String())
}

// flushDeltas renders the buffered assistant lines as one markdown
// document.
func (w *Writer) flushDeltas() error {
	if len(w.deltas) == 0 {
		return nil
	}
	document := strings.Join(w.deltas, "\n")
	w.deltas = w.deltas[:0]

	rendered := RenderMarkdown(document, w.opts.Theme, w.opts.Width)
	if rendered == "" {
		return nil
	}
	return w.emit(rendered + "\n")
}

// breakLine ends a dangling raw output line so the next write starts
// at column zero.
func (w *Writer) breakLine() error {
	if !w.midLine {
		return nil
	}
	w.midLine = false
	return w.emit("\n")
}

func (w *Writer) emit(s string) error {
	_, err := io.WriteString(w.out, s)
	return err
}
