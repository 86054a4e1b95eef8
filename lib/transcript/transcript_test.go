// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package transcript_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/strandhq/strand/lib/codec"
	"github.com/strandhq/strand/lib/runlog"
	"github.com/strandhq/strand/lib/session"
	"github.com/strandhq/strand/lib/transcript"
)

var transcriptEpoch = time.Date(2026, 3, 15, 9, 15, 0, 0, time.UTC)

// event builds a stored event at a deterministic time: the epoch plus
// one second per sequence number.
func event(seq uint64, channel, eventType string, payload []byte) runlog.Event {
	return runlog.Event{
		RunID:   "5f0a1a52-6c7e-4a35-b2ff-0d7d2f9e6c31",
		Seq:     seq,
		Channel: channel,
		Type:    eventType,
		Payload: payload,
		Time:    transcriptEpoch.Add(time.Duration(seq) * time.Second),
	}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := codec.Marshal(v)
	if err != nil {
		t.Fatalf("marshaling payload: %v", err)
	}
	return data
}

// replay writes the events through a Writer and returns the
// ANSI-stripped output.
func replay(t *testing.T, opts transcript.Options, events ...runlog.Event) string {
	t.Helper()
	var buf bytes.Buffer
	w := transcript.NewWriter(&buf, opts)
	for _, ev := range events {
		if err := w.WriteEvent(ev); err != nil {
			t.Fatalf("writing event %d: %v", ev.Seq, err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flushing: %v", err)
	}
	return ansi.Strip(buf.String())
}

func TestWriterRawOutputVerbatim(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := transcript.NewWriter(&buf, transcript.Options{})

	chunks := [][]byte{
		[]byte("$ ls\r\n"),
		[]byte("main.go  go.mod\r\n"),
	}
	for i, chunk := range chunks {
		if err := w.WriteEvent(event(uint64(i+1), session.ChannelStdout, session.TypeOutput, chunk)); err != nil {
			t.Fatalf("writing chunk %d: %v", i, err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flushing: %v", err)
	}

	want := "$ ls\r\nmain.go  go.mod\r\n"
	if got := buf.String(); got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestWriterBreaksDanglingLineBeforeMarker(t *testing.T) {
	t.Parallel()

	got := replay(t, transcript.Options{},
		event(1, session.ChannelStdout, session.TypeOutput, []byte("partial prompt")),
		event(2, session.ChannelStatus, session.TypeStatus, mustMarshal(t, session.StatusPayload{Status: "stopped"})),
	)

	if !strings.Contains(got, "partial prompt\n") {
		t.Errorf("dangling line not terminated:\n%q", got)
	}
	if !strings.Contains(got, "── status: stopped") {
		t.Errorf("missing status marker:\n%q", got)
	}
}

func TestWriterInputPrefix(t *testing.T) {
	t.Parallel()

	got := replay(t, transcript.Options{},
		event(1, session.ChannelInput, session.TypeInput, []byte("ls -la\n")),
	)

	if !strings.Contains(got, "› ls -la\n") {
		t.Errorf("input line not prefixed:\n%q", got)
	}
}

func TestWriterInputMultiline(t *testing.T) {
	t.Parallel()

	got := replay(t, transcript.Options{},
		event(1, session.ChannelInput, session.TypeInput, []byte("first\r\nsecond\n")),
	)

	if !strings.Contains(got, "› first\n") || !strings.Contains(got, "› second\n") {
		t.Errorf("multiline input not prefixed per line:\n%q", got)
	}
	if strings.Contains(got, "\r") {
		t.Errorf("carriage return leaked into prefixed input:\n%q", got)
	}
}

func TestWriterStatusMarkers(t *testing.T) {
	t.Parallel()

	got := replay(t, transcript.Options{},
		event(1, session.ChannelStatus, session.TypeStatus, mustMarshal(t, session.StatusPayload{Status: "running"})),
		event(2, session.ChannelStatus, session.TypeStatus, mustMarshal(t, session.StatusPayload{Status: "stopped"})),
	)

	if !strings.Contains(got, "── status: running") {
		t.Errorf("missing running marker:\n%q", got)
	}
	if !strings.Contains(got, "── status: stopped") {
		t.Errorf("missing stopped marker:\n%q", got)
	}
}

func TestWriterTimestamps(t *testing.T) {
	t.Parallel()

	got := replay(t, transcript.Options{Timestamps: true},
		event(4, session.ChannelStatus, session.TypeStatus, mustMarshal(t, session.StatusPayload{Status: "running"})),
	)

	if !strings.Contains(got, "09:15:04") {
		t.Errorf("missing timestamp:\n%q", got)
	}
}

func TestWriterAuthMarkers(t *testing.T) {
	t.Parallel()

	got := replay(t, transcript.Options{},
		event(1, session.ChannelAuth, session.TypeAuthURL,
			mustMarshal(t, session.AuthURLPayload{URL: "https://auth.example.com/device"})),
		event(2, session.ChannelAuth, session.TypeAuthComplete, mustMarshal(t, struct{}{})),
	)

	if !strings.Contains(got, "auth: visit https://auth.example.com/device") {
		t.Errorf("missing auth url marker:\n%q", got)
	}
	if !strings.Contains(got, "auth: complete") {
		t.Errorf("missing auth complete marker:\n%q", got)
	}
}

func TestWriterAuthFailureMarker(t *testing.T) {
	t.Parallel()

	got := replay(t, transcript.Options{},
		event(1, session.ChannelAuth, session.TypeAuthError,
			mustMarshal(t, session.AuthErrorPayload{Error: "authentication timed out", Timeout: true})),
	)

	if !strings.Contains(got, "auth failed: authentication timed out (timed out)") {
		t.Errorf("missing auth failure marker:\n%q", got)
	}
}

func TestWriterErrorMarker(t *testing.T) {
	t.Parallel()

	code := 2
	got := replay(t, transcript.Options{},
		event(1, session.ChannelError, session.TypeCrash,
			mustMarshal(t, session.ErrorPayload{Error: "backend exited with code 2", ExitCode: &code})),
	)

	if !strings.Contains(got, "error: backend exited with code 2") {
		t.Errorf("missing error marker:\n%q", got)
	}
}

func TestWriterAssistantPlain(t *testing.T) {
	t.Parallel()

	got := replay(t, transcript.Options{},
		event(1, session.ChannelDelta, session.TypeDelta, []byte("# Not rendered")),
		event(2, session.ChannelDelta, session.TypeDelta, []byte("just lines")),
	)

	if !strings.Contains(got, "# Not rendered\n") {
		t.Errorf("plain mode altered assistant line:\n%q", got)
	}
	if !strings.Contains(got, "just lines\n") {
		t.Errorf("missing assistant line:\n%q", got)
	}
}

func TestWriterAssistantRendered(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := transcript.NewWriter(&buf, transcript.Options{Render: true, Width: 60})

	lines := []string{"# Summary", "", "All tests **pass** now."}
	for i, line := range lines {
		ev := event(uint64(i+1), session.ChannelDelta, session.TypeDelta, []byte(line))
		if err := w.WriteEvent(ev); err != nil {
			t.Fatalf("writing delta: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flushing: %v", err)
	}

	raw := buf.String()
	got := ansi.Strip(raw)
	if strings.Contains(got, "# Summary") {
		t.Errorf("heading glyphs survived rendering:\n%q", got)
	}
	if !strings.Contains(got, "Summary") || !strings.Contains(got, "All tests pass now.") {
		t.Errorf("rendered content lost:\n%q", got)
	}
	if raw == got {
		t.Error("rendered markdown carries no ANSI styling")
	}
}

func TestWriterRenderFlushesAtBoundary(t *testing.T) {
	t.Parallel()

	got := replay(t, transcript.Options{Render: true},
		event(1, session.ChannelDelta, session.TypeDelta, []byte("Reviewing the diff.")),
		event(2, session.ChannelStatus, session.TypeStatus, mustMarshal(t, session.StatusPayload{Status: "stopped"})),
	)

	body := strings.Index(got, "Reviewing the diff.")
	marker := strings.Index(got, "── status: stopped")
	if body == -1 || marker == -1 {
		t.Fatalf("missing rendered body or marker:\n%q", got)
	}
	if body > marker {
		t.Errorf("markdown flushed after the boundary event:\n%q", got)
	}
}

func TestWriterUnknownChannelSkipped(t *testing.T) {
	t.Parallel()

	got := replay(t, transcript.Options{},
		event(1, "future:metrics", "gauge", []byte{0xa0}),
	)

	if got != "" {
		t.Errorf("unknown channel produced output: %q", got)
	}
}

func TestWriterBadStatusPayload(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := transcript.NewWriter(&buf, transcript.Options{})

	ev := event(1, session.ChannelStatus, session.TypeStatus, []byte{0xff, 0xff})
	if err := w.WriteEvent(ev); err == nil {
		t.Error("malformed status payload accepted")
	}
}
