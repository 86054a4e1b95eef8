// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"

	"github.com/strandhq/strand/lib/codec"
	"github.com/strandhq/strand/lib/runlog"
)

// Event channels, formatted "source:subtype". The source half names
// who produced the event: the backend process (pty, assistant) or the
// engine itself (system).
const (
	// ChannelStdout carries raw terminal output bytes.
	ChannelStdout = "pty:stdout"

	// ChannelDelta carries assistant output, one line per event.
	ChannelDelta = "assistant:delta"

	// ChannelAuth carries authentication handshake milestones.
	ChannelAuth = "assistant:auth"

	// ChannelStatus carries lifecycle transitions, so observers learn
	// status changes in-band and in order with the output around them.
	ChannelStatus = "system:status"

	// ChannelInput echoes operator input, so a replay shows both sides
	// of the conversation.
	ChannelInput = "system:input"

	// ChannelError carries failure records: spawn failures, crashes,
	// daemon restarts.
	ChannelError = "system:error"
)

// Event types within their channels.
const (
	TypeOutput = "output"
	TypeDelta  = "delta"
	TypeInput  = "input"
	TypeStatus = "status"

	TypeAuthURL      = "auth_url"
	TypeAuthComplete = "auth_complete"
	TypeAuthError    = "auth_error"

	TypeCrash         = "crash"
	TypeSpawnError    = "spawn_error"
	TypeDaemonRestart = "daemon_restart"
)

// StatusPayload is the CBOR body of a ChannelStatus event.
type StatusPayload struct {
	Status string `cbor:"status"`
}

// ErrorPayload is the CBOR body of a ChannelError event. ExitCode is
// absent when the process died by signal or never launched.
type ErrorPayload struct {
	Error    string `cbor:"error"`
	ExitCode *int   `cbor:"exit_code,omitempty"`
	Signal   string `cbor:"signal,omitempty"`
}

// AuthURLPayload is the CBOR body of a TypeAuthURL event.
type AuthURLPayload struct {
	URL string `cbor:"url"`
}

// AuthErrorPayload is the CBOR body of a TypeAuthError event. Timeout
// distinguishes a handshake that ran out of time from one the backend
// rejected.
type AuthErrorPayload struct {
	Error   string `cbor:"error"`
	Timeout bool   `cbor:"timeout,omitempty"`
}

// DecodeStatus decodes a ChannelStatus event payload.
func DecodeStatus(event runlog.Event) (StatusPayload, error) {
	var payload StatusPayload
	if err := codec.Unmarshal(event.Payload, &payload); err != nil {
		return StatusPayload{}, fmt.Errorf("decoding status event %d: %w", event.Seq, err)
	}
	return payload, nil
}

// DecodeError decodes a ChannelError event payload.
func DecodeError(event runlog.Event) (ErrorPayload, error) {
	var payload ErrorPayload
	if err := codec.Unmarshal(event.Payload, &payload); err != nil {
		return ErrorPayload{}, fmt.Errorf("decoding error event %d: %w", event.Seq, err)
	}
	return payload, nil
}

// DecodeAuth decodes a ChannelAuth event payload into the shape
// matching its type: AuthURLPayload for TypeAuthURL, AuthErrorPayload
// for TypeAuthError, and nothing for TypeAuthComplete.
func DecodeAuth(event runlog.Event) (url AuthURLPayload, failure AuthErrorPayload, err error) {
	switch event.Type {
	case TypeAuthURL:
		err = codec.Unmarshal(event.Payload, &url)
	case TypeAuthError:
		err = codec.Unmarshal(event.Payload, &failure)
	case TypeAuthComplete:
	default:
		err = fmt.Errorf("unknown auth event type %q", event.Type)
	}
	if err != nil {
		err = fmt.Errorf("decoding auth event %d: %w", event.Seq, err)
	}
	return url, failure, err
}
