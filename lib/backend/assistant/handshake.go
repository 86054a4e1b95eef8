// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package assistant

import (
	"strings"
	"sync"
	"time"

	"github.com/strandhq/strand/lib/backend"
	"github.com/strandhq/strand/lib/clock"
)

// handshake tracks the authentication flow of one assistant process by
// watching its ANSI-stripped output lines for the profile's markers.
//
// The state moves strictly forward:
//
//	idle → spawning → awaiting_code → complete
//	                ↘               ↘ failed
//
// complete and failed are terminal. A marker seen after a terminal
// state is ignored; a fresh handshake needs a fresh adapter.
//
// All auth events are sent while holding mu, so abandon() returning
// guarantees no further sends.
type handshake struct {
	config backend.AuthConfig
	clock  clock.Clock
	emit   func(backend.Event)

	mu        sync.Mutex
	state     backend.AuthState
	timer     *clock.Timer
	startedAt time.Time
}

func newHandshake(config backend.AuthConfig, clk clock.Clock, emit func(backend.Event)) *handshake {
	if config.Timeout <= 0 {
		config.Timeout = backend.DefaultAuthTimeout
	}
	return &handshake{
		config: config,
		clock:  clk,
		emit:   emit,
		state:  backend.AuthIdle,
	}
}

// begin moves idle → spawning and arms the handshake timeout.
func (h *handshake) begin() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.state = backend.AuthSpawning
	h.startedAt = h.clock.Now()
	h.timer = h.clock.AfterFunc(h.config.Timeout, h.expire)
}

// observe inspects one ANSI-stripped output line for markers. Called
// from the adapter's scan goroutine.
func (h *handshake) observe(line string) {
	if line == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state.Terminal() || h.state == backend.AuthIdle {
		return
	}

	if h.config.FailureMarker != "" && strings.Contains(line, h.config.FailureMarker) {
		h.finishLocked(backend.AuthFailed, "", &backend.AuthRejectedError{Line: line})
		return
	}

	if strings.Contains(line, h.config.SuccessMarker) {
		// Reaching complete without a URL is normal: a CLI with cached
		// credentials confirms sign-in immediately.
		h.finishLocked(backend.AuthComplete, "", nil)
		return
	}

	if h.state == backend.AuthSpawning && strings.Contains(line, h.config.URLMarker) {
		h.state = backend.AuthAwaitingCode
		h.sendLocked(backend.AuthEvent{
			State: backend.AuthAwaitingCode,
			URL:   extractURL(line, h.config.URLMarker),
		})
	}
}

// expire is the timeout callback. It runs on the clock's timer
// goroutine.
func (h *handshake) expire() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state.Terminal() || h.state == backend.AuthIdle {
		return
	}
	elapsed := h.clock.Now().Sub(h.startedAt)
	h.finishLocked(backend.AuthFailed, "", &backend.AuthTimeoutError{Elapsed: elapsed})
}

// abandon disarms the handshake without emitting anything. Called when
// the process exits; once it returns, no auth event will follow.
func (h *handshake) abandon() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.timer != nil {
		h.timer.Stop()
	}
	if !h.state.Terminal() {
		h.state = backend.AuthFailed
	}
}

// State returns the current handshake state.
func (h *handshake) State() backend.AuthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *handshake) finishLocked(state backend.AuthState, url string, failure error) {
	h.state = state
	if h.timer != nil {
		h.timer.Stop()
	}
	h.sendLocked(backend.AuthEvent{State: state, URL: url, Err: failure})
}

func (h *handshake) sendLocked(auth backend.AuthEvent) {
	h.emit(backend.Event{
		Timestamp: h.clock.Now(),
		Type:      backend.EventTypeAuth,
		Auth:      &auth,
	})
}

// extractURL pulls the verification URL out of a marker line: the
// first whitespace-delimited token after the marker, falling back to
// the first http token anywhere in the line.
func extractURL(line, marker string) string {
	if idx := strings.Index(line, marker); idx >= 0 {
		rest := strings.Fields(line[idx+len(marker):])
		if len(rest) > 0 {
			return rest[0]
		}
	}
	for _, field := range strings.Fields(line) {
		if strings.HasPrefix(field, "http://") || strings.HasPrefix(field, "https://") {
			return field
		}
	}
	return ""
}
