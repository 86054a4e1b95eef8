// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/strandhq/strand/lib/attach"
	"github.com/strandhq/strand/lib/config"
)

// callTimeout bounds every one-shot control call. Attach streams are
// exempt; they live until either side ends them.
const callTimeout = 30 * time.Second

// resolveSocket picks the daemon socket path. The --socket flag wins,
// then STRAND_SOCKET, then the configuration file named by
// STRAND_CONFIG, then the built-in default paths.
func resolveSocket(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env := os.Getenv("STRAND_SOCKET"); env != "" {
		return env, nil
	}
	if os.Getenv("STRAND_CONFIG") != "" {
		cfg, err := config.Load()
		if err != nil {
			return "", err
		}
		return cfg.Paths.Socket, nil
	}
	return config.Default().Paths.Socket, nil
}

// newClient returns a control client for the resolved daemon socket.
func newClient(socketFlag string) (*attach.Client, error) {
	socketPath, err := resolveSocket(socketFlag)
	if err != nil {
		return nil, err
	}
	return attach.NewClient(socketPath), nil
}

// callContext returns the bounded context for a one-shot control call.
func callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), callTimeout)
}

// sessionRow mirrors the daemon's session record on the control
// protocol. Timestamps are unix milliseconds.
type sessionRow struct {
	RunID        string         `cbor:"run_id" json:"run_id"`
	Kind         string         `cbor:"kind" json:"kind"`
	Status       string         `cbor:"status" json:"status"`
	Metadata     map[string]any `cbor:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt    int64          `cbor:"created_at" json:"created_at"`
	UpdatedAt    int64          `cbor:"updated_at" json:"updated_at"`
	Live         bool           `cbor:"live" json:"live"`
	LastActivity int64          `cbor:"last_activity" json:"last_activity"`
	LastSeq      uint64         `cbor:"last_seq" json:"last_seq"`
	Observers    int            `cbor:"observers" json:"observers"`
}

type listReply struct {
	Sessions []sessionRow `cbor:"sessions"`
}

type createReply struct {
	RunID string `cbor:"run_id" json:"run_id"`
}

type exportReply struct {
	RunID  string `cbor:"run_id"`
	Events uint64 `cbor:"events"`
	Bundle []byte `cbor:"bundle"`
}

// fetchInfo retrieves one session's record.
func fetchInfo(client *attach.Client, runID string) (sessionRow, error) {
	ctx, cancel := callContext()
	defer cancel()
	var row sessionRow
	if err := client.Call(ctx, "info", map[string]any{"run_id": runID}, &row); err != nil {
		return sessionRow{}, err
	}
	return row, nil
}

// formatDuration renders a duration the way the session table shows
// ages and idle times: the two most significant units, no finer than
// seconds.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "0s"
	}

	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		if hours > 0 {
			return fmt.Sprintf("%dd %dh", days, hours)
		}
		return fmt.Sprintf("%dd", days)
	case hours > 0:
		if minutes > 0 {
			return fmt.Sprintf("%dh %dm", hours, minutes)
		}
		return fmt.Sprintf("%dh", hours)
	case minutes > 0:
		if seconds > 0 {
			return fmt.Sprintf("%dm %ds", minutes, seconds)
		}
		return fmt.Sprintf("%dm", minutes)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
