// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strandhq/strand/lib/backend"
	"github.com/strandhq/strand/lib/backend/profile"
	"github.com/strandhq/strand/lib/backend/terminal"
	"github.com/strandhq/strand/lib/clock"
	"github.com/strandhq/strand/lib/codec"
	"github.com/strandhq/strand/lib/runlog"
)

// ErrEngineClosed is returned by operations issued after Shutdown.
var ErrEngineClosed = errors.New("session: engine shut down")

// touchInterval throttles session-row activity updates driven by
// backend output. Input always touches the row.
const touchInterval = 5 * time.Second

// Options configures an Engine. Store is required; everything else
// has a usable default.
type Options struct {
	// Store is the durable session and event store.
	Store *runlog.Store

	// Registry maps kinds to adapter factories. Nil selects
	// DefaultRegistry.
	Registry *Registry

	// Profiles is the loaded backend profile set, keyed by name. A
	// profile named after a kind is that kind's default. May be nil;
	// terminal sessions then fall back to the built-in shell profile.
	Profiles map[string]*profile.Profile

	// Logger receives engine and adapter lifecycle messages.
	Logger *slog.Logger

	// Clock drives timestamps and timeouts.
	Clock clock.Clock

	// ObserverBuffer is the per-observer live event buffer.
	ObserverBuffer int

	// MaxInputBytes caps one SendInput call. Zero means 1 MiB.
	MaxInputBytes int

	// StopGrace is the SIGTERM-to-SIGKILL window for StopSession.
	StopGrace time.Duration

	// AuthTimeout bounds assistant authentication handshakes whose
	// profile does not set its own.
	AuthTimeout time.Duration
}

// Engine owns every live run session: it creates them, routes input to
// them, fans their events out to observers, and tears them down. One
// engine value is constructed by the daemon and threaded explicitly;
// there is no package-level instance.
//
// Each run has a single logical owner inside the engine. Lifecycle,
// input, and append bookkeeping for one run are serialized; distinct
// runs share nothing but the store.
type Engine struct {
	store       *runlog.Store
	broadcaster *Broadcaster
	registry    *Registry
	profiles    map[string]*profile.Profile
	logger      *slog.Logger
	clock       clock.Clock
	maxInput    int
	stopGrace   time.Duration
	authTimeout time.Duration

	mu     sync.Mutex
	closed bool
	runs   map[string]*run
}

// run is the engine-side state of one live session. It exists from
// successful backend start until the exit event is finalized.
type run struct {
	id      string
	kind    string
	adapter backend.Adapter

	mu            sync.Mutex
	status        runlog.Status
	stopRequested bool
	lastActivity  time.Time
	lastTouch     time.Time

	// done closes after the run's terminal status and final events are
	// committed and its feed is closed.
	done chan struct{}
}

// New constructs an engine. The caller owns the store and closes it
// after Shutdown.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("session: Options.Store is required")
	}
	if opts.Registry == nil {
		opts.Registry = DefaultRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.MaxInputBytes <= 0 {
		opts.MaxInputBytes = 1 << 20
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = backend.DefaultAuthTimeout
	}

	return &Engine{
		store:       opts.Store,
		broadcaster: NewBroadcaster(opts.Store, opts.ObserverBuffer, opts.Logger),
		registry:    opts.Registry,
		profiles:    opts.Profiles,
		logger:      opts.Logger,
		clock:       opts.Clock,
		maxInput:    opts.MaxInputBytes,
		stopGrace:   opts.StopGrace,
		authTimeout: opts.AuthTimeout,
		runs:        make(map[string]*run),
	}, nil
}

// CreateRequest describes a session to create. Kind or Profile must
// be set; when both are, the profile's kind must match.
type CreateRequest struct {
	// Kind selects the backend family ("terminal", "assistant", or a
	// registered extension).
	Kind string

	// Profile names a loaded profile. Empty selects the kind's default
	// profile, or the built-in shell for terminal sessions.
	Profile string

	// WorkingDirectory overrides the profile's working directory.
	WorkingDirectory string

	// Metadata is attached to the session row verbatim.
	Metadata map[string]any
}

// CreateSession validates the request, persists the session row,
// launches the backend, and moves the session to running. On a spawn
// failure the row lands in error with a system:error event and the
// returned error carries the *backend.SpawnError.
//
// The returned run ID identifies the session everywhere else.
func (e *Engine) CreateSession(ctx context.Context, req CreateRequest) (string, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return "", ErrEngineClosed
	}

	resolved, err := e.resolveProfile(req)
	if err != nil {
		return "", err
	}

	runID := uuid.NewString()
	cfg := resolved.BackendConfig()
	cfg.RunID = runID
	cfg.StopGrace = e.stopGrace
	cfg.Logger = e.logger.With("run_id", runID, "kind", resolved.Kind)
	cfg.Clock = e.clock
	if req.WorkingDirectory != "" {
		cfg.WorkingDirectory = req.WorkingDirectory
	}
	if cfg.Auth != nil && cfg.Auth.Timeout <= 0 {
		cfg.Auth.Timeout = e.authTimeout
	}

	// Constructing the adapter validates the kind before anything is
	// persisted; an unknown kind leaves no trace.
	adapter, err := e.registry.New(resolved.Kind, cfg)
	if err != nil {
		return "", err
	}

	metadata := maps.Clone(req.Metadata)
	if metadata == nil {
		metadata = make(map[string]any, 2)
	}
	metadata["profile"] = resolved.Name
	if cfg.WorkingDirectory != "" {
		metadata["workspace"] = cfg.WorkingDirectory
	}

	now := e.clock.Now()
	err = e.store.CreateSession(ctx, runlog.Session{
		RunID:    runID,
		Kind:     resolved.Kind,
		Status:   runlog.StatusStarting,
		Metadata: metadata,
	})
	if err != nil {
		return "", fmt.Errorf("persisting session: %w", err)
	}
	if err := e.broadcaster.OpenRun(ctx, runID); err != nil {
		return "", err
	}

	if err := adapter.Start(ctx); err != nil {
		e.recordSpawnFailure(runID, err)
		return "", err
	}

	r := &run{
		id:           runID,
		kind:         resolved.Kind,
		adapter:      adapter,
		status:       runlog.StatusRunning,
		lastActivity: now,
		lastTouch:    now,
		done:         make(chan struct{}),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		stopCtx, cancel := context.WithTimeout(context.Background(), e.stopGrace*2)
		defer cancel()
		if stopErr := adapter.Stop(stopCtx); stopErr != nil {
			e.logger.Warn("stopping backend spawned during shutdown", "run_id", runID, "error", stopErr)
		}
		e.setStatus(runID, runlog.StatusStopped)
		e.broadcaster.CloseRun(runID)
		return "", ErrEngineClosed
	}
	e.runs[runID] = r
	e.mu.Unlock()

	e.setStatus(runID, runlog.StatusRunning)
	e.logger.Info("session created",
		"run_id", runID,
		"kind", resolved.Kind,
		"profile", resolved.Name)

	go e.pump(r)
	return runID, nil
}

// resolveProfile maps a create request onto a launch profile. An
// explicit profile name wins; otherwise a profile named after the kind
// serves as its default; terminal sessions additionally fall back to
// the built-in shell.
func (e *Engine) resolveProfile(req CreateRequest) (*profile.Profile, error) {
	if req.Profile != "" {
		p, exists := e.profiles[req.Profile]
		if !exists {
			return nil, &ValidationError{
				Field:  "profile",
				Reason: fmt.Sprintf("unknown profile %q", req.Profile),
			}
		}
		if req.Kind != "" && req.Kind != p.Kind {
			return nil, &ValidationError{
				Field:  "kind",
				Reason: fmt.Sprintf("profile %q is kind %q, not %q", req.Profile, p.Kind, req.Kind),
			}
		}
		return p, nil
	}

	if req.Kind == "" {
		return nil, &ValidationError{Field: "kind", Reason: "required when no profile is named"}
	}
	if p, exists := e.profiles[req.Kind]; exists {
		return p, nil
	}
	if req.Kind == terminal.Kind {
		return profile.DefaultTerminal(), nil
	}
	return nil, &ValidationError{
		Field:  "profile",
		Reason: fmt.Sprintf("no profile configured for kind %q", req.Kind),
	}
}

// recordSpawnFailure lands a session whose backend never launched in
// the error state, with the failure recorded on the event stream.
func (e *Engine) recordSpawnFailure(runID string, spawnErr error) {
	ctx := context.Background()
	payload, err := codec.Marshal(ErrorPayload{Error: spawnErr.Error()})
	if err == nil {
		if _, err := e.broadcaster.Append(ctx, runID, ChannelError, TypeSpawnError, payload, e.clock.Now()); err != nil {
			e.logger.Error("recording spawn failure", "run_id", runID, "error", err)
		}
	}
	e.setStatus(runID, runlog.StatusError)
	e.broadcaster.CloseRun(runID)
	e.logger.Warn("backend spawn failed", "run_id", runID, "error", spawnErr)
}

// setStatus commits a status transition to the row and mirrors it onto
// the event stream. The event append goes through the feed, so live
// observers see the transition in order with the events around it.
func (e *Engine) setStatus(runID string, to runlog.Status) {
	ctx := context.Background()
	now := e.clock.Now()
	if err := e.store.UpdateStatus(ctx, runID, to, now); err != nil {
		e.logger.Error("updating session status", "run_id", runID, "status", to, "error", err)
	}
	payload, err := codec.Marshal(StatusPayload{Status: string(to)})
	if err != nil {
		return
	}
	if _, err := e.broadcaster.Append(ctx, runID, ChannelStatus, TypeStatus, payload, now); err != nil && !errors.Is(err, ErrRunClosed) {
		e.logger.Error("recording status event", "run_id", runID, "status", to, "error", err)
	}
}

// pump drains one adapter's event stream into the broadcaster and
// finalizes the session when the stream ends. The adapter contract
// guarantees the stream ends with exactly one exit event.
func (e *Engine) pump(r *run) {
	ctx := context.Background()
	var exit *backend.ExitEvent

	for event := range r.adapter.Events() {
		switch event.Type {
		case backend.EventTypeOutput:
			e.appendStream(ctx, r, ChannelStdout, TypeOutput, event.Output.Data, event.Timestamp)
			e.recordActivity(ctx, r, event.Timestamp)

		case backend.EventTypeDelta:
			e.appendStream(ctx, r, ChannelDelta, TypeDelta, []byte(event.Delta.Line), event.Timestamp)
			e.recordActivity(ctx, r, event.Timestamp)

		case backend.EventTypeAuth:
			e.appendAuth(ctx, r, event)

		case backend.EventTypeExit:
			exit = event.Exit
		}
	}

	e.finalize(r, exit)
}

// appendStream commits one backend event, logging rather than failing:
// the pump must drain the stream to reach the exit event no matter
// what the store says.
func (e *Engine) appendStream(ctx context.Context, r *run, channel, eventType string, payload []byte, at time.Time) {
	if _, err := e.broadcaster.Append(ctx, r.id, channel, eventType, payload, at); err != nil {
		e.logger.Error("appending event",
			"run_id", r.id,
			"channel", channel,
			"error", err)
	}
}

// appendAuth maps an adapter auth event onto the assistant:auth
// channel.
func (e *Engine) appendAuth(ctx context.Context, r *run, event backend.Event) {
	var (
		eventType string
		body      any
	)
	switch event.Auth.State {
	case backend.AuthAwaitingCode:
		eventType = TypeAuthURL
		body = AuthURLPayload{URL: event.Auth.URL}
	case backend.AuthComplete:
		eventType = TypeAuthComplete
		body = struct{}{}
	case backend.AuthFailed:
		var timeout *backend.AuthTimeoutError
		body = AuthErrorPayload{
			Error:   event.Auth.Err.Error(),
			Timeout: errors.As(event.Auth.Err, &timeout),
		}
		eventType = TypeAuthError
	default:
		return
	}

	payload, err := codec.Marshal(body)
	if err != nil {
		e.logger.Error("encoding auth event", "run_id", r.id, "error", err)
		return
	}
	e.appendStream(ctx, r, ChannelAuth, eventType, payload, event.Timestamp)

	if event.Auth.State == backend.AuthFailed {
		e.logger.Warn("assistant authentication failed", "run_id", r.id, "error", event.Auth.Err)
	}
}

// recordActivity refreshes the run's idle accounting. The in-memory
// timestamp moves on every event; the row is touched at most once per
// touchInterval to keep output bursts from doubling the write load.
func (e *Engine) recordActivity(ctx context.Context, r *run, at time.Time) {
	r.mu.Lock()
	r.lastActivity = at
	touch := at.Sub(r.lastTouch) >= touchInterval
	if touch {
		r.lastTouch = at
	}
	r.mu.Unlock()

	if touch {
		if err := e.store.Touch(ctx, r.id, at); err != nil {
			e.logger.Error("touching session row", "run_id", r.id, "error", err)
		}
	}
}

// finalize commits a run's terminal state once its event stream has
// ended. A backend exit nobody asked for is a crash: it gets a
// system:error event and the error status. A requested stop, or a
// voluntary clean exit, lands in stopped.
func (e *Engine) finalize(r *run, exit *backend.ExitEvent) {
	ctx := context.Background()
	if exit == nil {
		// The stream ended without an exit event, which breaks the
		// adapter contract. Treat it as a crash with unknown cause.
		exit = &backend.ExitEvent{Code: -1, Err: errors.New("backend event stream ended without exit event")}
	}

	r.mu.Lock()
	stopRequested := r.stopRequested
	r.mu.Unlock()

	crashed := !stopRequested && (exit.Code != 0 || exit.Err != nil)
	if crashed {
		crashErr := &backend.CrashError{ExitCode: exit.Code, Signal: exit.Signal}
		payload := ErrorPayload{Error: crashErr.Error(), Signal: exit.Signal}
		if exit.Err != nil {
			payload.Error = fmt.Sprintf("%s: %v", crashErr.Error(), exit.Err)
		}
		if exit.Code >= 0 {
			code := exit.Code
			payload.ExitCode = &code
		}
		if encoded, err := codec.Marshal(payload); err == nil {
			e.appendStream(ctx, r, ChannelError, TypeCrash, encoded, e.clock.Now())
		}
		e.logger.Warn("backend crashed",
			"run_id", r.id,
			"exit_code", exit.Code,
			"signal", exit.Signal)
	}

	status := runlog.StatusStopped
	if crashed {
		status = runlog.StatusError
	}

	r.mu.Lock()
	r.status = status
	r.mu.Unlock()

	e.setStatus(r.id, status)
	e.broadcaster.CloseRun(r.id)

	e.mu.Lock()
	delete(e.runs, r.id)
	e.mu.Unlock()

	e.logger.Info("session ended",
		"run_id", r.id,
		"status", status,
		"exit_code", exit.Code,
		"signal", exit.Signal)
	close(r.done)
}

// liveRun returns the engine-side state for a run, or nil if the run
// is not live.
func (e *Engine) liveRun(runID string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[runID]
}

// lookupErr produces the typed error for an operation against a run
// that is not live: NotFoundError for unknown runs, NotRunningError
// otherwise.
func (e *Engine) lookupErr(ctx context.Context, runID string) error {
	session, err := e.store.Session(ctx, runID)
	if errors.Is(err, runlog.ErrNotFound) {
		return &NotFoundError{RunID: runID}
	}
	if err != nil {
		return fmt.Errorf("looking up session %s: %w", runID, err)
	}
	return &NotRunningError{RunID: runID, Status: session.Status}
}

// SendInput delivers input bytes to a running session's backend. The
// input is echoed onto the system:input channel before it reaches the
// backend, so a replay shows the input ahead of the output it caused.
// Calls for one run are serialized; input order is arrival order.
func (e *Engine) SendInput(ctx context.Context, runID string, data []byte) error {
	if len(data) == 0 {
		return &ValidationError{Field: "data", Reason: "empty input"}
	}
	if len(data) > e.maxInput {
		return &ValidationError{
			Field:  "data",
			Reason: fmt.Sprintf("input of %d bytes exceeds the %d byte limit", len(data), e.maxInput),
		}
	}

	r := e.liveRun(runID)
	if r == nil {
		return e.lookupErr(ctx, runID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != runlog.StatusRunning {
		return &NotRunningError{RunID: runID, Status: r.status}
	}

	now := e.clock.Now()
	if _, err := e.broadcaster.Append(ctx, runID, ChannelInput, TypeInput, data, now); err != nil {
		return fmt.Errorf("recording input: %w", err)
	}
	if err := r.adapter.Write(data); err != nil {
		return fmt.Errorf("writing to %s backend: %w", r.kind, err)
	}

	r.lastActivity = now
	r.lastTouch = now
	if err := e.store.Touch(ctx, runID, now); err != nil {
		e.logger.Error("touching session row", "run_id", runID, "error", err)
	}
	return nil
}

// Operation names for SessionOperation.
const OpResize = "resize"

// Operation is a capability invocation against a live session.
type Operation struct {
	// Name selects the operation. OpResize is the only built-in.
	Name string

	// Rows and Cols apply to OpResize.
	Rows uint16
	Cols uint16
}

// SessionOperation invokes an optional backend capability. Backends
// that do not implement the capability produce
// *backend.UnsupportedOperationError; unknown operation names produce
// *ValidationError.
func (e *Engine) SessionOperation(ctx context.Context, runID string, op Operation) error {
	r := e.liveRun(runID)
	if r == nil {
		return e.lookupErr(ctx, runID)
	}

	switch op.Name {
	case OpResize:
		if op.Rows == 0 || op.Cols == 0 {
			return &ValidationError{Field: "resize", Reason: "rows and cols must be positive"}
		}
		resizer, ok := r.adapter.(backend.Resizer)
		if !ok {
			return &backend.UnsupportedOperationError{Kind: r.kind, Operation: OpResize}
		}
		if err := resizer.Resize(op.Rows, op.Cols); err != nil {
			return fmt.Errorf("resizing %s backend: %w", r.kind, err)
		}
		return nil

	default:
		return &ValidationError{
			Field:  "op",
			Reason: fmt.Sprintf("unknown operation %q", op.Name),
		}
	}
}

// StopSession shuts a session's backend down and waits for its
// terminal state to commit. Idempotent: stopping a session that
// already reached stopped or error reports success. The backend gets
// the configured grace between the polite signal and the kill, so the
// call outlives a wedged backend rather than the other way around.
func (e *Engine) StopSession(ctx context.Context, runID string) error {
	r := e.liveRun(runID)
	if r == nil {
		session, err := e.store.Session(ctx, runID)
		if errors.Is(err, runlog.ErrNotFound) {
			return &NotFoundError{RunID: runID}
		}
		if err != nil {
			return fmt.Errorf("looking up session %s: %w", runID, err)
		}
		if session.Status.Terminal() {
			return nil
		}
		// The row says live but no backend is attached: the daemon
		// lost it, most likely to a restart the recovery sweep has not
		// covered. Settle the row.
		e.setStatus(runID, runlog.StatusStopped)
		e.broadcaster.CloseRun(runID)
		return nil
	}

	r.mu.Lock()
	r.stopRequested = true
	r.mu.Unlock()

	if err := r.adapter.Stop(ctx); err != nil {
		return fmt.Errorf("stopping %s backend: %w", r.kind, err)
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attach opens an ordered event stream for a session, live or
// terminated, starting after the given cursor. Cursor 0 replays from
// the beginning; a cursor past the newest event is invalid.
func (e *Engine) Attach(ctx context.Context, runID string, afterSeq uint64) (*Attachment, error) {
	if _, err := e.store.Session(ctx, runID); err != nil {
		if errors.Is(err, runlog.ErrNotFound) {
			return nil, &NotFoundError{RunID: runID}
		}
		return nil, fmt.Errorf("looking up session %s: %w", runID, err)
	}

	if afterSeq > 0 {
		latest, err := e.store.LatestSeq(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("validating cursor for %s: %w", runID, err)
		}
		if afterSeq > latest {
			return nil, &ValidationError{
				Field:  "after_seq",
				Reason: fmt.Sprintf("cursor %d is past the newest event %d", afterSeq, latest),
			}
		}
	}

	return e.broadcaster.Attach(ctx, runID, afterSeq)
}

// SessionInfo is one session's row merged with the engine's live view.
type SessionInfo struct {
	runlog.Session

	// Live reports whether this engine currently hosts the backend.
	Live bool

	// LastActivity is the newest input or output timestamp. For
	// sessions that are not live it equals the row's UpdatedAt.
	LastActivity time.Time

	// LastSeq is the newest appended sequence number, the cursor a
	// re-attaching observer resumes from. Zero means no events yet.
	LastSeq uint64

	// Observers is the number of attached live observers.
	Observers int
}

// Sessions snapshots every session: the reaper hook. Terminal rows
// come straight from the store; live rows carry in-memory activity and
// observer counts.
func (e *Engine) Sessions(ctx context.Context) ([]SessionInfo, error) {
	rows, err := e.store.Sessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	infos := make([]SessionInfo, 0, len(rows))
	for _, row := range rows {
		info := SessionInfo{Session: row, LastActivity: row.UpdatedAt}
		if r := e.liveRun(row.RunID); r != nil {
			r.mu.Lock()
			info.Live = true
			info.LastActivity = r.lastActivity
			info.Status = r.status
			r.mu.Unlock()
			info.Observers = e.broadcaster.Observers(row.RunID)
		}
		if info.LastSeq, err = e.store.LatestSeq(ctx, row.RunID); err != nil {
			return nil, fmt.Errorf("reading latest seq for %s: %w", row.RunID, err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// SessionInfo returns one session's merged view.
func (e *Engine) SessionInfo(ctx context.Context, runID string) (SessionInfo, error) {
	row, err := e.store.Session(ctx, runID)
	if errors.Is(err, runlog.ErrNotFound) {
		return SessionInfo{}, &NotFoundError{RunID: runID}
	}
	if err != nil {
		return SessionInfo{}, fmt.Errorf("looking up session %s: %w", runID, err)
	}

	info := SessionInfo{Session: row, LastActivity: row.UpdatedAt}
	if r := e.liveRun(runID); r != nil {
		r.mu.Lock()
		info.Live = true
		info.LastActivity = r.lastActivity
		info.Status = r.status
		r.mu.Unlock()
		info.Observers = e.broadcaster.Observers(runID)
	}
	if info.LastSeq, err = e.store.LatestSeq(ctx, runID); err != nil {
		return SessionInfo{}, fmt.Errorf("reading latest seq for %s: %w", runID, err)
	}
	return info, nil
}

// Export writes a session's export bundle to w and returns the number
// of events included.
func (e *Engine) Export(ctx context.Context, runID string, w io.Writer) (uint64, error) {
	count, err := e.store.WriteExport(ctx, runID, w)
	if errors.Is(err, runlog.ErrNotFound) {
		return 0, &NotFoundError{RunID: runID}
	}
	return count, err
}

// Recover settles sessions left in starting or running by a previous
// daemon process. Their backends died with that process, so each gets
// a system:error event and the error status. Call it once, before the
// engine starts serving.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	recovered := 0
	for _, status := range []runlog.Status{runlog.StatusStarting, runlog.StatusRunning} {
		rows, err := e.store.SessionsByStatus(ctx, status)
		if err != nil {
			return recovered, fmt.Errorf("listing %s sessions: %w", status, err)
		}
		for _, row := range rows {
			if err := e.recoverSession(ctx, row); err != nil {
				return recovered, err
			}
			recovered++
		}
	}
	return recovered, nil
}

// recoverSession moves one orphaned row to error, recording why on its
// event stream. The feed machinery is bypassed: nothing can be
// attached this early in the daemon's life.
func (e *Engine) recoverSession(ctx context.Context, row runlog.Session) error {
	now := e.clock.Now()

	payload, err := codec.Marshal(ErrorPayload{
		Error: "daemon restarted while the session was live; backend lost",
	})
	if err == nil {
		if _, err := e.store.Append(ctx, row.RunID, ChannelError, TypeDaemonRestart, payload, now); err != nil {
			return fmt.Errorf("recording restart for %s: %w", row.RunID, err)
		}
	}
	if err := e.store.UpdateStatus(ctx, row.RunID, runlog.StatusError, now); err != nil {
		return fmt.Errorf("settling %s: %w", row.RunID, err)
	}
	statusPayload, err := codec.Marshal(StatusPayload{Status: string(runlog.StatusError)})
	if err == nil {
		if _, err := e.store.Append(ctx, row.RunID, ChannelStatus, TypeStatus, statusPayload, now); err != nil {
			return fmt.Errorf("recording restart status for %s: %w", row.RunID, err)
		}
	}

	e.logger.Warn("recovered orphaned session",
		"run_id", row.RunID,
		"kind", row.Kind,
		"previous_status", row.Status)
	return nil
}

// Shutdown stops every live session and waits for their terminal
// states to commit. The engine refuses new sessions afterward; the
// caller closes the store.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	live := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		live = append(live, r)
	}
	e.mu.Unlock()

	if len(live) == 0 {
		return nil
	}
	e.logger.Info("stopping live sessions", "count", len(live))

	var wg sync.WaitGroup
	errs := make([]error, len(live))
	for i, r := range live {
		wg.Add(1)
		go func() {
			defer wg.Done()

			r.mu.Lock()
			r.stopRequested = true
			r.mu.Unlock()

			if err := r.adapter.Stop(ctx); err != nil {
				errs[i] = fmt.Errorf("stopping %s: %w", r.id, err)
				return
			}
			select {
			case <-r.done:
			case <-ctx.Done():
				errs[i] = fmt.Errorf("waiting for %s: %w", r.id, ctx.Err())
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
