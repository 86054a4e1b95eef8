// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/strandhq/strand/lib/runlog"
)

// ErrRunClosed is returned by Append when the run's feed has been
// closed. The feed closes only after the session reached a terminal
// status, so a caller seeing this raced session shutdown.
var ErrRunClosed = errors.New("session: run feed closed")

// DefaultObserverBuffer is the per-observer event buffer when the
// configuration does not set one. Large enough to absorb a PTY output
// burst without drops.
const DefaultObserverBuffer = 256

// errBacklogDone stops a backlog scan at the live-feed join point.
var errBacklogDone = errors.New("session: backlog complete")

// errDetached aborts a backlog scan whose observer detached.
var errDetached = errors.New("session: observer detached")

// Broadcaster fans appended events out to attached observers while
// keeping the durable store the single source of truth. Every event is
// committed before any observer sees it, so an observer set of zero is
// never a loss: the whole stream is replayable from the store.
//
// Attachment is linearizable against Append: an observer attached with
// cursor afterSeq receives exactly the events with seq > afterSeq,
// gapless and without duplicates, regardless of how attach interleaves
// with concurrent appends. The per-run feed mutex is the ordering
// point: Append commits and fans out under it, Attach captures the
// join position and registers under it.
type Broadcaster struct {
	store      *runlog.Store
	logger     *slog.Logger
	bufferSize int
	observerID atomic.Uint64

	mu    sync.Mutex
	feeds map[string]*feed
}

// feed is the live fan-out state for one run.
type feed struct {
	mu sync.Mutex

	// lastSeq is the highest seq committed through this feed. It is
	// the attach join point: backlog covers (afterSeq, lastSeq], the
	// live channel covers everything after.
	lastSeq uint64

	closed    bool
	observers map[uint64]*observer
}

// observer is one attached live stream.
type observer struct {
	live   chan runlog.Event
	gapped *atomic.Bool
}

// NewBroadcaster returns a broadcaster over the given store.
// bufferSize is the per-observer live buffer; values below one fall
// back to DefaultObserverBuffer.
func NewBroadcaster(store *runlog.Store, bufferSize int, logger *slog.Logger) *Broadcaster {
	if bufferSize < 1 {
		bufferSize = DefaultObserverBuffer
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Broadcaster{
		store:      store,
		logger:     logger,
		bufferSize: bufferSize,
		feeds:      make(map[string]*feed),
	}
}

// OpenRun creates the live feed for a run, priming the join point from
// the store. Idempotent. Call it before the session starts producing
// events; Append to a run without an open feed fails.
func (b *Broadcaster) OpenRun(ctx context.Context, runID string) error {
	b.mu.Lock()
	_, exists := b.feeds[runID]
	b.mu.Unlock()
	if exists {
		return nil
	}

	latest, err := b.store.LatestSeq(ctx, runID)
	if err != nil {
		return fmt.Errorf("priming feed for %s: %w", runID, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.feeds[runID]; !exists {
		b.feeds[runID] = &feed{
			lastSeq:   latest,
			observers: make(map[uint64]*observer),
		}
	}
	return nil
}

// Append durably commits one event and fans it out to the run's
// observers. The commit happens before any delivery; an observer whose
// buffer is full is marked gapped and detached rather than blocking
// the append path.
//
// Concurrent Appends to one run are serialized by the feed mutex, so
// delivery order always matches seq order.
func (b *Broadcaster) Append(ctx context.Context, runID, channel, eventType string, payload []byte, at time.Time) (runlog.Event, error) {
	b.mu.Lock()
	f := b.feeds[runID]
	b.mu.Unlock()
	if f == nil {
		return runlog.Event{}, ErrRunClosed
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return runlog.Event{}, ErrRunClosed
	}

	event, err := b.store.Append(ctx, runID, channel, eventType, payload, at)
	if err != nil {
		return runlog.Event{}, err
	}
	f.lastSeq = event.Seq

	for id, obs := range f.observers {
		select {
		case obs.live <- event:
		default:
			// The observer is not keeping up. Dropping it here keeps
			// the stream it already received gapless; the closed
			// channel plus the gapped mark tell it to re-attach from
			// its own cursor.
			obs.gapped.Store(true)
			delete(f.observers, id)
			close(obs.live)
			b.logger.Warn("observer lagged, detaching",
				"run_id", runID,
				"seq", event.Seq)
		}
	}

	return event, nil
}

// Attach opens an ordered event stream for one run starting after
// afterSeq. For a run with a live feed the stream continues until the
// feed closes or the observer falls behind; for a terminated run it
// delivers the stored backlog and ends.
//
// The caller is responsible for run existence; attaching to an unknown
// run yields an empty, immediately-closed stream.
func (b *Broadcaster) Attach(ctx context.Context, runID string, afterSeq uint64) (*Attachment, error) {
	attachment := &Attachment{
		runID:  runID,
		events: make(chan runlog.Event),
		stop:   make(chan struct{}),
		gapped: &atomic.Bool{},
	}

	b.mu.Lock()
	f := b.feeds[runID]
	b.mu.Unlock()

	var joinSeq uint64
	if f != nil {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			f = nil
		} else {
			joinSeq = f.lastSeq
			live := make(chan runlog.Event, b.bufferSize)
			id := b.observerID.Add(1)
			f.observers[id] = &observer{live: live, gapped: attachment.gapped}
			attachment.live = live
			attachment.remove = func() { b.removeObserver(f, id) }
			f.mu.Unlock()
		}
	}

	if f == nil {
		// No live feed: the session is terminal (or unknown). Serve
		// the stored backlog and end the stream.
		latest, err := b.store.LatestSeq(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("reading backlog bound for %s: %w", runID, err)
		}
		joinSeq = latest
		closed := make(chan runlog.Event)
		close(closed)
		attachment.live = closed
		attachment.remove = func() {}
	}

	go b.pump(ctx, attachment, afterSeq, joinSeq)
	return attachment, nil
}

// removeObserver detaches one observer from a feed, if it is still
// registered.
func (b *Broadcaster) removeObserver(f *feed, id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if obs, exists := f.observers[id]; exists {
		delete(f.observers, id)
		close(obs.live)
	}
}

// pump drives one attachment: backlog from the store up to the join
// point, then the live channel until it closes.
func (b *Broadcaster) pump(ctx context.Context, attachment *Attachment, afterSeq, joinSeq uint64) {
	defer func() {
		attachment.Detach()
		close(attachment.events)
	}()

	if joinSeq > afterSeq {
		err := b.store.Since(ctx, attachment.runID, afterSeq, func(event runlog.Event) error {
			if event.Seq > joinSeq {
				return errBacklogDone
			}
			select {
			case attachment.events <- event:
				return nil
			case <-attachment.stop:
				return errDetached
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		switch {
		case err == nil || errors.Is(err, errBacklogDone):
		case errors.Is(err, errDetached) || errors.Is(err, context.Canceled):
			return
		default:
			// The stream is incomplete; the gapped mark tells the
			// observer to re-attach.
			attachment.gapped.Store(true)
			b.logger.Warn("backlog replay failed",
				"run_id", attachment.runID,
				"error", err)
			return
		}
	}

	for {
		select {
		case event, ok := <-attachment.live:
			if !ok {
				return
			}
			select {
			case attachment.events <- event:
			case <-attachment.stop:
				return
			case <-ctx.Done():
				return
			}
		case <-attachment.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// CloseRun tears down a run's feed, ending every attached stream. Call
// it only after the session's final event and terminal status are
// committed, so late attachers replaying from the store still see the
// complete history.
func (b *Broadcaster) CloseRun(runID string) {
	b.mu.Lock()
	f := b.feeds[runID]
	delete(b.feeds, runID)
	b.mu.Unlock()
	if f == nil {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, obs := range f.observers {
		delete(f.observers, id)
		close(obs.live)
	}
}

// Observers reports how many live observers a run currently has.
func (b *Broadcaster) Observers(runID string) int {
	b.mu.Lock()
	f := b.feeds[runID]
	b.mu.Unlock()
	if f == nil {
		return 0
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.observers)
}

// Attachment is one observer's ordered view of a run's event stream.
//
// Events delivers seq afterSeq+1 onward with no gaps or duplicates.
// The channel closes when the session ends, the observer detaches, or
// the observer falls too far behind; in the last case Gapped reports
// true and the observer should re-attach from the last seq it saw.
type Attachment struct {
	runID  string
	events chan runlog.Event

	// live is the feed-side channel; closed by the broadcaster on
	// session end or overflow. For backlog-only attachments it is a
	// pre-closed channel.
	live chan runlog.Event

	// stop unblocks the pump when the observer detaches mid-stream.
	stop   chan struct{}
	gapped *atomic.Bool
	remove func()
	once   sync.Once
}

// RunID returns the run this attachment observes.
func (at *Attachment) RunID() string { return at.runID }

// Events returns the ordered event stream.
func (at *Attachment) Events() <-chan runlog.Event { return at.events }

// Gapped reports whether the stream dropped events because the
// observer fell behind. Meaningful once Events has closed.
func (at *Attachment) Gapped() bool { return at.gapped.Load() }

// Detach ends the stream. Idempotent; safe to call concurrently with
// stream consumption and after the stream has already closed.
func (at *Attachment) Detach() {
	at.once.Do(func() {
		at.remove()
		close(at.stop)
	})
}
