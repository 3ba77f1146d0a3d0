// Package syncengine implements the SyncEngine: initial state acquisition
// via a caller-supplied snapshot function, sequenceId monotonicity
// tracking, and the resync protocol that recovers from stream
// discontinuities.
package syncengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ably-labs/models-sdk-go/internal/retry"
	"github.com/ably-labs/models-sdk-go/internal/seqid"
)

// Snapshot fetches the current server-authoritative state together with
// the sequenceId it was taken at.
type Snapshot func(ctx context.Context) (data any, sequenceID string, err error)

// StreamController is the subset of Stream's API the sync engine drives
// during a resync.
type StreamController interface {
	Pause()
	// ResumeFrom resumes delivery after the stream was paused for resync,
	// replaying history after afterSequenceID first to close the gap
	// opened while paused.
	ResumeFrom(ctx context.Context, afterSequenceID string) error
}

// OptimisticDiscarder is the subset of OptimisticLayer's API the sync
// engine drives during a resync.
type OptimisticDiscarder interface {
	DiscardAll(err error, seed any)
}

// Engine coordinates initial sync and resync. A zero Engine is not usable;
// construct with New.
type Engine struct {
	mu             sync.Mutex
	snapshot       Snapshot
	strategy       retry.Strategy
	lastSequenceID string
	hasSequence    bool

	stream     StreamController
	optimistic OptimisticDiscarder
}

// New constructs an Engine. stream and optimistic may be nil for an Engine
// used only for initial sync (no resync capability).
func New(snapshot Snapshot, strategy retry.Strategy, stream StreamController, optimistic OptimisticDiscarder) *Engine {
	if strategy == nil {
		strategy = retry.DefaultStrategy()
	}
	return &Engine{snapshot: snapshot, strategy: strategy, stream: stream, optimistic: optimistic}
}

// ErrExhausted wraps the last snapshot error once the retry strategy gives
// up.
type ErrExhausted struct {
	Attempts int
	Cause    error
}

func (e *ErrExhausted) Error() string {
	return fmt.Sprintf("syncengine: snapshot failed after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *ErrExhausted) Unwrap() error { return e.Cause }

// Sync fetches the initial snapshot, retrying per the configured strategy
// until it succeeds or the strategy gives up. On success the engine
// records the returned sequenceId as its monotonicity baseline.
func (e *Engine) Sync(ctx context.Context) (data any, sequenceID string, err error) {
	data, sequenceID, err = e.fetchWithRetry(ctx)
	if err != nil {
		return nil, "", err
	}
	e.mu.Lock()
	e.lastSequenceID = sequenceID
	e.hasSequence = true
	e.mu.Unlock()
	return data, sequenceID, nil
}

// Resync runs the full discontinuity recovery protocol: pause the stream,
// fetch a fresh snapshot (with retry), discard every outstanding
// optimistic batch with discardErr, reseed the optimistic layer with the
// fresh snapshot, advance the monotonicity baseline, then resume the
// stream from the fresh sequenceId (replaying history after it to close
// the gap opened while paused). If the snapshot fetch is exhausted, the
// stream is left paused and the caller is responsible for transitioning
// to a terminal error state.
func (e *Engine) Resync(ctx context.Context, discardErr error) (data any, sequenceID string, err error) {
	if e.stream == nil || e.optimistic == nil {
		return nil, "", fmt.Errorf("syncengine: Resync requires a stream and optimistic layer")
	}
	e.stream.Pause()

	data, sequenceID, err = e.fetchWithRetry(ctx)
	if err != nil {
		return nil, "", err
	}

	e.optimistic.DiscardAll(discardErr, data)

	e.mu.Lock()
	e.lastSequenceID = sequenceID
	e.hasSequence = true
	e.mu.Unlock()

	if err := e.stream.ResumeFrom(ctx, sequenceID); err != nil {
		return nil, "", fmt.Errorf("syncengine: resume after resync failed: %w", err)
	}
	return data, sequenceID, nil
}

// ShouldApply reports whether a confirmed event at sequenceID is newer
// than the last one applied, per seqid's numeric-then-lexicographic
// ordering. Strict ordering: equal or older sequenceIds are discarded as
// duplicates.
func (e *Engine) ShouldApply(sequenceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.hasSequence {
		return true
	}
	return seqid.Compare(sequenceID, e.lastSequenceID) > 0
}

// Advance records sequenceID as the new monotonicity baseline. Callers
// must only call this after successfully applying the corresponding
// event.
func (e *Engine) Advance(sequenceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.hasSequence || seqid.Compare(sequenceID, e.lastSequenceID) > 0 {
		e.lastSequenceID = sequenceID
		e.hasSequence = true
	}
}

// LastSequenceID returns the current monotonicity baseline and whether one
// has been established yet.
func (e *Engine) LastSequenceID() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSequenceID, e.hasSequence
}

func (e *Engine) fetchWithRetry(ctx context.Context) (any, string, error) {
	attempt := 0
	for {
		data, sequenceID, err := e.snapshot(ctx)
		if err == nil {
			return data, sequenceID, nil
		}
		attempt++
		delay := e.strategy(attempt)
		if delay == retry.GiveUp {
			return nil, "", &ErrExhausted{Attempts: attempt, Cause: err}
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, "", ctx.Err()
		}
	}
}
