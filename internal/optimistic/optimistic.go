// Package optimistic implements the OptimisticLayer: tracking of outstanding
// optimistic events, the optimistic projection, confirmation matching, and
// rollback on rejection, timeout, or cancellation.
//
// All public methods serialise through a single mutex, mirroring the
// single-actor execution model this package mandates: no two Apply-shaped
// operations ever run concurrently against the same Layer.
package optimistic

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/ably-labs/models-sdk-go/internal/merge"
)

// Event mirrors the public models.Event shape; kept local to avoid an
// import cycle with the root package, which owns the public type.
type Event struct {
	MutationID      string
	Name            string
	Data            any
	SequenceID      string
	Confirmed       bool
	Rejected        bool
	RejectionReason string
	UUID            string
}

func (e Event) toMergeEvent() merge.Event {
	return merge.Event{
		MutationID: e.MutationID,
		Name:       e.Name,
		Data:       e.Data,
		SequenceID: e.SequenceID,
		Confirmed:  e.Confirmed,
	}
}

// Comparator decides whether a confirmed event matches an outstanding
// optimistic event.
type Comparator func(optimistic Event, confirmed Event) bool

// DefaultComparator matches by MutationID equality when both sides carry
// one, falling back to name+data deep-equality.
func DefaultComparator(optimistic Event, confirmed Event) bool {
	if optimistic.MutationID != "" && confirmed.MutationID != "" {
		return optimistic.MutationID == confirmed.MutationID
	}
	return optimistic.Name == confirmed.Name && reflect.DeepEqual(optimistic.Data, confirmed.Data)
}

// SubmitParams controls a single Submit call.
type SubmitParams struct {
	Timeout    time.Duration
	Comparator Comparator
}

// DefaultTimeout is used when SubmitParams.Timeout is zero.
const DefaultTimeout = 120 * time.Second

// Pending is one outstanding batch of optimistic events awaiting
// confirmation, rejection, or timeout. Exactly one of its outcomes fires
// exactly once.
type Pending struct {
	mu         sync.Mutex
	events     []Event
	remaining  map[string]struct{}
	comparator Comparator
	timer      *time.Timer
	done       bool
	resultCh   chan error
}

// Result returns a channel that receives the batch's settlement error (nil
// when every event was confirmed) once, and is then closed.
func (p *Pending) Result() <-chan error { return p.resultCh }

func newPending(events []Event, comparator Comparator) *Pending {
	remaining := make(map[string]struct{}, len(events))
	for _, ev := range events {
		remaining[ev.UUID] = struct{}{}
	}
	return &Pending{
		events:     events,
		remaining:  remaining,
		comparator: comparator,
		resultCh:   make(chan error, 1),
	}
}

func (p *Pending) settle(err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return false
	}
	p.done = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.resultCh <- err
	close(p.resultCh)
	return true
}

// Events returns a defensive copy of the batch's original events.
func (p *Pending) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

type outstandingEntry struct {
	event   Event
	pending *Pending
}

// Layer owns the confirmed/optimistic projections and the outstanding
// optimistic event list. A zero Layer is not usable; construct with New.
type Layer struct {
	mu          sync.Mutex
	engine      *merge.Engine
	confirmed   any
	optimistic  any
	outstanding []outstandingEntry
	pendings    []*Pending

	// OnTimeout is invoked (outside the lock) whenever a Pending's timer
	// fires and the layer has rolled its events back, with the resulting
	// optimistic projection, so callers can republish state.
	OnTimeout func(pending *Pending, newOptimistic any)
}

// New constructs a Layer seeded with the initial state (normally the
// snapshot's data).
func New(engine *merge.Engine, initial any) *Layer {
	return &Layer{engine: engine, confirmed: initial, optimistic: initial}
}

// Confirmed returns the current confirmed projection.
func (l *Layer) Confirmed() any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.confirmed
}

// Optimistic returns the current optimistic projection.
func (l *Layer) Optimistic() any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.optimistic
}

// OutstandingCount reports how many optimistic events are awaiting
// confirmation across all pending batches.
func (l *Layer) OutstandingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.outstanding)
}

// Submit folds events into the optimistic projection and registers a
// Pending confirmation for the batch. Returns the new optimistic state (the
// caller is responsible for publishing it) and the Pending to await.
func (l *Layer) Submit(events []Event, params SubmitParams) (any, *Pending, error) {
	if len(events) == 0 {
		return nil, nil, fmt.Errorf("optimistic: events must be non-empty")
	}
	for i, ev := range events {
		if ev.MutationID == "" {
			return nil, nil, fmt.Errorf("optimistic: event %d missing mutationId", i)
		}
	}

	timeout := params.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	comparator := params.Comparator
	if comparator == nil {
		comparator = DefaultComparator
	}

	l.mu.Lock()
	pending := newPending(events, comparator)
	for _, ev := range events {
		l.outstanding = append(l.outstanding, outstandingEntry{event: ev, pending: pending})
	}
	l.pendings = append(l.pendings, pending)
	newOptimistic, err := l.recomputeOptimisticLocked()
	if err != nil {
		// Roll back the registration so a merge failure doesn't leave a
		// half-registered batch behind; the caller surfaces err as fatal.
		l.removeOutstandingForLocked(pending)
		l.removePendingLocked(pending)
		l.mu.Unlock()
		return nil, nil, err
	}
	l.mu.Unlock()

	pending.timer = time.AfterFunc(timeout, func() { l.timeoutPending(pending) })

	return newOptimistic, pending, nil
}

// Cancel rejects pending immediately with err, equivalent to an
// instantaneous timeout.
func (l *Layer) Cancel(pending *Pending, err error) (newOptimistic any, changed bool) {
	return l.rollback(pending, err)
}

func (l *Layer) timeoutPending(pending *Pending) {
	newOptimistic, changed := l.rollback(pending, &timeoutSentinel{})
	if changed && l.OnTimeout != nil {
		l.OnTimeout(pending, newOptimistic)
	}
}

// rollback removes pending's still-outstanding events (if any remain) and
// settles it with err. Returns the recomputed optimistic state and whether
// anything changed.
func (l *Layer) rollback(pending *Pending, err error) (any, bool) {
	if !pending.settle(err) {
		return l.Optimistic(), false
	}
	l.mu.Lock()
	l.removeOutstandingForLocked(pending)
	l.removePendingLocked(pending)
	newOptimistic, _ := l.recomputeOptimisticLocked()
	l.mu.Unlock()
	return newOptimistic, true
}

// timeoutSentinel lets the layer distinguish a timeout-triggered rollback
// without importing the root errors package; the root package maps it to
// models.TimeoutError before surfacing it to callers.
type timeoutSentinel struct{}

func (*timeoutSentinel) Error() string { return "optimistic confirmation timed out" }

// IsTimeout reports whether err originated from a Pending's own timer,
// letting the root package translate it into a TimeoutError with details.
func IsTimeout(err error) bool {
	_, ok := err.(*timeoutSentinel)
	return ok
}

// ApplyConfirmed folds a confirmed (non-rejected) event into the confirmed
// projection, matches it against every outstanding optimistic event across
// all pendings, and recomputes the optimistic projection. It returns the
// new confirmed and optimistic states plus the batches (if any) that
// completed as a result, in the order they completed.
func (l *Layer) ApplyConfirmed(confirmedEvent Event) (newConfirmed, newOptimistic any, completed []*Pending, err error) {
	l.mu.Lock()
	next, applyErr := l.engine.Apply(l.confirmed, confirmedEvent.toMergeEvent())
	if applyErr != nil {
		l.mu.Unlock()
		return l.confirmed, l.optimistic, nil, applyErr
	}
	l.confirmed = next

	matched := l.matchLocked(confirmedEvent)
	l.removeEntriesLocked(matched)

	var settled []*Pending
	seen := make(map[*Pending]bool)
	for _, e := range matched {
		if seen[e.pending] {
			continue
		}
		seen[e.pending] = true
		if len(l.remainingForLocked(e.pending)) == 0 {
			settled = append(settled, e.pending)
		}
	}
	for _, p := range settled {
		l.removePendingLocked(p)
	}

	newOpt, recomputeErr := l.recomputeOptimisticLocked()
	l.mu.Unlock()

	for _, p := range settled {
		p.settle(nil)
	}

	if recomputeErr != nil {
		return l.Confirmed(), l.Optimistic(), settled, recomputeErr
	}
	return l.confirmed, newOpt, settled, nil
}

// ApplyRejected handles a confirmed event carrying a rejection marker: the
// matched optimistic events are discarded without being applied, and every
// pending batch that had a matched event is rejected in full (a
// partial-failure policy: batches are atomic from the caller's
// perspective). Returns the recomputed optimistic state and the rejected
// batches.
func (l *Layer) ApplyRejected(confirmedEvent Event) (newOptimistic any, rejected []*Pending) {
	l.mu.Lock()
	matched := l.matchLocked(confirmedEvent)

	seen := make(map[*Pending]bool)
	var batches []*Pending
	for _, e := range matched {
		if !seen[e.pending] {
			seen[e.pending] = true
			batches = append(batches, e.pending)
		}
	}
	for _, p := range batches {
		l.removeOutstandingForLocked(p)
		l.removePendingLocked(p)
	}
	newOpt, _ := l.recomputeOptimisticLocked()
	l.mu.Unlock()

	reason := confirmedEvent.RejectionReason
	for _, p := range batches {
		p.settle(&rejectedSentinel{Reason: reason})
	}
	return newOpt, batches
}

type rejectedSentinel struct{ Reason string }

func (e *rejectedSentinel) Error() string { return "optimistic event rejected: " + e.Reason }

// RejectedReason extracts the server-supplied rejection reason from err, if
// err originated from ApplyRejected.
func RejectedReason(err error) (string, bool) {
	r, ok := err.(*rejectedSentinel)
	if !ok {
		return "", false
	}
	return r.Reason, true
}

// DiscardAll rejects every outstanding pending batch with err (used by the
// sync engine's resync protocol to discard everything before replacing
// state with a fresh snapshot) and resets both projections to seed.
func (l *Layer) DiscardAll(err error, seed any) {
	l.mu.Lock()
	pendings := l.pendings
	l.pendings = nil
	l.outstanding = nil
	l.confirmed = seed
	l.optimistic = seed
	l.mu.Unlock()

	for _, p := range pendings {
		p.settle(err)
	}
}

func (l *Layer) matchLocked(confirmedEvent Event) []outstandingEntry {
	var matched []outstandingEntry
	for _, entry := range l.outstanding {
		if _, ok := entry.pending.remaining[entry.event.UUID]; !ok {
			continue
		}
		if entry.pending.comparator(entry.event, confirmedEvent) {
			matched = append(matched, entry)
		}
	}
	return matched
}

func (l *Layer) removeEntriesLocked(matched []outstandingEntry) {
	if len(matched) == 0 {
		return
	}
	toRemove := make(map[string]bool, len(matched))
	for _, e := range matched {
		toRemove[e.event.UUID] = true
		delete(e.pending.remaining, e.event.UUID)
	}
	kept := l.outstanding[:0]
	for _, entry := range l.outstanding {
		if toRemove[entry.event.UUID] {
			continue
		}
		kept = append(kept, entry)
	}
	l.outstanding = kept
}

func (l *Layer) removeOutstandingForLocked(pending *Pending) {
	kept := l.outstanding[:0]
	for _, entry := range l.outstanding {
		if entry.pending == pending {
			continue
		}
		kept = append(kept, entry)
	}
	l.outstanding = kept
}

func (l *Layer) removePendingLocked(pending *Pending) {
	kept := l.pendings[:0]
	for _, p := range l.pendings {
		if p == pending {
			continue
		}
		kept = append(kept, p)
	}
	l.pendings = kept
}

func (l *Layer) remainingForLocked(pending *Pending) map[string]struct{} {
	return pending.remaining
}

// recomputeOptimisticLocked folds l.confirmed forward through every
// outstanding event in original submission order. Must be called with l.mu held.
func (l *Layer) recomputeOptimisticLocked() (any, error) {
	state := l.confirmed
	for _, entry := range l.outstanding {
		next, err := l.engine.Apply(state, entry.event.toMergeEvent())
		if err != nil {
			return l.optimistic, err
		}
		state = next
	}
	l.optimistic = state
	return state, nil
}
