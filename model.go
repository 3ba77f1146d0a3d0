package models

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ably-labs/models-sdk-go/internal/channel"
	"github.com/ably-labs/models-sdk-go/internal/hub"
	"github.com/ably-labs/models-sdk-go/internal/logging"
	"github.com/ably-labs/models-sdk-go/internal/merge"
	"github.com/ably-labs/models-sdk-go/internal/optimistic"
	"github.com/ably-labs/models-sdk-go/internal/stream"
	"github.com/ably-labs/models-sdk-go/internal/syncengine"
)

// State is a Model's lifecycle phase.
type State string

const (
	StateInitialized State = "initialized"
	StatePreparing   State = "preparing"
	StateSyncing     State = "syncing"
	StateReady       State = "ready"
	StatePaused      State = "paused"
	StateErrored     State = "errored"
	StateDisposed    State = "disposed"
)

// MergeFunc folds one event (optimistic or confirmed) into state. It must
// be pure: given the same state and event it must always return the same
// result, and it must tolerate observing the same logical mutation twice
// (once optimistic, once confirmed).
type MergeFunc func(state any, event Event) (any, error)

// SnapshotFunc fetches the current server-authoritative state together
// with the sequenceId it was taken at, normally a REST call to the same
// backend that publishes the broker channel's confirmed event stream.
type SnapshotFunc func(ctx context.Context) (data any, sequenceID string, err error)

// ListenerKind selects which projection a Subscribe call observes.
type ListenerKind int

const (
	// KindOptimistic observes both optimistic-only and confirmation-driven
	// updates, always expressed as the merged optimistic view. The
	// default.
	KindOptimistic ListenerKind = iota
	// KindConfirmed observes only confirmed-state updates.
	KindConfirmed
)

// SubscribeOptions configures a single state subscription.
type SubscribeOptions struct {
	Kind ListenerKind
	// Coalesce drops intermediate snapshots in favour of the latest
	// instead of blocking delivery when the listener falls behind.
	Coalesce bool
	// QueueSize bounds the listener's delivery queue. Defaults to 32.
	QueueSize int
}

// OptimisticParams controls a single optimistic submission.
type OptimisticParams struct {
	// Timeout bounds how long the submission waits for confirmation before
	// rejecting with a TimeoutError. Defaults to the Model's
	// Config.OptimisticTimeout.
	Timeout time.Duration
	// Comparator overrides the default mutationId-then-name+data matching
	// used to correlate a confirmed event with this submission's events.
	Comparator Comparator
}

// Model materialises one server-authoritative model as a local,
// optimistically-updated projection.
// A Model is not usable until Sync has completed successfully.
type Model struct {
	name       string
	cfg        Config
	ch         channel.Channel
	mergeFn    MergeFunc
	snapshotFn SnapshotFunc

	mergeEngine *merge.Engine
	streamImpl  *stream.Stream
	syncImpl    *syncengine.Engine
	hub         *hub.Hub

	mu              sync.Mutex
	state           State
	optimisticLayer *optimistic.Layer
	disposed        bool
	stateWatchers   map[int]func(State)
	nextWatcherID   int
}

// New constructs a Model wired to ch, ready for Sync to be called. mergeFn
// and snapshotFn must be non-nil.
func New(name string, ch channel.Channel, mergeFn MergeFunc, snapshotFn SnapshotFunc, cfg Config) (*Model, error) {
	if name == "" {
		return nil, newInvalidArgumentError("model name must be non-empty")
	}
	if ch == nil {
		return nil, newInvalidArgumentError("model %q: channel must be non-nil", name)
	}
	if mergeFn == nil {
		return nil, newInvalidArgumentError("model %q: merge function must be non-nil", name)
	}
	if snapshotFn == nil {
		return nil, newInvalidArgumentError("model %q: snapshot function must be non-nil", name)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	m := &Model{
		name:          name,
		cfg:           cfg,
		ch:            ch,
		mergeFn:       mergeFn,
		snapshotFn:    snapshotFn,
		hub:           hub.New(),
		state:         StateInitialized,
		stateWatchers: make(map[int]func(State)),
	}
	m.mergeEngine = merge.New(func(state any, ev merge.Event) (any, error) {
		return mergeFn(state, Event{
			MutationID: ev.MutationID,
			Name:       ev.Name,
			Data:       ev.Data,
			SequenceID: ev.SequenceID,
			Confirmed:  ev.Confirmed,
		})
	})
	m.streamImpl = stream.New(ch, stream.Config{
		BufferDelay:            cfg.BufferDelay,
		HistoryPageSize:        cfg.HistoryPageSize,
		MessageRetentionPeriod: cfg.MessageRetentionPeriod,
		RetryStrategy:          cfg.RetryStrategy.toInternal(),
	})
	m.streamImpl.OnMessage(m.handleConfirmedMessage)
	m.streamImpl.OnDiscontinuity(m.handleDiscontinuity)
	m.syncImpl = syncengine.New(
		func(ctx context.Context) (any, string, error) { return m.snapshotFn(ctx) },
		cfg.RetryStrategy.toInternal(),
		m.streamImpl,
		&optimisticLayerProxy{model: m},
	)
	return m, nil
}

// optimisticLayerProxy forwards DiscardAll to the Model's current
// optimisticLayer, which does not exist until the first successful Sync.
type optimisticLayerProxy struct{ model *Model }

func (p *optimisticLayerProxy) DiscardAll(err error, seed any) {
	if layer := p.model.currentLayer(); layer != nil {
		layer.DiscardAll(err, seed)
	}
}

func (m *Model) currentLayer() *optimistic.Layer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.optimisticLayer
}

// Sync performs the Model's initial synchronisation: fetch the snapshot,
// seed the optimistic layer, attach the stream at the snapshot's
// sequenceId, and transition to Ready. It must be called exactly once,
// before any other Model method.
func (m *Model) Sync(ctx context.Context) error {
	m.setState(StatePreparing)
	m.setState(StateSyncing)

	data, sequenceID, err := m.syncImpl.Sync(ctx)
	if err != nil {
		m.setState(StateErrored)
		m.hub.DisposeWithError(err)
		return err
	}

	layer := optimistic.New(m.mergeEngine, data)
	layer.OnTimeout = func(pending *optimistic.Pending, newOptimistic any) {
		m.cfg.Logger.Warn("optimistic submission timed out", logging.String("model", m.name))
		m.hub.PublishOptimistic(newOptimistic)
	}
	m.mu.Lock()
	m.optimisticLayer = layer
	m.mu.Unlock()

	if err := m.streamImpl.Attach(ctx, sequenceID); err != nil {
		wrapped := &StreamFatalError{Cause: err}
		m.setState(StateErrored)
		m.hub.DisposeWithError(wrapped)
		return wrapped
	}

	m.hub.PublishConfirmed(data)
	m.hub.PublishOptimistic(data)
	m.setState(StateReady)
	m.cfg.Logger.Info("model synced", logging.String("model", m.name), logging.String("sequenceId", sequenceID))
	return nil
}

// Optimistic submits a batch of local mutations: they are folded into the
// optimistic projection and published to the channel immediately, and
// settle once every event in the batch is confirmed, rejected, or timed
// out.
func (m *Model) Optimistic(ctx context.Context, events []Event, params OptimisticParams) (*PendingConfirmation, error) {
	layer := m.currentLayer()
	state := m.State()
	if layer == nil || (state != StateReady && state != StatePaused) {
		return nil, newInvalidArgumentError("model %q is not ready for optimistic submissions (state=%s)", m.name, state)
	}
	if len(events) == 0 {
		return nil, newInvalidArgumentError("model %q: events must be non-empty", m.name)
	}

	prepared := make([]optimistic.Event, len(events))
	for i, ev := range events {
		prepared[i] = toOptimisticEvent(ensureUUID(ev))
	}

	timeout := params.Timeout
	if timeout <= 0 {
		timeout = m.cfg.OptimisticTimeout
	}
	var comparator optimistic.Comparator
	if params.Comparator != nil {
		userComparator := params.Comparator
		comparator = func(o, c optimistic.Event) bool {
			return userComparator(fromOptimisticEvent(o), fromOptimisticEvent(c))
		}
	}

	newOptimistic, pending, err := layer.Submit(prepared, optimistic.SubmitParams{Timeout: timeout, Comparator: comparator})
	if err != nil {
		return nil, newInvalidArgumentError("%v", err)
	}
	m.hub.PublishOptimistic(newOptimistic)

	for _, ev := range events {
		headers := map[string]string{"mutationId": ev.MutationID}
		if err := m.ch.Publish(ctx, ev.Name, ev.Data, headers); err != nil {
			newOptimistic, _ := layer.Cancel(pending, fmt.Errorf("optimistic: publish failed: %w", err))
			m.hub.PublishOptimistic(newOptimistic)
			return nil, err
		}
	}

	return &PendingConfirmation{model: m, raw: pending, timeoutMs: timeout.Milliseconds()}, nil
}

// Subscribe registers a listener for optimistic or confirmed state
// updates. The returned unsubscribe is idempotent.
func (m *Model) Subscribe(listener func(err error, state any), opts SubscribeOptions) (unsubscribe func()) {
	id := m.hub.Subscribe(listener, hub.Options{
		Kind:      hub.Kind(opts.Kind),
		Coalesce:  opts.Coalesce,
		QueueSize: opts.QueueSize,
	})
	return func() { m.hub.Unsubscribe(id) }
}

// State returns the Model's current lifecycle phase.
func (m *Model) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// On registers a callback invoked on every state transition. The returned
// unsubscribe is idempotent.
func (m *Model) On(cb func(State)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextWatcherID
	m.nextWatcherID++
	m.stateWatchers[id] = cb
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.stateWatchers, id)
			m.mu.Unlock()
		})
	}
}

// WhenState blocks until the Model reaches target, or ctx is done.
func (m *Model) WhenState(ctx context.Context, target State) error {
	done := make(chan struct{})
	var closeOnce sync.Once
	unsubscribe := m.On(func(s State) {
		if s == target {
			closeOnce.Do(func() { close(done) })
		}
	})
	defer unsubscribe()

	if m.State() == target {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause stops live delivery without tearing down the channel attachment;
// buffered and subsequently published messages are held until Resume.
func (m *Model) Pause() {
	m.streamImpl.Pause()
	m.setState(StatePaused)
}

// Resume resumes delivery after Pause and flushes anything buffered.
func (m *Model) Resume() {
	m.streamImpl.Resume()
	m.setState(StateReady)
}

// Dispose tears the Model down permanently: the stream is detached, every
// outstanding PendingConfirmation and every subscriber receives a terminal
// CancelledError, and the Model becomes unusable. Safe to call more than
// once.
func (m *Model) Dispose(reason string) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	m.mu.Unlock()

	_ = m.streamImpl.Detach(context.Background())
	if layer := m.currentLayer(); layer != nil {
		layer.DiscardAll(&CancelledError{Reason: reason}, layer.Confirmed())
	}
	m.setState(StateDisposed)
	m.hub.DisposeWithError(&CancelledError{Reason: reason})
}

func (m *Model) setState(s State) {
	m.mu.Lock()
	m.state = s
	watchers := make([]func(State), 0, len(m.stateWatchers))
	for _, cb := range m.stateWatchers {
		watchers = append(watchers, cb)
	}
	m.mu.Unlock()
	for _, cb := range watchers {
		cb(s)
	}
}

// handleConfirmedMessage is the Stream's single delivery callback: it
// drops messages older than the sync engine's monotonicity baseline,
// folds rejections and confirmations through the optimistic layer, and
// republishes the resulting projections.
func (m *Model) handleConfirmedMessage(msg channel.Message) {
	if !m.syncImpl.ShouldApply(msg.SequenceID) {
		return
	}
	layer := m.currentLayer()
	if layer == nil {
		return
	}

	ev := optimistic.Event{
		MutationID:      msg.MutationID(),
		Name:            msg.Name,
		Data:            msg.Data,
		SequenceID:      msg.SequenceID,
		Confirmed:       true,
		Rejected:        msg.Rejected,
		RejectionReason: msg.RejectionReason,
	}

	if msg.Rejected {
		newOptimistic, _ := layer.ApplyRejected(ev)
		m.syncImpl.Advance(msg.SequenceID)
		m.hub.PublishOptimistic(newOptimistic)
		return
	}

	newConfirmed, newOptimistic, _, err := layer.ApplyConfirmed(ev)
	if err != nil {
		wrapped := &MergeError{Cause: err}
		m.setState(StateErrored)
		m.hub.DisposeWithError(wrapped)
		return
	}
	m.syncImpl.Advance(msg.SequenceID)
	m.hub.PublishConfirmed(newConfirmed)
	m.hub.PublishOptimistic(newOptimistic)
}

// handleDiscontinuity runs the resync protocol in its own goroutine so the
// Stream's internal callback (invoked from the channel's state-change
// notification) never blocks on it.
func (m *Model) handleDiscontinuity(cause error) {
	go m.resync(cause)
}

func (m *Model) resync(cause error) {
	m.cfg.Logger.Warn("resync triggered", logging.String("model", m.name), logging.Error(cause))
	m.setState(StateSyncing)

	data, sequenceID, err := m.syncImpl.Resync(context.Background(), &DiscardedError{})
	if err != nil {
		m.setState(StateErrored)
		m.hub.DisposeWithError(err)
		return
	}

	m.hub.PublishConfirmed(data)
	m.hub.PublishOptimistic(data)
	m.setState(StateReady)
	m.cfg.Logger.Info("resync completed", logging.String("model", m.name), logging.String("sequenceId", sequenceID))
}

func toOptimisticEvent(ev Event) optimistic.Event {
	return optimistic.Event{
		MutationID:      ev.MutationID,
		Name:            ev.Name,
		Data:            ev.Data,
		SequenceID:      ev.SequenceID,
		Confirmed:       ev.Confirmed,
		Rejected:        ev.Rejected,
		RejectionReason: ev.RejectionReason,
		UUID:            ev.UUID,
	}
}

func fromOptimisticEvent(ev optimistic.Event) Event {
	return Event{
		MutationID:      ev.MutationID,
		Name:            ev.Name,
		Data:            ev.Data,
		SequenceID:      ev.SequenceID,
		Confirmed:       ev.Confirmed,
		Rejected:        ev.Rejected,
		RejectionReason: ev.RejectionReason,
		UUID:            ev.UUID,
	}
}
