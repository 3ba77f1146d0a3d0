package models

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ably-labs/models-sdk-go/internal/channel"
)

// manualChannel is a test double that never auto-echoes a Publish back to
// subscribers, unlike channel.Fake: tests drive confirmation/rejection
// explicitly via deliver, giving full control over timing.
type manualChannel struct {
	mu        sync.Mutex
	state     channel.State
	subs      map[int]func(channel.Message)
	stateSubs map[int]func(channel.State)
	nextID    int
	seq       int64
	published []channel.Message
}

func newManualChannel() *manualChannel {
	return &manualChannel{
		state:     channel.StateInitialized,
		subs:      make(map[int]func(channel.Message)),
		stateSubs: make(map[int]func(channel.State)),
	}
}

func (c *manualChannel) Attach(ctx context.Context) error {
	c.setState(channel.StateAttached)
	return nil
}

func (c *manualChannel) Detach(ctx context.Context) error {
	c.setState(channel.StateDetached)
	return nil
}

func (c *manualChannel) Subscribe(ctx context.Context, cb func(channel.Message)) (func(), error) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = cb
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}, nil
}

func (c *manualChannel) Publish(ctx context.Context, name string, data any, headers map[string]string) error {
	c.mu.Lock()
	c.published = append(c.published, channel.Message{Name: name, Data: data, Headers: headers})
	c.mu.Unlock()
	return nil
}

func (c *manualChannel) OnState(cb func(channel.State)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.stateSubs[id] = cb
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.stateSubs, id)
		c.mu.Unlock()
	}
}

func (c *manualChannel) setState(s channel.State) {
	c.mu.Lock()
	c.state = s
	subs := make([]func(channel.State), 0, len(c.stateSubs))
	for _, cb := range c.stateSubs {
		subs = append(subs, cb)
	}
	c.mu.Unlock()
	for _, cb := range subs {
		cb(s)
	}
}

func (c *manualChannel) State() channel.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *manualChannel) History(ctx context.Context, q channel.HistoryQuery) (channel.HistoryPage, error) {
	return channel.HistoryPage{}, nil
}

func (c *manualChannel) WhenState(ctx context.Context, target channel.State) error {
	return channel.WaitForState(ctx, c, c.State, target)
}

// deliver simulates the broker echoing a confirmed (or rejected) event to
// every live subscriber, assigning the next sequenceId.
func (c *manualChannel) deliver(m channel.Message) channel.Message {
	c.mu.Lock()
	c.seq++
	m.SequenceID = strconv.FormatInt(c.seq, 10)
	subs := make([]func(channel.Message), 0, len(c.subs))
	for _, cb := range c.subs {
		subs = append(subs, cb)
	}
	c.mu.Unlock()
	for _, cb := range subs {
		cb(m)
	}
	return m
}

var _ channel.Channel = (*manualChannel)(nil)

func counterMerge(state any, ev Event) (any, error) {
	total, _ := state.(int)
	delta, _ := ev.Data.(int)
	return total + delta, nil
}

func zeroSnapshot(ctx context.Context) (any, string, error) {
	return 0, "0", nil
}

func newSyncedModel(t *testing.T) (*Model, *manualChannel) {
	t.Helper()
	ch := newManualChannel()
	m, err := New("counter", ch, counterMerge, zeroSnapshot, Config{OptimisticTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	return m, ch
}

func TestNewRejectsNegativeBufferDelay(t *testing.T) {
	_, err := New("counter", newManualChannel(), counterMerge, zeroSnapshot, Config{BufferDelay: -time.Millisecond})
	if _, ok := err.(*InvalidArgumentError); !ok {
		t.Fatalf("expected *InvalidArgumentError, got %T: %v", err, err)
	}
}

func TestModelSyncReachesReadyAndAppliesConfirmedEvent(t *testing.T) {
	m, ch := newSyncedModel(t)
	if m.State() != StateReady {
		t.Fatalf("expected StateReady, got %s", m.State())
	}

	var mu sync.Mutex
	var seen []any
	m.Subscribe(func(err error, state any) {
		mu.Lock()
		seen = append(seen, state)
		mu.Unlock()
	}, SubscribeOptions{})

	ch.deliver(channel.Message{Name: "add", Data: 3})
	waitForModelCondition(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range seen {
			if s.(int) == 3 {
				return true
			}
		}
		return false
	})
}

func TestOptimisticSubmissionSettlesOnMatchingConfirmation(t *testing.T) {
	//1.- Arrange a synced model and an optimistic subscriber.
	m, ch := newSyncedModel(t)
	var mu sync.Mutex
	var optimisticStates []any
	m.Subscribe(func(err error, state any) {
		mu.Lock()
		optimisticStates = append(optimisticStates, state)
		mu.Unlock()
	}, SubscribeOptions{Kind: KindOptimistic})

	//2.- Act by submitting a mutation and then having the broker confirm it.
	pending, err := m.Optimistic(context.Background(), []Event{NewOptimisticEvent("m1", "add", 5)}, OptimisticParams{})
	if err != nil {
		t.Fatalf("Optimistic: %v", err)
	}
	ch.deliver(channel.Message{Name: "add", Data: 5, Headers: map[string]string{"mutationId": "m1"}})

	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := pending.Wait(waitCtx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	//3.- Assert the optimistic subscriber observed the running total.
	waitForModelCondition(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range optimisticStates {
			if s.(int) == 5 {
				return true
			}
		}
		return false
	})
}

func TestOptimisticSubmissionRejectedSurfacesRejectedError(t *testing.T) {
	m, ch := newSyncedModel(t)

	pending, err := m.Optimistic(context.Background(), []Event{NewOptimisticEvent("m1", "add", 5)}, OptimisticParams{})
	if err != nil {
		t.Fatalf("Optimistic: %v", err)
	}
	ch.deliver(channel.Message{
		Name:            "add",
		Headers:         map[string]string{"mutationId": "m1"},
		Rejected:        true,
		RejectionReason: "duplicate",
	})

	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = pending.Wait(waitCtx)
	rejected, ok := err.(*RejectedError)
	if !ok {
		t.Fatalf("expected *RejectedError, got %T: %v", err, err)
	}
	if rejected.Reason != "duplicate" {
		t.Fatalf("expected reason 'duplicate', got %q", rejected.Reason)
	}
}

func TestOptimisticSubmissionTimesOutWhenNeverConfirmed(t *testing.T) {
	ch := newManualChannel()
	m, err := New("counter", ch, counterMerge, zeroSnapshot, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	pending, err := m.Optimistic(context.Background(), []Event{NewOptimisticEvent("m1", "add", 5)}, OptimisticParams{Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("Optimistic: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = pending.Wait(waitCtx)
	if _, ok := err.(*TimeoutError); !ok {
		t.Fatalf("expected *TimeoutError, got %T: %v", err, err)
	}
}

func TestResyncDiscardsOutstandingPendingsWithDiscardedError(t *testing.T) {
	//1.- Arrange a synced model with one outstanding optimistic submission.
	m, ch := newSyncedModel(t)
	pending, err := m.Optimistic(context.Background(), []Event{NewOptimisticEvent("m1", "add", 5)}, OptimisticParams{})
	if err != nil {
		t.Fatalf("Optimistic: %v", err)
	}

	//2.- Act by simulating a broker-detected discontinuity, which drives
	// the Model through its resync protocol.
	ch.setState(channel.StateSuspended)

	//3.- Assert the outstanding submission settles with the public
	// DiscardedError, never the sync engine's internal discard signal.
	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = pending.Wait(waitCtx)
	if _, ok := err.(*DiscardedError); !ok {
		t.Fatalf("expected *DiscardedError, got %T: %v", err, err)
	}

	waitForModelCondition(t, func() bool { return m.State() == StateReady })
}

func TestOptimisticTimeoutRepublishesRolledBackState(t *testing.T) {
	//1.- Arrange a synced model and an optimistic subscriber.
	ch := newManualChannel()
	m, err := New("counter", ch, counterMerge, zeroSnapshot, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	var mu sync.Mutex
	var optimisticStates []any
	m.Subscribe(func(err error, state any) {
		mu.Lock()
		optimisticStates = append(optimisticStates, state)
		mu.Unlock()
	}, SubscribeOptions{Kind: KindOptimistic})

	//2.- Act by submitting a mutation that is never confirmed, letting it
	// auto-timeout.
	pending, err := m.Optimistic(context.Background(), []Event{NewOptimisticEvent("m1", "add", 5)}, OptimisticParams{Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("Optimistic: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, ok := pending.Wait(waitCtx).(*TimeoutError); !ok {
		t.Fatalf("expected the submission to time out")
	}

	//3.- Assert the optimistic subscriber observed the rollback snapshot
	// (back to the pre-submission total of 0), not just silence.
	waitForModelCondition(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range optimisticStates {
			if s.(int) == 0 {
				return true
			}
		}
		return false
	})
}

func TestDuplicateConfirmationIsIgnored(t *testing.T) {
	//1.- Arrange a synced model and deliver the same sequenceId twice.
	m, ch := newSyncedModel(t)
	msg := ch.deliver(channel.Message{Name: "add", Data: 5})

	waitForModelCondition(t, func() bool { return true })
	time.Sleep(20 * time.Millisecond)

	//2.- Act by re-delivering the identical sequenceId (simulating a replay).
	ch.mu.Lock()
	subs := make([]func(channel.Message), 0, len(ch.subs))
	for _, cb := range ch.subs {
		subs = append(subs, cb)
	}
	ch.mu.Unlock()
	for _, cb := range subs {
		cb(msg)
	}
	time.Sleep(20 * time.Millisecond)

	//3.- Assert the merge only applied once: confirmed total is 5, not 10.
	done := make(chan int, 1)
	m.Subscribe(func(err error, state any) {
		select {
		case done <- state.(int):
		default:
		}
	}, SubscribeOptions{Kind: KindConfirmed})
	ch.deliver(channel.Message{Name: "noop", Data: 0})
	select {
	case v := <-done:
		if v != 5 {
			t.Fatalf("expected confirmed total 5 after duplicate suppression, got %d", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for confirmed update")
	}
}

func TestDisposeSettlesSubscribersWithCancelledError(t *testing.T) {
	m, _ := newSyncedModel(t)
	done := make(chan error, 1)
	m.Subscribe(func(err error, state any) {
		if err != nil {
			select {
			case done <- err:
			default:
			}
		}
	}, SubscribeOptions{})

	m.Dispose("shutting down")

	select {
	case err := <-done:
		if _, ok := err.(*CancelledError); !ok {
			t.Fatalf("expected *CancelledError, got %T: %v", err, err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispose error")
	}
	if m.State() != StateDisposed {
		t.Fatalf("expected StateDisposed, got %s", m.State())
	}
}

func waitForModelCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}
