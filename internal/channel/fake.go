package channel

import (
	"context"
	"sort"
	"strconv"
	"sync"
)

// Fake is a deterministic in-memory Channel used by the models package's
// tests and by callers prototyping a Model without a live broker. It keeps
// a monotonically ordered log of published messages and replays any
// messages with a sequence id greater than the query floor on History.
type Fake struct {
	mu          sync.Mutex
	state       State
	subscribers map[int]func(Message)
	stateSubs   map[int]func(State)
	nextSubID   int
	log         []Message
	nextSeq     int64
	attached    bool
}

// NewFake constructs a Fake channel starting in StateInitialized.
func NewFake() *Fake {
	return &Fake{
		state:       StateInitialized,
		subscribers: make(map[int]func(Message)),
		stateSubs:   make(map[int]func(State)),
	}
}

// Attach transitions the fake to StateAttached.
func (f *Fake) Attach(ctx context.Context) error {
	f.mu.Lock()
	f.attached = true
	f.mu.Unlock()
	f.setState(StateAttached)
	return nil
}

// Detach transitions the fake to StateDetached and stops delivering live
// messages (history remains queryable).
func (f *Fake) Detach(ctx context.Context) error {
	f.mu.Lock()
	f.attached = false
	f.mu.Unlock()
	f.setState(StateDetached)
	return nil
}

func (f *Fake) Subscribe(ctx context.Context, cb func(Message)) (func(), error) {
	f.mu.Lock()
	id := f.nextSubID
	f.nextSubID++
	f.subscribers[id] = cb
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.subscribers, id)
		f.mu.Unlock()
	}, nil
}

// Publish appends a message to the log and, when attached, delivers it to
// every live subscriber synchronously and in registration order.
func (f *Fake) Publish(ctx context.Context, name string, data any, headers map[string]string) error {
	f.mu.Lock()
	f.nextSeq++
	msg := Message{Name: name, Data: data, Headers: headers, SequenceID: strconv.FormatInt(f.nextSeq, 10)}
	f.log = append(f.log, msg)
	attached := f.attached
	subs := f.snapshotSubscribersLocked()
	f.mu.Unlock()

	if !attached {
		return nil
	}
	for _, cb := range subs {
		cb(msg)
	}
	return nil
}

// PublishRejected is a test helper that injects a rejected confirmation for
// mutationID without requiring the caller to build headers by hand.
func (f *Fake) PublishRejected(ctx context.Context, name, mutationID, reason string) error {
	f.mu.Lock()
	f.nextSeq++
	msg := Message{
		Name:            name,
		Headers:         map[string]string{"mutationId": mutationID},
		SequenceID:      strconv.FormatInt(f.nextSeq, 10),
		Rejected:        true,
		RejectionReason: reason,
	}
	f.log = append(f.log, msg)
	attached := f.attached
	subs := f.snapshotSubscribersLocked()
	f.mu.Unlock()
	if !attached {
		return nil
	}
	for _, cb := range subs {
		cb(msg)
	}
	return nil
}

func (f *Fake) snapshotSubscribersLocked() []func(Message) {
	out := make([]func(Message), 0, len(f.subscribers))
	ids := make([]int, 0, len(f.subscribers))
	for id := range f.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		out = append(out, f.subscribers[id])
	}
	return out
}

func (f *Fake) OnState(cb func(State)) func() {
	f.mu.Lock()
	id := f.nextSubID
	f.nextSubID++
	f.stateSubs[id] = cb
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.stateSubs, id)
		f.mu.Unlock()
	}
}

func (f *Fake) setState(s State) {
	f.mu.Lock()
	f.state = s
	subs := make([]func(State), 0, len(f.stateSubs))
	for _, cb := range f.stateSubs {
		subs = append(subs, cb)
	}
	f.mu.Unlock()
	for _, cb := range subs {
		cb(s)
	}
}

// SetState lets tests force a connection-state transition (e.g. Suspended,
// Failed) without going through Attach/Detach.
func (f *Fake) SetState(s State) { f.setState(s) }

func (f *Fake) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// History returns every logged message whose sequence id is strictly
// greater than q.AfterSequenceID, as a single page (the fake never paginates).
func (f *Fake) History(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	floor := int64(0)
	if q.AfterSequenceID != "" {
		if n, err := strconv.ParseInt(q.AfterSequenceID, 10, 64); err == nil {
			floor = n
		}
	}
	var out []Message
	for _, msg := range f.log {
		n, err := strconv.ParseInt(msg.SequenceID, 10, 64)
		if err != nil {
			continue
		}
		if n > floor {
			out = append(out, msg)
		}
	}
	return HistoryPage{Messages: out}, nil
}

func (f *Fake) WhenState(ctx context.Context, target State) error {
	return WaitForState(ctx, f, f.State, target)
}

var _ Channel = (*Fake)(nil)
