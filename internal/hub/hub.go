// Package hub implements the SubscriptionHub: delivery of optimistic and
// confirmed state snapshots to subscribers, each served by its own FIFO
// queue so a slow listener cannot reorder delivery for others.
package hub

import (
	"sync"
)

// Kind selects which projection a listener observes.
type Kind int

const (
	// Optimistic listeners observe both optimistic and confirmed snapshots
	// (the default).
	Optimistic Kind = iota
	// Confirmed listeners observe only confirmed snapshots.
	Confirmed
)

// Listener receives either a state snapshot or a terminal error, never
// both on the same call.
type Listener func(err error, state any)

// Options configures a single subscription.
type Options struct {
	Kind Kind
	// Coalesce drops intermediate snapshots in favour of the latest when
	// the listener's queue is saturated, instead of blocking the pipeline.
	Coalesce bool
	// QueueSize bounds the per-listener delivery queue. Defaults to 32.
	QueueSize int
}

const defaultQueueSize = 32

type subscriber struct {
	id       int
	opts     Options
	listener Listener
	queue    chan item
	done     chan struct{}
	closeErr sync.Once
}

type item struct {
	err   error
	state any
}

// Hub fans state snapshots out to subscribers, serialising delivery per
// listener via a dedicated goroutine and buffered channel per subscriber.
type Hub struct {
	mu        sync.Mutex
	nextID    int
	subs      map[int]*subscriber
	disposed  bool
}

// New constructs an empty Hub.
func New() *Hub {
	return &Hub{subs: make(map[int]*subscriber)}
}

// Subscribe registers listener and starts its delivery goroutine. The
// returned id is passed to Unsubscribe.
func (h *Hub) Subscribe(listener Listener, opts Options) int {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disposed {
		return -1
	}
	id := h.nextID
	h.nextID++
	sub := &subscriber{
		id:       id,
		opts:     opts,
		listener: listener,
		queue:    make(chan item, opts.QueueSize),
		done:     make(chan struct{}),
	}
	h.subs[id] = sub
	go sub.run()
	return id
}

// Unsubscribe is idempotent: unsubscribing an unknown or already-removed id
// is a no-op.
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		sub.stop()
	}
}

// PublishConfirmed delivers the confirmed projection to Confirmed-kind
// subscribers only. Callers publish the optimistic projection to
// Optimistic-kind subscribers separately via PublishOptimistic, since the
// two kinds are shown different values even when notified by the same
// underlying confirmed event.
func (h *Hub) PublishConfirmed(state any) {
	h.publish(func(k Kind) bool { return k == Confirmed }, state)
}

// PublishOptimistic delivers the optimistic projection to Optimistic-kind
// subscribers (the default kind, which observes both optimistic-only and
// confirmation-driven updates, always expressed as the merged optimistic
// view).
func (h *Hub) PublishOptimistic(state any) {
	h.publish(func(k Kind) bool { return k == Optimistic }, state)
}

func (h *Hub) publish(include func(Kind) bool, state any) {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		if include(sub.opts.Kind) {
			subs = append(subs, sub)
		}
	}
	h.mu.Unlock()
	for _, sub := range subs {
		sub.enqueue(item{state: state})
	}
}

// DisposeWithError delivers a single terminal error to every listener, then
// releases all subscriptions. Safe to call multiple times.
func (h *Hub) DisposeWithError(err error) {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return
	}
	h.disposed = true
	subs := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[int]*subscriber)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.enqueue(item{err: err})
		sub.stop()
	}
}

func (s *subscriber) enqueue(it item) {
	select {
	case s.queue <- it:
		return
	default:
	}
	if !s.opts.Coalesce {
		// Best-effort blocking send bounded by the subscriber's lifetime:
		// a non-blocking drop would silently skip a snapshot, so block
		// until the subscriber catches up or is stopped.
		select {
		case s.queue <- it:
		case <-s.done:
		}
		return
	}
	// Coalescing: drop the oldest queued item to make room for the latest.
	select {
	case <-s.queue:
	default:
	}
	select {
	case s.queue <- it:
	default:
	}
}

func (s *subscriber) run() {
	for {
		select {
		case it := <-s.queue:
			s.listener(it.err, it.state)
			continue
		default:
		}
		select {
		case it := <-s.queue:
			s.listener(it.err, it.state)
		case <-s.done:
			//1.- Drain whatever was already enqueued (e.g. a terminal
			// error delivered alongside stop()) before exiting.
			for {
				select {
				case it := <-s.queue:
					s.listener(it.err, it.state)
				default:
					return
				}
			}
		}
	}
}

func (s *subscriber) stop() {
	s.closeErr.Do(func() { close(s.done) })
}
