// Package channel defines the broker channel contract consumed by the
// Stream component. The broker SDK itself — ordered publish/subscribe with
// history and connection-state events — is an external collaborator; this
// package only pins down the interface shape plus a deterministic in-memory
// fake used by tests and an optional default websocket-backed adapter
// (internal/channel/wschannel).
package channel

import (
	"context"
	"errors"
	"sync"
)

// State enumerates the observable channel connection states a Model reacts
// to.
type State string

const (
	StateInitialized State = "initialized"
	StateAttaching    State = "attaching"
	StateAttached     State = "attached"
	StateSuspended    State = "suspended"
	StateDetached     State = "detached"
	StateFailed       State = "failed"
)

// ErrChannelFailed is returned by Attach/Publish when the channel has
// transitioned to a fatal failed state.
var ErrChannelFailed = errors.New("channel: fatal failed state")

// Message is one item delivered by the broker, either live or replayed from
// history.
type Message struct {
	Name        string
	Data        any
	Headers     map[string]string
	SequenceID  string
	Rejected    bool
	RejectionReason string
}

// MutationID extracts the originating mutation id from message headers,
// when the server echoed one back.
func (m Message) MutationID() string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers["mutationId"]
}

// HistoryQuery bounds a paginated history fetch.
type HistoryQuery struct {
	Limit        int
	UntilAttach  bool
	AfterSequenceID string
}

// HistoryPage is one page of a paginated history result.
type HistoryPage struct {
	Messages []Message
	Next     func(ctx context.Context) (HistoryPage, bool, error)
	HasNext  bool
}

// Channel is the broker channel contract this SDK consumes. A concrete
// broker SDK (Ably-like) implements this for production use; tests use the
// in-memory Fake in this package.
type Channel interface {
	Attach(ctx context.Context) error
	Detach(ctx context.Context) error
	Subscribe(ctx context.Context, cb func(Message)) (unsubscribe func(), err error)
	Publish(ctx context.Context, name string, data any, headers map[string]string) error
	OnState(cb func(State)) (unsubscribe func())
	History(ctx context.Context, q HistoryQuery) (HistoryPage, error)
	WhenState(ctx context.Context, target State) error
}

// DrainHistory walks every page of a history query and returns the combined
// messages in order, bounded by ctx.
func DrainHistory(ctx context.Context, ch Channel, q HistoryQuery) ([]Message, error) {
	page, err := ch.History(ctx, q)
	if err != nil {
		return nil, err
	}
	all := append([]Message(nil), page.Messages...)
	for page.HasNext && page.Next != nil {
		select {
		case <-ctx.Done():
			return all, ctx.Err()
		default:
		}
		next, hasNext, err := page.Next(ctx)
		if err != nil {
			return all, err
		}
		all = append(all, next.Messages...)
		page = next
		page.HasNext = hasNext
	}
	return all, nil
}

// WaitForState is a small helper default adapters can use to implement
// WhenState on top of OnState. The registration happens before the current
// state is sampled a second time, so a transition landing between the first
// check and subscription is still observed.
func WaitForState(ctx context.Context, ch Channel, current func() State, target State) error {
	done := make(chan struct{})
	var closeOnce sync.Once
	unsubscribe := ch.OnState(func(s State) {
		if s == target {
			closeOnce.Do(func() { close(done) })
		}
	})
	defer unsubscribe()

	if current() == target {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
