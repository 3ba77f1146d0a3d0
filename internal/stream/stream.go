// Package stream implements the Stream component: attachment to a broker
// channel, history-bounded catch-up, live message reordering within a
// bounded buffer window, duplicate suppression, and discontinuity
// detection.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ably-labs/models-sdk-go/internal/channel"
	"github.com/ably-labs/models-sdk-go/internal/retry"
	"github.com/ably-labs/models-sdk-go/internal/seqid"
)

// Orderer decides relative delivery order of two buffered messages. The
// default compares SequenceID numerically-then-lexicographically via
// seqid.Compare.
type Orderer func(a, b channel.Message) bool

// DefaultOrderer delivers a strictly before b when a's sequenceId is
// smaller.
func DefaultOrderer(a, b channel.Message) bool {
	return seqid.Compare(a.SequenceID, b.SequenceID) < 0
}

// Config controls reordering, history catch-up bounds, and retry of the
// history fetch.
type Config struct {
	// BufferDelay is how long every arrival is held in the reorder buffer,
	// so that a late predecessor can still be sorted ahead of it. Zero
	// disables buffering: messages are delivered as soon as they arrive,
	// still subject to duplicate suppression.
	BufferDelay time.Duration
	Orderer     Orderer

	HistoryPageSize        int
	MessageRetentionPeriod time.Duration
	RetryStrategy          retry.Strategy
}

func (c Config) withDefaults() Config {
	if c.Orderer == nil {
		c.Orderer = DefaultOrderer
	}
	if c.HistoryPageSize <= 0 {
		c.HistoryPageSize = 100
	}
	if c.MessageRetentionPeriod <= 0 {
		c.MessageRetentionPeriod = 2 * time.Minute
	}
	if c.RetryStrategy == nil {
		c.RetryStrategy = retry.DefaultStrategy()
	}
	return c
}

// ErrDiscontinuity signals that the stream detected a gap it cannot
// recover from locally and the caller must run a full resync. It is raised
// only when the channel transitions to suspended or failed; the reorder
// buffer has no size bound and never raises it.
var ErrDiscontinuity = errors.New("stream: discontinuity detected")

// Stream wraps a channel.Channel with reordering, duplicate suppression,
// and discontinuity detection. A zero Stream is not usable; construct
// with New.
type Stream struct {
	ch  channel.Channel
	cfg Config

	onMessage       func(channel.Message)
	onDiscontinuity func(error)

	mu             sync.Mutex
	paused         bool
	closed         bool
	lastSequenceID string
	hasSequence    bool
	buffer         []bufferedMessage
	flushTimer     *time.Timer

	unsubscribeLive  func()
	unsubscribeState func()
}

type bufferedMessage struct {
	msg       channel.Message
	arrivedAt time.Time
}

// New constructs a Stream over ch. cfg is defaulted with defaults.
func New(ch channel.Channel, cfg Config) *Stream {
	return &Stream{ch: ch, cfg: cfg.withDefaults()}
}

// OnMessage registers the single in-order delivery callback. Must be
// called before Attach.
func (s *Stream) OnMessage(cb func(channel.Message)) { s.onMessage = cb }

// OnDiscontinuity registers the callback invoked when the stream can no
// longer guarantee gap-free delivery and a resync is required.
func (s *Stream) OnDiscontinuity(cb func(error)) { s.onDiscontinuity = cb }

// Attach subscribes to live messages, attaches the underlying channel,
// then replays history after afterSequenceID (pages of HistoryPageSize;
// MessageRetentionPeriod is not applied to the query) to close any gap between a
// caller's last known sequenceId and the live stream, retrying the
// history fetch per the configured strategy.
func (s *Stream) Attach(ctx context.Context, afterSequenceID string) error {
	s.mu.Lock()
	s.lastSequenceID = afterSequenceID
	s.hasSequence = afterSequenceID != ""
	s.mu.Unlock()

	s.unsubscribeState = s.ch.OnState(func(st channel.State) {
		if st == channel.StateSuspended || st == channel.StateFailed {
			s.raiseDiscontinuity(fmt.Errorf("%w: channel transitioned to %s", ErrDiscontinuity, st))
		}
	})

	unsub, err := s.ch.Subscribe(ctx, func(m channel.Message) { s.ingestLive(m) })
	if err != nil {
		return err
	}
	s.unsubscribeLive = unsub

	if err := s.ch.Attach(ctx); err != nil {
		return err
	}

	return s.catchUpHistory(ctx, afterSequenceID)
}

// Pause stops delivering newly arrived messages until Resume is called;
// messages continue to be buffered so none are lost. The buffer is
// unbounded while paused, and Resume does not check how long the pause
// lasted against MessageRetentionPeriod.
func (s *Stream) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Resume resumes delivery and immediately flushes anything already
// buffered, in order. It does not re-query history; use ResumeFrom after a
// discontinuity, when the caller has a fresh sequenceId to catch up from.
func (s *Stream) Resume() {
	s.mu.Lock()
	s.paused = false
	ready := s.drainDeliverableLocked(time.Time{})
	s.mu.Unlock()
	for _, m := range ready {
		s.deliver(m)
	}
}

// ResumeFrom resumes delivery after a discontinuity-driven pause: it
// discards anything buffered before the resync (superseded by the fresh
// snapshot), re-baselines the monotonicity cursor to afterSequenceID, and
// replays history after it to close the gap opened while paused before
// resuming live delivery.
func (s *Stream) ResumeFrom(ctx context.Context, afterSequenceID string) error {
	s.mu.Lock()
	s.lastSequenceID = afterSequenceID
	s.hasSequence = afterSequenceID != ""
	s.buffer = nil
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.paused = false
	s.mu.Unlock()

	return s.catchUpHistory(ctx, afterSequenceID)
}

// Detach releases subscriptions and stops the flush timer. The Stream
// must not be reused afterwards.
func (s *Stream) Detach(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	if s.flushTimer != nil {
		s.flushTimer.Stop()
	}
	s.mu.Unlock()

	if s.unsubscribeLive != nil {
		s.unsubscribeLive()
	}
	if s.unsubscribeState != nil {
		s.unsubscribeState()
	}
	return s.ch.Detach(ctx)
}

func (s *Stream) raiseDiscontinuity(err error) {
	if s.onDiscontinuity != nil {
		s.onDiscontinuity(err)
	}
}

// catchUpHistory replays messages after afterSequenceID, retrying the
// fetch itself per cfg.RetryStrategy. An empty afterSequenceID means
// start from the beginning of the retained window.
func (s *Stream) catchUpHistory(ctx context.Context, afterSequenceID string) error {
	query := channel.HistoryQuery{Limit: s.cfg.HistoryPageSize, AfterSequenceID: afterSequenceID}

	attempt := 0
	for {
		messages, err := channel.DrainHistory(ctx, s.ch, query)
		if err == nil {
			for _, m := range messages {
				s.ingestLive(m)
			}
			return nil
		}
		attempt++
		delay := s.cfg.RetryStrategy(attempt)
		if delay == retry.GiveUp {
			return fmt.Errorf("stream: history catch-up exhausted: %w", err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// ingestLive is the single entry point for both history-replayed and
// live-subscribed messages: it drops duplicates/old arrivals against the
// monotonicity baseline, then places the message into the reorder buffer.
func (s *Stream) ingestLive(m channel.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.hasSequence && m.SequenceID != "" && seqid.Compare(m.SequenceID, s.lastSequenceID) <= 0 {
		s.mu.Unlock()
		return
	}
	s.buffer = append(s.buffer, bufferedMessage{msg: m, arrivedAt: time.Now()})
	sort.SliceStable(s.buffer, func(i, j int) bool {
		return s.cfg.Orderer(s.buffer[i].msg, s.buffer[j].msg)
	})

	var ready []channel.Message
	if !s.paused {
		ready = s.drainDeliverableLocked(time.Now())
		s.scheduleFlushLocked()
	}
	s.mu.Unlock()

	for _, msg := range ready {
		s.deliver(msg)
	}
}

// drainDeliverableLocked removes and returns messages eligible for
// delivery, in buffer order: every buffered message when buffering is
// disabled or now is zero (Resume), otherwise the leading messages that
// have waited at least BufferDelay. Gaps in the sequence are not detected.
// Must be called with s.mu held.
func (s *Stream) drainDeliverableLocked(now time.Time) []channel.Message {
	var ready []channel.Message
	for len(s.buffer) > 0 {
		head := s.buffer[0]
		expired := s.cfg.BufferDelay <= 0 || now.IsZero() || now.Sub(head.arrivedAt) >= s.cfg.BufferDelay
		if !expired {
			break
		}
		ready = append(ready, head.msg)
		s.buffer = s.buffer[1:]
		if head.msg.SequenceID != "" {
			s.lastSequenceID = head.msg.SequenceID
			s.hasSequence = true
		}
	}
	return ready
}

// scheduleFlushLocked arms a timer to flush the oldest buffered message
// once it ages past BufferDelay, guaranteeing forward progress even if no
// further messages arrive to trigger a drain. Must be called with s.mu
// held.
func (s *Stream) scheduleFlushLocked() {
	if s.cfg.BufferDelay <= 0 || len(s.buffer) == 0 {
		return
	}
	if s.flushTimer != nil {
		s.flushTimer.Stop()
	}
	oldest := s.buffer[0].arrivedAt
	wait := s.cfg.BufferDelay - time.Since(oldest)
	if wait < 0 {
		wait = 0
	}
	s.flushTimer = time.AfterFunc(wait, s.onFlushTimer)
}

func (s *Stream) onFlushTimer() {
	s.mu.Lock()
	if s.closed || s.paused {
		s.mu.Unlock()
		return
	}
	ready := s.drainDeliverableLocked(time.Now())
	s.scheduleFlushLocked()
	s.mu.Unlock()
	for _, m := range ready {
		s.deliver(m)
	}
}

func (s *Stream) deliver(m channel.Message) {
	if s.onMessage != nil {
		s.onMessage(m)
	}
}
