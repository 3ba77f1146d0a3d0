package models

import (
	"context"

	"github.com/ably-labs/models-sdk-go/internal/optimistic"
)

// PendingConfirmation tracks one outstanding Optimistic submission. Its
// outcome settles exactly once: nil on confirmation, or a TimeoutError,
// RejectedError, CancelledError, or DiscardedError describing why it did
// not confirm.
type PendingConfirmation struct {
	model     *Model
	raw       *optimistic.Pending
	timeoutMs int64
}

// Wait blocks until the submission settles or ctx is done.
func (p *PendingConfirmation) Wait(ctx context.Context) error {
	select {
	case err, ok := <-p.raw.Result():
		if !ok {
			return nil
		}
		return p.translate(err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel settles the submission immediately with a CancelledError, rolling
// its events back out of the optimistic projection.
func (p *PendingConfirmation) Cancel(reason string) {
	layer := p.model.currentLayer()
	if layer == nil {
		return
	}
	newOptimistic, changed := layer.Cancel(p.raw, &CancelledError{Reason: reason})
	if changed {
		p.model.hub.PublishOptimistic(newOptimistic)
	}
}

func (p *PendingConfirmation) translate(err error) error {
	if err == nil {
		return nil
	}
	if optimistic.IsTimeout(err) {
		return &TimeoutError{TimeoutMs: p.timeoutMs}
	}
	if reason, ok := optimistic.RejectedReason(err); ok {
		return &RejectedError{Reason: reason}
	}
	return err
}
