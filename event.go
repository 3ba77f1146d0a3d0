package models

import (
	"reflect"

	"github.com/google/uuid"
)

// Event is the common shape shared by optimistic and confirmed events. It is
// immutable once created; callers must not mutate Data in place after
// handing an Event to the Model.
type Event struct {
	// MutationID correlates an optimistic event with the confirmed event the
	// server eventually echoes back for it. Optional on confirmed events
	// that originate from other clients.
	MutationID string
	// Name identifies the mutation, e.g. "addComment".
	Name string
	// Data is the caller-defined payload folded by the merge function.
	Data any
	// SequenceID is set on confirmed events and on the snapshot; absent on
	// optimistic events.
	SequenceID string
	// Confirmed reports whether this event came from the authoritative
	// broker stream (true) or is a local, unconfirmed submission (false).
	Confirmed bool
	// Rejected marks a confirmed event that the server refused to apply.
	Rejected bool
	// RejectionReason carries the server-supplied explanation when Rejected.
	RejectionReason string
	// UUID uniquely identifies this event instance for optimistic/confirmed
	// matching bookkeeping. Generated automatically if left empty.
	UUID string
}

// NewOptimisticEvent builds an unconfirmed event ready for submission via
// Model.Optimistic. A UUID is generated when uuid is empty.
func NewOptimisticEvent(mutationID, name string, data any) Event {
	return Event{
		MutationID: mutationID,
		Name:       name,
		Data:       data,
		Confirmed:  false,
		UUID:       uuid.NewString(),
	}
}

// NewConfirmedEvent builds a confirmed event as delivered by the broker
// stream. Used primarily by Channel adapters and tests.
func NewConfirmedEvent(name string, data any, sequenceID string) Event {
	return Event{
		Name:       name,
		Data:       data,
		SequenceID: sequenceID,
		Confirmed:  true,
		UUID:       uuid.NewString(),
	}
}

// ensureUUID returns ev with a generated UUID if one is not already set.
func ensureUUID(ev Event) Event {
	if ev.UUID == "" {
		ev.UUID = uuid.NewString()
	}
	return ev
}

// Comparator decides whether a confirmed event matches an outstanding
// optimistic event. The default comparator (DefaultComparator) matches by
// MutationID when both sides carry one, falling back to name+data equality.
type Comparator func(optimistic Event, confirmed Event) bool

// DefaultComparator matches by MutationID equality when both sides carry
// one, falling back to name+data deep-equality.
func DefaultComparator(optimistic Event, confirmed Event) bool {
	if optimistic.MutationID != "" && confirmed.MutationID != "" {
		return optimistic.MutationID == confirmed.MutationID
	}
	return optimistic.Name == confirmed.Name && reflect.DeepEqual(optimistic.Data, confirmed.Data)
}
