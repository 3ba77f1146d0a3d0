// Package merge implements the stateless fold that applies one event to a
// state value via a caller-supplied pure merge function.
package merge

import (
	"fmt"
)

// Func is the caller-supplied merge function. It must be pure and
// deterministic with respect to its arguments, and must tolerate receiving
// the same logical event twice, once optimistic and once confirmed.
type Func func(state any, event Event) (any, error)

// Event is the minimal shape the merge function needs; callers in the
// models package pass models.Event values that satisfy this via adaptation.
type Event struct {
	MutationID string
	Name       string
	Data       any
	SequenceID string
	Confirmed  bool
}

// Engine applies a sequence of events to a state value, one at a time, using
// the configured merge function. It holds no state of its own beyond the
// function reference: every Apply call is independent.
type Engine struct {
	merge Func
}

// New constructs an Engine around fn. fn must not be nil.
func New(fn Func) *Engine {
	return &Engine{merge: fn}
}

// Apply folds a single event into state and returns the resulting value.
// Panics raised by the merge function are recovered and returned as errors
// so a programming error in caller code cannot crash the Model's executor.
func (e *Engine) Apply(state any, event Event) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("merge function panicked: %v", r)
		}
	}()
	return e.merge(state, event)
}

// ApplyAll folds events into state in order, stopping at the first error.
func (e *Engine) ApplyAll(state any, events []Event) (any, error) {
	for _, ev := range events {
		next, err := e.Apply(state, ev)
		if err != nil {
			return state, err
		}
		state = next
	}
	return state, nil
}
