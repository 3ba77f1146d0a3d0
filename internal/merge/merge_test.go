package merge

import (
	"errors"
	"testing"
)

type counterState struct {
	total int
}

func sumMerge(state any, event Event) (any, error) {
	s, _ := state.(counterState)
	delta, ok := event.Data.(int)
	if !ok {
		return nil, errors.New("data must be int")
	}
	s.total += delta
	return s, nil
}

func TestApplyFoldsEventIntoState(t *testing.T) {
	//1.- Arrange an engine around a simple summation merge function.
	engine := New(sumMerge)

	//2.- Act by applying a single event.
	result, err := engine.Apply(counterState{total: 1}, Event{Data: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	//3.- Assert the resulting state reflects the fold.
	if got := result.(counterState).total; got != 3 {
		t.Fatalf("expected total 3, got %d", got)
	}
}

func TestApplyAllStopsOnFirstError(t *testing.T) {
	engine := New(sumMerge)
	_, err := engine.ApplyAll(counterState{}, []Event{
		{Data: 1},
		{Data: "not-an-int"},
		{Data: 100},
	})
	if err == nil {
		t.Fatal("expected error from malformed event data")
	}
}

func TestApplyRecoversPanic(t *testing.T) {
	//1.- Arrange a merge function that panics to simulate a programming error.
	engine := New(func(state any, event Event) (any, error) {
		panic("boom")
	})

	//2.- Assert the panic surfaces as a regular error rather than crashing.
	_, err := engine.Apply(nil, Event{})
	if err == nil {
		t.Fatal("expected recovered panic to surface as an error")
	}
}

func TestApplyToleratesEventSeenTwice(t *testing.T) {
	//1.- Arrange a merge function that only accumulates optimistic (unconfirmed) events.
	merge := func(state any, event Event) (any, error) {
		s, _ := state.(counterState)
		if !event.Confirmed {
			s.total++
			return s, nil
		}
		return s, nil
	}
	engine := New(merge)

	optimistic := Event{Confirmed: false}
	confirmed := Event{Confirmed: true}

	//2.- Act by applying the same logical event both optimistically and confirmed.
	state, err := engine.Apply(counterState{}, optimistic)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state, err = engine.Apply(state, confirmed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := state.(counterState).total; got != 1 {
		t.Fatalf("expected total 1, got %d", got)
	}
}
