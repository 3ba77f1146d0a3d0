package hub

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPublishOptimisticDeliversOnlyToOptimisticListeners(t *testing.T) {
	//1.- Arrange one optimistic and one confirmed-only subscriber.
	h := New()
	var mu sync.Mutex
	var optimisticSeen, confirmedSeen []any

	h.Subscribe(func(err error, state any) {
		mu.Lock()
		optimisticSeen = append(optimisticSeen, state)
		mu.Unlock()
	}, Options{Kind: Optimistic})

	h.Subscribe(func(err error, state any) {
		mu.Lock()
		confirmedSeen = append(confirmedSeen, state)
		mu.Unlock()
	}, Options{Kind: Confirmed})

	//2.- Act by publishing an optimistic-only update.
	h.PublishOptimistic("opt-1")
	waitForCondition(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(optimisticSeen) == 1
	})

	//3.- Assert the confirmed-only listener never observed it.
	mu.Lock()
	defer mu.Unlock()
	if len(confirmedSeen) != 0 {
		t.Fatalf("expected confirmed listener to see nothing, got %v", confirmedSeen)
	}
}

func TestPublishConfirmedDeliversOnlyToConfirmedListeners(t *testing.T) {
	//1.- Arrange one optimistic and one confirmed-only subscriber.
	h := New()
	var mu sync.Mutex
	var a, b int

	h.Subscribe(func(err error, state any) { mu.Lock(); a++; mu.Unlock() }, Options{Kind: Optimistic})
	h.Subscribe(func(err error, state any) { mu.Lock(); b++; mu.Unlock() }, Options{Kind: Confirmed})

	//2.- Act by publishing a confirmed-only update.
	h.PublishConfirmed("c-1")

	waitForCondition(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return b == 1
	})

	//3.- Assert the optimistic-kind listener (which observes the Optimistic
	// channel, not Confirmed directly) saw nothing from this call; a Model
	// publishes the optimistic projection to it separately via
	// PublishOptimistic.
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if a != 0 {
		t.Fatalf("expected optimistic listener untouched by PublishConfirmed, got %d", a)
	}
}

func TestListenerObservesStrictApplicationOrder(t *testing.T) {
	//1.- Arrange a listener and publish a sequence of updates quickly.
	h := New()
	var mu sync.Mutex
	var seen []int

	h.Subscribe(func(err error, state any) {
		mu.Lock()
		seen = append(seen, state.(int))
		mu.Unlock()
	}, Options{})

	for i := 0; i < 50; i++ {
		h.PublishOptimistic(i)
	}

	waitForCondition(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 50
	})

	//2.- Assert no reordering occurred.
	mu.Lock()
	defer mu.Unlock()
	for i, v := range seen {
		if v != i {
			t.Fatalf("expected strict order, got %v at position %d", v, i)
		}
	}
}

func TestDisposeDeliversErrorExactlyOnceAndStopsFurtherDelivery(t *testing.T) {
	h := New()
	var mu sync.Mutex
	var errCount int
	var stateCount int

	h.Subscribe(func(err error, state any) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errCount++
		} else {
			stateCount++
		}
	}, Options{})

	h.PublishOptimistic("before-dispose")
	disposeErr := errors.New("model disposed")
	h.DisposeWithError(disposeErr)

	//1.- A publish after dispose must not reach the listener.
	h.PublishOptimistic("after-dispose")

	waitForCondition(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return errCount == 1
	})

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if errCount != 1 {
		t.Fatalf("expected exactly one error delivery, got %d", errCount)
	}
	if stateCount > 1 {
		t.Fatalf("expected at most the pre-dispose state delivered, got %d", stateCount)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	h := New()
	id := h.Subscribe(func(err error, state any) {}, Options{})
	h.Unsubscribe(id)
	h.Unsubscribe(id) // must not panic
}

func waitForCondition(t *testing.T, cond func() bool) {
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
