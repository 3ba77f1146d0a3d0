package models

import (
	"context"
	"testing"
)

func TestClientRegisterRejectsDuplicateName(t *testing.T) {
	c := NewClient()
	ch1 := newManualChannel()
	ch2 := newManualChannel()

	if _, err := c.Register("counter", ch1, counterMerge, zeroSnapshot, Config{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := c.Register("counter", ch2, counterMerge, zeroSnapshot, Config{})
	if _, ok := err.(*RegistrationError); !ok {
		t.Fatalf("expected *RegistrationError, got %T: %v", err, err)
	}
}

func TestClientReleaseFreesNameForReRegistration(t *testing.T) {
	c := NewClient()
	ch := newManualChannel()

	m, err := c.Register("counter", ch, counterMerge, zeroSnapshot, Config{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	c.Release("counter", "no longer needed")
	if _, ok := c.Get("counter"); ok {
		t.Fatal("expected model to be released from the registry")
	}
	if m.State() != StateDisposed {
		t.Fatalf("expected released model to be disposed, got %s", m.State())
	}

	if _, err := c.Register("counter", newManualChannel(), counterMerge, zeroSnapshot, Config{}); err != nil {
		t.Fatalf("expected re-registration to succeed after release, got %v", err)
	}
}

func TestClientDisposeAllClearsRegistry(t *testing.T) {
	c := NewClient()
	if _, err := c.Register("a", newManualChannel(), counterMerge, zeroSnapshot, Config{}); err != nil {
		t.Fatalf("Register a: %v", err)
	}
	if _, err := c.Register("b", newManualChannel(), counterMerge, zeroSnapshot, Config{}); err != nil {
		t.Fatalf("Register b: %v", err)
	}

	c.DisposeAll("shutdown")

	if _, ok := c.Get("a"); ok {
		t.Fatal("expected registry cleared for a")
	}
	if _, ok := c.Get("b"); ok {
		t.Fatal("expected registry cleared for b")
	}
}
