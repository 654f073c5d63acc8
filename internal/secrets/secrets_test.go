package secrets

import (
	"context"
	"errors"
	"testing"
)

func TestRememberRoundTripAcrossRestart(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	m := NewManager(store)
	if err := m.Set(ctx, "conn-1", "password", []byte("hunter2"), SavePolicyRemember); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// A fresh Manager over the same store simulates a process restart.
	m2 := NewManager(store)
	secret, err := m2.Get(ctx, "conn-1", "password")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(secret) != "hunter2" {
		t.Fatalf("got %q, want hunter2", secret)
	}
}

func TestAskEveryTimeClearedOnUnload(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewManager(store)

	if err := m.Set(ctx, "conn-1", "password", []byte("once"), SavePolicyAskEveryTime); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Visible while the session scope lives (survives reload within a run).
	secret, err := m.Get(ctx, "conn-1", "password")
	if err != nil || string(secret) != "once" {
		t.Fatalf("session-scope Get = %q, %v", secret, err)
	}

	m.ClearSession("conn-1")

	secret, err = m.Get(ctx, "conn-1", "password")
	if err != nil {
		t.Fatalf("Get after clear: %v", err)
	}
	if secret != nil {
		t.Fatalf("expected Missing after ClearSession, got %q", secret)
	}
}

func TestClearSessionKeepsPersistent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewManager(store)

	if err := m.Set(ctx, "conn-1", "token", []byte("tok"), SavePolicyRemember); err != nil {
		t.Fatalf("Set: %v", err)
	}
	m.ClearSession("conn-1")

	secret, err := m.Get(ctx, "conn-1", "token")
	if err != nil || string(secret) != "tok" {
		t.Fatalf("persistent secret lost: %q, %v", secret, err)
	}
}

func TestForgetIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore())

	if err := m.Set(ctx, "conn-1", "password", []byte("x"), SavePolicyRemember); err != nil {
		t.Fatalf("Set: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := m.Forget(ctx, "conn-1", "password"); err != nil {
			t.Fatalf("Forget #%d: %v", i+1, err)
		}
		secret, err := m.Get(ctx, "conn-1", "password")
		if err != nil {
			t.Fatalf("Get after Forget #%d: %v", i+1, err)
		}
		if secret != nil {
			t.Fatalf("expected Missing after Forget #%d, got %q", i+1, secret)
		}
	}
}

type countingStore struct {
	*MemoryStore
	lookups int
}

func (s *countingStore) Lookup(ctx context.Context, connectionID, field string) ([]byte, error) {
	s.lookups++
	return s.MemoryStore.Lookup(ctx, connectionID, field)
}

func TestPersistentHitCachedIntoSession(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryStore: NewMemoryStore()}
	if err := store.MemoryStore.Store(ctx, "conn-1", "password", []byte("cached")); err != nil {
		t.Fatal(err)
	}

	m := NewManager(store)
	for i := 0; i < 3; i++ {
		secret, err := m.Get(ctx, "conn-1", "password")
		if err != nil || string(secret) != "cached" {
			t.Fatalf("Get #%d = %q, %v", i+1, secret, err)
		}
	}
	if store.lookups != 1 {
		t.Fatalf("expected one store lookup, got %d", store.lookups)
	}
}

type failingStore struct{ MemoryStore }

var errStoreDown = errors.New("store unavailable")

func (s *failingStore) Store(context.Context, string, string, []byte) error {
	return errStoreDown
}

func TestRememberFailureIsNotDowngraded(t *testing.T) {
	ctx := context.Background()
	m := NewManager(&failingStore{})

	err := m.Set(ctx, "conn-1", "password", []byte("x"), SavePolicyRemember)
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("expected persistence failure to surface, got %v", err)
	}

	// The failed write must not have been silently kept as session-only.
	secret, err := m.Get(ctx, "conn-1", "password")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if secret != nil {
		t.Fatalf("expected Missing after failed Remember, got %q", secret)
	}
}
