package adapter

import (
	"sync/atomic"
	"testing"
	"time"
)

type closeCounter struct {
	closed atomic.Int32
}

func (c *closeCounter) Close() error {
	c.closed.Add(1)
	return nil
}

func TestRegistryTrackAndClose(t *testing.T) {
	r := NewRegistry(time.Hour)
	s := &closeCounter{}
	id := r.Track("conn-1", s)

	if got, ok := r.Get(id); !ok || got != s {
		t.Fatal("tracked session not retrievable")
	}
	r.Touch(id)

	r.Close(id)
	if s.closed.Load() != 1 {
		t.Fatalf("closed %d times, want 1", s.closed.Load())
	}
	if _, ok := r.Get(id); ok {
		t.Fatal("session still tracked after Close")
	}
	// Closing an already removed session is a no-op.
	r.Close(id)
	if s.closed.Load() != 1 {
		t.Fatal("double close reached the session")
	}
}

func TestRegistryCloseAllIsScopedToConnection(t *testing.T) {
	r := NewRegistry(time.Hour)
	a1, a2, b := &closeCounter{}, &closeCounter{}, &closeCounter{}
	r.Track("conn-a", a1)
	r.Track("conn-a", a2)
	keep := r.Track("conn-b", b)

	r.CloseAll("conn-a")
	if a1.closed.Load() != 1 || a2.closed.Load() != 1 {
		t.Fatal("conn-a sessions not closed")
	}
	if b.closed.Load() != 0 {
		t.Fatal("conn-b session closed by mistake")
	}
	if _, ok := r.Get(keep); !ok {
		t.Fatal("conn-b session dropped from registry")
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}
