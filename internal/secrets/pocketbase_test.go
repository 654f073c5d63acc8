package secrets

import (
	"context"
	"testing"

	"github.com/pocketbase/pocketbase/tests"

	// trigger migration registrations
	_ "github.com/vmgate/vmgate/internal/migrations"
)

func newTestStore(t *testing.T) *PocketBaseStore {
	t.Helper()
	app, err := tests.NewTestApp()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(app.Cleanup)
	return NewPocketBaseStore(app)
}

func TestPocketBaseStoreVerify(t *testing.T) {
	store := newTestStore(t)
	if err := store.Verify(); err != nil {
		t.Fatalf("Verify on a migrated app: %v", err)
	}
}

func TestPocketBaseStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.Store(ctx, "conn-1", "password", []byte("hunter2")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	secret, err := store.Lookup(ctx, "conn-1", "password")
	if err != nil || string(secret) != "hunter2" {
		t.Fatalf("Lookup = %q, %v", secret, err)
	}

	if err := store.Clear(ctx, "conn-1", "password"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	secret, err = store.Lookup(ctx, "conn-1", "password")
	if err != nil || secret != nil {
		t.Fatalf("Lookup after Clear = %q, %v", secret, err)
	}
}
