package migrations_test

import (
	"testing"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tests"

	// trigger init() registrations
	_ "github.com/vmgate/vmgate/internal/migrations"
)

func TestCollectionsCreated(t *testing.T) {
	app, err := tests.NewTestApp()
	if err != nil {
		t.Fatal(err)
	}
	defer app.Cleanup()

	for _, name := range []string{"connections", "secrets", "audit_logs"} {
		col, err := app.FindCollectionByNameOrId(name)
		if err != nil {
			t.Errorf("collection %q not found: %v", name, err)
			continue
		}
		if col.Type != core.CollectionTypeBase {
			t.Errorf("collection %q: type = %q, want base", name, col.Type)
		}
	}
}

func TestSecretsCollectionIsBackendOnly(t *testing.T) {
	app, err := tests.NewTestApp()
	if err != nil {
		t.Fatal(err)
	}
	defer app.Cleanup()

	col, err := app.FindCollectionByNameOrId("secrets")
	if err != nil {
		t.Fatal(err)
	}
	if col.ListRule != nil || col.ViewRule != nil || col.CreateRule != nil ||
		col.UpdateRule != nil || col.DeleteRule != nil {
		t.Fatal("secrets collection must be unreachable from clients")
	}
	for _, f := range []string{"connection_id", "field", "value"} {
		if col.Fields.GetByName(f) == nil {
			t.Errorf("secrets collection missing field %q", f)
		}
	}
}

func TestConnectionsCollectionFields(t *testing.T) {
	app, err := tests.NewTestApp()
	if err != nil {
		t.Fatal(err)
	}
	defer app.Cleanup()

	col, err := app.FindCollectionByNameOrId("connections")
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range []string{"provider_tag", "title", "settings"} {
		if col.Fields.GetByName(f) == nil {
			t.Errorf("connections collection missing field %q", f)
		}
	}
	if col.CreateRule == nil {
		t.Fatal("authenticated users should be able to create connections")
	}
}
