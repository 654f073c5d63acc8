// Package hooks registers PocketBase event hooks for vmgate business logic.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/rs/zerolog/log"

	"github.com/vmgate/vmgate/internal/audit"
	"github.com/vmgate/vmgate/internal/connection"
	"github.com/vmgate/vmgate/internal/secrets"
)

// Deps are the backend services the hooks act on.
type Deps struct {
	Registry *connection.Registry
	Manager  *connection.Manager
	Store    *secrets.PocketBaseStore
}

// Register binds all custom event hooks to the PocketBase app.
func Register(app *pocketbase.PocketBase, d *Deps) {
	registerConnectionHooks(app, d)
	registerSuperuserHooks(app)
	registerLoginAuditHooks(app)
}

// registerConnectionHooks validates connection records against their
// provider and tears down live state when a record disappears.
func registerConnectionHooks(app *pocketbase.PocketBase, d *Deps) {
	validate := func(e *core.RecordRequestEvent) error {
		cfg, err := configFromRecord(e.Record)
		if err != nil {
			return apis.NewBadRequestError("invalid settings payload", err)
		}
		if err := d.Registry.ValidateUpdate(cfg); err != nil {
			return apis.NewBadRequestError(err.Error(), nil)
		}
		return e.Next()
	}
	app.OnRecordCreateRequest("connections").BindFunc(validate)
	app.OnRecordUpdateRequest("connections").BindFunc(validate)

	// Settings edits invalidate the live instance; the next load starts
	// from the updated configuration.
	app.OnRecordAfterUpdateSuccess("connections").BindFunc(func(e *core.RecordEvent) error {
		d.Manager.Unload(context.Background(), e.Record.Id)
		return e.Next()
	})

	// Deleting a connection forgets everything derived from it: the live
	// instance, its sessions, and all persisted secrets.
	app.OnRecordAfterDeleteSuccess("connections").BindFunc(func(e *core.RecordEvent) error {
		d.Manager.Unload(context.Background(), e.Record.Id)
		if err := d.Store.ClearConnection(e.Record.Id); err != nil {
			log.Warn().Err(err).Str("connection_id", e.Record.Id).Msg("clearing secrets after delete failed")
		}
		audit.Write(app, audit.Entry{
			UserID: "system",
			Action: "connection.delete.cleanup", ResourceType: "connection",
			ResourceID: e.Record.Id, ResourceName: e.Record.GetString("title"),
			Status: audit.StatusSuccess,
		})
		return e.Next()
	})
}

func configFromRecord(rec *core.Record) (*connection.Configuration, error) {
	settings := map[string]any{}
	if raw := rec.GetString("settings"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &settings); err != nil {
			return nil, err
		}
	}
	return &connection.Configuration{
		ID:          rec.Id,
		ProviderTag: rec.GetString("provider_tag"),
		Title:       rec.GetString("title"),
		Settings:    settings,
	}, nil
}

// registerLoginAuditHooks writes audit records on login success and failure
// for both the "users" and "_superusers" collections.
func registerLoginAuditHooks(app *pocketbase.PocketBase) {
	for _, col := range []string{"users", "_superusers"} {
		app.OnRecordAuthWithPasswordRequest(col).BindFunc(func(e *core.RecordAuthWithPasswordRequestEvent) error {
			ip := e.RealIP()
			err := e.Next()
			if err != nil {
				audit.Write(app, audit.Entry{
					UserID: "unknown", UserEmail: e.Identity,
					Action: "login.failed", ResourceType: "session",
					Status: audit.StatusFailed, IP: ip,
					Detail: map[string]any{"collection": col},
				})
				return err
			}
			audit.Write(app, audit.Entry{
				UserID: e.Record.Id, UserEmail: e.Record.GetString("email"),
				Action: "login.success", ResourceType: "session",
				Status: audit.StatusSuccess, IP: ip,
			})
			return nil
		})
	}
}

// registerSuperuserHooks registers safety guards for the _superusers system
// collection.
func registerSuperuserHooks(app *pocketbase.PocketBase) {
	app.OnRecordDeleteRequest("_superusers").BindFunc(func(e *core.RecordRequestEvent) error {
		if e.Auth != nil && e.Auth.Id == e.Record.Id {
			return apis.NewBadRequestError("cannot_delete_self", nil)
		}
		count, err := app.CountRecords("_superusers")
		if err != nil {
			return fmt.Errorf("superuser guard: failed to count superusers: %w", err)
		}
		if count <= 1 {
			return apis.NewBadRequestError("cannot_delete_last_superuser", nil)
		}
		return e.Next()
	})
}
