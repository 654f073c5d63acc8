// Package audit provides a unified helper for writing operation audit
// records.
//
// All backend writes go through Write(); access rules on the audit_logs
// collection prevent any client-side mutations.
package audit

import (
	"github.com/pocketbase/pocketbase/core"
	"github.com/rs/zerolog/log"
)

const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

var validStatuses = map[string]bool{
	StatusPending: true,
	StatusSuccess: true,
	StatusFailed:  true,
}

// Entry holds all fields for a single audit record.
type Entry struct {
	// UserID is the PocketBase record ID of the actor ("system" for worker
	// originated operations).
	UserID string
	// UserEmail is the actor's email address for display purposes.
	UserEmail string
	// Action is a dot-namespaced verb, e.g. "connection.load",
	// "session.console.open", "power.shutdown".
	Action string
	// ResourceType is the category of the affected resource, e.g.
	// "connection", "server", "session".
	ResourceType string
	// ResourceID identifies the affected resource (connection record ID,
	// server path, session ID).
	ResourceID string
	// ResourceName is the human-readable label of the affected resource.
	ResourceName string
	// Status must be one of StatusPending, StatusSuccess, or StatusFailed.
	Status string
	// IP is the client's source IP address. Empty for worker operations.
	IP string
	// Detail holds optional structured context (error kind, task ID, byte
	// counts). Secret values must never be placed here.
	Detail map[string]any
}

// Write persists one audit record to the audit_logs collection. It bypasses
// PocketBase access rules via app.Save(), so it works from any backend
// handler or worker. Errors are logged and swallowed; an audit failure must
// never break the calling operation.
func Write(app core.App, entry Entry) {
	if !validStatuses[entry.Status] {
		log.Warn().Str("status", entry.Status).Str("action", entry.Action).Msg("audit: invalid status, skipping")
		return
	}

	col, err := app.FindCollectionByNameOrId("audit_logs")
	if err != nil {
		log.Warn().Err(err).Msg("audit: collection not found")
		return
	}

	rec := core.NewRecord(col)
	rec.Set("user_id", entry.UserID)
	rec.Set("user_email", entry.UserEmail)
	rec.Set("action", entry.Action)
	rec.Set("resource_type", entry.ResourceType)
	rec.Set("resource_id", entry.ResourceID)
	rec.Set("resource_name", entry.ResourceName)
	rec.Set("status", entry.Status)
	rec.Set("ip", entry.IP)
	if entry.Detail != nil {
		rec.Set("detail", entry.Detail)
	}

	if err := app.Save(rec); err != nil {
		log.Warn().Err(err).Str("action", entry.Action).Msg("audit: save failed")
	}
}
