package secrets

import (
	"context"
	"fmt"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"

	"github.com/vmgate/vmgate/internal/crypto"
)

// collection is the PocketBase collection backing persistent secrets.
// Values are AES-256-GCM encrypted before they reach the database; the
// collection has no client-facing access rules.
const collection = "secrets"

// PocketBaseStore persists secrets as encrypted records keyed by
// (connection_id, field).
type PocketBaseStore struct {
	app core.App
}

func NewPocketBaseStore(app core.App) *PocketBaseStore {
	return &PocketBaseStore{app: app}
}

// Verify checks that the secrets collection is reachable. Failure here is
// fatal-to-launch: a backend without its secret store must not start.
func (s *PocketBaseStore) Verify() error {
	if _, err := s.app.FindCollectionByNameOrId(collection); err != nil {
		return fmt.Errorf("secrets: collection %q unavailable: %w", collection, err)
	}
	return crypto.Verify()
}

func (s *PocketBaseStore) find(connectionID, field string) (*core.Record, error) {
	return s.app.FindFirstRecordByFilter(
		collection,
		"connection_id = {:connection_id} && field = {:field}",
		dbx.Params{"connection_id": connectionID, "field": field},
	)
}

func (s *PocketBaseStore) Lookup(_ context.Context, connectionID, field string) ([]byte, error) {
	rec, err := s.find(connectionID, field)
	if err != nil {
		// Not found is a Missing result, not an error.
		return nil, nil
	}
	encrypted := rec.GetString("value")
	if encrypted == "" {
		return nil, nil
	}
	secret, err := crypto.Decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("secrets: decrypt %s/%s: %w", connectionID, field, err)
	}
	return secret, nil
}

func (s *PocketBaseStore) Store(_ context.Context, connectionID, field string, secret []byte) error {
	encrypted, err := crypto.Encrypt(secret)
	if err != nil {
		return err
	}

	rec, findErr := s.find(connectionID, field)
	if findErr != nil {
		col, err := s.app.FindCollectionByNameOrId(collection)
		if err != nil {
			return fmt.Errorf("secrets: collection not found: %w", err)
		}
		rec = core.NewRecord(col)
		rec.Set("connection_id", connectionID)
		rec.Set("field", field)
	}
	rec.Set("value", encrypted)

	if err := s.app.Save(rec); err != nil {
		return fmt.Errorf("secrets: save %s/%s: %w", connectionID, field, err)
	}
	return nil
}

func (s *PocketBaseStore) Clear(_ context.Context, connectionID, field string) error {
	rec, err := s.find(connectionID, field)
	if err != nil {
		return nil // already absent
	}
	if err := s.app.Delete(rec); err != nil {
		return fmt.Errorf("secrets: delete %s/%s: %w", connectionID, field, err)
	}
	return nil
}

// ClearConnection removes every persisted secret for the connection.
// Used by the record-delete hook when a connection configuration is removed.
func (s *PocketBaseStore) ClearConnection(connectionID string) error {
	records, err := s.app.FindRecordsByFilter(
		collection,
		"connection_id = {:connection_id}",
		"", 0, 0,
		dbx.Params{"connection_id": connectionID},
	)
	if err != nil {
		return nil
	}
	for _, rec := range records {
		if err := s.app.Delete(rec); err != nil {
			return fmt.Errorf("secrets: delete secrets for %s: %w", connectionID, err)
		}
	}
	return nil
}

var _ Store = (*PocketBaseStore)(nil)
