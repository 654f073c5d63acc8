// Package secrets mediates between backend credential needs and secret
// storage.
//
// Two scopes exist: Session (in-memory, process lifetime) and Persistent
// (an external Store). The Manager layers the session cache over a Store;
// a persistent hit is cached into the session scope for the remainder of
// the run, but the Store stays the source of truth across restarts.
//
// Invariant: plaintext secret bytes exist only in the session map and in
// the caller's hands; they are never logged or serialized elsewhere.
package secrets

import (
	"context"
	"fmt"
	"sync"
)

// SavePolicy controls whether a supplied credential outlives the process.
type SavePolicy string

const (
	// SavePolicyAskEveryTime keeps the credential in the session scope only.
	// It is cleared when the owning connection is unloaded.
	SavePolicyAskEveryTime SavePolicy = "ask"
	// SavePolicyRemember additionally writes through to the persistent store.
	// The write is awaited; a persistence failure is an error, never a silent
	// downgrade to session-only.
	SavePolicyRemember SavePolicy = "remember"
)

// Store is the persistent secret-storage collaborator. Implementations must
// be safe for concurrent use.
//
// Lookup returns (nil, nil) when no secret is stored for the key.
type Store interface {
	Lookup(ctx context.Context, connectionID, field string) ([]byte, error)
	Store(ctx context.Context, connectionID, field string, secret []byte) error
	Clear(ctx context.Context, connectionID, field string) error
}

// Manager is the process-wide credential handle, passed through constructors
// rather than reached as a global so test doubles stay substitutable.
type Manager struct {
	store Store

	mu      sync.Mutex
	session map[string]map[string][]byte // connectionID → field → secret
}

func NewManager(store Store) *Manager {
	return &Manager{
		store:   store,
		session: make(map[string]map[string][]byte),
	}
}

// Get returns the secret for (connectionID, field), checking the session
// scope first and falling back to the persistent store. A persistent hit is
// cached into the session scope. Returns (nil, nil) when absent in both.
func (m *Manager) Get(ctx context.Context, connectionID, field string) ([]byte, error) {
	m.mu.Lock()
	if fields, ok := m.session[connectionID]; ok {
		if secret, ok := fields[field]; ok {
			out := append([]byte(nil), secret...)
			m.mu.Unlock()
			return out, nil
		}
	}
	m.mu.Unlock()

	secret, err := m.store.Lookup(ctx, connectionID, field)
	if err != nil {
		return nil, fmt.Errorf("secrets: lookup %s/%s: %w", connectionID, field, err)
	}
	if secret == nil {
		return nil, nil
	}

	m.cacheSession(connectionID, field, secret)
	return append([]byte(nil), secret...), nil
}

// Set stores the secret under the given policy. SavePolicyRemember awaits the
// persistent write before reporting success; SavePolicyAskEveryTime touches
// only the session scope.
func (m *Manager) Set(ctx context.Context, connectionID, field string, secret []byte, policy SavePolicy) error {
	if policy == SavePolicyRemember {
		if err := m.store.Store(ctx, connectionID, field, secret); err != nil {
			return fmt.Errorf("secrets: store %s/%s: %w", connectionID, field, err)
		}
	}
	m.cacheSession(connectionID, field, secret)
	return nil
}

// Forget removes the secret from both scopes. It is idempotent: forgetting an
// absent secret is not an error.
func (m *Manager) Forget(ctx context.Context, connectionID, field string) error {
	m.mu.Lock()
	if fields, ok := m.session[connectionID]; ok {
		if secret, ok := fields[field]; ok {
			zero(secret)
			delete(fields, field)
		}
	}
	m.mu.Unlock()

	if err := m.store.Clear(ctx, connectionID, field); err != nil {
		return fmt.Errorf("secrets: clear %s/%s: %w", connectionID, field, err)
	}
	return nil
}

// ClearSession drops every session-scope entry for the connection. Called on
// instance unload; persistent entries are untouched.
func (m *Manager) ClearSession(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, secret := range m.session[connectionID] {
		zero(secret)
	}
	delete(m.session, connectionID)
}

func (m *Manager) cacheSession(connectionID, field string, secret []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fields, ok := m.session[connectionID]
	if !ok {
		fields = make(map[string][]byte)
		m.session[connectionID] = fields
	}
	if old, ok := fields[field]; ok {
		zero(old)
	}
	fields[field] = append([]byte(nil), secret...)
}

// zero overwrites secret bytes before the map entry is dropped.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
