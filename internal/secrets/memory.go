package secrets

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store used by tests and by transient
// quick-connect configurations that must never persist credentials.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func memKey(connectionID, field string) string {
	return connectionID + "\x00" + field
}

func (s *MemoryStore) Lookup(_ context.Context, connectionID, field string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	secret, ok := s.data[memKey(connectionID, field)]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), secret...), nil
}

func (s *MemoryStore) Store(_ context.Context, connectionID, field string, secret []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[memKey(connectionID, field)] = append([]byte(nil), secret...)
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, connectionID, field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, memKey(connectionID, field))
	return nil
}

var _ Store = (*MemoryStore)(nil)
