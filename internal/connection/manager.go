package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vmgate/vmgate/internal/secrets"
)

// Manager hands out one live Instance per stored configuration.
type Manager struct {
	registry *Registry
	creds    *secrets.Manager
	sessions SessionTracker
	timeout  time.Duration

	mu        sync.Mutex
	instances map[string]*Instance
}

func NewManager(reg *Registry, creds *secrets.Manager, sessions SessionTracker, loadTimeout time.Duration) *Manager {
	return &Manager{
		registry:  reg,
		creds:     creds,
		sessions:  sessions,
		timeout:   loadTimeout,
		instances: map[string]*Instance{},
	}
}

// Instance returns the live instance for the configuration, creating one if
// needed. The configuration's provider tag must be registered.
func (m *Manager) Instance(cfg *Configuration) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[cfg.ID]; ok {
		return inst, nil
	}
	p, ok := m.registry.Get(cfg.ProviderTag)
	if !ok {
		return nil, NewValidation(fmt.Sprintf("unknown provider: %s", cfg.ProviderTag), nil)
	}
	inst := newInstance(cfg, p, m.creds, m.sessions, m.timeout)
	m.instances[cfg.ID] = inst
	return inst, nil
}

// Get returns the live instance for a configuration ID, if one exists.
func (m *Manager) Get(id string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	return inst, ok
}

// Unload tears down and forgets the instance for the configuration ID.
func (m *Manager) Unload(ctx context.Context, id string) {
	m.mu.Lock()
	inst, ok := m.instances[id]
	delete(m.instances, id)
	m.mu.Unlock()
	if ok {
		inst.Unload(ctx)
	}
}

// UnloadAll tears down every live instance. Used at shutdown.
func (m *Manager) UnloadAll(ctx context.Context) {
	m.mu.Lock()
	all := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		all = append(all, inst)
	}
	m.instances = map[string]*Instance{}
	m.mu.Unlock()
	for _, inst := range all {
		inst.Unload(ctx)
	}
}
