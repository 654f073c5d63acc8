package connection

import (
	"fmt"
	"sync"
)

// Registry maps provider tags to providers. Registration happens once at
// startup; reads are concurrent afterwards.
type Registry struct {
	mu        sync.RWMutex
	order     []string
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: map[string]Provider{}}
}

// Register adds a provider. Duplicate tags are a programming error.
func (r *Registry) Register(p Provider) {
	tag := p.Info().Tag
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.providers[tag]; dup {
		panic(fmt.Sprintf("connection: provider tag registered twice: %s", tag))
	}
	r.providers[tag] = p
	r.order = append(r.order, tag)
}

// Get resolves a provider by tag.
func (r *Registry) Get(tag string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[tag]
	return p, ok
}

// Providers lists all registered providers in registration order.
func (r *Registry) Providers() []ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProviderInfo, 0, len(r.order))
	for _, tag := range r.order {
		out = append(out, r.providers[tag].Info())
	}
	return out
}

// CreateConfiguration validates settings against the named provider and
// returns a new configuration with a fresh ID. Unknown tags and rejected
// settings are validation errors.
func (r *Registry) CreateConfiguration(tag, title string, settings map[string]any) (*Configuration, error) {
	p, ok := r.Get(tag)
	if !ok {
		return nil, NewValidation(fmt.Sprintf("unknown provider: %s", tag), nil)
	}
	if title == "" {
		return nil, NewValidation("title must not be empty", nil)
	}
	if err := p.ValidateSettings(settings); err != nil {
		return nil, err
	}
	return NewConfiguration(tag, title, settings), nil
}

// ValidateUpdate re-checks settings for an existing configuration.
func (r *Registry) ValidateUpdate(cfg *Configuration) error {
	p, ok := r.Get(cfg.ProviderTag)
	if !ok {
		return NewValidation(fmt.Sprintf("unknown provider: %s", cfg.ProviderTag), nil)
	}
	if cfg.Title == "" {
		return NewValidation("title must not be empty", nil)
	}
	return p.ValidateSettings(cfg.Settings)
}
