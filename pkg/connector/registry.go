package connector

import (
	"fmt"
	"sort"
	"sync"

	"github.com/polisai/polis-privacy/pkg/domain"
)

// Registry holds connector factories indexed by connection type.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory for the given connection type.
// Panics if the type is already registered.
func (r *Registry) Register(connectionType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[connectionType]; exists {
		panic(fmt.Sprintf("connector factory already registered: %s", connectionType))
	}
	r.factories[connectionType] = factory
}

// Get returns the factory for the given connection type.
func (r *Registry) Get(connectionType string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[connectionType]
	return factory, ok
}

// List returns all registered connection types in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Open instantiates a connector for the connection.
func (r *Registry) Open(cfg domain.ConnectionConfig, creds Credentials) (Connector, error) {
	factory, ok := r.Get(cfg.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrConnectorNotFound, cfg.Type)
	}
	return factory(cfg, creds)
}
