package serialization

import (
	"fmt"
	"sort"
	"sync"

	"github.com/glimte/taskbus/contracts"
	"github.com/samber/lo"
)

// Factory returns a fresh pointer to an event value, ready to be decoded into
type Factory func() contracts.Event

// TypeRegistry maps event names to their factories. It is filled explicitly at
// startup; nothing is discovered at runtime.
type TypeRegistry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	types     map[string]string
}

// NewTypeRegistry creates a registry holding the given factories
func NewTypeRegistry(factories ...Factory) (*TypeRegistry, error) {
	r := &TypeRegistry{
		factories: make(map[string]Factory),
		types:     make(map[string]string),
	}
	for _, f := range factories {
		if err := r.Register(f); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// MustNewTypeRegistry is like NewTypeRegistry but panics on a bad registration
func MustNewTypeRegistry(factories ...Factory) *TypeRegistry {
	r, err := NewTypeRegistry(factories...)
	if err != nil {
		panic(err)
	}
	return r
}

// Register adds an event type under its EventName
func (r *TypeRegistry) Register(factory Factory) error {
	if factory == nil {
		return fmt.Errorf("factory cannot be nil")
	}

	sample := factory()
	if sample == nil {
		return fmt.Errorf("factory returned nil event")
	}
	name := sample.EventName()
	if name == "" {
		return fmt.Errorf("event type %T has no name", sample)
	}
	typeName := fmt.Sprintf("%T", sample)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.types[name]; exists {
		if existing == typeName {
			return nil
		}
		return fmt.Errorf("event name %s already registered to %s", name, existing)
	}

	r.factories[name] = factory
	r.types[name] = typeName
	return nil
}

// IsRegistered checks if an event name is registered
func (r *TypeRegistry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.factories[name]
	return exists
}

// New returns a fresh event for the name
func (r *TypeRegistry) New(name string) (contracts.Event, error) {
	r.mu.RLock()
	factory, exists := r.factories[name]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("event %s not registered", name)
	}
	return factory(), nil
}

// ListTypes returns the registered event names in sorted order
func (r *TypeRegistry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := lo.Keys(r.factories)
	sort.Strings(names)
	return names
}
