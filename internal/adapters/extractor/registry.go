// Package extractor hosts the extraction-callback registry and the
// built-in extractors. Format-specific decoders live outside the
// engine; they plug in here by name.
package extractor

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"dev.forensix.extract-engine/internal/core/domain"
	"dev.forensix.extract-engine/internal/core/ports"
)

// Registry maps extractor names to implementations. It is constructed
// once and passed by reference into the engine at startup; there is no
// package-level default. Registration rejects duplicate keys rather
// than silently overwriting.
type Registry struct {
	mu         sync.RWMutex
	extractors map[string]ports.Extractor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{extractors: make(map[string]ports.Extractor)}
}

// Register adds an extractor under a unique name.
func (r *Registry) Register(name string, ext ports.Extractor) error {
	if name == "" {
		return errors.New("extractor name must not be empty")
	}
	if ext == nil {
		return errors.New("extractor must not be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.extractors[name]; exists {
		return errors.Wrap(domain.ErrDuplicateRegistration, name)
	}
	r.extractors[name] = ext
	return nil
}

// Deregister removes a registered extractor.
func (r *Registry) Deregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.extractors[name]; !exists {
		return errors.Wrap(domain.ErrNotRegistered, name)
	}
	delete(r.extractors, name)
	return nil
}

// Get resolves an extractor by name.
func (r *Registry) Get(name string) (ports.Extractor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ext, exists := r.extractors[name]
	if !exists {
		return nil, errors.Wrap(domain.ErrNotRegistered, name)
	}
	return ext, nil
}

// Names lists registered extractor names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.extractors))
	for name := range r.extractors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterBuiltins registers the extractors shipped with the engine.
func RegisterBuiltins(registry *Registry) error {
	return registry.Register(FileStatName, NewFileStat())
}
