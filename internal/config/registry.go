package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/parley/internal/evaluation"
	"github.com/MrWong99/parley/pkg/realtime"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	realtime   map[string]func(ProviderEntry) (realtime.Provider, error)
	evaluators map[string]func(ProviderEntry) (evaluation.Evaluator, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		realtime:   make(map[string]func(ProviderEntry) (realtime.Provider, error)),
		evaluators: make(map[string]func(ProviderEntry) (evaluation.Evaluator, error)),
	}
}

// RegisterRealtime registers a realtime provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterRealtime(name string, factory func(ProviderEntry) (realtime.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.realtime[name] = factory
}

// RegisterEvaluator registers a scoring service factory under name.
func (r *Registry) RegisterEvaluator(name string, factory func(ProviderEntry) (evaluation.Evaluator, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluators[name] = factory
}

// CreateRealtime instantiates a realtime provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateRealtime(entry ProviderEntry) (realtime.Provider, error) {
	r.mu.RLock()
	factory, ok := r.realtime[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: realtime/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateEvaluator instantiates a scoring service using the factory registered under entry.Name.
func (r *Registry) CreateEvaluator(entry ProviderEntry) (evaluation.Evaluator, error) {
	r.mu.RLock()
	factory, ok := r.evaluators[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: evaluation/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
