// Package worker provides the stateless execution side of the orchestrator:
// a registry of named callables and a pool that pulls dispatch messages,
// executes them with bounded concurrency, and reports completions.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrCallableNotRegistered indicates a dispatch referenced a name the worker
// does not know. This is a permanent execution error: retrying on the same
// pool cannot succeed.
var ErrCallableNotRegistered = errors.New("callable not registered")

// Callable is the uniform contract for a unit of work. The orchestrator
// treats implementations as opaque: run with arguments, return an outcome.
type Callable interface {
	Run(ctx context.Context, args map[string]any) (map[string]any, error)
}

// CallableFunc adapts a plain function to the Callable interface.
type CallableFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

func (f CallableFunc) Run(ctx context.Context, args map[string]any) (map[string]any, error) {
	return f(ctx, args)
}

// Registry maps callable names to executable units. It is populated at
// worker startup and read-only afterwards.
type Registry struct {
	mu        sync.RWMutex
	callables map[string]Callable
}

func NewRegistry() *Registry {
	return &Registry{callables: make(map[string]Callable)}
}

// Register binds a name to a callable. Re-registering a name is a
// programming error and rejected.
func (r *Registry) Register(name string, callable Callable) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.callables[name]; exists {
		return fmt.Errorf("callable %q already registered", name)
	}

	r.callables[name] = callable

	return nil
}

// Resolve returns the callable bound to a name.
func (r *Registry) Resolve(name string) (Callable, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	callable, ok := r.callables[name]
	if !ok {
		return nil, fmt.Errorf("callable %q: %w", name, ErrCallableNotRegistered)
	}

	return callable, nil
}

// Names returns the registered callable names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.callables))
	for name := range r.callables {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
