package backend

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/types"
)

// ErrUnknownBackend is returned by Registry.Get for an unregistered name
var ErrUnknownBackend = errors.New("backend: unknown backend")

// Registry holds the backends available to sessions, keyed by name.
//
// Thread-safety: safe for concurrent use. Backends themselves must be safe
// for concurrent calls from the worker pool.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	fallback string
}

// NewRegistry creates an empty registry. defaultName is used for sessions
// that do not ask for a backend.
func NewRegistry(defaultName string) *Registry {
	return &Registry{backends: make(map[string]Backend), fallback: defaultName}
}

// Register adds b under b.Name(). Registering a duplicate name is an error.
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := b.Name()
	if _, exists := r.backends[name]; exists {
		return fmt.Errorf("backend: %q already registered", name)
	}
	r.backends[name] = b
	slog.Info("backend registered", "backend", name)
	return nil
}

// Get returns the backend for name ("" selects the default).
// An unknown name is a ConfigError for the asking session.
func (r *Registry) Get(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = r.fallback
	}
	b, ok := r.backends[name]
	if !ok {
		return nil, types.NewError(types.KindConfigError, "backend.get",
			fmt.Errorf("%w: %q (available: %v)", ErrUnknownBackend, name, r.namesLocked()))
	}
	return b, nil
}

// Default returns the default backend name
func (r *Registry) Default() string {
	return r.fallback
}

// Names returns registered names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every backend, returning the joined errors
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, b := range r.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("backend %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
