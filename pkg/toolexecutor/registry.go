package toolexecutor

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	ErrBackendExists   = errors.New("backend already registered")
	ErrBackendNotFound = errors.New("backend not found")
)

// Registry maps names to backend instances. Backends built through Ensure
// remember the config fingerprint they were built from.
type Registry struct {
	mu           sync.RWMutex
	backends     map[string]Backend
	fingerprints map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		backends:     make(map[string]Backend),
		fingerprints: make(map[string]string),
	}
}

// Register adds a backend under name. Existing names are never overwritten.
func (r *Registry) Register(name string, backend Backend) error {
	if name == "" {
		return fmt.Errorf("backend name is required")
	}
	if backend == nil {
		return fmt.Errorf("backend %s is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[name]; exists {
		return fmt.Errorf("%w: %s", ErrBackendExists, name)
	}
	r.backends[name] = backend

	log.Debug().Str("backend", name).Str("kind", string(backend.Kind())).Msg("Backend registered")
	return nil
}

// Get returns the backend registered under name.
func (r *Registry) Get(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	backend, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBackendNotFound, name)
	}
	return backend, nil
}

// Ensure returns the backend under name while it was built from
// fingerprint. A backend built from another fingerprint is replaced by a
// fresh one from create and the old one is closed. Backends added with
// Register carry no fingerprint and are returned as is.
func (r *Registry) Ensure(name, fingerprint string, create func() (Backend, error)) (Backend, error) {
	r.mu.RLock()
	backend, ok := r.backends[name]
	current, built := r.fingerprints[name]
	r.mu.RUnlock()
	if ok && (!built || current == fingerprint) {
		return backend, nil
	}

	r.mu.Lock()
	backend, ok = r.backends[name]
	current, built = r.fingerprints[name]
	if ok && (!built || current == fingerprint) {
		r.mu.Unlock()
		return backend, nil
	}
	fresh, err := create()
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.backends[name] = fresh
	r.fingerprints[name] = fingerprint
	r.mu.Unlock()

	if !ok {
		return fresh, nil
	}
	log.Info().Str("backend", name).Str("kind", string(fresh.Kind())).Msg("Backend config changed, rebuilt")
	if closer, isCloser := backend.(io.Closer); isCloser {
		if err := closer.Close(); err != nil {
			log.Warn().Err(err).Str("backend", name).Msg("Failed to close replaced backend")
		}
	}
	return fresh, nil
}

// Unregister removes and closes the backend under name.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	backend, ok := r.backends[name]
	if ok {
		delete(r.backends, name)
		delete(r.fingerprints, name)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrBackendNotFound, name)
	}
	if closer, ok := backend.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// List returns registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every closable backend and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	backends := r.backends
	r.backends = make(map[string]Backend)
	r.fingerprints = make(map[string]string)
	r.mu.Unlock()

	var errs []error
	for name, backend := range backends {
		if closer, ok := backend.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close backend %s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}
