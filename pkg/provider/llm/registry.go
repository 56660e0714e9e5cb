package llm

import (
	"errors"
	"fmt"
	"sync"
)

// ErrModelNotRegistered is returned by [Registry.Resolve] when no backend has
// been registered under the requested model identifier.
var ErrModelNotRegistered = errors.New("llm: model not registered")

// Registry maps model identifiers to their [Backend] implementations. It is
// the single dispatch point between the model-id strings found in session
// configuration and the heterogeneous provider SDKs behind them.
//
// A Registry is constructed once at process start and passed explicitly to
// the components that need it. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register binds modelID to backend. Subsequent calls with the same modelID
// overwrite the previous registration.
func (r *Registry) Register(modelID string, backend Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[modelID] = backend
}

// Resolve returns the backend registered under modelID.
// Returns an error wrapping [ErrModelNotRegistered] when there is none.
func (r *Registry) Resolve(modelID string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[modelID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrModelNotRegistered, modelID)
	}
	return b, nil
}

// Models returns the identifiers of all registered models. Order is not
// guaranteed.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.backends))
	for id := range r.backends {
		ids = append(ids, id)
	}
	return ids
}
