package instrument

import (
	"fmt"
	"sync"
)

// Registry holds the instrument inventory and enforces exclusive ownership:
// a connection handle is claimed by exactly one acquisition loop for its
// lifetime and released unconditionally when the loop reaches a terminal
// state.
type Registry struct {
	mu          sync.RWMutex
	instruments map[string]Instrument
	claimed     map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		instruments: make(map[string]Instrument),
		claimed:     make(map[string]bool),
	}
}

// Add registers an instrument. Duplicate IDs are a configuration error.
func (r *Registry) Add(inst Instrument) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := inst.ID()
	if _, exists := r.instruments[id]; exists {
		return fmt.Errorf("instrument %s already registered", id)
	}
	r.instruments[id] = inst
	return nil
}

// Claim hands the connection handle to a loop. A second claim of the same
// instrument fails until Release.
func (r *Registry) Claim(id string) (Instrument, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, exists := r.instruments[id]
	if !exists {
		return nil, fmt.Errorf("instrument %s not found", id)
	}
	if r.claimed[id] {
		return nil, fmt.Errorf("instrument %s already claimed", id)
	}
	r.claimed[id] = true
	return inst, nil
}

// Release returns the handle. Releasing an unclaimed or unknown instrument
// is a no-op so every terminal path can call it unconditionally.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claimed, id)
}

// Get returns an instrument without claiming it. Used by the forced
// termination path to close a connection out from under a hung loop.
func (r *Registry) Get(id string) (Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, exists := r.instruments[id]
	if !exists {
		return nil, fmt.Errorf("instrument %s not found", id)
	}
	return inst, nil
}

// IDs returns all registered instrument IDs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.instruments))
	for id := range r.instruments {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll closes every registered connection. Used on process teardown.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for id, inst := range r.instruments {
		if err := inst.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", id, err)
		}
	}
	return firstErr
}
