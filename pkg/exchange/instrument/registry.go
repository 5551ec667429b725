package instrument

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNotFound is returned for lookups of unregistered instruments.
	ErrNotFound = errors.New("instrument not found")

	// ErrDuplicateInstrument is returned when listing an ID twice.
	ErrDuplicateInstrument = errors.New("instrument already registered")
)

// Registry manages the set of listed instruments in a thread-safe manner.
type Registry struct {
	mu          sync.RWMutex
	instruments map[string]*Instrument // id -> instrument
}

func NewRegistry() *Registry {
	return &Registry{
		instruments: make(map[string]*Instrument),
	}
}

// Register adds a new instrument.
// Returns an error if an instrument with the same ID already exists.
func (r *Registry) Register(ins *Instrument) error {
	if ins == nil {
		return fmt.Errorf("cannot register nil instrument")
	}
	if err := ins.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instruments[ins.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateInstrument, ins.ID)
	}
	r.instruments[ins.ID] = ins
	return nil
}

// Get retrieves an instrument by ID.
func (r *Registry) Get(id string) (*Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ins, exists := r.instruments[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ins, nil
}

// List returns all registered instruments.
func (r *Registry) List() []*Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Instrument, 0, len(r.instruments))
	for _, ins := range r.instruments {
		out = append(out, ins)
	}
	return out
}

// UpdateStatus changes an instrument's trading status.
// Settled is terminal; no transitions out of it are allowed.
func (r *Registry) UpdateStatus(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ins, exists := r.instruments[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if ins.Status == Settled {
		return fmt.Errorf("instrument %s is settled (terminal state)", id)
	}
	ins.Status = status
	return nil
}

// Exists checks whether an instrument is registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.instruments[id]
	return exists
}

// Count returns the number of registered instruments.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instruments)
}
