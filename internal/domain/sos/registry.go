package sos

import (
	"sync"

	"github.com/google/uuid"
)

// Registry hands out the single Machine instance per device, so triggers
// from any input source serialize on the same state. Machines are created
// lazily via the factory.
type Registry struct {
	mu       sync.Mutex
	machines map[uuid.UUID]*Machine
	factory  func(userID uuid.UUID) *Machine
}

// NewRegistry creates a registry backed by the given machine factory.
func NewRegistry(factory func(userID uuid.UUID) *Machine) *Registry {
	return &Registry{
		machines: make(map[uuid.UUID]*Machine),
		factory:  factory,
	}
}

// Machine returns the device's machine, creating it on first use.
func (r *Registry) Machine(userID uuid.UUID) *Machine {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.machines[userID]
	if !ok {
		m = r.factory(userID)
		r.machines[userID] = m
	}
	return m
}

// Reset forwards an acknowledgement to the device's machine, if one exists.
func (r *Registry) Reset(userID uuid.UUID) {
	r.mu.Lock()
	m, ok := r.machines[userID]
	r.mu.Unlock()
	if ok {
		m.Reset()
	}
}
