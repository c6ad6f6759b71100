package engine

import (
	"fmt"
	"sync"
)

type Phase string

const (
	PhaseIdle          Phase = "IDLE"
	PhaseBuilding      Phase = "BUILDING"
	PhaseHolding       Phase = "HOLDING"
	PhaseWindingDown   Phase = "WINDING_DOWN"
	PhaseEmergencyStop Phase = "EMERGENCY_STOP"
)

// Machine guards the phase lifecycle. Every forward path may divert to
// EMERGENCY_STOP; EMERGENCY_STOP itself is terminal and requires operator
// intervention plus a restart.
type Machine struct {
	mu    sync.Mutex
	phase Phase
}

func NewMachine() *Machine {
	return &Machine{phase: PhaseIdle}
}

func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Transition moves to the requested phase, rejecting anything the lifecycle
// does not allow.
func (m *Machine) Transition(to Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !validTransition(m.phase, to) {
		return fmt.Errorf("invalid phase transition %s -> %s", m.phase, to)
	}
	m.phase = to
	return nil
}

// Restore force-sets the phase when resuming from a persisted snapshot.
func (m *Machine) Restore(phase Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = phase
}

func validTransition(from, to Phase) bool {
	if to == PhaseEmergencyStop {
		return from != PhaseEmergencyStop
	}
	switch from {
	case PhaseIdle:
		return to == PhaseBuilding
	case PhaseBuilding:
		return to == PhaseHolding || to == PhaseWindingDown
	case PhaseHolding:
		return to == PhaseWindingDown
	case PhaseWindingDown:
		return to == PhaseIdle
	}
	return false
}
