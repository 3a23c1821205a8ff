package transport

import (
	"errors"

	"sphynx/domain"
)

var ErrInvalidTransition = errors.New("invalid connexion state transition")

// State is the Connexion lifecycle of spec §4.2.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDraining
	StateFailed
	StateDead
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	case StateFailed:
		return "failed"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// transitions enumerates the legal edges of spec §4.2's state machine.
var transitions = map[State]map[State]bool{
	StateConnecting: {StateConnected: true, StateFailed: true},
	StateConnected:  {StateDraining: true, StateFailed: true},
	StateDraining:   {StateDead: true},
	StateFailed:     {StateDead: true},
	StateDead:       {},
}

func (s State) CanTransitionTo(next State) bool {
	allowed, ok := transitions[s]
	if !ok {
		return false
	}
	return allowed[next]
}

// Transition validates and reports the move from s to next, wrapped as a
// domain.KindTransport error when illegal.
func (s State) Transition(next State) error {
	if !s.CanTransitionTo(next) {
		return domain.Wrap(domain.KindTransport, "state transition", ErrInvalidTransition)
	}
	return nil
}
