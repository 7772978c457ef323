package agent

import "fmt"

// State is one coordination state in the per-actor lifecycle machine.
type State string

// Lifecycle states. Transitions outside the legal set are programming
// errors and are rejected.
const (
	StateIdle                 State = "IDLE"
	StateActive               State = "ACTIVE"
	StateWaitingThrottle      State = "WAITING_THROTTLE"
	StateWaitingAuthorization State = "WAITING_AUTHORIZATION"
	StateTerminated           State = "TERMINATED"
)

// legalTransitions encodes IDLE → ACTIVE ⇄ WAITING_THROTTLE ⇄
// WAITING_AUTHORIZATION → ACTIVE → TERMINATED. Termination is reachable
// from every non-terminal state so a halt is never blocked on lifecycle
// position.
var legalTransitions = map[State][]State{
	StateIdle:                 {StateActive, StateTerminated},
	StateActive:               {StateIdle, StateWaitingThrottle, StateWaitingAuthorization, StateTerminated},
	StateWaitingThrottle:      {StateActive, StateTerminated},
	StateWaitingAuthorization: {StateActive, StateTerminated},
	StateTerminated:           {},
}

// canTransition reports whether from → to is legal.
func canTransition(from, to State) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transitionError describes an illegal lifecycle move.
func transitionError(from, to State) error {
	return fmt.Errorf("illegal agent state transition %s -> %s", from, to)
}
