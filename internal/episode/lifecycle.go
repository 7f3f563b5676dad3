package episode

import (
	"errors"
	"fmt"
)

// Phase is the lifecycle position of a controller session.
type Phase string

const (
	// PhaseIdle is a session that has not completed the handshake.
	PhaseIdle Phase = "idle"
	// PhaseConnected is a session whose supervisor and simulator are reachable.
	PhaseConnected Phase = "connected"
	// PhaseRunning is a session that has reset or stepped at least once.
	PhaseRunning Phase = "running"
	// PhaseDone is a session whose run loop saved its result.
	PhaseDone Phase = "done"
)

var allowedTransitions = map[Phase]map[Phase]struct{}{
	PhaseIdle: {
		PhaseConnected: {},
	},
	PhaseConnected: {
		PhaseRunning: {},
	},
	PhaseRunning: {
		PhaseRunning: {},
		PhaseDone:    {},
	},
	PhaseDone: {
		PhaseRunning: {},
	},
}

// ErrNotStarted is returned by operations that need a completed handshake.
var ErrNotStarted = errors.New("episode session not started")

// IllegalTransitionError is returned when an operation is called out of order.
type IllegalTransitionError struct {
	Operation string
	From      Phase
	To        Phase
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("cannot %s: session cannot move from %q to %q", e.Operation, e.From, e.To)
}

// Is enables errors.Is checks for illegal transition failures. A session
// still idle also matches ErrNotStarted.
func (e *IllegalTransitionError) Is(target error) bool {
	if target == ErrNotStarted {
		return e.From == PhaseIdle && e.To != PhaseConnected
	}
	_, ok := target.(*IllegalTransitionError)
	return ok
}

func canTransition(from, to Phase) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func checkTransition(operation string, from, to Phase) error {
	if canTransition(from, to) {
		return nil
	}
	return &IllegalTransitionError{Operation: operation, From: from, To: to}
}
