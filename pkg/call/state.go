package call

import (
	"sync"
)

// State is the local view of one call attempt's progress. It is distinct from
// the relay-visible record status and is derived from both transport events
// and relay observations.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateConnecting
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// ValidTransition reports whether a state machine may move from one state to
// the next. The machine is forward-only: a new call attempt always gets a
// fresh machine, and StateEnded is terminal.
func ValidTransition(from, to State) bool {
	switch from {
	case StateIdle:
		// The caller goes through StateStarting while the offer is generated;
		// the callee joins an existing offer and enters StateConnecting
		// directly.
		return to == StateStarting || to == StateConnecting || to == StateEnded
	case StateStarting:
		return to == StateConnecting || to == StateEnded
	case StateConnecting:
		return to == StateConnected || to == StateEnded
	case StateConnected:
		return to == StateEnded
	case StateEnded:
		return false
	default:
		return false
	}
}

// StateMachine guards the per-attempt call state. All transitions are checked
// against ValidTransition; invalid ones are rejected, not applied.
type StateMachine struct {
	mu  sync.Mutex
	cur State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{cur: StateIdle}
}

func (m *StateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.cur
}

// Transition moves the machine to next if allowed and reports whether the
// move happened.
func (m *StateMachine) Transition(next State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !ValidTransition(m.cur, next) {
		return false
	}
	m.cur = next

	return true
}
