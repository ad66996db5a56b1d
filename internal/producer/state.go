package producer

import "fmt"

// State is the position of one response stream in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateStarted
	StateSectionOpen
	StateEmitting
	StateSectionClosed
	StateCompleted
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarted:
		return "started"
	case StateSectionOpen:
		return "section_open"
	case StateEmitting:
		return "emitting"
	case StateSectionClosed:
		return "section_closed"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateErrored
}

var transitions = map[State][]State{
	StateIdle:          {StateStarted},
	StateStarted:       {StateSectionOpen},
	StateSectionOpen:   {StateEmitting, StateSectionClosed},
	StateEmitting:      {StateEmitting, StateSectionClosed},
	StateSectionClosed: {StateSectionOpen, StateCompleted},
}

// IllegalTransitionError reports a transition the lifecycle does not allow.
type IllegalTransitionError struct {
	From State
	To   State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal producer transition %s -> %s", e.From, e.To)
}

// machine guards the lifecycle of one stream. Errored is reachable from any
// non-terminal state.
type machine struct {
	state State
}

func (m *machine) to(next State) error {
	if m.state.Terminal() {
		return &IllegalTransitionError{From: m.state, To: next}
	}
	if next == StateErrored {
		m.state = next
		return nil
	}
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			return nil
		}
	}
	return &IllegalTransitionError{From: m.state, To: next}
}
