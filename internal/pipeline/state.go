package pipeline

import "fmt"

// State of a single search pipeline run.
type State int

const (
	StatePending State = iota
	StateSearching
	StateIntegrating
	StateResponding
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSearching:
		return "searching"
	case StateIntegrating:
		return "integrating"
	case StateResponding:
		return "responding"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

var transitions = map[State][]State{
	StatePending:     {StateSearching},
	StateSearching:   {StateIntegrating, StateFailed},
	StateIntegrating: {StateResponding, StateFailed},
	StateResponding:  {StateDone, StateFailed},
	StateDone:        {}, // Terminal state
	StateFailed:      {}, // Terminal state
}

// CanTransition checks if moving from one state to another is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
