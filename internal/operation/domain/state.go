package domain

// State is the lifecycle position of one executor transaction.
type State string

const (
	StatePending      State = "pending"
	StateInProgress   State = "in_progress"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateRetryPending State = "retry_pending"
	StateRolledBack   State = "rolled_back"
)

var transitions = map[State][]State{
	StatePending:      {StateInProgress, StateFailed},
	StateInProgress:   {StateCompleted, StateFailed},
	StateFailed:       {StateRetryPending, StateRolledBack},
	StateRetryPending: {StateInProgress, StateFailed},
}

func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is expected. Failed is
// terminal only once the executor stops retrying.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateRolledBack:
		return true
	}
	return false
}
