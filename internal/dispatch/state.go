package dispatch

import "fmt"

// State is the lifecycle position of a job.
type State string

const (
	StateChunking    State = "chunking"
	StateDispatching State = "dispatching"
	StateCollecting  State = "collecting"
	StateMerging     State = "merging"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// validTransition reports whether a job may move from one state to the next.
// Failure is reachable from every non-terminal state.
func validTransition(from, to State) bool {
	if to == StateFailed {
		return !from.Terminal()
	}
	switch from {
	case StateChunking:
		return to == StateDispatching
	case StateDispatching:
		return to == StateCollecting
	case StateCollecting:
		return to == StateMerging
	case StateMerging:
		return to == StateDone
	}
	return false
}

type transitionError struct {
	from, to State
}

func (e transitionError) Error() string {
	return fmt.Sprintf("invalid job transition %s -> %s", e.from, e.to)
}
