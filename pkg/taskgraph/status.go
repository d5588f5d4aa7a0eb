package taskgraph

import "fmt"

// Status is the lifecycle state of a Task.
type Status string

const (
	// StatusWaiting is the initial state. A waiting Task is claimable once its
	// predecessors are complete.
	StatusWaiting Status = "waiting"

	// StatusRunning means a compute service holds an active Claim on the Task.
	StatusRunning Status = "running"

	// StatusComplete is terminal success. Successors may proceed.
	StatusComplete Status = "complete"

	// StatusError is terminal failure, reported by a worker or set by the
	// liveness monitor when retries are exhausted.
	StatusError Status = "error"

	// StatusInvalid is an administrative mark removing the Task from eligibility.
	StatusInvalid Status = "invalid"

	// StatusDeleted is an administrative mark removing the Task from eligibility.
	StatusDeleted Status = "deleted"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusWaiting, StatusRunning, StatusComplete, StatusError, StatusInvalid, StatusDeleted,
}

// Validate checks if the Status is a valid enum value.
func (s Status) Validate() error {
	switch s {
	case StatusWaiting, StatusRunning, StatusComplete, StatusError, StatusInvalid, StatusDeleted:
		return nil
	default:
		return fmt.Errorf("unknown task status: %q", s)
	}
}

// IsTerminal reports whether no worker-driven transition leaves s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusError, StatusInvalid, StatusDeleted:
		return true
	default:
		return false
	}
}

// IsAdministrative reports whether s is only reachable by operator action.
func (s Status) IsAdministrative() bool {
	return s == StatusInvalid || s == StatusDeleted
}

// IsActive reports whether the Task still occupies its hub (waiting or running).
func (s Status) IsActive() bool {
	return s == StatusWaiting || s == StatusRunning
}

// BlocksSuccessors reports whether a predecessor in status s can never let
// its successors run.
func (s Status) BlocksSuccessors() bool {
	switch s {
	case StatusError, StatusInvalid, StatusDeleted:
		return true
	default:
		return false
	}
}

// transitions is the closed table of permitted status changes.
var transitions = map[Status][]Status{
	StatusWaiting: {StatusRunning, StatusInvalid, StatusDeleted},
	StatusRunning: {StatusComplete, StatusError, StatusWaiting, StatusInvalid, StatusDeleted},
	StatusInvalid: {StatusWaiting},
	StatusDeleted: {StatusWaiting},
}

// Transition validates a change from one status to another. It returns a
// *TransitionError when the table does not permit it.
func Transition(from, to Status) error {
	if err := from.Validate(); err != nil {
		return err
	}
	if err := to.Validate(); err != nil {
		return err
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return &TransitionError{From: from, To: to}
}
