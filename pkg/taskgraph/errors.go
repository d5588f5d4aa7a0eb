package taskgraph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ReasonRetriesExhausted is recorded on a Task moved to error because its
// retry budget ran out.
const ReasonRetriesExhausted = "RetriesExhausted"

// Error kinds. Use errors.Is against these to classify store errors.
var (
	// ErrStructural matches every StructuralError.
	ErrStructural = errors.New("structural error")

	ErrCycle       = errors.New("dependency cycle")
	ErrUnknownHub  = errors.New("unknown task hub")
	ErrUnknownTask = errors.New("unknown task")
	ErrInvalidSpec = errors.New("invalid spec")

	// ErrConflict matches every ConflictError.
	ErrConflict = errors.New("conflicting concurrent transition")

	// ErrBlocked matches every BlockedError.
	ErrBlocked = errors.New("task dependencies can never be satisfied")

	// ErrHubNotEmpty is returned when deleting a hub that still holds active tasks.
	ErrHubNotEmpty = errors.New("task hub has active tasks")
)

// StructuralError rejects a graph mutation that would violate an invariant
// (cycle, unknown reference, malformed spec). Nothing is persisted when it
// is returned.
type StructuralError struct {
	Kind error
	Msg  string
}

func (e *StructuralError) Error() string {
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *StructuralError) Unwrap() error { return e.Kind }

// Is lets errors.Is(err, ErrStructural) match any kind.
func (e *StructuralError) Is(target error) bool { return target == ErrStructural }

func cycleError(path []string) error {
	return &StructuralError{Kind: ErrCycle, Msg: strings.Join(path, " -> ")}
}

func unknownHubError(hubID string) error {
	return &StructuralError{Kind: ErrUnknownHub, Msg: hubID}
}

func unknownTaskError(taskID string) error {
	return &StructuralError{Kind: ErrUnknownTask, Msg: taskID}
}

func invalidSpecf(format string, args ...any) error {
	return &StructuralError{Kind: ErrInvalidSpec, Msg: fmt.Sprintf(format, args...)}
}

// ConflictError means a compare-and-swap lost a race. The caller must re-read
// and decide; it is never fatal.
type ConflictError struct {
	TaskID   string
	Op       string
	Expected string
	Actual   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: expected %s, found %s", e.Op, e.TaskID, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// BlockedError reports a waiting Task whose predecessor reached a status that
// can never satisfy the dependency.
type BlockedError struct {
	TaskID            string
	Predecessor       string
	PredecessorStatus Status
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("task %s blocked: predecessor %s is %s", e.TaskID, e.Predecessor, e.PredecessorStatus)
}

func (e *BlockedError) Unwrap() error { return ErrBlocked }

// TransitionError is returned for a status change not in the transition table.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("disallowed transition: %s -> %s", e.From, e.To)
}

// IsNotFound returns true if the error is a Redis "key not found" error (redis.Nil).
// GetTask, GetHub and GetService return redis.Nil for missing entities.
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}

// IsConflict reports whether err is a lost compare-and-swap.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
