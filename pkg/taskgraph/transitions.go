package taskgraph

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// SetStatus is a compare-and-swap on a task's status. It succeeds only if
// the current status equals expected; otherwise it returns a *ConflictError.
// Transitions outside the state table return a *TransitionError. Moving a
// task to running is reserved for TryClaim, which records the claim.
func (s *Store) SetStatus(ctx context.Context, taskID string, to, expected Status) error {
	if err := Transition(expected, to); err != nil {
		return err
	}
	if to == StatusRunning {
		return fmt.Errorf("transition to %s requires a claim: use TryClaim", StatusRunning)
	}

	raw, err := setStatusScript.Run(ctx, s.rdb,
		[]string{TaskKey(s.namespace, taskID), RunningKey(s.namespace)},
		taskID, string(expected), string(to), "", KeyPrefix(s.namespace),
	).Result()
	if err != nil {
		return fmt.Errorf("failed to set task status: %w", err)
	}

	res := parseScriptResult(raw)
	switch res.outcome {
	case -1:
		return redis.Nil
	case 0:
		return &ConflictError{TaskID: taskID, Op: "set status", Expected: string(expected), Actual: res.field(0)}
	}

	s.publish(ctx, &TaskEvent{Type: EventTransition, TaskID: taskID, From: expected, To: to})
	return nil
}

// TryClaim atomically moves a waiting task whose predecessors are all
// complete to running under claimant, stamping lease and heartbeat with the
// current time. Returns a *ConflictError if the task is no longer waiting or
// a predecessor is not complete.
func (s *Store) TryClaim(ctx context.Context, taskID, claimant string) (*Claim, error) {
	if claimant == "" {
		return nil, fmt.Errorf("claimant cannot be empty")
	}
	nowMs := s.nowMs()

	raw, err := tryClaimScript.Run(ctx, s.rdb,
		[]string{TaskKey(s.namespace, taskID), RunningKey(s.namespace)},
		taskID, claimant, nowMs, KeyPrefix(s.namespace),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}

	res := parseScriptResult(raw)
	switch res.outcome {
	case -1:
		return nil, redis.Nil
	case 0:
		return nil, &ConflictError{TaskID: taskID, Op: "claim", Expected: string(StatusWaiting), Actual: res.field(0)}
	case 2:
		return nil, &ConflictError{
			TaskID:   taskID,
			Op:       "claim",
			Expected: "predecessor " + res.field(0) + " complete",
			Actual:   res.field(1),
		}
	}

	s.publish(ctx, &TaskEvent{
		Type:     EventTransition,
		TaskID:   taskID,
		From:     StatusWaiting,
		To:       StatusRunning,
		Claimant: claimant,
	})
	return &Claim{Claimant: claimant, LeaseAcquiredMs: nowMs, LastHeartbeatMs: nowMs}, nil
}

// HeartbeatTask refreshes the claim claimant holds on a running task.
// Returns a *ConflictError when the task is no longer running under
// claimant, which tells the worker its claim was lost.
func (s *Store) HeartbeatTask(ctx context.Context, taskID, claimant string) error {
	raw, err := heartbeatScript.Run(ctx, s.rdb,
		[]string{TaskKey(s.namespace, taskID), RunningKey(s.namespace)},
		taskID, claimant, s.nowMs(),
	).Result()
	if err != nil {
		return fmt.Errorf("failed to heartbeat task: %w", err)
	}

	res := parseScriptResult(raw)
	switch res.outcome {
	case -1:
		return redis.Nil
	case 0:
		return &ConflictError{
			TaskID:   taskID,
			Op:       "heartbeat",
			Expected: "running by " + claimant,
			Actual:   res.field(0) + " by " + res.field(1),
		}
	}
	return nil
}

// Report records a worker's outcome for a task it holds. Status must be
// complete or error. A report from a claimant that no longer holds the task
// (it was reclaimed or administratively changed) is a *ConflictError.
func (s *Store) Report(ctx context.Context, taskID, claimant string, status Status, resultRef, reason string) error {
	if status != StatusComplete && status != StatusError {
		return invalidSpecf("report status must be %s or %s, got %q", StatusComplete, StatusError, status)
	}

	raw, err := reportScript.Run(ctx, s.rdb,
		[]string{TaskKey(s.namespace, taskID), RunningKey(s.namespace)},
		taskID, claimant, string(status), resultRef, reason,
	).Result()
	if err != nil {
		return fmt.Errorf("failed to report task: %w", err)
	}

	res := parseScriptResult(raw)
	switch res.outcome {
	case -1:
		return redis.Nil
	case 0:
		return &ConflictError{
			TaskID:   taskID,
			Op:       "report",
			Expected: "running by " + claimant,
			Actual:   res.field(0) + " by " + res.field(1),
		}
	}

	s.publish(ctx, &TaskEvent{
		Type:     EventTransition,
		TaskID:   taskID,
		From:     StatusRunning,
		To:       status,
		Claimant: claimant,
		Reason:   reason,
	})
	return nil
}

// ReclaimResult describes an applied reclaim.
type ReclaimResult struct {
	TaskID     string
	Claimant   string
	Status     Status // waiting, or error when retries are exhausted
	RetryCount int
}

// Reclaim returns an expired claim to the pool. The claimant and last
// heartbeat must match what the caller observed; any change (a fresh
// heartbeat, a report, another reclaim) yields a *ConflictError, so a
// given expiry is applied exactly once.
func (s *Store) Reclaim(ctx context.Context, taskID, claimant string, observedHeartbeatMs int64) (*ReclaimResult, error) {
	raw, err := reclaimScript.Run(ctx, s.rdb,
		[]string{TaskKey(s.namespace, taskID), RunningKey(s.namespace)},
		taskID, claimant, observedHeartbeatMs, KeyPrefix(s.namespace),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim task: %w", err)
	}

	res := parseScriptResult(raw)
	switch res.outcome {
	case -1:
		return nil, redis.Nil
	case 0:
		return nil, &ConflictError{
			TaskID:   taskID,
			Op:       "reclaim",
			Expected: "running by " + claimant,
			Actual:   res.field(0) + " by " + res.field(1),
		}
	}

	result := &ReclaimResult{
		TaskID:     taskID,
		Claimant:   claimant,
		Status:     Status(res.field(0)),
		RetryCount: int(res.count),
	}

	ev := &TaskEvent{
		Type:       EventReclaimed,
		TaskID:     taskID,
		From:       StatusRunning,
		To:         result.Status,
		Claimant:   claimant,
		RetryCount: result.RetryCount,
	}
	if result.Status == StatusError {
		ev.Reason = ReasonRetriesExhausted
	}
	s.publish(ctx, ev)
	return result, nil
}
