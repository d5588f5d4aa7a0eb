// Package watch follows task graph activity for the admin CLI.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/crucible/pkg/taskgraph"
)

// DefaultPollInterval is how often WaitForTerminal re-reads a task.
const DefaultPollInterval = 200 * time.Millisecond

// OutputFormat selects how streamed events are written.
type OutputFormat string

const (
	OutputFormatDefault OutputFormat = "default"
	OutputFormatJSON    OutputFormat = "json"
)

// EventSource delivers task events until closed.
type EventSource interface {
	Events() <-chan *taskgraph.TaskEvent
	Errors() <-chan error
}

// StreamEvents writes events from src until ctx is cancelled or the source
// closes. Malformed-message errors are reported inline and do not stop
// the stream.
func StreamEvents(ctx context.Context, src EventSource, format OutputFormat, w io.Writer) error {
	enc := json.NewEncoder(w)
	errs := src.Errors()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			fmt.Fprintf(w, "⚠️  %v\n", err)

		case ev, ok := <-src.Events():
			if !ok {
				return nil
			}
			if format == OutputFormatJSON {
				if err := enc.Encode(ev); err != nil {
					return fmt.Errorf("failed to write event: %w", err)
				}
				continue
			}
			fmt.Fprintln(w, FormatEvent(ev))
		}
	}
}

// FormatEvent renders one event as a timestamped line.
func FormatEvent(ev *taskgraph.TaskEvent) string {
	ts := time.UnixMilli(ev.TimestampMs).UTC().Format("15:04:05")

	switch ev.Type {
	case taskgraph.EventCreated:
		return fmt.Sprintf("[%s] ✨ Task created: %s (hub=%s)", ts, ev.TaskID, ev.HubID)
	case taskgraph.EventTransition:
		line := fmt.Sprintf("[%s] %s Task %s: %s → %s", ts, transitionIcon(ev.To), ev.TaskID, ev.From, ev.To)
		if ev.Claimant != "" {
			line += fmt.Sprintf(" by %s", ev.Claimant)
		}
		if ev.Reason != "" {
			line += fmt.Sprintf(" (%s)", ev.Reason)
		}
		return line
	case taskgraph.EventReclaimed:
		return fmt.Sprintf("[%s] ♻️  Task %s reclaimed from %s → %s (retry %d)", ts, ev.TaskID, ev.Claimant, ev.To, ev.RetryCount)
	case taskgraph.EventBlocked:
		return fmt.Sprintf("[%s] 🚧 Task %s blocked: %s", ts, ev.TaskID, ev.Reason)
	case taskgraph.EventHubDeleted:
		return fmt.Sprintf("[%s] 🗑️  Hub %s deleted with %d tasks", ts, ev.HubID, ev.Count)
	case taskgraph.EventServiceGone:
		return fmt.Sprintf("[%s] 💀 Service %s expired", ts, ev.Claimant)
	default:
		return fmt.Sprintf("[%s] %s %s", ts, ev.Type, ev.TaskID)
	}
}

func transitionIcon(to taskgraph.Status) string {
	switch to {
	case taskgraph.StatusRunning:
		return "⚙️"
	case taskgraph.StatusComplete:
		return "✅"
	case taskgraph.StatusError:
		return "❌"
	case taskgraph.StatusWaiting:
		return "⏳"
	default:
		return "🔒"
	}
}

// StatusReader reads a task's status.
type StatusReader interface {
	GetStatus(ctx context.Context, taskID string) (taskgraph.Status, error)
}

// WaitForTerminal polls a task until it reaches a terminal status and
// returns that status. A zero timeout waits until ctx is done.
func WaitForTerminal(ctx context.Context, store StatusReader, taskID string, timeout, poll time.Duration) (taskgraph.Status, error) {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		status, err := store.GetStatus(ctx, taskID)
		if err != nil {
			return "", fmt.Errorf("failed to read task status: %w", err)
		}
		if status.IsTerminal() {
			return status, nil
		}

		select {
		case <-ctx.Done():
			if timeout > 0 && ctx.Err() == context.DeadlineExceeded {
				return status, fmt.Errorf("timeout waiting for task %s after %v (last status %s)", taskID, timeout, status)
			}
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}
