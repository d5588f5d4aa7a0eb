package inspect

import (
	"context"
	"fmt"
	"io"

	"github.com/dyluth/crucible/pkg/taskgraph"
)

// TaskDetail is a task together with the context an operator needs to
// understand why it is or is not being claimed.
type TaskDetail struct {
	*taskgraph.Task
	HubName     string                  `json:"hub_name"`
	Eligibility *taskgraph.Eligibility  `json:"eligibility"`
	BlockedBy   *taskgraph.BlockedError `json:"blocked_by,omitempty"`
}

// ShowTask writes a task as pretty-printed JSON. taskID must be a full ID;
// callers resolve prefixes first.
func ShowTask(ctx context.Context, g Graph, taskID string, w io.Writer) error {
	task, err := g.GetTask(ctx, taskID)
	if err != nil {
		if taskgraph.IsNotFound(err) {
			return &TaskNotFoundError{TaskID: taskID}
		}
		return fmt.Errorf("failed to fetch task: %w", err)
	}

	detail := &TaskDetail{Task: task}
	if hub, err := g.GetHub(ctx, task.Hub); err == nil {
		detail.HubName = hub.Name
	}
	el, err := g.Eligibility(ctx, taskID)
	if err != nil && !taskgraph.IsNotFound(err) {
		return fmt.Errorf("failed to evaluate eligibility: %w", err)
	}
	if el != nil {
		detail.Eligibility = el
		detail.BlockedBy = el.Blocked
	}

	return FormatJSON(w, detail)
}

// TaskNotFoundError reports a task ID that no longer exists.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task with ID '%s' not found", e.TaskID)
}
