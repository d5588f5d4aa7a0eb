package inspect

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/dyluth/crucible/internal/timespec"
	"github.com/dyluth/crucible/pkg/scope"
	"github.com/dyluth/crucible/pkg/taskgraph"
)

// Graph is the read side of the task graph store used for listings.
type Graph interface {
	ListHubs(ctx context.Context, scopes scope.Set) ([]*taskgraph.TaskHub, error)
	ListTasks(ctx context.Context, hubID string, statuses ...taskgraph.Status) ([]*taskgraph.Task, error)
	GetTask(ctx context.Context, taskID string) (*taskgraph.Task, error)
	GetHub(ctx context.Context, hubID string) (*taskgraph.TaskHub, error)
	Eligibility(ctx context.Context, taskID string) (*taskgraph.Eligibility, error)
	Now() time.Time
}

// Filter narrows a task listing. Every set field must match.
type Filter struct {
	Hub          string // Hub ID; empty lists every hub
	Scopes       scope.Set
	Statuses     []taskgraph.Status
	ProtocolGlob string
	Claimant     string
	Created      timespec.Range
}

func (f *Filter) matches(t *taskgraph.Task) bool {
	if !f.Created.Contains(time.UnixMilli(t.CreatedAtMs)) {
		return false
	}
	if f.ProtocolGlob != "" {
		if ok, err := filepath.Match(f.ProtocolGlob, t.Protocol); err != nil || !ok {
			return false
		}
	}
	if f.Claimant != "" && (t.Claim == nil || t.Claim.Claimant != f.Claimant) {
		return false
	}
	return true
}

// ListTasks collects the tasks matching filter, oldest first.
func ListTasks(ctx context.Context, g Graph, filter Filter) ([]*taskgraph.Task, error) {
	hubIDs := []string{filter.Hub}
	if filter.Hub == "" {
		hubs, err := g.ListHubs(ctx, filter.Scopes)
		if err != nil {
			return nil, err
		}
		hubIDs = hubIDs[:0]
		for _, h := range hubs {
			hubIDs = append(hubIDs, h.ID)
		}
	}

	var tasks []*taskgraph.Task
	for _, id := range hubIDs {
		hubTasks, err := g.ListTasks(ctx, id, filter.Statuses...)
		if err != nil {
			return nil, fmt.Errorf("failed to list tasks of hub %s: %w", id, err)
		}
		for _, t := range hubTasks {
			if filter.matches(t) {
				tasks = append(tasks, t)
			}
		}
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Seq < tasks[j].Seq
	})
	return tasks, nil
}

// WriteTasks lists tasks and writes them in the requested format.
func WriteTasks(ctx context.Context, g Graph, filter Filter, format OutputFormat, w io.Writer) error {
	tasks, err := ListTasks(ctx, g, filter)
	if err != nil {
		return err
	}

	switch format {
	case OutputFormatTable:
		FormatTaskTable(w, tasks, g.Now())
		return nil
	case OutputFormatJSONL:
		return FormatJSONL(w, tasks)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}
