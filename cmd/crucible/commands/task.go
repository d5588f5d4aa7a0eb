package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dyluth/crucible/internal/inspect"
	"github.com/dyluth/crucible/internal/objectstore"
	"github.com/dyluth/crucible/internal/printer"
	"github.com/dyluth/crucible/internal/resolver"
	"github.com/dyluth/crucible/internal/timespec"
	"github.com/dyluth/crucible/internal/watch"
	"github.com/dyluth/crucible/pkg/scope"
	"github.com/dyluth/crucible/pkg/taskgraph"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	taskHub        string
	taskProtocol   string
	taskWeight     float64
	taskMaxRetries int
	taskAfter      []string
	taskInput      string
	taskScope      string

	taskStatuses []string
	taskClaimant string
	taskSince    string
	taskUntil    string
	taskOutput   string

	taskTimeout time.Duration
	taskOut     string
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create, inspect and repair tasks",
	Long: `Create, inspect and repair tasks.

TASK arguments accept a full task ID or a unique prefix of at least 6
characters, as shown in the ID column of "crucible task list".`,
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a single task",
	Args:  cobra.NoArgs,
	Example: `  crucible task create --hub tyk2-rbfe --protocol rfe --input complex.json
  crucible task create --hub tyk2-rbfe --protocol rfe --after 3f2a9c,7b1d44`,
	RunE: runTaskCreate,
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit FILE",
	Short: "Create a batch of tasks with dependencies from a YAML file",
	Long: `Create a batch of tasks atomically from a YAML file:

  hub: tyk2-rbfe
  tasks:
    - name: lig1-lig2
      protocol: rfe
      input: inputs/lig1-lig2.json
    - name: lig2-lig3
      protocol: rfe
      weight: 0.8
      after: [lig1-lig2]

"after" entries name other tasks of the file or existing task IDs.
Either every task is created or none is.`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskSubmit,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks with filtering",
	Args:  cobra.NoArgs,
	Example: `  crucible task list --hub tyk2-rbfe --status waiting,running
  crucible task list --since 2h --protocol 'rfe*' -o jsonl | jq .id`,
	RunE: runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show TASK",
	Short: "Show a task with its eligibility",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskInvalidateCmd = &cobra.Command{
	Use:   "invalidate TASK",
	Short: "Mark a task invalid, removing it from eligibility",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSetStatus(cmd, args[0], taskgraph.StatusInvalid)
	},
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete TASK",
	Short: "Mark a task deleted, removing it from eligibility",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSetStatus(cmd, args[0], taskgraph.StatusDeleted)
	},
}

var taskRestoreCmd = &cobra.Command{
	Use:   "restore TASK",
	Short: "Return an invalid or deleted task to waiting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSetStatus(cmd, args[0], taskgraph.StatusWaiting)
	},
}

var taskDependCmd = &cobra.Command{
	Use:   "depend TASK PREDECESSOR...",
	Short: "Make a waiting task depend on further predecessors",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runTaskDepend,
}

var taskBlockedCmd = &cobra.Command{
	Use:   "blocked",
	Short: "List waiting tasks whose dependencies can never be satisfied",
	Args:  cobra.NoArgs,
	RunE:  runTaskBlocked,
}

var taskWaitCmd = &cobra.Command{
	Use:   "wait TASK",
	Short: "Wait until a task reaches a terminal status",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskWait,
}

var taskResultCmd = &cobra.Command{
	Use:   "result TASK",
	Short: "Fetch the result or failure payload of a finished task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskResult,
}

func init() {
	f := taskCreateCmd.Flags()
	f.StringVar(&taskHub, "hub", "", "Hub ID or name (required)")
	f.StringVar(&taskProtocol, "protocol", "", "Protocol name (required)")
	f.Float64Var(&taskWeight, "weight", taskgraph.DefaultTaskWeight, "Selection weight in [0,1]")
	f.IntVar(&taskMaxRetries, "max-retries", taskgraph.DefaultMaxRetries, "Reclaims tolerated before the task errors")
	f.StringSliceVar(&taskAfter, "after", nil, "Predecessor task IDs or prefixes")
	f.StringVar(&taskInput, "input", "", "File stored as the task input")
	f.StringVar(&taskScope, "scope", "", "Task scope (defaults to the hub's)")
	taskCreateCmd.MarkFlagRequired("hub")
	taskCreateCmd.MarkFlagRequired("protocol")

	f = taskListCmd.Flags()
	f.StringVar(&taskHub, "hub", "", "Only tasks of this hub (ID or name)")
	f.StringVar(&taskScope, "scope", "", "Only hubs matching this scope")
	f.StringSliceVar(&taskStatuses, "status", nil, "Only these statuses")
	f.StringVar(&taskProtocol, "protocol", "", "Protocol glob pattern")
	f.StringVar(&taskClaimant, "claimant", "", "Only tasks held by this identity")
	f.StringVar(&taskSince, "since", "", "Created after (duration, days like 2d, or RFC3339)")
	f.StringVar(&taskUntil, "until", "", "Created before (duration, days like 2d, or RFC3339)")
	f.StringVarP(&taskOutput, "output", "o", "table", "Output format: table or jsonl")

	taskBlockedCmd.Flags().StringVar(&taskHub, "hub", "", "Hub ID or name (default: every hub)")

	taskWaitCmd.Flags().DurationVar(&taskTimeout, "timeout", 0, "Give up after this long (0 waits forever)")

	taskResultCmd.Flags().StringVar(&taskOut, "out", "", "Write the payload to this file instead of stdout")

	taskCmd.AddCommand(taskCreateCmd, taskSubmitCmd, taskListCmd, taskShowCmd,
		taskInvalidateCmd, taskDeleteCmd, taskRestoreCmd, taskDependCmd,
		taskBlockedCmd, taskWaitCmd, taskResultCmd)
	rootCmd.AddCommand(taskCmd)
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	b, err := connect(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	hub, err := resolveHub(ctx, b.store, taskHub)
	if err != nil {
		return err
	}

	spec := taskgraph.TaskSpec{Hub: hub.ID, Protocol: taskProtocol}
	weight, retries := taskWeight, taskMaxRetries
	spec.Weight, spec.MaxRetries = &weight, &retries
	if taskScope != "" {
		if spec.Scope, err = scope.Parse(taskScope); err != nil {
			return printer.Error("invalid scope", err.Error(), nil)
		}
	}
	for _, ref := range taskAfter {
		id, err := resolveTask(ctx, b.store, ref)
		if err != nil {
			return err
		}
		spec.Predecessors = append(spec.Predecessors, id)
	}
	if taskInput != "" {
		inputScope := hub.Scope
		if !spec.Scope.IsZero() {
			inputScope = spec.Scope
		}
		if spec.InputRef, err = storeInput(ctx, b.objects, inputScope, taskInput); err != nil {
			return err
		}
	}

	id, err := b.store.CreateTask(ctx, spec)
	if err != nil {
		return graphError("failed to create task", err)
	}
	printer.Success("Created task %s in hub %s\n", id, hub.Name)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	format, err := inspect.ParseFormat(taskOutput)
	if err != nil {
		return printer.Error("invalid output format", err.Error(), []string{"Valid formats: table, jsonl"})
	}
	created, err := timespec.ParseRange(taskSince, taskUntil, time.Now())
	if err != nil {
		return printer.Error("invalid time filter", err.Error(), nil)
	}

	filter := inspect.Filter{ProtocolGlob: taskProtocol, Claimant: taskClaimant, Created: created}
	for _, s := range taskStatuses {
		st := taskgraph.Status(strings.TrimSpace(s))
		if err := st.Validate(); err != nil {
			return printer.Error("invalid status filter", err.Error(), []string{"Valid statuses: waiting, running, complete, error, invalid, deleted"})
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	if taskScope != "" {
		sc, err := scope.Parse(taskScope)
		if err != nil {
			return printer.Error("invalid scope", err.Error(), nil)
		}
		filter.Scopes = scope.Set{sc}
	}

	ctx := cmd.Context()
	b, err := connect(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	if taskHub != "" {
		hub, err := resolveHub(ctx, b.store, taskHub)
		if err != nil {
			return err
		}
		filter.Hub = hub.ID
	}
	return inspect.WriteTasks(ctx, b.store, filter, format, cmd.OutOrStdout())
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	b, err := connect(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	id, err := resolveTask(ctx, b.store, args[0])
	if err != nil {
		return err
	}
	return inspect.ShowTask(ctx, b.store, id, cmd.OutOrStdout())
}

// runSetStatus applies an administrative transition from whatever status
// the task is in now. A concurrent change is reported, not retried.
func runSetStatus(cmd *cobra.Command, ref string, to taskgraph.Status) error {
	ctx := cmd.Context()
	b, err := connect(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	id, err := resolveTask(ctx, b.store, ref)
	if err != nil {
		return err
	}
	from, err := b.store.GetStatus(ctx, id)
	if err != nil {
		return err
	}
	if to == taskgraph.StatusWaiting && !from.IsAdministrative() {
		return printer.Error(
			fmt.Sprintf("task %s is %s", id, from),
			"Only invalid or deleted tasks can be restored.",
			nil,
		)
	}

	if err := b.store.SetStatus(ctx, id, to, from); err != nil {
		return graphError(fmt.Sprintf("failed to move task to %s", to), err)
	}
	printer.Success("Task %s: %s → %s\n", id, from, to)
	if from == taskgraph.StatusRunning {
		printer.Warning("The claimant's next heartbeat or report for this task will be rejected\n")
	}
	return nil
}

func runTaskDepend(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	b, err := connect(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	ids := make([]string, len(args))
	for i, ref := range args {
		if ids[i], err = resolveTask(ctx, b.store, ref); err != nil {
			return err
		}
	}
	if err := b.store.AddDependencies(ctx, ids[0], ids[1:]); err != nil {
		return graphError("failed to add dependencies", err)
	}
	printer.Success("Task %s now depends on %d more %s\n", ids[0], len(ids)-1, pluralize(len(ids)-1, "task", "tasks"))
	return nil
}

func runTaskBlocked(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	b, err := connect(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	var hubs []*taskgraph.TaskHub
	if taskHub != "" {
		hub, err := resolveHub(ctx, b.store, taskHub)
		if err != nil {
			return err
		}
		hubs = []*taskgraph.TaskHub{hub}
	} else if hubs, err = b.store.ListHubs(ctx, nil); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	total := 0
	for _, hub := range hubs {
		blocked, err := b.store.Blocked(ctx, hub.ID)
		if err != nil {
			return err
		}
		for _, be := range blocked {
			fmt.Fprintf(out, "%s  %s  predecessor %s is %s\n", hub.Name, be.TaskID, be.Predecessor, be.PredecessorStatus)
		}
		total += len(blocked)
	}
	if total == 0 {
		fmt.Fprintln(out, "No blocked tasks")
		return nil
	}
	fmt.Fprintf(out, "\n%d blocked %s. Restore or replace the predecessors, or invalidate the tasks.\n", total, pluralize(total, "task", "tasks"))
	return nil
}

func runTaskWait(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	b, err := connect(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	id, err := resolveTask(ctx, b.store, args[0])
	if err != nil {
		return err
	}
	printer.Step("Waiting for task %s...\n", id)
	status, err := watch.WaitForTerminal(ctx, b.store, id, taskTimeout, 0)
	if err != nil {
		return printer.Error("wait failed", err.Error(), nil)
	}
	if status == taskgraph.StatusComplete {
		printer.Success("Task %s complete\n", id)
		return nil
	}
	return printer.Error(fmt.Sprintf("task %s ended %s", id, status), "The task did not complete.",
		[]string{fmt.Sprintf("Inspect it:\n  crucible task show %s", id)})
}

func runTaskResult(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	b, err := connect(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	id, err := resolveTask(ctx, b.store, args[0])
	if err != nil {
		return err
	}
	task, err := b.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.ResultRef == "" {
		return printer.Error(
			fmt.Sprintf("task %s has no result", id),
			fmt.Sprintf("The task is %s and has not reported a payload.", task.Status),
			nil,
		)
	}

	data, err := b.objects.Get(ctx, objectstore.Ref(task.ResultRef))
	if err != nil {
		return printer.ErrorWithContext("failed to fetch result", err.Error(),
			map[string]string{"Ref": task.ResultRef}, nil)
	}
	if taskOut == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(taskOut, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", taskOut, err)
	}
	printer.Success("Wrote %d bytes to %s\n", len(data), taskOut)
	return nil
}

// resolveTask expands a task ID prefix, printing a friendly error when it
// cannot.
func resolveTask(ctx context.Context, store *taskgraph.Store, ref string) (string, error) {
	id, err := resolver.ResolveTaskID(ctx, store, ref)
	if err == nil {
		return id, nil
	}

	var amb *resolver.AmbiguousError
	var nf *resolver.NotFoundError
	switch {
	case errors.As(err, &amb):
		return "", printer.Error("ambiguous task ID", amb.Describe(), nil)
	case errors.As(err, &nf):
		return "", printer.Error(
			fmt.Sprintf("task '%s' not found", ref),
			"No task ID starts with this prefix.",
			[]string{"List tasks:\n  crucible task list"},
		)
	default:
		return "", printer.Error("invalid task ID", err.Error(), nil)
	}
}

// storeInput files the contents of path as an input bundle of its own.
func storeInput(ctx context.Context, objects objectstore.Store, sc scope.Scope, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", printer.Error("failed to read input", err.Error(), nil)
	}
	ref, err := objects.Put(ctx, objectstore.Key{Scope: sc, TaskID: uuid.New().String(), Kind: objectstore.KindInputs}, data)
	if err != nil {
		return "", fmt.Errorf("failed to store input %s: %w", path, err)
	}
	return ref.String(), nil
}

// graphError explains task graph rejections.
func graphError(title string, err error) error {
	var se *taskgraph.StructuralError
	var te *taskgraph.TransitionError
	switch {
	case errors.As(err, &se):
		return printer.Error(title, err.Error(), []string{"Nothing was written. Fix the dependency and retry."})
	case errors.As(err, &te):
		return printer.Error(title, err.Error(), []string{"Check the current status:\n  crucible task show <TASK>"})
	case taskgraph.IsConflict(err):
		return printer.Error(title, err.Error(), []string{"The task changed concurrently. Re-run the command."})
	default:
		return printer.Error(title, err.Error(), nil)
	}
}

func pluralize(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
