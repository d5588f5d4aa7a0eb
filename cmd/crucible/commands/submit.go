package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/crucible/internal/printer"
	"github.com/dyluth/crucible/pkg/scope"
	"github.com/dyluth/crucible/pkg/taskgraph"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// batchFile is the YAML layout read by "task submit".
type batchFile struct {
	Hub   string      `yaml:"hub"`
	Tasks []batchTask `yaml:"tasks"`
}

type batchTask struct {
	Name       string   `yaml:"name"`
	Protocol   string   `yaml:"protocol"`
	Weight     *float64 `yaml:"weight,omitempty"`
	MaxRetries *int     `yaml:"max_retries,omitempty"`
	Scope      string   `yaml:"scope,omitempty"`
	Input      string   `yaml:"input,omitempty"` // Relative to the batch file
	After      []string `yaml:"after,omitempty"`
}

func loadBatch(path string) (*batchFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch: %w", err)
	}
	var batch batchFile
	if err := yaml.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if batch.Hub == "" {
		return nil, fmt.Errorf("hub is required")
	}
	if len(batch.Tasks) == 0 {
		return nil, fmt.Errorf("no tasks defined")
	}
	seen := make(map[string]bool)
	for i, t := range batch.Tasks {
		if t.Protocol == "" {
			return nil, fmt.Errorf("task %d: protocol is required", i+1)
		}
		if t.Name == "" {
			continue
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("duplicate task name '%s'", t.Name)
		}
		seen[t.Name] = true
	}
	return &batch, nil
}

// specs converts the batch into task specs. Names in "after" become batch
// indexes; anything else is resolved as an existing task ID. Inputs are
// stored before the tasks are created.
func (bf *batchFile) specs(ctx context.Context, b *backend, hub *taskgraph.TaskHub, dir string) ([]taskgraph.TaskSpec, error) {
	index := make(map[string]int, len(bf.Tasks))
	for i, t := range bf.Tasks {
		if t.Name != "" {
			index[t.Name] = i
		}
	}

	inputs := make(map[string]string)
	specs := make([]taskgraph.TaskSpec, len(bf.Tasks))
	for i, t := range bf.Tasks {
		spec := taskgraph.TaskSpec{
			Hub:        hub.ID,
			Protocol:   t.Protocol,
			Weight:     t.Weight,
			MaxRetries: t.MaxRetries,
		}
		if t.Scope != "" {
			sc, err := scope.Parse(t.Scope)
			if err != nil {
				return nil, printer.Error("invalid batch file", fmt.Sprintf("task %s: %v", label(t, i), err), nil)
			}
			spec.Scope = sc
		}

		for _, dep := range t.After {
			if j, ok := index[dep]; ok {
				spec.PredecessorIndexes = append(spec.PredecessorIndexes, j)
				continue
			}
			id, err := resolveTask(ctx, b.store, dep)
			if err != nil {
				return nil, err
			}
			spec.Predecessors = append(spec.Predecessors, id)
		}

		if t.Input != "" {
			path := t.Input
			if !filepath.IsAbs(path) {
				path = filepath.Join(dir, path)
			}
			sc := hub.Scope
			if !spec.Scope.IsZero() {
				sc = spec.Scope
			}
			cacheKey := sc.String() + "|" + path
			ref, ok := inputs[cacheKey]
			if !ok {
				var err error
				if ref, err = storeInput(ctx, b.objects, sc, path); err != nil {
					return nil, err
				}
				inputs[cacheKey] = ref
			}
			spec.InputRef = ref
		}
		specs[i] = spec
	}
	return specs, nil
}

func label(t batchTask, i int) string {
	if t.Name != "" {
		return t.Name
	}
	return fmt.Sprintf("#%d", i+1)
}

func runTaskSubmit(cmd *cobra.Command, args []string) error {
	batch, err := loadBatch(args[0])
	if err != nil {
		return printer.Error("invalid batch file", err.Error(), []string{"See the file layout:\n  crucible task submit --help"})
	}

	ctx := cmd.Context()
	b, err := connect(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	hub, err := resolveHub(ctx, b.store, batch.Hub)
	if err != nil {
		return err
	}
	specs, err := batch.specs(ctx, b, hub, filepath.Dir(args[0]))
	if err != nil {
		return err
	}

	ids, err := b.store.CreateTasks(ctx, specs)
	if err != nil {
		return graphError("failed to create tasks", err)
	}

	out := cmd.OutOrStdout()
	for i, id := range ids {
		fmt.Fprintf(out, "%s  %s\n", id, label(batch.Tasks[i], i))
	}
	printer.Success("Created %d %s in hub %s\n", len(ids), pluralize(len(ids), "task", "tasks"), hub.Name)
	return nil
}
