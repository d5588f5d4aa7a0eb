package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dyluth/crucible/internal/inspect"
	"github.com/dyluth/crucible/internal/printer"
	"github.com/dyluth/crucible/pkg/scope"
	"github.com/dyluth/crucible/pkg/taskgraph"
	"github.com/spf13/cobra"
)

var (
	hubScope  string
	hubWeight float64
	hubForce  bool
	hubOutput string
)

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Manage task hubs",
	Long: `Manage task hubs, the weighted and scoped collections compute services
claim tasks from.

HUB arguments accept a hub ID or, when it is unique, a hub name.`,
}

var hubCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a hub (returns the existing hub if scope and name match)",
	Args:  cobra.ExactArgs(1),
	Example: `  crucible hub create tyk2-rbfe --scope acme-tyk2-lig1
  crucible hub create eg5 --scope acme-eg5-set2 --weight 0.8`,
	RunE: runHubCreate,
}

var hubListCmd = &cobra.Command{
	Use:   "list",
	Short: "List hubs",
	Args:  cobra.NoArgs,
	RunE:  runHubList,
}

var hubWeightCmd = &cobra.Command{
	Use:   "weight HUB WEIGHT",
	Short: "Set a hub's selection weight (0 pauses it)",
	Args:  cobra.ExactArgs(2),
	RunE:  runHubWeight,
}

var hubDeleteCmd = &cobra.Command{
	Use:   "delete HUB",
	Short: "Delete a hub and all of its tasks",
	Args:  cobra.ExactArgs(1),
	RunE:  runHubDelete,
}

func init() {
	hubCreateCmd.Flags().StringVar(&hubScope, "scope", "", "Specific scope org-campaign-project (required)")
	hubCreateCmd.Flags().Float64Var(&hubWeight, "weight", taskgraph.DefaultHubWeight, "Selection weight in [0,1]")
	hubCreateCmd.MarkFlagRequired("scope")

	hubListCmd.Flags().StringVar(&hubScope, "scope", "", "Only hubs matching this scope")
	hubListCmd.Flags().StringVarP(&hubOutput, "output", "o", "table", "Output format: table or jsonl")

	hubDeleteCmd.Flags().BoolVar(&hubForce, "force", false, "Delete even while tasks are waiting or running")

	hubCmd.AddCommand(hubCreateCmd, hubListCmd, hubWeightCmd, hubDeleteCmd)
	rootCmd.AddCommand(hubCmd)
}

func runHubCreate(cmd *cobra.Command, args []string) error {
	sc, err := scope.Parse(hubScope)
	if err != nil {
		return printer.Error("invalid scope", err.Error(), []string{"Scopes look like org-campaign-project, e.g. acme-tyk2-lig1"})
	}

	ctx := cmd.Context()
	b, err := connect(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	weight := hubWeight
	hub, err := b.store.CreateHub(ctx, taskgraph.HubSpec{Name: args[0], Scope: sc, Weight: &weight})
	if err != nil {
		return printer.Error("failed to create hub", err.Error(), nil)
	}
	printer.Success("Hub %s (%s) ready: %s\n", hub.Name, hub.Scope, hub.ID)
	return nil
}

func runHubList(cmd *cobra.Command, args []string) error {
	format, err := inspect.ParseFormat(hubOutput)
	if err != nil {
		return printer.Error("invalid output format", err.Error(), []string{"Valid formats: table, jsonl"})
	}
	var filter scope.Set
	if hubScope != "" {
		sc, err := scope.Parse(hubScope)
		if err != nil {
			return printer.Error("invalid scope", err.Error(), nil)
		}
		filter = scope.Set{sc}
	}

	ctx := cmd.Context()
	b, err := connect(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	hubs, err := b.store.ListHubs(ctx, filter)
	if err != nil {
		return err
	}
	if format == inspect.OutputFormatJSONL {
		return inspect.FormatJSONL(cmd.OutOrStdout(), hubs)
	}
	inspect.FormatHubTable(cmd.OutOrStdout(), hubs, b.store.Now())
	return nil
}

func runHubWeight(cmd *cobra.Command, args []string) error {
	weight, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return printer.Error("invalid weight", fmt.Sprintf("%q is not a number", args[1]), nil)
	}

	ctx := cmd.Context()
	b, err := connect(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	hub, err := resolveHub(ctx, b.store, args[0])
	if err != nil {
		return err
	}
	if err := b.store.SetHubWeight(ctx, hub.ID, weight); err != nil {
		return printer.Error("failed to set hub weight", err.Error(), nil)
	}
	printer.Success("Hub %s weight %.2f → %.2f\n", hub.Name, hub.Weight, weight)
	return nil
}

func runHubDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	b, err := connect(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	hub, err := resolveHub(ctx, b.store, args[0])
	if err != nil {
		return err
	}
	if err := b.store.DeleteHub(ctx, hub.ID, hubForce); err != nil {
		var suggestions []string
		if !hubForce {
			suggestions = []string{fmt.Sprintf("Delete anyway:\n  crucible hub delete %s --force", hub.ID)}
		}
		return printer.Error("failed to delete hub", err.Error(), suggestions)
	}
	printer.Success("Deleted hub %s\n", hub.Name)
	return nil
}

// resolveHub accepts a hub ID or a unique hub name.
func resolveHub(ctx context.Context, store *taskgraph.Store, ref string) (*taskgraph.TaskHub, error) {
	if hub, err := store.GetHub(ctx, ref); err == nil {
		return hub, nil
	} else if !taskgraph.IsNotFound(err) {
		return nil, err
	}

	hubs, err := store.ListHubs(ctx, nil)
	if err != nil {
		return nil, err
	}
	var matches []*taskgraph.TaskHub
	for _, h := range hubs {
		if h.Name == ref {
			matches = append(matches, h)
		}
	}

	switch len(matches) {
	case 0:
		return nil, printer.Error(
			fmt.Sprintf("hub '%s' not found", ref),
			"No hub has this ID or name.",
			[]string{"List hubs:\n  crucible hub list"},
		)
	case 1:
		return matches[0], nil
	default:
		return nil, printer.Error(
			fmt.Sprintf("hub name '%s' is ambiguous", ref),
			fmt.Sprintf("%d hubs in different scopes share this name.", len(matches)),
			[]string{fmt.Sprintf("Use the hub ID instead:\n  crucible hub list | grep %s", ref)},
		)
	}
}
