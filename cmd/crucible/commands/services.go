package commands

import (
	"github.com/dyluth/crucible/internal/inspect"
	"github.com/dyluth/crucible/internal/printer"
	"github.com/spf13/cobra"
)

var servicesOutput string

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List registered compute services",
	Args:  cobra.NoArgs,
	RunE:  runServices,
}

var servicesRemoveCmd = &cobra.Command{
	Use:   "remove IDENTITY",
	Short: "Remove a service registration",
	Long: `Remove a service registration. Tasks the service still holds stay
running until the liveness monitor reclaims them; run "crucible sweep"
to reclaim them sooner.`,
	Args: cobra.ExactArgs(1),
	RunE: runServicesRemove,
}

func init() {
	servicesCmd.Flags().StringVarP(&servicesOutput, "output", "o", "table", "Output format: table or jsonl")
	servicesCmd.AddCommand(servicesRemoveCmd)
	rootCmd.AddCommand(servicesCmd)
}

func runServices(cmd *cobra.Command, args []string) error {
	format, err := inspect.ParseFormat(servicesOutput)
	if err != nil {
		return printer.Error("invalid output format", err.Error(), []string{"Valid formats: table, jsonl"})
	}

	ctx := cmd.Context()
	b, err := connect(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	services, err := b.store.ListServices(ctx)
	if err != nil {
		return err
	}
	if format == inspect.OutputFormatJSONL {
		return inspect.FormatJSONL(cmd.OutOrStdout(), services)
	}
	inspect.FormatServiceTable(cmd.OutOrStdout(), services, b.store.Now())
	return nil
}

func runServicesRemove(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	b, err := connect(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	if _, err := b.store.GetService(ctx, args[0]); err != nil {
		return printer.Error(
			"service '"+args[0]+"' is not registered",
			err.Error(),
			[]string{"List services:\n  crucible services"},
		)
	}
	if err := b.store.DeregisterService(ctx, args[0]); err != nil {
		return err
	}
	printer.Success("Removed service %s\n", args[0])
	return nil
}
