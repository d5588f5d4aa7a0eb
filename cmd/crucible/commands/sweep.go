package commands

import (
	"fmt"

	"github.com/dyluth/crucible/internal/liveness"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reclaim expired claims once, now",
	Long: `Run one liveness sweep with the server's configured grace factor:
tasks whose claimant stopped heartbeating go back to waiting (or to error
once their retries are spent), and silent service registrations are
removed.

Safe to run while the server is up; every reclaim is a compare-and-swap.`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	b, err := connect(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	monitor := liveness.New(b.store, b.cfg.LivenessSettings())
	report, err := monitor.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	out := cmd.OutOrStdout()
	for _, id := range report.Requeued {
		fmt.Fprintf(out, "requeued  %s\n", id)
	}
	for _, id := range report.Failed {
		fmt.Fprintf(out, "failed    %s\n", id)
	}
	for _, id := range report.ServicesExpired {
		fmt.Fprintf(out, "expired   %s\n", id)
	}
	fmt.Fprintf(out, "%d requeued, %d failed, %d services expired, %d already handled\n",
		len(report.Requeued), len(report.Failed), len(report.ServicesExpired), report.Conflicts)
	return nil
}
