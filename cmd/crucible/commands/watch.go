package commands

import (
	"os/signal"
	"syscall"

	"github.com/dyluth/crucible/internal/printer"
	"github.com/dyluth/crucible/internal/watch"
	"github.com/spf13/cobra"
)

var watchOutputFormat string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream task graph activity",
	Long: `Stream task graph activity as it happens: task creation, claims,
reports, reclaims, blocked tasks and expired services.

Events are delivered at most once; a slow terminal may miss some.

Output Formats:
  default - Human-readable lines with timestamps
  json    - Line-delimited JSON for programmatic processing`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	var format watch.OutputFormat
	switch watchOutputFormat {
	case "default":
		format = watch.OutputFormatDefault
	case "json":
		format = watch.OutputFormatJSON
	default:
		return printer.Error(
			"invalid output format",
			"Unknown format: "+watchOutputFormat,
			[]string{"Valid formats: default, json"},
		)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := connect(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	sub, err := b.store.SubscribeTaskEvents(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	if format == watch.OutputFormatDefault {
		printer.Step("Watching namespace %s (Ctrl-C to stop)\n", b.store.Namespace())
	}
	return watch.StreamEvents(ctx, sub, format, cmd.OutOrStdout())
}

