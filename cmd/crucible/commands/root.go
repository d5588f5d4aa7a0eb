package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/dyluth/crucible/internal/config"
	"github.com/dyluth/crucible/internal/objectstore"
	"github.com/dyluth/crucible/internal/printer"
	"github.com/dyluth/crucible/pkg/taskgraph"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	configPath string
	namespace  string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "crucible",
	Short: "Crucible - administer a free-energy task graph",
	Long: `Crucible schedules alchemical free-energy simulation tasks across a
pool of compute services.

This tool talks to the task graph directly through Redis, using the same
crucible.yml as the server. Use it to create hubs and tasks, inspect
progress, and repair the graph by hand.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command. Errors are printed by the printer
// package, so cobra's own error output is silenced.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "crucible.yml", "Path to the server configuration")
	rootCmd.PersistentFlags().StringVarP(&namespace, "namespace", "n", "", "Override the configured Redis namespace")
}

// backend is an open connection to the task graph and object store.
type backend struct {
	cfg     *config.ServerConfig
	store   *taskgraph.Store
	objects objectstore.Store
}

func (b *backend) Close() error {
	return b.store.Close()
}

// connect loads the configuration and opens the task graph it points at.
func connect(ctx context.Context) (*backend, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, printer.Error(
			"failed to load configuration",
			err.Error(),
			[]string{fmt.Sprintf("Point --config at the server's configuration (currently %s)", configPath)},
		)
	}
	if namespace != "" {
		cfg.Redis.Namespace = namespace
	}

	rdb := redis.NewClient(cfg.RedisOptions())
	store, err := taskgraph.NewStore(rdb, cfg.Redis.Namespace)
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to create task graph store: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		store.Close()
		return nil, printer.ErrorWithContext(
			"Redis connection failed",
			err.Error(),
			map[string]string{"Address": cfg.Redis.Addr, "Namespace": cfg.Redis.Namespace},
			[]string{
				"Check the redis section of the configuration",
				"Override the address:\n  CRUCIBLE_REDIS_ADDR=host:6379 crucible ...",
			},
		)
	}

	objects, err := cfg.OpenObjects(rdb)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open object store: %w", err)
	}

	return &backend{cfg: cfg, store: store, objects: objects}, nil
}
