package commands

import (
	"fmt"

	"github.com/dyluth/crucible/internal/auth"
	"github.com/dyluth/crucible/internal/printer"
	"github.com/dyluth/crucible/internal/scaffold"
	"github.com/dyluth/crucible/pkg/scope"
	"github.com/spf13/cobra"
)

var (
	initForce     bool
	initDir       string
	initIdentity  string
	initScope     string
	initRedisAddr string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter server, worker and engine configuration",
	Long: `Writes crucible.yml, worker.yml, an example command engine and an
example task batch.

A key is generated for the compute identity. Its hash goes into
crucible.yml and the key itself into worker.yml, which is written with
mode 0600.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite existing files")
	initCmd.Flags().StringVar(&initDir, "dir", ".", "Directory to write into")
	initCmd.Flags().StringVar(&initIdentity, "identity", "worker-1", "Compute identity to create")
	initCmd.Flags().StringVar(&initScope, "scope", "*", "Scope the identity may claim from")
	initCmd.Flags().StringVar(&initRedisAddr, "redis", "", "Redis address for crucible.yml")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	if _, err := scope.Parse(initScope); err != nil {
		return printer.Error("invalid scope", err.Error(), []string{"Use org-campaign-project, e.g.:\n  crucible init --scope acme-tyk2"})
	}
	if !initForce {
		if err := scaffold.CheckExisting(initDir); err != nil {
			return printer.Error("deployment already initialized", err.Error(), nil)
		}
	}

	key, err := auth.GenerateKey()
	if err != nil {
		return err
	}
	hash, err := auth.HashKey(key, 0)
	if err != nil {
		return printer.Error("failed to hash key", err.Error(), nil)
	}

	created, err := scaffold.Initialize(initDir, scaffold.Options{
		Identity:  initIdentity,
		Key:       key,
		KeyHash:   hash,
		Scope:     initScope,
		RedisAddr: initRedisAddr,
		Namespace: namespace,
	}, initForce)
	if err != nil {
		return printer.Error("initialization failed", err.Error(), nil)
	}

	printer.Success("\nInitialized crucible deployment in %s\n", initDir)
	fmt.Fprintln(cmd.OutOrStdout(), "\nCreated:")
	for _, path := range created {
		fmt.Fprintf(cmd.OutOrStdout(), "  ✓ %s\n", path)
	}
	printer.Info("\nNext steps:\n")
	printer.Info("  1. crucible-server --config crucible.yml\n")
	printer.Info("  2. crucible hub create example --scope <org-campaign-project>\n")
	printer.Info("  3. crucible task submit tasks.yml\n")
	printer.Info("  4. crucible-worker --config worker.yml\n")
	return nil
}
