package commands

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/dyluth/crucible/internal/auth"
	"github.com/dyluth/crucible/internal/printer"
	"github.com/spf13/cobra"
)

var keyCost int

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Generate and hash identity keys",
}

var keyGenerateCmd = &cobra.Command{
	Use:   "generate IDENTITY",
	Short: "Generate a key and the identity entry for crucible.yml",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyGenerate,
}

var keyHashCmd = &cobra.Command{
	Use:   "hash",
	Short: "Hash a key read from stdin",
	Args:  cobra.NoArgs,
	RunE:  runKeyHash,
}

func init() {
	keyCmd.PersistentFlags().IntVar(&keyCost, "cost", auth.DefaultCost, "bcrypt cost")
	keyCmd.AddCommand(keyGenerateCmd, keyHashCmd)
	rootCmd.AddCommand(keyCmd)
}

func runKeyGenerate(cmd *cobra.Command, args []string) error {
	key, err := auth.GenerateKey()
	if err != nil {
		return err
	}
	hash, err := auth.HashKey(key, keyCost)
	if err != nil {
		return printer.Error("failed to hash key", err.Error(), nil)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "key: %s\n\n", key)
	fmt.Fprintf(out, "# Add under auth.identities in crucible.yml:\n")
	fmt.Fprintf(out, "- identity: %s\n  kind: compute\n  key_hash: %q\n  scopes: [\"*\"]\n", args[0], hash)
	printer.Warning("The key is shown once. Store it with the compute service's configuration.\n")
	return nil
}

func runKeyHash(cmd *cobra.Command, args []string) error {
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	key := strings.TrimSpace(line)
	if key == "" {
		if err != nil {
			return printer.Error("no key given", err.Error(), []string{"Pipe the key on stdin:\n  echo $KEY | crucible key hash"})
		}
		return printer.Error("no key given", "The first line of stdin was empty.", nil)
	}

	hash, err := auth.HashKey(key, keyCost)
	if err != nil {
		return printer.Error("failed to hash key", err.Error(), nil)
	}
	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}
