package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose    bool
	jsonOutput bool
	dbPath     string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "clup",
		Short: "clusterup - local test-cluster orchestration",
		Long: `clusterup brings up a coherent cluster of interdependent service
processes (zookeeper, kafka brokers, schema registry, kdc, oidc) on a
single machine for integration testing, and tears it down deterministically.

Features:
  - Topologies in YAML, CUE, or Starlark
  - Per-kind config schemas via CUE
  - Dependency-ordered bring-up with a shared readiness deadline
  - Policy checks via OPA/rego before bring-up
  - Environment projection for test drivers
  - Optional SQLite run journal`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite run journal path (empty disables journaling)")

	// Add subcommands
	rootCmd.AddCommand(newUpCommand())
	rootCmd.AddCommand(newDownCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}
