package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// errRunFailed marks an apply that finished with failed or skipped
// instructions. It maps to exit code 2.
var errRunFailed = errors.New("run finished with failures")

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps a command error to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errRunFailed):
		return 2
	default:
		return 1
	}
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "converge",
		Short: "converge - declarative state convergence engine",
		Long: `converge compiles declarative state sources into low instructions, resolves
their requisites into a dependency graph and executes them in rounds until
every instruction has converged.

Features:
  - Sources in YAML, JSON, TOML, CUE, Starlark or HCL
  - require, watch, onchanges, prereq, listen and order requisites
  - Parallel or serial rounds with a bounded worker pool
  - Rego admission policies (OPA)
  - Run history in SQLite and an HTTP API`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (.yaml, .yml or .toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newCompileCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
