package commands

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		name   string
		status string
		limit  int
		offset int
		prune  int
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List or show recorded runs",
		Long: `Read the run history database configured with state_db.

Without arguments the most recent runs are listed, newest first. With a run
id the run and its instruction records are shown.`,
		Example: `  # Last 20 runs
  converge history

  # Failed runs named web
  converge history --name web --status failed

  # Show one run
  converge history 7f0c9a4e-...

  # Keep only the newest 100 runs
  converge history --prune 100`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := newEnvironment(ctx, envOptions{history: true, version: cmd.Root().Version})
			if err != nil {
				return err
			}
			defer func() { _ = env.Close(ctx) }()

			if env.store == nil {
				return errors.New("run history is disabled: set state_db in the config or CONVERGE_STATE_DB")
			}
			w := cmd.OutOrStdout()

			if cmd.Flags().Changed("prune") {
				removed, err := env.store.PruneRuns(ctx, prune)
				if err != nil {
					return err
				}
				env.logger.Info().Int64("removed", removed).Int("kept", prune).Msg("Pruned run history")
				if !jsonOutput {
					fmt.Fprintf(w, "Removed %d run(s)\n", removed)
				}
				return nil
			}

			if len(args) == 1 {
				rec, err := env.store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(w, rec)
				}
				printRunRecord(w, rec)
				return nil
			}

			filter := stores.RunFilter{
				Name:   name,
				Status: engine.RunStatus(status),
				Limit:  limit,
				Offset: offset,
			}
			if status != "" {
				if err := filter.Status.Validate(); err != nil {
					return err
				}
			}
			runs, err := env.store.ListRuns(ctx, filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(w, runs)
			}
			printRunTable(w, runs)
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "only runs with this name")
	cmd.Flags().StringVar(&status, "status", "", "only runs with this status")
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "maximum runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "runs to skip")
	cmd.Flags().IntVar(&prune, "prune", 0, "delete all but the newest N runs")

	return cmd
}

func printRunTable(w io.Writer, runs []*stores.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return
	}
	fmt.Fprintf(w, "%-36s  %-16s  %-10s  %-19s  %s\n", "ID", "NAME", "STATUS", "STARTED", "SUMMARY")
	for _, r := range runs {
		fmt.Fprintf(w, "%-36s  %-16s  %-10s  %-19s  %d/%d ok, %d changed\n",
			r.ID, r.Name, r.Status, r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Summary.Succeeded, r.Summary.Total, r.Summary.Changed)
	}
}

func printRunRecord(w io.Writer, r *stores.RunRecord) {
	fmt.Fprintf(w, "Run:      %s (%s)\n", r.Name, r.ID)
	fmt.Fprintf(w, "Status:   %s\n", r.Status)
	fmt.Fprintf(w, "Test:     %v\n", r.Test)
	fmt.Fprintf(w, "Started:  %s\n", r.StartedAt.Local().Format("2006-01-02 15:04:05"))
	if r.FinishedAt != nil {
		fmt.Fprintf(w, "Duration: %s\n", r.FinishedAt.Sub(r.StartedAt))
	}
	fmt.Fprintf(w, "Rounds:   %d\n", r.Rounds)
	fmt.Fprintf(w, "Summary:  %s\n", r.Summary)
	if r.Error != nil {
		fmt.Fprintf(w, "Error:    %s\n", *r.Error)
	}
	for _, in := range r.Instructions {
		result := "-"
		if in.Result != nil {
			result = *in.Result
		}
		fmt.Fprintf(w, "  [%s] %s %s.%s %s: %s\n", result, in.DeclaredID, in.Module, in.Function, in.Name, in.Comment)
	}
}
