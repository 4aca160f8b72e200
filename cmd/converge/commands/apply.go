package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/engine"
)

// watchDelay debounces bursts of source changes into one apply.
const watchDelay = 500 * time.Millisecond

func newApplyCommand() *cobra.Command {
	var (
		flags   sourceFlags
		runName string
		watch   bool
	)

	cmd := &cobra.Command{
		Use:   "apply [refs...]",
		Short: "Apply state sources",
		Long: `Gather the referenced sources, compile them into low instructions and
execute them round by round.

This command:
  - Resolves each ref under the source roots (a.b is a/b.<ext> or a/b/init.<ext>)
  - Renders the sources and follows their includes
  - Compiles declarations and builds the requisite graph
  - Admits the instructions through the policy gate when enabled
  - Executes rounds until every instruction has converged
  - Records the run in the history database when state_db is set`,
		Example: `  # Apply the web sources
  converge apply web

  # Dry run with serial execution
  converge apply --test --runtime serial web db

  # Re-apply whenever a source changes
  converge apply --watch -s ./states web`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := newEnvironment(ctx, envOptions{
				history:  true,
				policies: true,
				version:  cmd.Root().Version,
				override: func(cfg *config.Config) { flags.apply(cmd, cfg) },
			})
			if err != nil {
				return err
			}
			defer func() { _ = env.Close(ctx) }()

			req := env.cfg.ApplyRequest(runName, args)
			if !watch {
				return runApply(ctx, cmd, env, req)
			}
			return watchApply(ctx, cmd, env, req)
		},
	}

	flags.registerRun(cmd)
	cmd.Flags().StringVarP(&runName, "name", "n", "apply", "run name used by the run registry")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-apply when a file under the source roots changes")

	return cmd
}

func runApply(ctx context.Context, cmd *cobra.Command, env *environment, req engine.ApplyRequest) error {
	report, err := env.applier.Apply(ctx, req)
	if report != nil {
		if perr := printReport(cmd.OutOrStdout(), report, jsonOutput); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	if rr, ok := report[req.Name]; ok && rr.Status != engine.RunStatusSucceeded {
		return fmt.Errorf("%w: %s", errRunFailed, rr.Summary)
	}
	return nil
}

// watchApply applies once, then again after every change below the source
// roots, until ctx is cancelled.
func watchApply(ctx context.Context, cmd *cobra.Command, env *environment, req engine.ApplyRequest) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	for _, root := range req.Sources {
		if err := addTree(watcher, root); err != nil {
			return fmt.Errorf("failed to watch %s: %w", root, err)
		}
	}

	logApplyResult(env.logger, runApply(ctx, cmd, env, req))
	env.logger.Info().Strs("sources", req.Sources).Msg("Watching sources for changes")

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = addTree(watcher, event.Name)
				}
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			env.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Source changed")
			pending = time.After(watchDelay)

		case <-pending:
			pending = nil
			logApplyResult(env.logger, runApply(ctx, cmd, env, req))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			env.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func logApplyResult(logger zerolog.Logger, err error) {
	switch {
	case err == nil:
	case errors.Is(err, errRunFailed):
		logger.Warn().Err(err).Msg("Apply finished with failures")
	default:
		logger.Error().Err(err).Msg("Apply failed")
	}
}

func addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}
