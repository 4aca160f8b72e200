package commands

import (
	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// compileRefs gathers and compiles refs without creating a run.
func compileRefs(cmd *cobra.Command, flags *sourceFlags, refs []string) ([]engine.LowInstruction, *engine.Graph, *environment, error) {
	ctx := cmd.Context()
	env, err := newEnvironment(ctx, envOptions{
		policies: true,
		version:  cmd.Root().Version,
		override: func(cfg *config.Config) { flags.apply(cmd, cfg) },
	})
	if err != nil {
		return nil, nil, nil, err
	}

	op := telemetry.StartOperation(env.tel.WithContext(ctx), "compile", telemetry.AttrRun.String("compile"))
	instrs, graph, err := env.applier.CompileRequest(op.Ctx, env.cfg.ApplyRequest("compile", refs))
	elapsed := op.End(err)
	if err != nil {
		_ = env.Close(ctx)
		return nil, nil, nil, err
	}
	op.Logger.WithField("instructions", len(instrs)).WithField("elapsed", elapsed.String()).Debug("Compiled sources")
	return instrs, graph, env, nil
}

func newCompileCommand() *cobra.Command {
	var flags sourceFlags

	cmd := &cobra.Command{
		Use:   "compile [refs...]",
		Short: "Print the low instructions compiled from sources",
		Example: `  # Show the low instructions of web as YAML
  converge compile web

  # As JSON
  converge compile --json web`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			instrs, _, env, err := compileRefs(cmd, &flags, args)
			if err != nil {
				return err
			}
			defer func() { _ = env.Close(cmd.Context()) }()

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), instrs)
			}
			return printYAML(cmd.OutOrStdout(), instrs)
		},
	}

	flags.register(cmd)
	return cmd
}

func newGraphCommand() *cobra.Command {
	var flags sourceFlags

	cmd := &cobra.Command{
		Use:   "graph [refs...]",
		Short: "Print the requisite graph in DOT format",
		Example: `  # Render the graph of web with graphviz
  converge graph web | dot -Tsvg > web.svg`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, graph, env, err := compileRefs(cmd, &flags, args)
			if err != nil {
				return err
			}
			defer func() { _ = env.Close(cmd.Context()) }()

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"nodes":  graph.Nodes(),
					"edges":  graph.Edges(),
					"rounds": graph.Levels(),
				})
			}
			_, err = cmd.OutOrStdout().Write([]byte(graph.ToDOT()))
			return err
		},
	}

	flags.register(cmd)
	return cmd
}
