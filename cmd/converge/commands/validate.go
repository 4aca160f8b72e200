package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/policy"
)

// validation is the machine readable result of "converge validate".
type validation struct {
	Instructions int            `json:"instructions"`
	Rounds       int            `json:"rounds"`
	Cycle        string         `json:"cycle,omitempty"`
	Policy       *policy.Result `json:"policy,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var (
		flags  sourceFlags
		strict bool
	)

	cmd := &cobra.Command{
		Use:   "validate [refs...]",
		Short: "Validate state sources without applying them",
		Long: `Gather, render and compile the referenced sources and check the result.

This command checks:
  - Renderer syntax and the high data shape
  - Declarations and requisite references
  - Requisite cycles
  - Policy compliance (OPA/rego) when policies are enabled`,
		Example: `  # Validate the web sources
  converge validate web

  # Fail on requisite cycles and policy warnings
  converge validate --strict web`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			instrs, graph, env, err := compileRefs(cmd, &flags, args)
			if err != nil {
				return err
			}
			defer func() { _ = env.Close(ctx) }()

			out := validation{
				Instructions: len(instrs),
				Rounds:       len(graph.Levels()),
			}
			cycleErr := graph.Validate()
			if cycleErr != nil {
				out.Cycle = cycleErr.Error()
			}
			if env.gate != nil {
				res, err := env.gate.Evaluate(ctx, "validate", instrs)
				if err != nil {
					return fmt.Errorf("policy evaluation failed: %w", err)
				}
				out.Policy = res
			}

			w := cmd.OutOrStdout()
			if jsonOutput {
				if err := printJSON(w, out); err != nil {
					return err
				}
			} else {
				printValidation(cmd, out)
			}

			switch {
			case out.Policy != nil && !out.Policy.Allowed:
				return fmt.Errorf("%d policy violation(s)", len(out.Policy.Violations))
			case strict && cycleErr != nil:
				return cycleErr
			case strict && out.Policy != nil && len(out.Policy.Warnings) > 0:
				return fmt.Errorf("%d policy warning(s)", len(out.Policy.Warnings))
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&strict, "strict", false, "treat requisite cycles and policy warnings as errors")

	return cmd
}

func printValidation(cmd *cobra.Command, v validation) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Compiled %d instruction(s) into %d round(s)\n", v.Instructions, v.Rounds)
	if v.Cycle != "" {
		fmt.Fprintf(w, "Warning: %s\n", v.Cycle)
	}
	if v.Policy != nil {
		for _, viol := range v.Policy.Violations {
			fmt.Fprintf(w, "Violation [%s] %s: %s\n", viol.Policy, viol.Instruction, viol.Message)
		}
		for _, warn := range v.Policy.Warnings {
			fmt.Fprintf(w, "Warning [%s] %s: %s\n", warn.Policy, warn.Instruction, warn.Message)
		}
	}
	if v.Cycle == "" && (v.Policy == nil || (v.Policy.Allowed && len(v.Policy.Warnings) == 0)) {
		fmt.Fprintln(w, "OK")
	}
}
