package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/converge/pkg/engine"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// printReport writes a report as JSON or as one block per instruction in
// execution order followed by a summary.
func printReport(w io.Writer, report engine.Report, asJSON bool) error {
	if asJSON {
		return printJSON(w, report)
	}

	names := make([]string, 0, len(report))
	for name := range report {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rr := report[name]
		fmt.Fprintf(w, "%s (%s):\n", rr.Name, rr.ID)

		instrs := append([]engine.LowInstruction(nil), rr.Instructions...)
		sort.SliceStable(instrs, func(i, j int) bool {
			return runNum(rr, instrs[i].ID) < runNum(rr, instrs[j].ID)
		})
		for _, instr := range instrs {
			printInstruction(w, instr, rr.Results[instr.ID], rr.States[instr.ID])
		}

		fmt.Fprintln(w)
		fmt.Fprintf(w, "Summary for %s\n", rr.Name)
		fmt.Fprintln(w, "------------")
		fmt.Fprintf(w, "Succeeded: %d (changed=%d)\n", rr.Summary.Succeeded, rr.Summary.Changed)
		fmt.Fprintf(w, "Failed:    %d\n", rr.Summary.Failed)
		if rr.Summary.Skipped > 0 || rr.Summary.Unresolved > 0 {
			fmt.Fprintf(w, "Skipped:   %d\n", rr.Summary.Skipped)
			fmt.Fprintf(w, "Unresolved: %d\n", rr.Summary.Unresolved)
		}
		fmt.Fprintln(w, "------------")
		fmt.Fprintf(w, "Total states run: %d\n", rr.Summary.Total)
		fmt.Fprintf(w, "Status: %s in %s\n", rr.Status, rr.Duration())
		if rr.Error != "" {
			fmt.Fprintf(w, "Error: %s\n", rr.Error)
		}
	}
	return nil
}

// runNum orders instructions without a record last.
func runNum(rr engine.RunReport, id string) int {
	if r, ok := rr.Results[id]; ok && r != nil {
		return r.RunNum
	}
	return int(^uint(0) >> 1)
}

func printInstruction(w io.Writer, instr engine.LowInstruction, r *engine.Result, status engine.InstructionStatus) {
	fmt.Fprintln(w, "----------")
	fmt.Fprintf(w, "          ID: %s\n", instr.DeclaredID)
	fmt.Fprintf(w, "    Function: %s\n", instr.Ref())
	fmt.Fprintf(w, "        Name: %s\n", instr.Name)
	if r == nil {
		fmt.Fprintf(w, "      Status: %s\n", status)
		return
	}
	fmt.Fprintf(w, "      Result: %s\n", resultLabel(r.Result))
	fmt.Fprintf(w, "     Comment: %s\n", r.Comment)
	if !r.StartTime.IsZero() {
		fmt.Fprintf(w, "     Started: %s\n", r.StartTime.Format("15:04:05.000000"))
	}
	fmt.Fprintf(w, "    Duration: %.3f ms\n", r.Duration)
	if len(r.Changes) == 0 {
		fmt.Fprintln(w, "     Changes:")
		return
	}
	b, err := yaml.Marshal(r.Changes)
	if err != nil {
		fmt.Fprintf(w, "     Changes: %v\n", r.Changes)
		return
	}
	fmt.Fprintln(w, "     Changes:")
	for _, line := range strings.Split(strings.TrimRight(string(b), "\n"), "\n") {
		fmt.Fprintf(w, "              %s\n", line)
	}
}

func resultLabel(o engine.Outcome) string {
	switch o {
	case engine.OutcomeSuccess:
		return "True"
	case engine.OutcomeFailure:
		return "False"
	default:
		return "None"
	}
}
