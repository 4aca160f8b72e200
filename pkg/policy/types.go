package policy

import (
	"time"

	"github.com/openfroyo/converge/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that are logged but do not block an apply.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the apply.
	SeverityError Severity = "error"

	// SeverityCritical blocks the apply.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity rejects the apply.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one Rego module. Its deny set is queried once per instruction.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego module.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks the policies shipped with converge.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation is one element of a policy's deny set.
type Violation struct {
	Policy      string   `json:"policy"`
	Instruction string   `json:"instruction"`
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy over a sequence.
type Result struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	// Violations holds the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings holds the non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document a policy sees as input for one instruction.
type Input struct {
	Run        string                        `json:"run"`
	ID         string                        `json:"id"`
	Source     string                        `json:"source"`
	DeclaredID string                        `json:"declared_id"`
	Module     string                        `json:"module"`
	Function   string                        `json:"function"`
	Name       string                        `json:"name"`
	Arguments  map[string]any                `json:"arguments"`
	Requisites map[string][]engine.Reference `json:"requisites"`
}

// NewInput builds the policy input for one instruction.
func NewInput(run string, instr engine.LowInstruction) Input {
	reqs := make(map[string][]engine.Reference, len(instr.Requisites))
	for kind, refs := range instr.Requisites {
		reqs[string(kind)] = refs
	}
	args := instr.Arguments
	if args == nil {
		args = map[string]any{}
	}
	return Input{
		Run:        run,
		ID:         instr.ID,
		Source:     instr.Source,
		DeclaredID: instr.DeclaredID,
		Module:     instr.Module,
		Function:   instr.Function,
		Name:       instr.Name,
		Arguments:  args,
		Requisites: reqs,
	}
}
