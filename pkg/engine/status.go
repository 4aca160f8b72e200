package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of an apply.
type RunStatus string

const (
	// RunStatusPending indicates the run was created but execution has not started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is compiling or executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every instruction succeeded.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the run aborted or no instruction succeeded.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled between rounds.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusPartial indicates some instructions failed or were skipped.
	RunStatusPartial RunStatus = "partial"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusPartial
}

// IsActive returns true if the run is currently active (pending or running).
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled, RunStatusPartial:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// InstructionStatus is the scheduler state of one instruction.
type InstructionStatus string

const (
	StatusPending    InstructionStatus = "pending"
	StatusReady      InstructionStatus = "ready"
	StatusRunning    InstructionStatus = "running"
	StatusSucceeded  InstructionStatus = "done-success"
	StatusFailed     InstructionStatus = "done-failure"
	StatusSkipped    InstructionStatus = "skipped"
	StatusUnresolved InstructionStatus = "unresolved"
)

// IsTerminal returns true once the instruction can no longer change state.
func (s InstructionStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped || s == StatusUnresolved
}

// IsDone returns true if the instruction ran to completion, successfully or not.
func (s InstructionStatus) IsDone() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// blocksDependents reports whether a require or watch dependent must be skipped.
func (s InstructionStatus) blocksDependents() bool {
	return s == StatusFailed || s == StatusSkipped || s == StatusUnresolved
}

// Validate checks if the instruction status is valid.
func (s InstructionStatus) Validate() error {
	switch s {
	case StatusPending, StatusReady, StatusRunning, StatusSucceeded,
		StatusFailed, StatusSkipped, StatusUnresolved:
		return nil
	default:
		return fmt.Errorf("invalid instruction status: %s", s)
	}
}

// Outcome is the tri-state result of one handler call. It encodes to JSON as
// true, false or null.
type Outcome int8

const (
	// OutcomeIndeterminate is reserved for test mode evaluation: the handler
	// would have made changes. Outside test mode it is recorded as a failure.
	OutcomeIndeterminate Outcome = iota
	OutcomeSuccess
	OutcomeFailure
)

// OutcomeOf converts a boolean into an Outcome.
func OutcomeOf(ok bool) Outcome {
	if ok {
		return OutcomeSuccess
	}
	return OutcomeFailure
}

// String returns the textual form of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return "indeterminate"
	}
}

// MarshalJSON implements json.Marshaler.
func (o Outcome) MarshalJSON() ([]byte, error) {
	switch o {
	case OutcomeSuccess:
		return []byte("true"), nil
	case OutcomeFailure:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*o = OutcomeIndeterminate
		return nil
	}
	var ok bool
	if err := json.Unmarshal(data, &ok); err != nil {
		return fmt.Errorf("invalid outcome %s: %w", string(data), err)
	}
	*o = OutcomeOf(ok)
	return nil
}

// RequisiteKind names a dependency or reaction relationship between instructions.
type RequisiteKind string

const (
	RequisiteRequire   RequisiteKind = "require"
	RequisiteWatch     RequisiteKind = "watch"
	RequisiteOnchanges RequisiteKind = "onchanges"
	RequisitePrereq    RequisiteKind = "prereq"
	RequisiteListen    RequisiteKind = "listen"
	RequisiteOrder     RequisiteKind = "order"
)

// RequisiteKinds lists every requisite kind in a stable order.
var RequisiteKinds = []RequisiteKind{
	RequisiteRequire,
	RequisiteWatch,
	RequisiteOnchanges,
	RequisitePrereq,
	RequisiteListen,
	RequisiteOrder,
}

// Validate checks if the requisite kind is valid.
func (k RequisiteKind) Validate() error {
	if IsRequisiteKind(string(k)) {
		return nil
	}
	return fmt.Errorf("invalid requisite kind: %s", k)
}

// Gates returns true for kinds whose target failure skips the dependent.
func (k RequisiteKind) Gates() bool {
	return k == RequisiteRequire || k == RequisiteWatch
}

// Reacts returns true for kinds that can trigger the dependent's reaction handler.
func (k RequisiteKind) Reacts() bool {
	return k == RequisiteWatch || k == RequisiteOnchanges || k == RequisiteListen
}

// IsRequisiteKind reports whether key names a requisite kind.
func IsRequisiteKind(key string) bool {
	for _, k := range RequisiteKinds {
		if string(k) == key {
			return true
		}
	}
	return false
}
