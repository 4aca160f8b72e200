package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a state conflict, such as a run name that is
	// already active in the run registry.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: malformed high data, unresolved requisites, policy denial.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the run name or instruction id that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		msg += fmt.Sprintf(" (resource=%s, operation=%s)", e.Resource, e.Operation)
	case e.Resource != "":
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return hasClass(err, ErrorClassTransient)
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return hasClass(err, ErrorClassConflict)
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return hasClass(err, ErrorClassPermanent)
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeRunActive        = "RUN_ACTIVE"
	ErrCodeCompile          = "COMPILE_ERROR"
	ErrCodeRequisiteCycle   = "REQUISITE_CYCLE"
	ErrCodePolicyDenied     = "POLICY_DENIED"
	ErrCodeGatherFailed     = "GATHER_FAILED"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
)

// CompileErrorKind classifies what went wrong while compiling high data.
type CompileErrorKind string

const (
	// CompileErrorMalformed indicates high data that does not have the expected shape.
	CompileErrorMalformed CompileErrorKind = "malformed"

	// CompileErrorDuplicateArgument indicates an argument key given twice in one argument list.
	CompileErrorDuplicateArgument CompileErrorKind = "duplicate_argument"

	// CompileErrorDuplicateID indicates two instructions with the same id.
	CompileErrorDuplicateID CompileErrorKind = "duplicate_id"

	// CompileErrorUnknownFunction indicates a module.function with no registered handler.
	CompileErrorUnknownFunction CompileErrorKind = "unknown_function"

	// CompileErrorUnresolvedRequisite indicates a requisite reference that matches no instruction.
	CompileErrorUnresolvedRequisite CompileErrorKind = "unresolved_requisite"

	// CompileErrorExtend indicates an extend directive naming an undeclared id.
	CompileErrorExtend CompileErrorKind = "extend"
)

// CompileError is raised before any execution when high data cannot be turned
// into a valid instruction sequence and requisite graph.
type CompileError struct {
	Kind CompileErrorKind `json:"kind"`

	// Source is the source tag of the offending declaration.
	Source string `json:"source,omitempty"`

	// DeclaredID is the declared id of the offending declaration.
	DeclaredID string `json:"declared_id,omitempty"`

	// ID is the instruction id, once one could be derived.
	ID string `json:"id,omitempty"`

	// Requisite is set for unresolved requisite references.
	Requisite RequisiteKind `json:"requisite,omitempty"`

	Message string `json:"message"`
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	var b strings.Builder
	b.WriteString("compile error")
	switch {
	case e.ID != "":
		fmt.Fprintf(&b, " in %s", e.ID)
	case e.DeclaredID != "":
		fmt.Fprintf(&b, " in %q", e.DeclaredID)
		if e.Source != "" {
			fmt.Fprintf(&b, " (source %s)", e.Source)
		}
	}
	if e.Requisite != "" {
		fmt.Fprintf(&b, " [%s]", e.Requisite)
	}
	fmt.Fprintf(&b, ": %s", e.Message)
	return b.String()
}

// CompileErrors returns every CompileError contained in err, including those
// combined with errors.Join.
func CompileErrors(err error) []*CompileError {
	if err == nil {
		return nil
	}
	var out []*CompileError
	var walk func(error)
	walk = func(e error) {
		if e == nil {
			return
		}
		if ce, ok := e.(*CompileError); ok {
			out = append(out, ce)
			return
		}
		switch u := e.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				walk(inner)
			}
		case interface{ Unwrap() error }:
			walk(u.Unwrap())
		}
	}
	walk(err)
	return out
}

// IsCompileError returns true if err carries at least one CompileError.
func IsCompileError(err error) bool {
	return len(CompileErrors(err)) > 0
}

// RequisiteCycleError is raised by the scheduler when a round makes no progress
// while instructions are still pending. IDs holds the instructions that were
// marked unresolved.
type RequisiteCycleError struct {
	IDs []string `json:"ids"`
}

// Error implements the error interface.
func (e *RequisiteCycleError) Error() string {
	ids := append([]string(nil), e.IDs...)
	sort.Strings(ids)
	return fmt.Sprintf("requisite cycle: %d instruction(s) could not be resolved: %s",
		len(ids), strings.Join(ids, ", "))
}

// IsRequisiteCycle returns true if err is or wraps a RequisiteCycleError.
func IsRequisiteCycle(err error) bool {
	var e *RequisiteCycleError
	return errors.As(err, &e)
}

// IsCancelled returns true if err reports a run cancelled between rounds.
func IsCancelled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == ErrCodeCancelled
	}
	return false
}
