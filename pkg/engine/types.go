package engine

import (
	"fmt"
	"math"
	"time"
)

// Reserved keys inside a declaration of high data.
const (
	KeySource = "__sls__"
	KeyID     = "__id__"
	KeyName   = "name"
	KeyOrder  = "order"
)

// Reserved top-level keys of a rendered document.
const (
	KeyInclude = "include"
	KeyExclude = "exclude"
	KeyExtend  = "extend"
)

// Order hint bounds used for the "first" and "last" keywords.
const (
	OrderFirst = math.MinInt32
	OrderLast  = math.MaxInt32
)

// idSeparator joins the parts of an instruction id.
const idSeparator = "_|-"

// HighData maps a declared id to its declaration: "module.function" keys
// holding argument lists, plus the reserved keys.
type HighData map[string]map[string]any

// Document is one rendered source, before include, exclude and extend
// directives are applied.
type Document struct {
	// Source is the source tag stamped on every declaration of the document.
	Source string `json:"source"`

	// Data is the rendered mapping.
	Data map[string]any `json:"data"`
}

// Reference is one requisite entry as declared in high data.
type Reference struct {
	// Module restricts matching to instructions of this module. Empty matches any module.
	Module string `json:"module,omitempty"`

	// Target matches an instruction's declared id or name.
	Target string `json:"target"`
}

// String returns the reference in module:target form.
func (r Reference) String() string {
	if r.Module == "" {
		return r.Target
	}
	return r.Module + ":" + r.Target
}

// LowInstruction is a flat, addressable unit of execution.
type LowInstruction struct {
	// ID is derived from source, declared id, module and function.
	ID string `json:"id"`

	// DeclaredID is the declared id, or its __id__ override.
	DeclaredID string `json:"declared_id"`

	// Source is the source tag the declaration came from.
	Source string `json:"source"`

	Module   string `json:"module"`
	Function string `json:"function"`

	// Name is the target argument.
	Name string `json:"name"`

	// Arguments holds the normalized argument mapping, including name.
	Arguments map[string]any `json:"arguments"`

	// Requisites holds the declared requisite references by kind.
	Requisites map[RequisiteKind][]Reference `json:"requisites,omitempty"`

	// Order is the optional order hint used to break ties.
	Order *int `json:"order,omitempty"`
}

// InstructionID derives the instruction id from its parts.
func InstructionID(source, declaredID, module, function string) string {
	return source + idSeparator + declaredID + idSeparator + module + idSeparator + function
}

// NewInstruction builds a low instruction with a derived id. It is the
// constructor handlers use for dynamic injection.
func NewInstruction(source, declaredID, module, function, name string, args map[string]any) LowInstruction {
	if name == "" {
		name = declaredID
	}
	arguments := copyMap(args)
	if arguments == nil {
		arguments = make(map[string]any)
	}
	arguments[KeyName] = name
	return LowInstruction{
		ID:         InstructionID(source, declaredID, module, function),
		DeclaredID: declaredID,
		Source:     source,
		Module:     module,
		Function:   function,
		Name:       name,
		Arguments:  arguments,
	}
}

// Ref returns "module.function" for the instruction.
func (l LowInstruction) Ref() string {
	return l.Module + "." + l.Function
}

// Require adds a requisite reference and returns the instruction for chaining.
func (l LowInstruction) Require(kind RequisiteKind, refs ...Reference) LowInstruction {
	if l.Requisites == nil {
		l.Requisites = make(map[RequisiteKind][]Reference)
	}
	l.Requisites[kind] = append(append([]Reference(nil), l.Requisites[kind]...), refs...)
	return l
}

// clone returns a copy that shares no maps with the receiver.
func (l LowInstruction) clone() LowInstruction {
	out := l
	out.Arguments = copyMap(l.Arguments)
	if l.Requisites != nil {
		out.Requisites = make(map[RequisiteKind][]Reference, len(l.Requisites))
		for k, refs := range l.Requisites {
			out.Requisites[k] = append([]Reference(nil), refs...)
		}
	}
	if l.Order != nil {
		o := *l.Order
		out.Order = &o
	}
	return out
}

func (l LowInstruction) orderRank() int {
	if l.Order == nil {
		return OrderLast - 1
	}
	return *l.Order
}

// Result is the record produced for one executed instruction.
type Result struct {
	Name string `json:"name"`

	// Result is success, failure, or indeterminate under test mode.
	Result Outcome `json:"result"`

	// Changes is empty when the instruction made no change.
	Changes map[string]any `json:"changes"`

	Comment string `json:"comment"`

	// RunNum is the sequence number of the record within the apply.
	RunNum int `json:"run_num"`

	// StartTime is when the handler was invoked.
	StartTime time.Time `json:"start_time"`

	// Duration is the handler wall time in milliseconds.
	Duration float64 `json:"duration"`
}

// Succeed builds a successful result.
func Succeed(name, comment string, changes map[string]any) *Result {
	return newResult(name, OutcomeSuccess, comment, changes)
}

// Fail builds a failed result.
func Fail(name, comment string, changes map[string]any) *Result {
	return newResult(name, OutcomeFailure, comment, changes)
}

// WouldChange builds an indeterminate test mode result.
func WouldChange(name, comment string, changes map[string]any) *Result {
	return newResult(name, OutcomeIndeterminate, comment, changes)
}

func newResult(name string, outcome Outcome, comment string, changes map[string]any) *Result {
	if changes == nil {
		changes = map[string]any{}
	}
	return &Result{Name: name, Result: outcome, Comment: comment, Changes: changes}
}

// Changed returns true if the record reports changes.
func (r *Result) Changed() bool {
	return r != nil && len(r.Changes) > 0
}

// Clone returns a copy of the record that shares no maps with the receiver.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	out := *r
	out.Changes = copyMap(r.Changes)
	if out.Changes == nil {
		out.Changes = map[string]any{}
	}
	return &out
}

// RunConfig is the immutable configuration of one run.
type RunConfig struct {
	Sources     []string `json:"sources,omitempty"`
	Renderer    string   `json:"renderer,omitempty"`
	Runtime     string   `json:"runtime,omitempty"`
	Subsystems  []string `json:"subsystems,omitempty"`
	CacheDir    string   `json:"cache_dir,omitempty"`
	Test        bool     `json:"test,omitempty"`
	MaxParallel int      `json:"max_parallel,omitempty"`
}

// Runtime modes.
const (
	RuntimeParallel = "parallel"
	RuntimeSerial   = "serial"
)

// RunSummary counts instructions by final status.
type RunSummary struct {
	Total      int `json:"total"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	Unresolved int `json:"unresolved"`
	Pending    int `json:"pending"`
	Changed    int `json:"changed"`
}

// RunReport is the read-only view of one run.
type RunReport struct {
	Name   string    `json:"name"`
	ID     string    `json:"id"`
	Status RunStatus `json:"status"`
	Config RunConfig `json:"config"`

	Instructions []LowInstruction             `json:"instructions"`
	Results      map[string]*Result           `json:"results"`
	States       map[string]InstructionStatus `json:"states"`

	Rounds     int        `json:"rounds"`
	Summary    RunSummary `json:"summary"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Report maps a run name to its report.
type Report map[string]RunReport

// Duration returns the wall time of the run, or zero while it is active.
func (r RunReport) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// String returns a short summary line.
func (s RunSummary) String() string {
	return fmt.Sprintf("%d total, %d succeeded, %d failed, %d skipped, %d unresolved, %d changed",
		s.Total, s.Succeeded, s.Failed, s.Skipped, s.Unresolved, s.Changed)
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
