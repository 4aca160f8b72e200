package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunContext holds the state of one apply: its instruction sequence, graph,
// results and instruction status. The scheduler is its only writer; readers
// use Snapshot.
type RunContext struct {
	name   string
	id     string
	config RunConfig

	mu           sync.RWMutex
	state        RunStatus
	instructions []LowInstruction
	index        map[string]int
	graph        *Graph
	results      map[string]*Result
	status       map[string]InstructionStatus
	round        int
	err          error
	startedAt    time.Time
	finishedAt   *time.Time
}

func newRunContext(name string, cfg RunConfig) *RunContext {
	return &RunContext{
		name:      name,
		id:        uuid.New().String(),
		config:    cfg,
		state:     RunStatusPending,
		index:     make(map[string]int),
		graph:     NewGraph(),
		results:   make(map[string]*Result),
		status:    make(map[string]InstructionStatus),
		startedAt: time.Now(),
	}
}

// Name returns the run name.
func (rc *RunContext) Name() string { return rc.name }

// ID returns the unique id of this run instance.
func (rc *RunContext) ID() string { return rc.id }

// Config returns the immutable run configuration.
func (rc *RunContext) Config() RunConfig { return rc.config }

// State returns the current run status.
func (rc *RunContext) State() RunStatus {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.state
}

// Err returns the error that ended the run, if any.
func (rc *RunContext) Err() error {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.err
}

// Round returns the number of completed rounds.
func (rc *RunContext) Round() int {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.round
}

// Result returns a copy of the record for id.
func (rc *RunContext) Result(id string) (*Result, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	r, ok := rc.results[id]
	return r.Clone(), ok
}

// Status returns the scheduler state of id.
func (rc *RunContext) Status(id string) InstructionStatus {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.status[id]
}

// Instructions returns a copy of the instruction sequence.
func (rc *RunContext) Instructions() []LowInstruction {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make([]LowInstruction, len(rc.instructions))
	for i, instr := range rc.instructions {
		out[i] = instr.clone()
	}
	return out
}

// Graph returns the requisite graph. It must not be modified by callers.
func (rc *RunContext) Graph() *Graph {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.graph
}

// Load installs the compiled sequence and its graph. It is called once, before
// scheduling.
func (rc *RunContext) Load(instrs []LowInstruction, graph *Graph) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.instructions = make([]LowInstruction, 0, len(instrs))
	rc.index = make(map[string]int, len(instrs))
	for _, instr := range instrs {
		rc.appendLocked(instr)
	}
	if graph == nil {
		graph = NewGraph()
	}
	rc.graph = graph
}

func (rc *RunContext) appendLocked(instr LowInstruction) {
	rc.index[instr.ID] = len(rc.instructions)
	rc.instructions = append(rc.instructions, instr.clone())
	if _, ok := rc.status[instr.ID]; !ok {
		rc.status[instr.ID] = StatusPending
	}
}

func (rc *RunContext) setState(state RunStatus) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.state = state
}

// finish marks the run terminal. The state is derived from the instruction
// status unless err or a cancellation decides it.
func (rc *RunContext) finish(err error) RunStatus {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.err = err
	now := time.Now()
	rc.finishedAt = &now

	summary := rc.summaryLocked()
	switch {
	case err != nil && IsCancelled(err):
		rc.state = RunStatusCancelled
	case err != nil && summary.Succeeded == 0:
		rc.state = RunStatusFailed
	case err != nil:
		rc.state = RunStatusPartial
	case summary.Failed > 0 && summary.Succeeded == 0:
		rc.state = RunStatusFailed
	case summary.Failed > 0 || summary.Skipped > 0:
		rc.state = RunStatusPartial
	default:
		rc.state = RunStatusSucceeded
	}
	return rc.state
}

// Summary counts instructions by status.
func (rc *RunContext) Summary() RunSummary {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.summaryLocked()
}

func (rc *RunContext) summaryLocked() RunSummary {
	summary := RunSummary{Total: len(rc.instructions)}
	for _, instr := range rc.instructions {
		switch rc.status[instr.ID] {
		case StatusSucceeded:
			summary.Succeeded++
		case StatusFailed:
			summary.Failed++
		case StatusSkipped:
			summary.Skipped++
		case StatusUnresolved:
			summary.Unresolved++
		default:
			summary.Pending++
		}
		if rc.results[instr.ID].Changed() {
			summary.Changed++
		}
	}
	return summary
}

// Snapshot returns a consistent copy of the run state.
func (rc *RunContext) Snapshot() RunReport {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	report := RunReport{
		Name:         rc.name,
		ID:           rc.id,
		Status:       rc.state,
		Config:       rc.config,
		Instructions: make([]LowInstruction, len(rc.instructions)),
		Results:      make(map[string]*Result, len(rc.results)),
		States:       make(map[string]InstructionStatus, len(rc.status)),
		Rounds:       rc.round,
		Summary:      rc.summaryLocked(),
		StartedAt:    rc.startedAt,
	}
	for i, instr := range rc.instructions {
		report.Instructions[i] = instr.clone()
	}
	for id, r := range rc.results {
		report.Results[id] = r.Clone()
	}
	for id, s := range rc.status {
		report.States[id] = s
	}
	if rc.finishedAt != nil {
		t := *rc.finishedAt
		report.FinishedAt = &t
	}
	if rc.err != nil {
		report.Error = rc.err.Error()
	}
	return report
}

// RunRegistry is the process-wide collection of runs, keyed by name.
type RunRegistry struct {
	mu   sync.Mutex
	runs map[string]*RunContext
}

// NewRunRegistry creates an empty run registry.
func NewRunRegistry() *RunRegistry {
	return &RunRegistry{runs: make(map[string]*RunContext)}
}

// Create registers a new run. It fails with a conflict error while a run of
// the same name is active; a finished run of that name is replaced.
func (r *RunRegistry) Create(name string, cfg RunConfig) (*RunContext, error) {
	if name == "" {
		return nil, NewPermanentError("run name is required", nil).WithCode(ErrCodeValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.runs[name]; ok && existing.State().IsActive() {
		return nil, NewConflictError(fmt.Sprintf("run %s is already active", name), nil).
			WithCode(ErrCodeRunActive).
			WithResource(name).
			WithOperation("create")
	}

	rc := newRunContext(name, cfg)
	r.runs[name] = rc
	return rc, nil
}

// Get returns the run registered under name.
func (r *RunRegistry) Get(name string) (*RunContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc, ok := r.runs[name]
	return rc, ok
}

// Remove tears down a finished run.
func (r *RunRegistry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rc, ok := r.runs[name]
	if !ok {
		return NewPermanentError(fmt.Sprintf("run %s not found", name), nil).
			WithCode(ErrCodeNotFound).
			WithResource(name)
	}
	if rc.State().IsActive() {
		return NewConflictError(fmt.Sprintf("run %s is still active", name), nil).
			WithCode(ErrCodeRunActive).
			WithResource(name).
			WithOperation("remove")
	}
	delete(r.runs, name)
	return nil
}

// Names returns the registered run names in sorted order.
func (r *RunRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.runs))
	for name := range r.runs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Active returns the number of active runs.
func (r *RunRegistry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, rc := range r.runs {
		if rc.State().IsActive() {
			n++
		}
	}
	return n
}

// Report returns the report of every registered run.
func (r *RunRegistry) Report() Report {
	r.mu.Lock()
	runs := make([]*RunContext, 0, len(r.runs))
	for _, rc := range r.runs {
		runs = append(runs, rc)
	}
	r.mu.Unlock()

	report := make(Report, len(runs))
	for _, rc := range runs {
		report[rc.name] = rc.Snapshot()
	}
	return report
}
