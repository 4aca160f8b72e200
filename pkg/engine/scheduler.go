package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultMaxParallel is the batch width used when none is configured.
const DefaultMaxParallel = 10

// Record comments written by the scheduler itself.
const (
	CommentOnchangesNotRun = "State was not run because none of the onchanges reqs changed"
	CommentPrereqNoChanges = "No changes detected in prereq targets"
	CommentCycle           = "Requisite cycle detected"
	CommentNoOutcome       = "Handler reported no outcome outside test mode"
	commentSkipPrefix      = "One or more requisite failed: "
)

// Observer receives scheduler progress for metrics, tracing and events.
// Implementations must be safe for concurrent use.
type Observer interface {
	// Round is called before a batch is dispatched.
	Round(ctx context.Context, run string, round, ready int)

	// StartInstruction is called from the worker goroutine before a handler runs.
	StartInstruction(ctx context.Context, run, id, module, function string) context.Context

	// EndInstruction is called with the context returned by StartInstruction.
	EndInstruction(ctx context.Context, outcome string, changed bool, duration time.Duration)

	// Reaction is called after a reaction handler result was merged.
	Reaction(ctx context.Context, run, id, module, outcome string)
}

type noopObserver struct{}

func (noopObserver) Round(context.Context, string, int, int) {}
func (noopObserver) StartInstruction(ctx context.Context, _, _, _, _ string) context.Context {
	return ctx
}
func (noopObserver) EndInstruction(context.Context, string, bool, time.Duration) {}
func (noopObserver) Reaction(context.Context, string, string, string, string)   {}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	// MaxParallel bounds the number of concurrent handler calls per round.
	MaxParallel int

	// Runtime is RuntimeParallel or RuntimeSerial. Serial runs one call at a time.
	Runtime string

	// Test runs every handler in test mode.
	Test bool

	Logger   zerolog.Logger
	Observer Observer
}

// Scheduler executes a run's requisite graph in rounds until every
// instruction is terminal or no progress is possible.
type Scheduler struct {
	registry    *Registry
	maxParallel int
	test        bool
	logger      zerolog.Logger
	observer    Observer
}

// NewScheduler creates a scheduler that looks handlers up in registry.
func NewScheduler(registry *Registry, cfg SchedulerConfig) *Scheduler {
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	if cfg.Runtime == RuntimeSerial {
		maxParallel = 1
	}
	observer := cfg.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	return &Scheduler{
		registry:    registry,
		maxParallel: maxParallel,
		test:        cfg.Test,
		logger:      cfg.Logger.With().Str("component", "scheduler").Logger(),
		observer:    observer,
	}
}

// execution is the scheduler-private state of one Run call.
type execution struct {
	s  *Scheduler
	rc *RunContext

	// runNum numbers records in the order they are merged
	runNum int

	// executed holds ids whose main handler actually ran
	executed map[string]bool

	// reacted and listened hold ids whose reaction already fired
	reacted  map[string]bool
	listened map[string]bool

	// prereqIdle holds prereq sources none of whose targets would change
	prereqIdle map[string]bool
}

// job is one handler call dispatched to the worker pool.
type job struct {
	instr LowInstruction
	fn    Function
	test  bool
}

// outcome is the result of one job, merged at the round boundary.
type outcome struct {
	id       string
	result   *Result
	injected []LowInstruction
	executed bool
}

// Run drives rc to completion. Handler failures never surface as errors;
// Run returns a RequisiteCycleError when progress stops with pending
// instructions, or a cancellation error when ctx is done between rounds.
func (s *Scheduler) Run(ctx context.Context, rc *RunContext) error {
	e := &execution{
		s:        s,
		rc:       rc,
		executed:   make(map[string]bool),
		reacted:    make(map[string]bool),
		listened:   make(map[string]bool),
		prereqIdle: make(map[string]bool),
	}
	rc.setState(RunStatusRunning)

	// Handlers are atomic black boxes: cancellation is only observed between rounds.
	callCtx := context.WithoutCancel(ctx)

	e.evaluatePrereqs(callCtx)

	for {
		if err := ctx.Err(); err != nil {
			s.logger.Warn().Str("run", rc.name).Int("round", rc.Round()).Msg("Run cancelled between rounds")
			return NewPermanentError("run cancelled", err).
				WithCode(ErrCodeCancelled).
				WithResource(rc.name)
		}

		e.propagateSkips()

		batch, shortCircuit := e.readySet()
		if len(batch) == 0 && len(shortCircuit) == 0 {
			pending := e.pending()
			if len(pending) == 0 {
				break
			}
			e.markUnresolved(pending)
			s.logger.Warn().
				Str("run", rc.name).
				Strs("ids", pending).
				Msg("No progress possible, marking pending instructions unresolved")
			return &RequisiteCycleError{IDs: pending}
		}

		if err := e.assertIndependent(batch); err != nil {
			return err
		}

		round := e.startRound(batch)
		s.observer.Round(ctx, rc.name, round, len(batch)+len(shortCircuit))
		s.logger.Debug().
			Str("run", rc.name).
			Int("round", round).
			Int("batch", len(batch)).
			Int("short_circuit", len(shortCircuit)).
			Msg("Starting round")

		outcomes := append(shortCircuit, s.runBatch(callCtx, rc.name, e.jobs(batch))...)
		e.merge(outcomes)

		// Step 4: reactions for watch and onchanges
		if jobs := e.reactionJobs(); len(jobs) > 0 {
			e.mergeReactions(ctx, s.runBatch(callCtx, rc.name, jobs))
		}
	}

	if jobs := e.listenJobs(); len(jobs) > 0 {
		e.mergeReactions(ctx, s.runBatch(callCtx, rc.name, jobs))
	}

	summary := rc.Summary()
	s.logger.Info().
		Str("run", rc.name).
		Int("rounds", rc.Round()).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Int("changed", summary.Changed).
		Msg("Run converged")
	return nil
}

// evaluatePrereqs evaluates prereq targets in test mode. A prereq source whose
// targets would not change is marked idle: once its own requisites are met
// it is recorded as a no-op success and never runs.
func (e *execution) evaluatePrereqs(ctx context.Context) {
	rc := e.rc
	rc.mu.RLock()
	var sources []string
	var jobs []job
	evaluated := make(map[string]bool)
	for _, instr := range rc.instructions {
		targets := rc.graph.Targets(instr.ID, RequisitePrereq)
		if len(targets) == 0 || rc.status[instr.ID] != StatusPending {
			continue
		}
		sources = append(sources, instr.ID)
		for _, t := range targets {
			if evaluated[t] {
				continue
			}
			evaluated[t] = true
			target := rc.instructions[rc.index[t]]
			fn, _ := e.s.registry.Lookup(target.Module, target.Function)
			jobs = append(jobs, job{instr: target, fn: fn, test: true})
		}
	}
	rc.mu.RUnlock()

	if len(sources) == 0 {
		return
	}

	wouldChange := make(map[string]bool, len(jobs))
	for _, o := range e.s.runBatch(ctx, rc.name, jobs) {
		wouldChange[o.id] = o.result.Changed() || o.result.Result == OutcomeIndeterminate
	}

	rc.mu.RLock()
	defer rc.mu.RUnlock()
	for _, src := range sources {
		active := false
		for _, t := range rc.graph.Targets(src, RequisitePrereq) {
			if wouldChange[t] {
				active = true
				break
			}
		}
		if !active {
			e.prereqIdle[src] = true
			e.s.logger.Debug().Str("run", rc.name).Str("id", src).Msg("Prereq targets unchanged, source will not run")
		}
	}
}

// propagateSkips marks pending instructions skipped while any gating
// dependency has failed or been skipped, until a fixpoint.
func (e *execution) propagateSkips() {
	rc := e.rc
	rc.mu.Lock()
	defer rc.mu.Unlock()

	for {
		changed := false
		for _, instr := range rc.instructions {
			if rc.status[instr.ID] != StatusPending {
				continue
			}
			blockers := e.blockersLocked(instr.ID)
			if len(blockers) == 0 {
				continue
			}
			e.recordLocked(instr.ID,
				Fail(instr.Name, commentSkipPrefix+strings.Join(blockers, ", "), nil),
				StatusSkipped)
			e.s.logger.Warn().
				Str("run", rc.name).
				Str("id", instr.ID).
				Strs("blockers", blockers).
				Msg("Instruction skipped")
			changed = true
		}
		if !changed {
			return
		}
	}
}

func (e *execution) blockersLocked(id string) []string {
	rc := e.rc
	var out []string
	for _, kind := range []RequisiteKind{RequisiteRequire, RequisiteWatch} {
		for _, t := range rc.graph.Targets(id, kind) {
			if rc.status[t].blocksDependents() && !containsID(out, t) {
				out = append(out, t)
			}
		}
	}
	for _, src := range rc.graph.Dependents(id, RequisitePrereq) {
		if rc.status[src].blocksDependents() && !containsID(out, src) {
			out = append(out, src)
		}
	}
	return out
}

// readySet returns the ids to dispatch this round in priority order, plus
// the ready instructions that are recorded without running: idle prereq
// sources and onchanges sources whose targets all finished without changes.
func (e *execution) readySet() ([]string, []outcome) {
	rc := e.rc
	rc.mu.Lock()
	defer rc.mu.Unlock()

	var batch []string
	var skipped []outcome
	for _, instr := range rc.instructions {
		if rc.status[instr.ID] != StatusPending || !e.readyLocked(instr.ID) {
			continue
		}

		if e.prereqIdle[instr.ID] {
			rc.status[instr.ID] = StatusReady
			skipped = append(skipped, outcome{
				id:     instr.ID,
				result: Succeed(instr.Name, CommentPrereqNoChanges, nil),
			})
			continue
		}

		if targets := rc.graph.Targets(instr.ID, RequisiteOnchanges); len(targets) > 0 {
			anyChanged := false
			for _, t := range targets {
				if rc.results[t].Changed() {
					anyChanged = true
					break
				}
			}
			if !anyChanged {
				rc.status[instr.ID] = StatusReady
				skipped = append(skipped, outcome{
					id:     instr.ID,
					result: Succeed(instr.Name, CommentOnchangesNotRun, nil),
				})
				continue
			}
		}

		rc.status[instr.ID] = StatusReady
		batch = append(batch, instr.ID)
	}

	e.prioritizeLocked(batch)
	return batch, skipped
}

func (e *execution) readyLocked(id string) bool {
	rc := e.rc
	for _, kind := range []RequisiteKind{RequisiteRequire, RequisiteWatch} {
		for _, t := range rc.graph.Targets(id, kind) {
			if rc.status[t] != StatusSucceeded {
				return false
			}
		}
	}
	for _, t := range rc.graph.Targets(id, RequisiteOnchanges) {
		if !rc.status[t].IsTerminal() {
			return false
		}
	}
	for _, src := range rc.graph.Dependents(id, RequisitePrereq) {
		if rc.status[src] != StatusSucceeded {
			return false
		}
	}
	return true
}

// prioritizeLocked orders a batch by order hint, then order requisites
// among batch members, then sequence position. It never adds dependencies.
func (e *execution) prioritizeLocked(batch []string) {
	rc := e.rc
	sort.SliceStable(batch, func(i, j int) bool {
		a, b := rc.instructions[rc.index[batch[i]]], rc.instructions[rc.index[batch[j]]]
		if ra, rb := a.orderRank(), b.orderRank(); ra != rb {
			return ra < rb
		}
		return rc.index[a.ID] < rc.index[b.ID]
	})

	for pass := 0; pass < len(batch); pass++ {
		moved := false
		for i := 0; i < len(batch) && !moved; i++ {
			for _, t := range rc.graph.Targets(batch[i], RequisiteOrder) {
				j := indexOf(batch, t)
				if j <= i {
					continue
				}
				item := batch[i]
				copy(batch[i:j], batch[i+1:j+1])
				batch[j] = item
				moved = true
				break
			}
		}
		if !moved {
			return
		}
	}
}

// assertIndependent verifies no two batch members are joined by a wait edge.
func (e *execution) assertIndependent(batch []string) error {
	rc := e.rc
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	for i := range batch {
		for j := i + 1; j < len(batch); j++ {
			if rc.graph.Connected(batch[i], batch[j]) {
				return NewPermanentError(
					fmt.Sprintf("batch members %s and %s are dependent", batch[i], batch[j]), nil,
				).WithCode(ErrCodeInternal).WithResource(rc.name)
			}
		}
	}
	return nil
}

func (e *execution) startRound(batch []string) int {
	rc := e.rc
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.round++
	for _, id := range batch {
		rc.status[id] = StatusRunning
	}
	return rc.round
}

func (e *execution) jobs(batch []string) []job {
	rc := e.rc
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	jobs := make([]job, 0, len(batch))
	for _, id := range batch {
		instr := rc.instructions[rc.index[id]].clone()
		fn, _ := e.s.registry.Lookup(instr.Module, instr.Function)
		jobs = append(jobs, job{instr: instr, fn: fn, test: e.s.test})
	}
	return jobs
}

func (e *execution) pending() []string {
	rc := e.rc
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	var out []string
	for _, instr := range rc.instructions {
		if !rc.status[instr.ID].IsTerminal() {
			out = append(out, instr.ID)
		}
	}
	return out
}

func (e *execution) markUnresolved(ids []string) {
	rc := e.rc
	rc.mu.Lock()
	defer rc.mu.Unlock()

	for _, id := range ids {
		instr := rc.instructions[rc.index[id]]
		e.recordLocked(id, WouldChange(instr.Name, CommentCycle, nil), StatusUnresolved)
	}
}

// merge commits a round's outcomes. It is the single write point for the
// round's results, status and injected instructions.
func (e *execution) merge(outcomes []outcome) {
	rc := e.rc
	rc.mu.Lock()
	defer rc.mu.Unlock()

	for _, o := range outcomes {
		status := StatusSucceeded
		if o.result.Result == OutcomeFailure {
			status = StatusFailed
		}
		e.recordLocked(o.id, o.result, status)
		if o.executed {
			e.executed[o.id] = true
		}
		e.s.logger.Debug().
			Str("run", rc.name).
			Str("id", o.id).
			Str("result", o.result.Result.String()).
			Bool("changed", o.result.Changed()).
			Msg("Instruction finished")
	}

	for _, o := range outcomes {
		for _, instr := range o.injected {
			e.injectLocked(o.id, instr)
		}
	}
}

// injectLocked appends a dynamically injected instruction. Its requisites
// are resolved against the current sequence; an unresolvable one is
// recorded as failed without running.
func (e *execution) injectLocked(injector string, instr LowInstruction) {
	rc := e.rc
	if instr.DeclaredID == "" {
		instr.DeclaredID = instr.Name
	}
	if instr.Name == "" {
		instr.Name = instr.DeclaredID
	}
	if instr.ID == "" {
		instr.ID = InstructionID(instr.Source, instr.DeclaredID, instr.Module, instr.Function)
	}
	if instr.Arguments == nil {
		instr.Arguments = make(map[string]any)
	}
	instr.Arguments[KeyName] = instr.Name

	if _, dup := rc.index[instr.ID]; dup {
		if r := rc.results[injector]; r != nil {
			r.Comment = joinComments(r.Comment, fmt.Sprintf("injected instruction %s already exists", instr.ID))
		}
		e.s.logger.Warn().Str("run", rc.name).Str("id", instr.ID).Msg("Dropped duplicate injected instruction")
		return
	}

	err := rc.graph.Add(instr)
	if err != nil {
		bare := instr.clone()
		bare.Requisites = nil
		_ = rc.graph.Add(bare)
	}
	rc.appendLocked(instr)

	if err != nil {
		e.recordLocked(instr.ID, Fail(instr.Name, err.Error(), nil), StatusFailed)
	}
	e.s.logger.Debug().
		Str("run", rc.name).
		Str("injector", injector).
		Str("id", instr.ID).
		Msg("Instruction injected")
}

// reactionJobs collects reaction calls for instructions that ran and have a
// watch or onchanges target with changes. Each fires at most once.
func (e *execution) reactionJobs() []job {
	rc := e.rc
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	var jobs []job
	for _, instr := range rc.instructions {
		id := instr.ID
		if !e.executed[id] || e.reacted[id] || !rc.status[id].IsDone() {
			continue
		}
		triggered := false
		for _, kind := range []RequisiteKind{RequisiteWatch, RequisiteOnchanges} {
			for _, t := range rc.graph.Targets(id, kind) {
				if rc.results[t].Changed() {
					triggered = true
				}
			}
		}
		if !triggered {
			continue
		}
		e.reacted[id] = true
		if fn, ok := e.s.registry.Reaction(instr.Module); ok {
			jobs = append(jobs, job{instr: instr.clone(), fn: fn, test: e.s.test})
		}
	}
	return jobs
}

// listenJobs collects the reaction calls of listeners whose listened targets
// changed. It runs once, after the main loop.
func (e *execution) listenJobs() []job {
	rc := e.rc
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	var jobs []job
	for _, instr := range rc.instructions {
		id := instr.ID
		if e.listened[id] || !e.executed[id] || !rc.status[id].IsDone() {
			continue
		}
		triggered := false
		for _, t := range rc.graph.Targets(id, RequisiteListen) {
			if rc.results[t].Changed() {
				triggered = true
			}
		}
		if !triggered {
			continue
		}
		e.listened[id] = true
		if fn, ok := e.s.registry.Reaction(instr.Module); ok {
			jobs = append(jobs, job{instr: instr.clone(), fn: fn, test: e.s.test})
		}
	}
	return jobs
}

// mergeReactions lets each reaction record supersede the stored record.
func (e *execution) mergeReactions(ctx context.Context, outcomes []outcome) {
	rc := e.rc
	rc.mu.Lock()
	defer rc.mu.Unlock()

	for _, o := range outcomes {
		merged := mergeReaction(rc.results[o.id], o.result)
		status := StatusSucceeded
		if merged.Result == OutcomeFailure {
			status = StatusFailed
		}
		rc.results[o.id] = merged
		rc.status[o.id] = status
		for _, instr := range o.injected {
			e.injectLocked(o.id, instr)
		}
		module := rc.instructions[rc.index[o.id]].Module
		e.s.observer.Reaction(ctx, rc.name, o.id, module, merged.Result.String())
		e.s.logger.Debug().
			Str("run", rc.name).
			Str("id", o.id).
			Str("result", merged.Result.String()).
			Msg("Reaction merged")
	}
}

// mergeReaction concatenates comments, overlays changes and takes the
// reaction's result.
func mergeReaction(prev, reaction *Result) *Result {
	if prev == nil {
		return reaction
	}
	merged := prev.Clone()
	merged.Comment = joinComments(prev.Comment, reaction.Comment)
	for k, v := range reaction.Changes {
		merged.Changes[k] = v
	}
	merged.Result = reaction.Result
	merged.Duration += reaction.Duration
	return merged
}

func (e *execution) recordLocked(id string, r *Result, status InstructionStatus) {
	r.RunNum = e.runNum
	e.runNum++
	if r.StartTime.IsZero() {
		r.StartTime = time.Now()
	}
	e.rc.results[id] = r
	e.rc.status[id] = status
}

// runBatch executes jobs on a bounded worker pool and waits for all of them.
// Outcomes keep the order of jobs.
func (s *Scheduler) runBatch(ctx context.Context, run string, jobs []job) []outcome {
	if len(jobs) == 0 {
		return nil
	}

	workerCount := s.maxParallel
	if len(jobs) < workerCount {
		workerCount = len(jobs)
	}

	workQueue := make(chan int, len(jobs))
	for i := range jobs {
		workQueue <- i
	}
	close(workQueue)

	outcomes := make([]outcome, len(jobs))
	var wg sync.WaitGroup
	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range workQueue {
				outcomes[i] = s.invoke(ctx, run, jobs[i])
			}
		}()
	}
	wg.Wait()

	return outcomes
}

// invoke calls one handler. Errors, panics and missing results become
// failure records.
func (s *Scheduler) invoke(ctx context.Context, run string, j job) (o outcome) {
	instr := j.instr
	o.id = instr.ID
	o.executed = true

	call := &Call{
		Run:       run,
		ID:        instr.ID,
		Name:      instr.Name,
		Arguments: copyMap(instr.Arguments),
		Test:      j.test,
	}
	if call.Arguments == nil {
		call.Arguments = make(map[string]any)
	}

	ctx = s.observer.StartInstruction(ctx, run, instr.ID, instr.Module, instr.Function)
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			o.result = Fail(instr.Name, fmt.Sprintf("handler panicked: %v", p), nil)
		}
		elapsed := time.Since(start)
		if o.result.Name == "" {
			o.result.Name = instr.Name
		}
		o.result.StartTime = start
		o.result.Duration = float64(elapsed.Microseconds()) / 1000
		o.injected = call.injected
		s.observer.EndInstruction(ctx, o.result.Result.String(), o.result.Changed(), elapsed)
	}()

	if j.fn == nil {
		o.result = Fail(instr.Name, fmt.Sprintf("no handler registered for %s", instr.Ref()), nil)
		return o
	}

	res, err := j.fn(ctx, call)
	switch {
	case err != nil:
		var changes map[string]any
		if res != nil {
			changes = copyMap(res.Changes)
		}
		o.result = Fail(instr.Name, err.Error(), changes)
	case res == nil:
		o.result = Fail(instr.Name, "handler returned no result", nil)
	default:
		o.result = res.Clone()
		if !j.test && o.result.Result == OutcomeIndeterminate {
			o.result.Result = OutcomeFailure
			o.result.Comment = joinComments(o.result.Comment, CommentNoOutcome)
		}
	}
	return o
}

func joinComments(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "; " + b
	}
}
