package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// GatherRequest describes the sources a Gatherer must resolve and render.
type GatherRequest struct {
	Run      string
	Sources  []string
	Renderer string
	CacheDir string
	Targets  []string
}

// Gatherer resolves source references and renders them into documents.
type Gatherer interface {
	Gather(ctx context.Context, req GatherRequest) ([]Document, error)
}

// Gate admits or rejects a compiled instruction sequence before execution.
type Gate interface {
	Admit(ctx context.Context, run string, instrs []LowInstruction) error
}

// Recorder persists the report of a finished run.
type Recorder interface {
	RecordRun(ctx context.Context, report RunReport) error
}

// RunObserver extends Observer with run lifecycle hooks.
type RunObserver interface {
	Observer
	StartRun(ctx context.Context, run string) context.Context
	EndRun(ctx context.Context, run, status string, duration time.Duration, err error)
}

type noopRunObserver struct{ noopObserver }

func (noopRunObserver) StartRun(ctx context.Context, _ string) context.Context { return ctx }
func (noopRunObserver) EndRun(context.Context, string, string, time.Duration, error) {}

// ApplyRequest is the input of one apply.
type ApplyRequest struct {
	// Name keys the run in the run registry.
	Name string `json:"name"`

	// Sources are the roots the gatherer resolves targets against.
	Sources []string `json:"sources,omitempty"`

	// Renderer selects the renderer, or "auto" to pick by file extension.
	Renderer string `json:"renderer,omitempty"`

	// Runtime is RuntimeParallel (default) or RuntimeSerial.
	Runtime string `json:"runtime,omitempty"`

	// Subsystems selects the handler modules visible to the compiler.
	Subsystems []string `json:"subsystems,omitempty"`

	// CacheDir is passed through to the gatherer.
	CacheDir string `json:"cache_dir,omitempty"`

	// Targets are the source references to apply.
	Targets []string `json:"targets,omitempty"`

	// Documents bypass the gatherer when set.
	Documents []Document `json:"documents,omitempty"`

	// Test runs every handler in test mode.
	Test bool `json:"test,omitempty"`

	MaxParallel int `json:"max_parallel,omitempty"`
}

// Validate checks the request before a run is created.
func (r ApplyRequest) Validate() error {
	if r.Name == "" {
		return NewPermanentError("run name is required", nil).WithCode(ErrCodeValidation)
	}
	switch r.Runtime {
	case "", RuntimeParallel, RuntimeSerial:
	default:
		return NewPermanentError(fmt.Sprintf("unknown runtime %q", r.Runtime), nil).
			WithCode(ErrCodeValidation).
			WithResource(r.Name)
	}
	if r.MaxParallel < 0 {
		return NewPermanentError("max parallel must not be negative", nil).
			WithCode(ErrCodeValidation).
			WithResource(r.Name)
	}
	return nil
}

func (r ApplyRequest) runConfig() RunConfig {
	runtime := r.Runtime
	if runtime == "" {
		runtime = RuntimeParallel
	}
	subsystems := r.Subsystems
	if len(subsystems) == 0 {
		subsystems = []string{DefaultSubsystem}
	}
	return RunConfig{
		Sources:     append([]string(nil), r.Sources...),
		Renderer:    r.Renderer,
		Runtime:     runtime,
		Subsystems:  append([]string(nil), subsystems...),
		CacheDir:    r.CacheDir,
		Test:        r.Test,
		MaxParallel: r.MaxParallel,
	}
}

// Applier composes create, gather, compile, graph build, admission and
// scheduling into one apply.
type Applier struct {
	Handlers *Registry
	Runs     *RunRegistry

	// Gatherer is required unless requests carry documents.
	Gatherer Gatherer

	// Gate and Recorder are optional.
	Gate     Gate
	Recorder Recorder

	Logger   zerolog.Logger
	Observer RunObserver
}

// Apply executes one run and returns its report. Compile and admission
// errors abort before any handler runs. Per-instruction failures are only
// visible in the report.
func (a *Applier) Apply(ctx context.Context, req ApplyRequest) (Report, error) {
	rc, err := a.Begin(req)
	if err != nil {
		return nil, err
	}
	return a.ApplyRun(ctx, rc, req)
}

// Begin validates req and registers its run without executing it. The run
// is active from this point, so a concurrent Begin or Apply for the same
// name fails with ErrCodeRunActive. Pass the returned run to ApplyRun.
func (a *Applier) Begin(req ApplyRequest) (*RunContext, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return a.Runs.Create(req.Name, req.runConfig())
}

// ApplyRun executes a run registered by Begin.
func (a *Applier) ApplyRun(ctx context.Context, rc *RunContext, req ApplyRequest) (Report, error) {
	req.Name = rc.Name()
	observer := a.Observer
	if observer == nil {
		observer = noopRunObserver{}
	}
	logger := a.Logger.With().
		Str("component", "apply").
		Str("run", req.Name).
		Str("run_id", rc.ID()).
		Logger()

	ctx = observer.StartRun(ctx, req.Name)
	logger.Info().Strs("targets", req.Targets).Bool("test", req.Test).Msg("Apply started")

	runErr := a.execute(ctx, rc, req, observer, logger)
	status := rc.finish(runErr)
	report := rc.Snapshot()
	observer.EndRun(ctx, req.Name, string(status), report.Duration(), runErr)

	if runErr != nil {
		logger.Error().Err(runErr).Str("status", string(status)).Msg("Apply finished with error")
	} else {
		logger.Info().
			Str("status", string(status)).
			Str("summary", report.Summary.String()).
			Dur("duration", report.Duration()).
			Msg("Apply finished")
	}

	if a.Recorder != nil {
		if err := a.Recorder.RecordRun(context.WithoutCancel(ctx), report); err != nil {
			logger.Error().Err(err).Msg("Failed to record run")
		}
	}

	return Report{req.Name: report}, runErr
}

func (a *Applier) execute(
	ctx context.Context,
	rc *RunContext,
	req ApplyRequest,
	observer Observer,
	logger zerolog.Logger,
) error {
	rc.setState(RunStatusRunning)
	cfg := rc.Config()

	docs := req.Documents
	if len(docs) == 0 {
		if a.Gatherer == nil {
			return NewPermanentError("no documents given and no gatherer configured", nil).
				WithCode(ErrCodeGatherFailed).
				WithResource(req.Name)
		}
		gathered, err := a.Gatherer.Gather(ctx, GatherRequest{
			Run:      req.Name,
			Sources:  cfg.Sources,
			Renderer: cfg.Renderer,
			CacheDir: cfg.CacheDir,
			Targets:  req.Targets,
		})
		if err != nil {
			return NewPermanentError("failed to gather sources", err).
				WithCode(ErrCodeGatherFailed).
				WithResource(req.Name)
		}
		docs = gathered
	}

	registry := a.Handlers.View(cfg.Subsystems)
	instrs, err := NewCompiler(registry).CompileDocuments(docs)
	if err != nil {
		return NewPermanentError("compilation failed", err).
			WithCode(ErrCodeCompile).
			WithResource(req.Name).
			WithOperation("compile")
	}

	graph, err := BuildGraph(instrs)
	if err != nil {
		return NewPermanentError("requisite resolution failed", err).
			WithCode(ErrCodeCompile).
			WithResource(req.Name).
			WithOperation("build_graph")
	}
	logger.Debug().Int("instructions", len(instrs)).Int("edges", len(graph.Edges())).Msg("Compiled")

	if a.Gate != nil {
		if err := a.Gate.Admit(ctx, req.Name, instrs); err != nil {
			return err
		}
	}

	rc.Load(instrs, graph)

	return NewScheduler(registry, SchedulerConfig{
		MaxParallel: cfg.MaxParallel,
		Runtime:     cfg.Runtime,
		Test:        cfg.Test,
		Logger:      a.Logger,
		Observer:    observer,
	}).Run(ctx, rc)
}

// CompileRequest compiles the documents of a request without creating a run.
// It backs dry inspection commands.
func (a *Applier) CompileRequest(ctx context.Context, req ApplyRequest) ([]LowInstruction, *Graph, error) {
	docs := req.Documents
	if len(docs) == 0 {
		if a.Gatherer == nil {
			return nil, nil, NewPermanentError("no documents given and no gatherer configured", nil).
				WithCode(ErrCodeGatherFailed)
		}
		cfg := req.runConfig()
		gathered, err := a.Gatherer.Gather(ctx, GatherRequest{
			Run:      req.Name,
			Sources:  cfg.Sources,
			Renderer: cfg.Renderer,
			CacheDir: cfg.CacheDir,
			Targets:  req.Targets,
		})
		if err != nil {
			return nil, nil, NewPermanentError("failed to gather sources", err).WithCode(ErrCodeGatherFailed)
		}
		docs = gathered
	}

	instrs, err := NewCompiler(a.Handlers.View(req.Subsystems)).CompileDocuments(docs)
	if err != nil {
		return nil, nil, err
	}
	graph, err := BuildGraph(instrs)
	if err != nil {
		return instrs, nil, err
	}
	return instrs, graph, nil
}
