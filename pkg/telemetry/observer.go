package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/converge/pkg/engine"
)

var _ engine.RunObserver = (*Telemetry)(nil)

type runSpanKey struct{}

type instructionState struct {
	span     trace.Span
	run      string
	id       string
	module   string
	function string
}

type instructionKey struct{}

// StartRun opens the apply span and counts the run as active.
func (t *Telemetry) StartRun(ctx context.Context, run string) context.Context {
	ctx, span := t.Tracer.StartRunSpan(ctx, run)
	ctx = context.WithValue(ctx, runSpanKey{}, span)
	ctx = t.Logger.WithRun(run).WithContext(ctx)

	t.Metrics.RecordRunStarted(run)
	_ = t.Events.PublishRunStarted(run)
	return ctx
}

// EndRun closes the apply span and records the run outcome.
func (t *Telemetry) EndRun(ctx context.Context, run, status string, duration time.Duration, err error) {
	if span, ok := ctx.Value(runSpanKey{}).(trace.Span); ok {
		span.SetAttributes(AttrRunStatus.String(status))
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	t.Metrics.RecordRunCompleted(status, duration)
	if err != nil {
		t.Metrics.RecordEngineError(err)
		_ = t.Events.PublishRunFailed(run, err.Error())
		return
	}
	_ = t.Events.PublishRunCompleted(run, status, duration)
}

// Round records a scheduler round on the apply span.
func (t *Telemetry) Round(ctx context.Context, run string, round, ready int) {
	if span, ok := ctx.Value(runSpanKey{}).(trace.Span); ok {
		AddEvent(span, "round", AttrRound.Int(round), AttrRoundReady.Int(ready))
	}
	t.Metrics.RecordRound(ready)
	zl := t.Logger.Zerolog()
	zl.Trace().Str("run", run).Int("round", round).Int("ready", ready).Msg("Round dispatched")
}

// StartInstruction opens a span around one handler call.
func (t *Telemetry) StartInstruction(ctx context.Context, run, id, module, function string) context.Context {
	ctx, span := t.Tracer.StartInstructionSpan(ctx, run, id, module, function)
	return context.WithValue(ctx, instructionKey{}, &instructionState{
		span:     span,
		run:      run,
		id:       id,
		module:   module,
		function: function,
	})
}

// EndInstruction closes the handler span and records its outcome.
func (t *Telemetry) EndInstruction(ctx context.Context, outcome string, changed bool, duration time.Duration) {
	st, ok := ctx.Value(instructionKey{}).(*instructionState)
	if !ok {
		return
	}
	st.span.SetAttributes(AttrOutcome.String(outcome), AttrChanged.Bool(changed))
	if outcome == "failure" {
		st.span.SetStatus(codes.Error, "handler reported failure")
	} else {
		RecordSuccess(st.span)
	}
	st.span.End()

	t.Metrics.RecordInstruction(st.module, st.function, outcome, changed, duration)
	_ = t.Events.PublishInstruction(st.run, st.id, st.module, outcome, changed, duration)
}

// Reaction records a reaction handler call.
func (t *Telemetry) Reaction(ctx context.Context, run, id, module, outcome string) {
	if span, ok := ctx.Value(runSpanKey{}).(trace.Span); ok {
		AddEvent(span, "reaction", AttrInstructionID.String(id), AttrModule.String(module), AttrOutcome.String(outcome))
	}
	t.Metrics.RecordReaction(module, outcome)
	_ = t.Events.PublishReaction(run, id, module, outcome)
}
