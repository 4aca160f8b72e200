// Package telemetry provides observability instrumentation for converge.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and event publishing behind one
// Telemetry value. *Telemetry implements engine.RunObserver, so an applier
// configured with it gets a span per apply, a span per handler call, round
// and reaction events, and the matching Prometheus series:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    log.Fatal().Err(err).Msg("telemetry")
//	}
//	defer tel.Shutdown(context.Background())
//
//	applier := &engine.Applier{
//	    Handlers: states.NewRegistry(),
//	    Runs:     engine.NewRunRegistry(),
//	    Logger:   tel.Logger.Zerolog(),
//	    Observer: tel,
//	}
//
// # Metrics
//
// With the default namespace the following series are exported:
//
//	converge_runs_started_total{run}
//	converge_runs_completed_total{status}
//	converge_run_duration_seconds{status}
//	converge_scheduler_rounds_total
//	converge_scheduler_round_batch_size
//	converge_instructions_executed_total{module,function,outcome}
//	converge_instructions_changed_total{module,function}
//	converge_instruction_duration_seconds{module}
//	converge_reactions_total{module,outcome}
//	converge_errors_by_class_total{class}
//	converge_errors_by_code_total{code}
//	converge_active_runs
//
// Metrics.Handler serves them; the API server mounts it at /metrics.
//
// # Tracing
//
// Supported exporters are otlp (gRPC), stdout and none. With none, spans are
// still created so trace ids show up in logs.
//
// # Events
//
// EventPublisher delivers run.*, instruction.* and policy.violation events
// to subscribers, asynchronously by default. Subscribers run on the
// publisher goroutine and must not block.
package telemetry
