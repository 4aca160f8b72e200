package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/converge/pkg/telemetry"
)

// Example_eventSubscription shows how to observe instruction outcomes.
func Example_eventSubscription() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.EnableAsync = false
	cfg.Metrics.Enabled = false

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(ev telemetry.Event) {
		fmt.Printf("%s %s %v\n", ev.Type, ev.Instruction, ev.Data["outcome"])
	}, telemetry.FilterByType(telemetry.EventTypeInstructionFailed))

	ctx := tel.StartRun(context.Background(), "web")
	for _, outcome := range []string{"success", "failure"} {
		ictx := tel.StartInstruction(ctx, "web", "web_|-nginx_|-pkg_|-installed", "pkg", "installed")
		tel.EndInstruction(ictx, outcome, false, time.Millisecond)
	}
	tel.EndRun(ctx, "web", "partial", time.Second, nil)

	// Output:
	// instruction.failed web_|-nginx_|-pkg_|-installed failure
}

// Example_instrumentedOperation times a piece of work outside the scheduler.
func Example_instrumentedOperation() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.Enabled = false
	cfg.Metrics.Enabled = false

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	op := telemetry.StartOperation(tel.WithContext(context.Background()), "compile")
	elapsed := op.End(nil)

	fmt.Println(elapsed >= 0)
	// Output: true
}
