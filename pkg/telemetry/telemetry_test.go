package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/openfroyo/converge/pkg/engine"
)

func newTestTelemetry(t *testing.T, mutate func(*Config)) *Telemetry {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Logging.Output = filepath.Join(t.TempDir(), "converge.log")
	cfg.Events.EnableAsync = false
	if mutate != nil {
		mutate(cfg)
	}
	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry failed: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	return tel
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no service", func(c *Config) { c.ServiceName = "" }},
		{"level", func(c *Config) { c.Logging.Level = "chatty" }},
		{"format", func(c *Config) { c.Logging.Format = "xml" }},
		{"exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }},
		{"otlp endpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" }},
		{"sampling", func(c *Config) { c.Tracing.SamplingRate = -1 }},
		{"namespace", func(c *Config) { c.Metrics.Namespace = "" }},
		{"buffer", func(c *Config) { c.Events.BufferSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}

	for _, cfg := range []*Config{DefaultConfig(), DevelopmentConfig()} {
		if err := cfg.Validate(); err != nil {
			t.Errorf("expected preset to validate: %v", err)
		}
	}
}

func TestObserver_RecordsMetrics(t *testing.T) {
	tel := newTestTelemetry(t, nil)
	m := tel.Metrics

	ctx := tel.StartRun(context.Background(), "web")
	if got := testutil.ToFloat64(m.activeRuns); got != 1 {
		t.Errorf("expected 1 active run, got %v", got)
	}

	tel.Round(ctx, "web", 1, 2)
	ictx := tel.StartInstruction(ctx, "web", "a_|-b_|-file_|-managed", "file", "managed")
	tel.EndInstruction(ictx, "success", true, 5*time.Millisecond)
	ictx = tel.StartInstruction(ctx, "web", "a_|-c_|-cmd_|-run", "cmd", "run")
	tel.EndInstruction(ictx, "failure", false, time.Millisecond)
	tel.Reaction(ctx, "web", "a_|-c_|-cmd_|-run", "cmd", "success")
	tel.EndRun(ctx, "web", "partial", time.Second, nil)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"active", testutil.ToFloat64(m.activeRuns), 0},
		{"rounds", testutil.ToFloat64(m.rounds), 1},
		{"file success", testutil.ToFloat64(m.instructionsExecuted.WithLabelValues("file", "managed", "success")), 1},
		{"cmd failure", testutil.ToFloat64(m.instructionsExecuted.WithLabelValues("cmd", "run", "failure")), 1},
		{"changed", testutil.ToFloat64(m.instructionsChanged.WithLabelValues("file", "managed")), 1},
		{"reactions", testutil.ToFloat64(m.reactions.WithLabelValues("cmd", "success")), 1},
		{"completed", testutil.ToFloat64(m.runsCompleted.WithLabelValues("partial")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: expected %v, got %v", c.name, c.want, c.got)
		}
	}
}

func TestObserver_RecordsEngineErrors(t *testing.T) {
	tel := newTestTelemetry(t, nil)

	ctx := tel.StartRun(context.Background(), "web")
	err := engine.NewPermanentError("denied", nil).WithCode(engine.ErrCodePolicyDenied)
	tel.EndRun(ctx, "web", "failed", 0, fmt.Errorf("apply: %w", err))
	tel.Metrics.RecordEngineError(errors.New("plain"))

	if got := testutil.ToFloat64(tel.Metrics.errorsByCode.WithLabelValues(engine.ErrCodePolicyDenied)); got != 1 {
		t.Errorf("expected one policy error, got %v", got)
	}
	if got := testutil.ToFloat64(tel.Metrics.errorsByClass.WithLabelValues("unclassified")); got != 1 {
		t.Errorf("expected one unclassified error, got %v", got)
	}
}

func TestObserver_PublishesEvents(t *testing.T) {
	tel := newTestTelemetry(t, nil)

	var mu sync.Mutex
	var types []string
	tel.Events.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, ev.Type)
		if ev.ID == "" || ev.Timestamp.IsZero() {
			t.Errorf("expected id and timestamp on %s", ev.Type)
		}
	}, FilterByRun("web"))

	ctx := tel.StartRun(context.Background(), "web")
	ictx := tel.StartInstruction(ctx, "web", "id", "test", "nop")
	tel.EndInstruction(ictx, "failure", false, 0)
	tel.Reaction(ctx, "web", "id", "test", "success")
	tel.EndRun(ctx, "web", "failed", 0, errors.New("boom"))
	_ = tel.Events.PublishRunStarted("other")

	mu.Lock()
	defer mu.Unlock()
	want := []string{EventTypeRunStarted, EventTypeInstructionFailed, EventTypeReaction, EventTypeRunFailed}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, types)
	}
}

func TestEventPublisher_AsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 16, MaxBatchSize: 4, EnableAsync: true})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	var mu sync.Mutex
	count := 0
	ep.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)

	for i := 0; i < 10; i++ {
		if err := ep.PublishRunStarted("r"); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 10 {
		t.Errorf("expected 10 delivered events, got %d", count)
	}
	if err := ep.PublishRunStarted("r"); err == nil {
		t.Errorf("expected publish after shutdown to fail")
	}
}

func TestEventFilters(t *testing.T) {
	warn := Event{Level: EventLevelWarning, Type: EventTypeInstructionFailed, Run: "a"}
	if !FilterByLevel(EventLevelInfo)(warn) || FilterByLevel(EventLevelError)(warn) {
		t.Errorf("unexpected level filtering")
	}
	if !FilterByType(EventTypeInstructionFailed)(warn) || FilterByType(EventTypeRunStarted)(warn) {
		t.Errorf("unexpected type filtering")
	}
	if FilterByRun("b")(warn) {
		t.Errorf("unexpected run filtering")
	}
}

func TestTracer_InstructionSpans(t *testing.T) {
	tel := newTestTelemetry(t, func(c *Config) {
		c.Tracing.Enabled = true
		c.Tracing.Exporter = "none"
	})

	ctx := tel.StartRun(context.Background(), "web")
	ictx := tel.StartInstruction(ctx, "web", "id", "test", "nop")
	if TraceID(ictx) == "" || TraceID(ictx) != TraceID(ctx) {
		t.Errorf("expected instruction span to share the run trace")
	}
	tel.EndInstruction(ictx, "success", false, 0)
	tel.EndRun(ctx, "web", "succeeded", 0, nil)
}

func TestMetrics_Handler(t *testing.T) {
	tel := newTestTelemetry(t, nil)
	tel.Metrics.RecordRound(3)

	srv := httptest.NewServer(tel.Metrics.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "converge_scheduler_rounds_total") {
		t.Errorf("expected rounds series in output")
	}

	disabled, _ := NewMetrics(MetricsConfig{})
	rec := httptest.NewRecorder()
	disabled.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 when disabled, got %d", rec.Code)
	}
	disabled.RecordInstruction("m", "f", "success", true, 0)
}

func TestLogger_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	logger, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	logger.NewComponentLogger("scheduler").WithRun("web").WithInstruction("id", "test", "nop").Debug("hello")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	for _, want := range []string{`"component":"scheduler"`, `"run":"web"`, `"module":"test"`, `"message":"hello"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("expected %s in %s", want, data)
		}
	}
}
