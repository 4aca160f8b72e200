package config

import (
	"time"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/render"
)

// Config is the converge configuration file.
type Config struct {
	// Sources are the roots source references are resolved against, in order.
	Sources []string `yaml:"sources" toml:"sources" validate:"min=1,dive,required"`

	// Renderer names the renderer for every source, or "auto" to choose by extension.
	Renderer string `yaml:"renderer" toml:"renderer" validate:"required"`

	// RenderTimeout bounds Starlark evaluation (e.g. "30s").
	RenderTimeout string `yaml:"render_timeout" toml:"render_timeout" validate:"omitempty,duration"`

	// Runtime is "parallel" or "serial".
	Runtime string `yaml:"runtime" toml:"runtime" validate:"required,oneof=parallel serial"`

	// MaxParallel bounds concurrent handler calls in parallel mode.
	MaxParallel int `yaml:"max_parallel" toml:"max_parallel" validate:"gte=1,lte=1024"`

	// Subsystems selects the handler modules visible to the compiler.
	Subsystems []string `yaml:"subsystems" toml:"subsystems" validate:"min=1,dive,required"`

	// CacheDir receives the per-run high data snapshot. Empty disables it.
	CacheDir string `yaml:"cache_dir" toml:"cache_dir"`

	// Test runs every apply in test mode unless overridden per request.
	Test bool `yaml:"test" toml:"test"`

	// StateDB is the SQLite run history path. Empty disables history.
	StateDB string `yaml:"state_db" toml:"state_db"`

	Policies  PolicyConfig    `yaml:"policies" toml:"policies"`
	API       APIConfig       `yaml:"api" toml:"api"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// PolicyConfig configures the admission gate.
type PolicyConfig struct {
	// Enabled turns the gate on. The built-in policies always load when enabled.
	Enabled bool `yaml:"enabled" toml:"enabled"`

	// Paths are .rego files or directories holding them.
	Paths []string `yaml:"paths" toml:"paths" validate:"dive,required"`

	// Watch reloads policies when a file under Paths changes.
	Watch bool `yaml:"watch" toml:"watch"`
}

// APIConfig configures "converge serve".
type APIConfig struct {
	Listen string `yaml:"listen" toml:"listen" validate:"required,hostname_port"`

	// Token is the bearer token required to start or remove runs. Without
	// one the API is read-only. Prefer CONVERGE_API_TOKEN over the file.
	Token string `yaml:"token" toml:"token"`

	// AllowDocuments lets apply requests carry inline documents instead of
	// rendering the configured sources.
	AllowDocuments bool `yaml:"allow_documents" toml:"allow_documents"`
}

// TelemetryConfig is the subset of telemetry settings exposed in the file.
type TelemetryConfig struct {
	Environment string        `yaml:"environment" toml:"environment"`
	Logging     LoggingConfig `yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig `yaml:"metrics" toml:"metrics"`
	Tracing     TracingConfig `yaml:"tracing" toml:"tracing"`
}

// LoggingConfig configures the zerolog output.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" toml:"format" validate:"oneof=console json"`
	Output string `yaml:"output" toml:"output" validate:"required"`
}

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Namespace string `yaml:"namespace" toml:"namespace" validate:"required_if=Enabled true"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" toml:"enabled"`
	Exporter     string  `yaml:"exporter" toml:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint     string  `yaml:"endpoint" toml:"endpoint" validate:"required_if=Exporter otlp"`
	SamplingRate float64 `yaml:"sampling_rate" toml:"sampling_rate" validate:"gte=0,lte=1"`
	Insecure     bool    `yaml:"insecure" toml:"insecure"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Sources:       []string{"."},
		Renderer:      render.Auto,
		RenderTimeout: render.DefaultStarlarkTimeout.String(),
		Runtime:       engine.RuntimeParallel,
		MaxParallel:   engine.DefaultMaxParallel,
		Subsystems:    []string{engine.DefaultSubsystem},
		API: APIConfig{
			Listen: "127.0.0.1:8080",
		},
		Telemetry: TelemetryConfig{
			Environment: "development",
			Logging: LoggingConfig{
				Level:  "info",
				Format: "console",
				Output: "stderr",
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "converge",
			},
			Tracing: TracingConfig{
				Exporter:     "none",
				SamplingRate: 1.0,
				Insecure:     true,
			},
		},
	}
}

// StarlarkTimeout returns the parsed render timeout, or the renderer default.
func (c *Config) StarlarkTimeout() time.Duration {
	d, err := time.ParseDuration(c.RenderTimeout)
	if err != nil || d <= 0 {
		return render.DefaultStarlarkTimeout
	}
	return d
}

// ApplyRequest builds an apply request for the named run from the file settings.
func (c *Config) ApplyRequest(name string, targets []string) engine.ApplyRequest {
	return engine.ApplyRequest{
		Name:        name,
		Sources:     append([]string(nil), c.Sources...),
		Renderer:    c.Renderer,
		Runtime:     c.Runtime,
		Subsystems:  append([]string(nil), c.Subsystems...),
		CacheDir:    c.CacheDir,
		Targets:     append([]string(nil), targets...),
		Test:        c.Test,
		MaxParallel: c.MaxParallel,
	}
}
