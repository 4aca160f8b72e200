package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/converge/pkg/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CONVERGE_"

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// Load reads path over the defaults, applies CONVERGE_* overrides from the
// process environment and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment.
func LoadWithEnv(path string, lookup LookupFunc) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return fmt.Errorf("load config %s: unknown keys: %s", path, strings.Join(keys, ", "))
		}
		return nil

	case ".yaml", ".yml", "":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		return nil

	default:
		return fmt.Errorf("load config %s: unsupported extension %q", path, filepath.Ext(path))
	}
}

// applyEnv overlays CONVERGE_* variables. List values are comma separated.
func applyEnv(cfg *Config, lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = splitList(v)
		}
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s%s: %w", EnvPrefix, key, err)
		}
		*dst = b
		return nil
	}

	list("SOURCES", &cfg.Sources)
	str("RENDERER", &cfg.Renderer)
	str("RENDER_TIMEOUT", &cfg.RenderTimeout)
	str("RUNTIME", &cfg.Runtime)
	list("SUBSYSTEMS", &cfg.Subsystems)
	str("CACHE_DIR", &cfg.CacheDir)
	str("STATE_DB", &cfg.StateDB)
	list("POLICY_PATHS", &cfg.Policies.Paths)
	str("API_LISTEN", &cfg.API.Listen)
	str("API_TOKEN", &cfg.API.Token)
	str("ENVIRONMENT", &cfg.Telemetry.Environment)
	str("LOG_LEVEL", &cfg.Telemetry.Logging.Level)
	str("LOG_FORMAT", &cfg.Telemetry.Logging.Format)
	str("TRACE_EXPORTER", &cfg.Telemetry.Tracing.Exporter)
	str("TRACE_ENDPOINT", &cfg.Telemetry.Tracing.Endpoint)

	if v, ok := lookup(EnvPrefix + "MAX_PARALLEL"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %sMAX_PARALLEL: %w", EnvPrefix, err)
		}
		cfg.MaxParallel = n
	}
	for key, dst := range map[string]*bool{
		"TEST":                &cfg.Test,
		"POLICY_ENABLED":      &cfg.Policies.Enabled,
		"API_ALLOW_DOCUMENTS": &cfg.API.AllowDocuments,
		"METRICS_ENABLED":     &cfg.Telemetry.Metrics.Enabled,
		"TRACING_ENABLED":     &cfg.Telemetry.Tracing.Enabled,
	} {
		if err := boolean(key, dst); err != nil {
			return err
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks the struct tags and reports every violation.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validation failed: %w", err)
		}
		msgs := make([]string, len(verrs))
		for i, fe := range verrs {
			msgs[i] = fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("validation failed: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// TelemetryConfig maps the file settings onto a telemetry configuration.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	if c.Telemetry.Environment != "" {
		tc.Environment = c.Telemetry.Environment
	}
	tc.Logging.Level = c.Telemetry.Logging.Level
	tc.Logging.Format = c.Telemetry.Logging.Format
	tc.Logging.Output = c.Telemetry.Logging.Output
	tc.Metrics.Enabled = c.Telemetry.Metrics.Enabled
	tc.Metrics.Namespace = c.Telemetry.Metrics.Namespace
	tc.Tracing.Enabled = c.Telemetry.Tracing.Enabled
	tc.Tracing.Exporter = c.Telemetry.Tracing.Exporter
	tc.Tracing.Endpoint = c.Telemetry.Tracing.Endpoint
	tc.Tracing.SamplingRate = c.Telemetry.Tracing.SamplingRate
	tc.Tracing.Insecure = c.Telemetry.Tracing.Insecure
	return tc
}
