package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/policy"
	"github.com/openfroyo/converge/pkg/render"
	"github.com/openfroyo/converge/pkg/resolve"
	"github.com/openfroyo/converge/pkg/states"
	"github.com/openfroyo/converge/pkg/stores"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// environment wires configuration, telemetry and the engine for one command.
type environment struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	logger  zerolog.Logger
	applier *engine.Applier
	gate    *policy.Engine
	store   *stores.SQLiteStore
}

// envOptions selects the optional parts a command needs.
type envOptions struct {
	history  bool
	policies bool
	version  string

	// override adjusts the loaded configuration, e.g. from command flags.
	override func(cfg *config.Config)
}

func newEnvironment(ctx context.Context, opts envOptions) (*environment, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if opts.override != nil {
		opts.override(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid flags: %w", err)
		}
	}

	tcfg := cfg.TelemetryConfig(opts.version)
	if verbose {
		tcfg.Logging.Level = "debug"
	}
	// Events are delivered in order so the history sink sees a consistent log.
	tcfg.Events.EnableAsync = false
	tel, err := telemetry.NewTelemetry(tcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()

	env := &environment{cfg: cfg, tel: tel, logger: logger}

	schema, err := render.NewSchemaValidator()
	if err != nil {
		_ = env.Close(ctx)
		return nil, fmt.Errorf("failed to load high data schema: %w", err)
	}
	gatherer := resolve.NewGatherer(render.NewRegistryWithTimeout(cfg.StarlarkTimeout()), schema, logger)

	env.applier = &engine.Applier{
		Handlers: states.NewRegistry(),
		Runs:     engine.NewRunRegistry(),
		Gatherer: gatherer,
		Logger:   logger,
		Observer: tel,
	}

	if opts.policies && cfg.Policies.Enabled {
		if err := env.setupPolicies(ctx); err != nil {
			_ = env.Close(ctx)
			return nil, err
		}
	}

	if opts.history && cfg.StateDB != "" {
		store, err := stores.Open(ctx, cfg.StateDB)
		if err != nil {
			_ = env.Close(ctx)
			return nil, fmt.Errorf("failed to open run history: %w", err)
		}
		env.store = store
		env.applier.Recorder = store
		tel.Events.Subscribe(store.EventSink(logger), nil)
	}

	return env, nil
}

func (e *environment) setupPolicies(ctx context.Context) error {
	gate, err := policy.NewEngine(e.logger)
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}
	paths := e.cfg.Policies.Paths
	if len(paths) > 0 {
		if err := gate.LoadPolicies(ctx, paths); err != nil {
			return err
		}
	}
	gate.OnViolation = func(run string, v policy.Violation) {
		_ = e.tel.Events.PublishPolicyViolation(run, v.Instruction, v.Policy, v.Message)
	}

	if e.cfg.Policies.Watch && len(paths) > 0 {
		loader := policy.NewLoader(e.logger)
		err := loader.Watch(ctx, paths, func(p []policy.Policy) error {
			return gate.SetPolicies(ctx, p)
		})
		if err != nil {
			return fmt.Errorf("failed to watch policies: %w", err)
		}
	}

	e.gate = gate
	e.applier.Gate = gate
	return nil
}

// Close releases the store and flushes telemetry.
func (e *environment) Close(ctx context.Context) error {
	var errs []error
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	errs = append(errs, e.tel.Shutdown(shutdownCtx))
	return errors.Join(errs...)
}
