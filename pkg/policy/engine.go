package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

// Engine evaluates Rego policies over compiled instruction sequences. It
// implements engine.Gate.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger

	// OnViolation, when set, is called for every violation found by Admit.
	OnViolation func(run string, v Violation)
}

var _ engine.Gate = (*Engine)(nil)

// compiledPolicy holds a policy and its prepared deny query.
type compiledPolicy struct {
	policy   Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy").Logger(),
	}

	compiled, err := compileAll(context.Background(), BuiltinPolicies())
	if err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	e.policies = compiled

	e.logger.Debug().Int("count", len(compiled)).Msg("Built-in policies loaded")
	return e, nil
}

// Admit implements engine.Gate. A blocking violation rejects the whole
// sequence with an ErrCodePolicyDenied error; warnings are only logged.
func (e *Engine) Admit(ctx context.Context, run string, instrs []engine.LowInstruction) error {
	result, err := e.Evaluate(ctx, run, instrs)
	if err != nil {
		return engine.NewPermanentError("policy evaluation failed", err).
			WithCode(engine.ErrCodePolicyDenied).
			WithResource(run).
			WithOperation("admit")
	}

	for _, w := range result.Warnings {
		e.logger.Warn().
			Str("run", run).
			Str("policy", w.Policy).
			Str("instruction", w.Instruction).
			Msg(w.Message)
	}
	if e.OnViolation != nil {
		for _, v := range result.Violations {
			e.OnViolation(run, v)
		}
	}
	if result.Allowed {
		return nil
	}

	msgs := make([]string, len(result.Violations))
	for i, v := range result.Violations {
		msgs[i] = fmt.Sprintf("%s: %s", v.Policy, v.Message)
	}
	return engine.NewPermanentError(
		fmt.Sprintf("policy denied %d violation(s): %s", len(result.Violations), strings.Join(msgs, "; ")), nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithResource(run).
		WithOperation("admit").
		WithDetail("violations", result.Violations)
}

// Evaluate runs every enabled policy against every instruction.
func (e *Engine) Evaluate(ctx context.Context, run string, instrs []engine.LowInstruction) (*Result, error) {
	start := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true}
	for _, name := range e.sortedNamesLocked() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		for _, instr := range instrs {
			violations, err := cp.evaluate(ctx, NewInput(run, instr))
			if err != nil {
				return nil, fmt.Errorf("policy %s on %s: %w", name, instr.ID, err)
			}
			for _, v := range violations {
				if v.Severity.Blocks() {
					result.Allowed = false
					result.Violations = append(result.Violations, v)
				} else {
					result.Warnings = append(result.Warnings, v)
				}
			}
		}
	}
	result.Duration = time.Since(start)

	e.logger.Debug().
		Str("run", run).
		Int("instructions", len(instrs)).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Policy evaluation completed")

	return result, nil
}

func (cp *compiledPolicy) evaluate(ctx context.Context, input Input) ([]Violation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, r := range rs {
		if len(r.Expressions) == 0 {
			continue
		}
		denySet, ok := r.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, cp.violation(input.ID, d))
		}
	}
	return violations, nil
}

// violation converts one deny element. Elements are either a message string
// or an object with message and severity.
func (cp *compiledPolicy) violation(id string, d interface{}) Violation {
	v := Violation{
		Policy:      cp.policy.Name,
		Instruction: id,
		Severity:    cp.policy.Severity,
	}
	switch val := d.(type) {
	case string:
		v.Message = val
	case map[string]interface{}:
		if msg, ok := val["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := val["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", val)
	}
	return v
}

// compile parses the module and prepares the query for its deny set.
func compile(ctx context.Context, p Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name+".rego", p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy %s: %w", p.Name, err)
	}
	if module == nil {
		return nil, fmt.Errorf("policy %s is empty", p.Name)
	}

	query, err := rego.New(
		rego.Module(p.Name+".rego", p.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare policy %s: %w", p.Name, err)
	}

	if p.Severity == "" {
		p.Severity = SeverityError
	}
	return &compiledPolicy{policy: p, query: query, compiled: time.Now()}, nil
}

func compileAll(ctx context.Context, policies []Policy) (map[string]*compiledPolicy, error) {
	out := make(map[string]*compiledPolicy, len(policies))
	for _, p := range policies {
		if _, dup := out[p.Name]; dup {
			return nil, fmt.Errorf("duplicate policy name %s", p.Name)
		}
		cp, err := compile(ctx, p)
		if err != nil {
			return nil, err
		}
		out[p.Name] = cp
	}
	return out, nil
}

// LoadPolicies loads .rego and .json policies from paths and adds them to
// the built-in set.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.SetPolicies(ctx, policies)
}

// SetPolicies replaces the user policies. Every policy is compiled before
// the swap, so a bad file leaves the previous set in place.
func (e *Engine) SetPolicies(ctx context.Context, policies []Policy) error {
	compiled, err := compileAll(ctx, append(BuiltinPolicies(), policies...))
	if err != nil {
		return err
	}

	e.mu.Lock()
	for name, cp := range e.policies {
		if next, ok := compiled[name]; ok && !cp.policy.Enabled {
			next.policy.Enabled = false
		}
	}
	e.policies = compiled
	e.mu.Unlock()

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, ok := e.policies[name]
	if !ok {
		return Policy{}, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := e.sortedNamesLocked()
	out := make([]Policy, len(names))
	for i, name := range names {
		out[i] = e.policies[name].policy
	}
	return out
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name. The choice survives reloads.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

func (e *Engine) sortedNamesLocked() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
