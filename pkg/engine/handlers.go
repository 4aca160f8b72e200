package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// DefaultSubsystem is the subsystem state modules register under.
const DefaultSubsystem = "states"

// Call carries one handler invocation. Handlers receive their own copy of the
// arguments and must not retain the call after returning.
type Call struct {
	// Run is the name of the run the call belongs to.
	Run string

	// ID is the instruction id.
	ID string

	// Name is the target argument.
	Name string

	// Arguments is a private copy of the instruction arguments.
	Arguments map[string]any

	// Test is true under test mode; handlers must not mutate the system and
	// report would-be changes with an indeterminate result.
	Test bool

	injected []LowInstruction
}

// Inject appends instructions to the run. They become visible to the
// scheduler at the next round boundary.
func (c *Call) Inject(instrs ...LowInstruction) {
	for _, instr := range instrs {
		c.injected = append(c.injected, instr.clone())
	}
}

// Injected returns the instructions buffered by Inject.
func (c *Call) Injected() []LowInstruction {
	return c.injected
}

// Function is the handler contract: it converges one target and reports the
// outcome. A returned error becomes a failure record.
type Function func(ctx context.Context, call *Call) (*Result, error)

// Module groups the functions of one state module.
type Module struct {
	// Name is the module name used in "module.function" keys.
	Name string

	// Subsystem is the subsystem the module belongs to. Defaults to DefaultSubsystem.
	Subsystem string

	// Functions maps function names to handlers.
	Functions map[string]Function

	// React is the optional reaction handler, invoked when a watched or
	// listened target changed.
	React Function
}

// Registry maps (module, function) pairs to handlers.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*Module
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]*Module)}
}

// Register adds a module. Registering the same module name twice is an error.
func (r *Registry) Register(m Module) error {
	if m.Name == "" {
		return NewPermanentError("module name is required", nil).WithCode(ErrCodeValidation)
	}
	if m.Subsystem == "" {
		m.Subsystem = DefaultSubsystem
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[m.Name]; exists {
		return NewConflictError(fmt.Sprintf("module %s already registered", m.Name), nil).
			WithCode(ErrCodeValidation).
			WithResource(m.Name)
	}

	funcs := make(map[string]Function, len(m.Functions))
	for name, fn := range m.Functions {
		funcs[name] = fn
	}
	m.Functions = funcs
	r.modules[m.Name] = &m
	return nil
}

// MustRegister registers a module and panics on error.
func (r *Registry) MustRegister(m Module) {
	if err := r.Register(m); err != nil {
		panic(err)
	}
}

// Lookup returns the handler for module.function.
func (r *Registry) Lookup(module, function string) (Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.modules[module]
	if !ok {
		return nil, false
	}
	fn, ok := m.Functions[function]
	return fn, ok && fn != nil
}

// Has returns true if a handler is registered for module.function.
func (r *Registry) Has(module, function string) bool {
	_, ok := r.Lookup(module, function)
	return ok
}

// Reaction returns the module's reaction handler, if any.
func (r *Registry) Reaction(module string) (Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.modules[module]
	if !ok || m.React == nil {
		return nil, false
	}
	return m.React, true
}

// Modules returns the registered module names in sorted order.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Functions returns the function names of a module in sorted order.
func (r *Registry) Functions(module string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.modules[module]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(m.Functions))
	for name := range m.Functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// View returns a registry containing only modules of the given subsystems.
// An empty list selects DefaultSubsystem.
func (r *Registry) View(subsystems []string) *Registry {
	if len(subsystems) == 0 {
		subsystems = []string{DefaultSubsystem}
	}
	enabled := make(map[string]bool, len(subsystems))
	for _, s := range subsystems {
		enabled[s] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	view := NewRegistry()
	for name, m := range r.modules {
		if enabled[m.Subsystem] {
			view.modules[name] = m
		}
	}
	return view
}
