package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// callLog records handler activity of the test module.
type callLog struct {
	mu        sync.Mutex
	calls     map[string]int
	tests     map[string]int
	reactions map[string]int
	active    int
	maxActive int
}

func (p *callLog) callCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

func (p *callLog) reactionCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reactions[id]
}

func (p *callLog) record(call *Call) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if call.Test {
		p.tests[call.ID]++
		return
	}
	p.calls[call.ID]++
}

var pretendChanges = map[string]any{
	"testing": map[string]any{"old": "Unchanged", "new": "Something pretended to change"},
}

// newTestRegistry returns a registry with a "test" module mirroring the
// state module of the same name, plus fault injecting functions.
func newTestRegistry(t *testing.T) (*Registry, *callLog) {
	t.Helper()
	p := &callLog{
		calls:     make(map[string]int),
		tests:     make(map[string]int),
		reactions: make(map[string]int),
	}

	wrap := func(fn Function) Function {
		return func(ctx context.Context, call *Call) (*Result, error) {
			p.record(call)
			return fn(ctx, call)
		}
	}

	reg := NewRegistry()
	err := reg.Register(Module{
		Name: "test",
		Functions: map[string]Function{
			"nop": wrap(func(_ context.Context, call *Call) (*Result, error) {
				return Succeed(call.Name, "Success!", nil), nil
			}),
			"succeed_with_changes": wrap(func(_ context.Context, call *Call) (*Result, error) {
				if call.Test {
					return WouldChange(call.Name, "Success!", pretendChanges), nil
				}
				return Succeed(call.Name, "Success!", pretendChanges), nil
			}),
			"fail_without_changes": wrap(func(_ context.Context, call *Call) (*Result, error) {
				return Fail(call.Name, "Failure!", nil), nil
			}),
			"fail_with_changes": wrap(func(_ context.Context, call *Call) (*Result, error) {
				return Fail(call.Name, "Failure!", pretendChanges), nil
			}),
			"update_low": wrap(func(_ context.Context, call *Call) (*Result, error) {
				call.Inject(NewInstruction("none", "king_arthur", "test", "nop", "totally_extra_alls", nil))
				return Succeed(call.Name, "Success!", nil), nil
			}),
			"panic": wrap(func(context.Context, *Call) (*Result, error) {
				panic("boom")
			}),
			"error": wrap(func(context.Context, *Call) (*Result, error) {
				return nil, errors.New("exploded")
			}),
			"empty": wrap(func(context.Context, *Call) (*Result, error) {
				return nil, nil
			}),
			"sleep": wrap(func(_ context.Context, call *Call) (*Result, error) {
				p.mu.Lock()
				p.active++
				if p.active > p.maxActive {
					p.maxActive = p.active
				}
				p.mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				p.mu.Lock()
				p.active--
				p.mu.Unlock()
				return Succeed(call.Name, "Success!", nil), nil
			}),
		},
		React: func(_ context.Context, call *Call) (*Result, error) {
			p.mu.Lock()
			p.reactions[call.ID]++
			p.mu.Unlock()
			return Succeed(call.Name, "Watch ran!", map[string]any{"watch": true}), nil
		},
	})
	if err != nil {
		t.Fatalf("failed to register test module: %v", err)
	}
	return reg, p
}

// ti builds a test module instruction whose declared id and name are id.
func ti(id, function string) LowInstruction {
	return NewInstruction("test", id, "test", function, id, nil)
}

// tid returns the instruction id of ti(id, function).
func tid(id, function string) string {
	return InstructionID("test", id, "test", function)
}

func ref(target string) Reference {
	return Reference{Module: "test", Target: target}
}

func runInstructions(t *testing.T, reg *Registry, cfg SchedulerConfig, instrs ...LowInstruction) (*RunContext, error) {
	t.Helper()

	graph, err := BuildGraph(instrs)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}

	rc := newRunContext("test-run", RunConfig{})
	rc.Load(instrs, graph)

	cfg.Logger = zerolog.Nop()
	err = NewScheduler(reg, cfg).Run(context.Background(), rc)
	return rc, err
}

func mustResult(t *testing.T, rc *RunContext, id string) *Result {
	t.Helper()
	r, ok := rc.Result(id)
	if !ok {
		t.Fatalf("no result for %s", id)
	}
	return r
}
