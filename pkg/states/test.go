package states

import (
	"context"

	"github.com/openfroyo/converge/pkg/engine"
)

// Comments reported by the test module.
const (
	CommentSuccess  = "Success!"
	CommentFailure  = "Failure!"
	CommentWatchRan = "Watch ran!"
)

// PretendChanges is the change set reported by the *_with_changes functions.
func PretendChanges() map[string]any {
	return map[string]any{
		"testing": map[string]any{
			"old": "Unchanged",
			"new": "Something pretended to change",
		},
	}
}

// TestModule returns the "test" module. Its functions never touch the system
// and exist to exercise requisites, reactions and injection.
func TestModule() engine.Module {
	return engine.Module{
		Name: "test",
		Functions: map[string]engine.Function{
			"nop":                     succeedWithoutChanges,
			"succeed_without_changes": succeedWithoutChanges,
			"succeed_with_changes":    succeedWithChanges,
			"fail_without_changes":    failWithoutChanges,
			"fail_with_changes":       failWithChanges,
			"configurable_test_state": configurableTestState,
			"update_low":              updateLow,
		},
		React: testModWatch,
	}
}

func succeedWithoutChanges(_ context.Context, call *engine.Call) (*engine.Result, error) {
	return engine.Succeed(call.Name, CommentSuccess, nil), nil
}

func succeedWithChanges(_ context.Context, call *engine.Call) (*engine.Result, error) {
	if call.Test {
		return engine.WouldChange(call.Name, CommentSuccess, PretendChanges()), nil
	}
	return engine.Succeed(call.Name, CommentSuccess, PretendChanges()), nil
}

func failWithoutChanges(_ context.Context, call *engine.Call) (*engine.Result, error) {
	return engine.Fail(call.Name, CommentFailure, nil), nil
}

func failWithChanges(_ context.Context, call *engine.Call) (*engine.Result, error) {
	return engine.Fail(call.Name, CommentFailure, PretendChanges()), nil
}

type configurableParams struct {
	Changes bool   `mapstructure:"changes"`
	Result  *bool  `mapstructure:"result"`
	Comment string `mapstructure:"comment"`
}

// configurableTestState reports whatever its arguments ask for. An absent
// result is success.
func configurableTestState(_ context.Context, call *engine.Call) (*engine.Result, error) {
	var p configurableParams
	if err := decode(call.Arguments, &p); err != nil {
		return nil, err
	}

	var changes map[string]any
	if p.Changes {
		changes = PretendChanges()
	}

	switch {
	case call.Test && p.Changes:
		return engine.WouldChange(call.Name, p.Comment, changes), nil
	case p.Result != nil && !*p.Result:
		return engine.Fail(call.Name, p.Comment, changes), nil
	default:
		return engine.Succeed(call.Name, p.Comment, changes), nil
	}
}

// updateLow appends an extra nop instruction to the running sequence.
func updateLow(_ context.Context, call *engine.Call) (*engine.Result, error) {
	call.Inject(engine.NewInstruction("none", "king_arthur", "test", "nop", "totally_extra_alls", nil))
	return engine.Succeed(call.Name, CommentSuccess, nil), nil
}

func testModWatch(_ context.Context, call *engine.Call) (*engine.Result, error) {
	return engine.Succeed(call.Name, CommentWatchRan, map[string]any{"watch": true}), nil
}
