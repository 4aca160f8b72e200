package render

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultStarlarkTimeout bounds the execution of one script.
const DefaultStarlarkTimeout = 30 * time.Second

// Starlark renders Starlark scripts. Every public global that is not
// callable becomes a top-level declaration. The predeclared "sls" holds the
// source path.
type Starlark struct {
	timeout time.Duration
}

// NewStarlark creates a Starlark renderer. A zero timeout means
// DefaultStarlarkTimeout.
func NewStarlark(timeout time.Duration) *Starlark {
	if timeout == 0 {
		timeout = DefaultStarlarkTimeout
	}
	return &Starlark{timeout: timeout}
}

// Name implements Renderer.
func (*Starlark) Name() string { return "star" }

// Extensions implements Renderer.
func (*Starlark) Extensions() []string { return []string{".star"} }

// Render implements Renderer.
func (s *Starlark) Render(ctx context.Context, source string, data []byte) (map[string]any, error) {
	evalCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "render:" + source,
		Print: func(*starlark.Thread, string) {},
	}

	type evalResult struct {
		out map[string]any
		err error
	}
	resultCh := make(chan evalResult, 1)
	go func() {
		out, err := s.evaluate(thread, source, data)
		resultCh <- evalResult{out: out, err: err}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel(evalCtx.Err().Error())
		<-resultCh
		return nil, &Error{
			Renderer: s.Name(),
			File:     source,
			Message:  fmt.Sprintf("execution timeout after %v", s.timeout),
			Err:      evalCtx.Err(),
		}
	case res := <-resultCh:
		return res.out, res.err
	}
}

func (s *Starlark) evaluate(thread *starlark.Thread, source string, data []byte) (map[string]any, error) {
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"sls":    starlark.String(source),
	}

	globals, err := starlark.ExecFile(thread, source, data, predeclared)
	if err != nil {
		rerr := renderError(s.Name(), source, err)
		if evalErr, ok := err.(*starlark.EvalError); ok {
			rerr.Message = evalErr.Backtrace()
		}
		return nil, rerr
	}

	names := make([]string, 0, len(globals))
	for name := range globals {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]any)
	for _, name := range names {
		if name[0] == '_' {
			continue
		}
		val := globals[name]
		if _, callable := val.(starlark.Callable); callable {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, renderError(s.Name(), source, fmt.Errorf("failed to convert %s: %w", name, err))
		}
		out[name] = goVal
	}
	return out, nil
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]any, len(val))
		for i, item := range val {
			goItem, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]any)
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
