// Package render turns source files into high data documents.
//
// A renderer takes the raw bytes of one source and returns the top-level
// mapping of declared ids. Renderers are selected by name or, with the
// "auto" renderer, by file extension. Every renderer normalizes its output
// to map[string]any, []any and scalar leaves so the compiler sees one shape
// regardless of the source format.
package render

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Auto selects a renderer by file extension.
const Auto = "auto"

// Renderer converts source bytes into a high data mapping.
type Renderer interface {
	// Name is the renderer name used in run configuration.
	Name() string

	// Extensions lists the file extensions the renderer claims, with the dot.
	Extensions() []string

	// Render parses data read from source.
	Render(ctx context.Context, source string, data []byte) (map[string]any, error)
}

// Error reports a rendering failure at an optional position.
type Error struct {
	Renderer string
	File     string
	Line     int
	Column   int
	Message  string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	pos := e.File
	if e.Line > 0 {
		pos = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
	}
	return fmt.Sprintf("%s: %s render failed: %s", pos, e.Renderer, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

func renderError(renderer, file string, err error) *Error {
	return &Error{Renderer: renderer, File: file, Message: err.Error(), Err: err}
}

// Registry maps renderer names and extensions to renderers.
type Registry struct {
	mu         sync.RWMutex
	renderers  map[string]Renderer
	extensions map[string]string
}

// NewRegistry returns a registry with every built-in renderer.
func NewRegistry() *Registry {
	return NewRegistryWithTimeout(0)
}

// NewRegistryWithTimeout is NewRegistry with a Starlark execution bound.
func NewRegistryWithTimeout(starlarkTimeout time.Duration) *Registry {
	r := &Registry{
		renderers:  make(map[string]Renderer),
		extensions: make(map[string]string),
	}
	for _, renderer := range []Renderer{
		YAML{},
		JSON{},
		TOML{},
		NewCUE(),
		NewStarlark(starlarkTimeout),
		HCL{},
	} {
		if err := r.Register(renderer); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a renderer. Names must be unique; a later renderer takes
// over extensions claimed by an earlier one.
func (r *Registry) Register(renderer Renderer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := renderer.Name()
	if name == "" || name == Auto {
		return fmt.Errorf("invalid renderer name %q", name)
	}
	if _, exists := r.renderers[name]; exists {
		return fmt.Errorf("renderer %s already registered", name)
	}
	r.renderers[name] = renderer
	for _, ext := range renderer.Extensions() {
		r.extensions[strings.ToLower(ext)] = name
	}
	return nil
}

// Get returns the renderer registered under name.
func (r *Registry) Get(name string) (Renderer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	renderer, ok := r.renderers[name]
	return renderer, ok
}

// ForPath returns the renderer claiming the extension of path.
func (r *Registry) ForPath(path string) (Renderer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.extensions[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, false
	}
	return r.renderers[name], true
}

// Extensions returns every claimed extension in sorted order.
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exts := make([]string, 0, len(r.extensions))
	for ext := range r.extensions {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Names returns the registered renderer names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.renderers))
	for name := range r.renderers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve picks the renderer for path. An empty name means Auto.
func (r *Registry) Resolve(name, path string) (Renderer, error) {
	if name == "" || name == Auto {
		renderer, ok := r.ForPath(path)
		if !ok {
			return nil, fmt.Errorf("no renderer for extension %q of %s", filepath.Ext(path), path)
		}
		return renderer, nil
	}
	renderer, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown renderer %q", name)
	}
	return renderer, nil
}

// Render renders data read from path with the named renderer.
func (r *Registry) Render(ctx context.Context, name, path string, data []byte) (map[string]any, error) {
	renderer, err := r.Resolve(name, path)
	if err != nil {
		return nil, err
	}
	out, err := renderer.Render(ctx, path, data)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// Normalize converts decoded documents to map[string]any, []any and scalar
// leaves. Non-string keys are formatted with %v.
func Normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Normalize(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = Normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	default:
		return v
	}
}

// asDocument normalizes v and requires a top-level mapping.
func asDocument(renderer, source string, v any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	doc, ok := Normalize(v).(map[string]any)
	if !ok {
		return nil, &Error{
			Renderer: renderer,
			File:     source,
			Message:  fmt.Sprintf("top level must be a mapping, got %T", v),
		}
	}
	return doc, nil
}
