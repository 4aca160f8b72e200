// Package resolve locates source references under the configured source
// roots, renders them and follows their includes.
package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/render"
)

// SnapshotFile is written under <cache_dir>/<run>/ after a gather.
const SnapshotFile = "highdata.json"

// Gatherer implements engine.Gatherer over the local filesystem.
type Gatherer struct {
	renderers *render.Registry
	schema    *render.SchemaValidator
	logger    zerolog.Logger
}

// NewGatherer creates a gatherer. schema may be nil to skip shape checks.
func NewGatherer(renderers *render.Registry, schema *render.SchemaValidator, logger zerolog.Logger) *Gatherer {
	if renderers == nil {
		renderers = render.NewRegistry()
	}
	return &Gatherer{
		renderers: renderers,
		schema:    schema,
		logger:    logger.With().Str("component", "gather").Logger(),
	}
}

// located is one resolved source.
type located struct {
	ref  string
	path string
	init bool
}

// gathering carries the state of one Gather call.
type gathering struct {
	g        *Gatherer
	req      engine.GatherRequest
	roots    []string
	visited  map[string]bool
	visiting map[string]bool
	docs     []engine.Document
}

// Gather resolves every target, renders it and its includes, and returns
// the documents with includes ahead of their includers. Each reference is
// rendered at most once.
func (g *Gatherer) Gather(ctx context.Context, req engine.GatherRequest) ([]engine.Document, error) {
	if len(req.Targets) == 0 {
		return nil, fmt.Errorf("no targets given")
	}

	roots := req.Sources
	if len(roots) == 0 {
		roots = []string{"."}
	}
	st := &gathering{
		g:        g,
		req:      req,
		roots:    roots,
		visited:  make(map[string]bool),
		visiting: make(map[string]bool),
	}

	for _, target := range req.Targets {
		loc, err := st.locate(target)
		if err != nil {
			return nil, err
		}
		if err := st.visit(ctx, loc); err != nil {
			return nil, err
		}
	}

	if req.CacheDir != "" {
		if err := writeSnapshot(req.CacheDir, req.Run, st.docs); err != nil {
			return nil, err
		}
	}

	g.logger.Debug().
		Str("run", req.Run).
		Int("documents", len(st.docs)).
		Msg("Gathered sources")
	return st.docs, nil
}

func (st *gathering) visit(ctx context.Context, loc located) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if st.visited[loc.ref] || st.visiting[loc.ref] {
		return nil
	}
	st.visiting[loc.ref] = true
	defer delete(st.visiting, loc.ref)

	data, err := os.ReadFile(loc.path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", loc.path, err)
	}
	doc, err := st.g.renderers.Render(ctx, st.req.Renderer, loc.path, data)
	if err != nil {
		return err
	}
	if st.g.schema != nil {
		if err := st.g.schema.Validate(loc.path, doc); err != nil {
			return err
		}
	}

	includes, err := includeRefs(doc[engine.KeyInclude])
	if err != nil {
		return fmt.Errorf("%s: %w", loc.path, err)
	}
	for _, inc := range includes {
		ref, err := resolveRelative(loc, inc)
		if err != nil {
			return fmt.Errorf("%s: %w", loc.path, err)
		}
		incLoc, err := st.locate(ref)
		if err != nil {
			return fmt.Errorf("%s: include %s: %w", loc.path, inc, err)
		}
		if err := st.visit(ctx, incLoc); err != nil {
			return err
		}
	}

	st.visited[loc.ref] = true
	st.docs = append(st.docs, engine.Document{Source: loc.ref, Data: doc})
	st.g.logger.Debug().Str("ref", loc.ref).Str("path", loc.path).Msg("Rendered source")
	return nil
}

// locate maps a reference to a file. "a.b" becomes a/b.<ext> or
// a/b/init.<ext> under the first root that has one. A reference naming an
// existing file is used as is.
func (st *gathering) locate(ref string) (located, error) {
	if info, err := os.Stat(ref); err == nil && !info.IsDir() {
		base := filepath.Base(ref)
		return located{ref: strings.TrimSuffix(base, filepath.Ext(base)), path: ref}, nil
	}

	exts := st.extensions()
	rel := filepath.FromSlash(strings.ReplaceAll(ref, ".", "/"))
	for _, root := range st.roots {
		for _, ext := range exts {
			candidate := filepath.Join(root, rel+ext)
			if isFile(candidate) {
				return located{ref: ref, path: candidate}, nil
			}
		}
		for _, ext := range exts {
			candidate := filepath.Join(root, rel, "init"+ext)
			if isFile(candidate) {
				return located{ref: ref, path: candidate, init: true}, nil
			}
		}
	}
	return located{}, engine.NewPermanentError(fmt.Sprintf("source %s not found", ref), nil).
		WithCode(engine.ErrCodeNotFound).
		WithResource(ref).
		WithDetail("roots", st.roots)
}

func (st *gathering) extensions() []string {
	if st.req.Renderer == "" || st.req.Renderer == render.Auto {
		return st.g.renderers.Extensions()
	}
	if r, ok := st.g.renderers.Get(st.req.Renderer); ok {
		return r.Extensions()
	}
	return st.g.renderers.Extensions()
}

// resolveRelative expands an include that starts with dots. One dot is the
// package of the including source; each further dot goes up one level.
func resolveRelative(from located, inc string) (string, error) {
	if !strings.HasPrefix(inc, ".") {
		return inc, nil
	}
	trimmed := strings.TrimLeft(inc, ".")
	levels := len(inc) - len(trimmed) - 1

	var pkg []string
	if from.ref != "" {
		pkg = strings.Split(from.ref, ".")
	}
	if !from.init && len(pkg) > 0 {
		pkg = pkg[:len(pkg)-1]
	}
	if levels > len(pkg) {
		return "", fmt.Errorf("relative include %s escapes the source root", inc)
	}
	pkg = pkg[:len(pkg)-levels]
	if trimmed == "" {
		return "", fmt.Errorf("relative include %s names no source", inc)
	}
	return strings.Join(append(pkg, trimmed), "."), nil
}

func includeRefs(v any) ([]string, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{val}, nil
	case []any:
		refs := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("include entries must be strings, got %T", item)
			}
			refs = append(refs, s)
		}
		return refs, nil
	default:
		return nil, fmt.Errorf("include must be a list, got %T", v)
	}
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func writeSnapshot(cacheDir, run string, docs []engine.Document) error {
	dir := filepath.Join(cacheDir, run)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, SnapshotFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}
