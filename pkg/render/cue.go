package render

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// CUE renders CUE files. Definitions and hidden fields are dropped from the
// output, so a source may carry its own constraints next to its data.
type CUE struct {
	mu  sync.Mutex
	ctx *cue.Context
}

// NewCUE creates a CUE renderer.
func NewCUE() *CUE {
	return &CUE{ctx: cuecontext.New()}
}

// Name implements Renderer.
func (*CUE) Name() string { return "cue" }

// Extensions implements Renderer.
func (*CUE) Extensions() []string { return []string{".cue"} }

// Render implements Renderer.
func (c *CUE) Render(_ context.Context, source string, data []byte) (map[string]any, error) {
	// A cue.Context is not safe for concurrent use.
	c.mu.Lock()
	defer c.mu.Unlock()

	val := c.ctx.CompileBytes(data, cue.Filename(source))
	if err := val.Err(); err != nil {
		return nil, convertCUEError(c.Name(), source, err)
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEError(c.Name(), source, err)
	}

	var out any
	if err := val.Decode(&out); err != nil {
		return nil, renderError(c.Name(), source, err)
	}
	return asDocument(c.Name(), source, out)
}

// convertCUEError keeps the position of the first error and the details of
// all of them.
func convertCUEError(renderer, source string, err error) *Error {
	rerr := &Error{Renderer: renderer, File: source, Err: err}

	var details []string
	for i, e := range cueerrors.Errors(err) {
		if i == 0 {
			if pos := cueerrors.Positions(e); len(pos) > 0 {
				if f := pos[0].Filename(); f != "" {
					rerr.File = f
				}
				rerr.Line = pos[0].Line()
				rerr.Column = pos[0].Column()
			}
		}
		details = append(details, strings.TrimSpace(cueerrors.Details(e, nil)))
	}
	if len(details) == 0 {
		details = append(details, err.Error())
	}
	rerr.Message = strings.Join(details, "; ")
	return rerr
}

// highDataSchema constrains the top-level shape the compiler accepts.
const highDataSchema = `
#Argument: string | {[string]: _}

#Declaration: {
	"__sls__"?: string
	"__id__"?:  string
	[=~"\\."]: [...#Argument]
	...
}

#Exclude: string | {id: string} | {sls: string}

#HighData: {
	include?: [...string]
	exclude?: [...#Exclude]
	extend?: {[string]: #Declaration}
	[!~"^(include|exclude|extend)$"]: #Declaration
}
`

// SchemaValidator checks rendered documents against the high data schema
// before compilation, so shape errors carry a path.
type SchemaValidator struct {
	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value
}

// NewSchemaValidator compiles the built-in schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(highDataSchema, cue.Filename("highdata.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile high data schema: %w", err)
	}
	return &SchemaValidator{
		ctx:    ctx,
		schema: val.LookupPath(cue.ParsePath("#HighData")),
	}, nil
}

// Validate unifies doc with the schema.
func (sv *SchemaValidator) Validate(source string, doc map[string]any) error {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	dataVal := sv.ctx.Encode(doc)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode %s: %w", source, err)
	}

	unified := sv.schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEError("schema", source, err)
	}
	return nil
}
