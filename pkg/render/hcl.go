package render

import (
	"context"
	"fmt"
	"math/big"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
)

// HCL renders HCL files whose body holds only attributes. Each attribute is
// one declared id; quoted object keys carry the "module.function" entries:
//
//	nginx = {
//	  "pkg.installed" = [{ name = "nginx" }]
//	}
type HCL struct{}

// Name implements Renderer.
func (HCL) Name() string { return "hcl" }

// Extensions implements Renderer.
func (HCL) Extensions() []string { return []string{".hcl"} }

// Render implements Renderer.
func (h HCL) Render(_ context.Context, source string, data []byte) (map[string]any, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, source)
	if diags.HasErrors() {
		return nil, hclError(h.Name(), source, diags)
	}

	attrs, diags := file.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, hclError(h.Name(), source, diags)
	}

	out := make(map[string]any, len(attrs))
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, hclError(h.Name(), source, diags)
		}
		native, err := ctyToNative(val)
		if err != nil {
			return nil, &Error{
				Renderer: h.Name(),
				File:     source,
				Line:     attr.Range.Start.Line,
				Column:   attr.Range.Start.Column,
				Message:  fmt.Sprintf("attribute %s: %v", name, err),
				Err:      err,
			}
		}
		out[name] = native
	}
	return out, nil
}

func hclError(renderer, source string, diags hcl.Diagnostics) *Error {
	rerr := renderError(renderer, source, diags)
	for _, d := range diags {
		if d.Severity != hcl.DiagError {
			continue
		}
		if d.Subject != nil {
			rerr.File = d.Subject.Filename
			rerr.Line = d.Subject.Start.Line
			rerr.Column = d.Subject.Start.Column
		}
		rerr.Message = d.Summary
		if d.Detail != "" {
			rerr.Message += ": " + d.Detail
		}
		break
	}
	return rerr
}

// ctyToNative converts a cty value to map[string]any, []any and scalar
// leaves. Whole numbers become int64 so order hints keep their type.
func ctyToNative(v cty.Value) (any, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, nil
	}

	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil

	case ty == cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact {
				return i, nil
			}
		}
		var f float64
		if err := gocty.FromCtyValue(v, &f); err != nil {
			return nil, fmt.Errorf("could not convert number to float64: %w", err)
		}
		return f, nil

	case ty == cty.Bool:
		return v.True(), nil

	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		slice := make([]any, 0)
		it := v.ElementIterator()
		for it.Next() {
			_, val := it.Element()
			native, err := ctyToNative(val)
			if err != nil {
				return nil, err
			}
			slice = append(slice, native)
		}
		return slice, nil

	case ty.IsObjectType() || ty.IsMapType():
		m := make(map[string]any)
		it := v.ElementIterator()
		for it.Next() {
			key, val := it.Element()
			native, err := ctyToNative(val)
			if err != nil {
				return nil, fmt.Errorf("in attribute %q: %w", key.AsString(), err)
			}
			m[key.AsString()] = native
		}
		return m, nil

	default:
		return nil, fmt.Errorf("unsupported type %s", ty.FriendlyName())
	}
}
