package render

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

// nopState is the shape every renderer must produce for the sample sources.
var nopState = map[string]any{
	"foo": map[string]any{
		"test.nop": []any{map[string]any{"name": "foo"}},
	},
}

func TestRegistry_RenderFormats(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()

	tests := []struct {
		path string
		data string
	}{
		{"foo.sls", "foo:\n  test.nop:\n    - name: foo\n"},
		{"foo.yaml", "foo:\n  test.nop:\n    - name: foo\n"},
		{"foo.json", `{"foo": {"test.nop": [{"name": "foo"}]}}`},
		{"foo.toml", "[foo]\n\"test.nop\" = [{ name = \"foo\" }]\n"},
		{"foo.cue", "foo: \"test.nop\": [{name: \"foo\"}]\n"},
		{"foo.star", "foo = {\"test.nop\": [{\"name\": \"foo\"}]}\n"},
		{"foo.hcl", "foo = {\n  \"test.nop\" = [{ name = \"foo\" }]\n}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := reg.Render(ctx, Auto, tt.path, []byte(tt.data))
			if err != nil {
				t.Fatalf("Render failed: %v", err)
			}
			if !reflect.DeepEqual(got, nopState) {
				t.Errorf("expected %v, got %v", nopState, got)
			}
		})
	}
}

func TestRegistry_Resolve(t *testing.T) {
	reg := NewRegistry()

	if r, err := reg.Resolve("", "a.YML"); err != nil || r.Name() != "yaml" {
		t.Errorf("expected yaml for .YML, got %v, %v", r, err)
	}
	if r, err := reg.Resolve("json", "a.sls"); err != nil || r.Name() != "json" {
		t.Errorf("expected explicit renderer to win, got %v, %v", r, err)
	}
	if _, err := reg.Resolve("", "a.txt"); err == nil {
		t.Errorf("expected error for unknown extension")
	}
	if _, err := reg.Resolve("jinja", "a.sls"); err == nil {
		t.Errorf("expected error for unknown renderer")
	}

	want := []string{"cue", "hcl", "json", "star", "toml", "yaml"}
	if got := reg.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if err := reg.Register(YAML{}); err == nil {
		t.Errorf("expected duplicate registration to fail")
	}
}

func TestRender_Errors(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()

	tests := []struct {
		path     string
		data     string
		wantLine bool
	}{
		{"bad.yaml", "foo: [unclosed\n", false},
		{"bad.json", "{\n  \"foo\": ,\n}", true},
		{"bad.toml", "[foo\n", false},
		{"bad.cue", "foo: {\n  a: 1\n  a: 2\n}\n", true},
		{"bad.star", "foo = undefined_name\n", false},
		{"bad.hcl", "foo = {\n", true},
		{"list.yaml", "- a\n- b\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, err := reg.Render(ctx, Auto, tt.path, []byte(tt.data))
			var rerr *Error
			if !errors.As(err, &rerr) {
				t.Fatalf("expected render error, got %v", err)
			}
			if tt.wantLine && rerr.Line == 0 {
				t.Errorf("expected a line number in %v", rerr)
			}
			if !strings.Contains(rerr.Error(), "render failed") {
				t.Errorf("unexpected message %q", rerr.Error())
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	in := map[string]any{
		"a": map[any]any{1: "one", "b": []any{map[any]any{"c": true}}},
	}
	want := map[string]any{
		"a": map[string]any{"1": "one", "b": []any{map[string]any{"c": true}}},
	}
	if got := Normalize(in); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestStarlark_DropsCallablesAndPrivateGlobals(t *testing.T) {
	script := `
def pkg(name):
    return {"test.nop": [{"name": name}]}

_hidden = 1
web = pkg("nginx")
source = sls
order = struct(first = 1)
`
	got, err := NewStarlark(time.Second).Render(context.Background(), "web.star", []byte(script))
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if _, ok := got["pkg"]; ok {
		t.Errorf("functions must not become declarations")
	}
	if _, ok := got["_hidden"]; ok {
		t.Errorf("private globals must not become declarations")
	}
	if got["source"] != "web.star" {
		t.Errorf("expected sls to hold the source, got %v", got["source"])
	}
	if got["order"].(map[string]any)["first"] != int64(1) {
		t.Errorf("expected struct to convert to a mapping, got %v", got["order"])
	}
}

func TestStarlark_Timeout(t *testing.T) {
	script := `
def spin():
    n = 0
    for i in range(1000000000):
        n += i
    return n

x = spin()
`
	_, err := NewStarlark(50*time.Millisecond).Render(context.Background(), "slow.star", []byte(script))
	var rerr *Error
	if !errors.As(err, &rerr) || !strings.Contains(rerr.Message, "timeout") {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestHCL_Numbers(t *testing.T) {
	got, err := HCL{}.Render(context.Background(), "n.hcl", []byte("a = {\n  \"test.nop\" = [{ order = 3 }, { ratio = 1.5 }]\n}\n"))
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	args := got["a"].(map[string]any)["test.nop"].([]any)
	if args[0].(map[string]any)["order"] != int64(3) {
		t.Errorf("expected whole numbers to be int64, got %T", args[0].(map[string]any)["order"])
	}
	if args[1].(map[string]any)["ratio"] != 1.5 {
		t.Errorf("expected fractional numbers to be float64")
	}
}

func TestSchemaValidator(t *testing.T) {
	sv, err := NewSchemaValidator()
	if err != nil {
		t.Fatalf("NewSchemaValidator failed: %v", err)
	}

	valid := map[string]any{
		"include": []any{"base"},
		"exclude": []any{"old", map[string]any{"id": "legacy"}},
		"foo": map[string]any{
			"__sls__":  "web",
			"__id__":   "foo_id",
			"test.nop": []any{"nop", map[string]any{"name": "foo"}},
			"name":     "foo",
		},
	}
	if err := sv.Validate("web", valid); err != nil {
		t.Errorf("expected valid document, got %v", err)
	}

	invalid := []map[string]any{
		{"foo": map[string]any{"test.nop": "oops"}},
		{"include": "base"},
		{"foo": "bar"},
		{"foo": map[string]any{"__id__": 5, "test.nop": []any{}}},
		{"foo": map[string]any{"__sls__": []any{"web"}, "test.nop": []any{}}},
	}
	for _, doc := range invalid {
		if err := sv.Validate("web", doc); err == nil {
			t.Errorf("expected %v to be rejected", doc)
		}
	}
}
