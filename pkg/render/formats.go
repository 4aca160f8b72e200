package render

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// YAML renders YAML documents.
type YAML struct{}

// Name implements Renderer.
func (YAML) Name() string { return "yaml" }

// Extensions implements Renderer.
func (YAML) Extensions() []string { return []string{".sls", ".yaml", ".yml"} }

// Render implements Renderer.
func (y YAML) Render(_ context.Context, source string, data []byte) (map[string]any, error) {
	var out any
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, renderError(y.Name(), source, err)
	}
	return asDocument(y.Name(), source, out)
}

// JSON renders JSON documents.
type JSON struct{}

// Name implements Renderer.
func (JSON) Name() string { return "json" }

// Extensions implements Renderer.
func (JSON) Extensions() []string { return []string{".json"} }

// Render implements Renderer.
func (j JSON) Render(_ context.Context, source string, data []byte) (map[string]any, error) {
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		rerr := renderError(j.Name(), source, err)
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			rerr.Line, rerr.Column = lineColumn(data, syntaxErr.Offset)
		}
		return nil, rerr
	}
	return asDocument(j.Name(), source, out)
}

// TOML renders TOML documents.
type TOML struct{}

// Name implements Renderer.
func (TOML) Name() string { return "toml" }

// Extensions implements Renderer.
func (TOML) Extensions() []string { return []string{".toml"} }

// Render implements Renderer.
func (tr TOML) Render(_ context.Context, source string, data []byte) (map[string]any, error) {
	var out map[string]any
	if _, err := toml.Decode(string(data), &out); err != nil {
		rerr := renderError(tr.Name(), source, err)
		var parseErr toml.ParseError
		if errors.As(err, &parseErr) {
			rerr.Line = parseErr.Position.Line
			rerr.Message = parseErr.Message
		}
		return nil, rerr
	}
	return asDocument(tr.Name(), source, out)
}

func lineColumn(data []byte, offset int64) (int, int) {
	line, col := 1, 1
	for i := int64(0); i < offset && i < int64(len(data)); i++ {
		if data[i] == '\n' {
			line++
			col = 1
			continue
		}
		col++
	}
	return line, col
}
