// Package states provides the built-in state modules: test, cmd and file.
package states

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/openfroyo/converge/pkg/engine"
)

// Register adds every built-in module to reg.
func Register(reg *engine.Registry) error {
	for _, m := range []engine.Module{TestModule(), CmdModule(), FileModule()} {
		if err := reg.Register(m); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a handler registry with the built-in modules.
func NewRegistry() *engine.Registry {
	reg := engine.NewRegistry()
	if err := Register(reg); err != nil {
		panic(err)
	}
	return reg
}

// decode maps call arguments onto a typed parameter struct. Rendered
// documents carry loosely typed scalars, so "0644" and 0644 both decode into
// a string field.
func decode(args map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(args); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
