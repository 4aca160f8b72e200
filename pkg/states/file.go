package states

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/openfroyo/converge/pkg/engine"
)

type fileParams struct {
	Name     string `mapstructure:"name"`
	Contents string `mapstructure:"contents"`
	Source   string `mapstructure:"source"`
	Mode     any    `mapstructure:"mode"`
	Makedirs bool   `mapstructure:"makedirs"`
	Backup   bool   `mapstructure:"backup"`
}

// FileModule returns the "file" module.
func FileModule() engine.Module {
	return engine.Module{
		Name: "file",
		Functions: map[string]engine.Function{
			"managed":   fileManaged,
			"absent":    fileAbsent,
			"directory": fileDirectory,
		},
	}
}

func decodeFile(call *engine.Call) (*fileParams, os.FileMode, error) {
	var p fileParams
	if err := decode(call.Arguments, &p); err != nil {
		return nil, 0, err
	}
	if p.Name == "" {
		return nil, 0, fmt.Errorf("path is required")
	}
	if !filepath.IsAbs(p.Name) {
		return nil, 0, fmt.Errorf("path must be absolute: %s", p.Name)
	}
	mode, err := parseMode(p.Mode)
	if err != nil {
		return nil, 0, err
	}
	return &p, mode, nil
}

// parseMode accepts octal strings ("0644") and integers. Renderers that read
// 0644 as an octal literal hand over 420, which is the same permission.
func parseMode(v any) (os.FileMode, error) {
	switch m := v.(type) {
	case nil:
		return 0, nil
	case string:
		if m == "" {
			return 0, nil
		}
		n, err := strconv.ParseUint(m, 8, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid mode: %w", err)
		}
		return os.FileMode(n).Perm(), nil
	case int:
		return os.FileMode(m).Perm(), nil
	case int64:
		return os.FileMode(m).Perm(), nil
	case uint64:
		return os.FileMode(m).Perm(), nil
	case float64:
		return os.FileMode(int64(m)).Perm(), nil
	default:
		return 0, fmt.Errorf("invalid mode type %T", v)
	}
}

func fileManaged(_ context.Context, call *engine.Call) (*engine.Result, error) {
	p, mode, err := decodeFile(call)
	if err != nil {
		return nil, err
	}

	content := []byte(p.Contents)
	if p.Source != "" {
		content, err = os.ReadFile(p.Source)
		if err != nil {
			return nil, fmt.Errorf("failed to read source: %w", err)
		}
	}
	want := checksum(content)

	info, err := os.Stat(p.Name)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if exists && info.IsDir() {
		return engine.Fail(call.Name, fmt.Sprintf("%s is a directory", p.Name), nil), nil
	}

	changes := map[string]any{}
	var have string
	if exists {
		current, err := os.ReadFile(p.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
		have = checksum(current)
	}
	if !exists {
		changes["new"] = "file created"
	} else if have != want {
		changes["diff"] = map[string]any{"old": "sha256:" + have, "new": "sha256:" + want}
	}
	if mode != 0 && (!exists || info.Mode().Perm() != mode) {
		old := ""
		if exists {
			old = fmt.Sprintf("%04o", info.Mode().Perm())
		}
		changes["mode"] = map[string]any{"old": old, "new": fmt.Sprintf("%04o", mode)}
	}

	if len(changes) == 0 {
		return engine.Succeed(call.Name, fmt.Sprintf("File %s is in the correct state", p.Name), nil), nil
	}
	if call.Test {
		return engine.WouldChange(call.Name, fmt.Sprintf("File %s is set to be updated", p.Name), changes), nil
	}

	dir := filepath.Dir(p.Name)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		if !p.Makedirs {
			return engine.Fail(call.Name, fmt.Sprintf("Parent directory %s does not exist", dir), nil), nil
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	if exists && have != want {
		if p.Backup {
			backup := p.Name + ".bak"
			if err := copyFile(p.Name, backup); err != nil {
				return nil, fmt.Errorf("failed to create backup: %w", err)
			}
			changes["backup"] = backup
		}
	}

	perm := mode
	if perm == 0 {
		perm = 0o644
		if exists {
			perm = info.Mode().Perm()
		}
	}
	if !exists || have != want {
		if err := os.WriteFile(p.Name, content, perm); err != nil {
			return nil, fmt.Errorf("failed to write file: %w", err)
		}
	}
	if mode != 0 {
		if err := os.Chmod(p.Name, mode); err != nil {
			return nil, fmt.Errorf("failed to set mode: %w", err)
		}
	}

	return engine.Succeed(call.Name, fmt.Sprintf("File %s updated", p.Name), changes), nil
}

func fileAbsent(_ context.Context, call *engine.Call) (*engine.Result, error) {
	p, _, err := decodeFile(call)
	if err != nil {
		return nil, err
	}

	info, err := os.Lstat(p.Name)
	if errors.Is(err, fs.ErrNotExist) {
		return engine.Succeed(call.Name, fmt.Sprintf("File %s is not present", p.Name), nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	kind := "file"
	if info.IsDir() {
		kind = "directory"
	}
	changes := map[string]any{"removed": p.Name}
	if call.Test {
		return engine.WouldChange(call.Name, fmt.Sprintf("%s %s is set for removal", kind, p.Name), changes), nil
	}
	if err := os.RemoveAll(p.Name); err != nil {
		return nil, fmt.Errorf("failed to remove %s: %w", kind, err)
	}
	return engine.Succeed(call.Name, fmt.Sprintf("Removed %s %s", kind, p.Name), changes), nil
}

func fileDirectory(_ context.Context, call *engine.Call) (*engine.Result, error) {
	p, mode, err := decodeFile(call)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(p.Name)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat directory: %w", err)
	}
	exists := err == nil
	if exists && !info.IsDir() {
		return engine.Fail(call.Name, fmt.Sprintf("%s exists and is not a directory", p.Name), nil), nil
	}

	changes := map[string]any{}
	if !exists {
		changes[p.Name] = "New Dir"
	}
	if mode != 0 && (!exists || info.Mode().Perm() != mode) {
		changes["mode"] = fmt.Sprintf("%04o", mode)
	}
	if len(changes) == 0 {
		return engine.Succeed(call.Name, fmt.Sprintf("Directory %s is in the correct state", p.Name), nil), nil
	}
	if call.Test {
		return engine.WouldChange(call.Name, fmt.Sprintf("Directory %s is set to be updated", p.Name), changes), nil
	}

	if !exists {
		if _, err := os.Stat(filepath.Dir(p.Name)); errors.Is(err, fs.ErrNotExist) && !p.Makedirs {
			return engine.Fail(call.Name, fmt.Sprintf("Parent directory of %s does not exist", p.Name), nil), nil
		}
		perm := mode
		if perm == 0 {
			perm = 0o755
		}
		if err := os.MkdirAll(p.Name, perm); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}
	if mode != 0 {
		if err := os.Chmod(p.Name, mode); err != nil {
			return nil, fmt.Errorf("failed to set mode: %w", err)
		}
	}
	return engine.Succeed(call.Name, fmt.Sprintf("Directory %s updated", p.Name), changes), nil
}

func checksum(content []byte) string {
	hash := sha256.Sum256(content)
	return fmt.Sprintf("%x", hash)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
