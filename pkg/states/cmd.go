package states

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
)

// DefaultShell runs commands given without explicit args.
const DefaultShell = "/bin/sh"

type cmdParams struct {
	Name    string            `mapstructure:"name"`
	Args    []string          `mapstructure:"args"`
	Shell   string            `mapstructure:"shell"`
	Cwd     string            `mapstructure:"cwd"`
	Env     map[string]string `mapstructure:"env"`
	Creates string            `mapstructure:"creates"`
	Unless  string            `mapstructure:"unless"`
	Onlyif  string            `mapstructure:"onlyif"`
	Timeout int               `mapstructure:"timeout"`
}

// CmdModule returns the "cmd" module. cmd.run executes its command on every
// apply unless a guard says otherwise; cmd.wait only executes when a watched
// target changed.
func CmdModule() engine.Module {
	return engine.Module{
		Name: "cmd",
		Functions: map[string]engine.Function{
			"run":  cmdRun,
			"wait": cmdWait,
		},
		React: cmdModWatch,
	}
}

func cmdRun(ctx context.Context, call *engine.Call) (*engine.Result, error) {
	p, err := decodeCmd(call)
	if err != nil {
		return nil, err
	}

	if skip, comment, err := p.guard(ctx); err != nil {
		return nil, err
	} else if skip {
		return engine.Succeed(call.Name, comment, nil), nil
	}

	if call.Test {
		return engine.WouldChange(call.Name, fmt.Sprintf("Command %q would have been executed", p.Name), nil), nil
	}
	return p.execute(ctx, call.Name)
}

func cmdWait(_ context.Context, call *engine.Call) (*engine.Result, error) {
	return engine.Succeed(call.Name, "", nil), nil
}

func cmdModWatch(ctx context.Context, call *engine.Call) (*engine.Result, error) {
	p, err := decodeCmd(call)
	if err != nil {
		return nil, err
	}
	if call.Test {
		return engine.WouldChange(call.Name, fmt.Sprintf("Command %q would have been executed", p.Name), nil), nil
	}
	return p.execute(ctx, call.Name)
}

func decodeCmd(call *engine.Call) (*cmdParams, error) {
	var p cmdParams
	if err := decode(call.Arguments, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, fmt.Errorf("command is required")
	}
	if p.Shell == "" {
		p.Shell = DefaultShell
	}
	return &p, nil
}

// guard evaluates creates, unless and onlyif. It returns true when the
// command must not run.
func (p *cmdParams) guard(ctx context.Context) (bool, string, error) {
	if p.Creates != "" {
		if _, err := os.Stat(p.Creates); err == nil {
			return true, fmt.Sprintf("%s exists", p.Creates), nil
		}
	}
	if p.Unless != "" {
		code, err := p.runCheck(ctx, p.Unless)
		if err != nil {
			return false, "", err
		}
		if code == 0 {
			return true, "unless condition is true", nil
		}
	}
	if p.Onlyif != "" {
		code, err := p.runCheck(ctx, p.Onlyif)
		if err != nil {
			return false, "", err
		}
		if code != 0 {
			return true, "onlyif condition is false", nil
		}
	}
	return false, "", nil
}

func (p *cmdParams) runCheck(ctx context.Context, command string) (int, error) {
	cmd := exec.CommandContext(ctx, p.Shell, "-c", command)
	p.prepare(cmd)
	return exitCode(cmd.Run())
}

func (p *cmdParams) command(ctx context.Context) *exec.Cmd {
	var cmd *exec.Cmd
	if len(p.Args) > 0 {
		cmd = exec.CommandContext(ctx, p.Name, p.Args...)
	} else {
		cmd = exec.CommandContext(ctx, p.Shell, "-c", p.Name)
	}
	p.prepare(cmd)
	return cmd
}

func (p *cmdParams) prepare(cmd *exec.Cmd) {
	if p.Cwd != "" {
		cmd.Dir = p.Cwd
	}
	if len(p.Env) > 0 {
		keys := make([]string, 0, len(p.Env))
		for k := range p.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		cmd.Env = os.Environ()
		for _, k := range keys {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, p.Env[k]))
		}
	}
}

func (p *cmdParams) execute(ctx context.Context, name string) (*engine.Result, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(p.Timeout)*time.Second)
		defer cancel()
	}

	cmd := p.command(ctx)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	code, err := exitCode(cmd.Run())
	if err != nil {
		return nil, fmt.Errorf("failed to execute command: %w", err)
	}

	changes := map[string]any{
		"retcode":  code,
		"stdout":   stdout.String(),
		"stderr":   stderr.String(),
		"duration": time.Since(start).Seconds(),
	}
	comment := fmt.Sprintf("Command %q run", p.Name)
	if code != 0 {
		return engine.Fail(name, fmt.Sprintf("%s, exit code %d", comment, code), changes), nil
	}
	return engine.Succeed(name, comment, changes), nil
}

// exitCode separates a non-zero exit from a failure to run at all.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
