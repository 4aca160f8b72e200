package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func fileInstr(function, name string) engine.LowInstruction {
	return engine.NewInstruction("web", "cfg", "file", function, name, nil)
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	var names []string
	for _, p := range eng.ListPolicies() {
		if !p.Builtin || !p.Enabled {
			t.Errorf("expected %s to be an enabled built-in", p.Name)
		}
		names = append(names, p.Name)
	}
	want := "command-guard,file-absolute-paths,protected-paths"
	if strings.Join(names, ",") != want {
		t.Errorf("expected %s, got %v", want, names)
	}
}

func TestEvaluate_Builtins(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		instr      engine.LowInstruction
		allowed    bool
		violations int
		warnings   int
	}{
		{"absolute file", fileInstr("managed", "/srv/app.conf"), true, 0, 0},
		{"relative file", fileInstr("managed", "app.conf"), false, 1, 0},
		{"protected dir", fileInstr("absent", "/etc/"), false, 1, 0},
		{"root", fileInstr("absent", "/"), false, 1, 0},
		{"directory on etc", fileInstr("directory", "/etc"), true, 0, 0},
		{"unguarded cmd", engine.NewInstruction("web", "hup", "cmd", "run", "kill -HUP 1", nil), true, 0, 1},
		{"guarded cmd", engine.NewInstruction("web", "mk", "cmd", "run", "make", map[string]any{"creates": "/opt/bin"}), true, 0, 0},
		{
			"reactive cmd",
			engine.NewInstruction("web", "hup", "cmd", "run", "reload", nil).
				Require(engine.RequisiteOnchanges, engine.Reference{Module: "file", Target: "cfg"}),
			true, 0, 0,
		},
		{"other module", engine.NewInstruction("web", "x", "test", "nop", "relative", nil), true, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.Evaluate(ctx, "run", []engine.LowInstruction{tt.instr})
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if result.Allowed != tt.allowed {
				t.Errorf("expected allowed=%v, got %v (%+v)", tt.allowed, result.Allowed, result.Violations)
			}
			if len(result.Violations) != tt.violations || len(result.Warnings) != tt.warnings {
				t.Errorf("expected %d violations and %d warnings, got %+v / %+v",
					tt.violations, tt.warnings, result.Violations, result.Warnings)
			}
			for _, v := range result.Violations {
				if v.Instruction != tt.instr.ID || v.Message == "" {
					t.Errorf("incomplete violation %+v", v)
				}
			}
		})
	}
}

func TestAdmit(t *testing.T) {
	eng := newTestEngine(t)
	var seen []Violation
	eng.OnViolation = func(run string, v Violation) {
		if run != "web" {
			t.Errorf("unexpected run %s", run)
		}
		seen = append(seen, v)
	}

	ok := []engine.LowInstruction{fileInstr("managed", "/srv/a")}
	if err := eng.Admit(context.Background(), "web", ok); err != nil {
		t.Fatalf("expected admission, got %v", err)
	}

	bad := []engine.LowInstruction{fileInstr("managed", "/srv/a"), fileInstr("managed", "rel")}
	err := eng.Admit(context.Background(), "web", bad)
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Code != engine.ErrCodePolicyDenied {
		t.Fatalf("expected policy denied error, got %v", err)
	}
	if !strings.Contains(err.Error(), "file-absolute-paths") {
		t.Errorf("expected policy name in %q", err.Error())
	}
	if len(seen) != 1 {
		t.Errorf("expected one reported violation, got %d", len(seen))
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	instrs := []engine.LowInstruction{fileInstr("managed", "rel")}

	if err := eng.DisablePolicy("file-absolute-paths"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	if err := eng.Admit(ctx, "r", instrs); err != nil {
		t.Errorf("expected disabled policy to be skipped, got %v", err)
	}

	if err := eng.SetPolicies(ctx, nil); err != nil {
		t.Fatalf("SetPolicies failed: %v", err)
	}
	if p, _ := eng.GetPolicy("file-absolute-paths"); p.Enabled {
		t.Errorf("expected disabled state to survive a reload")
	}

	if err := eng.EnablePolicy("file-absolute-paths"); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}
	if err := eng.Admit(ctx, "r", instrs); err == nil {
		t.Errorf("expected enabled policy to deny")
	}
	if err := eng.DisablePolicy("missing"); err == nil {
		t.Errorf("expected unknown policy error")
	}
}

func TestLoadPolicies_Custom(t *testing.T) {
	dir := t.TempDir()
	rego := `# Services must not be named test.
package converge.custom

import rego.v1

deny contains msg if {
	input.name == "forbidden"
	msg := sprintf("%s uses a forbidden name", [input.id])
}
`
	if err := os.WriteFile(filepath.Join(dir, "names.rego"), []byte(rego), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}
	p, err := eng.GetPolicy("names")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if p.Description != "Services must not be named test." {
		t.Errorf("unexpected description %q", p.Description)
	}

	instr := engine.NewInstruction("web", "svc", "test", "nop", "forbidden", nil)
	result, err := eng.Evaluate(context.Background(), "r", []engine.LowInstruction{instr})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Allowed || len(result.Violations) != 1 || result.Violations[0].Severity != SeverityError {
		t.Errorf("expected one error violation, got %+v", result)
	}
}

func TestSetPolicies_BadPolicyKeepsPrevious(t *testing.T) {
	eng := newTestEngine(t)
	before := len(eng.ListPolicies())

	err := eng.SetPolicies(context.Background(), []Policy{{Name: "broken", Rego: "package x\ndeny contains if {", Enabled: true}})
	if err == nil {
		t.Fatalf("expected compile error")
	}
	if len(eng.ListPolicies()) != before {
		t.Errorf("expected previous policies to remain")
	}

	err = eng.SetPolicies(context.Background(), []Policy{{Name: "file-absolute-paths", Rego: "package y", Enabled: true}})
	if err == nil {
		t.Errorf("expected duplicate name error")
	}
}
