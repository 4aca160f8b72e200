package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/stores"
)

func writeSources(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"web.sls":    "include:\n  - base\nsvc:\n  test.succeed_with_changes:\n    - require:\n      - test: pkg\n",
		"base.sls":   "pkg:\n  test.nop: []\n",
		"broken.sls": "bad:\n  test.fail_without_changes: []\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
	return root
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand("test", "abc123", "today")
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestApply(t *testing.T) {
	root := writeSources(t)

	out, err := run(t, "apply", "--json", "-s", root, "-n", "web", "web")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	var report engine.Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, out)
	}
	rr, ok := report["web"]
	if !ok {
		t.Fatalf("expected run web in %v", report)
	}
	if rr.Status != engine.RunStatusSucceeded {
		t.Errorf("expected succeeded, got %s", rr.Status)
	}
	if rr.Summary.Total != 2 || rr.Summary.Changed != 1 {
		t.Errorf("unexpected summary %+v", rr.Summary)
	}
}

func TestApply_HumanOutput(t *testing.T) {
	root := writeSources(t)

	out, err := run(t, "apply", "-s", root, "web")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	for _, want := range []string{"ID: svc", "Function: test.succeed_with_changes", "Result: True", "Total states run: 2"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestApply_FailedRunExitCode(t *testing.T) {
	root := writeSources(t)

	_, err := run(t, "apply", "-s", root, "broken")
	if !errors.Is(err, errRunFailed) {
		t.Fatalf("expected errRunFailed, got %v", err)
	}
	if code := ExitCode(err); code != 2 {
		t.Errorf("expected exit code 2, got %d", code)
	}

	_, err = run(t, "apply", "-s", root, "missing")
	if err == nil || errors.Is(err, errRunFailed) {
		t.Fatalf("expected gather error, got %v", err)
	}
	if code := ExitCode(err); code != 1 {
		t.Errorf("expected exit code 1, got %d", code)
	}
}

func TestCompileAndGraph(t *testing.T) {
	root := writeSources(t)

	out, err := run(t, "compile", "--json", "-s", root, "web")
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	var instrs []engine.LowInstruction
	if err := json.Unmarshal([]byte(out), &instrs); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if len(instrs) != 2 {
		t.Errorf("expected 2 instructions, got %d", len(instrs))
	}

	out, err = run(t, "compile", "-s", root, "web")
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	if !strings.Contains(out, "succeed_with_changes") {
		t.Errorf("expected YAML output to name the function:\n%s", out)
	}

	out, err = run(t, "graph", "-s", root, "web")
	if err != nil {
		t.Fatalf("graph failed: %v", err)
	}
	if !strings.HasPrefix(out, "digraph") {
		t.Errorf("expected DOT output, got:\n%s", out)
	}
}

func TestValidate(t *testing.T) {
	root := writeSources(t)

	out, err := run(t, "validate", "-s", root, "web")
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if !strings.Contains(out, "Compiled 2 instruction(s) into 2 round(s)") || !strings.Contains(out, "OK") {
		t.Errorf("unexpected output:\n%s", out)
	}

	if _, err := run(t, "validate", "-s", root, "nowhere"); err == nil {
		t.Errorf("expected missing source to fail validation")
	}
}

func TestHistory(t *testing.T) {
	root := writeSources(t)
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "converge.yaml")
	cfg := "state_db: " + filepath.Join(dir, "history.db") + "\nsources:\n  - " + root + "\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := run(t, "apply", "-c", cfgPath, "-n", "web", "web"); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if _, err := run(t, "apply", "-c", cfgPath, "-n", "broken", "broken"); !errors.Is(err, errRunFailed) {
		t.Fatalf("expected failed run, got %v", err)
	}

	out, err := run(t, "history", "--json", "-c", cfgPath)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	var runs []*stores.RunRecord
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}

	out, err = run(t, "history", "-c", cfgPath, "--status", "failed")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if !strings.Contains(out, "broken") || strings.Contains(out, " web ") {
		t.Errorf("expected only the failed run:\n%s", out)
	}

	var webID string
	for _, r := range runs {
		if r.Name == "web" {
			webID = r.ID
		}
	}
	out, err = run(t, "history", "-c", cfgPath, webID)
	if err != nil {
		t.Fatalf("history show failed: %v", err)
	}
	if !strings.Contains(out, "[success] svc test.succeed_with_changes") {
		t.Errorf("expected instruction records:\n%s", out)
	}

	out, err = run(t, "history", "-c", cfgPath, "--prune", "1")
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if !strings.Contains(out, "Removed 1 run(s)") {
		t.Errorf("unexpected prune output: %s", out)
	}

	if _, err := run(t, "history", "--status", "bogus", "-c", cfgPath); err == nil {
		t.Errorf("expected invalid status to fail")
	}
}

func TestHistory_Disabled(t *testing.T) {
	if _, err := run(t, "history"); err == nil || !strings.Contains(err.Error(), "state_db") {
		t.Errorf("expected disabled history error, got %v", err)
	}
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, "converge test") || !strings.Contains(out, "abc123") {
		t.Errorf("unexpected output: %s", out)
	}
}
