package states

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

func call(name string, args map[string]any) *engine.Call {
	if args == nil {
		args = map[string]any{}
	}
	args["name"] = name
	return &engine.Call{Run: "test", ID: name, Name: name, Arguments: args}
}

func apply(t *testing.T, run string, data map[string]any) engine.RunReport {
	t.Helper()
	a := &engine.Applier{
		Handlers: NewRegistry(),
		Runs:     engine.NewRunRegistry(),
		Logger:   zerolog.Nop(),
	}
	report, err := a.Apply(context.Background(), engine.ApplyRequest{
		Name:      run,
		Documents: []engine.Document{{Source: "main", Data: data}},
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	return report[run]
}

func TestRegister_Duplicate(t *testing.T) {
	reg := NewRegistry()
	if err := Register(reg); !engine.IsConflict(err) {
		t.Errorf("expected conflict on second registration, got %v", err)
	}
	for _, key := range [][2]string{{"test", "nop"}, {"cmd", "run"}, {"file", "managed"}} {
		if !reg.Has(key[0], key[1]) {
			t.Errorf("expected %s.%s to be registered", key[0], key[1])
		}
	}
}

func TestTestModule_Functions(t *testing.T) {
	m := TestModule()

	tests := []struct {
		fn      string
		outcome engine.Outcome
		comment string
		changes bool
	}{
		{"nop", engine.OutcomeSuccess, CommentSuccess, false},
		{"succeed_without_changes", engine.OutcomeSuccess, CommentSuccess, false},
		{"succeed_with_changes", engine.OutcomeSuccess, CommentSuccess, true},
		{"fail_without_changes", engine.OutcomeFailure, CommentFailure, false},
		{"fail_with_changes", engine.OutcomeFailure, CommentFailure, true},
	}

	for _, tt := range tests {
		t.Run(tt.fn, func(t *testing.T) {
			r, err := m.Functions[tt.fn](context.Background(), call("foo", nil))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if r.Name != "foo" || r.Result != tt.outcome || r.Comment != tt.comment {
				t.Errorf("unexpected result %+v", r)
			}
			if r.Changed() != tt.changes {
				t.Errorf("expected changed=%v, got %v", tt.changes, r.Changes)
			}
			if tt.changes && !reflect.DeepEqual(r.Changes, PretendChanges()) {
				t.Errorf("unexpected changes %v", r.Changes)
			}
		})
	}
}

func TestTestModule_ConfigurableTestState(t *testing.T) {
	fn := TestModule().Functions["configurable_test_state"]

	r, err := fn(context.Background(), call("x", map[string]any{"changes": true, "result": false, "comment": "nope"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Result != engine.OutcomeFailure || !r.Changed() || r.Comment != "nope" {
		t.Errorf("unexpected result %+v", r)
	}

	c := call("x", map[string]any{"changes": "true"})
	c.Test = true
	r, err = fn(context.Background(), c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Result != engine.OutcomeIndeterminate {
		t.Errorf("expected indeterminate under test mode, got %s", r.Result)
	}
}

func TestTestModule_UpdateLowAndModWatch(t *testing.T) {
	report := apply(t, "inject", map[string]any{
		"trigger": map[string]any{"test.update_low": []any{}},
		"watcher": map[string]any{"test.nop": []any{
			map[string]any{"watch": []any{map[string]any{"test": "changer"}}},
		}},
		"changer": map[string]any{"test.succeed_with_changes": []any{}},
	})

	extra := report.Results[engine.InstructionID("none", "king_arthur", "test", "nop")]
	if extra == nil || extra.Name != "totally_extra_alls" || extra.Result != engine.OutcomeSuccess {
		t.Fatalf("expected injected instruction to run, got %+v", extra)
	}

	watcher := report.Results[engine.InstructionID("main", "watcher", "test", "nop")]
	if watcher == nil {
		t.Fatalf("missing watcher result")
	}
	if watcher.Changes["watch"] != true || !strings.Contains(watcher.Comment, CommentWatchRan) {
		t.Errorf("expected watch reaction to be merged, got %+v", watcher)
	}
}

func TestCmdRun(t *testing.T) {
	fn := CmdModule().Functions["run"]

	r, err := fn(context.Background(), call("echo hello", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Result != engine.OutcomeSuccess || r.Changes["retcode"] != 0 {
		t.Errorf("unexpected result %+v", r)
	}
	if got := r.Changes["stdout"]; got != "hello\n" {
		t.Errorf("expected stdout hello, got %q", got)
	}

	r, err = fn(context.Background(), call("exit 3", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Result != engine.OutcomeFailure || r.Changes["retcode"] != 3 {
		t.Errorf("expected failure with retcode 3, got %+v", r)
	}
}

func TestCmdRun_Guards(t *testing.T) {
	fn := CmdModule().Functions["run"]
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		t.Fatalf("failed to write marker: %v", err)
	}

	tests := []struct {
		name string
		args map[string]any
		runs bool
	}{
		{"creates exists", map[string]any{"creates": marker}, false},
		{"creates missing", map[string]any{"creates": filepath.Join(dir, "missing")}, true},
		{"unless true", map[string]any{"unless": "true"}, false},
		{"unless false", map[string]any{"unless": "false"}, true},
		{"onlyif true", map[string]any{"onlyif": "true"}, true},
		{"onlyif false", map[string]any{"onlyif": "false"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := fn(context.Background(), call("echo ran", tt.args))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if r.Result != engine.OutcomeSuccess {
				t.Fatalf("expected success, got %+v", r)
			}
			if r.Changed() != tt.runs {
				t.Errorf("expected runs=%v, got changes %v", tt.runs, r.Changes)
			}
		})
	}
}

func TestCmdRun_TestMode(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "touched")

	c := call("touch "+target, nil)
	c.Test = true
	r, err := CmdModule().Functions["run"](context.Background(), c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Result != engine.OutcomeIndeterminate {
		t.Errorf("expected indeterminate, got %s", r.Result)
	}
	if _, err := os.Stat(target); err == nil {
		t.Errorf("test mode must not execute the command")
	}
}

func TestCmdWait_RunsOnlyOnWatch(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")

	report := apply(t, "wait", map[string]any{
		"config": map[string]any{"file.managed": []any{
			map[string]any{"name": filepath.Join(dir, "app.conf")},
			map[string]any{"contents": "v1"},
		}},
		"reload": map[string]any{"cmd.wait": []any{
			map[string]any{"name": "echo reloaded >> " + out},
			map[string]any{"watch": []any{map[string]any{"file": "config"}}},
		}},
	})
	if report.Status != engine.RunStatusSucceeded {
		t.Fatalf("expected success, got %s: %v", report.Status, report.Results)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("expected reaction to execute the command: %v", err)
	}
	if string(data) != "reloaded\n" {
		t.Errorf("expected exactly one execution, got %q", data)
	}
}

func TestFileManaged_Idempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "etc", "app.conf")

	data := map[string]any{
		"app-conf": map[string]any{"file.managed": []any{
			map[string]any{"name": path},
			map[string]any{"contents": "listen 80\n"},
			map[string]any{"mode": "0600"},
			map[string]any{"makedirs": true},
		}},
	}
	id := engine.InstructionID("main", "app-conf", "file", "managed")

	first := apply(t, "first", data)
	if r := first.Results[id]; r == nil || r.Result != engine.OutcomeSuccess || !r.Changed() {
		t.Fatalf("expected first apply to change the file, got %+v", r)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected mode 0600, got %04o", info.Mode().Perm())
	}

	second := apply(t, "second", data)
	for rid, r := range second.Results {
		if len(r.Changes) != 0 {
			t.Errorf("expected converged re-apply to report no changes for %s, got %v", rid, r.Changes)
		}
	}
}

func TestFileManaged_Backup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.conf")
	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatalf("failed to seed file: %v", err)
	}

	r, err := FileModule().Functions["managed"](context.Background(),
		call(path, map[string]any{"contents": "new", "backup": true}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Changes["backup"] != path+".bak" {
		t.Errorf("expected backup change, got %v", r.Changes)
	}
	if data, _ := os.ReadFile(path + ".bak"); string(data) != "old" {
		t.Errorf("expected backup to hold old contents, got %q", data)
	}
}

func TestFileManaged_Errors(t *testing.T) {
	fn := FileModule().Functions["managed"]
	dir := t.TempDir()

	if _, err := fn(context.Background(), call("relative/path", nil)); err == nil {
		t.Errorf("expected relative path to be rejected")
	}
	if _, err := fn(context.Background(), call(filepath.Join(dir, "x"), map[string]any{"mode": "9z"})); err == nil {
		t.Errorf("expected invalid mode to be rejected")
	}

	r, err := fn(context.Background(), call(filepath.Join(dir, "missing", "x"), map[string]any{"contents": "x"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Result != engine.OutcomeFailure {
		t.Errorf("expected failure without makedirs, got %+v", r)
	}
}

func TestFileAbsentAndDirectory(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "data")
	absent := FileModule().Functions["absent"]
	directory := FileModule().Functions["directory"]

	r, err := directory(context.Background(), call(sub, map[string]any{"mode": 0o750}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.Changed() {
		t.Errorf("expected directory to be created")
	}
	if info, err := os.Stat(sub); err != nil || !info.IsDir() || info.Mode().Perm() != 0o750 {
		t.Fatalf("expected directory with mode 0750: %v", err)
	}

	r, _ = directory(context.Background(), call(sub, map[string]any{"mode": 0o750}))
	if r.Changed() {
		t.Errorf("expected second directory call to report no changes, got %v", r.Changes)
	}

	r, err = absent(context.Background(), call(sub, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Changes["removed"] != sub {
		t.Errorf("unexpected changes %v", r.Changes)
	}
	if _, err := os.Stat(sub); !os.IsNotExist(err) {
		t.Errorf("expected directory to be removed")
	}

	r, _ = absent(context.Background(), call(sub, nil))
	if r.Changed() {
		t.Errorf("expected absent on a missing path to report no changes")
	}
}
