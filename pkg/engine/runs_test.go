package engine

import (
	"errors"
	"sync"
	"testing"
)

func TestRunRegistry_CreateConflict(t *testing.T) {
	runs := NewRunRegistry()

	rc, err := runs.Create("web", RunConfig{Runtime: RuntimeParallel})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	_, err = runs.Create("web", RunConfig{})
	if !IsConflict(err) {
		t.Fatalf("expected conflict error, got %v", err)
	}
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != ErrCodeRunActive {
		t.Errorf("expected %s code, got %v", ErrCodeRunActive, err)
	}

	got, ok := runs.Get("web")
	if !ok || got != rc {
		t.Errorf("expected the original run to be untouched")
	}
}

func TestRunRegistry_ReplacesFinishedRun(t *testing.T) {
	runs := NewRunRegistry()

	first, err := runs.Create("web", RunConfig{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	first.finish(nil)

	second, err := runs.Create("web", RunConfig{})
	if err != nil {
		t.Fatalf("expected finished run to be replaceable: %v", err)
	}
	if second.ID() == first.ID() {
		t.Errorf("expected a new run instance")
	}
}

func TestRunRegistry_Remove(t *testing.T) {
	runs := NewRunRegistry()

	rc, _ := runs.Create("web", RunConfig{})
	if err := runs.Remove("web"); !IsConflict(err) {
		t.Fatalf("expected removing an active run to conflict, got %v", err)
	}

	rc.finish(nil)
	if err := runs.Remove("web"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, ok := runs.Get("web"); ok {
		t.Errorf("expected run to be gone")
	}
	if err := runs.Remove("web"); !IsPermanent(err) {
		t.Errorf("expected not found error, got %v", err)
	}
}

func TestRunRegistry_ConcurrentCreateSameName(t *testing.T) {
	runs := NewRunRegistry()

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := runs.Create("shared", RunConfig{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case IsConflict(err):
				conflicts++
			}
		}()
	}
	wg.Wait()

	if created != 1 || conflicts != workers-1 {
		t.Errorf("expected 1 create and %d conflicts, got %d and %d", workers-1, created, conflicts)
	}
}

func TestRunRegistry_DistinctNamesAreIndependent(t *testing.T) {
	runs := NewRunRegistry()

	if _, err := runs.Create("a", RunConfig{}); err != nil {
		t.Fatalf("Create a failed: %v", err)
	}
	if _, err := runs.Create("b", RunConfig{}); err != nil {
		t.Fatalf("Create b failed: %v", err)
	}
	if runs.Active() != 2 {
		t.Errorf("expected 2 active runs, got %d", runs.Active())
	}
	if names := runs.Names(); len(names) != 2 || names[0] != "a" {
		t.Errorf("unexpected names %v", names)
	}
}

func TestRunContext_FinishDerivesStatus(t *testing.T) {
	tests := []struct {
		name   string
		status map[string]InstructionStatus
		err    error
		want   RunStatus
	}{
		{"all succeeded", map[string]InstructionStatus{"a": StatusSucceeded}, nil, RunStatusSucceeded},
		{"some failed", map[string]InstructionStatus{"a": StatusSucceeded, "b": StatusFailed}, nil, RunStatusPartial},
		{"all failed", map[string]InstructionStatus{"a": StatusFailed}, nil, RunStatusFailed},
		{"skipped", map[string]InstructionStatus{"a": StatusSucceeded, "b": StatusSkipped}, nil, RunStatusPartial},
		{"cycle after progress", map[string]InstructionStatus{"a": StatusSucceeded, "b": StatusUnresolved},
			&RequisiteCycleError{IDs: []string{"b"}}, RunStatusPartial},
		{"cancelled", map[string]InstructionStatus{"a": StatusPending},
			NewPermanentError("run cancelled", nil).WithCode(ErrCodeCancelled), RunStatusCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := newRunContext("x", RunConfig{})
			var instrs []LowInstruction
			for id := range tt.status {
				instrs = append(instrs, LowInstruction{ID: id})
			}
			rc.Load(instrs, nil)
			for id, s := range tt.status {
				rc.status[id] = s
			}

			if got := rc.finish(tt.err); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
			if !rc.State().IsTerminal() {
				t.Errorf("expected terminal state")
			}
		})
	}
}

func TestRunContext_SnapshotIsACopy(t *testing.T) {
	rc := newRunContext("x", RunConfig{})
	rc.Load([]LowInstruction{ti("a", "nop")}, nil)
	rc.results[tid("a", "nop")] = Succeed("a", "Success!", map[string]any{"k": "v"})

	snap := rc.Snapshot()
	snap.Results[tid("a", "nop")].Changes["k"] = "mutated"
	snap.Instructions[0].Arguments["name"] = "mutated"

	r, _ := rc.Result(tid("a", "nop"))
	if r.Changes["k"] != "v" {
		t.Errorf("snapshot shares result maps with the run context")
	}
	if rc.Instructions()[0].Arguments["name"] != "a" {
		t.Errorf("snapshot shares instruction maps with the run context")
	}
}
