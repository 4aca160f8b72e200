package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/stores"
)

type testEnv struct {
	server  *httptest.Server
	api     *Server
	applier *engine.Applier
	store   *stores.SQLiteStore
	release chan struct{}
}

const testToken = "s3cret"

// newTestEnv builds an API over a "test" module that accepts testToken and
// inline documents. test.block waits until release is closed.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, func(o *Options) {
		o.Token = testToken
		o.AllowDocuments = true
	})
}

func newTestEnvWith(t *testing.T, configure func(*Options)) *testEnv {
	t.Helper()

	release := make(chan struct{})
	reg := engine.NewRegistry()
	reg.MustRegister(engine.Module{
		Name: "test",
		Functions: map[string]engine.Function{
			"nop": func(_ context.Context, call *engine.Call) (*engine.Result, error) {
				return engine.Succeed(call.Name, "Success!", nil), nil
			},
			"block": func(ctx context.Context, call *engine.Call) (*engine.Result, error) {
				select {
				case <-release:
				case <-ctx.Done():
				}
				return engine.Succeed(call.Name, "Released", nil), nil
			},
		},
	})

	store, err := stores.Open(context.Background(), stores.MemoryPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	applier := &engine.Applier{
		Handlers: reg,
		Runs:     engine.NewRunRegistry(),
		Recorder: store,
		Logger:   zerolog.Nop(),
	}
	opts := Options{
		Applier: applier,
		History: store,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("converge_runs_started_total 1\n"))
		}),
		Logger: zerolog.Nop(),
	}
	if configure != nil {
		configure(&opts)
	}
	srv, err := NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, api: srv, applier: applier, store: store, release: release}
}

func docsBody(t *testing.T, data map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(engine.ApplyRequest{
		Documents: []engine.Document{{Source: "web", Data: data}},
	})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return b
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte) (*http.Response, []byte) {
	t.Helper()
	return e.doAs(t, method, path, body, testToken)
}

// doAs sends a request carrying token as its bearer credential. An empty
// token sends no Authorization header.
func (e *testEnv) doAs(t *testing.T, method, path string, body []byte, token string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ActorHeader, "tester")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body failed: %v", err)
	}
	return resp, buf.Bytes()
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), `"status":"ok"`) {
		t.Errorf("unexpected body %s", body)
	}
}

func TestApplyAndRead(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/runs/web", docsBody(t, map[string]any{
		"a": map[string]any{"test.nop": []any{}},
		"b": map[string]any{"test.nop": []any{map[string]any{"require": []any{map[string]any{"test": "a"}}}}},
	}))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	var report engine.Report
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatalf("invalid report: %v", err)
	}
	rr := report["web"]
	if rr.Status != engine.RunStatusSucceeded || len(rr.Results) != 2 {
		t.Fatalf("unexpected report %+v", rr)
	}
	if !strings.Contains(string(body), `"result":true`) {
		t.Errorf("expected results to encode as true, got %s", body)
	}

	resp, body = env.do(t, http.MethodGet, "/runs", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"name":"web"`) {
		t.Errorf("unexpected run list %d: %s", resp.StatusCode, body)
	}

	resp, _ = env.do(t, http.MethodGet, "/runs/web", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 for GET /runs/web, got %d", resp.StatusCode)
	}

	resp, body = env.do(t, http.MethodGet, "/history?name=web", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for history, got %d: %s", resp.StatusCode, body)
	}
	var runs []stores.RunRecord
	if err := json.Unmarshal(body, &runs); err != nil || len(runs) != 1 {
		t.Fatalf("expected one history entry, got %s (%v)", body, err)
	}
	if runs[0].ID != rr.ID {
		t.Errorf("history id %s does not match run id %s", runs[0].ID, rr.ID)
	}

	resp, body = env.do(t, http.MethodGet, "/history/"+rr.ID, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"instructions"`) {
		t.Errorf("unexpected history detail %d: %s", resp.StatusCode, body)
	}

	action := "run.apply"
	entries, err := env.store.ListAuditEntries(context.Background(), &action, nil, 0, 0)
	if err != nil || len(entries) != 1 || entries[0].Actor != "tester" {
		t.Errorf("expected one audit entry by tester, got %+v (%v)", entries, err)
	}
}

func TestApplyErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		path string
		body []byte
		want int
		code string
	}{
		{
			name: "compile error",
			path: "/runs/bad",
			body: docsBody(t, map[string]any{"a": map[string]any{"test.missing": []any{}}}),
			want: http.StatusUnprocessableEntity,
			code: engine.ErrCodeCompile,
		},
		{
			name: "invalid body",
			path: "/runs/bad",
			body: []byte("{"),
			want: http.StatusBadRequest,
			code: engine.ErrCodeValidation,
		},
		{
			name: "invalid runtime",
			path: "/runs/bad",
			body: []byte(`{"runtime": "sideways"}`),
			want: http.StatusBadRequest,
			code: engine.ErrCodeValidation,
		},
		{
			name: "no documents and no gatherer",
			path: "/runs/empty",
			body: nil,
			want: http.StatusUnprocessableEntity,
			code: engine.ErrCodeGatherFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, resp.StatusCode, body)
			}
			var er errorResponse
			if err := json.Unmarshal(body, &er); err != nil {
				t.Fatalf("invalid error body: %v", err)
			}
			if er.Code != tt.code || er.Error == "" {
				t.Errorf("unexpected error response %+v", er)
			}
		})
	}

	resp, _ := env.do(t, http.MethodGet, "/runs/ghost", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown run, got %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodDelete, "/runs/ghost", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for deleting unknown run, got %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/history/ghost", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown history id, got %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/history?limit=-1", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for negative limit, got %d", resp.StatusCode)
	}
}

func TestActiveRunConflicts(t *testing.T) {
	env := newTestEnv(t)
	blocking := docsBody(t, map[string]any{"slow": map[string]any{"test.block": []any{}}})

	resp, body := env.do(t, http.MethodPost, "/runs/web?wait=false", blocking)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.StatusCode, body)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if rc, ok := env.applier.Runs.Get("web"); ok && rc.State().IsActive() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never became active")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, _ = env.do(t, http.MethodPost, "/runs/web", blocking)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 for a second apply, got %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, "/runs/web?wait=false", blocking)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 for a second background apply, got %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodDelete, "/runs/web", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 for removing an active run, got %d", resp.StatusCode)
	}

	close(env.release)
	deadline = time.Now().Add(5 * time.Second)
	for {
		if rc, _ := env.applier.Runs.Get("web"); rc.State().IsTerminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never finished")
		}
		time.Sleep(10 * time.Millisecond)
	}

	env.api.Wait()

	resp, _ = env.do(t, http.MethodDelete, "/runs/web", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204 after the run finished, got %d", resp.StatusCode)
	}
}

func TestAuth_AnonymousApplyRejected(t *testing.T) {
	env := newTestEnv(t)
	marker := filepath.Join(t.TempDir(), "owned")
	body := docsBody(t, map[string]any{
		"x": map[string]any{"cmd.run": []any{map[string]any{"name": "touch " + marker}}},
	})

	for _, token := range []string{"", "wrong"} {
		resp, out := env.doAs(t, http.MethodPost, "/runs/x", body, token)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401 for token %q, got %d: %s", token, resp.StatusCode, out)
		}
		if resp.Header.Get("WWW-Authenticate") == "" {
			t.Errorf("expected a WWW-Authenticate challenge")
		}
		var er errorResponse
		if err := json.Unmarshal(out, &er); err != nil || er.Code != ErrCodeUnauthorized {
			t.Errorf("unexpected error body %s (%v)", out, err)
		}
	}
	if _, ok := env.applier.Runs.Get("x"); ok {
		t.Errorf("rejected request must not register a run")
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Errorf("rejected request must not run commands, stat: %v", err)
	}

	resp, _ := env.doAs(t, http.MethodDelete, "/runs/x", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for anonymous delete, got %d", resp.StatusCode)
	}
	resp, _ = env.doAs(t, http.MethodGet, "/runs", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected reads to stay open, got %d", resp.StatusCode)
	}
}

func TestAuth_NoTokenIsReadOnly(t *testing.T) {
	env := newTestEnvWith(t, func(o *Options) { o.AllowDocuments = true })

	resp, body := env.doAs(t, http.MethodPost, "/runs/web", docsBody(t, map[string]any{
		"a": map[string]any{"test.nop": []any{}},
	}), "anything")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 without a configured token, got %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), ErrCodeForbidden) {
		t.Errorf("unexpected body %s", body)
	}

	resp, _ = env.doAs(t, http.MethodGet, "/healthz", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected health to answer 200, got %d", resp.StatusCode)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer  abc ", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodPost, "/runs/x", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		if got := bearerToken(r); got != tt.want {
			t.Errorf("bearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestApply_InlineDocumentsDisabled(t *testing.T) {
	env := newTestEnvWith(t, func(o *Options) { o.Token = testToken })

	resp, body := env.do(t, http.MethodPost, "/runs/web", docsBody(t, map[string]any{
		"a": map[string]any{"test.nop": []any{}},
	}))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for inline documents, got %d: %s", resp.StatusCode, body)
	}
	if _, ok := env.applier.Runs.Get("web"); ok {
		t.Errorf("refused request must not register a run")
	}

	// Without documents the request proceeds to gathering.
	resp, body = env.do(t, http.MethodPost, "/runs/web", nil)
	if resp.StatusCode != http.StatusUnprocessableEntity || !strings.Contains(string(body), engine.ErrCodeGatherFailed) {
		t.Errorf("expected gather failure, got %d: %s", resp.StatusCode, body)
	}
}

func TestBackgroundApplyRace(t *testing.T) {
	env := newTestEnv(t)
	blocking := docsBody(t, map[string]any{"slow": map[string]any{"test.block": []any{}}})

	const callers = 8
	codes := make(chan int, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodPost, env.server.URL+"/runs/web?wait=false", bytes.NewReader(blocking))
			if err != nil {
				t.Errorf("NewRequest failed: %v", err)
				return
			}
			req.Header.Set("Authorization", "Bearer "+testToken)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Errorf("POST failed: %v", err)
				return
			}
			resp.Body.Close()
			codes <- resp.StatusCode
		}()
	}
	wg.Wait()
	close(codes)

	accepted, conflicts := 0, 0
	for code := range codes {
		switch code {
		case http.StatusAccepted:
			accepted++
		case http.StatusConflict:
			conflicts++
		default:
			t.Errorf("unexpected status %d", code)
		}
	}
	if accepted != 1 || conflicts != callers-1 {
		t.Errorf("expected 1 accepted and %d conflicts, got %d and %d", callers-1, accepted, conflicts)
	}

	close(env.release)
	env.api.Wait()
	if rc, ok := env.applier.Runs.Get("web"); !ok || rc.State() != engine.RunStatusSucceeded {
		t.Errorf("expected the accepted run to succeed")
	}
}

func TestMetricsMounted(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/metrics", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "converge_runs_started_total") {
		t.Errorf("unexpected metrics response %d: %s", resp.StatusCode, body)
	}
}

func TestMergeRequest(t *testing.T) {
	defaults := engine.ApplyRequest{
		Sources:     []string{"/srv"},
		Renderer:    "yaml",
		Runtime:     engine.RuntimeSerial,
		Targets:     []string{"top"},
		MaxParallel: 4,
		Test:        true,
	}

	got := mergeRequest(defaults, engine.ApplyRequest{Targets: []string{"web"}, Renderer: "json"})
	if got.Renderer != "json" || got.Targets[0] != "web" || got.Sources[0] != "/srv" {
		t.Errorf("unexpected merge %+v", got)
	}
	if got.Runtime != engine.RuntimeSerial || got.MaxParallel != 4 || !got.Test {
		t.Errorf("expected defaults to fill empty fields, got %+v", got)
	}

	got = mergeRequest(defaults, engine.ApplyRequest{Documents: []engine.Document{{Source: "x"}}})
	if len(got.Targets) != 0 {
		t.Errorf("documents must not pick up default targets, got %v", got.Targets)
	}

	got.Sources[0] = "changed"
	if defaults.Sources[0] != "/srv" {
		t.Errorf("merge must not alias default slices")
	}
}
