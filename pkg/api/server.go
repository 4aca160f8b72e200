// Package api exposes the run registry and run history over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/stores"
)

// ActorHeader names the caller recorded in the audit log.
const ActorHeader = "X-Converge-Actor"

// History is the subset of the run history store the API reads and writes.
type History interface {
	ListRuns(ctx context.Context, filter stores.RunFilter) ([]*stores.RunRecord, error)
	GetRun(ctx context.Context, id string) (*stores.RunRecord, error)
	CreateAuditEntry(ctx context.Context, entry *stores.AuditEntry) error
	HealthCheck(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	// Applier executes POST /runs/{name}. Its Runs registry backs the
	// read endpoints.
	Applier *engine.Applier

	// Defaults fills the fields a request body leaves empty.
	Defaults engine.ApplyRequest

	// History is optional; without it /history answers 404.
	History History

	// Metrics is optional; it is mounted at /metrics.
	Metrics http.Handler

	// Token is the bearer token POST and DELETE routes require. Empty
	// leaves the API read-only.
	Token string

	// AllowDocuments accepts inline documents in apply bodies. Otherwise
	// runs only apply what the configured sources hold.
	AllowDocuments bool

	Logger zerolog.Logger
}

// Server serves the HTTP API.
type Server struct {
	applier   *engine.Applier
	defaults  engine.ApplyRequest
	history   History
	metrics   http.Handler
	token     staticToken
	allowDocs bool
	logger    zerolog.Logger

	// background tracks applies started with ?wait=false.
	background sync.WaitGroup
}

// NewServer creates a server. An applier with a run registry is required.
func NewServer(opts Options) (*Server, error) {
	if opts.Applier == nil || opts.Applier.Runs == nil {
		return nil, fmt.Errorf("an applier with a run registry is required")
	}
	return &Server{
		applier:   opts.Applier,
		defaults:  opts.Defaults,
		history:   opts.History,
		metrics:   opts.Metrics,
		token:     staticToken(opts.Token),
		allowDocs: opts.AllowDocuments,
		logger:    opts.Logger.With().Str("component", "api").Logger(),
	}, nil
}

// Handler returns the chi router for the API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Get("/{name}", s.handleGetRun)
		r.With(s.requireToken).Post("/{name}", s.handleApply)
		r.With(s.requireToken).Delete("/{name}", s.handleRemoveRun)
	})

	r.Route("/history", func(r chi.Router) {
		r.Get("/", s.handleListHistory)
		r.Get("/{id}", s.handleGetHistory)
	})

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

// ListenAndServe serves the API on addr until ctx is done, then shuts down
// gracefully and waits for background applies.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", addr).Msg("API server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown failed: %w", err)
	}
	s.Wait()
	s.logger.Info().Msg("API server stopped")
	return nil
}

// Wait blocks until every background apply has finished.
func (s *Server) Wait() {
	s.background.Wait()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Str("request_id", middleware.GetReqID(r.Context())).
			Dur("duration", time.Since(start)).
			Msg("Request served")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":      "ok",
		"active_runs": s.applier.Runs.Active(),
	}
	code := http.StatusOK
	if s.history != nil {
		if err := s.history.HealthCheck(r.Context()); err != nil {
			resp["status"] = "degraded"
			resp["history"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	s.writeJSON(w, code, resp)
}

// runSummary is the list view of one registered run.
type runSummary struct {
	Name       string            `json:"name"`
	ID         string            `json:"id"`
	Status     engine.RunStatus  `json:"status"`
	Summary    engine.RunSummary `json:"summary"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	report := s.applier.Runs.Report()
	out := make([]runSummary, 0, len(report))
	for _, name := range s.applier.Runs.Names() {
		rr, ok := report[name]
		if !ok {
			continue
		}
		out = append(out, runSummary{
			Name:       rr.Name,
			ID:         rr.ID,
			Status:     rr.Status,
			Summary:    rr.Summary,
			StartedAt:  rr.StartedAt,
			FinishedAt: rr.FinishedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	rc, ok := s.applier.Runs.Get(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, engine.ErrCodeNotFound, fmt.Sprintf("run %s not found", name), nil)
		return
	}
	s.writeJSON(w, http.StatusOK, engine.Report{name: rc.Snapshot()})
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var body engine.ApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, engine.ErrCodeValidation, "invalid request body: "+err.Error(), nil)
		return
	}
	if len(body.Documents) > 0 && !s.allowDocs {
		s.writeError(w, http.StatusForbidden, ErrCodeForbidden, "inline documents are disabled", nil)
		return
	}
	req := mergeRequest(s.defaults, body)
	req.Name = name

	rc, err := s.applier.Begin(req)
	if err != nil {
		s.writeEngineError(w, err, nil)
		return
	}
	s.audit(r, "run.apply", name, req)

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); r.URL.Query().Has("wait") && !wait {
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			ctx := context.WithoutCancel(r.Context())
			if _, err := s.applier.ApplyRun(ctx, rc, req); err != nil {
				s.logger.Error().Err(err).Str("run", name).Msg("Background apply failed")
			}
		}()
		s.writeJSON(w, http.StatusAccepted, map[string]string{"name": name, "id": rc.ID(), "status": "accepted"})
		return
	}

	report, err := s.applier.ApplyRun(r.Context(), rc, req)
	if err != nil {
		s.writeEngineError(w, err, report)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRemoveRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.applier.Runs.Remove(name); err != nil {
		s.writeEngineError(w, err, nil)
		return
	}
	s.audit(r, "run.remove", name, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, engine.ErrCodeNotFound, "run history is not configured", nil)
		return
	}

	q := r.URL.Query()
	filter := stores.RunFilter{
		Name:   q.Get("name"),
		Status: engine.RunStatus(q.Get("status")),
		Limit:  50,
	}
	for key, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		if v := q.Get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				s.writeError(w, http.StatusBadRequest, engine.ErrCodeValidation, fmt.Sprintf("invalid %s %q", key, v), nil)
				return
			}
			*dst = n
		}
	}

	runs, err := s.history.ListRuns(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, engine.ErrCodeInternal, err.Error(), nil)
		return
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, engine.ErrCodeNotFound, "run history is not configured", nil)
		return
	}

	id := chi.URLParam(r, "id")
	run, err := s.history.GetRun(r.Context(), id)
	if errors.Is(err, stores.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, engine.ErrCodeNotFound, err.Error(), nil)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, engine.ErrCodeInternal, err.Error(), nil)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) audit(r *http.Request, action, target string, details any) {
	if s.history == nil {
		return
	}
	entry := &stores.AuditEntry{
		Action: action,
		Actor:  r.Header.Get(ActorHeader),
		Target: &target,
	}
	if entry.Actor == "" {
		entry.Actor = "api"
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		entry.IPAddress = &host
	}
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			str := string(b)
			entry.Details = &str
		}
	}
	if err := s.history.CreateAuditEntry(r.Context(), entry); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("Failed to write audit entry")
	}
}

// errorResponse is the body of every non-2xx answer.
type errorResponse struct {
	Error  string        `json:"error"`
	Code   string        `json:"code,omitempty"`
	Report engine.Report `json:"report,omitempty"`
}

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) (int, string) {
	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return http.StatusServiceUnavailable, engine.ErrCodeCancelled
		}
		return http.StatusInternalServerError, engine.ErrCodeInternal
	}

	switch ee.Code {
	case engine.ErrCodeRunActive:
		return http.StatusConflict, ee.Code
	case engine.ErrCodeNotFound:
		return http.StatusNotFound, ee.Code
	case engine.ErrCodeValidation:
		return http.StatusBadRequest, ee.Code
	case engine.ErrCodeCompile, engine.ErrCodeRequisiteCycle, engine.ErrCodeGatherFailed, engine.ErrCodePolicyDenied:
		return http.StatusUnprocessableEntity, ee.Code
	case engine.ErrCodeCancelled:
		return http.StatusServiceUnavailable, ee.Code
	}
	if ee.Class == engine.ErrorClassConflict {
		return http.StatusConflict, ee.Code
	}
	return http.StatusInternalServerError, ee.Code
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error, report engine.Report) {
	code, errCode := statusFor(err)
	s.writeError(w, code, errCode, err.Error(), report)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string, report engine.Report) {
	s.writeJSON(w, status, errorResponse{Error: msg, Code: code, Report: report})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

// mergeRequest fills the empty fields of req from defaults.
func mergeRequest(defaults, req engine.ApplyRequest) engine.ApplyRequest {
	out := req
	if len(out.Sources) == 0 {
		out.Sources = append([]string(nil), defaults.Sources...)
	}
	if out.Renderer == "" {
		out.Renderer = defaults.Renderer
	}
	if out.Runtime == "" {
		out.Runtime = defaults.Runtime
	}
	if len(out.Subsystems) == 0 {
		out.Subsystems = append([]string(nil), defaults.Subsystems...)
	}
	if out.CacheDir == "" {
		out.CacheDir = defaults.CacheDir
	}
	if len(out.Targets) == 0 && len(out.Documents) == 0 {
		out.Targets = append([]string(nil), defaults.Targets...)
	}
	if out.MaxParallel == 0 {
		out.MaxParallel = defaults.MaxParallel
	}
	out.Test = out.Test || defaults.Test
	return out
}
