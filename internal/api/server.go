// Package api exposes the HTTP interface for harvester and scheduler processes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-controller/internal/bus"
	"github.com/JakeFAU/harvest-controller/internal/harvest"
	"github.com/JakeFAU/harvest-controller/internal/metrics"
	"github.com/JakeFAU/harvest-controller/internal/scheduler"
)

// ReadinessCheck reports an error while a dependency is not ready.
type ReadinessCheck func(ctx context.Context) error

// SnapshotSource exposes the controller state. *harvest.Controller satisfies it.
type SnapshotSource interface {
	Snapshot() harvest.Snapshot
}

// Submitter sends jobs to harvesters. *scheduler.Scheduler satisfies it.
type Submitter interface {
	Submit(ctx context.Context, crawl harvest.DoOneCrawl) error
}

// Server wires HTTP handlers to the harvester or scheduler components.
type Server struct {
	router    chi.Router
	logger    *zap.Logger
	checks    map[string]ReadinessCheck
	snapshot  SnapshotSource
	submitter Submitter
	channels  scheduler.ChannelStore
	statuses  scheduler.StatusStore
	apiKey    string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithReadinessCheck adds a named check to /readyz.
func WithReadinessCheck(name string, check ReadinessCheck) Option {
	return func(s *Server) {
		s.checks[name] = check
	}
}

// WithAPIKey requires key in X-API-Key (or ?api_key=) on /v1 routes.
func WithAPIKey(key string) Option {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithController serves the controller snapshot at /v1/harvester.
func WithController(src SnapshotSource) Option {
	return func(s *Server) {
		s.snapshot = src
	}
}

// WithScheduler serves channel listing, job submission and job status.
func WithScheduler(submitter Submitter, chans scheduler.ChannelStore, statuses scheduler.StatusStore) Option {
	return func(s *Server) {
		s.submitter = submitter
		s.channels = chans
		s.statuses = statuses
	}
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts ...Option) *Server {
	s := &Server{
		logger: zap.NewNop(),
		checks: make(map[string]ReadinessCheck),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	v1 := r.With()
	if s.apiKey != "" {
		v1 = r.With(apiKeyMiddleware(s.apiKey))
	}
	if s.snapshot != nil {
		v1.Get("/v1/harvester", s.getHarvester)
	}
	if s.channels != nil {
		v1.Get("/v1/channels", s.listChannels)
	}
	if s.submitter != nil {
		v1.Post("/v1/jobs", s.submitJob)
	}
	if s.statuses != nil {
		v1.Get("/v1/jobs/{job_id}/status", s.getJobStatus)
	}

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	failures := make(map[string]string)
	for _, name := range names {
		if err := s.checks[name](r.Context()); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "checks": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getHarvester(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot.Snapshot())
}

func (s *Server) listChannels(w http.ResponseWriter, r *http.Request) {
	chans, err := s.channels.List(r.Context())
	if err != nil {
		s.logger.Error("list harvest channels", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list channels")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": chans})
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req harvest.DoOneCrawl
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Job.JobID == nil {
		writeError(w, http.StatusBadRequest, "job.jobId required")
		return
	}
	if len(req.Job.Seeds) == 0 {
		writeError(w, http.StatusBadRequest, "job.seeds required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.submitter.Submit(ctx, req); err != nil {
		switch {
		case errors.Is(err, bus.ErrArgumentInvalid):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusRequestTimeout, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int64{"jobId": req.Job.ID()})
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID, err := strconv.ParseInt(chi.URLParam(r, "job_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	status, ok, err := s.statuses.Latest(r.Context(), jobID)
	if err != nil {
		s.logger.Error("load job status", zap.Int64("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job status")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type requestIDKey struct{}

// RequestID returns the id assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload) //nolint:errcheck // client went away
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
