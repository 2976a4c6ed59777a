package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/rank-tracker/internal/events"
	"github.com/JakeFAU/rank-tracker/internal/jobs"
	"github.com/JakeFAU/rank-tracker/internal/metrics"
	"github.com/JakeFAU/rank-tracker/internal/scheduler"
	"github.com/JakeFAU/rank-tracker/internal/systemlog"
	"github.com/JakeFAU/rank-tracker/internal/tracker"
)

// JobQueries is the read and cancel surface of the job manager.
type JobQueries interface {
	List() []tracker.Job
	ListActive() []tracker.Job
	ListByTenant(tenantID string) []tracker.Job
	Get(jobID string) (tracker.Job, error)
	Cancel(jobID, reason string) error
	Stats() jobs.Stats
}

// LogQueries reads the system log.
type LogQueries interface {
	Entries(f systemlog.Filter) []tracker.LogEntry
}

// Cycles triggers and inspects the scheduler.
type Cycles interface {
	RunManually(ctx context.Context, scope scheduler.Scope) (scheduler.CycleReport, error)
	Status() scheduler.Status
}

// EventSource hands out live event subscriptions.
type EventSource interface {
	Subscribe() *events.Subscription
	Subscribers() int
}

// StatusSource builds status snapshots.
type StatusSource interface {
	Snapshot() events.Status
}

// Deps groups the collaborators behind the routes.
type Deps struct {
	Jobs      JobQueries
	Logs      LogQueries
	Scheduler Cycles
	Events    EventSource
	Status    StatusSource
}

// Config tunes the server.
type Config struct {
	RequestTimeout time.Duration
	MetricsEnabled bool
}

// Server wires HTTP handlers to the tracker services.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    Config
	logger *zap.Logger

	// baseCtx scopes cycles started asynchronously so they outlive the request.
	baseCtx context.Context
}

// NewServer constructs a Server with middleware and routes. Asynchronous runs
// use ctx.
func NewServer(ctx context.Context, deps Deps, cfg Config, logger *zap.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, cfg: cfg, logger: logger, baseCtx: ctx}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.recoverMiddleware)

	// The event stream hijacks the connection, so it skips the wrapping
	// middleware and timeout.
	r.Get("/v1/events", s.streamEvents)

	r.Group(func(r chi.Router) {
		if cfg.MetricsEnabled {
			r.Use(metrics.Middleware)
		}
		r.Use(s.loggingMiddleware)

		r.Get("/healthz", s.healthz)
		r.Get("/readyz", s.readyz)
		if cfg.MetricsEnabled {
			r.Handle("/metrics", metrics.Handler())
		}

		r.Post("/v1/runs/{scope}", s.triggerRun)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(cfg.RequestTimeout))
			r.Get("/v1/jobs", s.listJobs)
			r.Get("/v1/jobs/{job_id}", s.getJob)
			r.Post("/v1/jobs/{job_id}/cancel", s.cancelJob)
			r.Get("/v1/stats", s.stats)
			r.Get("/v1/status", s.status)
			r.Get("/v1/logs", s.logs)
			r.Get("/v1/scheduler", s.schedulerStatus)
		})
	})

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

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"scheduler": s.deps.Scheduler.Status().State,
	})
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
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", requestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
				)
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

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
