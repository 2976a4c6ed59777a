package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/rank-tracker/internal/jobs"
	"github.com/JakeFAU/rank-tracker/internal/scheduler"
	"github.com/JakeFAU/rank-tracker/internal/systemlog"
	"github.com/JakeFAU/rank-tracker/internal/tracker"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
	defaultLogLimit = 100
	maxLogLimit     = systemlog.DefaultCapacity
	cancelReason    = "cancelled via API"
)

// listJobs handles GET /v1/jobs?tenant_id=&status=&active=&limit=, newest first.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"), defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var list []tracker.Job
	switch tenantID := strings.TrimSpace(q.Get("tenant_id")); {
	case tenantID != "":
		list = s.deps.Jobs.ListByTenant(tenantID)
	case q.Get("active") == "true":
		list = s.deps.Jobs.ListActive()
	default:
		list = s.deps.Jobs.List()
	}

	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status, err := parseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filtered := list[:0:0]
		for _, j := range list {
			if j.Status == status {
				filtered = append(filtered, j)
			}
		}
		list = filtered
	}
	if len(list) > limit {
		list = list[:limit]
	}
	if list == nil {
		list = []tracker.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Get(chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// cancelJob soft-cancels one active job. Work in flight for it keeps running
// but its results are discarded.
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = cancelReason
	}
	if err := s.deps.Jobs.Cancel(jobID, reason); err != nil {
		s.writeJobError(w, err)
		return
	}
	job, err := s.deps.Jobs.Get(jobID)
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, jobs.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "job is no longer active")
	default:
		s.logger.Error("job request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Jobs.Stats())
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Status.Snapshot())
}

// logs handles GET /v1/logs?level=&category=&tenant_id=&since=&limit=, oldest first.
func (s *Server) logs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"), defaultLogLimit, maxLogLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := systemlog.Filter{
		Category: strings.TrimSpace(q.Get("category")),
		TenantID: strings.TrimSpace(q.Get("tenant_id")),
		Limit:    limit,
	}
	if raw := strings.TrimSpace(q.Get("level")); raw != "" {
		level, err := parseLevel(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Level = level
	}
	if raw := strings.TrimSpace(q.Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = since
	}
	entries := s.deps.Logs.Entries(filter)
	if entries == nil {
		entries = []tracker.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": entries})
}

func (s *Server) schedulerStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Scheduler.Status())
}

// triggerRun handles POST /v1/runs/{scope}. With ?wait=true it returns the
// cycle report once the cycle finishes; otherwise it starts the cycle in the
// background and answers 202.
func (s *Server) triggerRun(w http.ResponseWriter, r *http.Request) {
	scope, err := scheduler.ParseScope(chi.URLParam(r, "scope"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if r.URL.Query().Get("wait") == "true" {
		report, err := s.deps.Scheduler.RunManually(r.Context(), scope)
		if err != nil {
			s.logger.Error("manual run failed", zap.String("scope", string(scope)), zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	go func() {
		if _, err := s.deps.Scheduler.RunManually(s.baseCtx, scope); err != nil {
			s.logger.Error("manual run failed", zap.String("scope", string(scope)), zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"scope": string(scope), "status": "started"})
}

func parseLimit(raw string, def, maxLimit int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}

func parseStatus(raw string) (tracker.JobStatus, error) {
	switch st := tracker.JobStatus(strings.ToLower(raw)); st {
	case tracker.JobStatusQueued, tracker.JobStatusRunning, tracker.JobStatusCompleted, tracker.JobStatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown status %q", raw)
	}
}

func parseLevel(raw string) (tracker.LogLevel, error) {
	switch lvl := tracker.LogLevel(strings.ToLower(raw)); lvl {
	case tracker.LogDebug, tracker.LogInfo, tracker.LogWarning, tracker.LogError:
		return lvl, nil
	default:
		return "", fmt.Errorf("unknown level %q", raw)
	}
}
