// Package jobs is the in-memory registry of tracking jobs. It is the sole
// writer of job state and enforces one active job per (tenant, job type).
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rank-tracker/internal/tracker"
)

var (
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when an update would leave a terminal
	// state or move a job backwards.
	ErrInvalidTransition = errors.New("invalid job transition")
)

// SupersededReason is the error recorded on jobs cancelled by a new cycle.
const SupersededReason = "superseded by new run"

// Publisher receives every job change; satisfied by the event bus.
type Publisher interface {
	PublishJob(action tracker.JobAction, job tracker.Job)
}

// Recorder receives lifecycle log lines; satisfied by the system log.
type Recorder interface {
	Record(level tracker.LogLevel, category, message string, details map[string]any, tenantID string)
}

// Config tunes retention.
type Config struct {
	Retention time.Duration
}

// Patch lists the fields Update merges. Nil fields are left untouched.
type Patch struct {
	Status   *tracker.JobStatus
	Progress *tracker.Progress
	Results  *tracker.JobResults
	Error    *tracker.JobError
}

type activeKey struct {
	tenantID string
	jobType  tracker.JobType
}

// Manager stores jobs in a dense arena indexed by id, with a second index of
// active jobs per (tenant, type).
type Manager struct {
	cfg       Config
	clock     tracker.Clock
	publisher Publisher
	recorder  Recorder
	logger    *zap.Logger

	mu     sync.RWMutex
	arena  []tracker.Job
	byID   map[string]int
	active map[activeKey]string
}

// NewManager constructs a Manager. publisher and recorder may be nil.
func NewManager(cfg Config, clock tracker.Clock, publisher Publisher, recorder Recorder, logger *zap.Logger) *Manager {
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:       cfg,
		clock:     clock,
		publisher: publisher,
		recorder:  recorder,
		logger:    logger,
		byID:      make(map[string]int),
		active:    make(map[activeKey]string),
	}
}

// Enqueue registers a queued job for the tenant and type. When one is already
// active it returns that job's id and created=false.
func (m *Manager) Enqueue(tenantID, tenantLabel string, jobType tracker.JobType) (id string, created bool, err error) {
	if !jobType.Valid() {
		return "", false, fmt.Errorf("enqueue %q: unknown job type", jobType)
	}
	if tenantID == "" {
		return "", false, errors.New("enqueue: tenant id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := activeKey{tenantID: tenantID, jobType: jobType}
	if existing, ok := m.active[key]; ok {
		m.logger.Warn("job already active",
			zap.String("job_id", existing),
			zap.String("tenant_id", tenantID),
			zap.String("job_type", string(jobType)),
		)
		m.record(tracker.LogWarning, "duplicate job registration ignored", map[string]any{
			"job_id":   existing,
			"job_type": string(jobType),
		}, tenantID)
		return existing, false, nil
	}

	now := m.clock.Now()
	id = m.newIDLocked(jobType, tenantID, now)
	job := tracker.Job{
		ID:          id,
		TenantID:    tenantID,
		TenantLabel: tenantLabel,
		Type:        jobType,
		Status:      tracker.JobStatusQueued,
		CreatedAt:   now,
	}
	m.byID[id] = len(m.arena)
	m.arena = append(m.arena, job)
	m.active[key] = id
	m.publish(tracker.JobAdded, job)
	return id, true, nil
}

func (m *Manager) newIDLocked(jobType tracker.JobType, tenantID string, now time.Time) string {
	base := fmt.Sprintf("%s-%s-%d", jobType, tenantID, now.UnixMilli())
	id := base
	for n := 2; ; n++ {
		if _, taken := m.byID[id]; !taken {
			return id
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
}

// Update merges patch into the job. Entering running stamps StartedAt;
// entering completed or failed stamps CompletedAt, frees the active slot and
// writes a log entry. Terminal jobs reject every update.
func (m *Manager) Update(jobID string, patch Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.byID[jobID]
	if !ok {
		return fmt.Errorf("update %s: %w", jobID, ErrJobNotFound)
	}
	job := m.arena[idx]
	if job.Status.Terminal() {
		return fmt.Errorf("update %s in status %s: %w", jobID, job.Status, ErrInvalidTransition)
	}
	if patch.Status != nil && !allowed(job.Status, *patch.Status) {
		return fmt.Errorf("update %s from %s to %s: %w", jobID, job.Status, *patch.Status, ErrInvalidTransition)
	}

	if patch.Progress != nil {
		job.Progress = *patch.Progress
	}
	if patch.Results != nil {
		res := *patch.Results
		job.Results = &res
	}
	if patch.Error != nil {
		e := *patch.Error
		job.Error = &e
	}
	if patch.Status != nil {
		m.transitionLocked(&job, *patch.Status)
	}
	m.arena[idx] = job
	m.publish(tracker.JobUpdated, job)
	return nil
}

func allowed(from, to tracker.JobStatus) bool {
	switch from {
	case tracker.JobStatusQueued:
		return to.Active() || to.Terminal()
	case tracker.JobStatusRunning:
		return to == tracker.JobStatusRunning || to.Terminal()
	default:
		return false
	}
}

func (m *Manager) transitionLocked(job *tracker.Job, to tracker.JobStatus) {
	now := m.clock.Now()
	job.Status = to
	if to == tracker.JobStatusRunning && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if !to.Terminal() {
		return
	}
	job.CompletedAt = &now
	key := activeKey{tenantID: job.TenantID, jobType: job.Type}
	if m.active[key] == job.ID {
		delete(m.active, key)
	}

	details := map[string]any{"job_id": job.ID, "job_type": string(job.Type)}
	if job.Results != nil {
		details["success_count"] = job.Results.SuccessCount
		details["failed_count"] = job.Results.FailedCount
	}
	if to == tracker.JobStatusCompleted {
		m.record(tracker.LogInfo, fmt.Sprintf("%s job completed for %s", job.Type, job.TenantLabel), details, job.TenantID)
		return
	}
	if job.Error != nil {
		details["error"] = job.Error.Message
	}
	m.record(tracker.LogError, fmt.Sprintf("%s job failed for %s", job.Type, job.TenantLabel), details, job.TenantID)
}

// UpdateProgress replaces only the progress counters of an active job and
// publishes a progress event. Current never moves backwards.
func (m *Manager) UpdateProgress(jobID string, current, total int, currentKeyword string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.byID[jobID]
	if !ok {
		return fmt.Errorf("progress %s: %w", jobID, ErrJobNotFound)
	}
	job := m.arena[idx]
	if job.Status.Terminal() {
		return fmt.Errorf("progress %s in status %s: %w", jobID, job.Status, ErrInvalidTransition)
	}
	if current < job.Progress.Current {
		current = job.Progress.Current
	}
	job.Progress = tracker.Progress{Current: current, Total: total, CurrentKeyword: currentKeyword}
	m.arena[idx] = job
	m.publish(tracker.JobProgress, job)
	return nil
}

// Cancel soft-cancels one active job: it is marked failed with reason and any
// work still in flight for it has its later writes rejected.
func (m *Manager) Cancel(jobID, reason string) error {
	failed := tracker.JobStatusFailed
	return m.Update(jobID, Patch{
		Status: &failed,
		Error:  &tracker.JobError{Message: reason, Timestamp: m.clock.Now()},
	})
}

// CancelAllActive fails every queued or running job as superseded and
// returns how many were cancelled.
func (m *Manager) CancelAllActive() int {
	m.mu.RLock()
	ids := make([]string, 0, len(m.active))
	for _, id := range m.active {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	cancelled := 0
	for _, id := range ids {
		if err := m.Cancel(id, SupersededReason); err != nil {
			// finished between the snapshot and the cancel
			continue
		}
		cancelled++
	}
	if cancelled > 0 {
		m.logger.Warn("cancelled active jobs", zap.Int("count", cancelled))
	}
	return cancelled
}

// IsActive reports whether the job exists and is queued or running.
func (m *Manager) IsActive(jobID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.byID[jobID]
	return ok && m.arena[idx].Status.Active()
}

// Get returns a copy of one job.
func (m *Manager) Get(jobID string) (tracker.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.byID[jobID]
	if !ok {
		return tracker.Job{}, fmt.Errorf("get %s: %w", jobID, ErrJobNotFound)
	}
	return m.arena[idx].Clone(), nil
}

// List returns every job, newest first.
func (m *Manager) List() []tracker.Job {
	return m.filter(func(tracker.Job) bool { return true })
}

// ListActive returns queued and running jobs, newest first.
func (m *Manager) ListActive() []tracker.Job {
	return m.filter(func(j tracker.Job) bool { return j.Status.Active() })
}

// ListByTenant returns one tenant's jobs, newest first.
func (m *Manager) ListByTenant(tenantID string) []tracker.Job {
	return m.filter(func(j tracker.Job) bool { return j.TenantID == tenantID })
}

// Recent returns at most n jobs, newest first.
func (m *Manager) Recent(n int) []tracker.Job {
	all := m.List()
	if n >= 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

func (m *Manager) filter(keep func(tracker.Job) bool) []tracker.Job {
	m.mu.RLock()
	out := make([]tracker.Job, 0, len(m.arena))
	for _, job := range m.arena {
		if keep(job) {
			out = append(out, job.Clone())
		}
	}
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Sweep deletes terminal jobs whose CompletedAt is older than the retention
// window and returns how many were removed.
func (m *Manager) Sweep() int {
	cutoff := m.clock.Now().Add(-m.cfg.Retention)
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for i := 0; i < len(m.arena); {
		job := m.arena[i]
		if job.Status.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			m.removeLocked(i)
			removed++
			continue
		}
		i++
	}
	if removed > 0 {
		m.logger.Info("swept expired jobs", zap.Int("removed", removed))
	}
	return removed
}

// removeLocked swaps the last arena slot into i.
func (m *Manager) removeLocked(i int) {
	delete(m.byID, m.arena[i].ID)
	last := len(m.arena) - 1
	if i != last {
		m.arena[i] = m.arena[last]
		m.byID[m.arena[i].ID] = i
	}
	m.arena[last] = tracker.Job{}
	m.arena = m.arena[:last]
}

// RunSweeper calls Sweep every interval until ctx ends.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *Manager) publish(action tracker.JobAction, job tracker.Job) {
	if m.publisher != nil {
		m.publisher.PublishJob(action, job.Clone())
	}
}

func (m *Manager) record(level tracker.LogLevel, message string, details map[string]any, tenantID string) {
	if m.recorder != nil {
		m.recorder.Record(level, tracker.CategoryJobs, message, details, tenantID)
	}
}
