// Package scheduler fires the daily tracking cycle from a cron trigger and on
// demand. A cycle cancels leftover jobs, registers one job per eligible
// (tenant, job type), runs them one after another, then refreshes ads.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/rank-tracker/internal/metrics"
	"github.com/JakeFAU/rank-tracker/internal/tracker"
)

var (
	// ErrUnknownScope is returned for a scope outside all|place-rank|blog-rank|ads.
	ErrUnknownScope = errors.New("unknown run scope")
	// ErrAlreadyRunning is returned by Start on a started scheduler.
	ErrAlreadyRunning = errors.New("scheduler already running")
)

// Scope narrows a cycle.
type Scope string

// Supported scopes.
const (
	ScopeAll       Scope = "all"
	ScopePlaceRank Scope = "place-rank"
	ScopeBlogRank  Scope = "blog-rank"
	ScopeAds       Scope = "ads"
)

// ParseScope validates a scope name.
func ParseScope(raw string) (Scope, error) {
	switch s := Scope(strings.ToLower(strings.TrimSpace(raw))); s {
	case ScopeAll, ScopePlaceRank, ScopeBlogRank, ScopeAds:
		return s, nil
	default:
		return "", fmt.Errorf("scope %q: %w", raw, ErrUnknownScope)
	}
}

func (s Scope) jobTypes() []tracker.JobType {
	switch s {
	case ScopeAll:
		return tracker.JobTypes()
	case ScopePlaceRank:
		return []tracker.JobType{tracker.JobTypePlaceRank}
	case ScopeBlogRank:
		return []tracker.JobType{tracker.JobTypeBlogRank}
	default:
		return nil
	}
}

func (s Scope) includesAds() bool {
	return s == ScopeAll || s == ScopeAds
}

// State is the trigger state.
type State string

// Scheduler states.
const (
	StateStopped State = "stopped"
	StateRunning State = "running"
)

// Registry is the slice of the job manager a cycle needs.
type Registry interface {
	CancelAllActive() int
	Enqueue(tenantID, tenantLabel string, jobType tracker.JobType) (string, bool, error)
	Cancel(jobID, reason string) error
	IsActive(jobID string) bool
}

// Runner executes one registered job; satisfied by *worker.Runner.
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// Recorder receives operator-facing log lines.
type Recorder interface {
	Record(level tracker.LogLevel, category, message string, details map[string]any, tenantID string)
}

// Config is the cron expression and the timezone it is evaluated in.
type Config struct {
	Cron     string
	Timezone string
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	State           State      `json:"state"`
	Cron            string     `json:"cron"`
	Timezone        string     `json:"timezone"`
	NextRun         *time.Time `json:"next_run,omitempty"`
	LastRun         *time.Time `json:"last_run,omitempty"`
	LastRunScope    Scope      `json:"last_run_scope,omitempty"`
	LastRunDuration string     `json:"last_run_duration,omitempty"`
	CycleRunning    bool       `json:"cycle_running"`
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	Scope     Scope         `json:"scope"`
	Trigger   string        `json:"trigger"`
	Cancelled int           `json:"cancelled"`
	Jobs      []string      `json:"jobs"`
	Failed    []string      `json:"failed"`
	AdsError  string        `json:"ads_error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Deps groups the collaborators.
type Deps struct {
	Registry Registry
	Store    tracker.TargetStore
	Runner   Runner
	Ads      tracker.AdsRefresher
	Recorder Recorder
	Clock    tracker.Clock
}

// Scheduler owns the cron trigger and the cycle.
type Scheduler struct {
	cfg      Config
	loc      *time.Location
	registry Registry
	store    tracker.TargetStore
	runner   Runner
	ads      tracker.AdsRefresher
	recorder Recorder
	clock    tracker.Clock
	logger   *zap.Logger

	mu           sync.Mutex
	cron         *cron.Cron
	entry        cron.EntryID
	baseCtx      context.Context
	generation   uint64
	cycles       int
	lastRun      *time.Time
	lastScope    Scope
	lastDuration time.Duration
}

// New validates cfg and constructs a stopped Scheduler.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Scheduler, error) {
	if cfg.Cron == "" {
		cfg.Cron = "0 6 * * *"
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Asia/Seoul"
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}
	if _, err := cron.ParseStandard(cfg.Cron); err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", cfg.Cron, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:      cfg,
		loc:      loc,
		registry: deps.Registry,
		store:    deps.Store,
		runner:   deps.Runner,
		ads:      deps.Ads,
		recorder: deps.Recorder,
		clock:    deps.Clock,
		logger:   logger,
	}, nil
}

// Start registers the cron trigger. Cron-fired cycles run under ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return ErrAlreadyRunning
	}
	c := cron.New(cron.WithLocation(s.loc))
	id, err := c.AddFunc(s.cfg.Cron, func() {
		if _, err := s.runCycle(s.cronContext(), ScopeAll, "cron"); err != nil {
			s.logger.Error("scheduled cycle failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("register cron trigger: %w", err)
	}
	c.Start()
	s.cron = c
	s.entry = id
	s.baseCtx = ctx

	next := c.Entry(id).Next
	s.logger.Info("scheduler started",
		zap.String("cron", s.cfg.Cron),
		zap.String("timezone", s.cfg.Timezone),
		zap.Time("next_run", next),
	)
	s.record(tracker.LogInfo, "scheduler started", map[string]any{
		"cron":     s.cfg.Cron,
		"timezone": s.cfg.Timezone,
		"next_run": next,
	})
	return nil
}

func (s *Scheduler) cronContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx == nil {
		return context.Background()
	}
	return s.baseCtx
}

// Stop unregisters the trigger and waits, until ctx ends, for a cron-fired
// cycle in progress to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.entry = 0
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	done := c.Stop()
	s.logger.Info("scheduler stopped")
	s.record(tracker.LogInfo, "scheduler stopped", nil)
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for scheduled cycle: %w", ctx.Err())
	}
}

// Status reports trigger state, next and last run.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:        StateStopped,
		Cron:         s.cfg.Cron,
		Timezone:     s.cfg.Timezone,
		LastRunScope: s.lastScope,
		CycleRunning: s.cycles > 0,
	}
	if s.cron != nil {
		st.State = StateRunning
		if next := s.cron.Entry(s.entry).Next; !next.IsZero() {
			st.NextRun = &next
		}
	}
	if s.lastRun != nil {
		at := *s.lastRun
		st.LastRun = &at
		st.LastRunDuration = s.lastDuration.Round(time.Millisecond).String()
	}
	return st
}

// NextRun computes the next fire time after from, whether or not the
// trigger is registered.
func (s *Scheduler) NextRun(from time.Time) time.Time {
	sched, err := cron.ParseStandard(s.cfg.Cron)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(from.In(s.loc))
}

// RunManually runs a cycle for scope and returns once it has finished.
func (s *Scheduler) RunManually(ctx context.Context, scope Scope) (CycleReport, error) {
	if _, err := ParseScope(string(scope)); err != nil {
		return CycleReport{}, err
	}
	return s.runCycle(ctx, scope, "manual")
}

func (s *Scheduler) runCycle(ctx context.Context, scope Scope, trigger string) (CycleReport, error) {
	start := s.now()
	report := CycleReport{Scope: scope, Trigger: trigger}
	metrics.ObserveSchedulerCycle(string(scope), trigger)

	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.cycles++
	s.mu.Unlock()
	defer func() {
		report.Duration = s.now().Sub(start)
		s.mu.Lock()
		s.cycles--
		s.lastRun = &start
		s.lastScope = scope
		s.lastDuration = report.Duration
		s.mu.Unlock()
	}()

	logger := s.logger.With(zap.String("scope", string(scope)), zap.String("trigger", trigger))
	report.Cancelled = s.registry.CancelAllActive()
	logger.Info("cycle started", zap.Int("cancelled", report.Cancelled))
	s.record(tracker.LogInfo, fmt.Sprintf("%s cycle started (%s)", scope, trigger), map[string]any{
		"cancelled": report.Cancelled,
	})

	type pending struct {
		jobID  string
		tenant tracker.TenantRef
	}
	var queue []pending
	for _, jobType := range scope.jobTypes() {
		tenants, err := s.store.ListActiveTenants(ctx, jobType)
		if err != nil {
			logger.Error("list tenants failed", zap.String("job_type", string(jobType)), zap.Error(err))
			s.record(tracker.LogError, "tenant enumeration failed", map[string]any{
				"job_type": string(jobType),
				"error":    err.Error(),
			})
			continue
		}
		for _, t := range tenants {
			id, _, err := s.registry.Enqueue(t.ID, t.Label, jobType)
			if err != nil {
				logger.Error("enqueue failed", zap.String("tenant_id", t.ID), zap.Error(err))
				continue
			}
			queue = append(queue, pending{jobID: id, tenant: t})
		}
	}

	for _, p := range queue {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("cycle interrupted: %w", err)
		}
		if s.superseded(gen) {
			logger.Warn("cycle superseded by a newer run")
			return report, nil
		}
		report.Jobs = append(report.Jobs, p.jobID)
		if err := s.runJob(ctx, p.jobID); err != nil {
			report.Failed = append(report.Failed, p.jobID)
			logger.Warn("tenant routine failed",
				zap.String("job_id", p.jobID),
				zap.String("tenant_id", p.tenant.ID),
				zap.Error(err),
			)
		}
	}

	if scope.includesAds() && s.ads != nil && !s.superseded(gen) {
		if err := s.ads.Refresh(ctx); err != nil {
			report.AdsError = err.Error()
			logger.Error("ads refresh failed", zap.Error(err))
		}
	}

	elapsed := s.now().Sub(start)
	logger.Info("cycle finished",
		zap.Int("jobs", len(report.Jobs)),
		zap.Int("failed", len(report.Failed)),
		zap.Duration("duration", elapsed),
	)
	s.record(tracker.LogInfo, fmt.Sprintf("%s cycle finished", scope), map[string]any{
		"jobs":        len(report.Jobs),
		"failed":      len(report.Failed),
		"duration_ms": elapsed.Milliseconds(),
	})
	return report, nil
}

// runJob runs one tenant routine. Panics are contained here, and a job the
// routine left active is failed so it cannot block the next cycle.
func (s *Scheduler) runJob(ctx context.Context, jobID string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("tenant routine panicked",
				zap.String("job_id", jobID),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("tenant routine panicked: %v", rec)
		}
		if err != nil && s.registry.IsActive(jobID) {
			if cerr := s.registry.Cancel(jobID, err.Error()); cerr != nil {
				s.logger.Warn("fail job after routine error", zap.String("job_id", jobID), zap.Error(cerr))
			}
		}
	}()
	return s.runner.Run(ctx, jobID)
}

func (s *Scheduler) superseded(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation != gen
}

func (s *Scheduler) record(level tracker.LogLevel, message string, details map[string]any) {
	if s.recorder != nil {
		s.recorder.Record(level, tracker.CategoryScheduler, message, details, "")
	}
}

func (s *Scheduler) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}
