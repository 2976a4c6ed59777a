// Package worker runs one tenant's tracking job: it fans the tenant's active
// keywords out over the bounded queue, writes each result back to the target
// store, and settles the job record.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rank-tracker/internal/browser"
	"github.com/JakeFAU/rank-tracker/internal/jobs"
	"github.com/JakeFAU/rank-tracker/internal/queue"
	"github.com/JakeFAU/rank-tracker/internal/rank"
	"github.com/JakeFAU/rank-tracker/internal/tracker"
)

// errDiscarded marks keyword work skipped or dropped because its job is no
// longer active.
var errDiscarded = errors.New("job no longer active")

// Session is an isolated browsing context.
type Session interface {
	rank.Page
	Close()
}

// Browser hands out sessions.
type Browser interface {
	Acquire(ctx context.Context) (Session, error)
}

// Checker runs the rank algorithms; satisfied by *rank.Extractor.
type Checker interface {
	CheckPlace(ctx context.Context, page rank.Page, target tracker.KeywordTarget) (tracker.RankingResult, rank.Evidence, error)
	CheckBlog(ctx context.Context, page rank.Page, target tracker.KeywordTarget) (tracker.BlogRankingResult, rank.Evidence, error)
}

// Registry is the slice of the job manager the worker writes through.
type Registry interface {
	Get(jobID string) (tracker.Job, error)
	Update(jobID string, patch jobs.Patch) error
	UpdateProgress(jobID string, current, total int, currentKeyword string) error
	IsActive(jobID string) bool
}

// Recorder receives operator-facing log lines.
type Recorder interface {
	Record(level tracker.LogLevel, category, message string, details map[string]any, tenantID string)
}

// Config controls snapshot capture.
type Config struct {
	SnapshotOnlyNotFound bool
}

// Runner executes tracking jobs.
type Runner struct {
	registry Registry
	store    tracker.TargetStore
	browser  Browser
	checker  Checker
	pool     *queue.Pool
	blobs    tracker.BlobStore
	recorder Recorder
	clock    tracker.Clock
	cfg      Config
	logger   *zap.Logger
}

// Deps groups the Runner's collaborators. Blobs and Recorder may be nil.
type Deps struct {
	Registry Registry
	Store    tracker.TargetStore
	Browser  Browser
	Checker  Checker
	Pool     *queue.Pool
	Blobs    tracker.BlobStore
	Recorder Recorder
	Clock    tracker.Clock
}

// New constructs a Runner.
func New(deps Deps, cfg Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		registry: deps.Registry,
		store:    deps.Store,
		browser:  deps.Browser,
		checker:  deps.Checker,
		pool:     deps.Pool,
		blobs:    deps.Blobs,
		recorder: deps.Recorder,
		clock:    deps.Clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run executes one queued job to completion. Keyword failures are counted on
// the job; only tenant-level failures mark it failed and come back as an
// error. A job cancelled while running keeps its failed state.
func (r *Runner) Run(ctx context.Context, jobID string) (err error) {
	job, err := r.registry.Get(jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	logger := r.logger.With(
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
		zap.String("job_type", string(job.Type)),
	)

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("tracking routine panicked", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("tracking routine panicked: %v", rec)
			r.fail(job, err)
		}
	}()

	running := tracker.JobStatusRunning
	if err := r.registry.Update(job.ID, jobs.Patch{Status: &running}); err != nil {
		return fmt.Errorf("start job: %w", err)
	}

	keywords, err := r.store.ListActiveKeywords(ctx, job.TenantID, job.Type)
	if err != nil {
		err = fmt.Errorf("list keywords: %w", err)
		r.fail(job, err)
		return err
	}
	if len(keywords) == 0 {
		logger.Info("no active keywords")
		r.complete(job, 0, tracker.JobResults{})
		return nil
	}
	if !hasTarget(job.Type, keywords) {
		err = fmt.Errorf("tenant %s: %w", job.TenantID, tracker.ErrNoTarget)
		r.fail(job, err)
		return err
	}

	total := len(keywords)
	if err := r.registry.UpdateProgress(job.ID, 0, total, ""); err != nil {
		logger.Warn("job cancelled before keywords were submitted", zap.Error(err))
		return nil
	}
	logger.Info("tracking started", zap.Int("keywords", total))

	var done atomic.Int64
	futures := make([]*queue.Future[outcome], len(keywords))
	for i, kw := range keywords {
		futures[i] = queue.Submit(ctx, r.pool, func(taskCtx context.Context) (outcome, error) {
			out := r.checkKeyword(taskCtx, job, kw)
			if !errors.Is(out.err, errDiscarded) {
				current := int(done.Add(1))
				if perr := r.registry.UpdateProgress(job.ID, current, total, kw.Keyword); perr != nil {
					out.err = errDiscarded
				}
			}
			return out, nil
		})
	}

	var results tracker.JobResults
	discarded := 0
	for i, fut := range futures {
		out, ferr := fut.Await(ctx)
		if ferr == nil {
			ferr = out.err
		}
		switch {
		case ctx.Err() != nil:
			logger.Warn("tracking interrupted", zap.Error(ctx.Err()))
			r.fail(job, fmt.Errorf("tracking interrupted: %w", ctx.Err()))
			return ctx.Err()
		case ferr == nil:
			results.SuccessCount++
		case errors.Is(ferr, errDiscarded):
			discarded++
		default:
			results.FailedCount++
			r.keywordFailed(job, keywords[i], ferr)
		}
	}

	if discarded > 0 || !r.registry.IsActive(job.ID) {
		logger.Warn("job superseded; late results discarded",
			zap.Int("discarded", discarded),
			zap.Int("success_count", results.SuccessCount),
		)
		return nil
	}
	r.complete(job, total, results)
	logger.Info("tracking finished",
		zap.Int("success_count", results.SuccessCount),
		zap.Int("failed_count", results.FailedCount),
	)
	return nil
}

func hasTarget(jobType tracker.JobType, keywords []tracker.KeywordTarget) bool {
	for _, kw := range keywords {
		switch jobType {
		case tracker.JobTypePlaceRank:
			if kw.PlaceName != "" || kw.PlaceID != "" {
				return true
			}
		case tracker.JobTypeBlogRank:
			if rank.TargetBlogID(kw) != "" {
				return true
			}
		}
	}
	return false
}

func (r *Runner) complete(job tracker.Job, total int, results tracker.JobResults) {
	completed := tracker.JobStatusCompleted
	progress := tracker.Progress{Current: total, Total: total}
	if err := r.registry.Update(job.ID, jobs.Patch{
		Status:   &completed,
		Progress: &progress,
		Results:  &results,
	}); err != nil {
		r.logger.Warn("job could not be completed",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
}

func (r *Runner) fail(job tracker.Job, cause error) {
	failed := tracker.JobStatusFailed
	if err := r.registry.Update(job.ID, jobs.Patch{
		Status: &failed,
		Error:  &tracker.JobError{Message: cause.Error(), Timestamp: r.now()},
	}); err != nil {
		r.logger.Warn("job could not be failed",
			zap.String("job_id", job.ID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
	}
}

func (r *Runner) keywordFailed(job tracker.Job, kw tracker.KeywordTarget, err error) {
	level := tracker.LogError
	if errors.Is(err, tracker.ErrNoTarget) {
		level = tracker.LogWarning
	}
	r.logger.Warn("keyword check failed",
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
		zap.String("keyword", kw.Keyword),
		zap.Error(err),
	)
	r.record(level, fmt.Sprintf("%s check failed for %q", job.Type, kw.Keyword), map[string]any{
		"job_id":     job.ID,
		"keyword_id": kw.KeywordID,
		"error":      err.Error(),
	}, job.TenantID)
}

func (r *Runner) record(level tracker.LogLevel, message string, details map[string]any, tenantID string) {
	if r.recorder == nil {
		return
	}
	r.recorder.Record(level, tracker.CategoryTracking, message, details, tenantID)
}

func (r *Runner) now() time.Time {
	if r.clock == nil {
		return time.Now().UTC()
	}
	return r.clock.Now()
}

// FromProvider adapts a browser.Provider to Browser.
func FromProvider(p *browser.Provider) Browser {
	return providerBrowser{p: p}
}

type providerBrowser struct {
	p *browser.Provider
}

func (b providerBrowser) Acquire(ctx context.Context) (Session, error) {
	s, err := b.p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}
