package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rank-tracker/internal/metrics"
	"github.com/JakeFAU/rank-tracker/internal/rank"
	"github.com/JakeFAU/rank-tracker/internal/tracker"
)

type outcome struct {
	found bool
	err   error
}

// checkKeyword runs one keyword end to end inside a queue slot. Results are
// written only while the job is still active.
func (r *Runner) checkKeyword(ctx context.Context, job tracker.Job, kw tracker.KeywordTarget) outcome {
	if !r.registry.IsActive(job.ID) {
		metrics.ObserveKeyword(string(job.Type), metrics.OutcomeDiscarded, 0)
		return outcome{err: errDiscarded}
	}
	start := time.Now()
	logger := r.logger.With(
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
		zap.String("job_type", string(job.Type)),
		zap.String("keyword", kw.Keyword),
	)

	session, err := r.browser.Acquire(ctx)
	if err != nil {
		metrics.ObserveKeyword(string(job.Type), metrics.OutcomeError, time.Since(start))
		return outcome{err: fmt.Errorf("acquire session: %w", err)}
	}
	defer session.Close()

	var (
		found bool
		ev    rank.Evidence
		save  func() error
	)
	switch job.Type {
	case tracker.JobTypePlaceRank:
		var res tracker.RankingResult
		res, ev, err = r.checker.CheckPlace(ctx, session, kw)
		found = res.Found
		save = func() error { return r.store.SavePlaceResult(ctx, kw.KeywordID, res) }
	case tracker.JobTypeBlogRank:
		var res tracker.BlogRankingResult
		res, ev, err = r.checker.CheckBlog(ctx, session, kw)
		found = res.MainTabExposed || res.BlogTabRank != nil
		save = func() error { return r.store.SaveBlogResult(ctx, kw.KeywordID, res) }
	default:
		return outcome{err: fmt.Errorf("unsupported job type %q", job.Type)}
	}

	structureMiss := rank.IsStructureMiss(err)
	if err != nil && !structureMiss {
		metrics.ObserveKeyword(string(job.Type), metrics.OutcomeError, time.Since(start))
		r.snapshot(ctx, job, kw, ev, false)
		return outcome{err: err}
	}
	if structureMiss {
		logger.Warn("result structure not found; recording no rank", zap.Error(err))
		r.record(tracker.LogWarning, fmt.Sprintf("%s result structure not found for %q", job.Type, kw.Keyword), map[string]any{
			"job_id":     job.ID,
			"keyword_id": kw.KeywordID,
			"error":      err.Error(),
		}, job.TenantID)
	}

	if !r.registry.IsActive(job.ID) {
		logger.Info("late result discarded")
		metrics.ObserveKeyword(string(job.Type), metrics.OutcomeDiscarded, time.Since(start))
		return outcome{err: errDiscarded}
	}
	if err := save(); err != nil {
		metrics.ObserveKeyword(string(job.Type), metrics.OutcomeError, time.Since(start))
		return outcome{err: fmt.Errorf("save result: %w", err)}
	}
	if err := r.store.TouchLastChecked(ctx, kw.KeywordID, r.now()); err != nil {
		logger.Warn("touch last checked failed", zap.Error(err))
	}
	r.snapshot(ctx, job, kw, ev, found)

	result := metrics.OutcomeNotFound
	switch {
	case structureMiss:
		result = metrics.OutcomeStructureMiss
	case found:
		result = metrics.OutcomeFound
	}
	metrics.ObserveKeyword(string(job.Type), result, time.Since(start))
	logger.Debug("keyword checked", zap.Bool("found", found), zap.Int("pages", ev.PagesScanned))
	return outcome{found: found}
}

// SnapshotPath is where a keyword's result page is stored.
func SnapshotPath(jobType tracker.JobType, tenantID, keywordID string, at time.Time) string {
	return fmt.Sprintf("snapshots/%s/%s/%s/%d.html", jobType, tenantID, keywordID, at.Unix())
}

func (r *Runner) snapshot(ctx context.Context, job tracker.Job, kw tracker.KeywordTarget, ev rank.Evidence, found bool) {
	if r.blobs == nil || ev.HTML == "" {
		return
	}
	if found && r.cfg.SnapshotOnlyNotFound {
		return
	}
	path := SnapshotPath(job.Type, job.TenantID, kw.KeywordID, r.now())
	uri, err := r.blobs.PutObject(ctx, path, "text/html; charset=utf-8", strings.NewReader(ev.HTML))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			metrics.ObserveKeyword(string(job.Type), metrics.OutcomeSnapshotFailed, 0)
		}
		r.logger.Warn("snapshot upload failed",
			zap.String("job_id", job.ID),
			zap.String("keyword", kw.Keyword),
			zap.String("path", path),
			zap.Error(err),
		)
		return
	}
	r.logger.Debug("snapshot stored", zap.String("job_id", job.ID), zap.String("uri", uri))
}
