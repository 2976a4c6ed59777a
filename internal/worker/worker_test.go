package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/rank-tracker/internal/clock/system"
	"github.com/JakeFAU/rank-tracker/internal/jobs"
	"github.com/JakeFAU/rank-tracker/internal/queue"
	"github.com/JakeFAU/rank-tracker/internal/rank"
	"github.com/JakeFAU/rank-tracker/internal/storage/memory"
	"github.com/JakeFAU/rank-tracker/internal/tracker"
)

type fakeSession struct {
	closed *atomic.Int64
}

func (fakeSession) Navigate(context.Context, string) error {
	return nil
}

func (fakeSession) WaitFor(context.Context, string, time.Duration) error {
	return nil
}

func (fakeSession) OuterHTML(context.Context, string) (string, error) {
	return "", nil
}

func (fakeSession) Evaluate(context.Context, string, any) error {
	return nil
}

func (fakeSession) Click(context.Context, string) error {
	return nil
}

func (fakeSession) Pause(context.Context, time.Duration) error {
	return nil
}

func (s fakeSession) Close() {
	s.closed.Add(1)
}

type fakeBrowser struct {
	acquired atomic.Int64
	closed   atomic.Int64
	err      error
}

func (b *fakeBrowser) Acquire(context.Context) (Session, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.acquired.Add(1)
	return fakeSession{closed: &b.closed}, nil
}

type fakeChecker struct {
	place func(ctx context.Context, kw tracker.KeywordTarget) (tracker.RankingResult, rank.Evidence, error)
	blog  func(ctx context.Context, kw tracker.KeywordTarget) (tracker.BlogRankingResult, rank.Evidence, error)
}

func (c *fakeChecker) CheckPlace(ctx context.Context, _ rank.Page, kw tracker.KeywordTarget) (tracker.RankingResult, rank.Evidence, error) {
	return c.place(ctx, kw)
}

func (c *fakeChecker) CheckBlog(ctx context.Context, _ rank.Page, kw tracker.KeywordTarget) (tracker.BlogRankingResult, rank.Evidence, error) {
	return c.blog(ctx, kw)
}

type logLine struct {
	level   tracker.LogLevel
	message string
}

type fakeRecorder struct {
	mu    sync.Mutex
	lines []logLine
}

func (r *fakeRecorder) Record(level tracker.LogLevel, _ string, message string, _ map[string]any, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, logLine{level: level, message: message})
}

func (r *fakeRecorder) count(level tracker.LogLevel) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, l := range r.lines {
		if l.level == level {
			n++
		}
	}
	return n
}

type harness struct {
	manager  *jobs.Manager
	store    *memory.TargetStore
	blobs    *memory.BlobStore
	browser  *fakeBrowser
	checker  *fakeChecker
	recorder *fakeRecorder
	runner   *Runner
	pool     *queue.Pool
}

func newHarness(t *testing.T, tenant memory.Tenant) *harness {
	t.Helper()
	clock := system.NewManual(time.Date(2025, 3, 1, 6, 0, 0, 0, time.UTC))
	h := &harness{
		store:    memory.NewTargetStore(tenant),
		blobs:    memory.NewBlobStore(),
		browser:  &fakeBrowser{},
		checker:  &fakeChecker{},
		recorder: &fakeRecorder{},
		pool:     queue.New(3, zap.NewNop()),
	}
	h.manager = jobs.NewManager(jobs.Config{}, clock, nil, nil, zap.NewNop())
	h.runner = New(Deps{
		Registry: h.manager,
		Store:    h.store,
		Browser:  h.browser,
		Checker:  h.checker,
		Pool:     h.pool,
		Blobs:    h.blobs,
		Recorder: h.recorder,
		Clock:    clock,
	}, Config{SnapshotOnlyNotFound: true}, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.pool.Close(ctx)
	})
	return h
}

func (h *harness) enqueue(t *testing.T, tenantID string, jobType tracker.JobType) string {
	t.Helper()
	id, created, err := h.manager.Enqueue(tenantID, "Tenant "+tenantID, jobType)
	require.NoError(t, err)
	require.True(t, created)
	return id
}

func placeKeyword(id, keyword string) memory.Keyword {
	return memory.Keyword{Type: tracker.JobTypePlaceRank, Target: tracker.KeywordTarget{
		KeywordID: id, Keyword: keyword, Active: true, PlaceName: "Cafe One",
	}}
}

func TestRunPlaceJobCountsKeywordOutcomes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, memory.Tenant{ID: "t1", Keywords: []memory.Keyword{
		placeKeyword("k1", "gangnam coffee"),
		placeKeyword("k2", "seoul latte"),
		placeKeyword("k3", "broken"),
	}})
	h.checker.place = func(_ context.Context, kw tracker.KeywordTarget) (tracker.RankingResult, rank.Evidence, error) {
		switch kw.KeywordID {
		case "k1":
			return tracker.RankingResult{OrganicRank: tracker.IntPtr(2), Found: true, TotalScanned: 3}, rank.Evidence{HTML: "<ul>found</ul>"}, nil
		case "k2":
			return tracker.RankingResult{TotalScanned: 70}, rank.Evidence{HTML: "<ul>missing</ul>"}, nil
		default:
			return tracker.RankingResult{}, rank.Evidence{}, errors.New("navigation timeout")
		}
	}
	jobID := h.enqueue(t, "t1", tracker.JobTypePlaceRank)

	require.NoError(t, h.runner.Run(context.Background(), jobID))

	job, err := h.manager.Get(jobID)
	require.NoError(t, err)
	require.Equal(t, tracker.JobStatusCompleted, job.Status)
	require.Equal(t, &tracker.JobResults{SuccessCount: 2, FailedCount: 1}, job.Results)
	require.Equal(t, 3, job.Progress.Current)
	require.Equal(t, 3, job.Progress.Total)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)

	require.Len(t, h.store.PlaceHistory(), 2)
	_, touched := h.store.LastChecked("k3")
	require.False(t, touched)
	_, touched = h.store.LastChecked("k1")
	require.True(t, touched)

	require.Equal(t, []string{"snapshots/place-rank/t1/k2/1740808800.html"}, h.blobs.Paths("snapshots/"))
	require.Equal(t, int64(3), h.browser.closed.Load())
	require.Equal(t, 1, h.recorder.count(tracker.LogError))
}

func TestRunZeroKeywordsCompletesEmpty(t *testing.T) {
	t.Parallel()
	h := newHarness(t, memory.Tenant{ID: "t1", Keywords: []memory.Keyword{
		{Type: tracker.JobTypePlaceRank, Target: tracker.KeywordTarget{KeywordID: "k1", Keyword: "off", Active: false, PlaceName: "x"}},
	}})
	jobID := h.enqueue(t, "t1", tracker.JobTypePlaceRank)

	require.NoError(t, h.runner.Run(context.Background(), jobID))

	job, err := h.manager.Get(jobID)
	require.NoError(t, err)
	require.Equal(t, tracker.JobStatusCompleted, job.Status)
	require.Equal(t, &tracker.JobResults{}, job.Results)
	require.Zero(t, h.browser.acquired.Load())
}

func TestRunTenantFailureMarksJobFailed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, memory.Tenant{ID: "t1"})
	id, _, err := h.manager.Enqueue("ghost", "Ghost", tracker.JobTypeBlogRank)
	require.NoError(t, err)

	err = h.runner.Run(context.Background(), id)
	require.Error(t, err)

	job, getErr := h.manager.Get(id)
	require.NoError(t, getErr)
	require.Equal(t, tracker.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	require.Contains(t, job.Error.Message, "list keywords")
}

func TestRunMissingTargetRegistration(t *testing.T) {
	t.Parallel()
	h := newHarness(t, memory.Tenant{ID: "t1", Keywords: []memory.Keyword{
		{Type: tracker.JobTypePlaceRank, Target: tracker.KeywordTarget{KeywordID: "k1", Keyword: "coffee", Active: true}},
	}})
	jobID := h.enqueue(t, "t1", tracker.JobTypePlaceRank)

	err := h.runner.Run(context.Background(), jobID)
	require.ErrorIs(t, err, tracker.ErrNoTarget)

	job, getErr := h.manager.Get(jobID)
	require.NoError(t, getErr)
	require.Equal(t, tracker.JobStatusFailed, job.Status)
}

func TestRunBlogStructureMissIsRecordedAsNoRank(t *testing.T) {
	t.Parallel()
	h := newHarness(t, memory.Tenant{ID: "t1", Keywords: []memory.Keyword{
		{Type: tracker.JobTypeBlogRank, Target: tracker.KeywordTarget{KeywordID: "b1", Keyword: "latte review", Active: true, BlogID: "abc123"}},
		{Type: tracker.JobTypeBlogRank, Target: tracker.KeywordTarget{KeywordID: "b2", Keyword: "bread", Active: true, BlogID: "abc123"}},
	}})
	h.checker.blog = func(_ context.Context, kw tracker.KeywordTarget) (tracker.BlogRankingResult, rank.Evidence, error) {
		if kw.KeywordID == "b1" {
			return tracker.BlogRankingResult{MainTabExposed: true, BlogTabRank: tracker.IntPtr(3)}, rank.Evidence{HTML: "<div/>"}, nil
		}
		return tracker.BlogRankingResult{}, rank.Evidence{}, errors.Join(errors.New("blog tab"), rank.ErrStructureNotFound)
	}
	jobID := h.enqueue(t, "t1", tracker.JobTypeBlogRank)

	require.NoError(t, h.runner.Run(context.Background(), jobID))

	job, err := h.manager.Get(jobID)
	require.NoError(t, err)
	require.Equal(t, &tracker.JobResults{SuccessCount: 2}, job.Results)
	history := h.store.BlogHistory()
	require.Len(t, history, 2)
	require.Equal(t, 1, h.recorder.count(tracker.LogWarning))
	require.Empty(t, h.blobs.Paths(""))
}

func TestRunRespectsQueueLimit(t *testing.T) {
	t.Parallel()
	var kws []memory.Keyword
	for _, id := range []string{"k1", "k2", "k3", "k4", "k5", "k6", "k7"} {
		kws = append(kws, placeKeyword(id, id))
	}
	h := newHarness(t, memory.Tenant{ID: "t1", Keywords: kws})

	var inFlight, peak atomic.Int64
	h.checker.place = func(context.Context, tracker.KeywordTarget) (tracker.RankingResult, rank.Evidence, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return tracker.RankingResult{Found: true, OrganicRank: tracker.IntPtr(1)}, rank.Evidence{}, nil
	}
	jobID := h.enqueue(t, "t1", tracker.JobTypePlaceRank)

	require.NoError(t, h.runner.Run(context.Background(), jobID))
	require.LessOrEqual(t, peak.Load(), int64(3))

	job, err := h.manager.Get(jobID)
	require.NoError(t, err)
	require.Equal(t, 7, job.Results.SuccessCount)
}

func TestRunCancelledJobDiscardsLateResults(t *testing.T) {
	t.Parallel()
	h := newHarness(t, memory.Tenant{ID: "t1", Keywords: []memory.Keyword{
		placeKeyword("k1", "slow"),
	}})
	started := make(chan struct{})
	release := make(chan struct{})
	h.checker.place = func(context.Context, tracker.KeywordTarget) (tracker.RankingResult, rank.Evidence, error) {
		close(started)
		<-release
		return tracker.RankingResult{Found: true, OrganicRank: tracker.IntPtr(1)}, rank.Evidence{}, nil
	}
	jobID := h.enqueue(t, "t1", tracker.JobTypePlaceRank)

	errCh := make(chan error, 1)
	go func() { errCh <- h.runner.Run(context.Background(), jobID) }()

	<-started
	require.Equal(t, 1, h.manager.CancelAllActive())
	close(release)
	require.NoError(t, <-errCh)

	job, err := h.manager.Get(jobID)
	require.NoError(t, err)
	require.Equal(t, tracker.JobStatusFailed, job.Status)
	require.Equal(t, jobs.SupersededReason, job.Error.Message)
	require.Empty(t, h.store.PlaceHistory())
}

func TestRunKeywordPanicIsCountedAsFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, memory.Tenant{ID: "t1", Keywords: []memory.Keyword{
		placeKeyword("k1", "boom"),
		placeKeyword("k2", "fine"),
	}})
	h.checker.place = func(_ context.Context, kw tracker.KeywordTarget) (tracker.RankingResult, rank.Evidence, error) {
		if kw.KeywordID == "k1" {
			panic("selector exploded")
		}
		return tracker.RankingResult{}, rank.Evidence{}, nil
	}
	jobID := h.enqueue(t, "t1", tracker.JobTypePlaceRank)

	require.NoError(t, h.runner.Run(context.Background(), jobID))

	job, err := h.manager.Get(jobID)
	require.NoError(t, err)
	require.Equal(t, tracker.JobStatusCompleted, job.Status)
	require.Equal(t, &tracker.JobResults{SuccessCount: 1, FailedCount: 1}, job.Results)
	require.Equal(t, int64(2), h.browser.closed.Load())
}

func TestRunBrowserLaunchFailureFailsKeywordsOnly(t *testing.T) {
	t.Parallel()
	h := newHarness(t, memory.Tenant{ID: "t1", Keywords: []memory.Keyword{
		placeKeyword("k1", "a"),
		placeKeyword("k2", "b"),
	}})
	h.browser.err = errors.New("chrome not found")
	jobID := h.enqueue(t, "t1", tracker.JobTypePlaceRank)

	require.NoError(t, h.runner.Run(context.Background(), jobID))

	job, err := h.manager.Get(jobID)
	require.NoError(t, err)
	require.Equal(t, tracker.JobStatusCompleted, job.Status)
	require.Equal(t, &tracker.JobResults{FailedCount: 2}, job.Results)
}

func TestRunInterruptedByShutdown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, memory.Tenant{ID: "t1", Keywords: []memory.Keyword{
		placeKeyword("k1", "slow"),
	}})
	ctx, cancel := context.WithCancel(context.Background())
	h.checker.place = func(taskCtx context.Context, _ tracker.KeywordTarget) (tracker.RankingResult, rank.Evidence, error) {
		cancel()
		<-taskCtx.Done()
		return tracker.RankingResult{}, rank.Evidence{}, taskCtx.Err()
	}
	jobID := h.enqueue(t, "t1", tracker.JobTypePlaceRank)

	err := h.runner.Run(ctx, jobID)
	require.ErrorIs(t, err, context.Canceled)

	job, getErr := h.manager.Get(jobID)
	require.NoError(t, getErr)
	require.Equal(t, tracker.JobStatusFailed, job.Status)
}

func TestSnapshotPath(t *testing.T) {
	t.Parallel()
	at := time.Unix(1700000000, 0)
	require.Equal(t, "snapshots/blog-rank/t9/b3/1700000000.html", SnapshotPath(tracker.JobTypeBlogRank, "t9", "b3", at))
}
