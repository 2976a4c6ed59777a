package scheduler

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
	"github.com/JakeFAU/rank-tracker/internal/storage/memory"
	"github.com/JakeFAU/rank-tracker/internal/tracker"
)

type fakeRunner struct {
	manager *jobs.Manager
	mu      sync.Mutex
	ran     []string
	onRun   func(job tracker.Job) error
	active  atomic.Int64
	peak    atomic.Int64
}

func (r *fakeRunner) Run(_ context.Context, jobID string) error {
	n := r.active.Add(1)
	defer r.active.Add(-1)
	if n > r.peak.Load() {
		r.peak.Store(n)
	}
	job, err := r.manager.Get(jobID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.ran = append(r.ran, job.TenantID+"/"+string(job.Type))
	r.mu.Unlock()

	running := tracker.JobStatusRunning
	if err := r.manager.Update(jobID, jobs.Patch{Status: &running}); err != nil {
		return err
	}
	if r.onRun != nil {
		if err := r.onRun(job); err != nil {
			return err
		}
	}
	completed := tracker.JobStatusCompleted
	return r.manager.Update(jobID, jobs.Patch{Status: &completed, Results: &tracker.JobResults{SuccessCount: 1}})
}

type fakeAds struct {
	calls atomic.Int64
	err   error
}

func (a *fakeAds) Refresh(context.Context) error {
	a.calls.Add(1)
	return a.err
}

func placeTenant(id string) memory.Tenant {
	return memory.Tenant{ID: id, Label: "Tenant " + id, Keywords: []memory.Keyword{
		{Type: tracker.JobTypePlaceRank, Target: tracker.KeywordTarget{KeywordID: id + "-k", Keyword: "coffee", Active: true, PlaceName: "Cafe"}},
	}}
}

func blogTenant(id string) memory.Tenant {
	return memory.Tenant{ID: id, Label: "Tenant " + id, Keywords: []memory.Keyword{
		{Type: tracker.JobTypeBlogRank, Target: tracker.KeywordTarget{KeywordID: id + "-b", Keyword: "latte", Active: true, BlogID: "abc"}},
	}}
}

func newScheduler(t *testing.T, store *memory.TargetStore) (*Scheduler, *jobs.Manager, *fakeRunner, *fakeAds) {
	t.Helper()
	manager := jobs.NewManager(jobs.Config{}, system.New(), nil, nil, zap.NewNop())
	runner := &fakeRunner{manager: manager}
	ads := &fakeAds{}
	s, err := New(Config{Cron: "0 6 * * *", Timezone: "Asia/Seoul"}, Deps{
		Registry: manager,
		Store:    store,
		Runner:   runner,
		Ads:      ads,
		Clock:    system.New(),
	}, zap.NewNop())
	require.NoError(t, err)
	return s, manager, runner, ads
}

func statusOf(t *testing.T, m *jobs.Manager, tenantID string) tracker.JobStatus {
	t.Helper()
	list := m.ListByTenant(tenantID)
	require.NotEmpty(t, list)
	return list[0].Status
}

func TestCycleSurvivesTenantFailure(t *testing.T) {
	t.Parallel()
	store := memory.NewTargetStore(placeTenant("t1"), placeTenant("t2"), placeTenant("t3"))
	s, manager, runner, ads := newScheduler(t, store)
	runner.onRun = func(job tracker.Job) error {
		if job.TenantID == "t2" {
			panic("missing place registration")
		}
		return nil
	}

	report, err := s.RunManually(context.Background(), ScopeAll)
	require.NoError(t, err)

	require.Equal(t, tracker.JobStatusCompleted, statusOf(t, manager, "t1"))
	require.Equal(t, tracker.JobStatusFailed, statusOf(t, manager, "t2"))
	require.Equal(t, tracker.JobStatusCompleted, statusOf(t, manager, "t3"))
	require.Len(t, report.Jobs, 3)
	require.Len(t, report.Failed, 1)
	require.Equal(t, int64(1), ads.calls.Load())

	failed := manager.ListByTenant("t2")[0]
	require.Contains(t, failed.Error.Message, "missing place registration")
}

func TestCycleRunsTenantsSequentiallyInTypeOrder(t *testing.T) {
	t.Parallel()
	store := memory.NewTargetStore(placeTenant("t1"), blogTenant("t2"), placeTenant("t3"))
	s, _, runner, _ := newScheduler(t, store)
	runner.onRun = func(tracker.Job) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	}

	_, err := s.RunManually(context.Background(), ScopeAll)
	require.NoError(t, err)
	require.Equal(t, []string{"t1/place-rank", "t3/place-rank", "t2/blog-rank"}, runner.ran)
	require.Equal(t, int64(1), runner.peak.Load())
}

func TestRunManuallyScopes(t *testing.T) {
	t.Parallel()
	store := memory.NewTargetStore(placeTenant("t1"), blogTenant("t2"))

	s, _, runner, ads := newScheduler(t, store)
	report, err := s.RunManually(context.Background(), ScopePlaceRank)
	require.NoError(t, err)
	require.Equal(t, []string{"t1/place-rank"}, runner.ran)
	require.Len(t, report.Jobs, 1)
	require.Zero(t, ads.calls.Load())

	s, _, runner, ads = newScheduler(t, store)
	report, err = s.RunManually(context.Background(), ScopeAds)
	require.NoError(t, err)
	require.Empty(t, runner.ran)
	require.Empty(t, report.Jobs)
	require.Equal(t, int64(1), ads.calls.Load())

	_, err = s.RunManually(context.Background(), Scope("everything"))
	require.ErrorIs(t, err, ErrUnknownScope)
}

func TestCycleCancelsLeftoverJobs(t *testing.T) {
	t.Parallel()
	store := memory.NewTargetStore(placeTenant("t1"))
	s, manager, _, _ := newScheduler(t, store)

	stale, _, err := manager.Enqueue("t1", "Tenant t1", tracker.JobTypePlaceRank)
	require.NoError(t, err)

	report, err := s.RunManually(context.Background(), ScopePlaceRank)
	require.NoError(t, err)
	require.Equal(t, 1, report.Cancelled)

	old, err := manager.Get(stale)
	require.NoError(t, err)
	require.Equal(t, tracker.JobStatusFailed, old.Status)
	require.Equal(t, jobs.SupersededReason, old.Error.Message)
	require.NotEqual(t, stale, report.Jobs[0])
}

func TestNewerCycleSupersedesInFlightCycle(t *testing.T) {
	t.Parallel()
	store := memory.NewTargetStore(placeTenant("t1"), placeTenant("t2"))
	s, manager, runner, ads := newScheduler(t, store)

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int64
	runner.onRun = func(tracker.Job) error {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return nil
	}

	type result struct {
		report CycleReport
		err    error
	}
	first := make(chan result, 1)
	go func() {
		report, err := s.RunManually(context.Background(), ScopeAll)
		first <- result{report: report, err: err}
	}()
	<-entered

	second, err := s.RunManually(context.Background(), ScopeAll)
	require.NoError(t, err)
	require.Equal(t, 2, second.Cancelled)
	require.Len(t, second.Jobs, 2)
	require.Empty(t, second.Failed)

	close(release)
	older := <-first
	require.NoError(t, older.err)
	require.Len(t, older.report.Jobs, 1, "superseded cycle never reaches its second tenant")
	require.Equal(t, older.report.Jobs, older.report.Failed)

	for _, tenantID := range []string{"t1", "t2"} {
		var failed, completed int
		for _, job := range manager.ListByTenant(tenantID) {
			switch job.Status {
			case tracker.JobStatusFailed:
				require.Equal(t, jobs.SupersededReason, job.Error.Message)
				failed++
			case tracker.JobStatusCompleted:
				require.Contains(t, second.Jobs, job.ID)
				completed++
			}
		}
		require.Equal(t, 1, failed, tenantID)
		require.Equal(t, 1, completed, tenantID)
	}

	runner.mu.Lock()
	ran := append([]string(nil), runner.ran...)
	runner.mu.Unlock()
	require.Equal(t, []string{"t1/place-rank", "t1/place-rank", "t2/place-rank"}, ran)
	require.Equal(t, int64(1), ads.calls.Load())
	require.False(t, s.Status().CycleRunning)
}

func TestCycleAdsFailureIsReported(t *testing.T) {
	t.Parallel()
	s, _, _, ads := newScheduler(t, memory.NewTargetStore())
	ads.err = errors.New("credentials unavailable")

	report, err := s.RunManually(context.Background(), ScopeAll)
	require.NoError(t, err)
	require.Equal(t, "credentials unavailable", report.AdsError)
}

func TestStartStopStatus(t *testing.T) {
	t.Parallel()
	s, _, _, _ := newScheduler(t, memory.NewTargetStore())

	st := s.Status()
	require.Equal(t, StateStopped, st.State)
	require.Nil(t, st.NextRun)

	require.NoError(t, s.Start(context.Background()))
	require.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)

	st = s.Status()
	require.Equal(t, StateRunning, st.State)
	require.NotNil(t, st.NextRun)
	require.Equal(t, "Asia/Seoul", st.Timezone)

	_, err := s.RunManually(context.Background(), ScopeAds)
	require.NoError(t, err)
	st = s.Status()
	require.NotNil(t, st.LastRun)
	require.Equal(t, ScopeAds, st.LastRunScope)
	require.False(t, st.CycleRunning)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.Equal(t, StateStopped, s.Status().State)
	require.NoError(t, s.Stop(ctx))
}

func TestNextRunUsesTimezone(t *testing.T) {
	t.Parallel()
	s, _, _, _ := newScheduler(t, memory.NewTargetStore())

	from := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	next := s.NextRun(from)
	require.True(t, next.Equal(time.Date(2025, 3, 1, 21, 0, 0, 0, time.UTC)), "next = %s", next)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Cron: "not a cron"}, Deps{}, nil)
	require.Error(t, err)
	_, err = New(Config{Timezone: "Mars/Olympus"}, Deps{}, nil)
	require.Error(t, err)
}

func TestParseScope(t *testing.T) {
	t.Parallel()
	for raw, want := range map[string]Scope{
		"all":        ScopeAll,
		"PLACE-RANK": ScopePlaceRank,
		" blog-rank": ScopeBlogRank,
		"ads":        ScopeAds,
	} {
		got, err := ParseScope(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got)
	}
	_, err := ParseScope("keywords")
	require.ErrorIs(t, err, ErrUnknownScope)
}
