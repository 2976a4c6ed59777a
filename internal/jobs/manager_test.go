package jobs

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rank-tracker/internal/clock/system"
	"github.com/JakeFAU/rank-tracker/internal/tracker"
)

type recordedEvent struct {
	action tracker.JobAction
	job    tracker.Job
}

type fakePublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakePublisher) PublishJob(action tracker.JobAction, job tracker.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{action: action, job: job})
}

func (f *fakePublisher) actions() []tracker.JobAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]tracker.JobAction, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.action
	}
	return out
}

type logLine struct {
	level   tracker.LogLevel
	message string
	tenant  string
}

type fakeRecorder struct {
	mu    sync.Mutex
	lines []logLine
}

func (f *fakeRecorder) Record(level tracker.LogLevel, _ string, message string, _ map[string]any, tenantID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, logLine{level: level, message: message, tenant: tenantID})
}

func newTestManager() (*Manager, *system.Manual, *fakePublisher, *fakeRecorder) {
	clk := system.NewManual(time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC))
	pub := &fakePublisher{}
	rec := &fakeRecorder{}
	return NewManager(Config{Retention: 24 * time.Hour}, clk, pub, rec, nil), clk, pub, rec
}

func status(s tracker.JobStatus) *tracker.JobStatus { return &s }

func TestEnqueueIsIdempotentPerTenantAndType(t *testing.T) {
	t.Parallel()

	m, _, pub, rec := newTestManager()
	id1, created, err := m.Enqueue("t1", "Tenant One", tracker.JobTypePlaceRank)
	require.NoError(t, err)
	require.True(t, created)
	id2, created, err := m.Enqueue("t1", "Tenant One", tracker.JobTypePlaceRank)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, id1, id2)

	other, created, err := m.Enqueue("t1", "Tenant One", tracker.JobTypeBlogRank)
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, id1, other)

	require.Len(t, m.List(), 2)
	require.Equal(t, []tracker.JobAction{tracker.JobAdded, tracker.JobAdded}, pub.actions())
	require.Len(t, rec.lines, 1)
	require.Equal(t, tracker.LogWarning, rec.lines[0].level)
}

func TestEnqueueConcurrentCallsShareOneJob(t *testing.T) {
	t.Parallel()

	m, _, _, _ := newTestManager()
	const n = 16
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], _, _ = m.Enqueue("t1", "Tenant", tracker.JobTypeBlogRank)
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
	require.Len(t, m.ListActive(), 1)
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	t.Parallel()

	m, _, _, _ := newTestManager()
	_, _, err := m.Enqueue("t1", "", tracker.JobType("ads"))
	require.Error(t, err)
	_, _, err = m.Enqueue("", "", tracker.JobTypePlaceRank)
	require.Error(t, err)
}

func TestLifecycleStampsAndFreesActiveSlot(t *testing.T) {
	t.Parallel()

	m, clk, pub, rec := newTestManager()
	id, _, err := m.Enqueue("t1", "Tenant", tracker.JobTypePlaceRank)
	require.NoError(t, err)

	clk.Advance(time.Second)
	require.NoError(t, m.Update(id, Patch{Status: status(tracker.JobStatusRunning)}))
	require.NoError(t, m.UpdateProgress(id, 1, 4, "coffee"))
	require.NoError(t, m.UpdateProgress(id, 0, 4, "late"))

	job, err := m.Get(id)
	require.NoError(t, err)
	require.Equal(t, tracker.JobStatusRunning, job.Status)
	require.NotNil(t, job.StartedAt)
	require.Equal(t, 1, job.Progress.Current, "progress current never moves backwards")

	clk.Advance(time.Minute)
	require.NoError(t, m.Update(id, Patch{
		Status:  status(tracker.JobStatusCompleted),
		Results: &tracker.JobResults{SuccessCount: 3, FailedCount: 1},
	}))
	job, err = m.Get(id)
	require.NoError(t, err)
	require.Equal(t, tracker.JobStatusCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)
	require.Equal(t, clk.Now(), *job.CompletedAt)
	require.Equal(t, 3, job.Results.SuccessCount)
	require.False(t, m.IsActive(id))

	next, created, err := m.Enqueue("t1", "Tenant", tracker.JobTypePlaceRank)
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, id, next)

	require.Equal(t, []tracker.JobAction{
		tracker.JobAdded, tracker.JobUpdated, tracker.JobProgress, tracker.JobProgress, tracker.JobUpdated, tracker.JobAdded,
	}, pub.actions())
	require.Len(t, rec.lines, 1)
	require.Equal(t, tracker.LogInfo, rec.lines[0].level)
}

func TestTerminalJobsRejectUpdates(t *testing.T) {
	t.Parallel()

	m, _, _, _ := newTestManager()
	id, _, _ := m.Enqueue("t1", "Tenant", tracker.JobTypePlaceRank)
	require.NoError(t, m.Update(id, Patch{Status: status(tracker.JobStatusRunning)}))
	require.ErrorIs(t, m.Update(id, Patch{Status: status(tracker.JobStatusQueued)}), ErrInvalidTransition)

	require.NoError(t, m.Cancel(id, "operator request"))
	require.ErrorIs(t, m.Update(id, Patch{Status: status(tracker.JobStatusCompleted)}), ErrInvalidTransition)
	require.ErrorIs(t, m.Update(id, Patch{Results: &tracker.JobResults{SuccessCount: 9}}), ErrInvalidTransition)
	require.ErrorIs(t, m.UpdateProgress(id, 5, 5, ""), ErrInvalidTransition)

	job, _ := m.Get(id)
	require.Equal(t, tracker.JobStatusFailed, job.Status)
	require.Equal(t, "operator request", job.Error.Message)
	require.Nil(t, job.Results)

	require.ErrorIs(t, m.Update("missing", Patch{}), ErrJobNotFound)
	_, err := m.Get("missing")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestUnknownStatusIsRejected(t *testing.T) {
	t.Parallel()

	m, _, pub, _ := newTestManager()
	id, _, _ := m.Enqueue("t1", "Tenant", tracker.JobTypePlaceRank)
	require.ErrorIs(t, m.Update(id, Patch{Status: status("paused")}), ErrInvalidTransition)
	require.ErrorIs(t, m.Update(id, Patch{Status: status("")}), ErrInvalidTransition)

	job, err := m.Get(id)
	require.NoError(t, err)
	require.Equal(t, tracker.JobStatusQueued, job.Status)
	require.True(t, m.IsActive(id))
	require.Equal(t, []tracker.JobAction{tracker.JobAdded}, pub.actions())

	require.NoError(t, m.Update(id, Patch{Status: status(tracker.JobStatusRunning)}))
	require.ErrorIs(t, m.Update(id, Patch{Status: status("paused")}), ErrInvalidTransition)

	require.Equal(t, 1, m.CancelAllActive())
	next, created, err := m.Enqueue("t1", "Tenant", tracker.JobTypePlaceRank)
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, id, next)
}

func TestCancelAllActive(t *testing.T) {
	t.Parallel()

	m, _, _, _ := newTestManager()
	queued, _, _ := m.Enqueue("t1", "One", tracker.JobTypePlaceRank)
	running, _, _ := m.Enqueue("t2", "Two", tracker.JobTypeBlogRank)
	done, _, _ := m.Enqueue("t3", "Three", tracker.JobTypeBlogRank)
	require.NoError(t, m.Update(running, Patch{Status: status(tracker.JobStatusRunning)}))
	require.NoError(t, m.Update(done, Patch{Status: status(tracker.JobStatusCompleted)}))

	require.Equal(t, 2, m.CancelAllActive())
	require.Empty(t, m.ListActive())
	for _, id := range []string{queued, running} {
		job, err := m.Get(id)
		require.NoError(t, err)
		require.Equal(t, tracker.JobStatusFailed, job.Status)
		require.Equal(t, SupersededReason, job.Error.Message)
		require.NotNil(t, job.CompletedAt)
	}
	job, _ := m.Get(done)
	require.Equal(t, tracker.JobStatusCompleted, job.Status)
	require.Zero(t, m.CancelAllActive())
}

func TestQueriesAndStats(t *testing.T) {
	t.Parallel()

	m, clk, _, _ := newTestManager()
	a, _, _ := m.Enqueue("t1", "One", tracker.JobTypePlaceRank)
	clk.Advance(time.Second)
	b, _, _ := m.Enqueue("t1", "One", tracker.JobTypeBlogRank)
	clk.Advance(time.Second)
	c, _, _ := m.Enqueue("t2", "Two", tracker.JobTypePlaceRank)
	require.NoError(t, m.Update(a, Patch{Status: status(tracker.JobStatusCompleted)}))
	require.NoError(t, m.Cancel(b, "boom"))

	all := m.List()
	require.Equal(t, []string{c, b, a}, []string{all[0].ID, all[1].ID, all[2].ID})
	require.Len(t, m.ListByTenant("t1"), 2)
	require.Len(t, m.Recent(1), 1)
	require.Equal(t, c, m.ListActive()[0].ID)

	st := m.Stats()
	require.Equal(t, 3, st.Total)
	require.Equal(t, 1, st.Active)
	require.Equal(t, 1, st.ByStatus[tracker.JobStatusQueued])
	require.Equal(t, 2, st.ByType[tracker.JobTypePlaceRank])
	require.Equal(t, WindowStats{Completed: 1, Failed: 1}, st.Last24h)
	require.InDelta(t, 0.5, st.ErrorRate, 1e-9)

	clk.Advance(25 * time.Hour)
	st = m.Stats()
	require.Equal(t, WindowStats{}, st.Last24h)
	require.Zero(t, st.ErrorRate)
}

func TestSweepRemovesExpiredTerminalJobs(t *testing.T) {
	t.Parallel()

	m, clk, _, _ := newTestManager()
	old, _, _ := m.Enqueue("t1", "One", tracker.JobTypePlaceRank)
	require.NoError(t, m.Update(old, Patch{Status: status(tracker.JobStatusCompleted)}))
	stillActive, _, _ := m.Enqueue("t2", "Two", tracker.JobTypePlaceRank)

	clk.Advance(23 * time.Hour)
	recent, _, _ := m.Enqueue("t3", "Three", tracker.JobTypePlaceRank)
	require.NoError(t, m.Update(recent, Patch{Status: status(tracker.JobStatusFailed)}))
	require.Zero(t, m.Sweep())

	clk.Advance(2 * time.Hour)
	require.Equal(t, 1, m.Sweep())
	_, err := m.Get(old)
	require.ErrorIs(t, err, ErrJobNotFound)

	for _, id := range []string{stillActive, recent} {
		_, err := m.Get(id)
		require.NoError(t, err)
	}
	require.Len(t, m.List(), 2)
}

func TestJobIDsStayUniqueWithinOneMillisecond(t *testing.T) {
	t.Parallel()

	m, _, _, _ := newTestManager()
	first, _, _ := m.Enqueue("t1", "One", tracker.JobTypePlaceRank)
	require.NoError(t, m.Cancel(first, "x"))
	second, created, _ := m.Enqueue("t1", "One", tracker.JobTypePlaceRank)
	require.True(t, created)
	require.NotEqual(t, first, second)
	require.Equal(t, first+"-2", second)
}
