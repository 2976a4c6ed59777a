package systemlog

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/rank-tracker/internal/clock/system"
	"github.com/JakeFAU/rank-tracker/internal/id/uuid"
	"github.com/JakeFAU/rank-tracker/internal/tracker"
)

type capturePublisher struct {
	entries []tracker.LogEntry
}

func (c *capturePublisher) PublishLog(e tracker.LogEntry) {
	c.entries = append(c.entries, e)
}

func TestRingKeepsNewestEntries(t *testing.T) {
	t.Parallel()

	clk := system.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	l := New(3, clk, uuid.New(), nil)
	for i := 1; i <= 5; i++ {
		clk.Advance(time.Second)
		l.Info(tracker.CategoryJobs, fmt.Sprintf("entry %d", i), nil, "")
	}
	require.Equal(t, 3, l.Len())
	got := l.Entries(Filter{})
	require.Len(t, got, 3)
	require.Equal(t, "entry 3", got[0].Message)
	require.Equal(t, "entry 5", got[2].Message)
	require.NotEmpty(t, got[0].ID)
}

func TestFilterAndLimit(t *testing.T) {
	t.Parallel()

	clk := system.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	l := New(DefaultCapacity, clk, uuid.New(), nil)
	l.Info(tracker.CategoryScheduler, "cycle started", nil, "")
	clk.Advance(time.Minute)
	mark := clk.Now()
	l.Error(tracker.CategoryTracking, "tenant failed", map[string]any{"error": "boom"}, "t2")
	l.Warn(tracker.CategoryTracking, "keyword degraded", nil, "t1")
	l.Error(tracker.CategoryTracking, "keyword failed", nil, "t1")

	require.Len(t, l.Entries(Filter{Level: tracker.LogError}), 2)
	require.Len(t, l.Entries(Filter{Category: tracker.CategoryScheduler}), 1)
	require.Len(t, l.Entries(Filter{TenantID: "t1"}), 2)
	require.Len(t, l.Entries(Filter{Since: mark}), 3)

	limited := l.Entries(Filter{Limit: 2})
	require.Len(t, limited, 2)
	require.Equal(t, "keyword failed", limited[1].Message)
}

func TestRecordMirrorsAndPublishes(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	pub := &capturePublisher{}
	l := New(10, system.New(), uuid.New(), zap.New(core))
	l.SetPublisher(pub)

	l.Warn(tracker.CategoryJobs, "duplicate job", map[string]any{"job_id": "j1"}, "t9")

	require.Len(t, pub.entries, 1)
	require.Equal(t, tracker.LogWarning, pub.entries[0].Level)
	entries := logs.FilterMessage("duplicate job").All()
	require.Len(t, entries, 1)
	require.Equal(t, zapcore.WarnLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	require.Equal(t, "t9", fields["tenant_id"])
	require.Equal(t, "j1", fields["job_id"])
}
