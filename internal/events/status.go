package events

import (
	"context"
	"time"

	"github.com/JakeFAU/rank-tracker/internal/jobs"
	"github.com/JakeFAU/rank-tracker/internal/tracker"
)

// StatusSource provides the data for status snapshots; satisfied by jobs.Manager.
type StatusSource interface {
	Recent(n int) []tracker.Job
	ListActive() []tracker.Job
	Stats() jobs.Stats
}

// Broadcaster publishes status snapshots periodically while anyone listens.
type Broadcaster struct {
	bus      *Bus
	source   StatusSource
	interval time.Duration
	recent   int
}

// NewBroadcaster builds a Broadcaster emitting every interval with up to
// recent jobs per snapshot (default 20).
func NewBroadcaster(bus *Bus, source StatusSource, interval time.Duration, recent int) *Broadcaster {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if recent <= 0 {
		recent = 20
	}
	return &Broadcaster{bus: bus, source: source, interval: interval, recent: recent}
}

// Snapshot builds the current status.
func (b *Broadcaster) Snapshot() Status {
	return Status{
		RecentJobs: b.source.Recent(b.recent),
		ActiveJobs: b.source.ListActive(),
		Stats:      b.source.Stats(),
	}
}

// PublishNow emits a snapshot immediately.
func (b *Broadcaster) PublishNow() {
	b.bus.PublishStatus(b.Snapshot())
}

// Run emits a snapshot every interval while at least one subscriber is
// attached, until ctx ends.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.bus.Subscribers() > 0 {
				b.PublishNow()
			}
		}
	}
}
