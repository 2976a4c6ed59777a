package jobs

import (
	"time"

	"github.com/JakeFAU/rank-tracker/internal/tracker"
)

// Stats aggregates the registry for dashboards.
type Stats struct {
	Total     int                       `json:"total"`
	Active    int                       `json:"active"`
	ByStatus  map[tracker.JobStatus]int `json:"by_status"`
	ByType    map[tracker.JobType]int   `json:"by_type"`
	Last24h   WindowStats               `json:"last_24h"`
	ErrorRate float64                   `json:"error_rate"`
}

// WindowStats counts terminal outcomes inside a time window.
type WindowStats struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Stats computes counts by status and type, the last-24h outcomes, and the
// error rate failed/(completed+failed) over that window (0 when empty).
func (m *Manager) Stats() Stats {
	since := m.clock.Now().Add(-24 * time.Hour)
	st := Stats{
		ByStatus: map[tracker.JobStatus]int{
			tracker.JobStatusQueued:    0,
			tracker.JobStatusRunning:   0,
			tracker.JobStatusCompleted: 0,
			tracker.JobStatusFailed:    0,
		},
		ByType: make(map[tracker.JobType]int),
	}
	for _, t := range tracker.JobTypes() {
		st.ByType[t] = 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, job := range m.arena {
		st.Total++
		st.ByStatus[job.Status]++
		st.ByType[job.Type]++
		if job.Status.Active() {
			st.Active++
		}
		if job.CompletedAt == nil || job.CompletedAt.Before(since) {
			continue
		}
		switch job.Status {
		case tracker.JobStatusCompleted:
			st.Last24h.Completed++
		case tracker.JobStatusFailed:
			st.Last24h.Failed++
		}
	}
	if done := st.Last24h.Completed + st.Last24h.Failed; done > 0 {
		st.ErrorRate = float64(st.Last24h.Failed) / float64(done)
	}
	return st
}
