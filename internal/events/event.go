// Package events is the process-wide publish/subscribe channel for job
// updates, status snapshots, and log lines. Live subscribers receive events
// over channels; registered sinks receive them in batches.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/rank-tracker/internal/jobs"
	"github.com/JakeFAU/rank-tracker/internal/tracker"
)

// Kind is one of the three logical event kinds.
type Kind string

// Event kinds.
const (
	KindJobUpdate    Kind = "job_update"
	KindStatusUpdate Kind = "status_update"
	KindLogUpdate    Kind = "log_update"
)

// JobUpdate carries a full job snapshot plus the action that produced it.
type JobUpdate struct {
	Action tracker.JobAction `json:"action"`
	Job    tracker.Job       `json:"job"`
}

// Status is the periodic aggregate snapshot.
type Status struct {
	RecentJobs []tracker.Job `json:"recent_jobs"`
	ActiveJobs []tracker.Job `json:"active_jobs"`
	Stats      jobs.Stats    `json:"stats"`
}

// Event is one bus message. Exactly one payload field is set, matching Kind.
type Event struct {
	Seq       uint64            `json:"seq"`
	Kind      Kind              `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Job       *JobUpdate        `json:"job,omitempty"`
	Status    *Status           `json:"status,omitempty"`
	Log       *tracker.LogEntry `json:"log,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindJobUpdate:
		if e.Job == nil || e.Job.Job.ID == "" {
			return errors.New("job update requires a job")
		}
	case KindStatusUpdate:
		if e.Status == nil {
			return errors.New("status update requires a snapshot")
		}
	case KindLogUpdate:
		if e.Log == nil {
			return errors.New("log update requires an entry")
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}
