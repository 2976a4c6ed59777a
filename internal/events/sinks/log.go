package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/rank-tracker/internal/events"
)

// LogSink emits job transitions as structured debug logs. Log entries are
// skipped because the system log already mirrors them to zap.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each job event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		if evt.Kind != events.KindJobUpdate || evt.Job == nil {
			continue
		}
		job := evt.Job.Job
		s.logger.Debug("job event",
			zap.Uint64("seq", evt.Seq),
			zap.String("action", string(evt.Job.Action)),
			zap.String("job_id", job.ID),
			zap.String("tenant_id", job.TenantID),
			zap.String("job_type", string(job.Type)),
			zap.String("status", string(job.Status)),
			zap.Int("current", job.Progress.Current),
			zap.Int("total", job.Progress.Total),
			zap.String("keyword", job.Progress.CurrentKeyword),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
