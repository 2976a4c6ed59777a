package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/rank-tracker/internal/events"
	"github.com/JakeFAU/rank-tracker/internal/tracker"
)

// PrometheusSink derives job lifecycle metrics from the event stream.
type PrometheusSink struct {
	jobsStarted   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec
	logEntries    *prometheus.CounterVec

	running *runningSet
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ranktracker_jobs_started_total",
			Help: "Tracking jobs that entered running.",
		}, []string{"job_type"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ranktracker_jobs_completed_total",
			Help: "Tracking jobs that finished, partitioned by type and result.",
		}, []string{"job_type", "result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ranktracker_jobs_running",
			Help: "Current number of running tracking jobs.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ranktracker_job_runtime_seconds",
			Help:    "Wall time from start to finish per tracking job.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 2400, 3600},
		}, []string{"job_type", "result"}),
		logEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ranktracker_system_log_entries_total",
			Help: "System log entries by level and category.",
		}, []string{"level", "category"}),
		running: &runningSet{ids: make(map[string]struct{})},
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
		s.logEntries,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		switch evt.Kind {
		case events.KindJobUpdate:
			if evt.Job != nil {
				s.handleJob(evt.Job.Job)
			}
		case events.KindLogUpdate:
			if evt.Log != nil {
				s.logEntries.WithLabelValues(string(evt.Log.Level), evt.Log.Category).Inc()
			}
		}
	}
	return nil
}

func (s *PrometheusSink) handleJob(job tracker.Job) {
	jobType := string(job.Type)
	switch {
	case job.Status == tracker.JobStatusRunning:
		if s.running.add(job.ID) {
			s.jobsStarted.WithLabelValues(jobType).Inc()
			s.jobsRunning.Inc()
		}
	case job.Status.Terminal():
		result := "success"
		if job.Status == tracker.JobStatusFailed {
			result = "error"
		}
		s.jobsCompleted.WithLabelValues(jobType, result).Inc()
		if job.StartedAt != nil && job.CompletedAt != nil {
			s.jobRuntime.WithLabelValues(jobType, result).Observe(job.CompletedAt.Sub(*job.StartedAt).Seconds())
		}
		if s.running.remove(job.ID) {
			s.jobsRunning.Dec()
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runningSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func (r *runningSet) add(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; ok {
		return false
	}
	r.ids[id] = struct{}{}
	return true
}

func (r *runningSet) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; !ok {
		return false
	}
	delete(r.ids, id)
	return true
}
