package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// HubConfig controls batching for sink delivery.
//   - BufferSize: size of the internal channel (default 1024).
//   - MaxBatchEvents: flush once this many events queue (default 200).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 500ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
type HubConfig struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
}

const (
	defaultHubBuffer      = 1024
	defaultMaxBatchEvents = 200
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// sinkHub batches events off the publish path and fans them out to sinks.
// Offer never blocks; a full buffer drops the event.
type sinkHub struct {
	cfg     HubConfig
	sinks   []Sink
	events  chan Event
	stopCh  chan struct{}
	doneCh  chan struct{}
	logger  *zap.Logger
	drops   dropCounter
	closed  atomic.Bool
	stopped sync.Once
}

func newSinkHub(cfg HubConfig, logger *zap.Logger, sinks []Sink) *sinkHub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultHubBuffer
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	h := &sinkHub{
		cfg:    cfg,
		sinks:  sinks,
		events: make(chan Event, cfg.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: logger,
		drops:  dropCounter{interval: dropLogInterval},
	}
	go h.run()
	return h
}

func (h *sinkHub) offer(evt Event) {
	if h.closed.Load() {
		return
	}
	select {
	case h.events <- evt:
	default:
		if n, report := h.drops.add(time.Now()); report {
			h.logger.Warn("sink events dropped due to backpressure", zap.Int64("dropped", n))
		}
	}
}

func (h *sinkHub) close(ctx context.Context) error {
	h.stopped.Do(func() {
		h.closed.Store(true)
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
	case <-ctx.Done():
		return fmt.Errorf("event hub close wait: %w", ctx.Err())
	}
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("event sink close failed", zap.Error(err))
		}
	}
	return nil
}

func (h *sinkHub) run() {
	defer close(h.doneCh)
	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	// deadline is nil while the batch is empty.
	var deadline <-chan time.Time
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				batch = h.flush(batch)
				deadline = nil
			} else if deadline == nil {
				deadline = time.After(h.cfg.MaxBatchWait)
			}
		case <-deadline:
			batch = h.flush(batch)
			deadline = nil
		case <-h.stopCh:
			for {
				select {
				case evt := <-h.events:
					batch = append(batch, evt)
				default:
					h.flush(batch)
					return
				}
			}
		}
	}
}

// flush delivers batch to every sink and returns it emptied for reuse.
func (h *sinkHub) flush(batch []Event) []Event {
	if len(batch) == 0 {
		return batch
	}
	out := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.logger.Warn("event sink consume failed", zap.Error(err))
		}
		cancel()
	}
	return batch[:0]
}

// dropCounter accumulates drops and allows one report per interval.
type dropCounter struct {
	interval time.Duration
	last     atomic.Int64
	count    atomic.Int64
}

func (d *dropCounter) add(now time.Time) (int64, bool) {
	d.count.Add(1)
	nano := now.UnixNano()
	last := d.last.Load()
	if nano-last < d.interval.Nanoseconds() || !d.last.CompareAndSwap(last, nano) {
		return 0, false
	}
	return d.count.Swap(0), true
}
