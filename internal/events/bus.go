package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rank-tracker/internal/tracker"
)

// Config controls replay buffering and subscriber channels.
type Config struct {
	// BufferEnabled keeps events published while nobody listens and replays
	// them to the next subscriber.
	BufferEnabled bool
	// BufferSize bounds the replay ring (default 100); older events fall off.
	BufferSize int
	// SubscriberBuffer is each subscriber's channel capacity (default 256).
	SubscriberBuffer int
	Hub              HubConfig
}

const (
	defaultReplaySize       = 100
	defaultSubscriberBuffer = 256
)

// Bus is the process-wide event channel. Publish never blocks: a subscriber
// whose channel is full misses that event.
type Bus struct {
	cfg    Config
	clock  tracker.Clock
	logger *zap.Logger
	hub    *sinkHub

	mu     sync.Mutex
	seq    uint64
	nextID uint64
	subs   map[uint64]*Subscription
	ring   []Event
	head   int
	count  int
	closed bool
	drops  dropCounter
}

// NewBus constructs a Bus that also forwards every event to sinks in batches.
func NewBus(cfg Config, clock tracker.Clock, logger *zap.Logger, sinks ...Sink) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultReplaySize
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		subs:   make(map[uint64]*Subscription),
		ring:   make([]Event, cfg.BufferSize),
		drops:  dropCounter{interval: dropLogInterval},
	}
	var live []Sink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	if len(live) > 0 {
		b.hub = newSinkHub(cfg.Hub, logger, live)
	}
	return b
}

// Publish stamps and delivers evt. With no subscribers attached and
// buffering enabled, it is kept for replay instead.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.clock.Now()
	}
	if err := evt.Validate(); err != nil {
		b.mu.Unlock()
		b.logger.Debug("discarding invalid event", zap.Error(err))
		return
	}
	b.seq++
	evt.Seq = b.seq

	if len(b.subs) == 0 {
		if b.cfg.BufferEnabled {
			b.pushLocked(evt)
		}
	} else {
		for _, sub := range b.subs {
			select {
			case sub.ch <- evt:
			default:
				if n, report := b.drops.add(time.Now()); report {
					b.logger.Warn("slow subscriber missed events", zap.Int64("dropped", n))
				}
			}
		}
	}
	b.mu.Unlock()

	if b.hub != nil {
		b.hub.offer(evt)
	}
}

// PublishJob emits a job_update event.
func (b *Bus) PublishJob(action tracker.JobAction, job tracker.Job) {
	b.Publish(Event{Kind: KindJobUpdate, Job: &JobUpdate{Action: action, Job: job}})
}

// PublishLog emits a log_update event.
func (b *Bus) PublishLog(entry tracker.LogEntry) {
	b.Publish(Event{Kind: KindLogUpdate, Log: &entry})
}

// PublishStatus emits a status_update event.
func (b *Bus) PublishStatus(status Status) {
	b.Publish(Event{Kind: KindStatusUpdate, Status: &status})
}

func (b *Bus) pushLocked(evt Event) {
	size := len(b.ring)
	if b.count < size {
		b.ring[(b.head+b.count)%size] = evt
		b.count++
		return
	}
	b.ring[b.head] = evt
	b.head = (b.head + 1) % size
}

func (b *Bus) drainLocked() []Event {
	out := make([]Event, 0, b.count)
	for i := 0; i < b.count; i++ {
		idx := (b.head + i) % len(b.ring)
		out = append(out, b.ring[idx])
		b.ring[idx] = Event{}
	}
	b.head, b.count = 0, 0
	return out
}

// Subscribe attaches a live subscriber. The first subscriber to attach after
// a quiet period receives the buffered events, in order, before any new one.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	var replay []Event
	if len(b.subs) == 0 {
		replay = b.drainLocked()
	}
	capacity := b.cfg.SubscriberBuffer
	if len(replay) > capacity {
		capacity = len(replay) + b.cfg.SubscriberBuffer
	}
	b.nextID++
	sub := &Subscription{id: b.nextID, bus: b, ch: make(chan Event, capacity)}
	for _, evt := range replay {
		sub.ch <- evt
	}
	if b.closed {
		close(sub.ch)
		sub.done = true
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Subscribers reports how many live subscribers are attached.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Buffered returns a copy of the events waiting for replay.
func (b *Bus) Buffered() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, 0, b.count)
	for i := 0; i < b.count; i++ {
		out = append(out, b.ring[(b.head+i)%len(b.ring)])
	}
	return out
}

// Close detaches every subscriber and flushes the sinks.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.done = true
		close(sub.ch)
	}
	b.mu.Unlock()

	if b.hub != nil {
		return b.hub.close(ctx)
	}
	return nil
}

// Subscription is one live listener.
type Subscription struct {
	id   uint64
	bus  *Bus
	ch   chan Event
	done bool
}

// Events returns the delivery channel. It is closed by Close or bus shutdown.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	delete(s.bus.subs, s.id)
	close(s.ch)
}
