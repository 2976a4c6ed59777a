// Package systemlog keeps the queryable, in-process operational log: a fixed
// size ring of entries, mirrored to zap and published as log_update events.
package systemlog

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rank-tracker/internal/tracker"
)

// DefaultCapacity is the ring size when none is configured.
const DefaultCapacity = 1000

// Publisher receives each appended entry; satisfied by the event bus.
type Publisher interface {
	PublishLog(entry tracker.LogEntry)
}

// Filter narrows Entries. Zero fields match everything.
type Filter struct {
	Level    tracker.LogLevel
	Category string
	TenantID string
	Since    time.Time
	// Limit keeps only the newest N matches.
	Limit int
}

// Log is the ring-buffered system log.
type Log struct {
	clock     tracker.Clock
	ids       tracker.IDGenerator
	publisher Publisher
	logger    *zap.Logger

	mu      sync.RWMutex
	entries []tracker.LogEntry
	next    int
	full    bool
}

// New constructs a Log holding at most capacity entries.
func New(capacity int, clock tracker.Clock, ids tracker.IDGenerator, logger *zap.Logger) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{
		clock:   clock,
		ids:     ids,
		logger:  logger,
		entries: make([]tracker.LogEntry, capacity),
	}
}

// SetPublisher wires the event bus after construction.
func (l *Log) SetPublisher(p Publisher) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.publisher = p
}

// Record appends an entry, overwriting the oldest once the ring is full.
func (l *Log) Record(level tracker.LogLevel, category, message string, details map[string]any, tenantID string) {
	id, err := l.ids.NewID()
	if err != nil {
		l.logger.Warn("log entry id generation failed", zap.Error(err))
	}
	entry := tracker.LogEntry{
		ID:        id,
		Level:     level,
		Category:  category,
		Message:   message,
		Details:   details,
		TenantID:  tenantID,
		Timestamp: l.clock.Now(),
	}

	l.mu.Lock()
	l.entries[l.next] = entry
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	pub := l.publisher
	l.mu.Unlock()

	l.mirror(entry)
	if pub != nil {
		pub.PublishLog(entry)
	}
}

// Info records an info entry.
func (l *Log) Info(category, message string, details map[string]any, tenantID string) {
	l.Record(tracker.LogInfo, category, message, details, tenantID)
}

// Warn records a warning entry.
func (l *Log) Warn(category, message string, details map[string]any, tenantID string) {
	l.Record(tracker.LogWarning, category, message, details, tenantID)
}

// Error records an error entry.
func (l *Log) Error(category, message string, details map[string]any, tenantID string) {
	l.Record(tracker.LogError, category, message, details, tenantID)
}

// Entries returns matching entries, oldest first.
func (l *Log) Entries(f Filter) []tracker.LogEntry {
	l.mu.RLock()
	ordered := make([]tracker.LogEntry, 0, len(l.entries))
	if l.full {
		ordered = append(ordered, l.entries[l.next:]...)
	}
	ordered = append(ordered, l.entries[:l.next]...)
	l.mu.RUnlock()

	out := ordered[:0]
	for _, e := range ordered {
		if f.Level != "" && e.Level != f.Level {
			continue
		}
		if f.Category != "" && e.Category != f.Category {
			continue
		}
		if f.TenantID != "" && e.TenantID != f.TenantID {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, e)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Len reports how many entries are held.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.full {
		return len(l.entries)
	}
	return l.next
}

func (l *Log) mirror(e tracker.LogEntry) {
	fields := make([]zap.Field, 0, len(e.Details)+2)
	fields = append(fields, zap.String("category", e.Category))
	if e.TenantID != "" {
		fields = append(fields, zap.String("tenant_id", e.TenantID))
	}
	for k, v := range e.Details {
		fields = append(fields, zap.Any(k, v))
	}
	switch e.Level {
	case tracker.LogDebug:
		l.logger.Debug(e.Message, fields...)
	case tracker.LogWarning:
		l.logger.Warn(e.Message, fields...)
	case tracker.LogError:
		l.logger.Error(e.Message, fields...)
	default:
		l.logger.Info(e.Message, fields...)
	}
}
