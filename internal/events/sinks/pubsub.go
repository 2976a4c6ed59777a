package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/JakeFAU/rank-tracker/internal/events"
)

// publishFunc sends one message and waits for the server id.
type publishFunc func(ctx context.Context, data []byte, attrs map[string]string) (string, error)

// PubSubSink forwards every event to a Pub/Sub topic as JSON so observers in
// other processes see the same stream.
type PubSubSink struct {
	publish publishFunc
	stop    func()
}

// NewPubSubSink wraps a topic publisher.
func NewPubSubSink(publisher *pubsub.Publisher) *PubSubSink {
	return &PubSubSink{
		publish: func(ctx context.Context, data []byte, attrs map[string]string) (string, error) {
			res := publisher.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
			return res.Get(ctx)
		},
		stop: publisher.Stop,
	}
}

// Consume publishes each event, continuing past individual failures.
func (s *PubSubSink) Consume(ctx context.Context, batch []events.Event) error {
	var errs []error
	for _, evt := range batch {
		data, err := json.Marshal(evt)
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal event %d: %w", evt.Seq, err))
			continue
		}
		attrs := map[string]string{
			"type": string(evt.Kind),
			"seq":  strconv.FormatUint(evt.Seq, 10),
		}
		if evt.Job != nil {
			attrs["job_id"] = evt.Job.Job.ID
			attrs["tenant_id"] = evt.Job.Job.TenantID
		}
		if _, err := s.publish(ctx, data, attrs); err != nil {
			errs = append(errs, fmt.Errorf("publish event %d: %w", evt.Seq, err))
		}
	}
	return errors.Join(errs...)
}

// Close flushes and stops the underlying publisher.
func (s *PubSubSink) Close(context.Context) error {
	if s.stop != nil {
		s.stop()
	}
	return nil
}
