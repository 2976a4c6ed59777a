package events

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/rank-tracker/internal/clock/system"
	"github.com/JakeFAU/rank-tracker/internal/tracker"
)

// ExampleBus_Subscribe shows a late subscriber receiving the buffered history.
func ExampleBus_Subscribe() {
	bus := NewBus(Config{BufferEnabled: true}, system.NewManual(time.Unix(0, 0)), nil)
	bus.PublishJob(tracker.JobAdded, tracker.Job{ID: "place-rank-t1-1", Status: tracker.JobStatusQueued})
	bus.PublishJob(tracker.JobUpdated, tracker.Job{ID: "place-rank-t1-1", Status: tracker.JobStatusRunning})

	sub := bus.Subscribe()
	for i := 0; i < 2; i++ {
		evt := <-sub.Events()
		fmt.Printf("%s %s %s\n", evt.Kind, evt.Job.Action, evt.Job.Job.Status)
	}
	if err := bus.Close(context.Background()); err != nil {
		panic(err)
	}
	// Output:
	// job_update added queued
	// job_update updated running
}

// ExampleSink forwards every event to a custom sink.
func ExampleSink() {
	counter := &countingSink{}
	bus := NewBus(Config{}, system.NewManual(time.Unix(0, 0)), nil, counter)
	bus.PublishLog(tracker.LogEntry{ID: "1", Level: tracker.LogInfo, Message: "cycle started"})
	if err := bus.Close(context.Background()); err != nil {
		panic(err)
	}
	fmt.Printf("events forwarded: %d\n", counter.total)
	// Output:
	// events forwarded: 1
}

type countingSink struct {
	total int
}

func (s *countingSink) Consume(_ context.Context, batch []Event) error {
	s.total += len(batch)
	return nil
}

func (s *countingSink) Close(context.Context) error {
	return nil
}
