// Package events carries job lifecycle events from worker loops to the
// monitoring consumer over a bounded channel. Publishing never blocks: when
// the buffer is full the event is dropped and counted, so a slow observer
// cannot stall job execution.
package events

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// Type identifies a lifecycle event.
type Type string

// Lifecycle event types delivered to the monitoring consumer.
const (
	JobCompleted Type = "job_completed"
	JobFailed    Type = "job_failed"
	JobStalled   Type = "job_stalled"
)

// Event is one job lifecycle notification.
type Event struct {
	Type  Type
	Queue string
	JobID uuid.UUID
}

// Bus is a bounded, drop-on-overflow event channel.
type Bus struct {
	ch      chan Event
	dropped atomic.Int64
}

// NewBus creates a Bus with the given buffer size.
func NewBus(size int) *Bus {
	if size <= 0 {
		size = 256
	}
	return &Bus{ch: make(chan Event, size)}
}

// Publish delivers e to the consumer if buffer space is available, otherwise
// drops it and increments the drop counter.
func (b *Bus) Publish(e Event) {
	select {
	case b.ch <- e:
	default:
		b.dropped.Add(1)
		droppedEvents.Inc()
	}
}

// Events returns the receive side of the bus.
func (b *Bus) Events() <-chan Event { return b.ch }

// Dropped returns the number of events dropped since construction.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }
