// ABOUTME: Monitoring consumer — drains the lifecycle bus into slog + Prometheus.
// ABOUTME: Runs as a single goroutine for the life of the process.
package events

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zone_jobs_completed_total",
		Help: "Jobs that finished successfully, by queue.",
	}, []string{"queue"})

	jobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zone_jobs_failed_total",
		Help: "Jobs that reached terminal failed state, by queue.",
	}, []string{"queue"})

	jobsStalled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zone_jobs_stalled_total",
		Help: "Jobs reclaimed after lease expiry, by queue.",
	}, []string{"queue"})

	droppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zone_jobs_events_dropped_total",
		Help: "Lifecycle events dropped because the monitoring buffer was full.",
	})
)

// Monitor consumes lifecycle events and records them as structured logs and
// Prometheus counters.
type Monitor struct {
	bus *Bus
}

// NewMonitor creates a Monitor draining bus.
func NewMonitor(bus *Bus) *Monitor {
	return &Monitor{bus: bus}
}

// Run drains the bus until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-m.bus.Events():
			m.observe(e)
		}
	}
}

func (m *Monitor) observe(e Event) {
	switch e.Type {
	case JobCompleted:
		jobsCompleted.WithLabelValues(e.Queue).Inc()
		slog.Info("job completed", "queue", e.Queue, "job_id", e.JobID)
	case JobFailed:
		jobsFailed.WithLabelValues(e.Queue).Inc()
		slog.Info("job failed", "queue", e.Queue, "job_id", e.JobID)
	case JobStalled:
		jobsStalled.WithLabelValues(e.Queue).Inc()
		// stalls usually mean a worker process died, not a handler bug
		slog.Warn("job stalled", "queue", e.Queue, "job_id", e.JobID)
	default:
		slog.Warn("unknown lifecycle event", "type", e.Type, "queue", e.Queue)
	}
}
