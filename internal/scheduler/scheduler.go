// Package scheduler materializes jobs from cron-style triggers. Each trigger
// pairs a robfig/cron expression with a payload template that may enumerate
// multiple jobs per tick (one digest job per subscriber). Fire state is
// persisted: the tick is advanced with a compare-and-set before jobs are
// produced, so a restart — or a second scheduler instance — never fires the
// same tick twice, and a tick missed while down fires once on recovery.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"

	"github.com/TheZoneNewsMedia/zone-jobs/internal/config"
	"github.com/TheZoneNewsMedia/zone-jobs/internal/store"
)

var triggerFires = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "zone_jobs_trigger_fires_total",
	Help: "Trigger ticks fired, by trigger name.",
}, []string{"trigger"})

// TemplateFunc generates the job payloads for one trigger tick. Returning
// multiple payloads enqueues one job each. An error skips the tick without
// stopping the scheduler.
type TemplateFunc func(ctx context.Context) ([]json.RawMessage, error)

// Trigger is one registered cron trigger.
type Trigger struct {
	Name        string
	Expr        string
	TargetQueue string
	Template    TemplateFunc

	schedule cron.Schedule
	// lastFired is written by the evaluation loop and read by Statuses from
	// API goroutines, hence atomic like running.
	lastFired atomic.Pointer[time.Time]
	running   atomic.Bool
}

// Status is the health-report view of one trigger.
type Status struct {
	Name        string     `json:"name"`
	Running     bool       `json:"running"`
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
	NextDueAt   time.Time  `json:"next_due_at"`
}

// Scheduler evaluates all registered triggers on a shared tick.
type Scheduler struct {
	store    *store.Store
	interval time.Duration
	queues   map[string]config.Queue

	mu       sync.Mutex
	triggers []*Trigger
	started  bool
}

// New creates a Scheduler. queues is the static topology, used both to
// reject triggers targeting unknown queues at registration time and to
// inherit per-queue defaults when materializing jobs.
func New(s *store.Store, queues []config.Queue, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	byName := make(map[string]config.Queue, len(queues))
	for _, q := range queues {
		byName[q.Name] = q
	}
	return &Scheduler{store: s, interval: interval, queues: byName}
}

// Add registers a trigger. Must be called before Start. The cron expression
// uses the standard five-field form (robfig/cron ParseStandard).
func (sc *Scheduler) Add(name, expr, targetQueue string, template TemplateFunc) error {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("trigger %s: parse cron %q: %w", name, expr, err)
	}
	if _, ok := sc.queues[targetQueue]; !ok {
		return fmt.Errorf("trigger %s: unknown target queue %q", name, targetQueue)
	}
	if template == nil {
		return fmt.Errorf("trigger %s: nil template", name)
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.started {
		return fmt.Errorf("trigger %s: scheduler already started", name)
	}
	for _, t := range sc.triggers {
		if t.Name == name {
			return fmt.Errorf("trigger %s: already registered", name)
		}
	}
	sc.triggers = append(sc.triggers, &Trigger{
		Name:        name,
		Expr:        expr,
		TargetQueue: targetQueue,
		Template:    template,
		schedule:    schedule,
	})
	return nil
}

// Start persists trigger registrations, loads fire state, and runs the tick
// loop until ctx is cancelled. Uses time.NewTicker (not time.After) to avoid
// timer leaks.
func (sc *Scheduler) Start(ctx context.Context) error {
	sc.mu.Lock()
	sc.started = true
	triggers := sc.triggers
	sc.mu.Unlock()

	for _, t := range triggers {
		row, err := sc.store.UpsertTrigger(ctx, t.Name, t.Expr, t.TargetQueue)
		if err != nil {
			return fmt.Errorf("register trigger: %w", err)
		}
		t.lastFired.Store(row.LastFiredAt)
		if row.LastFiredAt == nil {
			// first registration: baseline at registration time so past
			// ticks from before the trigger existed never fire
			now := row.RegisteredAt
			t.lastFired.Store(&now)
			if err := sc.store.MarkTriggerFired(ctx, t.Name, now, nil); err != nil {
				return fmt.Errorf("baseline trigger %s: %w", t.Name, err)
			}
		}
		t.running.Store(true)
		slog.Info("trigger registered",
			"trigger", t.Name, "cron", t.Expr, "queue", t.TargetQueue,
			"next_due", t.schedule.Next(time.Now()))
	}

	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, t := range triggers {
				t.running.Store(false)
			}
			slog.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			for _, t := range triggers {
				sc.evaluate(ctx, t, time.Now())
			}
		}
	}
}

// evaluate fires t if a tick became due since last_fired_at. When multiple
// ticks were missed (long downtime), only the most recent fires — catch-up
// is one fire per recovery, never a backlog replay.
func (sc *Scheduler) evaluate(ctx context.Context, t *Trigger, now time.Time) {
	prev := t.lastFired.Load()
	if prev == nil {
		return // Start has not baselined this trigger yet
	}
	due, ok := latestDue(t.schedule, *prev, now)
	if !ok {
		return
	}

	// Advance fire state first. Losing the compare-and-set means another
	// scheduler instance owns this tick.
	if err := sc.store.MarkTriggerFired(ctx, t.Name, due, prev); err != nil {
		row, getErr := sc.store.GetTrigger(ctx, t.Name)
		if getErr == nil && row != nil {
			t.lastFired.Store(row.LastFiredAt)
		}
		slog.Debug("trigger tick already fired", "trigger", t.Name, "tick", due, "error", err)
		return
	}
	t.lastFired.Store(&due)

	payloads, err := t.Template(ctx)
	if err != nil {
		// tick consumed, generation skipped; the scheduler loop continues
		slog.Error("trigger template error, tick skipped",
			"trigger", t.Name, "tick", due, "error", err)
		return
	}

	q := sc.queues[t.TargetQueue]
	for _, payload := range payloads {
		p := store.EnqueueParams{MaxAttempts: int32(q.MaxAttempts)}
		if _, err := sc.store.EnqueueJob(ctx, t.TargetQueue, payload, p); err != nil {
			slog.Error("trigger enqueue error",
				"trigger", t.Name, "queue", t.TargetQueue, "error", err)
		}
	}
	triggerFires.WithLabelValues(t.Name).Inc()
	slog.Info("trigger fired",
		"trigger", t.Name, "tick", due, "jobs", len(payloads), "queue", t.TargetQueue)
}

// latestDue returns the most recent schedule tick in (after, now], walking
// forward from after. ok is false when no tick is due yet.
func latestDue(schedule cron.Schedule, after, now time.Time) (time.Time, bool) {
	next := schedule.Next(after)
	if next.After(now) {
		return time.Time{}, false
	}
	for {
		candidate := schedule.Next(next)
		if candidate.After(now) {
			return next, true
		}
		next = candidate
	}
}

// Statuses returns the health view of every registered trigger.
func (sc *Scheduler) Statuses() []Status {
	sc.mu.Lock()
	triggers := sc.triggers
	sc.mu.Unlock()

	now := time.Now()
	statuses := make([]Status, 0, len(triggers))
	for _, t := range triggers {
		st := Status{
			Name:      t.Name,
			Running:   t.running.Load(),
			NextDueAt: t.schedule.Next(now),
		}
		if lf := t.lastFired.Load(); lf != nil {
			st.LastFiredAt = lf
		}
		statuses = append(statuses, st)
	}
	return statuses
}
