// ABOUTME: Handler and trigger registration for the configured queue topology.
// ABOUTME: Placeholder handlers — platform services supply the real business logic.
package main

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/TheZoneNewsMedia/zone-jobs/internal/config"
	"github.com/TheZoneNewsMedia/zone-jobs/internal/scheduler"
	"github.com/TheZoneNewsMedia/zone-jobs/internal/worker"
)

// registerHandlers wires a handler onto every configured queue. These are
// acknowledgement stubs: the content pipeline, digest formatter, analytics
// aggregator, and backup uploader live in their own services and replace
// these registrations when embedding the engine.
func registerHandlers(pool *worker.Pool, queues []config.Queue) error {
	for _, q := range queues {
		if err := pool.Register(q.Name, ackHandler(q.Name)); err != nil {
			return err
		}
	}
	return nil
}

// ackHandler logs the payload and reports success. Safe to run more than
// once for the same job, as all handlers must be.
func ackHandler(queue string) worker.Handler {
	return func(ctx context.Context, payload json.RawMessage, progress worker.ProgressFunc) (json.RawMessage, error) {
		slog.InfoContext(ctx, "job received — business handler not wired in this deployment",
			"queue", queue, "payload_len", len(payload))
		progress(100)
		return json.RawMessage(`{"success":true}`), nil
	}
}

// registerTriggers installs the platform's scheduled producers. Triggers
// whose target queue is absent from the configured topology are skipped, so
// a custom QUEUES_JSON does not have to carry every platform queue.
func registerTriggers(sched *scheduler.Scheduler, queues []config.Queue) error {
	byName := make(map[string]bool, len(queues))
	for _, q := range queues {
		byName[q.Name] = true
	}

	platform := []struct {
		name, expr, queue, payload string
	}{
		// One digest batch per tick; the digest service expands it into one
		// job per subscribed recipient when it owns the registration.
		{"dailyDigest", "0 6 * * *", "userDigest", `{"digest":"daily"}`},
		{"hourlyAnalytics", "0 * * * *", "analyticsRollup", `{"rollup":"hourly"}`},
		{"nightlyBackup", "30 2 * * *", "archiveBackup", `{"scope":"full"}`},
	}

	for _, tr := range platform {
		if !byName[tr.queue] {
			slog.Info("trigger skipped, target queue not configured",
				"trigger", tr.name, "queue", tr.queue)
			continue
		}
		if err := sched.Add(tr.name, tr.expr, tr.queue, staticTemplate(tr.payload)); err != nil {
			return err
		}
	}
	return nil
}

// staticTemplate returns a TemplateFunc producing a single fixed payload.
func staticTemplate(payload string) scheduler.TemplateFunc {
	return func(context.Context) ([]json.RawMessage, error) {
		return []json.RawMessage{json.RawMessage(payload)}, nil
	}
}
