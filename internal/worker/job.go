// Package worker runs one bounded execution pool per configured queue,
// claiming jobs from the jobs table with FOR UPDATE SKIP LOCKED and invoking
// the registered handler. A shared sweep goroutine promotes due delayed jobs
// and reclaims stalled ones.
//
// Handlers are registered per queue name before calling Pool.Start. Delivery
// is at-least-once: a handler must tolerate re-execution of the same job
// (lease expiry re-queues work the engine presumed abandoned).
package worker

import (
	"context"
	"encoding/json"
)

// ProgressFunc reports handler completion percentage (0–100). Each report
// also renews the job's claim lease, so long-running handlers that report
// progress are never mistaken for stalls.
type ProgressFunc func(pct int)

// Handler is the function executed for each claimed job. The returned
// payload is stored as the job result on success. A non-nil error triggers
// the queue's backoff policy up to max_attempts, then terminal failure.
// The engine imposes no timeout beyond the claim lease; handlers needing a
// hard deadline enforce it internally and return an error.
type Handler func(ctx context.Context, payload json.RawMessage, progress ProgressFunc) (json.RawMessage, error)
