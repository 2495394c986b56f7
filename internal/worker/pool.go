package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/TheZoneNewsMedia/zone-jobs/internal/config"
	"github.com/TheZoneNewsMedia/zone-jobs/internal/events"
	"github.com/TheZoneNewsMedia/zone-jobs/internal/store"
)

// backoffCap bounds exponential retry delay regardless of attempt count.
const backoffCap = time.Hour

// Pool manages the per-queue execution loops. Each queue gets one polling
// goroutine whose claims are bounded by a weighted semaphore sized to the
// queue's concurrency; claimed jobs execute on their own goroutines. A
// shared sweep goroutine promotes due delayed jobs and reclaims stalls.
type Pool struct {
	store         *store.Store
	bus           *events.Bus
	workerID      string
	pollInterval  time.Duration
	sweepInterval time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler

	queues map[string]config.Queue
	paused map[string]*atomic.Bool
}

// New creates a Pool for the given queue topology. A random workerID is
// generated at construction time to distinguish this process in the
// lock_owner column.
func New(s *store.Store, queues []config.Queue, bus *events.Bus, pollInterval, sweepInterval time.Duration) *Pool {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Second
	}
	p := &Pool{
		store:         s,
		bus:           bus,
		workerID:      uuid.New().String(),
		pollInterval:  pollInterval,
		sweepInterval: sweepInterval,
		handlers:      make(map[string]Handler),
		queues:        make(map[string]config.Queue, len(queues)),
		paused:        make(map[string]*atomic.Bool, len(queues)),
	}
	for _, q := range queues {
		p.queues[q.Name] = q
		p.paused[q.Name] = &atomic.Bool{}
	}
	return p
}

// WorkerID returns this process's lock-owner identity.
func (p *Pool) WorkerID() string { return p.workerID }

// Register associates h with the named queue. Must be called before Start.
// Registering against a queue missing from the topology is an error so a
// misspelled name surfaces at startup, not at claim time.
func (p *Pool) Register(queue string, h Handler) error {
	if _, ok := p.queues[queue]; !ok {
		return fmt.Errorf("register handler: unknown queue %q", queue)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[queue] = h
	return nil
}

// HasHandler reports whether a handler is registered for queue.
func (p *Pool) HasHandler(queue string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.handlers[queue]
	return ok
}

// Pause stops new claims on queue; in-flight jobs run to completion.
// Returns false for an unknown queue.
func (p *Pool) Pause(queue string) bool {
	flag, ok := p.paused[queue]
	if ok {
		flag.Store(true)
		slog.Info("queue paused", "queue", queue)
	}
	return ok
}

// Resume re-enables claims on queue. Returns false for an unknown queue.
func (p *Pool) Resume(queue string) bool {
	flag, ok := p.paused[queue]
	if ok {
		flag.Store(false)
		slog.Info("queue resumed", "queue", queue)
	}
	return ok
}

// IsPaused reports whether queue is currently paused.
func (p *Pool) IsPaused(queue string) bool {
	flag, ok := p.paused[queue]
	return ok && flag.Load()
}

// Start launches one polling goroutine per registered queue plus the shared
// sweep goroutine, then blocks until ctx is cancelled. On cancellation no
// new jobs are claimed, in-flight jobs complete, and Start returns after all
// goroutines have exited.
func (p *Pool) Start(ctx context.Context) {
	p.mu.RLock()
	queues := make([]config.Queue, 0, len(p.handlers))
	for name := range p.handlers {
		queues = append(queues, p.queues[name])
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup

	for _, q := range queues {
		wg.Add(1)
		go func(q config.Queue) {
			defer wg.Done()
			p.runQueue(ctx, q)
		}(q)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runSweeps(ctx)
	}()

	wg.Wait()
	slog.Info("worker pool stopped", "worker_id", p.workerID)
}

// runQueue polls q for claimable jobs until ctx is cancelled. The weighted
// semaphore caps simultaneous executions at q.Concurrency; before returning,
// all weights are re-acquired so in-flight jobs drain. Uses time.NewTicker
// (not time.After) to avoid timer leaks.
func (p *Pool) runQueue(ctx context.Context, q config.Queue) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	sem := semaphore.NewWeighted(int64(q.Concurrency))

	slog.Info("worker queue started",
		"queue", q.Name, "concurrency", q.Concurrency, "worker_id", p.workerID)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker queue stopping", "queue", q.Name)
			// drain: block until every in-flight job released its weight
			_ = sem.Acquire(context.Background(), int64(q.Concurrency))
			return
		case <-ticker.C:
			if p.IsPaused(q.Name) {
				continue
			}
			p.claimAvailable(ctx, q, sem)
		}
	}
}

// claimAvailable claims jobs from q until the queue is empty or concurrency
// is saturated, handing each claim to its own goroutine.
func (p *Pool) claimAvailable(ctx context.Context, q config.Queue, sem *semaphore.Weighted) {
	for {
		if !sem.TryAcquire(1) {
			return
		}
		job, err := p.store.ClaimJob(ctx, q.Name, p.workerID, q.Lease())
		if err != nil {
			sem.Release(1)
			slog.Error("claim job error", "queue", q.Name, "error", err)
			return
		}
		if job == nil {
			sem.Release(1)
			return // queue empty; normal case
		}
		go func(job *store.Job) {
			defer sem.Release(1)
			p.execute(ctx, q, job)
		}(job)
	}
}

// execute runs the registered handler for job and records the outcome.
// A handler panic is treated as a failure, not a crash — nothing in the
// engine takes the process down over a single job.
func (p *Pool) execute(ctx context.Context, q config.Queue, job *store.Job) {
	p.mu.RLock()
	h := p.handlers[q.Name]
	p.mu.RUnlock()

	if h == nil {
		slog.Error("no handler registered for queue", "queue", q.Name, "job_id", job.ID)
		return
	}

	slog.Info("executing job",
		"queue", q.Name, "job_id", job.ID, "attempts", job.Attempts)

	// Outcome writes must survive shutdown: the handler sees ctx so it can
	// observe cancellation, but a job that finished during drain still gets
	// its completion or failure recorded.
	wctx := context.WithoutCancel(ctx)

	// The claim token guards every write for this execution. If the lease
	// expires and the job is reclaimed, these writes conflict instead of
	// clobbering the new claim.
	token := p.workerID
	if job.LockOwner != nil {
		token = *job.LockOwner
	}

	progress := func(pct int) {
		if err := p.store.UpdateProgress(wctx, job.ID, token, int32(pct), q.Lease()); err != nil {
			slog.Warn("progress update failed",
				"queue", q.Name, "job_id", job.ID, "error", err)
		}
	}

	result, err := p.runHandler(ctx, h, job, progress)
	if err != nil {
		p.recordFailure(wctx, q, job, token, err)
		return
	}

	if err := p.store.CompleteJob(wctx, job.ID, token, result); err != nil {
		// the stall sweep reclaimed the job mid-run; it will re-execute
		slog.Warn("complete job lost claim", "queue", q.Name, "job_id", job.ID, "error", err)
		return
	}
	p.bus.Publish(events.Event{Type: events.JobCompleted, Queue: q.Name, JobID: job.ID})
}

// runHandler invokes h with panic recovery.
func (p *Pool) runHandler(ctx context.Context, h Handler, job *store.Job, progress ProgressFunc) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, job.Payload, progress)
}

// recordFailure applies the queue's backoff policy. Terminal failure emits a
// job_failed event; a scheduled retry only logs.
func (p *Pool) recordFailure(ctx context.Context, q config.Queue, job *store.Job, token string, handlerErr error) {
	state, err := p.store.FailJob(ctx, job.ID, token, handlerErr.Error(), store.Backoff{
		Type: q.BackoffType,
		Base: q.BackoffDelay(),
		Cap:  backoffCap,
	})
	if err != nil {
		slog.Warn("fail job lost claim", "queue", q.Name, "job_id", job.ID, "error", err)
		return
	}
	if state == store.StateFailed {
		slog.Error("job failed permanently",
			"queue", q.Name, "job_id", job.ID, "error", handlerErr)
		p.bus.Publish(events.Event{Type: events.JobFailed, Queue: q.Name, JobID: job.ID})
		return
	}
	slog.Warn("job handler failed, retry scheduled",
		"queue", q.Name, "job_id", job.ID,
		"attempts", job.Attempts+1, "max_attempts", job.MaxAttempts,
		"error", handlerErr)
}

// runSweeps periodically promotes due delayed jobs and reclaims stalled
// active jobs. Uses time.NewTicker (not time.After) to avoid timer leaks.
func (p *Pool) runSweeps(ctx context.Context) {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	slog.Info("sweep loop started",
		"worker_id", p.workerID, "interval", p.sweepInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("sweep loop stopping")
			return
		case <-ticker.C:
			if n, err := p.store.PromoteDelayed(ctx); err != nil {
				slog.Error("delayed promotion error", "error", err)
			} else if n > 0 {
				slog.Debug("promoted delayed jobs", "count", n)
			}

			stale, err := p.store.RecoverStaleJobs(ctx)
			if err != nil {
				slog.Error("stale job recovery error", "error", err)
				continue
			}
			for _, sj := range stale {
				slog.Warn("reclaimed stalled job", "queue", sj.Queue, "job_id", sj.ID)
				p.bus.Publish(events.Event{Type: events.JobStalled, Queue: sj.Queue, JobID: sj.ID})
			}
		}
	}
}
