// ABOUTME: Integration tests for the worker pool against a real Postgres.
// ABOUTME: Covers execution, retries, concurrency bounds, pause, and stall recovery.
package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TheZoneNewsMedia/zone-jobs/internal/config"
	"github.com/TheZoneNewsMedia/zone-jobs/internal/events"
	"github.com/TheZoneNewsMedia/zone-jobs/internal/store"
	"github.com/TheZoneNewsMedia/zone-jobs/internal/testutil"
	"github.com/TheZoneNewsMedia/zone-jobs/internal/worker"
)

func testQueueConfig() config.Queue {
	return config.Queue{
		Name:           "ingest",
		Concurrency:    2,
		MaxAttempts:    3,
		BackoffType:    config.BackoffFixed,
		BackoffDelayMS: 30,
		LeaseMS:        5000,
	}
}

// startPool runs p until the test ends, blocking cleanup on full drain.
func startPool(t *testing.T, p *worker.Pool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// collectEvents drains bus into a snapshot-able slice for the test's lifetime.
func collectEvents(bus *events.Bus) func() []events.Event {
	var mu sync.Mutex
	var got []events.Event
	go func() {
		for e := range bus.Events() {
			mu.Lock()
			got = append(got, e)
			mu.Unlock()
		}
	}()
	return func() []events.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]events.Event(nil), got...)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestPoolCompletesJob(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	bus := events.NewBus(16)
	snapshot := collectEvents(bus)

	q := testQueueConfig()
	pool := worker.New(s, []config.Queue{q}, bus, 20*time.Millisecond, 20*time.Millisecond)
	err := pool.Register(q.Name, func(ctx context.Context, payload json.RawMessage, progress worker.ProgressFunc) (json.RawMessage, error) {
		progress(50)
		return json.RawMessage(`{"processed":true}`), nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	job, err := s.EnqueueJob(ctx, q.Name, json.RawMessage(`{"articleId":"A1"}`), store.EnqueueParams{})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	startPool(t, pool)

	waitFor(t, 10*time.Second, func() bool {
		got, _ := s.GetJob(ctx, q.Name, job.ID)
		return got != nil && got.State == store.StateCompleted
	}, "job completion")

	got, _ := s.GetJob(ctx, q.Name, job.ID)
	if got.Progress != 100 {
		t.Errorf("Progress = %d, want 100", got.Progress)
	}
	if got.Result == nil {
		t.Error("Result not recorded")
	}

	waitFor(t, 2*time.Second, func() bool {
		for _, e := range snapshot() {
			if e.Type == events.JobCompleted && e.JobID == job.ID {
				return true
			}
		}
		return false
	}, "job_completed event")
}

func TestPoolRetriesThenFailsPermanently(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	bus := events.NewBus(16)
	snapshot := collectEvents(bus)

	q := testQueueConfig()
	var calls atomic.Int32
	pool := worker.New(s, []config.Queue{q}, bus, 20*time.Millisecond, 20*time.Millisecond)
	_ = pool.Register(q.Name, func(ctx context.Context, payload json.RawMessage, progress worker.ProgressFunc) (json.RawMessage, error) {
		calls.Add(1)
		return nil, errors.New("upstream unavailable")
	})

	job, err := s.EnqueueJob(ctx, q.Name, nil, store.EnqueueParams{MaxAttempts: 2})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	startPool(t, pool)

	waitFor(t, 10*time.Second, func() bool {
		got, _ := s.GetJob(ctx, q.Name, job.ID)
		return got != nil && got.State == store.StateFailed
	}, "terminal failure")

	got, _ := s.GetJob(ctx, q.Name, job.ID)
	if got.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", got.Attempts)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("handler invoked %d times, want 2", n)
	}
	if got.FailureReason == nil || *got.FailureReason != "upstream unavailable" {
		t.Errorf("FailureReason = %v", got.FailureReason)
	}

	waitFor(t, 2*time.Second, func() bool {
		for _, e := range snapshot() {
			if e.Type == events.JobFailed && e.JobID == job.ID {
				return true
			}
		}
		return false
	}, "job_failed event")
}

func TestPoolPanicIsFailure(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	bus := events.NewBus(16)

	q := testQueueConfig()
	pool := worker.New(s, []config.Queue{q}, bus, 20*time.Millisecond, 20*time.Millisecond)
	_ = pool.Register(q.Name, func(ctx context.Context, payload json.RawMessage, progress worker.ProgressFunc) (json.RawMessage, error) {
		panic("bad payload shape")
	})

	job, _ := s.EnqueueJob(ctx, q.Name, nil, store.EnqueueParams{MaxAttempts: 1})
	startPool(t, pool)

	waitFor(t, 10*time.Second, func() bool {
		got, _ := s.GetJob(ctx, q.Name, job.ID)
		return got != nil && got.State == store.StateFailed
	}, "panic recorded as failure")
}

func TestPoolConcurrencyBound(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	bus := events.NewBus(64)

	q := testQueueConfig() // Concurrency: 2
	var inflight, peak atomic.Int32
	pool := worker.New(s, []config.Queue{q}, bus, 20*time.Millisecond, 20*time.Millisecond)
	_ = pool.Register(q.Name, func(ctx context.Context, payload json.RawMessage, progress worker.ProgressFunc) (json.RawMessage, error) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			prev := peak.Load()
			if n <= prev || peak.CompareAndSwap(prev, n) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
		return nil, nil
	})

	const jobs = 6
	for i := 0; i < jobs; i++ {
		if _, err := s.EnqueueJob(ctx, q.Name, nil, store.EnqueueParams{}); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}
	startPool(t, pool)

	waitFor(t, 15*time.Second, func() bool {
		n, err := s.CountByState(ctx, q.Name, store.StateCompleted)
		return err == nil && n == jobs
	}, "all jobs completed")

	if p := peak.Load(); p > int32(q.Concurrency) {
		t.Errorf("peak concurrent executions = %d, want <= %d", p, q.Concurrency)
	}
}

func TestPoolPauseResume(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	bus := events.NewBus(16)

	q := testQueueConfig()
	pool := worker.New(s, []config.Queue{q}, bus, 20*time.Millisecond, 20*time.Millisecond)
	_ = pool.Register(q.Name, func(ctx context.Context, payload json.RawMessage, progress worker.ProgressFunc) (json.RawMessage, error) {
		return nil, nil
	})

	if !pool.Pause(q.Name) {
		t.Fatal("Pause returned false for known queue")
	}
	if pool.Pause("nope") {
		t.Error("Pause returned true for unknown queue")
	}

	job, _ := s.EnqueueJob(ctx, q.Name, nil, store.EnqueueParams{})
	startPool(t, pool)

	// several poll intervals pass without a claim
	time.Sleep(300 * time.Millisecond)
	got, _ := s.GetJob(ctx, q.Name, job.ID)
	if got.State != store.StateWaiting {
		t.Fatalf("paused queue claimed job, state = %q", got.State)
	}

	pool.Resume(q.Name)
	waitFor(t, 10*time.Second, func() bool {
		got, _ := s.GetJob(ctx, q.Name, job.ID)
		return got != nil && got.State == store.StateCompleted
	}, "job completion after resume")
}

func TestPoolRecoversStalledJob(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	bus := events.NewBus(16)
	snapshot := collectEvents(bus)

	q := testQueueConfig()
	pool := worker.New(s, []config.Queue{q}, bus, 20*time.Millisecond, 20*time.Millisecond)
	_ = pool.Register(q.Name, func(ctx context.Context, payload json.RawMessage, progress worker.ProgressFunc) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})

	// simulate a worker that died mid-job: claim with a short lease elsewhere
	job, _ := s.EnqueueJob(ctx, q.Name, nil, store.EnqueueParams{})
	claimed, err := s.ClaimJob(ctx, q.Name, "dead-worker", 30*time.Millisecond)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimJob: %v, %v", claimed, err)
	}
	time.Sleep(60 * time.Millisecond)

	startPool(t, pool)

	waitFor(t, 10*time.Second, func() bool {
		got, _ := s.GetJob(ctx, q.Name, job.ID)
		return got != nil && got.State == store.StateCompleted
	}, "re-execution after stall recovery")

	got, _ := s.GetJob(ctx, q.Name, job.ID)
	if got.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0 (lease expiry is not a handler failure)", got.Attempts)
	}

	waitFor(t, 2*time.Second, func() bool {
		for _, e := range snapshot() {
			if e.Type == events.JobStalled && e.JobID == job.ID {
				return true
			}
		}
		return false
	}, "job_stalled event")
}

// Cancelling the pool context while a handler is running must not lose the
// outcome: Start returns only after the in-flight job finishes and its
// completion is written.
func TestPoolDrainsInFlightOnStop(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	bus := events.NewBus(16)

	q := testQueueConfig()
	started := make(chan struct{})
	pool := worker.New(s, []config.Queue{q}, bus, 20*time.Millisecond, 20*time.Millisecond)
	_ = pool.Register(q.Name, func(ctx context.Context, payload json.RawMessage, progress worker.ProgressFunc) (json.RawMessage, error) {
		close(started)
		time.Sleep(150 * time.Millisecond)
		return json.RawMessage(`{"ok":true}`), nil
	})

	job, err := s.EnqueueJob(ctx, q.Name, nil, store.EnqueueParams{})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	poolCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Start(poolCtx)
		close(done)
	}()

	<-started
	cancel()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Start did not return after cancel")
	}

	got, _ := s.GetJob(ctx, q.Name, job.ID)
	if got == nil || got.State != store.StateCompleted {
		t.Fatalf("in-flight job not drained: %+v", got)
	}
	if got.Result == nil {
		t.Error("Result not recorded during drain")
	}
}

func TestRegisterUnknownQueue(t *testing.T) {
	t.Parallel()
	pool := worker.New(nil, []config.Queue{testQueueConfig()}, events.NewBus(1), time.Second, time.Second)
	err := pool.Register("typo", func(ctx context.Context, payload json.RawMessage, progress worker.ProgressFunc) (json.RawMessage, error) {
		return nil, nil
	})
	if err == nil {
		t.Fatal("Register with unknown queue succeeded, want error")
	}
}
