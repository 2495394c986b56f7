// ABOUTME: Tests for cron trigger evaluation — catch-up, CAS races, template errors.
// ABOUTME: White-box: evaluate is driven with a fixed clock to keep ticks deterministic.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheZoneNewsMedia/zone-jobs/internal/config"
	"github.com/TheZoneNewsMedia/zone-jobs/internal/store"
	"github.com/TheZoneNewsMedia/zone-jobs/internal/testutil"
)

var digestQueues = []config.Queue{{
	Name:           "userDigest",
	Concurrency:    1,
	MaxAttempts:    3,
	BackoffType:    config.BackoffExponential,
	BackoffDelayMS: 1000,
	LeaseMS:        30000,
}}

func staticTemplate(payloads ...string) TemplateFunc {
	return func(ctx context.Context) ([]json.RawMessage, error) {
		out := make([]json.RawMessage, len(payloads))
		for i, p := range payloads {
			out[i] = json.RawMessage(p)
		}
		return out, nil
	}
}

func TestLatestDue(t *testing.T) {
	t.Parallel()
	hourly, err := cron.ParseStandard("0 * * * *")
	require.NoError(t, err)

	after := time.Date(2026, 8, 29, 10, 5, 0, 0, time.UTC)

	// next tick still in the future
	_, ok := latestDue(hourly, after, time.Date(2026, 8, 29, 10, 30, 0, 0, time.UTC))
	assert.False(t, ok)

	// one tick due
	due, ok := latestDue(hourly, after, time.Date(2026, 8, 29, 11, 10, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 29, 11, 0, 0, 0, time.UTC), due)

	// several ticks missed: only the most recent is due
	due, ok = latestDue(hourly, after, time.Date(2026, 8, 29, 14, 45, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 29, 14, 0, 0, 0, time.UTC), due)

	// tick exactly at now fires
	due, ok = latestDue(hourly, after, time.Date(2026, 8, 29, 11, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 29, 11, 0, 0, 0, time.UTC), due)
}

func TestAddValidation(t *testing.T) {
	t.Parallel()
	sc := New(nil, digestQueues, time.Second)

	assert.Error(t, sc.Add("bad", "not a cron", "userDigest", staticTemplate(`{}`)))
	assert.Error(t, sc.Add("orphan", "0 6 * * *", "noSuchQueue", staticTemplate(`{}`)))
	assert.Error(t, sc.Add("empty", "0 6 * * *", "userDigest", nil))

	require.NoError(t, sc.Add("daily", "0 6 * * *", "userDigest", staticTemplate(`{}`)))
	assert.Error(t, sc.Add("daily", "0 7 * * *", "userDigest", staticTemplate(`{}`)),
		"duplicate name must be rejected")
}

// seedTrigger registers tr in the database with last_fired_at = seed.
func seedTrigger(t *testing.T, s *store.Store, tr *Trigger, seed time.Time) {
	t.Helper()
	ctx := context.Background()
	_, err := s.UpsertTrigger(ctx, tr.Name, tr.Expr, tr.TargetQueue)
	require.NoError(t, err)
	require.NoError(t, s.MarkTriggerFired(ctx, tr.Name, seed, nil))
	tr.lastFired.Store(&seed)
}

func TestEvaluateCatchUpFiresOnce(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	sc := New(s, digestQueues, time.Second)
	require.NoError(t, sc.Add("dailyDigest", "0 6 * * *", "userDigest",
		staticTemplate(`{"userId":"u1"}`, `{"userId":"u2"}`)))
	tr := sc.triggers[0]

	// last fired two days ago; two daily ticks have been missed since
	seed := time.Date(2026, 8, 27, 6, 0, 0, 0, time.UTC)
	seedTrigger(t, s, tr, seed)

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	sc.evaluate(ctx, tr, now)

	// catch-up is a single fire: one tick, one batch of template payloads
	waiting, err := s.CountByState(ctx, "userDigest", store.StateWaiting)
	require.NoError(t, err)
	assert.EqualValues(t, 2, waiting)

	wantTick := time.Date(2026, 8, 29, 6, 0, 0, 0, time.UTC)
	lf := tr.lastFired.Load()
	require.NotNil(t, lf)
	assert.True(t, lf.Equal(wantTick), "lastFired = %v, want %v", lf, wantTick)

	// same tick does not fire again
	sc.evaluate(ctx, tr, now)
	waiting, err = s.CountByState(ctx, "userDigest", store.StateWaiting)
	require.NoError(t, err)
	assert.EqualValues(t, 2, waiting)

	// jobs inherit the target queue's retry budget
	job, err := s.ClaimJob(ctx, "userDigest", "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.EqualValues(t, 3, job.MaxAttempts)
}

func TestEvaluateRestartDoesNotRefire(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	sc1 := New(s, digestQueues, time.Second)
	require.NoError(t, sc1.Add("dailyDigest", "0 6 * * *", "userDigest", staticTemplate(`{}`)))
	tr1 := sc1.triggers[0]
	seedTrigger(t, s, tr1, time.Date(2026, 8, 28, 6, 0, 0, 0, time.UTC))

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	sc1.evaluate(ctx, tr1, now)

	// restart: a fresh scheduler loads persisted fire state
	sc2 := New(s, digestQueues, time.Second)
	require.NoError(t, sc2.Add("dailyDigest", "0 6 * * *", "userDigest", staticTemplate(`{}`)))
	tr2 := sc2.triggers[0]
	row, err := s.GetTrigger(ctx, "dailyDigest")
	require.NoError(t, err)
	tr2.lastFired.Store(row.LastFiredAt)

	sc2.evaluate(ctx, tr2, now.Add(time.Minute))

	waiting, err := s.CountByState(ctx, "userDigest", store.StateWaiting)
	require.NoError(t, err)
	assert.EqualValues(t, 1, waiting, "restart must not replay an already-fired tick")
}

func TestEvaluateLosesRaceToOtherInstance(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	seed := time.Date(2026, 8, 28, 6, 0, 0, 0, time.UTC)
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	sc1 := New(s, digestQueues, time.Second)
	require.NoError(t, sc1.Add("dailyDigest", "0 6 * * *", "userDigest", staticTemplate(`{}`)))
	tr1 := sc1.triggers[0]
	seedTrigger(t, s, tr1, seed)

	// second instance holding the same stale fire state
	sc2 := New(s, digestQueues, time.Second)
	require.NoError(t, sc2.Add("dailyDigest", "0 6 * * *", "userDigest", staticTemplate(`{}`)))
	tr2 := sc2.triggers[0]
	tr2.lastFired.Store(&seed)

	sc1.evaluate(ctx, tr1, now)
	sc2.evaluate(ctx, tr2, now)

	waiting, err := s.CountByState(ctx, "userDigest", store.StateWaiting)
	require.NoError(t, err)
	assert.EqualValues(t, 1, waiting, "exactly one instance owns the tick")

	// the loser resynced its fire state from the database
	lf2 := tr2.lastFired.Load()
	require.NotNil(t, lf2)
	assert.True(t, lf2.Equal(*tr1.lastFired.Load()))
}

func TestEvaluateTemplateErrorConsumesTick(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	sc := New(s, digestQueues, time.Second)
	require.NoError(t, sc.Add("dailyDigest", "0 6 * * *", "userDigest",
		func(ctx context.Context) ([]json.RawMessage, error) {
			return nil, errors.New("subscriber lookup failed")
		}))
	tr := sc.triggers[0]
	seedTrigger(t, s, tr, time.Date(2026, 8, 28, 6, 0, 0, 0, time.UTC))

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	sc.evaluate(ctx, tr, now)

	// no jobs, but the tick is gone: a broken template does not retry-loop
	waiting, err := s.CountByState(ctx, "userDigest", store.StateWaiting)
	require.NoError(t, err)
	assert.EqualValues(t, 0, waiting)

	sc.evaluate(ctx, tr, now)
	waiting, err = s.CountByState(ctx, "userDigest", store.StateWaiting)
	require.NoError(t, err)
	assert.EqualValues(t, 0, waiting)
}

func TestStartBaselinesNewTrigger(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())

	sc := New(s, digestQueues, 20*time.Millisecond)
	// every-minute expression: without a registration-time baseline this
	// would fire immediately for a pre-registration tick
	require.NoError(t, sc.Add("minutely", "* * * * *", "userDigest", staticTemplate(`{}`)))

	done := make(chan error, 1)
	go func() { done <- sc.Start(ctx) }()

	// hammer Statuses while the loop runs: /health reads fire state from
	// another goroutine in serve mode
	statusDone := make(chan struct{})
	go func() {
		defer close(statusDone)
		for {
			select {
			case <-ctx.Done():
				return
			default:
				_ = sc.Statuses()
			}
		}
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	<-statusDone

	row, err := s.GetTrigger(context.Background(), "minutely")
	require.NoError(t, err)
	require.NotNil(t, row.LastFiredAt, "baseline must be persisted at registration")
	assert.WithinDuration(t, time.Now(), *row.LastFiredAt, time.Minute)

	statuses := sc.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "minutely", statuses[0].Name)
	assert.False(t, statuses[0].Running, "stopped scheduler reports not running")
}
