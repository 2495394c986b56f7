package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/TheZoneNewsMedia/zone-jobs/internal/store"
	"github.com/TheZoneNewsMedia/zone-jobs/internal/testutil"
)

func TestUpsertTriggerPreservesLastFired(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	tr, err := s.UpsertTrigger(ctx, "dailyDigest", "0 6 * * *", "userDigest")
	if err != nil {
		t.Fatalf("UpsertTrigger: %v", err)
	}
	if tr.LastFiredAt != nil {
		t.Errorf("LastFiredAt = %v on first registration, want nil", tr.LastFiredAt)
	}

	fired := time.Now().Truncate(time.Second).UTC()
	if err := s.MarkTriggerFired(ctx, "dailyDigest", fired, nil); err != nil {
		t.Fatalf("MarkTriggerFired: %v", err)
	}

	// re-registration on restart updates the definition, not the fire state
	tr, err = s.UpsertTrigger(ctx, "dailyDigest", "0 7 * * *", "userDigest")
	if err != nil {
		t.Fatalf("UpsertTrigger (update): %v", err)
	}
	if tr.CronExpr != "0 7 * * *" {
		t.Errorf("CronExpr = %q, want updated expression", tr.CronExpr)
	}
	if tr.LastFiredAt == nil || !tr.LastFiredAt.Equal(fired) {
		t.Errorf("LastFiredAt = %v, want %v preserved across upsert", tr.LastFiredAt, fired)
	}
}

func TestMarkTriggerFiredCAS(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	if _, err := s.UpsertTrigger(ctx, "hourlyAnalytics", "0 * * * *", "analyticsRollup"); err != nil {
		t.Fatalf("UpsertTrigger: %v", err)
	}

	t1 := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 8, 29, 11, 0, 0, 0, time.UTC)

	if err := s.MarkTriggerFired(ctx, "hourlyAnalytics", t1, nil); err != nil {
		t.Fatalf("MarkTriggerFired (nil->t1): %v", err)
	}

	// a second scheduler instance observing the stale nil state loses the race
	err := s.MarkTriggerFired(ctx, "hourlyAnalytics", t2, nil)
	if !errors.Is(err, store.ErrConflict) {
		t.Errorf("MarkTriggerFired (stale prev) = %v, want ErrConflict", err)
	}

	prev := t1
	if err := s.MarkTriggerFired(ctx, "hourlyAnalytics", t2, &prev); err != nil {
		t.Fatalf("MarkTriggerFired (t1->t2): %v", err)
	}

	tr, err := s.GetTrigger(ctx, "hourlyAnalytics")
	if err != nil {
		t.Fatalf("GetTrigger: %v", err)
	}
	if tr.LastFiredAt == nil || !tr.LastFiredAt.Equal(t2) {
		t.Errorf("LastFiredAt = %v, want %v", tr.LastFiredAt, t2)
	}

	missing := s.MarkTriggerFired(ctx, "nope", t1, nil)
	if !errors.Is(missing, store.ErrConflict) {
		t.Errorf("MarkTriggerFired (unknown trigger) = %v, want ErrConflict", missing)
	}
}
