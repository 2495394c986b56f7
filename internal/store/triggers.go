// ABOUTME: Trigger fire-state persistence — last_fired_at survives restarts.
// ABOUTME: MarkTriggerFired is a compare-and-set so a tick is never fired twice.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Trigger is the persisted fire state of one cron trigger. The cron
// expression and template live in code; the row exists so a restart neither
// refires a handled tick nor misses one that became due while down.
type Trigger struct {
	Name         string
	CronExpr     string
	TargetQueue  string
	LastFiredAt  *time.Time
	RegisteredAt time.Time
}

// UpsertTrigger registers a trigger, creating its fire-state row on first
// sight. The expression and target queue follow the code on change;
// last_fired_at is preserved so redeploys stay restart-safe.
func (s *Store) UpsertTrigger(ctx context.Context, name, cronExpr, targetQueue string) (*Trigger, error) {
	var t Trigger
	err := s.pool.QueryRow(ctx, `
		INSERT INTO triggers (name, cron_expr, target_queue)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET
			cron_expr    = EXCLUDED.cron_expr,
			target_queue = EXCLUDED.target_queue,
			updated_at   = now()
		RETURNING name, cron_expr, target_queue, last_fired_at, registered_at`,
		name, cronExpr, targetQueue,
	).Scan(&t.Name, &t.CronExpr, &t.TargetQueue, &t.LastFiredAt, &t.RegisteredAt)
	if err != nil {
		return nil, fmt.Errorf("upsert trigger %s: %w", name, err)
	}
	return &t, nil
}

// GetTrigger returns the trigger with the given name, or (nil, nil) when it
// is not registered.
func (s *Store) GetTrigger(ctx context.Context, name string) (*Trigger, error) {
	var t Trigger
	err := s.pool.QueryRow(ctx, `
		SELECT name, cron_expr, target_queue, last_fired_at, registered_at
		FROM triggers WHERE name = $1`,
		name,
	).Scan(&t.Name, &t.CronExpr, &t.TargetQueue, &t.LastFiredAt, &t.RegisteredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trigger %s: %w", name, err)
	}
	return &t, nil
}

// MarkTriggerFired advances last_fired_at to tick, guarded by the previously
// observed value (NULL-safe). ErrConflict means another scheduler instance —
// or an earlier incarnation of this one — already fired the tick; the caller
// re-reads and skips.
func (s *Store) MarkTriggerFired(ctx context.Context, name string, tick time.Time, prev *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE triggers SET last_fired_at = $2, updated_at = now()
		WHERE name = $1 AND last_fired_at IS NOT DISTINCT FROM $3`,
		name, tick, prev,
	)
	if err != nil {
		return fmt.Errorf("mark trigger fired %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark trigger fired %s: %w", name, ErrConflict)
	}
	return nil
}
