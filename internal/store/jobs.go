package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// State is the job lifecycle state. Jobs move waiting→active→completed on
// success; failures go active→delayed (backoff retry) until max_attempts,
// then active→failed. A lease expiry moves active→waiting with attempts
// unchanged. completed and failed are terminal.
type State string

// Job lifecycle states.
const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is one unit of work: payload, state, and attempt history.
type Job struct {
	ID            uuid.UUID
	Queue         string
	Payload       json.RawMessage
	State         State
	Priority      int32
	Attempts      int32
	MaxAttempts   int32
	Progress      int32
	Result        json.RawMessage
	FailureReason *string
	RunAt         time.Time
	CreatedAt     time.Time
	ClaimedAt     *time.Time
	FinishedAt    *time.Time
	LockOwner     *string
	LockExpiresAt *time.Time
}

// Backoff is the retry delay policy applied when a handler fails with
// attempts remaining. Exponential delay is base * 2^attempts, capped.
type Backoff struct {
	Type string // config.BackoffFixed or config.BackoffExponential
	Base time.Duration
	Cap  time.Duration
}

// jobColumns is the scan order used by scanJob.
const jobColumns = `id, queue, payload, state, priority, attempts, max_attempts,
	progress, result, failure_reason, run_at, created_at, claimed_at,
	finished_at, lock_owner, lock_expires_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.Queue, &j.Payload, &j.State, &j.Priority, &j.Attempts,
		&j.MaxAttempts, &j.Progress, &j.Result, &j.FailureReason, &j.RunAt,
		&j.CreatedAt, &j.ClaimedAt, &j.FinishedAt, &j.LockOwner, &j.LockExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// EnqueueParams are the per-job overrides accepted at creation time. Zero
// values inherit the queue defaults supplied by the caller.
type EnqueueParams struct {
	Priority    int32
	MaxAttempts int32
	// Delay postpones eligibility: the job is created 'delayed' with
	// run_at = now + Delay instead of 'waiting'.
	Delay time.Duration
}

// EnqueueJob inserts a new job into the named queue. Queue-name validation is
// the caller's responsibility — the engine validates against its static
// topology before calling so unknown queues surface at enqueue time.
func (s *Store) EnqueueJob(ctx context.Context, queue string, payload json.RawMessage, p EnqueueParams) (*Job, error) {
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3 // schema default; callers normally pass the queue policy
	}
	state := StateWaiting
	if p.Delay > 0 {
		state = StateDelayed
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (queue, payload, state, priority, max_attempts, run_at)
		VALUES ($1, $2, $3, $4, $5, now() + $6 * interval '1 millisecond')
		RETURNING `+jobColumns,
		queue, payload, state, p.Priority, p.MaxAttempts, p.Delay.Milliseconds(),
	)
	j, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return j, nil
}

// GetJob returns the job with the given id in queue, or (nil, nil) when it
// does not exist.
func (s *Store) GetJob(ctx context.Context, queue string, id uuid.UUID) (*Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE queue = $1 AND id = $2`,
		queue, id,
	)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ClaimJob atomically claims the head-of-line eligible job in queue for
// workerID using FOR UPDATE SKIP LOCKED: the job becomes 'active' with a
// lease of the given duration. Eligible means 'waiting', or 'delayed' with
// run_at in the past (claiming does not wait for the promotion sweep).
// Claim order is priority ascending, ties FIFO by creation time.
// Returns (nil, nil) when no job is currently available.
//
// lock_owner is set to a per-claim token (workerID plus a fresh UUID), not
// workerID itself: if this claim's lease expires and the job is reclaimed,
// even by the same process, the stale execution's guarded writes can never
// match the new claim. Mutators must present the token from Job.LockOwner.
func (s *Store) ClaimJob(ctx context.Context, queue, workerID string, lease time.Duration) (*Job, error) {
	token := workerID + "#" + uuid.NewString()
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET
			state           = 'active',
			lock_owner      = $2,
			lock_expires_at = now() + $3 * interval '1 millisecond',
			claimed_at      = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue = $1
			  AND (state = 'waiting' OR (state = 'delayed' AND run_at <= now()))
			ORDER BY priority, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		queue, token, lease.Milliseconds(),
	)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

// UpdateProgress records a progress report from the active worker and renews
// the claim lease (a progress report doubles as a heartbeat). claimToken is
// the Job.LockOwner value from the claim. Returns ErrConflict if the job is
// no longer active under that claim — the stall sweep reclaimed it, or it
// already reached a terminal state.
func (s *Store) UpdateProgress(ctx context.Context, id uuid.UUID, claimToken string, progress int32, lease time.Duration) error {
	if progress < 0 {
		progress = 0
	} else if progress > 100 {
		progress = 100
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			progress        = $3,
			lock_expires_at = now() + $4 * interval '1 millisecond'
		WHERE id = $1 AND state = 'active' AND lock_owner = $2`,
		id, claimToken, progress, lease.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("update progress %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update progress %s: %w", id, ErrConflict)
	}
	return nil
}

// CompleteJob marks an active job as succeeded, recording the handler result.
// The expected-state guard (active, owned by claimToken) makes the transition
// safe against a concurrent stall reclaim; a zero-row update is ErrConflict.
func (s *Store) CompleteJob(ctx context.Context, id uuid.UUID, claimToken string, result json.RawMessage) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			state           = 'completed',
			result          = $3,
			progress        = 100,
			finished_at     = now(),
			lock_owner      = NULL,
			lock_expires_at = NULL
		WHERE id = $1 AND state = 'active' AND lock_owner = $2`,
		id, claimToken, result,
	)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete job %s: %w", id, ErrConflict)
	}
	return nil
}

// FailJob records a handler failure on an active job. With attempts
// remaining the job transitions to 'delayed' with run_at pushed out by the
// backoff policy; once attempts reaches max_attempts it becomes terminally
// 'failed' with the failure reason recorded. Returns the resulting state so
// the worker can report retry vs. dead. Zero rows updated is ErrConflict.
func (s *Store) FailJob(ctx context.Context, id uuid.UUID, claimToken, reason string, b Backoff) (State, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET
			attempts        = attempts + 1,
			state           = CASE WHEN attempts + 1 >= max_attempts
			                       THEN 'failed'::job_state
			                       ELSE 'delayed'::job_state END,
			failure_reason  = CASE WHEN attempts + 1 >= max_attempts
			                       THEN $3 ELSE failure_reason END,
			finished_at     = CASE WHEN attempts + 1 >= max_attempts
			                       THEN now() ELSE NULL END,
			run_at          = CASE WHEN attempts + 1 >= max_attempts THEN run_at
			                       WHEN $4 = 'exp'
			                       THEN now() + least($5::bigint * power(2, attempts), $6::bigint) * interval '1 millisecond'
			                       ELSE now() + $5::bigint * interval '1 millisecond' END,
			progress        = CASE WHEN attempts + 1 >= max_attempts
			                       THEN progress ELSE 0 END,
			lock_owner      = NULL,
			lock_expires_at = NULL
		WHERE id = $1 AND state = 'active' AND lock_owner = $2
		RETURNING state`,
		id, claimToken, reason, b.Type, b.Base.Milliseconds(), b.Cap.Milliseconds(),
	)
	var state State
	if err := row.Scan(&state); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("fail job %s: %w", id, ErrConflict)
		}
		return "", fmt.Errorf("fail job %s: %w", id, err)
	}
	return state, nil
}

// PromoteDelayed moves delayed jobs whose run_at has passed into 'waiting'.
// ClaimJob already considers eligible delayed jobs directly; the sweep keeps
// reported state counts honest between claims. Returns the number promoted.
func (s *Store) PromoteDelayed(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = 'waiting'
		WHERE state = 'delayed' AND run_at <= now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("promote delayed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// StaleJob identifies a job reclaimed by the stall sweep.
type StaleJob struct {
	ID    uuid.UUID
	Queue string
}

// RecoverStaleJobs returns every active job whose lease expired to 'waiting'
// with attempts unchanged — an expired lease means the worker process died,
// not that the handler logic failed, so it does not count against
// max_attempts. Returns the reclaimed jobs for stalled-event emission.
func (s *Store) RecoverStaleJobs(ctx context.Context) ([]StaleJob, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs SET
			state           = 'waiting',
			lock_owner      = NULL,
			lock_expires_at = NULL,
			claimed_at      = NULL,
			progress        = 0
		WHERE state = 'active' AND lock_expires_at < now()
		RETURNING id, queue`,
	)
	if err != nil {
		return nil, fmt.Errorf("recover stale jobs: %w", err)
	}
	defer rows.Close()

	var stale []StaleJob
	for rows.Next() {
		var sj StaleJob
		if err := rows.Scan(&sj.ID, &sj.Queue); err != nil {
			return nil, fmt.Errorf("recover stale jobs: scan: %w", err)
		}
		stale = append(stale, sj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recover stale jobs: %w", err)
	}
	return stale, nil
}

// RetryFailed resets every 'failed' job in queue back to 'waiting' with
// attempts = 0, clearing the failure record. Returns the number reset.
func (s *Store) RetryFailed(ctx context.Context, queue string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			state          = 'waiting',
			attempts       = 0,
			failure_reason = NULL,
			finished_at    = NULL,
			progress       = 0,
			run_at         = now()
		WHERE queue = $1 AND state = 'failed'`,
		queue,
	)
	if err != nil {
		return 0, fmt.Errorf("retry failed jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CleanJobs deletes terminal (completed or failed) jobs in queue that
// finished more than grace ago. Returns the number removed.
func (s *Store) CleanJobs(ctx context.Context, queue string, grace time.Duration) (int, error) {
	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	query, args, err := psql.
		Delete("jobs").
		Where(sq.Eq{"queue": queue}).
		Where(sq.Expr("state IN ('completed', 'failed')")).
		Where(sq.Expr("finished_at < now() - ? * interval '1 millisecond'", grace.Milliseconds())).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("clean jobs: build query: %w", err)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("clean jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CancelJob removes a job that has not been claimed yet (hard cancel).
// Returns ErrConflict if the job exists but is past the point of
// cancellation (active or terminal), ErrNotFound if it does not exist.
func (s *Store) CancelJob(ctx context.Context, queue string, id uuid.UUID) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			DELETE FROM jobs
			WHERE queue = $1 AND id = $2 AND state IN ('waiting', 'delayed')`,
			queue, id,
		)
		if err != nil {
			return fmt.Errorf("cancel job %s: %w", id, err)
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
		var exists bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM jobs WHERE queue = $1 AND id = $2)`,
			queue, id,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("cancel job %s: %w", id, err)
		}
		if exists {
			return fmt.Errorf("cancel job %s: %w", id, ErrConflict)
		}
		return fmt.Errorf("cancel job %s: %w", id, ErrNotFound)
	})
}

// StateCounts are the per-state job totals for one queue.
type StateCounts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// QueueStats returns per-queue counts grouped by state. Queues with no jobs
// are absent from the result; the caller fills zeros from its topology.
func (s *Store) QueueStats(ctx context.Context) (map[string]StateCounts, error) {
	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	query, args, err := psql.
		Select("queue", "state", "COUNT(*)").
		From("jobs").
		GroupBy("queue", "state").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("queue stats: build query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]StateCounts)
	for rows.Next() {
		var (
			queue string
			state State
			count int64
		)
		if err := rows.Scan(&queue, &state, &count); err != nil {
			return nil, fmt.Errorf("queue stats: scan: %w", err)
		}
		c := stats[queue]
		switch state {
		case StateWaiting:
			c.Waiting = count
		case StateDelayed:
			c.Delayed = count
		case StateActive:
			c.Active = count
		case StateCompleted:
			c.Completed = count
		case StateFailed:
			c.Failed = count
		}
		stats[queue] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

// CountByState returns the number of jobs in queue with the given state.
func (s *Store) CountByState(ctx context.Context, queue string, state State) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE queue = $1 AND state = $2`,
		queue, state,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count %s jobs: %w", state, err)
	}
	return count, nil
}
