// Package store is the data access layer for job records and trigger fire
// state. All queries go through *pgxpool.Pool directly: the claim path needs
// pgx-native FOR UPDATE SKIP LOCKED, and every state transition is a single
// atomic UPDATE guarded by the expected current state, so cross-worker
// coordination never takes an in-process lock.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sentinel errors returned by store methods. The API layer maps these to
// HTTP statuses; worker loops treat ErrConflict as "another actor won the
// race" and re-read or abandon.
var (
	// ErrNotFound is returned when a job or trigger does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a guarded state transition matched zero
	// rows: the record's state changed since the caller last read it.
	ErrConflict = errors.New("state conflict")
)

// Store is the central data access object for the job engine.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pgxpool for callers that need raw access
// (the /healthz ping).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// withTx runs fn inside a pgx transaction. The transaction is committed if
// fn returns nil, rolled back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on panic or fn error
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
