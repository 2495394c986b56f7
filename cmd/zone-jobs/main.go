// Command zone-jobs is the Zone News background job engine binary.
//
// Subcommands:
//
//	serve    — HTTP ops API + embedded worker pools + scheduler (default)
//	worker   — standalone worker pools only (scaled deployments)
//	migrate  — run pending database migrations and exit
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	// Embeds the IANA timezone database in the binary so cron evaluation
	// works inside distroless containers that have no /usr/share/zoneinfo.
	_ "time/tzdata"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/TheZoneNewsMedia/zone-jobs/internal/api"
	"github.com/TheZoneNewsMedia/zone-jobs/internal/config"
	"github.com/TheZoneNewsMedia/zone-jobs/internal/events"
	"github.com/TheZoneNewsMedia/zone-jobs/internal/scheduler"
	"github.com/TheZoneNewsMedia/zone-jobs/internal/store"
	"github.com/TheZoneNewsMedia/zone-jobs/internal/worker"
	"github.com/TheZoneNewsMedia/zone-jobs/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "zone-jobs",
		Short: "Zone News — background job queue and scheduler engine",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		migrateCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the ops API with embedded worker pools and scheduler",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	queues, err := cfg.Queues()
	if err != nil {
		return fmt.Errorf("queues: %w", err)
	}

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st := store.New(db)

	bus := events.NewBus(cfg.EventBufferSize)
	go events.NewMonitor(bus).Run(ctx)

	// Embedded worker pools. They run until ctx is cancelled, at which point
	// in-flight jobs finish and record their outcomes; shutdown below waits
	// on poolDone so those writes land before the process exits.
	pool := worker.New(st, queues, bus, cfg.PollInterval, cfg.SweepInterval)
	if err := registerHandlers(pool, queues); err != nil {
		return fmt.Errorf("handlers: %w", err)
	}
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		pool.Start(ctx)
	}()

	sched := scheduler.New(st, queues, cfg.SchedulerInterval)
	if err := registerTriggers(sched, queues); err != nil {
		return fmt.Errorf("triggers: %w", err)
	}
	go func() {
		if err := sched.Start(ctx); err != nil {
			slog.Error("scheduler error", "error", err)
		}
	}()

	handler := api.NewServer(st, cfg, queues, pool, sched).Handler()

	// Explicit timeouts prevent Slowloris-style connection pinning.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server started", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		stop() // release signal notification
	}

	slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	select {
	case <-poolDone:
		slog.Info("worker pools drained")
	case <-shutdownCtx.Done():
		slog.Warn("shutdown timeout before worker pools drained")
	}

	slog.Info("server stopped")
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start standalone worker pools (no HTTP server, no scheduler)",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	queues, err := cfg.Queues()
	if err != nil {
		return fmt.Errorf("queues: %w", err)
	}

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	bus := events.NewBus(cfg.EventBufferSize)
	go events.NewMonitor(bus).Run(ctx)

	pool := worker.New(store.New(db), queues, bus, cfg.PollInterval, cfg.SweepInterval)
	if err := registerHandlers(pool, queues); err != nil {
		return fmt.Errorf("handlers: %w", err)
	}

	slog.Info("worker started")
	pool.Start(ctx) // blocks until ctx cancelled, then drains in-flight jobs
	return nil
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.Info("running migrations")

	// Source: embedded SQL files from the migrations package.
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide. No pooling needed — one-shot run.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newPool creates and validates a pgxpool with statement timeout, PgBouncer
// compatibility, and pool sizing from config.
//
// Retries up to 10 times with linear backoff to handle the Docker Compose
// startup race where Postgres is not immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	// Global per-query statement timeout prevents runaway queries from
	// holding connections indefinitely.
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)

	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx
		// is cancelled before the timer fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	// Advisory schema version check: warn if the applied schema does not
	// match the version the binary was compiled for.
	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != expectedSchemaVersion {
		slog.Warn("schema version mismatch — run `zone-jobs migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion,
		)
	}

	return db, nil
}

// expectedSchemaVersion is the database migration version this binary requires.
// Update this constant when new migrations are added.
const expectedSchemaVersion = 1

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
