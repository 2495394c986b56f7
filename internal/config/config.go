// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required,notEmpty"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"simple_protocol"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Internal auth ────────────────────────────────────────────────────────────
	// Shared secret required on all mutating operations API calls
	// (X-Internal-Token header). The ops API is not a public surface.
	// notEmpty: an empty secret would make the constant-time compare in the
	// auth middleware accept requests with no token at all.
	InternalToken string `env:"INTERNAL_TOKEN,required,notEmpty"`

	// ── Engine ───────────────────────────────────────────────────────────────────
	// QueuesJSON is a JSON array of queue definitions; empty uses the built-in
	// platform queue set. See [Config.Queues].
	QueuesJSON string `env:"QUEUES_JSON"`
	// PollInterval is how often each queue's claim loop checks for new jobs.
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"500ms"`
	// SweepInterval is how often the delayed-promotion and stall-recovery
	// sweeps run.
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1s"`
	// SchedulerInterval is how often registered triggers are evaluated.
	SchedulerInterval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"1s"`
	// EventBufferSize bounds the lifecycle event channel; events beyond it
	// are dropped and counted rather than blocking worker loops.
	EventBufferSize int `env:"EVENT_BUFFER_SIZE" envDefault:"256"`

	// ── Cleanup ──────────────────────────────────────────────────────────────────
	// CleanGrace is the default minimum age of terminal jobs before
	// DELETE /clean removes them; callers may override per request.
	CleanGrace time.Duration `env:"CLEAN_GRACE" envDefault:"1h"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
