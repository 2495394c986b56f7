// ABOUTME: Static queue topology — per-queue concurrency, retry, and lease policy.
// ABOUTME: Parsed once at startup from QUEUES_JSON, or the built-in platform set.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Backoff types accepted in queue definitions and per-job overrides.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exp"
)

// Queue is the static definition of one named queue. Queues are created once
// at engine start; new names appear only via configuration change + restart.
type Queue struct {
	Name string `json:"name"`
	// Concurrency is the maximum number of jobs processed in parallel.
	Concurrency int `json:"concurrency"`
	// MaxAttempts is the default execution-attempt ceiling for jobs created
	// without an override.
	MaxAttempts int `json:"max_attempts"`
	// BackoffType is "fixed" or "exp" (base * 2^attempts, capped).
	BackoffType string `json:"backoff_type"`
	// BackoffDelayMS is the fixed delay, or the exponential base.
	BackoffDelayMS int `json:"backoff_delay_ms"`
	// LeaseMS is the claim lease duration; an active job whose lease expires
	// without a heartbeat is returned to waiting by the stall sweep.
	LeaseMS int `json:"lease_ms"`
}

// BackoffDelay returns the configured base delay as a duration.
func (q Queue) BackoffDelay() time.Duration {
	return time.Duration(q.BackoffDelayMS) * time.Millisecond
}

// Lease returns the claim lease duration.
func (q Queue) Lease() time.Duration {
	return time.Duration(q.LeaseMS) * time.Millisecond
}

// defaultQueues is the Zone News platform queue set used when QUEUES_JSON is
// empty: article pipeline, subscriber digests, analytics rollups, and
// archive backups.
var defaultQueues = []Queue{
	{Name: "newsProcessing", Concurrency: 4, MaxAttempts: 3, BackoffType: BackoffExponential, BackoffDelayMS: 1000, LeaseMS: 30000},
	{Name: "userDigest", Concurrency: 2, MaxAttempts: 3, BackoffType: BackoffExponential, BackoffDelayMS: 1000, LeaseMS: 30000},
	{Name: "analyticsRollup", Concurrency: 1, MaxAttempts: 5, BackoffType: BackoffFixed, BackoffDelayMS: 5000, LeaseMS: 60000},
	{Name: "archiveBackup", Concurrency: 1, MaxAttempts: 2, BackoffType: BackoffFixed, BackoffDelayMS: 60000, LeaseMS: 300000},
}

// Queues parses QUEUES_JSON into the queue topology, applying defaults for
// omitted fields, or returns the built-in platform set when unset.
func (c *Config) Queues() ([]Queue, error) {
	if c.QueuesJSON == "" {
		return defaultQueues, nil
	}

	var queues []Queue
	if err := json.Unmarshal([]byte(c.QueuesJSON), &queues); err != nil {
		return nil, fmt.Errorf("parse QUEUES_JSON: %w", err)
	}
	if len(queues) == 0 {
		return nil, fmt.Errorf("QUEUES_JSON defines no queues")
	}

	seen := make(map[string]bool, len(queues))
	for i := range queues {
		q := &queues[i]
		if q.Name == "" {
			return nil, fmt.Errorf("QUEUES_JSON entry %d has no name", i)
		}
		if seen[q.Name] {
			return nil, fmt.Errorf("QUEUES_JSON defines queue %q twice", q.Name)
		}
		seen[q.Name] = true

		if q.Concurrency <= 0 {
			q.Concurrency = 1
		}
		if q.MaxAttempts <= 0 {
			q.MaxAttempts = 3
		}
		switch q.BackoffType {
		case BackoffFixed, BackoffExponential:
		case "":
			q.BackoffType = BackoffExponential
		default:
			return nil, fmt.Errorf("queue %q: unknown backoff_type %q", q.Name, q.BackoffType)
		}
		if q.BackoffDelayMS <= 0 {
			q.BackoffDelayMS = 1000
		}
		if q.LeaseMS <= 0 {
			q.LeaseMS = 30000
		}
	}
	return queues, nil
}
