package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/TheZoneNewsMedia/zone-jobs/internal/scheduler"
	"github.com/TheZoneNewsMedia/zone-jobs/internal/store"
)

// registerJobRoutes wires the operations API onto the huma API.
//
//	POST   /queue/{queueName}          — enqueue a job (202)
//	GET    /job/{queueName}/{jobId}    — job status
//	DELETE /job/{queueName}/{jobId}    — hard cancel an unclaimed job
//	GET    /stats                       — per-queue state counts
//	POST   /retry/{queueName}          — reset failed jobs to waiting
//	DELETE /clean/{queueName}          — remove old terminal jobs
//	POST   /pause/{queueName}          — stop claiming from a queue
//	POST   /resume/{queueName}         — resume claiming
//	GET    /health                      — queue depths + trigger status
func registerJobRoutes(api huma.API, srv *Server) {
	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-job",
		Method:        http.MethodPost,
		Path:          "/queue/{queueName}",
		Summary:       "Enqueue a job",
		Description:   "Creates a job in the named queue. Options override the queue's default priority, delay, and retry policy.",
		Tags:          []string{"Jobs"},
		DefaultStatus: http.StatusAccepted,
	}, srv.enqueueHandler)

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/job/{queueName}/{jobId}",
		Summary:     "Get job status",
		Tags:        []string{"Jobs"},
	}, srv.getJobHandler)

	huma.Register(api, huma.Operation{
		OperationID:   "cancel-job",
		Method:        http.MethodDelete,
		Path:          "/job/{queueName}/{jobId}",
		Summary:       "Cancel a waiting or delayed job",
		Description:   "Hard-removes a job that has not been claimed. Active and terminal jobs cannot be cancelled.",
		Tags:          []string{"Jobs"},
		DefaultStatus: http.StatusNoContent,
	}, srv.cancelJobHandler)

	huma.Register(api, huma.Operation{
		OperationID: "queue-stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Per-queue job state counts",
		Tags:        []string{"Queues"},
	}, srv.statsHandler)

	huma.Register(api, huma.Operation{
		OperationID: "retry-failed",
		Method:      http.MethodPost,
		Path:        "/retry/{queueName}",
		Summary:     "Retry all failed jobs in a queue",
		Description: "Resets every failed job back to waiting with attempts = 0.",
		Tags:        []string{"Queues"},
	}, srv.retryHandler)

	huma.Register(api, huma.Operation{
		OperationID:   "clean-queue",
		Method:        http.MethodDelete,
		Path:          "/clean/{queueName}",
		Summary:       "Remove old terminal jobs",
		Description:   "Deletes completed and failed jobs older than the grace period (default 1 hour).",
		Tags:          []string{"Queues"},
		DefaultStatus: http.StatusNoContent,
	}, srv.cleanHandler)

	huma.Register(api, huma.Operation{
		OperationID:   "pause-queue",
		Method:        http.MethodPost,
		Path:          "/pause/{queueName}",
		Summary:       "Pause claiming from a queue",
		Description:   "In-flight jobs continue; no new jobs are claimed until resume.",
		Tags:          []string{"Queues"},
		DefaultStatus: http.StatusNoContent,
	}, srv.pauseHandler)

	huma.Register(api, huma.Operation{
		OperationID:   "resume-queue",
		Method:        http.MethodPost,
		Path:          "/resume/{queueName}",
		Summary:       "Resume claiming from a queue",
		Tags:          []string{"Queues"},
		DefaultStatus: http.StatusNoContent,
	}, srv.resumeHandler)

	huma.Register(api, huma.Operation{
		OperationID: "engine-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Aggregate engine health",
		Description: "Queue depths plus per-trigger running / last-fired / next-due state.",
		Tags:        []string{"Health"},
	}, srv.healthHandler)
}

// ── POST /queue/{queueName} ───────────────────────────────────────────────────

// EnqueueOptions are the per-job overrides accepted at enqueue time.
type EnqueueOptions struct {
	Priority    int32 `json:"priority,omitempty" doc:"Ordering hint; lower values dequeue first"`
	DelayMS     int64 `json:"delay_ms,omitempty" minimum:"0" doc:"Delay before the job becomes eligible, in milliseconds"`
	MaxAttempts int32 `json:"max_attempts,omitempty" minimum:"0" doc:"Execution attempt ceiling; 0 inherits the queue default"`
}

// EnqueueInput is the enqueue request.
type EnqueueInput struct {
	QueueName string `path:"queueName" doc:"Target queue name"`
	Body      struct {
		Data    json.RawMessage `json:"data" doc:"Opaque payload passed to the handler"`
		Options *EnqueueOptions `json:"options,omitempty"`
	}
}

// EnqueueOutput is the enqueue response.
type EnqueueOutput struct {
	Body struct {
		JobID string `json:"job_id"`
		Queue string `json:"queue"`
	}
}

func (srv *Server) enqueueHandler(ctx context.Context, input *EnqueueInput) (*EnqueueOutput, error) {
	q, ok := srv.queues[input.QueueName]
	if !ok {
		return nil, huma.Error400BadRequest(fmt.Sprintf("unknown queue %q", input.QueueName))
	}

	p := store.EnqueueParams{MaxAttempts: int32(q.MaxAttempts)}
	if opts := input.Body.Options; opts != nil {
		p.Priority = opts.Priority
		p.Delay = time.Duration(opts.DelayMS) * time.Millisecond
		if opts.MaxAttempts > 0 {
			p.MaxAttempts = opts.MaxAttempts
		}
	}

	job, err := srv.store.EnqueueJob(ctx, input.QueueName, input.Body.Data, p)
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	out := &EnqueueOutput{}
	out.Body.JobID = job.ID.String()
	out.Body.Queue = job.Queue
	return out, nil
}

// ── GET /job/{queueName}/{jobId} ──────────────────────────────────────────────

// JobStatus is the API representation of a job record.
type JobStatus struct {
	ID            string          `json:"id"`
	Queue         string          `json:"queue"`
	Data          json.RawMessage `json:"data"`
	State         string          `json:"state"`
	Progress      int32           `json:"progress"`
	Attempts      int32           `json:"attempts"`
	MaxAttempts   int32           `json:"max_attempts"`
	Priority      int32           `json:"priority"`
	Result        json.RawMessage `json:"result,omitempty"`
	FailureReason *string         `json:"failure_reason,omitempty"`
	CreatedAt     string          `json:"created_at"` // RFC3339
	RunAt         string          `json:"run_at"`     // RFC3339
	FinishedAt    *string         `json:"finished_at,omitempty"`
}

// GetJobInput identifies one job.
type GetJobInput struct {
	QueueName string `path:"queueName"`
	JobID     string `path:"jobId" doc:"Job UUID"`
}

// GetJobOutput is the job status response.
type GetJobOutput struct {
	Body JobStatus
}

func (srv *Server) getJobHandler(ctx context.Context, input *GetJobInput) (*GetJobOutput, error) {
	if _, ok := srv.queues[input.QueueName]; !ok {
		return nil, huma.Error400BadRequest(fmt.Sprintf("unknown queue %q", input.QueueName))
	}
	id, err := uuid.Parse(input.JobID)
	if err != nil {
		return nil, huma.Error404NotFound("job not found")
	}
	job, err := srv.store.GetJob(ctx, input.QueueName, id)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if job == nil {
		return nil, huma.Error404NotFound("job not found")
	}
	return &GetJobOutput{Body: jobToStatus(job)}, nil
}

func jobToStatus(j *store.Job) JobStatus {
	s := JobStatus{
		ID:            j.ID.String(),
		Queue:         j.Queue,
		Data:          j.Payload,
		State:         string(j.State),
		Progress:      j.Progress,
		Attempts:      j.Attempts,
		MaxAttempts:   j.MaxAttempts,
		Priority:      j.Priority,
		Result:        j.Result,
		FailureReason: j.FailureReason,
		CreatedAt:     j.CreatedAt.UTC().Format(time.RFC3339),
		RunAt:         j.RunAt.UTC().Format(time.RFC3339),
	}
	if j.FinishedAt != nil {
		t := j.FinishedAt.UTC().Format(time.RFC3339)
		s.FinishedAt = &t
	}
	return s
}

// ── DELETE /job/{queueName}/{jobId} ───────────────────────────────────────────

// CancelJobOutput is empty; cancellation returns 204.
type CancelJobOutput struct{}

func (srv *Server) cancelJobHandler(ctx context.Context, input *GetJobInput) (*CancelJobOutput, error) {
	if _, ok := srv.queues[input.QueueName]; !ok {
		return nil, huma.Error400BadRequest(fmt.Sprintf("unknown queue %q", input.QueueName))
	}
	id, err := uuid.Parse(input.JobID)
	if err != nil {
		return nil, huma.Error404NotFound("job not found")
	}
	err = srv.store.CancelJob(ctx, input.QueueName, id)
	switch {
	case err == nil:
		return &CancelJobOutput{}, nil
	case errors.Is(err, store.ErrNotFound):
		return nil, huma.Error404NotFound("job not found")
	case errors.Is(err, store.ErrConflict):
		return nil, huma.Error409Conflict("job is active or finished; only waiting and delayed jobs can be cancelled")
	default:
		return nil, fmt.Errorf("cancel job: %w", err)
	}
}

// ── GET /stats ────────────────────────────────────────────────────────────────

// StatsOutput maps queue name to state counts. Every configured queue
// appears, zero-filled when empty.
type StatsOutput struct {
	Body map[string]store.StateCounts
}

func (srv *Server) statsHandler(ctx context.Context, _ *struct{}) (*StatsOutput, error) {
	stats, err := srv.store.QueueStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	body := make(map[string]store.StateCounts, len(srv.queues))
	for name := range srv.queues {
		body[name] = stats[name]
	}
	return &StatsOutput{Body: body}, nil
}

// ── POST /retry/{queueName} ───────────────────────────────────────────────────

// QueueInput identifies one queue.
type QueueInput struct {
	QueueName string `path:"queueName"`
}

// RetryOutput reports how many failed jobs were reset.
type RetryOutput struct {
	Body struct {
		RetriedCount int `json:"retried_count"`
	}
}

func (srv *Server) retryHandler(ctx context.Context, input *QueueInput) (*RetryOutput, error) {
	if _, ok := srv.queues[input.QueueName]; !ok {
		return nil, huma.Error400BadRequest(fmt.Sprintf("unknown queue %q", input.QueueName))
	}
	n, err := srv.store.RetryFailed(ctx, input.QueueName)
	if err != nil {
		return nil, fmt.Errorf("retry failed: %w", err)
	}
	out := &RetryOutput{}
	out.Body.RetriedCount = n
	return out, nil
}

// ── DELETE /clean/{queueName} ─────────────────────────────────────────────────

// CleanInput identifies the queue and optional grace override.
type CleanInput struct {
	QueueName string `path:"queueName"`
	GraceMS   int64  `query:"grace" minimum:"0" doc:"Minimum age of terminal jobs to remove, in milliseconds; 0 uses the configured default"`
}

// CleanOutput is empty; clean returns 204.
type CleanOutput struct{}

func (srv *Server) cleanHandler(ctx context.Context, input *CleanInput) (*CleanOutput, error) {
	if _, ok := srv.queues[input.QueueName]; !ok {
		return nil, huma.Error400BadRequest(fmt.Sprintf("unknown queue %q", input.QueueName))
	}
	grace := srv.cfg.CleanGrace
	if input.GraceMS > 0 {
		grace = time.Duration(input.GraceMS) * time.Millisecond
	}
	n, err := srv.store.CleanJobs(ctx, input.QueueName, grace)
	if err != nil {
		return nil, fmt.Errorf("clean: %w", err)
	}
	if n > 0 {
		slog.Info("cleaned terminal jobs", "queue", input.QueueName, "count", n, "grace", grace)
	}
	return &CleanOutput{}, nil
}

// ── POST /pause/{queueName}, /resume/{queueName} ──────────────────────────────

// PauseOutput is empty; pause and resume return 204.
type PauseOutput struct{}

func (srv *Server) pauseHandler(_ context.Context, input *QueueInput) (*PauseOutput, error) {
	return srv.setPaused(input.QueueName, true)
}

func (srv *Server) resumeHandler(_ context.Context, input *QueueInput) (*PauseOutput, error) {
	return srv.setPaused(input.QueueName, false)
}

func (srv *Server) setPaused(queue string, paused bool) (*PauseOutput, error) {
	if _, ok := srv.queues[queue]; !ok {
		return nil, huma.Error400BadRequest(fmt.Sprintf("unknown queue %q", queue))
	}
	if srv.pool == nil {
		return nil, huma.Error503ServiceUnavailable("no worker pool embedded in this process")
	}
	if paused {
		srv.pool.Pause(queue)
	} else {
		srv.pool.Resume(queue)
	}
	return &PauseOutput{}, nil
}

// ── GET /health ───────────────────────────────────────────────────────────────

// QueueHealth is the per-queue section of the health report.
type QueueHealth struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Delayed int64 `json:"delayed"`
	Paused  bool  `json:"paused"`
}

// HealthOutput aggregates queue depths and trigger status.
type HealthOutput struct {
	Body struct {
		Status   string                 `json:"status"`
		Queues   map[string]QueueHealth `json:"queues"`
		Triggers []scheduler.Status     `json:"triggers"`
	}
}

func (srv *Server) healthHandler(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	stats, err := srv.store.QueueStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}

	out := &HealthOutput{}
	out.Body.Status = "ok"
	out.Body.Queues = make(map[string]QueueHealth, len(srv.queues))
	for name := range srv.queues {
		c := stats[name]
		qh := QueueHealth{Waiting: c.Waiting, Active: c.Active, Delayed: c.Delayed}
		if srv.pool != nil {
			qh.Paused = srv.pool.IsPaused(name)
		}
		out.Body.Queues[name] = qh
	}

	out.Body.Triggers = []scheduler.Status{}
	if srv.sched != nil {
		out.Body.Triggers = srv.sched.Statuses()
	}
	return out, nil
}
