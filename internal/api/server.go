// ABOUTME: HTTP server struct, constructor, and handler wiring for the ops API.
// ABOUTME: Thin read/write façade over the store; never bypasses broker semantics.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TheZoneNewsMedia/zone-jobs/internal/config"
	"github.com/TheZoneNewsMedia/zone-jobs/internal/scheduler"
	"github.com/TheZoneNewsMedia/zone-jobs/internal/store"
	"github.com/TheZoneNewsMedia/zone-jobs/internal/worker"
)

// Server holds the dependencies for the operations API.
type Server struct {
	store  *store.Store
	cfg    *config.Config
	queues map[string]config.Queue
	// pool is the embedded worker pool; nil in deployments where this
	// process serves the API only (pause/resume return 503 there).
	pool *worker.Pool
	// sched provides trigger status for /health; nil when the scheduler
	// runs elsewhere.
	sched *scheduler.Scheduler
}

// NewServer creates a Server over the given static queue topology.
func NewServer(s *store.Store, cfg *config.Config, queues []config.Queue, pool *worker.Pool, sched *scheduler.Scheduler) *Server {
	byName := make(map[string]config.Queue, len(queues))
	for _, q := range queues {
		byName[q.Name] = q
	}
	return &Server{
		store:  s,
		cfg:    cfg,
		queues: byName,
		pool:   pool,
		sched:  sched,
	}
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	var db *pgxpool.Pool
	if srv.store != nil {
		db = srv.store.Pool()
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	// 1 MB global body limit — job payloads are structured references
	// (article ids, recipient lists), not blobs.
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	// ── Infrastructure endpoints ──────────────────────────────────────────────
	r.Get("/healthz", healthzHandler(db))
	r.Handle("/metrics", promhttp.Handler())

	// ── Operations API (huma, OpenAPI 3.1) ───────────────────────────────────
	humaConfig := huma.DefaultConfig("Zone Jobs API", "1.0.0")
	humaConfig.Info.Description = "Background job queue and scheduler operations API"
	api := humachi.New(r, humaConfig)
	api.UseMiddleware(srv.requireInternalToken(api))
	registerJobRoutes(api, srv)

	return r
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when the DB is reachable,
// or 503 {"status":"degraded","db":"unavailable"} when it is not.
func healthzHandler(db *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		statusCode := http.StatusOK

		if db == nil {
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		} else if err := db.Ping(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "healthz: db ping failed", "error", err)
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.ErrorContext(r.Context(), "healthz: failed to encode response", "error", err)
		}
	}
}
