package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/graphsync/internal/audit"
	"github.com/wisbric/graphsync/internal/config"
	"github.com/wisbric/graphsync/internal/heartbeat"
	"github.com/wisbric/graphsync/internal/scheduler"
	"github.com/wisbric/graphsync/internal/store"
)

// Server is the admin HTTP surface (C9): five endpoints over a single
// shared-secret header, backed by the scheduler, the store gateway, and the
// heartbeat monitor.
type Server struct {
	Router *chi.Mux

	gateway   *store.Gateway
	scheduler *scheduler.Scheduler
	heartbeat *heartbeat.Monitor
	logger    *slog.Logger
	db        *pgxpool.Pool
	redis     *redis.Client // optional; nil when REDIS_URL is unset
	startedAt time.Time
}

// NewServer builds the admin router: request-id, request logging, metrics,
// panic recovery, then the internal-token check, then the four job
// endpoints plus the unauthenticated /metrics scrape target. rdb may be
// nil — Redis is an optional cross-replica cache, not a hard dependency.
// auditWriter is not stored on Server: every handler that needs to emit an
// audit event does so through the Scheduler methods it already calls
// (PauseJob/ResumeJob/RunNow), which own the audit writer themselves.
func NewServer(cfg *config.Config, logger *slog.Logger, gateway *store.Gateway, sched *scheduler.Scheduler, hb *heartbeat.Monitor, auditWriter *audit.Writer, rdb *redis.Client, metricsReg *prometheus.Registry) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		gateway:   gateway,
		scheduler: sched,
		heartbeat: hb,
		logger:    logger,
		db:        gateway.Pool,
		redis:     rdb,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AdminCORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Worker-Internal-Token", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	s.Router.Group(func(r chi.Router) {
		r.Use(RequireInternalToken(cfg.WorkerInternalToken))
		r.Get("/health", s.handleHealth)
		r.Get("/jobs/status", s.handleJobsStatus)
		r.Post("/jobs/run-now", s.handleRunNow)
		r.Post("/jobs/pause", s.handlePause)
		r.Post("/jobs/resume", s.handleResume)
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

type healthResponse struct {
	OK        bool             `json:"ok"`
	DB        string           `json:"db"`
	Redis     string           `json:"redis,omitempty"`
	Scheduler schedulerHealth  `json:"scheduler"`
	Heartbeat heartbeat.Status `json:"heartbeat"`
}

type schedulerHealth struct {
	Running   bool   `json:"running"`
	LastTick  string `json:"last_tick,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dbOK := true
	dbStatus := "ok"
	if err := s.db.Ping(ctx); err != nil {
		s.logger.Error("health check: database ping failed", "error", err)
		dbOK = false
		dbStatus = "error"
	}

	schedStatus := s.scheduler.Status()
	schedHealth := schedulerHealth{Running: schedStatus.Running, LastError: schedStatus.LastError}
	if !schedStatus.LastTick.IsZero() {
		schedHealth.LastTick = schedStatus.LastTick.Format(time.RFC3339)
	}

	var hbStatus heartbeat.Status
	hbHealthy := true
	if s.heartbeat != nil {
		hbStatus = s.heartbeat.Status()
		hbHealthy = s.heartbeat.Healthy()
	}

	// Redis is an optional extra readiness signal: unset when not configured,
	// so its absence never fails the health check.
	redisOK := true
	redisStatus := ""
	if s.redis != nil {
		redisStatus = "ok"
		if err := s.redis.Ping(ctx).Err(); err != nil {
			s.logger.Error("health check: redis ping failed", "error", err)
			redisOK = false
			redisStatus = "error"
		}
	}

	resp := healthResponse{
		OK:        dbOK && redisOK && schedHealth.LastError == "" && hbHealthy,
		DB:        dbStatus,
		Redis:     redisStatus,
		Scheduler: schedHealth,
		Heartbeat: hbStatus,
	}

	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	Respond(w, status, resp)
}

// jobStatusRow is one row of GET /jobs/status: a job joined with its
// schedule and the most recent run (by started_at).
type jobStatusRow struct {
	JobID          string  `json:"job_id"`
	JobType        string  `json:"job_type"`
	Enabled        *bool   `json:"enabled"`
	CronExpr       *string `json:"cron_expr"`
	NextRunAt      *string `json:"next_run_at"`
	LastRunID      *string `json:"last_run_id"`
	LastStartedAt  *string `json:"last_started_at"`
	LastFinishedAt *string `json:"last_finished_at"`
	LastStatus     *string `json:"last_status"`
	LastError      *string `json:"last_error"`
}

func (s *Server) handleJobsStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rows, err := s.gateway.Pool.Query(ctx, `
		SELECT
			j.job_id, j.job_type,
			js.enabled, js.cron_expr, js.next_run_at,
			lr.run_id, lr.started_at, lr.finished_at, lr.status, lr.error
		FROM jobs j
		LEFT JOIN job_schedules js ON js.job_id = j.job_id
		LEFT JOIN LATERAL (
			SELECT run_id, started_at, finished_at, status, error
			FROM job_runs
			WHERE job_runs.job_id = j.job_id
			ORDER BY started_at DESC
			LIMIT 1
		) lr ON true
		ORDER BY j.job_id
	`)
	if err != nil {
		s.logger.Error("jobs status: querying jobs", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal_error", "querying job status")
		return
	}
	defer rows.Close()

	jobs := []jobStatusRow{}
	for rows.Next() {
		var (
			row                       jobStatusRow
			nextRunAt, startedAt, fin *time.Time
		)
		if err := rows.Scan(&row.JobID, &row.JobType, &row.Enabled, &row.CronExpr, &nextRunAt,
			&row.LastRunID, &startedAt, &fin, &row.LastStatus, &row.LastError); err != nil {
			s.logger.Error("jobs status: scanning row", "error", err)
			RespondError(w, http.StatusInternalServerError, "internal_error", "reading job status")
			return
		}
		if nextRunAt != nil {
			formatted := nextRunAt.UTC().Format(time.RFC3339)
			row.NextRunAt = &formatted
		}
		if startedAt != nil {
			formatted := startedAt.UTC().Format(time.RFC3339)
			row.LastStartedAt = &formatted
		}
		if fin != nil {
			formatted := fin.UTC().Format(time.RFC3339)
			row.LastFinishedAt = &formatted
		}
		jobs = append(jobs, row)
	}
	if err := rows.Err(); err != nil {
		s.logger.Error("jobs status: iterating rows", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal_error", "reading job status")
		return
	}

	Respond(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// jobActionRequest is the body shape shared by run-now, pause, and resume.
// job_id is checked directly after Decode, so a missing job_id is a plain
// 400 like any other malformed body.
type jobActionRequest struct {
	JobID string         `json:"job_id"`
	Actor map[string]any `json:"actor"`
}

func decodeJobAction(w http.ResponseWriter, r *http.Request) (jobActionRequest, audit.Actor, bool) {
	var req jobActionRequest
	if err := Decode(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return jobActionRequest{}, audit.Actor{}, false
	}
	if req.JobID == "" {
		RespondError(w, http.StatusBadRequest, "bad_request", "job_id is required")
		return jobActionRequest{}, audit.Actor{}, false
	}
	return req, audit.ActorFromClaims(req.Actor), true
}

// handleRunNow validates job_id exists, then spawns the run on a detached
// context so the HTTP response does not block on the job body's runtime;
// a 202 response only means the run was queued, not that it succeeded.
func (s *Server) handleRunNow(w http.ResponseWriter, r *http.Request) {
	req, actor, ok := decodeJobAction(w, r)
	if !ok {
		return
	}

	jobType, found, err := s.scheduler.JobType(r.Context(), req.JobID)
	if err != nil {
		s.logger.Error("run-now: resolving job_type", "job_id", req.JobID, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal_error", "resolving job")
		return
	}
	if !found {
		RespondError(w, http.StatusNotFound, "not_found", "no such job_id")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 6*time.Hour)
		defer cancel()
		if _, err := s.scheduler.RunNow(ctx, req.JobID, jobType, actor); err != nil {
			s.logger.Error("run-now: job execution error", "job_id", req.JobID, "error", err)
		}
	}()

	Respond(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	req, actor, ok := decodeJobAction(w, r)
	if !ok {
		return
	}
	found, err := s.scheduler.PauseJob(r.Context(), req.JobID, actor)
	if err != nil {
		s.logger.Error("pause: updating schedule", "job_id", req.JobID, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal_error", "pausing job")
		return
	}
	if !found {
		RespondError(w, http.StatusNotFound, "not_found", "no such job_id")
		return
	}
	Respond(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	req, actor, ok := decodeJobAction(w, r)
	if !ok {
		return
	}
	found, err := s.scheduler.ResumeJob(r.Context(), req.JobID, actor)
	if err != nil {
		s.logger.Error("resume: updating schedule", "job_id", req.JobID, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal_error", "resuming job")
		return
	}
	if !found {
		RespondError(w, http.StatusNotFound, "not_found", "no such job_id")
		return
	}
	Respond(w, http.StatusOK, map[string]string{"status": "resumed"})
}
