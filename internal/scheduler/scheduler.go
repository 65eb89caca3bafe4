// Package scheduler is the tick-driven job scheduler (C8): seeding
// next_run_at for new schedules, leasing due schedules under
// FOR UPDATE SKIP LOCKED plus a per-job advisory lock, dispatching to the
// ingest engine or the MV coordinator, and finalizing the job_run row.
// Grounded in the source worker's app/scheduler.py.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robfig/cron/v3"

	"github.com/wisbric/graphsync/internal/applog"
	"github.com/wisbric/graphsync/internal/audit"
	"github.com/wisbric/graphsync/internal/ingest"
	"github.com/wisbric/graphsync/internal/mviews"
	"github.com/wisbric/graphsync/internal/store"
	"github.com/wisbric/graphsync/internal/telemetry"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Status is the snapshot the admin API's health endpoint reports.
type Status struct {
	Running   bool
	LastTick  time.Time
	LastError string
}

// Scheduler runs the tick loop described by the source worker's
// _scheduler_loop/_run_due_schedule, against this module's Deps-shaped
// ingest engine and MV coordinator.
type Scheduler struct {
	Gateway      *store.Gateway
	IngestDeps   ingest.Deps
	MVCoordinator *mviews.Coordinator
	Audit        *audit.Writer
	Logger       *slog.Logger
	PollInterval time.Duration

	mu     sync.Mutex
	status Status
}

// Status returns the current scheduler health snapshot.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Scheduler) setTick(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Running = true
	s.status.LastTick = time.Now().UTC()
	if err != nil {
		s.status.LastError = err.Error()
	} else {
		s.status.LastError = ""
	}
}

// Run starts the scheduler's tick loop. It blocks until ctx is cancelled.
// If recoverInterrupted is true, it first runs the interrupted-run recovery
// sweep once.
func (s *Scheduler) Run(ctx context.Context, recoverInterrupted bool) {
	if recoverInterrupted {
		if err := s.recoverInterruptedRuns(ctx); err != nil {
			applog.Emit(s.Logger, "ERROR", applog.ActorScheduler, "interrupted_run_recovery_failed", "error", err)
		}
	}

	applog.Emit(s.Logger, "INFO", applog.ActorScheduler, "scheduler_thread_started")

	ticker := time.NewTicker(s.pollInterval())
	defer ticker.Stop()
	for {
		err := s.runDueSchedule(ctx)
		s.setTick(err)
		if err != nil {
			applog.Emit(s.Logger, "ERROR", applog.ActorScheduler, "scheduler_loop_failure", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) pollInterval() time.Duration {
	if s.PollInterval <= 0 {
		return 30 * time.Second
	}
	return s.PollInterval
}

// recoverInterruptedRuns implements the interrupted-run recovery sweep: any
// job_run left status='running' by a prior process (crash, restart) is
// marked failed so the single-running-per-job invariant holds again.
func (s *Scheduler) recoverInterruptedRuns(ctx context.Context) error {
	rows, err := s.Gateway.Pool.Query(ctx, `
		UPDATE job_runs
		SET finished_at = now(), status = 'failed', error = coalesce(error, 'interrupted_worker_restart')
		WHERE status = 'running' AND finished_at IS NULL
		RETURNING run_id, job_id
	`)
	if err != nil {
		return fmt.Errorf("recovering interrupted runs: %w", err)
	}
	type recovered struct{ runID, jobID string }
	var rec []recovered
	for rows.Next() {
		var r recovered
		if err := rows.Scan(&r.runID, &r.jobID); err != nil {
			rows.Close()
			return err
		}
		rec = append(rec, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range rec {
		applog.Emit(s.Logger, "WARN", applog.ActorScheduler, "interrupted_run_recovered", "run_id", r.runID, "job_id", r.jobID)
		if s.Audit != nil {
			s.Audit.LogRun(r.runID, "WARN", "interrupted_run_recovered", map[string]any{"job_id": r.jobID})
			s.Audit.LogAudit(audit.AuditEntry{
				Action: "job_run_recovered", EntityType: "job_run", EntityID: r.runID,
				Details: map[string]any{"job_id": r.jobID, "reason": "interrupted_worker_restart"},
			})
		}
	}
	return nil
}

// computeNextRun evaluates cron_expr against now in UTC.
func computeNextRun(cronExpr string) (time.Time, error) {
	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(time.Now().UTC()), nil
}

// runDueSchedule is one scheduler tick: seed pass, else lease pass.
func (s *Scheduler) runDueSchedule(ctx context.Context) error {
	seeded, err := s.seedPass(ctx)
	if err != nil {
		return err
	}
	if seeded {
		telemetry.SchedulerTicksTotal.WithLabelValues("seed").Inc()
		return nil
	}
	telemetry.SchedulerTicksTotal.WithLabelValues("lease").Inc()
	return s.leasePass(ctx)
}

// seedPass assigns a first next_run_at to a schedule row that has none.
func (s *Scheduler) seedPass(ctx context.Context) (bool, error) {
	return s.withTx(ctx, func(ctx context.Context, tx pgx.Tx) (bool, error) {
		var scheduleID, cronExpr string
		err := tx.QueryRow(ctx, `
			SELECT schedule_id, cron_expr
			FROM job_schedules
			WHERE enabled = true AND next_run_at IS NULL
			ORDER BY schedule_id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		`).Scan(&scheduleID, &cronExpr)
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("selecting schedule to seed: %w", err)
		}

		nextRunAt, err := computeNextRun(cronExpr)
		if err != nil {
			if disableErr := s.disableInvalidSchedule(ctx, tx, scheduleID, "", cronExpr, err); disableErr != nil {
				return false, disableErr
			}
			return true, nil
		}

		if _, err := tx.Exec(ctx, "UPDATE job_schedules SET next_run_at = $1 WHERE schedule_id = $2", nextRunAt, scheduleID); err != nil {
			return false, fmt.Errorf("seeding next_run_at: %w", err)
		}
		applog.Emit(s.Logger, "INFO", applog.ActorScheduler, "schedule_seeded", "schedule_id", scheduleID, "next_run_at", nextRunAt)
		return true, nil
	})
}

// disableInvalidSchedule atomically disables a schedule whose cron_expr
// failed to parse, recording a synthetic failed job_run, a job_run_log
// entry, and an audit event — so a bad cron expression surfaces loudly
// instead of silently never firing again.
func (s *Scheduler) disableInvalidSchedule(ctx context.Context, tx pgx.Tx, scheduleID, jobID, cronExpr string, parseErr error) error {
	if jobID == "" {
		if err := tx.QueryRow(ctx, "SELECT job_id FROM job_schedules WHERE schedule_id = $1", scheduleID).Scan(&jobID); err != nil {
			return fmt.Errorf("resolving job_id for invalid schedule %s: %w", scheduleID, err)
		}
	}

	if _, err := tx.Exec(ctx, "UPDATE job_schedules SET enabled = false, next_run_at = NULL WHERE schedule_id = $1", scheduleID); err != nil {
		return err
	}

	runID := uuid.NewString()
	errMsg := fmt.Sprintf("invalid cron_expr %q: %s", cronExpr, parseErr)
	if _, err := tx.Exec(ctx, `
		INSERT INTO job_runs (run_id, job_id, started_at, finished_at, status, error)
		VALUES ($1, $2, now(), now(), 'failed', $3)
	`, runID, jobID, errMsg); err != nil {
		return err
	}

	applog.Emit(s.Logger, "ERROR", applog.ActorScheduler, "schedule_invalid_cron_disabled", "schedule_id", scheduleID, "job_id", jobID, "error", errMsg)
	if s.Audit != nil {
		s.Audit.LogRun(runID, "ERROR", "schedule_invalid_cron_disabled", map[string]any{"schedule_id": scheduleID, "job_id": jobID, "error": errMsg})
		s.Audit.LogAudit(audit.AuditEntry{
			Action: "schedule_invalid_cron_disabled", EntityType: "job_schedule", EntityID: scheduleID,
			Details: map[string]any{"job_id": jobID, "cron_expr": cronExpr, "error": errMsg},
		})
	}
	return nil
}

// leasePass leases one due schedule, executes its job body, and finalizes
// the run. The advisory lock is acquired and released on a single pinned
// connection held for the job's entire execution.
func (s *Scheduler) leasePass(ctx context.Context) error {
	conn, err := s.Gateway.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection for lease pass: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning lease transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var scheduleID, jobID, cronExpr, jobType string
	err = tx.QueryRow(ctx, `
		SELECT js.schedule_id, js.job_id, js.cron_expr, j.job_type
		FROM job_schedules js
		JOIN jobs j ON j.job_id = js.job_id
		WHERE js.enabled = true AND j.enabled = true AND js.next_run_at <= now()
		ORDER BY js.next_run_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`).Scan(&scheduleID, &jobID, &cronExpr, &jobType)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("selecting due schedule: %w", err)
	}

	locked, err := store.TryAdvisoryLock(ctx, conn, jobID)
	if err != nil {
		return err
	}
	if !locked {
		applog.Emit(s.Logger, "WARN", applog.ActorScheduler, "scheduled_job_skipped_lock_unavailable", "job_id", jobID)
		return nil
	}

	nextRunAt, err := computeNextRun(cronExpr)
	if err != nil {
		disableErr := s.disableInvalidSchedule(ctx, tx, scheduleID, jobID, cronExpr, err)
		if disableErr != nil {
			_, _ = store.AdvisoryUnlock(ctx, conn, jobID)
			return disableErr
		}
		if err := tx.Commit(ctx); err != nil {
			_, _ = store.AdvisoryUnlock(ctx, conn, jobID)
			return err
		}
		committed = true
		_, _ = store.AdvisoryUnlock(ctx, conn, jobID)
		return nil
	}

	runID := uuid.NewString()
	if _, err := tx.Exec(ctx, `
		INSERT INTO job_runs (run_id, job_id, started_at, status) VALUES ($1, $2, now(), 'running')
	`, runID, jobID); err != nil {
		_, _ = store.AdvisoryUnlock(ctx, conn, jobID)
		return fmt.Errorf("inserting job_run: %w", err)
	}

	if _, err := tx.Exec(ctx, "UPDATE job_schedules SET next_run_at = $1 WHERE schedule_id = $2", nextRunAt, scheduleID); err != nil {
		_, _ = store.AdvisoryUnlock(ctx, conn, jobID)
		return fmt.Errorf("advancing next_run_at: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		_, _ = store.AdvisoryUnlock(ctx, conn, jobID)
		return fmt.Errorf("committing lease: %w", err)
	}
	committed = true

	applog.Emit(s.Logger, "INFO", applog.ActorScheduler, "scheduled_job_triggered", "job_id", jobID, "job_type", jobType, "run_id", runID)
	if s.Audit != nil {
		s.Audit.LogAudit(audit.AuditEntry{
			Action: "job_run_started", EntityType: "job_run", EntityID: runID,
			Details: map[string]any{"job_id": jobID, "job_type": jobType, "trigger": "schedule"},
		})
	}

	startedAt := time.Now()
	status, execErr := s.executeJob(ctx, jobType, runID, jobID, audit.Actor{})
	s.finalizeRun(ctx, conn, jobID, jobType, runID, "schedule", status, execErr, startedAt)
	return nil
}

// RunNow executes steps 3-6 of the tick (insert job_run, dispatch,
// finalize) without any schedule interaction, for the admin API's
// POST /jobs/run-now. Returns the new run_id, or "" if the advisory lock
// was not acquired.
func (s *Scheduler) RunNow(ctx context.Context, jobID, jobType string, actor audit.Actor) (string, error) {
	conn, err := s.Gateway.Pool.Acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("acquiring connection for run-now: %w", err)
	}
	defer conn.Release()

	locked, err := store.TryAdvisoryLock(ctx, conn, jobID)
	if err != nil {
		return "", err
	}
	if !locked {
		applog.Emit(s.Logger, "WARN", applog.ActorScheduler, "run_now_skipped_lock_unavailable", "job_id", jobID)
		return "", nil
	}

	runID := uuid.NewString()
	if _, err := conn.Exec(ctx, `
		INSERT INTO job_runs (run_id, job_id, started_at, status) VALUES ($1, $2, now(), 'running')
	`, runID, jobID); err != nil {
		_, _ = store.AdvisoryUnlock(ctx, conn, jobID)
		return "", fmt.Errorf("inserting job_run: %w", err)
	}

	applog.Emit(s.Logger, "INFO", applog.ActorScheduler, "run_now_triggered", "job_id", jobID, "job_type", jobType, "run_id", runID)
	if s.Audit != nil {
		s.Audit.LogAudit(audit.AuditEntry{
			Actor: actor, Action: "job_run_started", EntityType: "job_run", EntityID: runID,
			Details: map[string]any{"job_id": jobID, "job_type": jobType, "trigger": "run_now"},
		})
	}

	startedAt := time.Now()
	status, execErr := s.executeJob(ctx, jobType, runID, jobID, actor)
	s.finalizeRun(ctx, conn, jobID, jobType, runID, "run_now", status, execErr, startedAt)
	return runID, nil
}

// JobType resolves a job_id to its job_type, for callers (the admin API)
// that need to validate a job_id before dispatching work against it.
func (s *Scheduler) JobType(ctx context.Context, jobID string) (string, bool, error) {
	var jobType string
	err := s.Gateway.Pool.QueryRow(ctx, "SELECT job_type FROM jobs WHERE job_id = $1", jobID).Scan(&jobType)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolving job_type for %s: %w", jobID, err)
	}
	return jobType, true, nil
}

// PauseJob disables a job's schedule and clears next_run_at, so the
// scheduler stops seeding and leasing it. Returns false if the job has no
// schedule row.
func (s *Scheduler) PauseJob(ctx context.Context, jobID string, actor audit.Actor) (bool, error) {
	return s.setScheduleEnabled(ctx, jobID, false, "job_paused", actor)
}

// ResumeJob re-enables a job's schedule. next_run_at is cleared rather than
// reused, so the next tick re-seeds it against the current time instead of
// firing against a possibly long-stale timestamp.
func (s *Scheduler) ResumeJob(ctx context.Context, jobID string, actor audit.Actor) (bool, error) {
	return s.setScheduleEnabled(ctx, jobID, true, "job_resumed", actor)
}

func (s *Scheduler) setScheduleEnabled(ctx context.Context, jobID string, enabled bool, action string, actor audit.Actor) (bool, error) {
	var scheduleID string
	err := s.Gateway.Pool.QueryRow(ctx, `
		UPDATE job_schedules SET enabled = $1, next_run_at = NULL WHERE job_id = $2 RETURNING schedule_id
	`, enabled, jobID).Scan(&scheduleID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("setting job_schedules.enabled for %s: %w", jobID, err)
	}

	applog.Emit(s.Logger, "INFO", applog.ActorScheduler, action, "job_id", jobID, "schedule_id", scheduleID)
	if s.Audit != nil {
		s.Audit.LogAudit(audit.AuditEntry{
			Actor: actor, Action: action, EntityType: "job_schedule", EntityID: scheduleID,
			Details: map[string]any{"job_id": jobID},
		})
	}
	return true, nil
}

func (s *Scheduler) finalizeRun(ctx context.Context, conn store.Querier, jobID, jobType, runID, trigger, status string, execErr error, startedAt time.Time) {
	var errText any
	if execErr != nil {
		errText = execErr.Error()
	}

	telemetry.JobRunsTotal.WithLabelValues(jobType, status).Inc()
	telemetry.JobRunDuration.WithLabelValues(jobType).Observe(time.Since(startedAt).Seconds())

	if _, err := conn.Exec(ctx, `
		UPDATE job_runs SET finished_at = now(), status = $1, error = $2 WHERE run_id = $3
	`, status, errText, runID); err != nil {
		applog.Emit(s.Logger, "ERROR", applog.ActorScheduler, "finalize_run_failed", "run_id", runID, "error", err)
	}
	if _, err := store.AdvisoryUnlock(ctx, conn, jobID); err != nil {
		applog.Emit(s.Logger, "ERROR", applog.ActorScheduler, "advisory_unlock_failed", "job_id", jobID, "error", err)
	}

	level := "INFO"
	if status != "success" {
		level = "ERROR"
	}
	applog.Emit(s.Logger, level, applog.ActorScheduler, "job_finished", "job_id", jobID, "job_type", jobType, "run_id", runID, "status", status)

	if s.Audit != nil {
		action := "job_run_succeeded"
		if status != "success" {
			action = "job_run_failed"
		}
		s.Audit.LogAudit(audit.AuditEntry{
			Action: action, EntityType: "job_run", EntityID: runID,
			Details: map[string]any{"job_id": jobID, "job_type": jobType, "trigger": trigger, "error": errText},
		})
		s.Audit.LogRun(runID, level, "job_finished", map[string]any{
			"job_id": jobID, "job_type": jobType, "trigger": trigger, "status": status, "error": errText,
		})
	}
}

// executeJob dispatches by job_type, matching _execute_job.
func (s *Scheduler) executeJob(ctx context.Context, jobType, runID, jobID string, actor audit.Actor) (status string, execErr error) {
	defer func() {
		if r := recover(); r != nil {
			status, execErr = "failed", fmt.Errorf("panic in job body: %v", r)
		}
	}()

	switch jobType {
	case "graph_ingest":
		if s.Audit != nil {
			s.Audit.LogRun(runID, "INFO", "graph_ingest_started", map[string]any{"job_id": jobID})
		}
		cfg, flushEvery, err := s.loadGraphIngestConfig(ctx, jobID)
		if err != nil {
			return "failed", err
		}
		deps := s.IngestDeps
		if flushEvery > 0 {
			deps.FlushEvery = flushEvery
		}
		if _, err := ingest.RunGraphIngest(ctx, deps, runID, jobID, cfg, actor); err != nil {
			return "failed", err
		}
		return "success", nil
	case "mv_refresh":
		maxViews, err := s.loadMVRefreshMaxViews(ctx, jobID)
		if err != nil {
			return "failed", err
		}
		if _, err := s.MVCoordinator.RunRefresh(ctx, runID, jobID, maxViews, actor); err != nil {
			return "failed", err
		}
		return "success", nil
	default:
		err := fmt.Errorf("unknown job_type: %s", jobType)
		applog.Emit(s.Logger, "ERROR", applog.ActorScheduler, "job_execution_failed", "job_id", jobID, "job_type", jobType, "error", err)
		return "failed", err
	}
}

func (s *Scheduler) loadGraphIngestConfig(ctx context.Context, jobID string) (ingest.RunConfig, int, error) {
	cfg := ingest.DefaultRunConfig()
	var raw []byte
	if err := s.Gateway.Pool.QueryRow(ctx, "SELECT config FROM jobs WHERE job_id = $1", jobID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return cfg, 0, nil
		}
		return cfg, 0, err
	}
	if len(raw) == 0 {
		return cfg, 0, nil
	}
	var parsed struct {
		FlushEvery                *int     `json:"flush_every"`
		PullPermissions           *bool    `json:"pull_permissions"`
		SyncGroupMemberships      *bool    `json:"sync_group_memberships"`
		GroupMembershipsUsersOnly *bool    `json:"group_memberships_users_only"`
		Stages                    []string `json:"stages"`
		SkipStages                []string `json:"skip_stages"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return cfg, 0, nil
	}
	if parsed.PullPermissions != nil {
		cfg.PullPermissions = *parsed.PullPermissions
	}
	if parsed.SyncGroupMemberships != nil {
		cfg.SyncGroupMemberships = *parsed.SyncGroupMemberships
	}
	if parsed.GroupMembershipsUsersOnly != nil {
		cfg.GroupMembershipsUsersOnly = *parsed.GroupMembershipsUsersOnly
	}
	if len(parsed.Stages) > 0 {
		cfg.Stages = parsed.Stages
	}
	for _, stage := range parsed.SkipStages {
		cfg.SkipStages[stage] = true
	}
	flushEvery := 0
	if parsed.FlushEvery != nil {
		flushEvery = *parsed.FlushEvery
	}
	return cfg, flushEvery, nil
}

func (s *Scheduler) loadMVRefreshMaxViews(ctx context.Context, jobID string) (int, error) {
	var raw []byte
	if err := s.Gateway.Pool.QueryRow(ctx, "SELECT config FROM jobs WHERE job_id = $1", jobID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mviews.DefaultMaxViewsPerRun, nil
		}
		return mviews.DefaultMaxViewsPerRun, err
	}
	if len(raw) == 0 {
		return mviews.DefaultMaxViewsPerRun, nil
	}
	var parsed struct {
		MaxViewsPerRun *int `json:"max_views_per_run"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.MaxViewsPerRun == nil {
		return mviews.DefaultMaxViewsPerRun, nil
	}
	n := *parsed.MaxViewsPerRun
	if n < 1 {
		n = 1
	}
	if n > 200 {
		n = 200
	}
	return n, nil
}

// withTx runs fn in a transaction over a freshly acquired connection,
// committing on (true, nil) and rolling back otherwise.
func (s *Scheduler) withTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) (bool, error)) (bool, error) {
	tx, err := s.Gateway.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	ok, err := fn(ctx, tx)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing: %w", err)
	}
	committed = true
	return ok, nil
}
