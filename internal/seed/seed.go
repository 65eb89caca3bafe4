// Package seed provisions the fixed set of jobs and schedules the worker
// needs to run from an empty database: one graph_ingest job and one
// mv_refresh job, each with a cron schedule. Adapted from the teacher's
// tenant-provisioning seed command down to this worker's two job types.
package seed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// defaultCronExprs are the schedules seeded for each job type. The original
// deployment's concrete cron values live in its DB migrations, not its
// Python source, so these are operationally reasonable stand-ins: the
// ingest sweep every 15 minutes, the MV refresh queue drained every 5.
var defaultCronExprs = map[string]string{
	"graph_ingest": "*/15 * * * *",
	"mv_refresh":   "*/5 * * * *",
}

// jobTypes is seeded in this order so graph_ingest (which populates the
// tables mv_refresh depends on) always exists first.
var jobTypes = []string{"graph_ingest", "mv_refresh"}

// Run inserts a job + job_schedule row for each job type in jobTypes,
// skipping any job type that already has a jobs row. It is idempotent and
// safe to run against an already-seeded database.
func Run(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	for _, jobType := range jobTypes {
		var existingJobID string
		err := pool.QueryRow(ctx, `SELECT job_id FROM jobs WHERE job_type = $1`, jobType).Scan(&existingJobID)
		if err == nil {
			logger.Info("seed: job already exists, skipping", "job_type", jobType, "job_id", existingJobID)
			continue
		}

		jobID := uuid.NewString()
		scheduleID := uuid.NewString()
		cronExpr := defaultCronExprs[jobType]

		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("seeding %s: beginning transaction: %w", jobType, err)
		}

		if _, err := tx.Exec(ctx, `INSERT INTO jobs (job_id, job_type) VALUES ($1, $2)`, jobID, jobType); err != nil {
			tx.Rollback(ctx) //nolint:errcheck
			return fmt.Errorf("seeding %s: inserting job: %w", jobType, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO job_schedules (schedule_id, job_id, cron_expr, enabled, next_run_at)
			VALUES ($1, $2, $3, true, NULL)
		`, scheduleID, jobID, cronExpr); err != nil {
			tx.Rollback(ctx) //nolint:errcheck
			return fmt.Errorf("seeding %s: inserting schedule: %w", jobType, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("seeding %s: committing: %w", jobType, err)
		}

		logger.Info("seed: created job and schedule", "job_type", jobType, "job_id", jobID, "cron_expr", cronExpr)
	}

	return nil
}

// RunDemo is Run plus an immediate run-now kick: convenient for local
// development so a fresh database shows data without waiting for the first
// cron tick. It does not itself execute the job bodies — that is the
// scheduler's responsibility — it only sets next_run_at to now() on every
// enabled schedule so the next scheduler tick leases the job immediately
// instead of waiting out its cron interval.
func RunDemo(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	if err := Run(ctx, pool, logger); err != nil {
		return err
	}

	tag, err := pool.Exec(ctx, `UPDATE job_schedules SET next_run_at = now() WHERE enabled`)
	if err != nil {
		return fmt.Errorf("seed-demo: scheduling immediate run: %w", err)
	}
	logger.Info("seed-demo: scheduled immediate run for all enabled schedules", "rows", tag.RowsAffected())
	return nil
}
