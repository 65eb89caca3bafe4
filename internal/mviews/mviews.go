// Package mviews is the materialized-view refresh coordinator (C7): queuing
// views impacted by an ingest pass and refreshing the pending queue in
// dirty-since order, grounded in the source worker's
// app/jobs/mv_refresh.py.
package mviews

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/graphsync/internal/applog"
	"github.com/wisbric/graphsync/internal/audit"
	"github.com/wisbric/graphsync/internal/store"
	"github.com/wisbric/graphsync/internal/telemetry"

	"log/slog"
)

// DefaultMaxViewsPerRun matches MV_REFRESH_MAX_VIEWS_PER_RUN's default.
const DefaultMaxViewsPerRun = 5

var mvNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Coordinator enqueues impacted views and drains the refresh queue.
type Coordinator struct {
	Gateway *store.Gateway
	Audit   *audit.Writer
	Logger  *slog.Logger
}

// EnqueueResult reports what EnqueueImpacted queued.
type EnqueueResult struct {
	Tables    []string `json:"tables"`
	Queued    int      `json:"queued"`
	QueuedMVs []string `json:"queued_mvs"`
}

// normalizeTableNames dedupes and sorts, dropping blanks, matching
// _normalize_table_names.
func normalizeTableNames(tableNames []string) []string {
	set := map[string]bool{}
	for _, name := range tableNames {
		if name != "" {
			set[name] = true
		}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// EnqueueImpacted marks every materialized view that depends on any of
// tableNames as dirty, via a single INSERT ... ON CONFLICT DO NOTHING so a
// view already queued keeps its original dirty_since timestamp.
func (c *Coordinator) EnqueueImpacted(ctx context.Context, tableNames []string) (EnqueueResult, error) {
	normalized := normalizeTableNames(tableNames)
	if len(normalized) == 0 {
		return EnqueueResult{Tables: []string{}, QueuedMVs: []string{}}, nil
	}

	rows, err := c.Gateway.Pool.Query(ctx, `
		WITH impacted AS (
		  SELECT DISTINCT mv_name
		  FROM mv_dependencies
		  WHERE table_name = ANY($1::text[])
		),
		queued AS (
		  INSERT INTO mv_refresh_queue (mv_name, dirty_since)
		  SELECT mv_name, now()
		  FROM impacted
		  ON CONFLICT (mv_name) DO NOTHING
		  RETURNING mv_name
		)
		SELECT mv_name FROM queued ORDER BY mv_name
	`, normalized)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("enqueueing impacted materialized views: %w", err)
	}
	defer rows.Close()

	var queuedMVs []string
	for rows.Next() {
		var mvName string
		if err := rows.Scan(&mvName); err != nil {
			return EnqueueResult{}, err
		}
		queuedMVs = append(queuedMVs, mvName)
	}
	if err := rows.Err(); err != nil {
		return EnqueueResult{}, err
	}

	return EnqueueResult{Tables: normalized, Queued: len(queuedMVs), QueuedMVs: queuedMVs}, nil
}

type pendingView struct {
	mvName string
}

// failedRefresh records one view's refresh failure for the run summary.
type failedRefresh struct {
	MVName string `json:"mv_name"`
	Error  string `json:"error"`
}

// RefreshSummary is the per-run result returned to the scheduler and
// recorded in job_run_logs / audit_events.
type RefreshSummary struct {
	MaxViewsPerRun int             `json:"max_views_per_run"`
	PendingSeen    int             `json:"pending_seen"`
	Attempted      int             `json:"attempted"`
	Refreshed      int             `json:"refreshed"`
	Failed         int             `json:"failed"`
	RefreshedMVs   []string        `json:"refreshed_mvs"`
	FailedMVs      []failedRefresh `json:"failed_mvs"`
	FinishedAt     string          `json:"finished_at"`
}

// RunRefresh dequeues up to maxViewsPerRun pending views, oldest
// dirty_since first, and refreshes each with REFRESH MATERIALIZED VIEW
// CONCURRENTLY. A single view's failure is isolated: it stays queued (so
// the next run retries it) while the rest of the batch proceeds.
func (c *Coordinator) RunRefresh(ctx context.Context, runID, jobID string, maxViewsPerRun int, actor audit.Actor) (RefreshSummary, error) {
	if maxViewsPerRun <= 0 {
		maxViewsPerRun = DefaultMaxViewsPerRun
	}
	if maxViewsPerRun > 200 {
		maxViewsPerRun = 200
	}

	rows, err := c.Gateway.Pool.Query(ctx, `
		SELECT q.mv_name
		FROM mv_refresh_queue q
		JOIN (SELECT DISTINCT mv_name FROM mv_dependencies) d ON d.mv_name = q.mv_name
		ORDER BY q.dirty_since ASC, q.mv_name ASC
		LIMIT $1
	`, maxViewsPerRun)
	if err != nil {
		return RefreshSummary{}, fmt.Errorf("selecting pending materialized views: %w", err)
	}
	var pending []pendingView
	for rows.Next() {
		var p pendingView
		if err := rows.Scan(&p.mvName); err != nil {
			rows.Close()
			return RefreshSummary{}, err
		}
		pending = append(pending, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return RefreshSummary{}, err
	}

	summary := RefreshSummary{
		MaxViewsPerRun: maxViewsPerRun,
		PendingSeen:    len(pending),
		RefreshedMVs:   []string{},
		FailedMVs:      []failedRefresh{},
	}

	applog.Emit(c.Logger, "INFO", applog.ActorMVRefresh, "mv_refresh_started",
		"run_id", runID, "job_id", jobID, "pending", len(pending), "limit", maxViewsPerRun)
	c.logRun(runID, "INFO", "mv_refresh_started", map[string]any{
		"job_id": jobID, "pending": len(pending), "max_views_per_run": maxViewsPerRun,
	})

	for _, p := range pending {
		summary.Attempted++
		if _, err := c.Gateway.Pool.Exec(ctx,
			"UPDATE mv_refresh_queue SET last_attempt_at = now(), attempts = attempts + 1 WHERE mv_name = $1",
			p.mvName); err != nil {
			return summary, fmt.Errorf("marking attempt for %s: %w", p.mvName, err)
		}

		viewStartedAt := time.Now()
		refreshErr := c.refreshOne(ctx, p.mvName)
		telemetry.MVRefreshDuration.WithLabelValues(p.mvName).Observe(time.Since(viewStartedAt).Seconds())
		if refreshErr != nil {
			summary.Failed++
			summary.FailedMVs = append(summary.FailedMVs, failedRefresh{MVName: p.mvName, Error: refreshErr.Error()})
			telemetry.MVRefreshTotal.WithLabelValues("failed").Inc()
			applog.Emit(c.Logger, "WARN", applog.ActorMVRefresh, "mv_refresh_failed", "mv_name", p.mvName, "error", refreshErr)
			continue
		}
		telemetry.MVRefreshTotal.WithLabelValues("refreshed").Inc()

		if _, err := c.Gateway.Pool.Exec(ctx, `
			INSERT INTO mv_refresh_log (mv_name, last_refreshed_at)
			VALUES ($1, now())
			ON CONFLICT (mv_name) DO UPDATE SET last_refreshed_at = EXCLUDED.last_refreshed_at
		`, p.mvName); err != nil {
			return summary, fmt.Errorf("recording refresh for %s: %w", p.mvName, err)
		}
		if _, err := c.Gateway.Pool.Exec(ctx, "DELETE FROM mv_refresh_queue WHERE mv_name = $1", p.mvName); err != nil {
			return summary, fmt.Errorf("dequeueing %s: %w", p.mvName, err)
		}

		summary.Refreshed++
		summary.RefreshedMVs = append(summary.RefreshedMVs, p.mvName)
		applog.Emit(c.Logger, "INFO", applog.ActorMVRefresh, "mv_refreshed", "mv_name", p.mvName)
	}

	summary.FinishedAt = time.Now().UTC().Format(time.RFC3339)

	level := "INFO"
	if summary.Failed > 0 {
		level = "WARN"
	}
	c.logRun(runID, level, "mv_refresh_completed", map[string]any{"job_id": jobID, "summary": summary})

	if c.Audit != nil {
		c.Audit.LogAudit(audit.AuditEntry{
			Actor:      actor,
			Action:     "mv_refresh_completed",
			EntityType: "job_run",
			EntityID:   runID,
			Details:    map[string]any{"job_id": jobID, "summary": summary},
		})
	}

	applog.Emit(c.Logger, "INFO", applog.ActorMVRefresh, "mv_refresh_finished",
		"run_id", runID, "job_id", jobID, "refreshed", summary.Refreshed, "failed", summary.Failed)
	return summary, nil
}

// refreshOne validates mvName against the identifier pattern before
// quoting it, since it is interpolated into DDL that cannot be
// parameterized.
func (c *Coordinator) refreshOne(ctx context.Context, mvName string) error {
	if !mvNamePattern.MatchString(mvName) {
		return fmt.Errorf("invalid_mv_name:%s", mvName)
	}
	ident := pgx.Identifier{mvName}
	_, err := c.Gateway.Pool.Exec(ctx, fmt.Sprintf("REFRESH MATERIALIZED VIEW CONCURRENTLY %s", ident.Sanitize()))
	return err
}

func (c *Coordinator) logRun(runID, level, message string, context map[string]any) {
	if c.Audit != nil {
		c.Audit.LogRun(runID, level, message, context)
	}
}
