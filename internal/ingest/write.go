package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/wisbric/graphsync/internal/applog"
	"github.com/wisbric/graphsync/internal/store"
	"github.com/wisbric/graphsync/internal/telemetry"
)

// upsert runs a batched UPSERT through the store gateway's retry helper, so
// a transient serialization failure or deadlock on the write is retried
// with backoff rather than failing the whole stage.
func upsert(ctx context.Context, d Deps, table string, columns []string, conflictClause string, rows [][]any) (int64, error) {
	var total int64
	err := store.RetryMutation(ctx, d.Gateway.Policy, retryObserver(d, table), func(ctx context.Context) error {
		n, err := store.BulkInsert(ctx, d.Gateway.Pool, table, columns, conflictClause, rows, 1000)
		total = n
		return err
	})

	var exhausted *store.RetryExhaustedError
	if errors.As(err, &exhausted) {
		telemetry.IngestDBRetryExhaustedTotal.WithLabelValues(table).Inc()
	}

	outcome := "written"
	if err != nil {
		outcome = "failed"
	}
	telemetry.IngestStageRowsTotal.WithLabelValues(table, outcome).Add(float64(len(rows)))

	return total, err
}

func retryObserver(d Deps, table string) store.RetryObserver {
	return func(attempt, maxRetries int, sqlstate string, err error, sleep time.Duration) {
		telemetry.IngestDBRetryAttemptsTotal.WithLabelValues(table).Inc()
		applog.Emit(d.Logger, "WARN", applog.ActorDB, "retrying db write after transient error",
			"table", table, "attempt", attempt, "max_retries", maxRetries, "sqlstate", sqlstate, "error", err)
	}
}
