package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// retryableSQLStates mirrors the source worker's RETRYABLE_DB_SQLSTATES:
// serialization failure, deadlock detected, and lock not available.
var retryableSQLStates = map[string]bool{
	"40001": true,
	"40P01": true,
	"55P03": true,
}

// RetryPolicy configures the DB-write retry/backoff behavior (C2).
type RetryPolicy struct {
	MaxRetries int
	BaseMs     int
	MaxMs      int
	JitterMs   int
}

// NormalizePolicy applies the source worker's clamps: max_retries >= 0,
// base_ms >= 1, max_ms >= base_ms, jitter_ms >= 0.
func NormalizePolicy(p RetryPolicy) RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseMs < 1 {
		p.BaseMs = 1
	}
	if p.MaxMs < p.BaseMs {
		p.MaxMs = p.BaseMs
	}
	if p.JitterMs < 0 {
		p.JitterMs = 0
	}
	return p
}

// ClassifyError reports whether err carries a retryable Postgres SQLSTATE,
// and the SQLSTATE itself (empty if err is not a Postgres error).
func ClassifyError(err error) (retryable bool, sqlstate string) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false, ""
	}
	return retryableSQLStates[pgErr.Code], pgErr.Code
}

// ComputeBackoff computes the sleep duration for a 1-based retry attempt:
// sleep = min(maxMs, baseMs*2^(attempt-1)) + U(0, jitterMs), floored at 0.
func ComputeBackoff(attempt int, p RetryPolicy) time.Duration {
	p = NormalizePolicy(p)
	if attempt < 1 {
		attempt = 1
	}

	shift := attempt - 1
	var cappedMs int
	if shift >= 62 {
		cappedMs = p.MaxMs
	} else {
		scaled := p.BaseMs << uint(shift)
		if scaled < 0 || scaled > p.MaxMs {
			cappedMs = p.MaxMs
		} else {
			cappedMs = scaled
		}
	}

	jitter := 0.0
	if p.JitterMs > 0 {
		jitter = rand.Float64() * float64(p.JitterMs)
	}

	totalMs := float64(cappedMs) + jitter
	if totalMs < 0 {
		totalMs = 0
	}
	return time.Duration(totalMs * float64(time.Millisecond))
}

// RetryExhaustedError is returned by RetryMutation when a retryable error
// persists past MaxRetries. Its Error() string is exactly the
// "db_write_retry_exhausted:<sqlstate>" form the permissions stage persists
// into permission_last_error.
type RetryExhaustedError struct {
	SQLState string
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("db_write_retry_exhausted:%s", e.SQLState)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// RetryObserver is notified before each retry sleep, for logging/metrics.
type RetryObserver func(attempt, maxRetries int, sqlstate string, err error, sleep time.Duration)

// RetryMutation runs fn, retrying on retryable DB errors with exponential
// backoff + jitter up to policy.MaxRetries times. Non-retryable errors are
// returned immediately. Exhaustion returns *RetryExhaustedError.
func RetryMutation(ctx context.Context, policy RetryPolicy, observe RetryObserver, fn func(ctx context.Context) error) error {
	policy = NormalizePolicy(policy)

	attempt := 0
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		retryable, sqlstate := ClassifyError(err)
		if !retryable {
			return err
		}
		if attempt >= policy.MaxRetries {
			return &RetryExhaustedError{SQLState: sqlstate, Err: err}
		}

		attempt++
		sleep := ComputeBackoff(attempt, policy)
		if observe != nil {
			observe(attempt, policy.MaxRetries, sqlstate, err, sleep)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}
