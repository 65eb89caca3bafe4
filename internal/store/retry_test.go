package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestComputeBackoffBounds(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 5, BaseMs: 100, MaxMs: 2000, JitterMs: 50}

	for attempt := 1; attempt <= 10; attempt++ {
		d := ComputeBackoff(attempt, policy)
		if d < 0 {
			t.Fatalf("attempt %d: backoff negative: %v", attempt, d)
		}

		capped := min(policy.MaxMs, policy.BaseMs*(1<<uint(attempt-1)))
		lower := time.Duration(capped) * time.Millisecond
		upper := time.Duration(capped+policy.JitterMs) * time.Millisecond
		if d < lower || d > upper {
			t.Errorf("attempt %d: backoff %v out of range [%v, %v]", attempt, d, lower, upper)
		}
	}
}

func TestComputeBackoffCapsAtMaxMs(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 20, BaseMs: 1000, MaxMs: 3000, JitterMs: 0}
	d := ComputeBackoff(20, policy)
	if d != 3*time.Second {
		t.Errorf("expected capped backoff of 3s, got %v", d)
	}
}

func TestClassifyErrorRetryableStates(t *testing.T) {
	for _, code := range []string{"40001", "40P01", "55P03"} {
		err := &pgconn.PgError{Code: code}
		retryable, sqlstate := ClassifyError(err)
		if !retryable {
			t.Errorf("expected %s to be retryable", code)
		}
		if sqlstate != code {
			t.Errorf("expected sqlstate %s, got %s", code, sqlstate)
		}
	}
}

func TestClassifyErrorNonRetryable(t *testing.T) {
	err := &pgconn.PgError{Code: "23505"} // unique_violation
	retryable, _ := ClassifyError(err)
	if retryable {
		t.Errorf("unique_violation should not be retryable")
	}

	retryable, sqlstate := ClassifyError(errors.New("boom"))
	if retryable || sqlstate != "" {
		t.Errorf("non-pg errors should never classify as retryable")
	}
}

func TestRetryMutationSucceedsAfterRetries(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, BaseMs: 1, MaxMs: 2, JitterMs: 0}
	attempts := 0

	err := RetryMutation(context.Background(), policy, nil, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryMutationExhausted(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 0, BaseMs: 1, MaxMs: 1, JitterMs: 0}

	err := RetryMutation(context.Background(), policy, nil, func(ctx context.Context) error {
		return &pgconn.PgError{Code: "40001"}
	})

	var exhausted *RetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected RetryExhaustedError, got %v", err)
	}
	if exhausted.Error() != "db_write_retry_exhausted:40001" {
		t.Errorf("unexpected error string: %s", exhausted.Error())
	}
}

func TestRetryMutationNonRetryablePropagatesImmediately(t *testing.T) {
	calls := 0
	err := RetryMutation(context.Background(), RetryPolicy{MaxRetries: 5}, nil, func(ctx context.Context) error {
		calls++
		return &pgconn.PgError{Code: "23505"}
	})
	if calls != 1 {
		t.Errorf("expected exactly one call for non-retryable error, got %d", calls)
	}
	var exhausted *RetryExhaustedError
	if errors.As(err, &exhausted) {
		t.Errorf("non-retryable error should not be wrapped as exhausted")
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
