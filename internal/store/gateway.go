// Package store is the store gateway (C2): connection access, parameterized
// queries, a bulk-insert helper, advisory locking, and the SQLSTATE-based
// retry classifier with exponential backoff + jitter described by the
// source worker's app/db.py.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is satisfied by *pgxpool.Pool, pgx.Tx, and an acquired
// *pgxpool.Conn — anything that can run parameterized SQL.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Gateway wraps a connection pool with the DB-write retry policy read from
// configuration.
type Gateway struct {
	Pool   *pgxpool.Pool
	Policy RetryPolicy
}

// New creates a Gateway over an already-connected pool.
func New(pool *pgxpool.Pool, policy RetryPolicy) *Gateway {
	return &Gateway{Pool: pool, Policy: NormalizePolicy(policy)}
}

// InTransaction runs fn inside a transaction, committing on success and
// rolling back on error or panic.
func (g *Gateway) InTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := g.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op if already committed

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts a session-scoped advisory lock keyed by the
// hashtext of key, matching the source worker's hashed-string-key scheme so
// all clients hash the same way. It must run on the same connection that
// will later call AdvisoryUnlock — callers typically acquire a dedicated
// connection for the lifetime of a job run.
func TryAdvisoryLock(ctx context.Context, q Querier, key string) (bool, error) {
	var locked bool
	err := q.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", key).Scan(&locked)
	if err != nil {
		return false, fmt.Errorf("acquiring advisory lock %q: %w", key, err)
	}
	return locked, nil
}

// AdvisoryUnlock releases a previously-held advisory lock.
func AdvisoryUnlock(ctx context.Context, q Querier, key string) (bool, error) {
	var unlocked bool
	err := q.QueryRow(ctx, "SELECT pg_advisory_unlock(hashtext($1))", key).Scan(&unlocked)
	if err != nil {
		return false, fmt.Errorf("releasing advisory lock %q: %w", key, err)
	}
	return unlocked, nil
}

// BulkInsert runs a multi-row INSERT in pages of pageSize rows. columns
// names the target columns in row order; conflictClause (e.g.
// "ON CONFLICT (id) DO UPDATE SET ...") is appended verbatim after VALUES.
// Mirrors execute_values(cur, query, rows, page_size=1000) from the source
// worker, expressed as explicit $N placeholders rather than a driver-level
// batching extension, matching this codebase's direct-SQL idiom.
func BulkInsert(ctx context.Context, q Querier, table string, columns []string, conflictClause string, rows [][]any, pageSize int) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if pageSize <= 0 {
		pageSize = 1000
	}

	var total int64
	for start := 0; start < len(rows); start += pageSize {
		end := start + pageSize
		if end > len(rows) {
			end = len(rows)
		}
		page := rows[start:end]

		sql, args := buildInsertStatement(table, columns, conflictClause, page)
		tag, err := q.Exec(ctx, sql, args...)
		if err != nil {
			return total, fmt.Errorf("bulk insert into %s (rows %d-%d): %w", table, start, end, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

func buildInsertStatement(table string, columns []string, conflictClause string, rows [][]any) (string, []any) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(table)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(columns, ", "))
	sb.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	argN := 1
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j, v := range row {
			if j > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("$%d", argN))
			argN++
			args = append(args, v)
		}
		sb.WriteString(")")
	}

	if conflictClause != "" {
		sb.WriteString(" ")
		sb.WriteString(conflictClause)
	}

	return sb.String(), args
}
