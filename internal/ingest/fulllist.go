package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/wisbric/graphsync/internal/applog"
	"github.com/wisbric/graphsync/internal/graphclient"
)

// fullListSpec parameterizes the shared full-list-stage shape used by users
// and groups (§4.4.1): page a resource, upsert in flush_every batches with
// dedup-keep-last, then sweep rows not seen this pass.
type fullListSpec struct {
	resourcePath   string
	table          string
	columns        string
	conflictClause string
	logMessage     string
	rowFromEntity  func(entity map[string]any, syncedAt time.Time) (row []any, key string)
}

func ingestFullList(ctx context.Context, d Deps, runID string, spec fullListSpec) (Counters, error) {
	syncedAt := time.Now().UTC()
	flushEvery := d.flushEvery()
	columns := strings.Split(spec.columns, ", ")

	counters := Counters{}
	var batch [][]any

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		deduped, dropped := dedupeKeepLast(batch, func(row []any) string {
			id, _ := row[0].(string)
			return id
		})
		if len(deduped) > 0 {
			if _, err := upsert(ctx, d, spec.table, columns, spec.conflictClause, deduped); err != nil {
				return err
			}
		}
		counters.inc("upserted", len(deduped))
		counters.inc("dropped_duplicates", dropped)
		batch = nil
		return nil
	}

	_, err := d.Client.EachPage(ctx, spec.resourcePath, func(page graphclient.Page) error {
		for _, entity := range page.Items {
			row, key := spec.rowFromEntity(entity, syncedAt)
			if key == "" {
				continue
			}
			batch = append(batch, row)
			counters.inc("total_seen", 1)
			if len(batch) >= flushEvery {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return counters, fmt.Errorf("paging %s: %w", spec.table, err)
	}
	if err := flush(); err != nil {
		return counters, err
	}

	markedDeleted, err := sweepDeleted(ctx, d, spec.table, syncedAt)
	if err != nil {
		return counters, err
	}
	counters["marked_deleted"] = markedDeleted
	counters["synced_at"] = syncedAt

	applog.Emit(d.Logger, "INFO", applog.ActorIngest, spec.logMessage, "run_id", runID, "counters", map[string]any(counters))
	d.logRun(runID, "INFO", spec.logMessage, map[string]any(counters))

	return counters, nil
}

func sweepDeleted(ctx context.Context, d Deps, table string, syncedAt time.Time) (int64, error) {
	tag, err := d.Gateway.Pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET deleted_at = $1, synced_at = $2
		WHERE synced_at < $3 AND deleted_at IS NULL
	`, table), syncedAt, syncedAt, syncedAt)
	if err != nil {
		return 0, fmt.Errorf("sweeping %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

func jsonbOf(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
