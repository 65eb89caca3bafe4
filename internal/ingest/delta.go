// Package ingest holds the sync stages that pull directory and
// collaboration-graph data from the external API and upsert it into local
// storage, grounded in the source worker's app/jobs/graph_ingest.py.
package ingest

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/graphsync/internal/store"
)

// getDeltaLink reads the durable cursor for (resourceType, partitionKey),
// matching _get_delta_link. An empty string with a nil error means no
// cursor has been recorded yet, so the caller should list from scratch.
func getDeltaLink(ctx context.Context, q store.Querier, resourceType, partitionKey string) (string, error) {
	var link string
	err := q.QueryRow(ctx,
		"SELECT delta_link FROM msgraph_delta_state WHERE resource_type = $1 AND partition_key = $2",
		resourceType, partitionKey,
	).Scan(&link)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading delta cursor for %s/%s: %w", resourceType, partitionKey, err)
	}
	return link, nil
}

// setDeltaLink durably persists the cursor for (resourceType, partitionKey).
// Callers must only call this after every row derived from the page that
// produced deltaLink has itself been committed, so a crash mid-stage never
// advances the cursor past data it never wrote.
func setDeltaLink(ctx context.Context, q store.Querier, resourceType, partitionKey, deltaLink string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO msgraph_delta_state (resource_type, partition_key, delta_link, last_synced_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (resource_type, partition_key)
		DO UPDATE SET delta_link = EXCLUDED.delta_link, last_synced_at = EXCLUDED.last_synced_at
	`, resourceType, partitionKey, deltaLink)
	if err != nil {
		return fmt.Errorf("saving delta cursor for %s/%s: %w", resourceType, partitionKey, err)
	}
	return nil
}

// resetDeltaLink drops the cursor entirely, forcing the next run to list
// from scratch. Used when the upstream reports the cursor has expired
// (HTTP 410) so the stage falls back to a full relist exactly once.
func resetDeltaLink(ctx context.Context, q store.Querier, resourceType, partitionKey string) error {
	_, err := q.Exec(ctx,
		"DELETE FROM msgraph_delta_state WHERE resource_type = $1 AND partition_key = $2",
		resourceType, partitionKey,
	)
	if err != nil {
		return fmt.Errorf("resetting delta cursor for %s/%s: %w", resourceType, partitionKey, err)
	}
	return nil
}
