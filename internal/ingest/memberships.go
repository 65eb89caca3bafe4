package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wisbric/graphsync/internal/applog"
	"github.com/wisbric/graphsync/internal/graphclient"
)

const membershipsColumns = "group_id, member_id, member_type, synced_at, deleted_at, raw_json"

const membershipsConflictClause = `ON CONFLICT (group_id, member_id, member_type) DO UPDATE SET
	synced_at = EXCLUDED.synced_at,
	deleted_at = NULL,
	raw_json = EXCLUDED.raw_json`

// memberType derives a membership's type from the member object's
// @odata.type suffix, matching _member_type.
func memberType(member map[string]any) string {
	odataType := strings.TrimSpace(stringOrEmpty(member, "@odata.type"))
	switch {
	case strings.HasPrefix(odataType, "#microsoft.graph."):
		return strings.TrimPrefix(odataType, "#microsoft.graph.")
	case strings.HasPrefix(odataType, "#"):
		return strings.TrimPrefix(odataType, "#")
	case odataType != "":
		return odataType
	default:
		return "directoryObject"
	}
}

// IngestGroupMemberships implements the group-membership stage (§4.4.2):
// for each non-deleted group, page members and upsert, sweeping per-group
// after each group drains. A per-group GraphError is caught and counted
// rather than failing the whole stage.
func IngestGroupMemberships(ctx context.Context, d Deps, runID string, usersOnly bool) (Counters, error) {
	syncedAt := time.Now().UTC()
	flushEvery := d.flushEvery()
	columns := strings.Split(membershipsColumns, ", ")

	rows, err := d.Gateway.Pool.Query(ctx, "SELECT id FROM msgraph_groups WHERE deleted_at IS NULL")
	if err != nil {
		return nil, fmt.Errorf("listing groups for membership sync: %w", err)
	}
	var groupIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		groupIDs = append(groupIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	counters := Counters{"users_only": usersOnly}
	for _, groupID := range groupIDs {
		counters.inc("groups_processed", 1)

		if err := d.ingestOneGroupMembership(ctx, groupID, syncedAt, flushEvery, columns, usersOnly, counters); err != nil {
			if _, ok := err.(*graphclient.GraphError); !ok {
				return counters, fmt.Errorf("syncing group %s membership: %w", groupID, err)
			}
			counters.inc("skipped_groups", 1)
			applog.Emit(d.Logger, "WARN", applog.ActorIngest, "group_memberships_skipped",
				"run_id", runID, "group_id", groupID, "error", err)
			d.logRun(runID, "WARN", "group_memberships_skipped", map[string]any{"group_id": groupID, "error": err.Error()})
			continue
		}
	}

	applog.Emit(d.Logger, "INFO", applog.ActorIngest, "group_memberships_ingested", "run_id", runID, "counters", map[string]any(counters))
	d.logRun(runID, "INFO", "group_memberships_ingested", map[string]any(counters))
	return counters, nil
}

func (d Deps) ingestOneGroupMembership(ctx context.Context, groupID string, syncedAt time.Time, flushEvery int, columns []string, usersOnly bool, counters Counters) error {
	var batch [][]any

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		deduped, dropped := dedupeKeepLast(batch, func(row []any) string {
			return fmt.Sprintf("%v|%v|%v", row[0], row[1], row[2])
		})
		if len(deduped) > 0 {
			if _, err := upsert(ctx, d, "msgraph_group_memberships", columns, membershipsConflictClause, deduped); err != nil {
				return err
			}
		}
		counters.inc("edges_upserted", len(deduped))
		counters.inc("dropped_duplicates", dropped)
		batch = nil
		return nil
	}

	path := fmt.Sprintf("/groups/%s/members?$select=id,displayName,userPrincipalName,mail&$top=999", groupID)
	_, err := d.Client.EachPage(ctx, path, func(page graphclient.Page) error {
		for _, member := range page.Items {
			memberID := stringOrEmpty(member, "id")
			if memberID == "" {
				continue
			}
			mtype := memberType(member)
			if usersOnly && mtype != "user" {
				continue
			}
			batch = append(batch, []any{groupID, memberID, mtype, syncedAt, nil, jsonbOf(member)})
			if len(batch) >= flushEvery {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}

	_, err = d.Gateway.Pool.Exec(ctx, `
		UPDATE msgraph_group_memberships
		SET deleted_at = $1
		WHERE group_id = $2 AND synced_at < $3 AND deleted_at IS NULL
	`, syncedAt, groupID, syncedAt)
	return err
}
