package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/graphsync/internal/applog"
	"github.com/wisbric/graphsync/internal/graphclient"
	"github.com/wisbric/graphsync/internal/identity"
	"github.com/wisbric/graphsync/internal/store"
)

const driveItemsSelect = "id,name,parentReference,webUrl,size,createdDateTime,lastModifiedDateTime,createdBy,lastModifiedBy,file,folder,fileSystemInfo,shared,remoteItem,sharepointIds,deleted"

const driveItemsActiveColumns = `drive_id, id, name, web_url, parent_id, path, normalized_path, path_level, is_folder, child_count,
	size, mime_type, file_hash_sha1, created_dt, modified_dt, created_by_user_id, created_by_display_name,
	created_by_email, last_modified_by_user_id, last_modified_by_display_name, last_modified_by_email,
	is_shared, sp_site_id, sp_list_id, sp_list_item_id, sp_list_item_unique_id,
	permissions_last_synced_at, permissions_last_error_at, permissions_last_error,
	synced_at, deleted_at, raw_json`

const driveItemsActiveConflictClause = `ON CONFLICT (drive_id, id) DO UPDATE SET
	name = EXCLUDED.name,
	web_url = EXCLUDED.web_url,
	parent_id = EXCLUDED.parent_id,
	path = EXCLUDED.path,
	normalized_path = EXCLUDED.normalized_path,
	path_level = EXCLUDED.path_level,
	is_folder = EXCLUDED.is_folder,
	child_count = EXCLUDED.child_count,
	size = EXCLUDED.size,
	mime_type = EXCLUDED.mime_type,
	file_hash_sha1 = EXCLUDED.file_hash_sha1,
	created_dt = EXCLUDED.created_dt,
	modified_dt = EXCLUDED.modified_dt,
	created_by_user_id = EXCLUDED.created_by_user_id,
	created_by_display_name = EXCLUDED.created_by_display_name,
	created_by_email = EXCLUDED.created_by_email,
	last_modified_by_user_id = EXCLUDED.last_modified_by_user_id,
	last_modified_by_display_name = EXCLUDED.last_modified_by_display_name,
	last_modified_by_email = EXCLUDED.last_modified_by_email,
	is_shared = EXCLUDED.is_shared,
	sp_site_id = EXCLUDED.sp_site_id,
	sp_list_id = EXCLUDED.sp_list_id,
	sp_list_item_id = EXCLUDED.sp_list_item_id,
	sp_list_item_unique_id = EXCLUDED.sp_list_item_unique_id,
	permissions_last_synced_at = NULL,
	permissions_last_error_at = NULL,
	permissions_last_error = NULL,
	synced_at = EXCLUDED.synced_at,
	deleted_at = NULL,
	raw_json = EXCLUDED.raw_json`

const driveItemsRemovedColumns = "drive_id, id, synced_at, deleted_at, raw_json"

const driveItemsRemovedConflictClause = `ON CONFLICT (drive_id, id) DO UPDATE SET
	synced_at = EXCLUDED.synced_at,
	deleted_at = EXCLUDED.deleted_at,
	raw_json = EXCLUDED.raw_json`

// itemPath mirrors _item_path: name prefixed by the normalized parent path
// with its leading "drive,item:" segment stripped.
func itemPath(item map[string]any) string {
	name := stringOrEmpty(item, "name")
	if name == "" {
		return ""
	}
	parentRef := asMap(item["parentReference"])
	parentPath := stringOrEmpty(parentRef, "path")
	if idx := strings.Index(parentPath, ":"); idx >= 0 {
		parentPath = parentPath[idx+1:]
	}
	parentPath = strings.TrimSpace(parentPath)
	if parentPath == "" {
		return name
	}
	if strings.HasSuffix(parentPath, "/") {
		return parentPath + name
	}
	return parentPath + "/" + name
}

// pathLevel mirrors _compute_path_level.
func pathLevel(normalizedPath string) any {
	if normalizedPath == "" {
		return nil
	}
	path := normalizedPath
	if idx := strings.Index(path, ":"); idx >= 0 {
		path = path[idx+1:]
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return 0
	}
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return 0
	}
	segments := 0
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			segments++
		}
	}
	return segments
}

func itemFileHashSHA1(item map[string]any) any {
	hashes := asMap(asMap(item["file"])["hashes"])
	if sha1, ok := hashes["sha1Hash"].(string); ok {
		return sha1
	}
	return nil
}

func activeDriveItemRow(driveID string, item map[string]any, syncedAt time.Time, users *identity.UserMaps) []any {
	parentRef := asMap(item["parentReference"])
	normalizedPath := stringOrEmpty(parentRef, "path")
	folder := asMap(item["folder"])
	file := asMap(item["file"])
	spIDs := asMap(item["sharepointIds"])

	createdBy := identity.Resolve(asMap(item["createdBy"]), users)
	lastModifiedBy := identity.Resolve(asMap(item["lastModifiedBy"]), users)

	_, isShared := item["shared"]

	return []any{
		driveID,
		stringOrEmpty(item, "id"),
		stringOrEmpty(item, "name"),
		stringOrEmpty(item, "webUrl"),
		nullableString(stringOrEmpty(parentRef, "id")),
		nullableString(itemPath(item)),
		nullableString(normalizedPath),
		pathLevel(normalizedPath),
		item["folder"] != nil,
		folder["childCount"],
		item["size"],
		nullableString(stringOrEmpty(file, "mimeType")),
		itemFileHashSHA1(item),
		stringOrEmpty(item, "createdDateTime"),
		stringOrEmpty(item, "lastModifiedDateTime"),
		nullableString(createdBy.UserFK),
		nullableString(createdBy.DisplayName),
		nullableString(createdBy.Email),
		nullableString(lastModifiedBy.UserFK),
		nullableString(lastModifiedBy.DisplayName),
		nullableString(lastModifiedBy.Email),
		isShared,
		nullableString(stringOrEmpty(spIDs, "siteId")),
		nullableString(stringOrEmpty(spIDs, "listId")),
		nullableString(stringOrEmpty(spIDs, "listItemId")),
		nullableString(stringOrEmpty(spIDs, "listItemUniqueId")),
		nil, nil, nil,
		syncedAt,
		nil,
		jsonbOf(item),
	}
}

// IngestDriveItems implements the delta-with-expiry-reset drive-items
// stage (§4.4.5). A removed-batch write (upsert tombstone + cascade delete
// permissions/grants) goes through the retry helper as one unit; if
// retries exhaust, the drive is marked write-incomplete and its new delta
// cursor is withheld so the unprocessed removals are not silently skipped
// on the next pass.
func IngestDriveItems(ctx context.Context, d Deps, runID string) (Counters, error) {
	syncedAt := time.Now().UTC()
	flushEvery := d.flushEvery()
	activeColumns := splitColumns(driveItemsActiveColumns)
	removedColumns := strings.Split(driveItemsRemovedColumns, ", ")

	driveIDs, err := listIDs(ctx, d, "msgraph_drives")
	if err != nil {
		return nil, err
	}

	counters := Counters{}
	for _, driveID := range driveIDs {
		counters.inc("drives_processed", 1)
		if err := d.ingestOneDriveItems(ctx, runID, driveID, syncedAt, flushEvery, activeColumns, removedColumns, counters); err != nil {
			return counters, err
		}
	}

	applog.Emit(d.Logger, "INFO", applog.ActorIngest, "drive_items_ingested", "run_id", runID, "counters", map[string]any(counters))
	d.logRun(runID, "INFO", "drive_items_ingested", map[string]any(counters))
	return counters, nil
}

func (d Deps) ingestOneDriveItems(ctx context.Context, runID, driveID string, syncedAt time.Time, flushEvery int, activeColumns, removedColumns []string, counters Counters) error {
	baseURL := fmt.Sprintf("/drives/%s/root/delta?$top=%d&$select=%s", driveID, d.pageSize(), driveItemsSelect)

	existingCursor, err := getDeltaLink(ctx, d.Gateway.Pool, "drive_items", driveID)
	if err != nil {
		return err
	}
	nextURL := existingCursor
	if nextURL == "" {
		nextURL = baseURL
	}

	for attempt := 0; attempt < 2; attempt++ {
		var newDeltaLink string
		var activeBatch, removedBatch [][]any
		writeIncomplete := false

		flushActive := func() error {
			if len(activeBatch) == 0 {
				return nil
			}
			deduped, dropped := dedupeKeepLast(activeBatch, func(row []any) string {
				return fmt.Sprintf("%v|%v", row[0], row[1])
			})
			if len(deduped) > 0 {
				if _, err := upsert(ctx, d, "msgraph_drive_items", activeColumns, driveItemsActiveConflictClause, deduped); err != nil {
					return err
				}
			}
			counters.inc("upserted_active", len(deduped))
			counters.inc("dropped_active_duplicates", dropped)
			activeBatch = nil
			return nil
		}

		flushRemoved := func() error {
			if len(removedBatch) == 0 {
				return nil
			}
			deduped, dropped := dedupeKeepLast(removedBatch, func(row []any) string {
				return fmt.Sprintf("%v|%v", row[0], row[1])
			})

			err := upsertAndCascadeDelete(ctx, d, driveID, removedColumns, deduped)
			if err != nil {
				writeIncomplete = true
				applog.Emit(d.Logger, "WARN", applog.ActorIngest, "drive_items_db_write_retry",
					"run_id", runID, "drive_id", driveID, "exhausted", true, "error", err)
				d.logRun(runID, "WARN", "drive_items_db_write_retry", map[string]any{
					"operation": fmt.Sprintf("drive_items_removed_cleanup:%s", driveID),
					"exhausted": true,
					"error":     err.Error(),
				})
			} else {
				counters.inc("upserted_removed", len(deduped))
				counters.inc("dropped_removed_duplicates", dropped)
			}
			removedBatch = nil
			return nil
		}

		pageErr := func() error {
			for nextURL != "" {
				page, err := d.Client.GetPage(ctx, nextURL)
				if err != nil {
					return err
				}
				for _, item := range page.Items {
					itemID := stringOrEmpty(item, "id")
					if itemID == "" {
						continue
					}
					counters.inc("items_seen", 1)
					_, removedMarker := item["@removed"]
					_, deletedMarker := item["deleted"]
					if removedMarker || deletedMarker {
						counters.inc("items_removed_seen", 1)
						removedBatch = append(removedBatch, []any{driveID, itemID, syncedAt, syncedAt, jsonbOf(item)})
					} else {
						activeBatch = append(activeBatch, activeDriveItemRow(driveID, item, syncedAt, d.Users))
					}

					if len(activeBatch) >= flushEvery {
						if err := flushActive(); err != nil {
							return err
						}
					}
					if len(removedBatch) >= flushEvery {
						if err := flushRemoved(); err != nil {
							return err
						}
					}
				}
				nextURL = page.NextLink
				if page.DeltaLink != "" {
					newDeltaLink = page.DeltaLink
				}
			}
			return nil
		}()

		if pageErr != nil {
			ge, ok := pageErr.(*graphclient.GraphError)
			if !ok {
				return fmt.Errorf("walking drive %s delta: %w", driveID, pageErr)
			}
			if ge.Status == 410 && attempt == 0 && existingCursor != "" {
				counters.inc("drives_delta_resets", 1)
				applog.Emit(d.Logger, "WARN", applog.ActorIngest, "drive_items_delta_expired_reset", "run_id", runID, "drive_id", driveID, "error", ge)
				d.logRun(runID, "WARN", "drive_items_delta_expired_reset", map[string]any{"drive_id": driveID, "error": ge.Error()})
				if err := resetDeltaLink(ctx, d.Gateway.Pool, "drive_items", driveID); err != nil {
					return err
				}
				existingCursor = ""
				nextURL = baseURL
				continue
			}

			counters.inc("drives_skipped_error", 1)
			applog.Emit(d.Logger, "WARN", applog.ActorIngest, "drive_items_skipped", "run_id", runID, "drive_id", driveID, "error", ge)
			d.logRun(runID, "WARN", "drive_items_skipped", map[string]any{"drive_id": driveID, "error": ge.Error()})
			return nil
		}

		if err := flushActive(); err != nil {
			return err
		}
		if err := flushRemoved(); err != nil {
			return err
		}

		if newDeltaLink != "" && !writeIncomplete {
			if err := setDeltaLink(ctx, d.Gateway.Pool, "drive_items", driveID, newDeltaLink); err != nil {
				return err
			}
		} else if newDeltaLink != "" && writeIncomplete {
			applog.Emit(d.Logger, "WARN", applog.ActorIngest, "drive_items_db_write_retry",
				"run_id", runID, "drive_id", driveID, "delta_link_advanced", false, "reason", "cleanup_write_retry_exhausted")
			d.logRun(runID, "WARN", "drive_items_db_write_retry", map[string]any{
				"operation": fmt.Sprintf("drive_items_removed_cleanup:%s", driveID),
				"delta_link_advanced": false,
				"reason": "cleanup_write_retry_exhausted",
			})
		}
		return nil
	}

	return nil
}

// upsertAndCascadeDelete upserts removed-item tombstones and cascade-deletes
// associated permissions and grants as one retried unit, matching
// write_removed_batch wrapped by _execute_db_mutation_with_retry.
func upsertAndCascadeDelete(ctx context.Context, d Deps, driveID string, removedColumns []string, removedRows [][]any) error {
	if len(removedRows) == 0 {
		return nil
	}

	itemIDs := make([]string, 0, len(removedRows))
	for _, row := range removedRows {
		id, _ := row[1].(string)
		itemIDs = append(itemIDs, id)
	}

	return store.RetryMutation(ctx, d.Gateway.Policy, retryObserver(d, "msgraph_drive_items_removed"), func(ctx context.Context) error {
		return d.Gateway.InTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
			if _, err := store.BulkInsert(ctx, tx, "msgraph_drive_items", removedColumns, driveItemsRemovedConflictClause, removedRows, 1000); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, "DELETE FROM msgraph_drive_item_permission_grants WHERE drive_id = $1 AND item_id = ANY($2)", driveID, itemIDs); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, "DELETE FROM msgraph_drive_item_permissions WHERE drive_id = $1 AND item_id = ANY($2)", driveID, itemIDs); err != nil {
				return err
			}
			return nil
		})
	})
}
