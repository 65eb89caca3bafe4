package ingest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"github.com/wisbric/graphsync/internal/applog"
	"github.com/wisbric/graphsync/internal/graphclient"
	"github.com/wisbric/graphsync/internal/store"
)

const permissionsSelect = "id,roles,link,inheritedFrom,grantedTo,grantedToV2,grantedToIdentities,grantedToIdentitiesV2"

const permissionsColumns = `drive_id, item_id, permission_id, source, roles, link_type, link_scope, link_web_url,
	link_prevents_download, link_expiration_dt, inherited_from_id, synced_at, deleted_at, raw_json`

const permissionsConflictClause = `ON CONFLICT (drive_id, item_id, permission_id) DO UPDATE SET
	source = EXCLUDED.source,
	roles = EXCLUDED.roles,
	link_type = EXCLUDED.link_type,
	link_scope = EXCLUDED.link_scope,
	link_web_url = EXCLUDED.link_web_url,
	link_prevents_download = EXCLUDED.link_prevents_download,
	link_expiration_dt = EXCLUDED.link_expiration_dt,
	inherited_from_id = EXCLUDED.inherited_from_id,
	synced_at = EXCLUDED.synced_at,
	deleted_at = NULL,
	raw_json = EXCLUDED.raw_json`

const grantsColumns = `drive_id, item_id, permission_id, principal_type, principal_id, principal_display_name,
	principal_email, principal_user_principal_name, synced_at, deleted_at, raw_json`

const grantsConflictClause = `ON CONFLICT (drive_id, item_id, permission_id, principal_type, principal_id) DO UPDATE SET
	principal_display_name = EXCLUDED.principal_display_name,
	principal_email = EXCLUDED.principal_email,
	principal_user_principal_name = EXCLUDED.principal_user_principal_name,
	synced_at = EXCLUDED.synced_at,
	deleted_at = NULL,
	raw_json = EXCLUDED.raw_json`

type itemKey struct{ driveID, itemID string }

type permissionIdentity struct {
	principalType, principalID, displayName, email, upn string
	raw                                                 map[string]any
}

// iterPermissionIdentities mirrors _iter_permission_identities: the V2
// identity sets win whenever present, never mixed with the legacy shape.
func iterPermissionIdentities(permission map[string]any) []permissionIdentity {
	yieldFromSet := func(identitySet map[string]any) []permissionIdentity {
		var out []permissionIdentity
		for _, kind := range []string{"user", "group", "application", "siteGroup", "siteUser"} {
			obj := asMap(identitySet[kind])
			if len(obj) == 0 {
				continue
			}
			display := stringOrEmpty(obj, "displayName")
			if display == "" {
				display = stringOrEmpty(obj, "name")
			}
			email := stringOrEmpty(obj, "email")
			if email == "" {
				email = stringOrEmpty(obj, "userPrincipalName")
			}
			out = append(out, permissionIdentity{
				principalType: kind,
				principalID:   stringOrEmpty(obj, "id"),
				displayName:   display,
				email:         email,
				upn:           stringOrEmpty(obj, "userPrincipalName"),
				raw:           obj,
			})
		}
		return out
	}

	g2 := asMap(permission["grantedToV2"])
	g2List, _ := permission["grantedToIdentitiesV2"].([]any)
	hasV2 := len(g2) > 0 || len(g2List) > 0

	var out []permissionIdentity
	if hasV2 {
		if len(g2) > 0 {
			out = append(out, yieldFromSet(g2)...)
		}
		for _, entry := range g2List {
			if m, ok := entry.(map[string]any); ok {
				out = append(out, yieldFromSet(m)...)
			}
		}
		return out
	}

	if g := asMap(permission["grantedTo"]); len(g) > 0 {
		out = append(out, yieldFromSet(g)...)
	}
	if gList, ok := permission["grantedToIdentities"].([]any); ok {
		for _, entry := range gList {
			if m, ok := entry.(map[string]any); ok {
				out = append(out, yieldFromSet(m)...)
			}
		}
	}
	return out
}

// extractGrants mirrors _extract_grants: every resolvable identity plus a
// synthesized principal_type="link" row when the permission carries a
// sharing link, since a link has no directory principal of its own.
func extractGrants(permission map[string]any) []permissionIdentity {
	var grants []permissionIdentity
	for _, ident := range iterPermissionIdentities(permission) {
		if ident.principalID == "" {
			continue
		}
		grants = append(grants, ident)
	}

	if link := asMap(permission["link"]); len(link) > 0 {
		grants = append(grants, permissionIdentity{
			principalType: "link",
			principalID:   "link",
			displayName:   stringOrEmpty(link, "type"),
			raw:           link,
		})
	}
	return grants
}

func fetchPermissions(ctx context.Context, client *graphclient.Client, driveID, itemID string) ([]map[string]any, error) {
	url := fmt.Sprintf("/drives/%s/items/%s/permissions?$select=%s&$top=200", driveID, itemID, permissionsSelect)
	var all []map[string]any
	_, err := client.EachPage(ctx, url, func(page graphclient.Page) error {
		all = append(all, page.Items...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}

type permissionFetchResult struct {
	key         itemKey
	permissions []map[string]any
	err         error
}

// IngestPermissions implements the permissions scan stage (§4.4.6): batches
// of stale, non-deleted files are fanned out across a bounded worker pool to
// fetch permissions, then written in one delete-then-insert unit per batch.
// A batch whose DB write exhausts its retries falls back to marking every
// item in the batch with a db_write_retry_exhausted error instead of losing
// the batch silently.
func IngestPermissions(ctx context.Context, d Deps, runID string) (Counters, error) {
	batchSize := d.PermissionsBatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	staleAfter := d.PermissionsStaleAfter
	if staleAfter < 0 {
		staleAfter = 0
	}
	maxConcurrency := d.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	cutoff := time.Now().UTC().Add(-staleAfter)
	syncedAt := time.Now().UTC()

	counters := Counters{"stale_after_hours": int(staleAfter.Hours())}
	batch := 0

	for {
		rows, err := d.Gateway.Pool.Query(ctx, `
			SELECT drive_id, id
			FROM msgraph_drive_items
			WHERE deleted_at IS NULL
			  AND is_folder = false
			  AND (permissions_last_synced_at IS NULL OR permissions_last_synced_at < $1)
			ORDER BY permissions_last_synced_at NULLS FIRST
			LIMIT $2
		`, cutoff, batchSize)
		if err != nil {
			return counters, fmt.Errorf("selecting stale permission items: %w", err)
		}
		var keys []itemKey
		for rows.Next() {
			var k itemKey
			if err := rows.Scan(&k.driveID, &k.itemID); err != nil {
				rows.Close()
				return counters, err
			}
			keys = append(keys, k)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return counters, err
		}
		if len(keys) == 0 {
			break
		}

		batch++
		counters.inc("items_processed", len(keys))

		results := fetchPermissionsBatch(ctx, d, keys, maxConcurrency)

		var okKeys []itemKey
		var permissionRows, grantRows [][]any
		var okUpdates, errUpdates [][]any
		var sampleErrors []map[string]any

		for _, k := range keys {
			res := results[k]
			if res.err == nil {
				okKeys = append(okKeys, k)
				okUpdates = append(okUpdates, []any{k.driveID, k.itemID, syncedAt})
				for _, perm := range res.permissions {
					permID := stringOrEmpty(perm, "id")
					if permID == "" {
						continue
					}
					link := asMap(perm["link"])
					inheritedFromID := stringOrEmpty(asMap(perm["inheritedFrom"]), "id")
					source := "direct"
					var inheritedFromCol any
					if inheritedFromID != "" {
						source = "inherited"
						inheritedFromCol = inheritedFromID
					}
					permissionRows = append(permissionRows, []any{
						k.driveID, k.itemID, permID, source, perm["roles"],
						nullableString(stringOrEmpty(link, "type")),
						nullableString(stringOrEmpty(link, "scope")),
						nullableString(stringOrEmpty(link, "webUrl")),
						boolOrNil(link, "preventsDownload"),
						nullableString(stringOrEmpty(link, "expirationDateTime")),
						inheritedFromCol, syncedAt, nil, jsonbOf(perm),
					})
					for _, grant := range extractGrants(perm) {
						grantRows = append(grantRows, []any{
							k.driveID, k.itemID, permID, grant.principalType, grant.principalID,
							nullableString(grant.displayName), nullableString(grant.email), nullableString(grant.upn),
							syncedAt, nil, jsonbOf(grant.raw),
						})
					}
				}
			} else {
				errMsg := truncate(res.err.Error(), 500)
				errUpdates = append(errUpdates, []any{k.driveID, k.itemID, syncedAt, syncedAt, errMsg})
				if len(sampleErrors) < 5 {
					sampleErrors = append(sampleErrors, map[string]any{"drive_id": k.driveID, "item_id": k.itemID, "error": errMsg})
				}
			}
		}

		sortItemUpdates(okKeys)
		sortItemUpdateRows(okUpdates)
		sortItemUpdateRows(errUpdates)

		if len(permissionRows) > 0 {
			deduped, dropped := dedupeKeepLast(permissionRows, func(row []any) string {
				return fmt.Sprintf("%v|%v|%v", row[0], row[1], row[2])
			})
			permissionRows = deduped
			counters.inc("dropped_permission_duplicates", dropped)
		}
		if len(grantRows) > 0 {
			deduped, dropped := dedupeKeepLast(grantRows, func(row []any) string {
				return fmt.Sprintf("%v|%v|%v|%v|%v", row[0], row[1], row[2], row[3], row[4])
			})
			grantRows = deduped
			counters.inc("dropped_grant_duplicates", dropped)
		}

		observer := retryObserver(d, fmt.Sprintf("permissions_batch:%d", batch))
		writeErr := store.RetryMutation(ctx, d.Gateway.Policy, observer, func(ctx context.Context) error {
			return d.Gateway.InTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
				return writePermissionsBatch(ctx, tx, okKeys, permissionRows, grantRows, okUpdates, errUpdates)
			})
		})

		if writeErr == nil {
			counters.inc("items_ok", len(okUpdates))
			counters.inc("items_err", len(errUpdates))
			if len(errUpdates) > 0 {
				applog.Emit(d.Logger, "WARN", applog.ActorIngest, "permissions_batch_errors",
					"run_id", runID, "batch", batch, "errors", len(errUpdates), "sample", sampleErrors)
				d.logRun(runID, "WARN", "permissions_batch_errors", map[string]any{
					"batch": batch, "errors": len(errUpdates), "sample": sampleErrors,
				})
			}
			continue
		}

		counters.inc("db_retry_exhausted_batches", 1)
		_, sqlstate := store.ClassifyError(writeErr)
		if sqlstate == "" {
			sqlstate = "unknown"
		}
		exhaustedErr := fmt.Sprintf("db_write_retry_exhausted:%s", sqlstate)
		applog.Emit(d.Logger, "WARN", applog.ActorIngest, "permissions_db_write_retry_exhausted",
			"run_id", runID, "batch", batch, "items", len(keys), "error", writeErr)
		d.logRun(runID, "WARN", "permissions_db_write_retry_exhausted", map[string]any{
			"batch": batch, "items": len(keys), "error": writeErr.Error(),
		})

		fallbackErrUpdates := make([][]any, 0, len(keys))
		for _, k := range keys {
			fallbackErrUpdates = append(fallbackErrUpdates, []any{k.driveID, k.itemID, syncedAt, syncedAt, exhaustedErr})
		}
		markErr := store.RetryMutation(ctx, d.Gateway.Policy, retryObserver(d, fmt.Sprintf("permissions_batch_mark_error:%d", batch)), func(ctx context.Context) error {
			return bulkUpdatePermissionErrors(ctx, d.Gateway.Pool, fallbackErrUpdates)
		})
		if markErr == nil {
			counters.inc("items_err", len(fallbackErrUpdates))
		} else {
			applog.Emit(d.Logger, "WARN", applog.ActorIngest, "permissions_db_write_retry_exhausted",
				"run_id", runID, "batch", batch, "operation", "mark_batch_error", "error", markErr)
			d.logRun(runID, "WARN", "permissions_db_write_retry_exhausted", map[string]any{
				"batch": batch, "operation": "mark_batch_error", "error": markErr.Error(),
			})
		}
		if len(errUpdates) > 0 {
			applog.Emit(d.Logger, "WARN", applog.ActorIngest, "permissions_batch_errors",
				"run_id", runID, "batch", batch, "errors", len(errUpdates), "sample", sampleErrors, "batch_write_exhausted", true)
			d.logRun(runID, "WARN", "permissions_batch_errors", map[string]any{
				"batch": batch, "errors": len(errUpdates), "sample": sampleErrors, "batch_write_exhausted": true,
			})
		}
	}

	applog.Emit(d.Logger, "INFO", applog.ActorIngest, "permissions_scan_completed", "run_id", runID, "counters", map[string]any(counters))
	d.logRun(runID, "INFO", "permissions_scan_completed", map[string]any(counters))
	return counters, nil
}

func fetchPermissionsBatch(ctx context.Context, d Deps, keys []itemKey, maxConcurrency int) map[itemKey]permissionFetchResult {
	results := make(map[itemKey]permissionFetchResult, len(keys))
	if maxConcurrency <= 1 {
		for _, k := range keys {
			perms, err := fetchPermissions(ctx, d.Client, k.driveID, k.itemID)
			results[k] = permissionFetchResult{key: k, permissions: perms, err: err}
		}
		return results
	}

	resultCh := make(chan permissionFetchResult, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)
	for _, k := range keys {
		k := k
		g.Go(func() error {
			perms, err := fetchPermissions(gctx, d.Client, k.driveID, k.itemID)
			resultCh <- permissionFetchResult{key: k, permissions: perms, err: err}
			return nil
		})
	}
	_ = g.Wait()
	close(resultCh)
	for r := range resultCh {
		results[r.key] = r
	}
	return results
}

func writePermissionsBatch(ctx context.Context, tx pgx.Tx, okKeys []itemKey, permissionRows, grantRows, okUpdates, errUpdates [][]any) error {
	if len(okKeys) > 0 {
		driveIDs := make([]string, len(okKeys))
		itemIDs := make([]string, len(okKeys))
		for i, k := range okKeys {
			driveIDs[i], itemIDs[i] = k.driveID, k.itemID
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM msgraph_drive_item_permission_grants g
			USING (SELECT * FROM unnest($1::text[], $2::text[])) AS v(drive_id, item_id)
			WHERE g.drive_id = v.drive_id AND g.item_id = v.item_id
		`, driveIDs, itemIDs); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM msgraph_drive_item_permissions p
			USING (SELECT * FROM unnest($1::text[], $2::text[])) AS v(drive_id, item_id)
			WHERE p.drive_id = v.drive_id AND p.item_id = v.item_id
		`, driveIDs, itemIDs); err != nil {
			return err
		}
		if len(permissionRows) > 0 {
			if _, err := store.BulkInsert(ctx, tx, "msgraph_drive_item_permissions", splitColumns(permissionsColumns), permissionsConflictClause, permissionRows, 1000); err != nil {
				return err
			}
		}
		if len(grantRows) > 0 {
			if _, err := store.BulkInsert(ctx, tx, "msgraph_drive_item_permission_grants", splitColumns(grantsColumns), grantsConflictClause, grantRows, 1000); err != nil {
				return err
			}
		}
		if err := bulkUpdatePermissionsOK(ctx, tx, okUpdates); err != nil {
			return err
		}
	}
	if len(errUpdates) > 0 {
		if err := bulkUpdatePermissionErrors(ctx, tx, errUpdates); err != nil {
			return err
		}
	}
	return nil
}

func bulkUpdatePermissionsOK(ctx context.Context, q store.Querier, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	driveIDs := make([]string, len(rows))
	itemIDs := make([]string, len(rows))
	syncedAts := make([]time.Time, len(rows))
	for i, row := range rows {
		driveIDs[i], _ = row[0].(string)
		itemIDs[i], _ = row[1].(string)
		syncedAts[i], _ = row[2].(time.Time)
	}
	_, err := q.Exec(ctx, `
		UPDATE msgraph_drive_items d
		SET permissions_last_synced_at = v.synced_at,
		    permissions_last_error_at = NULL,
		    permissions_last_error = NULL
		FROM (SELECT * FROM unnest($1::text[], $2::text[], $3::timestamptz[])) AS v(drive_id, item_id, synced_at)
		WHERE d.drive_id = v.drive_id AND d.id = v.item_id
	`, driveIDs, itemIDs, syncedAts)
	return err
}

func bulkUpdatePermissionErrors(ctx context.Context, q store.Querier, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	driveIDs := make([]string, len(rows))
	itemIDs := make([]string, len(rows))
	syncedAts := make([]time.Time, len(rows))
	errorAts := make([]time.Time, len(rows))
	errMsgs := make([]string, len(rows))
	for i, row := range rows {
		driveIDs[i], _ = row[0].(string)
		itemIDs[i], _ = row[1].(string)
		syncedAts[i], _ = row[2].(time.Time)
		errorAts[i], _ = row[3].(time.Time)
		errMsgs[i], _ = row[4].(string)
	}
	_, err := q.Exec(ctx, `
		UPDATE msgraph_drive_items d
		SET permissions_last_synced_at = v.synced_at,
		    permissions_last_error_at = v.error_at,
		    permissions_last_error = v.error
		FROM (SELECT * FROM unnest($1::text[], $2::text[], $3::timestamptz[], $4::timestamptz[], $5::text[]))
		  AS v(drive_id, item_id, synced_at, error_at, error)
		WHERE d.drive_id = v.drive_id AND d.id = v.item_id
	`, driveIDs, itemIDs, syncedAts, errorAts, errMsgs)
	return err
}

func sortItemUpdates(keys []itemKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].driveID != keys[j].driveID {
			return keys[i].driveID < keys[j].driveID
		}
		return keys[i].itemID < keys[j].itemID
	})
}

func sortItemUpdateRows(rows [][]any) {
	sort.Slice(rows, func(i, j int) bool {
		a0, _ := rows[i][0].(string)
		b0, _ := rows[j][0].(string)
		if a0 != b0 {
			return a0 < b0
		}
		a1, _ := rows[i][1].(string)
		b1, _ := rows[j][1].(string)
		return a1 < b1
	})
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
