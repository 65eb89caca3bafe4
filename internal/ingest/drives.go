package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/wisbric/graphsync/internal/applog"
	"github.com/wisbric/graphsync/internal/graphclient"
	"github.com/wisbric/graphsync/internal/identity"
)

const drivesSelect = "id,name,description,driveType,webUrl,createdDateTime,lastModifiedDateTime,owner,createdBy,lastModifiedBy,quota"

const drivesColumns = `id, site_id, name, description, drive_type, web_url, owner_id, owner_type,
	owner_display_name, owner_email, owner_graph_id, created_by_user_id, created_by_type,
	created_by_display_name, created_by_email, created_by_graph_id, last_modified_by_user_id,
	last_modified_by_type, last_modified_by_display_name, last_modified_by_email,
	last_modified_by_graph_id, last_modified_dt, quota_total, quota_used, quota_remaining,
	quota_deleted, quota_state, created_dt, synced_at, deleted_at, raw_json`

const drivesConflictClause = `ON CONFLICT (id) DO UPDATE SET
	site_id = EXCLUDED.site_id,
	name = EXCLUDED.name,
	description = EXCLUDED.description,
	drive_type = EXCLUDED.drive_type,
	web_url = EXCLUDED.web_url,
	owner_id = EXCLUDED.owner_id,
	owner_type = EXCLUDED.owner_type,
	owner_display_name = EXCLUDED.owner_display_name,
	owner_email = EXCLUDED.owner_email,
	owner_graph_id = EXCLUDED.owner_graph_id,
	created_by_user_id = EXCLUDED.created_by_user_id,
	created_by_type = EXCLUDED.created_by_type,
	created_by_display_name = EXCLUDED.created_by_display_name,
	created_by_email = EXCLUDED.created_by_email,
	created_by_graph_id = EXCLUDED.created_by_graph_id,
	last_modified_by_user_id = EXCLUDED.last_modified_by_user_id,
	last_modified_by_type = EXCLUDED.last_modified_by_type,
	last_modified_by_display_name = EXCLUDED.last_modified_by_display_name,
	last_modified_by_email = EXCLUDED.last_modified_by_email,
	last_modified_by_graph_id = EXCLUDED.last_modified_by_graph_id,
	last_modified_dt = EXCLUDED.last_modified_dt,
	quota_total = EXCLUDED.quota_total,
	quota_used = EXCLUDED.quota_used,
	quota_remaining = EXCLUDED.quota_remaining,
	quota_deleted = EXCLUDED.quota_deleted,
	quota_state = EXCLUDED.quota_state,
	created_dt = EXCLUDED.created_dt,
	synced_at = EXCLUDED.synced_at,
	deleted_at = NULL,
	raw_json = EXCLUDED.raw_json`

// isPersonalSite mirrors _is_personal_site: a site is personal if its raw
// JSON says so, or its hostname/webUrl matches the OneDrive-for-Business
// shape.
func isPersonalSite(hostname, webURL string, raw map[string]any) bool {
	if v, ok := raw["isPersonalSite"].(bool); ok && v {
		return true
	}
	if hostname == "" {
		if sc, ok := raw["siteCollection"].(map[string]any); ok {
			hostname = stringOrEmpty(sc, "hostname")
		}
	}
	if webURL == "" {
		webURL = stringOrEmpty(raw, "webUrl")
	}
	hostname = strings.ToLower(hostname)
	webURL = strings.ToLower(webURL)
	return strings.HasSuffix(hostname, "my.sharepoint.com") || strings.Contains(webURL, "/personal/")
}

func driveRow(drive map[string]any, siteID, ownerHintID, ownerHintType string, syncedAt time.Time, users *identity.UserMaps) []any {
	quota, _ := drive["quota"].(map[string]any)

	owner := identity.Resolve(asMap(drive["owner"]), users)
	if ownerHintID != "" && owner.ExternalID == "" {
		owner.ExternalID = ownerHintID
	}
	if ownerHintID != "" && (owner.PrincipalType == "" || owner.PrincipalType == identity.PrincipalUnknown) {
		if ownerHintType != "" {
			owner.PrincipalType = identity.PrincipalType(ownerHintType)
		}
	}
	if ownerHintType == "user" && ownerHintID != "" && owner.UserFK == "" {
		owner.UserFK = ownerHintID
	}

	createdBy := identity.Resolve(asMap(drive["createdBy"]), users)
	lastModifiedBy := identity.Resolve(asMap(drive["lastModifiedBy"]), users)

	ownerUserID := owner.UserFK
	if ownerUserID == "" {
		ownerUserID = ownerHintID
	}

	return []any{
		stringOrEmpty(drive, "id"),
		nullableString(siteID),
		stringOrEmpty(drive, "name"),
		stringOrEmpty(drive, "description"),
		stringOrEmpty(drive, "driveType"),
		stringOrEmpty(drive, "webUrl"),
		nullableString(ownerUserID),
		string(owner.PrincipalType),
		nullableString(owner.DisplayName),
		nullableString(owner.Email),
		nullableString(owner.ExternalID),
		nullableString(createdBy.UserFK),
		string(createdBy.PrincipalType),
		nullableString(createdBy.DisplayName),
		nullableString(createdBy.Email),
		nullableString(createdBy.ExternalID),
		nullableString(lastModifiedBy.UserFK),
		string(lastModifiedBy.PrincipalType),
		nullableString(lastModifiedBy.DisplayName),
		nullableString(lastModifiedBy.Email),
		nullableString(lastModifiedBy.ExternalID),
		stringOrEmpty(drive, "lastModifiedDateTime"),
		quota["total"],
		quota["used"],
		quota["remaining"],
		quota["deleted"],
		stringOrEmpty(quota, "state"),
		stringOrEmpty(drive, "createdDateTime"),
		syncedAt,
		nil,
		jsonbOf(drive),
	}
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// IngestDrives implements the drives stage (§4.4.4): page drives owned by
// every non-personal non-deleted site, then every group, then every user,
// resolving owner/createdBy/lastModifiedBy through the identity resolver
// and field-merging duplicate drive ids across endpoints.
func IngestDrives(ctx context.Context, d Deps, runID string) (Counters, error) {
	syncedAt := time.Now().UTC()
	flushEvery := d.flushEvery()
	columns := splitColumns(drivesColumns)

	counters := Counters{}
	var batch [][]any

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		deduped, dropped := dedupeDriveRows(batch)
		if len(deduped) > 0 {
			if _, err := upsert(ctx, d, "msgraph_drives", columns, drivesConflictClause, deduped); err != nil {
				return err
			}
		}
		counters.inc("drive_upserts", len(deduped))
		counters.inc("dropped_duplicates", dropped)
		batch = nil
		return nil
	}

	rows, err := d.Gateway.Pool.Query(ctx, "SELECT id, hostname, web_url, raw_json FROM msgraph_sites WHERE deleted_at IS NULL")
	if err != nil {
		return nil, fmt.Errorf("listing sites for drives: %w", err)
	}
	type siteRow struct {
		id, hostname, webURL string
		raw                  []byte
	}
	var sites []siteRow
	for rows.Next() {
		var s siteRow
		var hostname, webURL *string
		if err := rows.Scan(&s.id, &hostname, &webURL, &s.raw); err != nil {
			rows.Close()
			return nil, err
		}
		if hostname != nil {
			s.hostname = *hostname
		}
		if webURL != nil {
			s.webURL = *webURL
		}
		sites = append(sites, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, site := range sites {
		counters.inc("sites_processed", 1)
		var raw map[string]any
		_ = json.Unmarshal(site.raw, &raw)
		if isPersonalSite(site.hostname, site.webURL, raw) {
			counters.inc("sites_skipped_personal", 1)
			continue
		}

		path := fmt.Sprintf("/sites/%s/drives?$top=%d&$select=%s", site.id, d.pageSize(), drivesSelect)
		_, err := d.Client.EachPage(ctx, path, func(page graphclient.Page) error {
			for _, drive := range page.Items {
				if stringOrEmpty(drive, "id") == "" {
					continue
				}
				batch = append(batch, driveRow(drive, site.id, "", "", syncedAt, d.Users))
				if len(batch) >= flushEvery {
					if err := flush(); err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err != nil {
			if ge, ok := err.(*graphclient.GraphError); ok {
				if !graphclient.IsNoSuchResource(ge) {
					counters.inc("sites_skipped_error", 1)
				}
				applog.Emit(d.Logger, "WARN", applog.ActorIngest, "site_drives_skipped", "run_id", runID, "site_id", site.id, "error", ge)
				d.logRun(runID, "WARN", "site_drives_skipped", map[string]any{"site_id": site.id, "error": ge.Error()})
				continue
			}
			return counters, fmt.Errorf("listing drives for site %s: %w", site.id, err)
		}
	}

	groupIDs, err := listIDs(ctx, d, "msgraph_groups")
	if err != nil {
		return counters, err
	}
	for _, groupID := range groupIDs {
		counters.inc("groups_processed", 1)
		hasDrive := false
		path := fmt.Sprintf("/groups/%s/drives?$top=%d&$select=%s", groupID, d.pageSize(), drivesSelect)
		_, err := d.Client.EachPage(ctx, path, func(page graphclient.Page) error {
			for _, drive := range page.Items {
				if stringOrEmpty(drive, "id") == "" {
					continue
				}
				hasDrive = true
				batch = append(batch, driveRow(drive, "", groupID, "group", syncedAt, d.Users))
			}
			return nil
		})
		if err != nil {
			if ge, ok := err.(*graphclient.GraphError); ok && graphclient.IsNoSuchResource(ge) {
				counters.inc("groups_no_drive", 1)
				continue
			}
			return counters, fmt.Errorf("listing drives for group %s: %w", groupID, err)
		}
		if !hasDrive {
			counters.inc("groups_no_drive", 1)
		}
		if len(batch) >= flushEvery {
			if err := flush(); err != nil {
				return counters, err
			}
		}
	}

	userIDs, err := listIDs(ctx, d, "msgraph_users")
	if err != nil {
		return counters, err
	}
	for _, userID := range userIDs {
		counters.inc("users_processed", 1)
		hasDrive := false
		path := fmt.Sprintf("/users/%s/drives?$top=%d&$select=%s", userID, d.pageSize(), drivesSelect)
		_, err := d.Client.EachPage(ctx, path, func(page graphclient.Page) error {
			for _, drive := range page.Items {
				if stringOrEmpty(drive, "id") == "" {
					continue
				}
				hasDrive = true
				batch = append(batch, driveRow(drive, "", userID, "user", syncedAt, d.Users))
			}
			return nil
		})
		if err != nil {
			if ge, ok := err.(*graphclient.GraphError); ok && graphclient.IsNoSuchResource(ge) {
				counters.inc("users_no_drive", 1)
				continue
			}
			return counters, fmt.Errorf("listing drives for user %s: %w", userID, err)
		}
		if !hasDrive {
			counters.inc("users_no_drive", 1)
		}
		if len(batch) >= flushEvery {
			if err := flush(); err != nil {
				return counters, err
			}
		}
	}

	if err := flush(); err != nil {
		return counters, err
	}

	applog.Emit(d.Logger, "INFO", applog.ActorIngest, "drives_ingested", "run_id", runID, "counters", map[string]any(counters))
	d.logRun(runID, "INFO", "drives_ingested", map[string]any(counters))
	return counters, nil
}

func splitColumns(cols string) []string {
	fields := strings.Split(cols, ",")
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, strings.TrimSpace(strings.ReplaceAll(f, "\n", "")))
	}
	return out
}

func listIDs(ctx context.Context, d Deps, table string) ([]string, error) {
	rows, err := d.Gateway.Pool.Query(ctx, fmt.Sprintf("SELECT id FROM %s WHERE deleted_at IS NULL", table))
	if err != nil {
		return nil, fmt.Errorf("listing ids from %s: %w", table, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
