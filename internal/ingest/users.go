package ingest

import (
	"context"
	"fmt"
	"time"
)

const usersSelect = "id,displayName,userPrincipalName,mail,accountEnabled,userType,jobTitle,department,officeLocation,usageLocation,createdDateTime"

const usersUpsertColumns = "id, display_name, user_principal_name, mail, account_enabled, user_type, job_title, department, office_location, usage_location, created_dt, synced_at, deleted_at, raw_json"

const usersConflictClause = `ON CONFLICT (id) DO UPDATE SET
	display_name = EXCLUDED.display_name,
	user_principal_name = EXCLUDED.user_principal_name,
	mail = EXCLUDED.mail,
	account_enabled = EXCLUDED.account_enabled,
	user_type = EXCLUDED.user_type,
	job_title = EXCLUDED.job_title,
	department = EXCLUDED.department,
	office_location = EXCLUDED.office_location,
	usage_location = EXCLUDED.usage_location,
	created_dt = EXCLUDED.created_dt,
	synced_at = EXCLUDED.synced_at,
	deleted_at = NULL,
	raw_json = EXCLUDED.raw_json`

// IngestUsers implements the full-list users stage (§4.4.1): page /users,
// batch-upsert with dedup-keep-last, then sweep rows not seen this pass.
func IngestUsers(ctx context.Context, d Deps, runID string) (Counters, error) {
	return ingestFullList(ctx, d, runID, fullListSpec{
		resourcePath:    fmt.Sprintf("/users?$select=%s&$top=999", usersSelect),
		table:           "msgraph_users",
		columns:         usersUpsertColumns,
		conflictClause:  usersConflictClause,
		logMessage:      "users_ingested",
		rowFromEntity: func(user map[string]any, syncedAt time.Time) ([]any, string) {
			id := stringOrEmpty(user, "id")
			if id == "" {
				return nil, ""
			}
			return []any{
				id,
				stringOrEmpty(user, "displayName"),
				stringOrEmpty(user, "userPrincipalName"),
				stringOrEmpty(user, "mail"),
				boolOrNil(user, "accountEnabled"),
				stringOrEmpty(user, "userType"),
				stringOrEmpty(user, "jobTitle"),
				stringOrEmpty(user, "department"),
				stringOrEmpty(user, "officeLocation"),
				stringOrEmpty(user, "usageLocation"),
				stringOrEmpty(user, "createdDateTime"),
				syncedAt,
				nil,
				jsonbOf(user),
			}, id
		},
	})
}

const groupsSelect = "id,displayName,mail,mailEnabled,securityEnabled,groupTypes,visibility,isAssignableToRole,createdDateTime"

const groupsUpsertColumns = "id, display_name, mail, mail_enabled, security_enabled, group_types, visibility, is_assignable_to_role, created_dt, synced_at, deleted_at, raw_json"

const groupsConflictClause = `ON CONFLICT (id) DO UPDATE SET
	display_name = EXCLUDED.display_name,
	mail = EXCLUDED.mail,
	mail_enabled = EXCLUDED.mail_enabled,
	security_enabled = EXCLUDED.security_enabled,
	group_types = EXCLUDED.group_types,
	visibility = EXCLUDED.visibility,
	is_assignable_to_role = EXCLUDED.is_assignable_to_role,
	created_dt = EXCLUDED.created_dt,
	synced_at = EXCLUDED.synced_at,
	deleted_at = NULL,
	raw_json = EXCLUDED.raw_json`

// IngestGroups implements the full-list groups stage (§4.4.1).
func IngestGroups(ctx context.Context, d Deps, runID string) (Counters, error) {
	return ingestFullList(ctx, d, runID, fullListSpec{
		resourcePath:    fmt.Sprintf("/groups?$select=%s&$top=999", groupsSelect),
		table:           "msgraph_groups",
		columns:         groupsUpsertColumns,
		conflictClause:  groupsConflictClause,
		logMessage:      "groups_ingested",
		rowFromEntity: func(group map[string]any, syncedAt time.Time) ([]any, string) {
			id := stringOrEmpty(group, "id")
			if id == "" {
				return nil, ""
			}
			return []any{
				id,
				stringOrEmpty(group, "displayName"),
				stringOrEmpty(group, "mail"),
				boolOrNil(group, "mailEnabled"),
				boolOrNil(group, "securityEnabled"),
				group["groupTypes"],
				stringOrEmpty(group, "visibility"),
				boolOrNil(group, "isAssignableToRole"),
				stringOrEmpty(group, "createdDateTime"),
				syncedAt,
				nil,
				jsonbOf(group),
			}, id
		},
	})
}
