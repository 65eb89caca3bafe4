// Package identity resolves the directory-identity shapes embedded in the
// external API's JSON (drive/item owner, createdBy, lastModifiedBy,
// permission grantee) into a local user foreign key plus a tagged
// principal, grounded in the source worker's _load_user_maps/_resolve_identity.
package identity

import (
	"context"
	"strings"

	"github.com/wisbric/graphsync/internal/store"
)

// PrincipalType tags the kind of directory identity a resolved reference
// turned out to be.
type PrincipalType string

const (
	PrincipalUser        PrincipalType = "user"
	PrincipalGroup       PrincipalType = "group"
	PrincipalApplication PrincipalType = "application"
	PrincipalSharePoint  PrincipalType = "sharepoint"
	PrincipalSystem      PrincipalType = "system"
	PrincipalUnknown     PrincipalType = "unknown"
)

// UserMaps indexes the non-deleted local users by their directory id and by
// lowercased email/userPrincipalName, so a resolved identity's graph id or
// email can be traced back to a local user row.
type UserMaps struct {
	byID    map[string]string
	byEmail map[string]string
}

// LoadUserMaps builds the maps from msgraph_users, excluding soft-deleted
// rows, matching _load_user_maps.
func LoadUserMaps(ctx context.Context, q store.Querier) (*UserMaps, error) {
	rows, err := q.Query(ctx, `
		SELECT id, mail, user_principal_name
		FROM msgraph_users
		WHERE deleted_at IS NULL
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	maps := &UserMaps{
		byID:    make(map[string]string),
		byEmail: make(map[string]string),
	}
	for rows.Next() {
		var id string
		var mail, upn *string
		if err := rows.Scan(&id, &mail, &upn); err != nil {
			return nil, err
		}
		if id == "" {
			continue
		}
		maps.byID[id] = id
		if mail != nil && *mail != "" {
			maps.byEmail[strings.ToLower(*mail)] = id
		}
		if upn != nil && *upn != "" {
			maps.byEmail[strings.ToLower(*upn)] = id
		}
	}
	return maps, rows.Err()
}

func (m *UserMaps) toUserFK(graphID, emailLike string) string {
	if graphID != "" {
		if _, ok := m.byID[graphID]; ok {
			return graphID
		}
	}
	if emailLike != "" {
		if fk, ok := m.byEmail[strings.ToLower(emailLike)]; ok {
			return fk
		}
	}
	return ""
}

var systemDisplayNames = map[string]bool{
	"system account":           true,
	"sharepoint app":           true,
	"sharepoint":               true,
	"microsoft office":         true,
	"sharepoint migration tool": true,
}

func looksSystem(display string) bool {
	if display == "" {
		return false
	}
	d := strings.ToLower(strings.TrimSpace(display))
	return systemDisplayNames[d] || strings.Contains(d, "system")
}

// identityKeys is the nested-object precedence order _resolve_identity
// checks before falling back to an @odata.type tag or a bare record.
var identityKeys = []string{"user", "group", "application", "siteGroup", "siteUser", "device", "site"}

// Resolved is what an identity reference resolves to.
type Resolved struct {
	UserFK        string
	PrincipalType PrincipalType
	DisplayName   string
	Email         string
	ExternalID    string
}

func stringField(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := obj[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Resolve maps a raw directory-identity JSON object (e.g. drive.owner, a
// permission grantee) to a Resolved principal, following the precedence
// and system-account heuristics of _resolve_identity.
func Resolve(identity map[string]any, maps *UserMaps) Resolved {
	if identity == nil {
		return Resolved{PrincipalType: PrincipalUnknown}
	}

	for _, key := range identityKeys {
		obj, ok := identity[key].(map[string]any)
		if !ok {
			continue
		}
		disp := stringField(obj, "displayName", "name")
		email := stringField(obj, "email", "userPrincipalName")
		gid := stringField(obj, "id")

		switch key {
		case "user":
			if looksSystem(disp) {
				return Resolved{PrincipalType: PrincipalSystem, DisplayName: disp}
			}
			return Resolved{
				UserFK:        maps.toUserFK(gid, email),
				PrincipalType: PrincipalUser,
				DisplayName:   disp,
				Email:         email,
				ExternalID:    gid,
			}
		case "group":
			return Resolved{PrincipalType: PrincipalGroup, DisplayName: disp, ExternalID: gid}
		case "application":
			return Resolved{PrincipalType: PrincipalApplication, DisplayName: disp, ExternalID: gid}
		default: // siteGroup, siteUser, device, site
			return Resolved{PrincipalType: PrincipalSharePoint, DisplayName: disp, ExternalID: gid}
		}
	}

	otype := stringField(identity, "@odata.type", "odata.type")
	if otype != "" {
		disp := stringField(identity, "displayName", "name")
		gid := stringField(identity, "id")
		email := stringField(identity, "email", "userPrincipalName")

		if looksSystem(disp) && gid == "" && email == "" {
			return Resolved{PrincipalType: PrincipalSystem, DisplayName: disp}
		}
		switch {
		case strings.Contains(otype, "userIdentity"):
			return Resolved{
				UserFK:        maps.toUserFK(gid, email),
				PrincipalType: PrincipalUser,
				DisplayName:   disp,
				Email:         email,
				ExternalID:    gid,
			}
		case strings.Contains(otype, "groupIdentity"):
			return Resolved{PrincipalType: PrincipalGroup, DisplayName: disp, ExternalID: gid}
		case strings.Contains(otype, "appIdentity"), strings.Contains(otype, "application"):
			return Resolved{PrincipalType: PrincipalApplication, DisplayName: disp, ExternalID: gid}
		case strings.Contains(otype, "sharepoint"), strings.Contains(otype, "site"), strings.Contains(otype, "deviceIdentity"):
			return Resolved{PrincipalType: PrincipalSharePoint, DisplayName: disp, ExternalID: gid}
		}
	}

	disp := stringField(identity, "displayName")
	if looksSystem(disp) {
		return Resolved{PrincipalType: PrincipalSystem, DisplayName: disp}
	}
	return Resolved{
		PrincipalType: PrincipalUnknown,
		DisplayName:   disp,
		Email:         stringField(identity, "email", "userPrincipalName"),
		ExternalID:    stringField(identity, "id"),
	}
}
