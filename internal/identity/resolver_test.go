package identity

import "testing"

func newMaps() *UserMaps {
	return &UserMaps{
		byID:    map[string]string{"u-1": "u-1"},
		byEmail: map[string]string{"alice@example.com": "u-1"},
	}
}

func TestResolveNilIdentity(t *testing.T) {
	r := Resolve(nil, newMaps())
	if r.PrincipalType != PrincipalUnknown {
		t.Errorf("expected unknown, got %s", r.PrincipalType)
	}
}

func TestResolveUserByGraphID(t *testing.T) {
	identity := map[string]any{
		"user": map[string]any{
			"id":          "u-1",
			"displayName": "Alice Smith",
			"email":       "alice@example.com",
		},
	}
	r := Resolve(identity, newMaps())
	if r.PrincipalType != PrincipalUser {
		t.Fatalf("expected user, got %s", r.PrincipalType)
	}
	if r.UserFK != "u-1" {
		t.Errorf("expected user fk u-1, got %q", r.UserFK)
	}
	if r.DisplayName != "Alice Smith" {
		t.Errorf("unexpected display name: %q", r.DisplayName)
	}
}

func TestResolveUserByEmailFallback(t *testing.T) {
	identity := map[string]any{
		"user": map[string]any{
			"id":                "unknown-graph-id",
			"userPrincipalName": "alice@example.com",
		},
	}
	r := Resolve(identity, newMaps())
	if r.UserFK != "u-1" {
		t.Errorf("expected fk resolved via email, got %q", r.UserFK)
	}
}

func TestResolveSystemAccount(t *testing.T) {
	identity := map[string]any{
		"user": map[string]any{
			"displayName": "SharePoint App",
		},
	}
	r := Resolve(identity, newMaps())
	if r.PrincipalType != PrincipalSystem {
		t.Fatalf("expected system, got %s", r.PrincipalType)
	}
	if r.UserFK != "" {
		t.Errorf("system accounts should never carry a user fk")
	}
}

func TestResolveGroup(t *testing.T) {
	identity := map[string]any{
		"group": map[string]any{
			"id":          "g-1",
			"displayName": "Finance Team",
		},
	}
	r := Resolve(identity, newMaps())
	if r.PrincipalType != PrincipalGroup || r.ExternalID != "g-1" {
		t.Errorf("unexpected result: %+v", r)
	}
}

func TestResolveApplication(t *testing.T) {
	identity := map[string]any{
		"application": map[string]any{
			"id":          "app-1",
			"displayName": "Reporting Service",
		},
	}
	r := Resolve(identity, newMaps())
	if r.PrincipalType != PrincipalApplication {
		t.Errorf("expected application, got %s", r.PrincipalType)
	}
}

func TestResolveSiteUserVariant(t *testing.T) {
	identity := map[string]any{
		"siteUser": map[string]any{
			"id":          "su-1",
			"displayName": "Site Admin",
		},
	}
	r := Resolve(identity, newMaps())
	if r.PrincipalType != PrincipalSharePoint {
		t.Errorf("expected sharepoint, got %s", r.PrincipalType)
	}
}

func TestResolveODataTypeTag(t *testing.T) {
	identity := map[string]any{
		"@odata.type": "#microsoft.graph.userIdentity",
		"id":          "u-1",
		"displayName": "Alice Smith",
	}
	r := Resolve(identity, newMaps())
	if r.PrincipalType != PrincipalUser || r.UserFK != "u-1" {
		t.Errorf("unexpected result: %+v", r)
	}
}

func TestResolveODataSystemTag(t *testing.T) {
	identity := map[string]any{
		"@odata.type": "#microsoft.graph.userIdentity",
		"displayName": "System Account",
	}
	r := Resolve(identity, newMaps())
	if r.PrincipalType != PrincipalSystem {
		t.Errorf("expected system, got %s", r.PrincipalType)
	}
}

func TestResolveUnknownFallback(t *testing.T) {
	identity := map[string]any{
		"displayName": "Something Unrecognized",
		"email":       "ghost@example.com",
	}
	r := Resolve(identity, newMaps())
	if r.PrincipalType != PrincipalUnknown {
		t.Fatalf("expected unknown, got %s", r.PrincipalType)
	}
	if r.Email != "ghost@example.com" {
		t.Errorf("expected email carried through on unknown fallback, got %q", r.Email)
	}
}

func TestResolveDisplayNameSystemFallback(t *testing.T) {
	identity := map[string]any{
		"displayName": "System Account",
	}
	r := Resolve(identity, newMaps())
	if r.PrincipalType != PrincipalSystem {
		t.Errorf("expected system, got %s", r.PrincipalType)
	}
}
