package graphclient

import "testing"

func TestParsePage(t *testing.T) {
	data := map[string]any{
		"value": []any{
			map[string]any{"id": "1"},
			map[string]any{"id": "2"},
		},
		"@odata.nextLink": "https://graph.microsoft.com/v1.0/users?skip=2",
	}

	page := parsePage(data)
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(page.Items))
	}
	if page.NextLink != "https://graph.microsoft.com/v1.0/users?skip=2" {
		t.Errorf("unexpected next link: %s", page.NextLink)
	}
	if page.DeltaLink != "" {
		t.Errorf("expected no delta link")
	}
}

func TestParsePageDeltaLink(t *testing.T) {
	data := map[string]any{
		"value":             []any{},
		"@odata.deltaLink": "https://graph.microsoft.com/v1.0/sites/delta?token=abc",
	}
	page := parsePage(data)
	if page.DeltaLink != "https://graph.microsoft.com/v1.0/sites/delta?token=abc" {
		t.Errorf("unexpected delta link: %s", page.DeltaLink)
	}
}

func TestIsRetryableStatus(t *testing.T) {
	for _, s := range []int{408, 429, 500, 502, 503, 504} {
		if !isRetryableStatus(s) {
			t.Errorf("expected status %d to be retryable", s)
		}
	}
	for _, s := range []int{200, 400, 401, 403, 404, 410} {
		if isRetryableStatus(s) {
			t.Errorf("expected status %d to not be retryable", s)
		}
	}
}

func TestParseRetryAfterSeconds(t *testing.T) {
	if secs, ok := parseRetryAfterSeconds("30"); !ok || secs != 30 {
		t.Errorf("expected 30 seconds, got %d, ok=%v", secs, ok)
	}
	if _, ok := parseRetryAfterSeconds(""); ok {
		t.Errorf("expected not-ok for empty header")
	}
	if _, ok := parseRetryAfterSeconds("Wed, 21 Oct 2015 07:28:00 GMT"); ok {
		t.Errorf("expected not-ok for HTTP-date form (not numeric)")
	}
}

func TestIsNoSuchResource(t *testing.T) {
	for _, status := range []int{403, 404, 410} {
		if !IsNoSuchResource(&GraphError{Status: status}) {
			t.Errorf("expected status %d to be a no-such-resource error", status)
		}
	}
	if IsNoSuchResource(&GraphError{Status: 500}) {
		t.Errorf("500 should not be classified as no-such-resource")
	}
	if IsNoSuchResource(&TransportError{}) {
		t.Errorf("TransportError should never be no-such-resource")
	}
}
