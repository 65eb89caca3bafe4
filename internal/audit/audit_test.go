package audit

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActorFromClaims(t *testing.T) {
	claims := map[string]any{
		"oid":                "11111111-1111-1111-1111-111111111111",
		"preferred_username": "alice@example.com",
		"name":               "Alice Smith",
	}
	actor := ActorFromClaims(claims)
	assert.Equal(t, claims["oid"], actor.OID)
	assert.Equal(t, "alice@example.com", actor.UPN)
	assert.Equal(t, "Alice Smith", actor.Name)
}

func TestActorFromClaimsFallsBackToSub(t *testing.T) {
	claims := map[string]any{"sub": "svc-account", "upn": "svc@example.com"}
	actor := ActorFromClaims(claims)
	assert.Equal(t, "svc-account", actor.OID)
	assert.Equal(t, "svc@example.com", actor.UPN)
}

func TestLogAuditDropsWhenFull(t *testing.T) {
	logger := slog.Default()
	w := NewWriter(nil, logger)
	// Don't start the background goroutine — nothing drains the channel.

	for i := 0; i < bufferSize; i++ {
		w.LogAudit(AuditEntry{Action: "test", EntityType: "test"})
	}

	// The next entry should be dropped (non-blocking), not deadlock the test.
	w.LogAudit(AuditEntry{Action: "dropped", EntityType: "dropped"})

	assert.Len(t, w.auditEntries, bufferSize)
}

func TestLogRunEnqueues(t *testing.T) {
	logger := slog.Default()
	w := NewWriter(nil, logger)

	w.LogRun("run-1", "INFO", "users_ingested", map[string]any{"total_seen": 42})

	entry := <-w.runLogs
	assert.Equal(t, "run-1", entry.RunID)
	assert.Equal(t, "users_ingested", entry.Message)
}
