// Package audit is the runtime audit/job-run-log writer: a buffered async
// writer over the append-only audit_events and job_run_logs tables,
// adapted from the teacher's multi-tenant audit.Writer down to this
// worker's single-tenant schema, grounded in the source worker's
// app/utils.py (log_audit_event, log_job_run_log).
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/graphsync/internal/store"
)

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// Actor identifies who triggered an audited action (an admin-API caller; the
// zero Actor for automatic scheduler runs). Fields are optional.
type Actor struct {
	OID  string
	UPN  string
	Name string
}

// ActorFromClaims extracts an Actor from a bearer-token-shaped claim map,
// matching log_audit_event's actor.get(...) fallbacks.
func ActorFromClaims(claims map[string]any) Actor {
	get := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := claims[k].(string); ok && v != "" {
				return v
			}
		}
		return ""
	}
	return Actor{
		OID:  get("oid", "sub"),
		UPN:  get("preferred_username", "upn"),
		Name: get("name"),
	}
}

// AuditEntry is one row destined for audit_events.
type AuditEntry struct {
	Actor      Actor
	Action     string
	EntityType string
	EntityID   string
	Details    map[string]any
}

// RunLogEntry is one row destined for job_run_logs.
type RunLogEntry struct {
	RunID   string
	Level   string
	Message string
	Context map[string]any
}

// Writer is an async, buffered writer for both audit_events and
// job_run_logs, flushed on a timer or once a batch fills.
type Writer struct {
	gateway *store.Gateway
	logger  *slog.Logger

	auditEntries chan AuditEntry
	runLogs      chan RunLogEntry
	wg           sync.WaitGroup
}

// NewWriter creates a Writer. Call Start to begin processing entries.
func NewWriter(gateway *store.Gateway, logger *slog.Logger) *Writer {
	return &Writer{
		gateway:      gateway,
		logger:       logger,
		auditEntries: make(chan AuditEntry, bufferSize),
		runLogs:      make(chan RunLogEntry, bufferSize),
	}
}

// Start begins the background goroutine that flushes entries to the
// database and returns immediately; the goroutine runs until ctx is
// cancelled or Close is called.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for the background goroutine to drain and exit. Callers must
// cancel the context passed to Start before calling Close.
func (w *Writer) Close() {
	close(w.auditEntries)
	close(w.runLogs)
	w.wg.Wait()
}

// LogAudit enqueues an audit event. It never blocks the caller; if the
// buffer is full the entry is dropped and a warning is logged.
func (w *Writer) LogAudit(entry AuditEntry) {
	select {
	case w.auditEntries <- entry:
	default:
		w.logger.Warn("audit log buffer full, dropping entry",
			"action", entry.Action, "entity_type", entry.EntityType)
	}
}

// LogRun enqueues a job_run_logs row for runID.
func (w *Writer) LogRun(runID, level, message string, context map[string]any) {
	select {
	case w.runLogs <- RunLogEntry{RunID: runID, Level: level, Message: message, Context: context}:
	default:
		w.logger.Warn("job run log buffer full, dropping entry", "run_id", runID, "message", message)
	}
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	auditBatch := make([]AuditEntry, 0, flushBatch)
	runLogBatch := make([]RunLogEntry, 0, flushBatch)

	flush := func() {
		if len(auditBatch) > 0 {
			w.flushAudit(auditBatch)
			auditBatch = auditBatch[:0]
		}
		if len(runLogBatch) > 0 {
			w.flushRunLogs(runLogBatch)
			runLogBatch = runLogBatch[:0]
		}
	}

	auditClosed, runLogsClosed := false, false
	for {
		select {
		case entry, ok := <-w.auditEntries:
			if !ok {
				auditClosed = true
				w.auditEntries = nil
				if runLogsClosed {
					flush()
					return
				}
				continue
			}
			auditBatch = append(auditBatch, entry)
			if len(auditBatch) >= flushBatch {
				flush()
			}
		case entry, ok := <-w.runLogs:
			if !ok {
				runLogsClosed = true
				w.runLogs = nil
				if auditClosed {
					flush()
					return
				}
				continue
			}
			runLogBatch = append(runLogBatch, entry)
			if len(runLogBatch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			flush()
			return
		}
	}
}

func (w *Writer) flushAudit(entries []AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		details, err := json.Marshal(e.Details)
		if err != nil {
			details = []byte("{}")
		}
		rows = append(rows, []any{
			uuid.NewString(), e.Actor.OID, e.Actor.UPN, e.Actor.Name,
			e.Action, e.EntityType, e.EntityID, details,
		})
	}

	_, err := store.BulkInsert(ctx, w.gateway.Pool, "audit_events",
		[]string{"event_id", "actor_oid", "actor_upn", "actor_name", "action", "entity_type", "entity_id", "details"},
		"", rows, len(rows))
	if err != nil {
		w.logger.Error("failed to flush audit events", "error", err, "count", len(entries))
	}
}

func (w *Writer) flushRunLogs(entries []RunLogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		context, err := json.Marshal(e.Context)
		if err != nil {
			context = []byte("{}")
		}
		rows = append(rows, []any{e.RunID, e.Level, e.Message, context})
	}

	_, err := store.BulkInsert(ctx, w.gateway.Pool, "job_run_logs",
		[]string{"run_id", "level", "message", "context"}, "", rows, len(rows))
	if err != nil {
		w.logger.Error("failed to flush job run logs", "error", err, "count", len(entries))
	}
}
