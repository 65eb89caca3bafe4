package ingest

import (
	"log/slog"
	"time"

	"github.com/wisbric/graphsync/internal/audit"
	"github.com/wisbric/graphsync/internal/graphclient"
	"github.com/wisbric/graphsync/internal/identity"
	"github.com/wisbric/graphsync/internal/store"
)

// Deps bundles the collaborators every stage needs: a store gateway for
// writes, an API client for reads, the resolved user maps, and sinks for
// structured logging and the run-scoped job log.
type Deps struct {
	Gateway *store.Gateway
	Client  *graphclient.Client
	Users   *identity.UserMaps
	Logger  *slog.Logger
	Audit   *audit.Writer

	FlushEvery            int
	PageSize              int
	PermissionsBatchSize  int
	PermissionsStaleAfter time.Duration
	MaxConcurrency        int
}

// pageSize returns d.PageSize, defaulting to 200 to match the source
// worker's GRAPH_PAGE_SIZE default.
func (d Deps) pageSize() int {
	if d.PageSize <= 0 {
		return 200
	}
	return d.PageSize
}

// flushEvery returns d.FlushEvery, defaulting to 500 to match the source
// worker's FLUSH_EVERY default.
func (d Deps) flushEvery() int {
	if d.FlushEvery <= 0 {
		return 500
	}
	return d.FlushEvery
}

func (d Deps) logRun(runID, level, message string, context map[string]any) {
	if d.Audit != nil {
		d.Audit.LogRun(runID, level, message, context)
	}
}

// Counters is the per-stage result shape returned to the scheduler and
// written to job_run_logs.
type Counters map[string]any

func (c Counters) inc(key string, n int) {
	cur, _ := c[key].(int)
	c[key] = cur + n
}

// stringOrEmpty reads a string field from a loosely-typed upstream object,
// returning "" when absent or of the wrong type.
func stringOrEmpty(obj map[string]any, key string) string {
	if v, ok := obj[key].(string); ok {
		return v
	}
	return ""
}

func boolOrNil(obj map[string]any, key string) any {
	if v, ok := obj[key]; ok {
		return v
	}
	return nil
}
