package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/wisbric/graphsync/internal/applog"
	"github.com/wisbric/graphsync/internal/audit"
	"github.com/wisbric/graphsync/internal/identity"
)

// defaultStageOrder mirrors run_graph_ingest's stage_order.
var defaultStageOrder = []string{
	"users", "groups", "group_memberships", "sites", "drives", "drive_items", "permissions",
}

// RunConfig captures the per-job knobs run_graph_ingest reads off the job's
// stored config column.
type RunConfig struct {
	PullPermissions           bool
	SyncGroupMemberships      bool
	GroupMembershipsUsersOnly bool
	Stages                    []string
	SkipStages                map[string]bool
}

// DefaultRunConfig matches the source worker's defaults: every stage on,
// memberships restricted to user members only.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		PullPermissions:           true,
		SyncGroupMemberships:      true,
		GroupMembershipsUsersOnly: true,
		SkipStages:                map[string]bool{},
	}
}

// RunGraphIngest drives every configured ingest stage in order, recording a
// per-stage result under the run's job_run_logs and a single start/complete
// audit pair. A stage error aborts the remaining stages and propagates to
// the caller (the scheduler marks the run failed); partial stage results
// already recorded stay in stages.
func RunGraphIngest(ctx context.Context, d Deps, runID, jobID string, cfg RunConfig, actor audit.Actor) (map[string]any, error) {
	startedAt := time.Now().UTC()

	if d.Audit != nil {
		d.Audit.LogAudit(audit.AuditEntry{
			Actor: actor, Action: "graph_ingest_started", EntityType: "job_run", EntityID: runID,
			Details: map[string]any{"job_id": jobID},
		})
	}
	d.logRun(runID, "INFO", "graph_ingest_started", map[string]any{"job_id": jobID, "started_at": startedAt.Format(time.RFC3339)})

	stageOrder := defaultStageOrder
	if len(cfg.Stages) > 0 {
		stageOrder = cfg.Stages
	}

	stages := map[string]any{}
	for _, stage := range stageOrder {
		if cfg.SkipStages[stage] {
			stages[stage] = map[string]any{"skipped": true}
			continue
		}

		d.logRun(runID, "INFO", fmt.Sprintf("stage_started:%s", stage), map[string]any{"job_id": jobID})

		var result Counters
		var err error
		switch stage {
		case "users":
			result, err = IngestUsers(ctx, d, runID)
			if err == nil {
				if refreshed, loadErr := identity.LoadUserMaps(ctx, d.Gateway.Pool); loadErr == nil {
					d.Users = refreshed
				} else {
					applog.Emit(d.Logger, "WARN", applog.ActorIngest, "user_maps_refresh_failed", "run_id", runID, "error", loadErr)
				}
			}
		case "groups":
			result, err = IngestGroups(ctx, d, runID)
		case "group_memberships":
			if !cfg.SyncGroupMemberships {
				stages[stage] = map[string]any{"skipped": true, "reason": "sync_group_memberships_disabled"}
				continue
			}
			result, err = IngestGroupMemberships(ctx, d, runID, cfg.GroupMembershipsUsersOnly)
		case "sites":
			result, err = IngestSites(ctx, d, runID)
		case "drives":
			result, err = IngestDrives(ctx, d, runID)
		case "drive_items":
			result, err = IngestDriveItems(ctx, d, runID)
		case "permissions":
			if !cfg.PullPermissions {
				stages[stage] = map[string]any{"skipped": true, "reason": "pull_permissions_disabled"}
				continue
			}
			result, err = IngestPermissions(ctx, d, runID)
		default:
			stages[stage] = map[string]any{"skipped": true, "reason": "unknown_stage"}
			continue
		}

		if err != nil {
			stages[stage] = map[string]any{"error": err.Error()}
			return stages, fmt.Errorf("stage %s: %w", stage, err)
		}
		stages[stage] = map[string]any(result)
	}

	d.logRun(runID, "INFO", "graph_ingest_completed", map[string]any{
		"job_id": jobID, "stages": stages, "started_at": startedAt.Format(time.RFC3339),
	})
	if d.Audit != nil {
		d.Audit.LogAudit(audit.AuditEntry{
			Actor: actor, Action: "graph_ingest_completed", EntityType: "job_run", EntityID: runID,
			Details: map[string]any{"job_id": jobID, "stages": stages},
		})
	}
	applog.Emit(d.Logger, "INFO", applog.ActorIngest, "graph_ingest_completed", "run_id", runID, "job_id", jobID)
	return stages, nil
}
