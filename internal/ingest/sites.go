package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wisbric/graphsync/internal/applog"
	"github.com/wisbric/graphsync/internal/graphclient"
)

const sitesSelect = "id,name,displayName,webUrl,createdDateTime,siteCollection,sharepointIds,isPersonalSite"

const sitesActiveColumns = "id, name, web_url, hostname, site_collection_id, created_dt, synced_at, deleted_at, raw_json"

const sitesActiveConflictClause = `ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	web_url = EXCLUDED.web_url,
	hostname = EXCLUDED.hostname,
	site_collection_id = EXCLUDED.site_collection_id,
	created_dt = EXCLUDED.created_dt,
	synced_at = EXCLUDED.synced_at,
	deleted_at = NULL,
	raw_json = EXCLUDED.raw_json`

const sitesRemovedColumns = "id, synced_at, deleted_at, raw_json"

const sitesRemovedConflictClause = `ON CONFLICT (id) DO UPDATE SET
	synced_at = EXCLUDED.synced_at,
	deleted_at = EXCLUDED.deleted_at,
	raw_json = EXCLUDED.raw_json`

// normalizedSite holds the few columns the sites stage actually writes,
// leaving everything else in raw_json, matching _normalize_site.
type normalizedSite struct {
	id, name, webURL, hostname, siteCollectionID, createdDT string
}

func normalizeSite(site map[string]any) normalizedSite {
	siteCollection, _ := site["siteCollection"].(map[string]any)
	sharepointIDs, _ := site["sharepointIds"].(map[string]any)

	siteID := stringOrEmpty(site, "id")
	hostname := stringOrEmpty(siteCollection, "hostname")
	if hostname == "" {
		hostname = stringOrEmpty(siteCollection, "hostName")
	}
	siteCollectionID := stringOrEmpty(sharepointIDs, "siteId")
	if siteCollectionID == "" {
		siteCollectionID = stringOrEmpty(siteCollection, "id")
	}
	if siteID != "" && strings.Count(siteID, ",") >= 2 {
		parts := strings.SplitN(siteID, ",", 3)
		if hostname == "" {
			hostname = parts[0]
		}
		if siteCollectionID == "" {
			siteCollectionID = parts[1]
		}
	}

	name := stringOrEmpty(site, "name")
	if name == "" {
		name = stringOrEmpty(site, "displayName")
	}

	return normalizedSite{
		id:               siteID,
		name:             name,
		webURL:           stringOrEmpty(site, "webUrl"),
		hostname:         hostname,
		siteCollectionID: siteCollectionID,
		createdDT:        stringOrEmpty(site, "createdDateTime"),
	}
}

// IngestSites implements the delta-with-list-fallback sites stage (§4.4.3).
// On a GraphError mid-delta, all delta-mode work for this pass is discarded
// (never committed to the caller's counters) and the stage re-lists from
// scratch; the durable cursor is only advanced on a clean delta pass.
func IngestSites(ctx context.Context, d Deps, runID string) (Counters, error) {
	syncedAt := time.Now().UTC()
	flushEvery := d.flushEvery()
	activeColumns := strings.Split(sitesActiveColumns, ", ")
	removedColumns := strings.Split(sitesRemovedColumns, ", ")

	deltaLink, err := getDeltaLink(ctx, d.Gateway.Pool, "sites", "global")
	if err != nil {
		return nil, err
	}
	nextURL := deltaLink
	if nextURL == "" {
		nextURL = fmt.Sprintf("/sites/delta?$select=%s&$top=999", sitesSelect)
	}

	counters := Counters{}
	mode := "delta"
	var activeBatch, removedBatch [][]any
	var newDeltaLink string

	flushActive := func() error {
		if len(activeBatch) == 0 {
			return nil
		}
		deduped, dropped := dedupeKeepLast(activeBatch, func(row []any) string { id, _ := row[0].(string); return id })
		if len(deduped) > 0 {
			if _, err := upsert(ctx, d, "msgraph_sites", activeColumns, sitesActiveConflictClause, deduped); err != nil {
				return err
			}
		}
		counters.inc("upserted", len(deduped))
		counters.inc("dropped_duplicates", dropped)
		activeBatch = nil
		return nil
	}
	flushRemoved := func() error {
		if len(removedBatch) == 0 {
			return nil
		}
		deduped, dropped := dedupeKeepLast(removedBatch, func(row []any) string { id, _ := row[0].(string); return id })
		if len(deduped) > 0 {
			if _, err := upsert(ctx, d, "msgraph_sites", removedColumns, sitesRemovedConflictClause, deduped); err != nil {
				return err
			}
		}
		counters.inc("removed_upserted", len(deduped))
		counters.inc("dropped_duplicates", dropped)
		removedBatch = nil
		return nil
	}

	deltaErr := func() error {
		for nextURL != "" {
			page, err := d.Client.GetPage(ctx, nextURL)
			if err != nil {
				return err
			}
			for _, site := range page.Items {
				siteID := stringOrEmpty(site, "id")
				if siteID == "" {
					continue
				}
				counters.inc("total_seen", 1)
				if _, removed := site["@removed"]; removed {
					removedBatch = append(removedBatch, []any{siteID, syncedAt, syncedAt, jsonbOf(site)})
				} else {
					n := normalizeSite(site)
					activeBatch = append(activeBatch, []any{n.id, n.name, n.webURL, n.hostname, n.siteCollectionID, n.createdDT, syncedAt, nil, jsonbOf(site)})
				}
				if len(activeBatch) >= flushEvery {
					if err := flushActive(); err != nil {
						return err
					}
				}
				if len(removedBatch) >= flushEvery {
					if err := flushRemoved(); err != nil {
						return err
					}
				}
			}
			nextURL = page.NextLink
			if page.DeltaLink != "" {
				newDeltaLink = page.DeltaLink
			}
		}
		return nil
	}()

	if deltaErr != nil {
		if _, ok := deltaErr.(*graphclient.GraphError); !ok {
			return counters, fmt.Errorf("delta sync sites: %w", deltaErr)
		}

		mode = "list_fallback"
		applog.Emit(d.Logger, "WARN", applog.ActorIngest, "sites_delta_failed_fallback_to_list", "run_id", runID, "error", deltaErr)
		d.logRun(runID, "WARN", "sites_delta_failed_fallback_to_list", map[string]any{"error": deltaErr.Error()})

		counters = Counters{}
		activeBatch, removedBatch = nil, nil

		_, err := d.Client.EachPage(ctx, fmt.Sprintf("/sites?search=*&$select=%s&$top=999", sitesSelect), func(page graphclient.Page) error {
			for _, site := range page.Items {
				siteID := stringOrEmpty(site, "id")
				if siteID == "" {
					continue
				}
				counters.inc("total_seen", 1)
				n := normalizeSite(site)
				activeBatch = append(activeBatch, []any{n.id, n.name, n.webURL, n.hostname, n.siteCollectionID, n.createdDT, syncedAt, nil, jsonbOf(site)})
				if len(activeBatch) >= flushEvery {
					if err := flushActive(); err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err != nil {
			return counters, fmt.Errorf("list fallback sites: %w", err)
		}
	}

	if err := flushActive(); err != nil {
		return counters, err
	}
	if err := flushRemoved(); err != nil {
		return counters, err
	}

	if mode == "delta" && newDeltaLink != "" {
		if err := setDeltaLink(ctx, d.Gateway.Pool, "sites", "global", newDeltaLink); err != nil {
			return counters, err
		}
	}

	counters["mode"] = mode
	applog.Emit(d.Logger, "INFO", applog.ActorIngest, "sites_ingested", "run_id", runID, "counters", map[string]any(counters))
	d.logRun(runID, "INFO", "sites_ingested", map[string]any(counters))
	return counters, nil
}
