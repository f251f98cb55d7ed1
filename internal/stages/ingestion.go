package stages

import (
	"context"
	"fmt"
	"sync"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/warden/internal/ingest"
	"github.com/linnemanlabs/warden/internal/pipeline"
	"github.com/linnemanlabs/warden/internal/registry"
)

// maxAnalyzedAlerts caps the alerts handed on to triage.
const maxAnalyzedAlerts = 20

type ingestion struct {
	*base
	store     pipeline.Store
	source    CaseSource
	collector *ingest.Collector
	logger    log.Logger
}

func newIngestion(d Deps) *ingestion {
	a := &ingestion{
		base:      newBase(pipeline.StageIngestion, "fetch a case with its alerts and observables and store them"),
		store:     d.Store,
		source:    d.Source,
		collector: d.Collector,
		logger:    d.Logger,
	}
	a.handle = a.ingest
	return a
}

func (a *ingestion) ingest(ctx context.Context, in registry.Payload) (registry.Payload, error) {
	id, err := caseID(in)
	if err != nil {
		return nil, err
	}

	body, _ := in[keyCase].(map[string]any)
	if len(body) == 0 {
		if a.source == nil {
			return nil, pipeline.Invalid(keyCase, "no case body and no case source configured")
		}
		if body, err = a.source.GetCase(ctx, id); err != nil {
			return nil, fmt.Errorf("fetch case %s: %w", id, err)
		}
	}

	rec := pipeline.Record{
		"case_id":     id,
		"workflow_id": workflowID(in),
		"title":       stringField(body, "title", "name"),
		"severity":    body["severity"],
		"status":      body["status"],
		"data":        body,
		"ingested_at": nowString(),
	}
	if err := a.store.Upsert(ctx, pipeline.TableCases, rec, "case_id"); err != nil {
		return nil, fmt.Errorf("store case %s: %w", id, err)
	}

	out := registry.Payload{keyCase: body}
	if a.source == nil {
		out[keyIngestion] = map[string]any{"collected": false}
		return out, nil
	}

	var mu sync.Mutex
	var alerts []map[string]any
	alertSum, err := a.collector.Collect(ctx, id, ingest.KindAlerts,
		func(ctx context.Context, skip, limit int) ([]ingest.Item, error) {
			return a.source.GetCaseAlerts(ctx, id, skip, limit)
		},
		func(ctx context.Context, item ingest.Item) error {
			mu.Lock()
			if len(alerts) < maxAnalyzedAlerts {
				alerts = append(alerts, item)
			}
			mu.Unlock()
			return storeItem(ctx, a.store, pipeline.TableCaseAlerts, id, item, "alert_id")
		})
	if err != nil {
		return nil, fmt.Errorf("collect alerts for %s: %w", id, err)
	}

	obsSum, err := a.collector.Collect(ctx, id, ingest.KindObservables,
		func(ctx context.Context, skip, limit int) ([]ingest.Item, error) {
			return a.source.GetCaseObservables(ctx, id, skip, limit)
		},
		func(ctx context.Context, item ingest.Item) error {
			return storeItem(ctx, a.store, pipeline.TableCaseObservables, id, item, "observable_id")
		})
	if err != nil {
		return nil, fmt.Errorf("collect observables for %s: %w", id, err)
	}

	a.logger.Info(ctx, "case ingested",
		"case_id", id,
		"alerts", alertSum.Succeeded,
		"observables", obsSum.Succeeded,
		"failed", alertSum.Failed+obsSum.Failed,
	)
	out[keyAlerts] = alerts
	out[keyIngestion] = map[string]any{
		"collected":   true,
		"alerts":      alertSum,
		"observables": obsSum,
	}
	return out, nil
}

// storeItem writes one collected item keyed by case and item id so that a
// retried collection overwrites instead of duplicating.
func storeItem(ctx context.Context, store pipeline.Store, table, caseID string, item map[string]any, idKey string) error {
	itemID := stringField(item, "_id", "id", idKey)
	if itemID == "" {
		itemID = ulid.Make().String()
	}
	rec := pipeline.Record{
		"id":           caseID + ":" + itemID,
		"case_id":      caseID,
		idKey:          itemID,
		"data":         item,
		"collected_at": nowString(),
	}
	return store.Upsert(ctx, table, rec, "id")
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
