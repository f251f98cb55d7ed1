package stages

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/warden/internal/ingest"
	"github.com/linnemanlabs/warden/internal/pipeline"
	"github.com/linnemanlabs/warden/internal/registry"
)

type investigation struct {
	*base
	store     pipeline.Store
	source    CaseSource
	collector *ingest.Collector
}

func newInvestigation(d Deps) *investigation {
	a := &investigation{
		base:      newBase(pipeline.StageInvestigation, "collect the activity log of cases that need investigation"),
		store:     d.Store,
		source:    d.Source,
		collector: d.Collector,
	}
	a.handle = a.investigate
	return a
}

func (a *investigation) investigate(ctx context.Context, in registry.Payload) (registry.Payload, error) {
	id, err := caseID(in)
	if err != nil {
		return nil, err
	}
	decision, err := decisionFrom(in)
	if err != nil {
		return nil, err
	}

	if !decision.NeedsInvestigation {
		return registry.Payload{keyInvestigation: map[string]any{"skipped": true, "reason": "not required"}}, nil
	}
	if a.source == nil {
		return registry.Payload{keyInvestigation: map[string]any{"skipped": true, "reason": "no case source"}}, nil
	}

	sum, err := a.collector.Collect(ctx, id, ingest.KindActivities,
		func(ctx context.Context, skip, limit int) ([]ingest.Item, error) {
			return a.source.GetCaseActivities(ctx, id, skip, limit)
		},
		func(ctx context.Context, item ingest.Item) error {
			return storeItem(ctx, a.store, pipeline.TableCaseActivities, id, item, "activity_id")
		})
	if err != nil {
		return nil, fmt.Errorf("collect activities for %s: %w", id, err)
	}
	return registry.Payload{keyInvestigation: map[string]any{"skipped": false, "activities": sum}}, nil
}
