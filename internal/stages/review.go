package stages

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/warden/internal/pipeline"
	"github.com/linnemanlabs/warden/internal/registry"
)

type review struct {
	*base
	store pipeline.Store
	reg   *registry.Registry
}

func newReview(d Deps) *review {
	a := &review{
		base:  newBase(pipeline.StageReview, "record the case outcome and flag cases that need a human"),
		store: d.Store,
		reg:   d.Registry,
	}
	a.handle = a.review
	return a
}

func (a *review) review(ctx context.Context, in registry.Payload) (registry.Payload, error) {
	id, err := caseID(in)
	if err != nil {
		return nil, err
	}
	result, err := analysisFrom(in)
	if err != nil {
		return nil, err
	}
	decision, err := decisionFrom(in)
	if err != nil {
		return nil, err
	}

	reviewID := workflowID(in)
	if reviewID == "" {
		reviewID = id
	}
	rec := pipeline.Record{
		"review_id":              reviewID,
		"case_id":                id,
		"risk_level":             result.RiskLevel,
		"needs_human":            result.NeedsHuman,
		"parse_failed":           result.ParseFailed,
		"priority":               decision.Priority,
		"case_status":            decision.CaseStatus,
		"automated_actions":      decision.AutomatedActions,
		"required_human_actions": decision.RequiredHumanActions,
		"reviewed_at":            nowString(),
	}
	if inv, ok := in[keyInvestigation].(map[string]any); ok {
		rec["investigated"] = inv["skipped"] == false
	}
	if err := a.store.Upsert(ctx, pipeline.TableCaseReviews, rec, "review_id"); err != nil {
		return nil, fmt.Errorf("store review for %s: %w", id, err)
	}

	if result.NeedsHuman && a.reg != nil {
		a.reg.Publish(pipeline.TopicNeedsHuman, registry.Payload{
			"priority":               pipeline.PriorityHigh,
			"case_id":                id,
			"workflow_id":            workflowID(in),
			"risk_level":             result.RiskLevel,
			"case_priority":          decision.Priority,
			"required_human_actions": decision.RequiredHumanActions,
		})
	}
	return registry.Payload{keyReview: map[string]any{"needs_human": result.NeedsHuman, "priority": decision.Priority}}, nil
}
