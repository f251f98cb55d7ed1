package stages

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/warden/internal/casesource"
	"github.com/linnemanlabs/warden/internal/pipeline"
	"github.com/linnemanlabs/warden/internal/registry"
)

type containment struct {
	*base
	source CaseSource
}

func newContainment(d Deps) *containment {
	a := &containment{
		base:   newBase(pipeline.StageContainment, "write the triage outcome back to the upstream case"),
		source: d.Source,
	}
	a.handle = a.contain
	return a
}

func (a *containment) contain(ctx context.Context, in registry.Payload) (registry.Payload, error) {
	id, err := caseID(in)
	if err != nil {
		return nil, err
	}
	decision, err := decisionFrom(in)
	if err != nil {
		return nil, err
	}

	out := map[string]any{"case_status": decision.CaseStatus, "updated": false}
	if a.source == nil {
		return registry.Payload{keyContainment: out}, nil
	}

	err = a.source.UpdateCaseStatus(ctx, id, casesource.StatusUpdate{
		Status:               decision.CaseStatus,
		Priority:             decision.Priority,
		AutomatedActions:     decision.AutomatedActions,
		RequiredHumanActions: decision.RequiredHumanActions,
	})
	if err != nil {
		return nil, fmt.Errorf("update case %s: %w", id, err)
	}
	out["updated"] = true
	return registry.Payload{keyContainment: out}, nil
}
