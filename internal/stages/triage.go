package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/analysis"
	"github.com/linnemanlabs/warden/internal/pipeline"
	"github.com/linnemanlabs/warden/internal/registry"
)

type triage struct {
	*base
	store    pipeline.Store
	analyzer Analyzer
	logger   log.Logger
}

func newTriage(d Deps) *triage {
	a := &triage{
		base:     newBase(pipeline.StageTriage, "assess case risk with the AI analyst and decide the next steps"),
		store:    d.Store,
		analyzer: d.Analyzer,
		logger:   d.Logger,
	}
	a.handle = a.analyze
	return a
}

func (a *triage) analyze(ctx context.Context, in registry.Payload) (registry.Payload, error) {
	id, err := caseID(in)
	if err != nil {
		return nil, err
	}
	L := a.logger.With("case_id", id)

	var result analysis.Analysis
	if a.analyzer == nil {
		L.Warn(ctx, "no analyzer configured, using conservative analysis")
		result = analysis.Conservative()
	} else {
		input := map[string]any{"case_id": id}
		if body, ok := in[keyCase].(map[string]any); ok {
			input[keyCase] = body
		}
		if alerts, ok := in[keyAlerts].([]map[string]any); ok && len(alerts) > 0 {
			input[keyAlerts] = alerts
		}

		text, err := a.analyzer.Analyze(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("analyze case %s: %w", id, err)
		}
		result, err = analysis.Parse(text)
		if errors.Is(err, analysis.ErrMalformedResponse) {
			L.Warn(ctx, "malformed analysis response, using conservative analysis", "err", err.Error())
		}
	}

	decision := analysis.Decide(result)
	decisionID := workflowID(in)
	if decisionID == "" {
		decisionID = id
	}
	rec := pipeline.Record{
		"decision_id":            decisionID,
		"case_id":                id,
		"risk_level":             result.RiskLevel,
		"needs_human":            result.NeedsHuman,
		"parse_failed":           result.ParseFailed,
		"risk_factors":           result.RiskFactors,
		"recommendations":        result.Recommendations,
		"needs_investigation":    decision.NeedsInvestigation,
		"priority":               decision.Priority,
		"automated_actions":      decision.AutomatedActions,
		"required_human_actions": decision.RequiredHumanActions,
		"case_status":            decision.CaseStatus,
		"decided_at":             nowString(),
	}
	if err := a.store.Upsert(ctx, pipeline.TableCaseDecisions, rec, "decision_id"); err != nil {
		return nil, fmt.Errorf("store decision for %s: %w", id, err)
	}

	L.Info(ctx, "case triaged",
		"risk_level", result.RiskLevel,
		"priority", decision.Priority,
		"needs_investigation", decision.NeedsInvestigation,
		"parse_failed", result.ParseFailed,
	)
	return registry.Payload{keyAnalysis: result, keyDecision: decision}, nil
}
