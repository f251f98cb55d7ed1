package analysis

import "strings"

// Upstream case statuses set by the containment stage.
const (
	CaseResolved   = "resolved"
	CaseMonitoring = "monitoring"
	CaseEscalated  = "escalated"
)

// Decision is what the pipeline does with a case after triage.
type Decision struct {
	NeedsInvestigation   bool     `json:"needs_investigation"`
	Priority             int      `json:"priority"`
	AutomatedActions     []string `json:"automated_actions"`
	RequiredHumanActions []string `json:"required_human_actions"`
	CaseStatus           string   `json:"case_status"`
}

// Decide derives the decision for a. Low risk closes automatically, medium
// risk is monitored, anything higher goes to manual review.
func Decide(a Analysis) Decision {
	d := Decision{
		NeedsInvestigation:   a.RiskLevel > 7 || a.NeedsHuman,
		Priority:             Priority(a),
		AutomatedActions:     []string{},
		RequiredHumanActions: []string{},
	}

	switch {
	case a.RiskLevel <= 3:
		d.AutomatedActions = append(d.AutomatedActions, "auto_close")
	case a.RiskLevel <= 5:
		d.AutomatedActions = append(d.AutomatedActions, "auto_monitor")
	default:
		d.RequiredHumanActions = append(d.RequiredHumanActions, "manual_review")
	}

	for _, rec := range a.Recommendations {
		switch {
		case strings.HasPrefix(rec, "auto_"):
			d.AutomatedActions = append(d.AutomatedActions, rec)
		case strings.HasPrefix(rec, "manual_"):
			d.RequiredHumanActions = append(d.RequiredHumanActions, rec)
		}
	}

	switch {
	case a.NeedsHuman || len(d.RequiredHumanActions) > 0:
		d.CaseStatus = CaseEscalated
	case a.RiskLevel <= 3:
		d.CaseStatus = CaseResolved
	default:
		d.CaseStatus = CaseMonitoring
	}
	return d
}

// Priority maps an analysis to 0..10: risk*1.5, at least 7 when a human is
// needed, one higher with more than three risk factors.
func Priority(a Analysis) int {
	p := min(int(float64(a.RiskLevel)*1.5), 10)
	if a.NeedsHuman {
		p = max(p, 7)
	}
	if len(a.RiskFactors) > 3 {
		p++
	}
	return min(p, 10)
}
