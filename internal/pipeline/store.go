package pipeline

import (
	"context"
	"fmt"
	"time"
)

// Persisted tables. Stores may reject any other name.
const (
	TableWorkflows       = "workflows"
	TableWorkflowErrors  = "workflow_errors"
	TableAgentErrors     = "agent_errors"
	TableAgentMetrics    = "agent_metrics"
	TableStuckAnalyses   = "stuck_workflow_analyses"
	TableOptimizations   = "optimization_recommendations"
	TableAgentSnapshots  = "agent_snapshots"
	TableCases           = "cases"
	TableCaseAlerts      = "case_alerts"
	TableCaseObservables = "case_observables"
	TableCaseActivities  = "case_activities"
	TableCaseDecisions   = "case_decisions"
	TableCaseReviews     = "case_reviews"
)

// Tables lists every table name the pipeline and its stages write.
var Tables = []string{
	TableWorkflows,
	TableWorkflowErrors,
	TableAgentErrors,
	TableAgentMetrics,
	TableStuckAnalyses,
	TableOptimizations,
	TableAgentSnapshots,
	TableCases,
	TableCaseAlerts,
	TableCaseObservables,
	TableCaseActivities,
	TableCaseDecisions,
	TableCaseReviews,
}

// Record is one persisted row, keyed by column name.
type Record map[string]any

// String returns the value at key rendered as a string, "" when absent.
func (r Record) String(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Time parses an RFC 3339 value at key, zero when absent or malformed.
func (r Record) Time(key string) time.Time {
	switch v := r[key].(type) {
	case time.Time:
		return v
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}
		}
		return t
	}
	return time.Time{}
}

// Store is the persistence collaborator. Upsert inserts rec or replaces the
// existing row whose conflictKey column matches. Select returns every row of
// table whose columns equal all of filter's entries.
type Store interface {
	Upsert(ctx context.Context, table string, rec Record, conflictKey string) error
	Select(ctx context.Context, table string, filter Record) ([]Record, error)
}

// KnownTable reports whether name is one of Tables.
func KnownTable(name string) bool {
	for _, t := range Tables {
		if t == name {
			return true
		}
	}
	return false
}
