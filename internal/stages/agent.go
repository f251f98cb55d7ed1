// Package stages holds the agents that execute each pipeline stage. Every
// agent registers one capability on the registry and keeps its own request
// statistics for the supervisor.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/analysis"
	"github.com/linnemanlabs/warden/internal/casesource"
	"github.com/linnemanlabs/warden/internal/ingest"
	"github.com/linnemanlabs/warden/internal/pipeline"
	"github.com/linnemanlabs/warden/internal/registry"
	"github.com/linnemanlabs/warden/internal/supervisor"
)

// CaseSource is the subset of the case API the stages use.
type CaseSource interface {
	GetCase(ctx context.Context, caseID string) (casesource.Case, error)
	GetCaseAlerts(ctx context.Context, caseID string, skip, limit int) ([]map[string]any, error)
	GetCaseObservables(ctx context.Context, caseID string, skip, limit int) ([]map[string]any, error)
	GetCaseActivities(ctx context.Context, caseID string, skip, limit int) ([]map[string]any, error)
	UpdateCaseStatus(ctx context.Context, caseID string, u casesource.StatusUpdate) error
}

// Analyzer returns a free-text risk assessment of a case.
type Analyzer interface {
	Analyze(ctx context.Context, caseData map[string]any) (string, error)
}

// Deps are the collaborators shared by all stage agents. Source and
// Analyzer may be nil: ingestion then relies on the enqueued case body,
// containment skips the upstream update and triage falls back to the
// conservative analysis.
type Deps struct {
	Registry  *registry.Registry
	Store     pipeline.Store
	Source    CaseSource
	Analyzer  Analyzer
	Collector *ingest.Collector
	Logger    log.Logger
}

// Agent is a registered stage executor.
type Agent interface {
	ID() string
	Stage() pipeline.Stage
	Register(reg *registry.Registry) error
	Health(ctx context.Context) (supervisor.Health, error)
	Snapshot(ctx context.Context) ([]byte, error)
	Restore(ctx context.Context, state []byte) error
}

// AgentID is the registry provider id for a stage.
func AgentID(s pipeline.Stage) string { return string(s) + "-agent" }

// New builds one agent per pipeline stage in pipeline order.
func New(d Deps) []Agent {
	if d.Collector == nil {
		d.Collector = ingest.NewCollector(nil, d.Logger)
	}
	return []Agent{
		newIngestion(d),
		newTriage(d),
		newInvestigation(d),
		newContainment(d),
		newReview(d),
	}
}

// RegisterAll registers every agent's capability.
func RegisterAll(reg *registry.Registry, agents []Agent) error {
	for _, a := range agents {
		if err := a.Register(reg); err != nil {
			return fmt.Errorf("register %s: %w", a.ID(), err)
		}
	}
	return nil
}

// counters is the state an agent snapshots and restores.
type counters struct {
	Requests     int64         `json:"requests"`
	Errors       int64         `json:"errors"`
	TotalTime    time.Duration `json:"total_time"`
	LastError    string        `json:"last_error,omitempty"`
	LastActivity time.Time     `json:"last_activity,omitzero"`
}

// base carries identity and statistics for every stage agent.
type base struct {
	id          string
	stage       pipeline.Stage
	description string
	handle      registry.Handler

	mu sync.Mutex
	c  counters
}

func newBase(stage pipeline.Stage, description string) *base {
	return &base{id: AgentID(stage), stage: stage, description: description}
}

func (b *base) ID() string            { return b.id }
func (b *base) Stage() pipeline.Stage { return b.stage }

func (b *base) Register(reg *registry.Registry) error {
	return reg.Register(b.id, registry.Capability{
		Name:        b.stage.Capability(),
		Description: b.description,
		Handler:     b.run,
	})
}

func (b *base) run(ctx context.Context, in registry.Payload) (registry.Payload, error) {
	start := time.Now()
	out, err := b.handle(ctx, in)
	b.observe(time.Since(start), err)
	return out, err
}

func (b *base) observe(d time.Duration, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.c.Requests++
	b.c.TotalTime += d
	b.c.LastActivity = time.Now()
	if err != nil {
		b.c.Errors++
		b.c.LastError = err.Error()
	}
}

func (b *base) Health(context.Context) (supervisor.Health, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := supervisor.Health{
		Requests:     b.c.Requests,
		Errors:       b.c.Errors,
		LastError:    b.c.LastError,
		LastActivity: b.c.LastActivity,
	}
	if b.c.Requests > 0 {
		h.AvgDuration = b.c.TotalTime / time.Duration(b.c.Requests)
	}
	return h, nil
}

func (b *base) Snapshot(context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return json.Marshal(b.c)
}

func (b *base) Restore(_ context.Context, state []byte) error {
	var c counters
	if err := json.Unmarshal(state, &c); err != nil {
		return fmt.Errorf("restore %s: %w", b.id, err)
	}
	b.mu.Lock()
	b.c = c
	b.mu.Unlock()
	return nil
}

// Payload keys passed between stages.
const (
	keyCase          = "case"
	keyAlerts        = "alerts"
	keyAnalysis      = "analysis"
	keyDecision      = "decision"
	keyIngestion     = "ingestion"
	keyInvestigation = "investigation"
	keyContainment   = "containment"
	keyReview        = "review"
)

func caseID(in registry.Payload) (string, error) {
	id, _ := in["case_id"].(string)
	if id == "" {
		return "", pipeline.Invalid("case_id", "missing from stage input")
	}
	return id, nil
}

func workflowID(in registry.Payload) string {
	id, _ := in["workflow_id"].(string)
	return id
}

func analysisFrom(in registry.Payload) (analysis.Analysis, error) {
	a, ok := in[keyAnalysis].(analysis.Analysis)
	if !ok {
		return analysis.Analysis{}, pipeline.Invalid(keyAnalysis, "missing from stage input")
	}
	return a, nil
}

func decisionFrom(in registry.Payload) (analysis.Decision, error) {
	d, ok := in[keyDecision].(analysis.Decision)
	if !ok {
		return analysis.Decision{}, pipeline.Invalid(keyDecision, "missing from stage input")
	}
	return d, nil
}

func nowString() string { return time.Now().UTC().Format(time.RFC3339Nano) }
