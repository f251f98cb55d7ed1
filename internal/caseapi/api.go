// Package caseapi exposes case submission and workflow inspection over HTTP.
package caseapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/authmw"
	"github.com/linnemanlabs/warden/internal/pipeline"
	"github.com/linnemanlabs/warden/internal/supervisor"
)

// Coordinator defines the workflow operations caseapi needs.
type Coordinator interface {
	Enqueue(ctx context.Context, caseID string, data map[string]any) (*pipeline.Workflow, error)
	Workflow(ctx context.Context, id string) (*pipeline.Workflow, bool, error)
	Active() []*pipeline.Workflow
}

// Reporter summarises stage performance.
type Reporter interface {
	Report() []pipeline.StageReport
}

// AgentLister reports supervised agent status.
type AgentLister interface {
	Statuses() []supervisor.Status
}

// Deps are the API's collaborators. Only Coordinator is required; routes for
// missing optional collaborators answer 404.
type Deps struct {
	Coordinator Coordinator
	Configs     *pipeline.ConfigTable
	Reporter    Reporter
	Agents      AgentLister

	// Token, when set, is a comma-separated list of bearer tokens, one of
	// which every route requires.
	Token string
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	deps   Deps
}

// New creates a new API handler.
func New(logger log.Logger, d Deps) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if d.Coordinator == nil {
		panic(xerrors.New("coordinator is required"))
	}
	return &API{
		logger: logger,
		deps:   d,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if a.deps.Token != "" {
			r.Use(authmw.BearerToken(authmw.SplitTokens(a.deps.Token)...))
		}
		r.Post("/cases", a.handleSubmitCase)
		r.Get("/workflows", a.handleListWorkflows)
		r.Get("/workflows/{id}", a.handleGetWorkflow)
		if a.deps.Configs != nil {
			r.Get("/stages", a.handleStages)
		}
		if a.deps.Reporter != nil {
			r.Get("/performance", a.handlePerformance)
		}
		if a.deps.Agents != nil {
			r.Get("/agents", a.handleAgents)
		}
	})
}

func (a *API) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("warden.workflow.id", id))

	wf, ok, err := a.deps.Coordinator.Workflow(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get workflow", "workflow_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(
		attribute.String("warden.workflow.status", string(wf.Status)),
		attribute.String("warden.case.id", wf.CaseID),
	)
	writeJSON(w, http.StatusOK, wf)
}

func (a *API) handleListWorkflows(w http.ResponseWriter, _ *http.Request) {
	active := a.deps.Coordinator.Active()
	if active == nil {
		active = []*pipeline.Workflow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": active})
}

// stageView is the wire form of a StageConfig.
type stageView struct {
	Stage          pipeline.Stage `json:"stage"`
	TimeoutSeconds float64        `json:"timeout_seconds"`
	MaxRetries     int            `json:"max_retries"`
	BackoffFactor  float64        `json:"backoff_factor"`
}

func (a *API) handleStages(w http.ResponseWriter, _ *http.Request) {
	snap := a.deps.Configs.Snapshot()
	out := make([]stageView, 0, len(pipeline.Stages))
	for _, s := range pipeline.Stages {
		c := snap[s]
		out = append(out, stageView{
			Stage:          s,
			TimeoutSeconds: c.Timeout.Seconds(),
			MaxRetries:     c.MaxRetries,
			BackoffFactor:  c.BackoffFactor,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"stages": out})
}

func (a *API) handlePerformance(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"stages":       a.deps.Reporter.Report(),
		"generated_at": time.Now().UTC(),
	})
}

func (a *API) handleAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": a.deps.Agents.Statuses()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
