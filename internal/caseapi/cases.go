package caseapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/warden/internal/pipeline"
)

// submitRequest is the body of POST /cases. Case is optional; without it the
// ingestion stage fetches the case from the case source.
type submitRequest struct {
	CaseID string         `json:"case_id"`
	Case   map[string]any `json:"case,omitempty"`
}

func (a *API) handleSubmitCase(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	wf, err := a.deps.Coordinator.Enqueue(r.Context(), req.CaseID, req.Case)
	switch {
	case err == nil:
	case pipeline.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, pipeline.ErrStopped), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "not accepting cases")
		return
	default:
		a.logger.Error(r.Context(), err, "failed to enqueue case", "case_id", req.CaseID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("warden.case.id", wf.CaseID),
		attribute.String("warden.workflow.id", wf.ID),
	)
	a.logger.Info(r.Context(), "case accepted", "case_id", wf.CaseID, "workflow_id", wf.ID)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"workflow_id": wf.ID,
		"case_id":     wf.CaseID,
		"status":      wf.Status,
	})
}
