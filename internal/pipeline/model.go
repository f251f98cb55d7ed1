package pipeline

import "time"

// Stage is one step of the case workflow.
type Stage string

const (
	StageIngestion     Stage = "ingestion"
	StageTriage        Stage = "triage"
	StageInvestigation Stage = "investigation"
	StageContainment   Stage = "containment"
	StageReview        Stage = "review"
)

// Stages is the fixed order every workflow traverses.
var Stages = []Stage{
	StageIngestion,
	StageTriage,
	StageInvestigation,
	StageContainment,
	StageReview,
}

var stageCapabilities = map[Stage]string{
	StageIngestion:     "ingest_case",
	StageTriage:        "analyze_case",
	StageInvestigation: "investigate_case",
	StageContainment:   "contain_case",
	StageReview:        "review_case",
}

// Capability returns the registry capability name that executes s.
func (s Stage) Capability() string { return stageCapabilities[s] }

// Valid reports whether s is one of Stages.
func (s Stage) Valid() bool {
	_, ok := stageCapabilities[s]
	return ok
}

// Status tracks where a workflow is in its lifecycle.
type Status string

const (
	// StatusQueued means accepted, waiting for a worker
	StatusQueued Status = "queued"

	// StatusStarted means picked up by a worker
	StatusStarted Status = "started"

	// StatusInStage means a stage handler is running
	StatusInStage Status = "in_stage"

	// StatusCompleted means every stage succeeded
	StatusCompleted Status = "completed"

	// StatusFailed means a stage exhausted its retries or rejected its input
	StatusFailed Status = "failed"

	// StatusError means an infrastructure fault outside the stage retry policy
	StatusError Status = "error"
)

// Terminal reports whether no further transitions follow s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusError
}

// Workflow is the per-case record of progress through the stages. At most one
// active record exists per workflow id.
type Workflow struct {
	ID             string    `json:"workflow_id"`
	CaseID         string    `json:"case_id"`
	CurrentStage   Stage     `json:"current_stage,omitempty"`
	StageStartTime time.Time `json:"stage_start_time,omitzero"`
	Status         Status    `json:"status"`
	Error          string    `json:"error_message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Record converts w into its persisted form.
func (w *Workflow) Record() Record {
	rec := Record{
		"workflow_id": w.ID,
		"case_id":     w.CaseID,
		"status":      string(w.Status),
		"created_at":  w.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":  w.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if w.CurrentStage != "" {
		rec["current_stage"] = string(w.CurrentStage)
	}
	if !w.StageStartTime.IsZero() {
		rec["stage_start_time"] = w.StageStartTime.UTC().Format(time.RFC3339Nano)
	}
	if w.Error != "" {
		rec["error_message"] = w.Error
	}
	return rec
}

// WorkflowFromRecord is the inverse of Workflow.Record.
func WorkflowFromRecord(rec Record) *Workflow {
	w := &Workflow{
		ID:           rec.String("workflow_id"),
		CaseID:       rec.String("case_id"),
		CurrentStage: Stage(rec.String("current_stage")),
		Status:       Status(rec.String("status")),
		Error:        rec.String("error_message"),
	}
	w.StageStartTime = rec.Time("stage_start_time")
	w.CreatedAt = rec.Time("created_at")
	w.UpdatedAt = rec.Time("updated_at")
	return w
}
