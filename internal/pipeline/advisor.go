package pipeline

import (
	"context"
	"time"
)

// Diagnosis is the AI explanation of a workflow stuck in one stage.
type Diagnosis struct {
	Summary        string   `json:"summary"`
	LikelyCauses   []string `json:"likely_causes,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
	Raw            string   `json:"raw,omitempty"`
}

// Recovery is the AI suggestion for a stage that keeps failing.
type Recovery struct {
	Strategy string   `json:"strategy"`
	Steps    []string `json:"steps,omitempty"`
	Raw      string   `json:"raw,omitempty"`
}

// OptimizationAdvice is the AI reading of pipeline bottlenecks.
type OptimizationAdvice struct {
	Summary         string   `json:"summary"`
	Recommendations []string `json:"recommendations,omitempty"`
	Raw             string   `json:"raw,omitempty"`
}

// Advisor is the AI collaborator consulted on stuck workflows, repeated
// stage failures and pipeline bottlenecks.
type Advisor interface {
	DiagnoseStuck(ctx context.Context, w *Workflow, inStage time.Duration) (Diagnosis, error)
	RecoveryStrategy(ctx context.Context, stage Stage, cause error, consecutive int) (Recovery, error)
	OptimizationRecommendations(ctx context.Context, reports []StageReport) (OptimizationAdvice, error)
}
