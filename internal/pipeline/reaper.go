package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/warden/internal/registry"
)

// DefaultStuckCeiling is how long a workflow may sit in one stage before the
// reaper evicts it.
const DefaultStuckCeiling = 30 * time.Minute

// Reaper evicts workflows whose current stage outlived the stuck ceiling and
// files a diagnosis for each.
type Reaper struct {
	workflows *WorkflowTable
	store     Store
	advisor   Advisor
	registry  *registry.Registry
	ceiling   time.Duration
	logger    log.Logger
	hooks     Hooks
	now       func() time.Time
}

// NewReaper creates a reaper over the coordinator's active workflow table.
func NewReaper(workflows *WorkflowTable, store Store, advisor Advisor, reg *registry.Registry, ceiling time.Duration, logger log.Logger, hooks Hooks) *Reaper {
	if ceiling <= 0 {
		ceiling = DefaultStuckCeiling
	}
	return &Reaper{
		workflows: workflows,
		store:     store,
		advisor:   advisor,
		registry:  reg,
		ceiling:   ceiling,
		logger:    logger,
		hooks:     hooks,
		now:       time.Now,
	}
}

// SetClock replaces the time source.
func (r *Reaper) SetClock(now func() time.Time) { r.now = now }

// Sweep reaps every stuck workflow and returns how many it handled. A
// workflow already removed by the coordinator or a concurrent sweep is
// skipped.
func (r *Reaper) Sweep(ctx context.Context) int {
	now := r.now()
	reaped := 0

	for _, wf := range r.workflows.List() {
		since := wf.StageStartTime
		if since.IsZero() {
			since = wf.UpdatedAt
		}
		inStage := now.Sub(since)
		if inStage <= r.ceiling {
			continue
		}
		if !r.workflows.Remove(wf.ID) {
			continue
		}
		r.reap(ctx, wf, inStage)
		reaped++
	}

	if reaped > 0 {
		r.logger.Warn(ctx, "reaped stuck workflows", "count", reaped, "ceiling", r.ceiling.String())
	}
	return reaped
}

func (r *Reaper) reap(ctx context.Context, wf *Workflow, inStage time.Duration) {
	L := r.logger.With("workflow_id", wf.ID, "case_id", wf.CaseID, "stage", wf.CurrentStage)
	r.hooks.stuck(wf.CurrentStage)

	var diag Diagnosis
	var diagErr error
	if r.advisor != nil {
		diag, diagErr = r.advisor.DiagnoseStuck(ctx, wf, inStage)
	}
	if r.advisor == nil || diagErr != nil {
		if diagErr != nil {
			L.Error(ctx, diagErr, "stuck workflow diagnosis failed")
		}
		diag = Diagnosis{
			Summary:        fmt.Sprintf("workflow spent %s in stage %s without progress", inStage.Round(time.Second), wf.CurrentStage),
			Recommendation: "inspect the stage agent and requeue the case manually",
		}
	}

	now := r.now()
	analysis := Record{
		"id":              ulid.Make().String(),
		"workflow_id":     wf.ID,
		"case_id":         wf.CaseID,
		"stage":           string(wf.CurrentStage),
		"time_in_stage_s": inStage.Seconds(),
		"summary":         diag.Summary,
		"likely_causes":   diag.LikelyCauses,
		"recommendation":  diag.Recommendation,
		"timestamp":       now.UTC().Format(time.RFC3339Nano),
	}
	if diagErr != nil {
		analysis["diagnosis_error"] = diagErr.Error()
	}
	if err := r.store.Upsert(ctx, TableStuckAnalyses, analysis, "id"); err != nil {
		L.Error(ctx, err, "failed to persist stuck workflow analysis")
	}

	wf.Status = StatusError
	wf.UpdatedAt = now
	wf.Error = fmt.Sprintf("stuck in stage %s for %s", wf.CurrentStage, inStage.Round(time.Second))
	if err := r.store.Upsert(ctx, TableWorkflows, wf.Record(), "workflow_id"); err != nil {
		L.Error(ctx, err, "failed to persist stuck workflow status")
	}

	r.registry.Publish(TopicWorkflowStuck, registry.Payload{
		"priority":        PriorityHigh,
		"workflow_id":     wf.ID,
		"case_id":         wf.CaseID,
		"stage":           string(wf.CurrentStage),
		"time_in_stage_s": inStage.Seconds(),
		"diagnosis":       diag.Summary,
		"recommendation":  diag.Recommendation,
	})
	L.Warn(ctx, "stuck workflow evicted", "time_in_stage", inStage.String())
}
