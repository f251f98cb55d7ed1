package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/warden/internal/registry"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/pipeline")

// ErrStopped is returned by Enqueue once the coordinator has shut down.
var ErrStopped = errors.New("coordinator stopped")

var errEvicted = errors.New("workflow evicted")

// Options tune a Coordinator. Zero values pick the defaults noted per field.
type Options struct {
	Workers     int           // workflows processed concurrently, default 4
	QueueSize   int           // workflows waiting for a worker, default 256
	BackoffBase time.Duration // delay unit multiplied by backoff_factor^attempt, default 1s
	MaxBackoff  time.Duration // ceiling on one retry delay, default 5m
	Thresholds  Thresholds    // default DefaultThresholds()
	Now         func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Minute
	}
	if o.Thresholds == (Thresholds{}) {
		o.Thresholds = DefaultThresholds()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type job struct {
	wf   *Workflow
	data map[string]any
}

// Coordinator drives queued cases through every stage. Each stage attempt runs
// under a fresh deadline taken from the stage's current config; failures are
// retried with capped exponential backoff and repeated stage failures are
// escalated.
type Coordinator struct {
	registry  *registry.Registry
	configs   *ConfigTable
	stats     *Stats
	workflows *WorkflowTable
	store     Store
	advisor   Advisor
	logger    log.Logger
	hooks     Hooks
	opts      Options

	queue    chan *job
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewCoordinator wires a coordinator. advisor may be nil, in which case
// escalations carry no recovery strategy.
func NewCoordinator(reg *registry.Registry, configs *ConfigTable, stats *Stats, store Store, advisor Advisor, logger log.Logger, hooks Hooks, opts Options) *Coordinator {
	if reg == nil || configs == nil || stats == nil || store == nil {
		panic(xerrors.New("registry, configs, stats and store are required"))
	}
	opts = opts.withDefaults()
	return &Coordinator{
		registry:  reg,
		configs:   configs,
		stats:     stats,
		workflows: NewWorkflowTable(),
		store:     store,
		advisor:   advisor,
		logger:    logger,
		hooks:     hooks,
		opts:      opts,
		queue:     make(chan *job, opts.QueueSize),
		stopped:   make(chan struct{}),
	}
}

// Workflows exposes the active workflow table to the reaper.
func (c *Coordinator) Workflows() *WorkflowTable { return c.workflows }

// QueueDepth is the number of workflows waiting for a worker.
func (c *Coordinator) QueueDepth() int { return len(c.queue) }

// Enqueue accepts a case for processing. The workflow is persisted in
// StatusQueued before it is handed to a worker.
func (c *Coordinator) Enqueue(ctx context.Context, caseID string, data map[string]any) (*Workflow, error) {
	caseID = strings.TrimSpace(caseID)
	if caseID == "" {
		return nil, Invalid("case_id", "is required")
	}

	select {
	case <-c.stopped:
		return nil, ErrStopped
	default:
	}

	now := c.opts.Now()
	wf := &Workflow{
		ID:        ulid.Make().String(),
		CaseID:    caseID,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.Upsert(ctx, TableWorkflows, wf.Record(), "workflow_id"); err != nil {
		return nil, fmt.Errorf("persist workflow: %w", err)
	}
	c.workflows.Put(wf)

	cp := *wf
	select {
	case c.queue <- &job{wf: wf, data: data}:
		c.hooks.queueDepth(len(c.queue))
		return &cp, nil
	case <-ctx.Done():
		c.abortEnqueue(ctx, wf, ctx.Err())
		return nil, ctx.Err()
	case <-c.stopped:
		c.abortEnqueue(ctx, wf, ErrStopped)
		return nil, ErrStopped
	}
}

// abortEnqueue retires a workflow that was persisted as queued but never
// reached the queue, so Reconcile does not bring it back.
func (c *Coordinator) abortEnqueue(ctx context.Context, wf *Workflow, cause error) {
	c.workflows.Remove(wf.ID)
	wf.Status = StatusError
	wf.Error = "enqueue aborted: " + cause.Error()
	wf.UpdatedAt = c.opts.Now()
	if err := c.store.Upsert(context.WithoutCancel(ctx), TableWorkflows, wf.Record(), "workflow_id"); err != nil {
		c.logger.Error(ctx, err, "failed to persist aborted workflow", "workflow_id", wf.ID, "case_id", wf.CaseID)
	}
}

// Run starts the workers and blocks until ctx is done and every in-flight
// workflow has returned. Workflows interrupted by cancellation keep their last
// persisted status.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info(ctx, "coordinator started", "workers", c.opts.Workers, "queue_size", c.opts.QueueSize)

	var wg sync.WaitGroup
	for i := range c.opts.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.worker(ctx, i)
		}()
	}
	wg.Wait()

	c.stopOnce.Do(func() { close(c.stopped) })
	c.logger.Info(ctx, "coordinator stopped", "queued", len(c.queue), "active", c.workflows.Len())
	return nil
}

func (c *Coordinator) worker(ctx context.Context, _ int) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-c.queue:
			c.hooks.queueDepth(len(c.queue))
			c.process(ctx, j)
		}
	}
}

func (c *Coordinator) process(ctx context.Context, j *job) {
	wf := j.wf
	L := c.logger.With("workflow_id", wf.ID, "case_id", wf.CaseID)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			c.finish(ctx, wf, StatusError, fmt.Errorf("workflow panic: %v", r), start)
		}
	}()

	wf.Status = StatusStarted
	wf.UpdatedAt = c.opts.Now()
	if !c.workflows.Update(wf) {
		L.Warn(ctx, "workflow evicted before start")
		return
	}
	if err := c.store.Upsert(ctx, TableWorkflows, wf.Record(), "workflow_id"); err != nil {
		c.finish(ctx, wf, StatusError, fmt.Errorf("persist workflow start: %w", err), start)
		return
	}

	payload := registry.Payload{"workflow_id": wf.ID, "case_id": wf.CaseID}
	if j.data != nil {
		payload["case"] = j.data
	}

	for _, stage := range Stages {
		if err := c.enterStage(ctx, wf, stage); err != nil {
			if errors.Is(err, errEvicted) {
				L.Warn(ctx, "workflow evicted, abandoning", "stage", stage)
				return
			}
			c.finish(ctx, wf, StatusError, err, start)
			return
		}

		out, err := c.runStage(ctx, wf, stage, payload)
		if err != nil {
			if ctx.Err() != nil {
				L.Info(ctx, "workflow interrupted by shutdown", "stage", stage, "status", wf.Status)
				return
			}
			c.finish(ctx, wf, statusFor(err), err, start)
			return
		}
		maps.Copy(payload, out)
	}

	c.finish(ctx, wf, StatusCompleted, nil, start)
}

func statusFor(err error) Status {
	var se *StageError
	if errors.As(err, &se) {
		return StatusFailed
	}
	return StatusError
}

// enterStage records the transition before the stage handler runs.
func (c *Coordinator) enterStage(ctx context.Context, wf *Workflow, stage Stage) error {
	now := c.opts.Now()
	wf.CurrentStage = stage
	wf.StageStartTime = now
	wf.Status = StatusInStage
	wf.UpdatedAt = now

	if !c.workflows.Update(wf) {
		return errEvicted
	}
	if err := c.store.Upsert(ctx, TableWorkflows, wf.Record(), "workflow_id"); err != nil {
		return fmt.Errorf("persist transition to %s: %w", stage, err)
	}
	return nil
}

// runStage executes one stage traversal: up to max_retries+1 attempts, one
// metrics record for the whole traversal.
func (c *Coordinator) runStage(ctx context.Context, wf *Workflow, stage Stage, payload registry.Payload) (registry.Payload, error) {
	L := c.logger.With("workflow_id", wf.ID, "case_id", wf.CaseID, "stage", stage)

	var lastErr error
	attempts := 0
	for attempt := 0; ; attempt++ {
		cfg := c.configs.Get(stage)
		handler, err := c.registry.Get(stage.Capability())
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", stage, err)
		}

		attempts++
		began := time.Now()
		out, err := c.attempt(ctx, wf, stage, attempt, cfg.Timeout, handler, maps.Clone(payload))
		elapsed := time.Since(began)

		if err == nil {
			c.hooks.attempt(stage, "success", elapsed.Seconds())
			m := c.stats.RecordSuccess(stage, elapsed)
			c.hooks.stageDone(stage, true)
			c.persistMetrics(ctx, stage, m)
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		outcome := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		c.hooks.attempt(stage, outcome, elapsed.Seconds())

		if IsValidation(err) {
			L.Warn(ctx, "stage rejected input", "attempt", attempts, "error", err.Error())
			break
		}
		if attempt >= cfg.MaxRetries {
			L.Warn(ctx, "stage retries exhausted", "attempts", attempts, "error", err.Error())
			break
		}

		delay := Backoff(c.opts.BackoffBase, cfg.BackoffFactor, attempt, c.opts.MaxBackoff)
		L.Warn(ctx, "stage attempt failed, retrying",
			"attempt", attempts,
			"max_retries", cfg.MaxRetries,
			"delay", delay.String(),
			"error", err.Error(),
		)
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
	}

	m := c.stats.RecordFailure(stage)
	c.hooks.stageDone(stage, false)
	c.persistMetrics(ctx, stage, m)

	if m.ConsecutiveErrors >= c.opts.Thresholds.ErrorThreshold {
		c.escalate(ctx, wf, &EscalationCondition{
			Stage:     stage,
			Count:     m.ConsecutiveErrors,
			Threshold: c.opts.Thresholds.ErrorThreshold,
			Err:       lastErr,
		})
	}

	return nil, &StageError{Stage: stage, Attempts: attempts, Err: lastErr}
}

type attemptResult struct {
	out registry.Payload
	err error
}

// attempt runs h once under its own deadline. A handler that ignores its
// context is abandoned when the deadline passes.
func (c *Coordinator) attempt(ctx context.Context, wf *Workflow, stage Stage, n int, timeout time.Duration, h registry.Handler, in registry.Payload) (registry.Payload, error) {
	ctx, span := tracer.Start(ctx, "stage.attempt", trace.WithAttributes(
		attribute.String("warden.workflow.id", wf.ID),
		attribute.String("warden.case.id", wf.CaseID),
		attribute.String("warden.stage", string(stage)),
		attribute.Int("warden.stage.attempt", n),
		attribute.Float64("warden.stage.timeout_s", timeout.Seconds()),
	))
	defer span.End()

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptResult{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		out, err := h(actx, in)
		done <- attemptResult{out: out, err: err}
	}()

	var res attemptResult
	select {
	case res = <-done:
	case <-actx.Done():
		res.err = actx.Err()
	}

	if errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
		res.err = &TransientError{
			Op:  "stage " + string(stage),
			Err: fmt.Errorf("timed out after %s: %w", timeout, context.DeadlineExceeded),
		}
	}
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
	}
	return res.out, res.err
}

// finish moves wf to a terminal status. A workflow already evicted by the
// reaper has been resolved there and is left alone.
func (c *Coordinator) finish(ctx context.Context, wf *Workflow, status Status, cause error, start time.Time) {
	ctx = context.WithoutCancel(ctx)
	L := c.logger.With("workflow_id", wf.ID, "case_id", wf.CaseID)

	if !c.workflows.Remove(wf.ID) {
		L.Warn(ctx, "workflow finished after eviction", "status", status)
		return
	}

	wf.Status = status
	wf.UpdatedAt = c.opts.Now()
	if cause != nil {
		wf.Error = cause.Error()
	}
	if err := c.store.Upsert(ctx, TableWorkflows, wf.Record(), "workflow_id"); err != nil {
		L.Error(ctx, err, "failed to persist terminal workflow status", "status", status)
	}

	elapsed := time.Since(start).Seconds()
	c.hooks.workflowDone(status, elapsed)

	if status == StatusCompleted {
		c.registry.Publish(TopicWorkflowCompleted, registry.Payload{
			"priority":    PriorityNormal,
			"workflow_id": wf.ID,
			"case_id":     wf.CaseID,
			"duration_s":  elapsed,
		})
		L.Info(ctx, "workflow complete", "duration", elapsed)
		return
	}

	errRec := Record{
		"id":            ulid.Make().String(),
		"workflow_id":   wf.ID,
		"case_id":       wf.CaseID,
		"stage":         string(wf.CurrentStage),
		"status":        string(status),
		"error_message": wf.Error,
		"timestamp":     wf.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if err := c.store.Upsert(ctx, TableWorkflowErrors, errRec, "id"); err != nil {
		L.Error(ctx, err, "failed to persist workflow error log")
	}

	topic := TopicWorkflowFailed
	if status == StatusError {
		topic = TopicWorkflowError
	}
	c.registry.Publish(topic, registry.Payload{
		"priority":    PriorityHigh,
		"workflow_id": wf.ID,
		"case_id":     wf.CaseID,
		"stage":       string(wf.CurrentStage),
		"status":      string(status),
		"error":       wf.Error,
	})
	L.Error(ctx, cause, "workflow terminated", "status", status, "stage", wf.CurrentStage, "duration", elapsed)
}

// escalate handles a stage whose consecutive failures reached the threshold.
// It never changes the outcome of the workflow that triggered it.
func (c *Coordinator) escalate(ctx context.Context, wf *Workflow, cond *EscalationCondition) {
	ctx = context.WithoutCancel(ctx)
	L := c.logger.With("stage", cond.Stage, "workflow_id", wf.ID)
	L.Warn(ctx, "stage failure threshold reached",
		"consecutive_failures", cond.Count,
		"threshold", cond.Threshold,
	)
	c.hooks.escalation(cond.Stage)

	rec := Record{
		"id":                   ulid.Make().String(),
		"stage":                string(cond.Stage),
		"agent_capability":     cond.Stage.Capability(),
		"workflow_id":          wf.ID,
		"case_id":              wf.CaseID,
		"error_message":        cond.Error(),
		"consecutive_failures": cond.Count,
		"timestamp":            c.opts.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := c.store.Upsert(ctx, TableAgentErrors, rec, "id"); err != nil {
		L.Error(ctx, err, "failed to persist agent error")
	}

	var recovery Recovery
	if c.advisor != nil {
		r, err := c.advisor.RecoveryStrategy(ctx, cond.Stage, cond.Err, cond.Count)
		if err != nil {
			L.Error(ctx, err, "recovery strategy request failed")
		} else {
			recovery = r
		}
	}

	c.registry.Publish(TopicStageEscalation, registry.Payload{
		"priority":             PriorityHigh,
		"stage":                string(cond.Stage),
		"workflow_id":          wf.ID,
		"case_id":              wf.CaseID,
		"consecutive_failures": cond.Count,
		"threshold":            cond.Threshold,
		"error":                errString(cond.Err),
		"recovery":             recovery.Strategy,
		"recovery_steps":       recovery.Steps,
	})
}

func (c *Coordinator) persistMetrics(ctx context.Context, stage Stage, m StageMetrics) {
	rec := Record{
		"stage":              string(stage),
		"success_count":      m.SuccessCount,
		"failure_count":      m.FailureCount,
		"avg_time_seconds":   m.AvgTime,
		"consecutive_errors": m.ConsecutiveErrors,
		"updated_at":         c.opts.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := c.store.Upsert(context.WithoutCancel(ctx), TableAgentMetrics, rec, "stage"); err != nil {
		c.logger.Error(ctx, err, "failed to persist stage metrics", "stage", stage)
	}
}

// Reconcile loads persisted non-terminal workflows into the active table so
// the reaper can resolve ones orphaned by a restart. Nothing is re-run.
func (c *Coordinator) Reconcile(ctx context.Context) (int, error) {
	n := 0
	for _, st := range []Status{StatusQueued, StatusStarted, StatusInStage} {
		recs, err := c.store.Select(ctx, TableWorkflows, Record{"status": string(st)})
		if err != nil {
			return n, fmt.Errorf("select %s workflows: %w", st, err)
		}
		for _, rec := range recs {
			wf := WorkflowFromRecord(rec)
			if wf.ID == "" {
				continue
			}
			if _, ok := c.workflows.Get(wf.ID); ok {
				continue
			}
			c.workflows.Put(wf)
			n++
		}
	}
	if n > 0 {
		c.logger.Warn(ctx, "reconciled orphaned workflows", "count", n)
	}
	return n, nil
}

// Workflow returns the active record for id, falling back to persistence.
func (c *Coordinator) Workflow(ctx context.Context, id string) (*Workflow, bool, error) {
	if wf, ok := c.workflows.Get(id); ok {
		return wf, true, nil
	}
	recs, err := c.store.Select(ctx, TableWorkflows, Record{"workflow_id": id})
	if err != nil {
		return nil, false, err
	}
	if len(recs) == 0 {
		return nil, false, nil
	}
	return WorkflowFromRecord(recs[0]), true, nil
}

// Active lists every non-terminal workflow.
func (c *Coordinator) Active() []*Workflow { return c.workflows.List() }

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
