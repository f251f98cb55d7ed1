package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/registry"
)

type harness struct {
	reg     *registry.Registry
	configs *ConfigTable
	stats   *Stats
	store   *mockStore
	advisor *mockAdvisor
	coord   *Coordinator
}

func newHarness(t *testing.T, overrides map[Stage]StageConfig, opts Options) *harness {
	t.Helper()
	configs, err := NewConfigTable(overrides)
	if err != nil {
		t.Fatalf("NewConfigTable: %v", err)
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Millisecond
	}
	h := &harness{
		reg:     registry.New(),
		configs: configs,
		stats:   NewStats(),
		store:   newMockStore(),
		advisor: &mockAdvisor{},
	}
	h.coord = NewCoordinator(h.reg, h.configs, h.stats, h.store, h.advisor, log.Nop(), Hooks{}, opts)
	return h
}

// start runs the coordinator until the test ends.
func (h *harness) start(t *testing.T) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.coord.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func (h *harness) waitTerminal(t *testing.T, id string) *Workflow {
	t.Helper()
	var wf *Workflow
	waitFor(t, 5*time.Second, func() bool {
		wf = h.store.workflow(id)
		return wf != nil && wf.Status.Terminal()
	})
	return wf
}

func TestCoordinator_CompletesAllStages(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, Options{})

	var mu sync.Mutex
	var order []Stage
	overrides := make(map[Stage]registry.Handler)
	for _, s := range Stages {
		overrides[s] = func(_ context.Context, in registry.Payload) (registry.Payload, error) {
			mu.Lock()
			order = append(order, s)
			mu.Unlock()
			if s == StageReview && in["risk_level"] != 4 {
				return nil, errors.New("triage output not forwarded")
			}
			if s == StageTriage {
				return registry.Payload{"risk_level": 4}, nil
			}
			return nil, nil
		}
	}
	registerStages(t, h.reg, overrides)

	sub := h.reg.Subscribe(TopicWorkflowCompleted)
	h.start(t)

	wf, err := h.coord.Enqueue(context.Background(), "case-1", map[string]any{"title": "phish"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if wf.Status != StatusQueued {
		t.Errorf("enqueued status = %q, want queued", wf.Status)
	}

	got := h.waitTerminal(t, wf.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("status = %q (%s), want completed", got.Status, got.Error)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(Stages) {
		t.Fatalf("stages run = %v", order)
	}
	for i, s := range Stages {
		if order[i] != s {
			t.Errorf("stage[%d] = %s, want %s", i, order[i], s)
		}
	}

	for _, s := range Stages {
		if m := h.stats.Get(s); m.SuccessCount != 1 || m.FailureCount != 0 {
			t.Errorf("%s metrics = %+v", s, m)
		}
	}
	if _, ok := h.coord.Workflows().Get(wf.ID); ok {
		t.Error("completed workflow still in active table")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("completed event: %v", err)
	}
	if ev.Payload["workflow_id"] != wf.ID {
		t.Errorf("event workflow_id = %v", ev.Payload["workflow_id"])
	}
}

func TestCoordinator_RetryThenSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[Stage]StageConfig{
		StageTriage: {Timeout: time.Second, MaxRetries: 3, BackoffFactor: 2},
	}, Options{})

	var calls atomic.Int32
	registerStages(t, h.reg, map[Stage]registry.Handler{
		StageTriage: func(_ context.Context, _ registry.Payload) (registry.Payload, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("upstream 503")
			}
			return nil, nil
		},
	})
	h.start(t)

	wf, err := h.coord.Enqueue(context.Background(), "case-2", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if got := h.waitTerminal(t, wf.ID); got.Status != StatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}

	if calls.Load() != 3 {
		t.Errorf("attempts = %d, want 3", calls.Load())
	}
	m := h.stats.Get(StageTriage)
	if m.SuccessCount != 1 || m.FailureCount != 0 {
		t.Errorf("metrics = %+v, want exactly one success", m)
	}
}

func TestCoordinator_TimeoutExhaustsRetries(t *testing.T) {
	t.Parallel()

	const timeout = 20 * time.Millisecond
	h := newHarness(t, map[Stage]StageConfig{
		StageTriage: {Timeout: timeout, MaxRetries: 2, BackoffFactor: 2},
	}, Options{BackoffBase: 10 * time.Millisecond})

	var calls atomic.Int32
	registerStages(t, h.reg, map[Stage]registry.Handler{
		StageTriage: func(ctx context.Context, _ registry.Payload) (registry.Payload, error) {
			calls.Add(1)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	failed := h.reg.Subscribe(TopicWorkflowFailed)
	h.start(t)

	start := time.Now()
	wf, err := h.coord.Enqueue(context.Background(), "case-3", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	got := h.waitTerminal(t, wf.ID)
	elapsed := time.Since(start)

	if got.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.CurrentStage != StageTriage {
		t.Errorf("stage = %q, want triage", got.CurrentStage)
	}
	if calls.Load() != 3 {
		t.Errorf("attempts = %d, want 3", calls.Load())
	}
	// three deadlines plus backoff of 10ms and 20ms
	if minimum := 3*timeout + 30*time.Millisecond; elapsed < minimum {
		t.Errorf("elapsed = %v, want >= %v", elapsed, minimum)
	}

	m := h.stats.Get(StageTriage)
	if m.FailureCount != 1 || m.SuccessCount != 0 {
		t.Errorf("metrics = %+v, want exactly one failure", m)
	}
	if n := h.stats.Get(StageInvestigation).Samples(); n != 0 {
		t.Errorf("later stage ran %d times", n)
	}

	if rows := h.store.rows(TableWorkflowErrors); len(rows) != 1 {
		t.Errorf("error log rows = %d, want 1", len(rows))
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := failed.Next(ctx)
	if err != nil {
		t.Fatalf("failed event: %v", err)
	}
	if ev.Payload["priority"] != PriorityHigh || ev.Payload["stage"] != string(StageTriage) {
		t.Errorf("event payload = %v", ev.Payload)
	}
}

func TestCoordinator_ZeroRetriesSingleAttempt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[Stage]StageConfig{
		StageContainment: {Timeout: time.Second, MaxRetries: 0, BackoffFactor: 2},
	}, Options{})

	var calls atomic.Int32
	registerStages(t, h.reg, map[Stage]registry.Handler{
		StageContainment: func(context.Context, registry.Payload) (registry.Payload, error) {
			calls.Add(1)
			return nil, errors.New("boom")
		},
	})
	h.start(t)

	wf, _ := h.coord.Enqueue(context.Background(), "case-4", nil)
	if got := h.waitTerminal(t, wf.ID); got.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if calls.Load() != 1 {
		t.Errorf("attempts = %d, want 1", calls.Load())
	}
}

func TestCoordinator_ValidationErrorNotRetried(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, Options{})

	var calls atomic.Int32
	registerStages(t, h.reg, map[Stage]registry.Handler{
		StageIngestion: func(context.Context, registry.Payload) (registry.Payload, error) {
			calls.Add(1)
			return nil, Invalid("case", "missing title")
		},
	})
	h.start(t)

	wf, _ := h.coord.Enqueue(context.Background(), "case-5", nil)
	got := h.waitTerminal(t, wf.ID)
	if got.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if calls.Load() != 1 {
		t.Errorf("attempts = %d, want 1", calls.Load())
	}
}

func TestCoordinator_HandlerPanicIsRetried(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, Options{})

	var calls atomic.Int32
	registerStages(t, h.reg, map[Stage]registry.Handler{
		StageReview: func(context.Context, registry.Payload) (registry.Payload, error) {
			if calls.Add(1) == 1 {
				panic("nil map")
			}
			return nil, nil
		},
	})
	h.start(t)

	wf, _ := h.coord.Enqueue(context.Background(), "case-6", nil)
	if got := h.waitTerminal(t, wf.ID); got.Status != StatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if calls.Load() != 2 {
		t.Errorf("attempts = %d, want 2", calls.Load())
	}
}

func TestCoordinator_MissingCapabilityIsError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, Options{})
	registerStages(t, h.reg, nil)
	h.reg.Unregister(string(StageInvestigation)+"-agent", StageInvestigation.Capability())

	errSub := h.reg.Subscribe(TopicWorkflowError)
	h.start(t)

	wf, _ := h.coord.Enqueue(context.Background(), "case-7", nil)
	got := h.waitTerminal(t, wf.ID)
	if got.Status != StatusError {
		t.Fatalf("status = %q, want error", got.Status)
	}
	if got.CurrentStage != StageInvestigation {
		t.Errorf("stage = %q, want investigation", got.CurrentStage)
	}
	waitFor(t, time.Second, func() bool { return errSub.Len() == 1 })
}

func TestCoordinator_EscalatesAtThreshold(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[Stage]StageConfig{
		StageTriage: {Timeout: time.Second, MaxRetries: 0, BackoffFactor: 2},
	}, Options{Workers: 1, Thresholds: NewThresholds(30, 0.95, 2)})

	registerStages(t, h.reg, map[Stage]registry.Handler{
		StageTriage: func(context.Context, registry.Payload) (registry.Payload, error) {
			return nil, errors.New("model overloaded")
		},
	})
	esc := h.reg.Subscribe(TopicStageEscalation)
	h.start(t)

	first, _ := h.coord.Enqueue(context.Background(), "case-a", nil)
	h.waitTerminal(t, first.ID)
	if esc.Len() != 0 {
		t.Fatal("escalated below threshold")
	}

	second, _ := h.coord.Enqueue(context.Background(), "case-b", nil)
	got := h.waitTerminal(t, second.ID)
	if got.Status != StatusFailed {
		t.Errorf("escalation changed outcome to %q", got.Status)
	}

	waitFor(t, time.Second, func() bool { return esc.Len() == 1 })
	events := drain(esc)
	if events[0].Payload["consecutive_failures"] != 2 || events[0].Payload["recovery"] != "restart triage" {
		t.Errorf("escalation payload = %v", events[0].Payload)
	}
	if rows := h.store.rows(TableAgentErrors); len(rows) != 1 {
		t.Errorf("agent error rows = %d, want 1", len(rows))
	}
	if _, recoveries := h.advisor.counts(); recoveries != 1 {
		t.Errorf("recovery requests = %d, want 1", recoveries)
	}
}

func TestCoordinator_ShutdownDuringBackoff(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[Stage]StageConfig{
		StageTriage: {Timeout: time.Second, MaxRetries: 5, BackoffFactor: 2},
	}, Options{BackoffBase: time.Hour})

	attempted := make(chan struct{}, 1)
	registerStages(t, h.reg, map[Stage]registry.Handler{
		StageTriage: func(context.Context, registry.Payload) (registry.Payload, error) {
			select {
			case attempted <- struct{}{}:
			default:
			}
			return nil, errors.New("transient")
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.coord.Run(ctx)
		close(done)
	}()

	wf, _ := h.coord.Enqueue(context.Background(), "case-8", nil)
	<-attempted
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	got := h.store.workflow(wf.ID)
	if got.Status != StatusInStage || got.CurrentStage != StageTriage {
		t.Errorf("persisted = %s/%s, want in_stage/triage", got.Status, got.CurrentStage)
	}
	if m := h.stats.Get(StageTriage); m.Samples() != 0 {
		t.Errorf("interrupted stage recorded metrics %+v", m)
	}

	if _, err := h.coord.Enqueue(context.Background(), "case-9", nil); !errors.Is(err, ErrStopped) {
		t.Errorf("Enqueue after stop = %v, want ErrStopped", err)
	}
}

func TestCoordinator_EnqueueValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, Options{})
	_, err := h.coord.Enqueue(context.Background(), "  ", nil)
	if !IsValidation(err) {
		t.Errorf("err = %v, want ValidationError", err)
	}
}

func TestCoordinator_EnqueuePersistFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, Options{})
	h.store.upsertErr = errors.New("db down")

	if _, err := h.coord.Enqueue(context.Background(), "case-1", nil); err == nil {
		t.Fatal("expected error")
	}
	if h.coord.Workflows().Len() != 0 {
		t.Error("unpersisted workflow entered active table")
	}
}

func TestCoordinator_EnqueueAbortRetiresRecord(t *testing.T) {
	t.Parallel()

	// no workers: the first workflow fills the queue
	h := newHarness(t, nil, Options{QueueSize: 1})
	if _, err := h.coord.Enqueue(context.Background(), "case-held", nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.coord.Enqueue(ctx, "case-aborted", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Enqueue = %v, want DeadlineExceeded", err)
	}

	var aborted *Workflow
	for _, rec := range h.store.rows(TableWorkflows) {
		if wf := WorkflowFromRecord(rec); wf.CaseID == "case-aborted" {
			aborted = wf
		}
	}
	if aborted == nil {
		t.Fatal("aborted workflow not persisted")
	}
	if aborted.Status != StatusError || aborted.Error == "" {
		t.Errorf("aborted = status %q error %q, want error status with message", aborted.Status, aborted.Error)
	}
	if _, ok := h.coord.Workflows().Get(aborted.ID); ok {
		t.Error("aborted workflow left in active table")
	}

	fresh := NewCoordinator(h.reg, h.configs, h.stats, h.store, nil, log.Nop(), Hooks{}, Options{})
	n, err := fresh.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if n != 1 {
		t.Errorf("reconciled = %d, want only the held workflow", n)
	}
	if _, ok := fresh.Workflows().Get(aborted.ID); ok {
		t.Error("aborted workflow resurrected by Reconcile")
	}
}

func TestCoordinator_ReadsLatestConfigPerAttempt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[Stage]StageConfig{
		StageTriage: {Timeout: 10 * time.Millisecond, MaxRetries: 1, BackoffFactor: 2},
	}, Options{})

	var calls atomic.Int32
	registerStages(t, h.reg, map[Stage]registry.Handler{
		StageTriage: func(ctx context.Context, _ registry.Payload) (registry.Payload, error) {
			if calls.Add(1) == 1 {
				// widen the deadline for the retry
				_ = h.configs.Set(StageTriage, StageConfig{Timeout: time.Second, MaxRetries: 1, BackoffFactor: 2})
				<-ctx.Done()
				return nil, ctx.Err()
			}
			select {
			case <-time.After(50 * time.Millisecond):
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
	h.start(t)

	wf, _ := h.coord.Enqueue(context.Background(), "case-10", nil)
	if got := h.waitTerminal(t, wf.ID); got.Status != StatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	// the recorded time covers only the successful attempt
	if avg := h.stats.Get(StageTriage).AvgTime; avg < 0.05 || avg > 0.5 {
		t.Errorf("AvgTime = %v, want about 0.05", avg)
	}
}

func TestCoordinator_Reconcile(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, Options{})
	ctx := context.Background()
	for _, wf := range []*Workflow{
		{ID: "w-1", CaseID: "c-1", Status: StatusInStage, CurrentStage: StageTriage},
		{ID: "w-2", CaseID: "c-2", Status: StatusStarted},
		{ID: "w-3", CaseID: "c-3", Status: StatusCompleted},
		{ID: "w-4", CaseID: "c-4", Status: StatusFailed},
	} {
		_ = h.store.Upsert(ctx, TableWorkflows, wf.Record(), "workflow_id")
	}

	n, err := h.coord.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if n != 2 {
		t.Errorf("reconciled = %d, want 2", n)
	}
	if _, ok := h.coord.Workflows().Get("w-1"); !ok {
		t.Error("w-1 not reconciled")
	}
	if _, ok := h.coord.Workflows().Get("w-3"); ok {
		t.Error("terminal workflow reconciled")
	}

	got, ok, err := h.coord.Workflow(ctx, "w-3")
	if err != nil || !ok || got.Status != StatusCompleted {
		t.Errorf("Workflow(w-3) = %+v, %v, %v", got, ok, err)
	}
	if _, ok, _ := h.coord.Workflow(ctx, "nope"); ok {
		t.Error("expected missing workflow")
	}
}

func TestCoordinator_HooksCalled(t *testing.T) {
	t.Parallel()

	configs, _ := NewConfigTable(nil)
	reg := registry.New()
	registerStages(t, reg, nil)

	var mu sync.Mutex
	attempts := map[string]int{}
	var done []Status
	hooks := Hooks{
		OnAttempt: func(_ Stage, outcome string, _ float64) {
			mu.Lock()
			attempts[outcome]++
			mu.Unlock()
		},
		OnWorkflowDone: func(status Status, _ float64) {
			mu.Lock()
			done = append(done, status)
			mu.Unlock()
		},
	}
	store := newMockStore()
	coord := NewCoordinator(reg, configs, NewStats(), store, nil, log.Nop(), hooks, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = coord.Run(ctx) }()

	wf, _ := coord.Enqueue(context.Background(), "case-h", nil)
	waitFor(t, 5*time.Second, func() bool {
		got := store.workflow(wf.ID)
		return got != nil && got.Status.Terminal()
	})

	mu.Lock()
	defer mu.Unlock()
	if attempts["success"] != len(Stages) {
		t.Errorf("success attempts = %d, want %d", attempts["success"], len(Stages))
	}
	if len(done) != 1 || done[0] != StatusCompleted {
		t.Errorf("workflow done = %v", done)
	}
}

func TestCoordinator_CreatesSpans(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	h := newHarness(t, map[Stage]StageConfig{
		StageTriage: {Timeout: time.Second, MaxRetries: 1, BackoffFactor: 2},
	}, Options{})
	var calls atomic.Int32
	registerStages(t, h.reg, map[Stage]registry.Handler{
		StageTriage: func(context.Context, registry.Payload) (registry.Payload, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("first attempt fails")
			}
			return nil, nil
		},
	})
	h.start(t)

	wf, _ := h.coord.Enqueue(context.Background(), "case-span", nil)
	h.waitTerminal(t, wf.ID)

	var triageSpans, errored int
	for _, s := range exporter.GetSpans() {
		if s.Name != "stage.attempt" {
			continue
		}
		attrs := make(map[string]any)
		for _, a := range s.Attributes {
			attrs[string(a.Key)] = a.Value.AsInterface()
		}
		if attrs["warden.workflow.id"] != wf.ID {
			t.Errorf("span workflow id = %v", attrs["warden.workflow.id"])
		}
		if attrs["warden.stage"] == string(StageTriage) {
			triageSpans++
			if len(s.Events) > 0 {
				errored++
			}
		}
	}
	if triageSpans != 2 {
		t.Errorf("triage attempt spans = %d, want 2", triageSpans)
	}
	if errored != 1 {
		t.Errorf("errored triage spans = %d, want 1", errored)
	}
}
