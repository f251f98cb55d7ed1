package pipeline

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/registry"
)

func newTestOptimizer(t *testing.T, cfg StageConfig) (*Optimizer, *Stats, *ConfigTable, *mockStore, *registry.Registry) {
	t.Helper()
	configs, err := NewConfigTable(map[Stage]StageConfig{StageTriage: cfg})
	if err != nil {
		t.Fatalf("NewConfigTable: %v", err)
	}
	stats := NewStats()
	store := newMockStore()
	reg := registry.New()
	o := NewOptimizer(stats, configs, NewThresholds(30, 0.95, 3), store, reg, log.Nop(), Hooks{})
	return o, stats, configs, store, reg
}

func TestOptimizer_ReliabilityAdjustment(t *testing.T) {
	t.Parallel()

	o, stats, configs, store, reg := newTestOptimizer(t, StageConfig{Timeout: 60 * time.Second, MaxRetries: 2, BackoffFactor: 2.0})
	sub := reg.Subscribe(TopicOptimization)

	// 8 of 10 succeed, each in 10s
	for range 8 {
		stats.RecordSuccess(StageTriage, 10*time.Second)
	}
	stats.RecordFailure(StageTriage)
	stats.RecordFailure(StageTriage)

	adjs := o.Optimize(context.Background())
	if len(adjs) != 1 || adjs[0].Kind != AdjustReliability {
		t.Fatalf("adjustments = %+v", adjs)
	}

	got := configs.Get(StageTriage)
	if got.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", got.MaxRetries)
	}
	if math.Abs(got.BackoffFactor-2.4) > 1e-9 {
		t.Errorf("BackoffFactor = %v, want 2.4", got.BackoffFactor)
	}
	if got.Timeout != 60*time.Second {
		t.Errorf("Timeout = %v, want unchanged 60s", got.Timeout)
	}
	if rows := store.rows(TableOptimizations); len(rows) != 1 {
		t.Errorf("persisted = %d, want 1", len(rows))
	}
	if sub.Len() != 1 {
		t.Errorf("notifications = %d, want 1", sub.Len())
	}
}

func TestOptimizer_BothAdjustmentsInOrder(t *testing.T) {
	t.Parallel()

	o, stats, configs, _, _ := newTestOptimizer(t, StageConfig{Timeout: 100 * time.Second, MaxRetries: 1, BackoffFactor: 2})
	stats.RecordSuccess(StageTriage, 45*time.Second)
	stats.RecordFailure(StageTriage)

	adjs := o.Optimize(context.Background())
	if len(adjs) != 2 {
		t.Fatalf("adjustments = %+v, want 2", adjs)
	}
	if adjs[0].Kind != AdjustReliability || adjs[1].Kind != AdjustPerformance {
		t.Errorf("order = %s, %s", adjs[0].Kind, adjs[1].Kind)
	}

	got := configs.Get(StageTriage)
	if got.MaxRetries != 2 || got.Timeout != 80*time.Second || math.Abs(got.BackoffFactor-2.4) > 1e-9 {
		t.Errorf("config = %+v", got)
	}
	if adjs[1].Before.MaxRetries != 2 {
		t.Errorf("performance adjustment saw MaxRetries %d, want reliability applied first", adjs[1].Before.MaxRetries)
	}
}

func TestOptimizer_HealthyStageUntouched(t *testing.T) {
	t.Parallel()

	cfg := StageConfig{Timeout: 60 * time.Second, MaxRetries: 2, BackoffFactor: 2}
	o, stats, configs, _, _ := newTestOptimizer(t, cfg)
	for range 20 {
		stats.RecordSuccess(StageTriage, time.Second)
	}

	if adjs := o.Optimize(context.Background()); len(adjs) != 0 {
		t.Errorf("adjustments = %+v, want none", adjs)
	}
	if configs.Get(StageTriage) != cfg {
		t.Error("healthy config changed")
	}
}

func TestOptimizer_SkipsStagesWithoutSamples(t *testing.T) {
	t.Parallel()

	o, _, configs, _, _ := newTestOptimizer(t, DefaultStageConfig)
	before := configs.Snapshot()

	if adjs := o.Optimize(context.Background()); len(adjs) != 0 {
		t.Errorf("adjustments = %+v, want none", adjs)
	}
	for s, c := range configs.Snapshot() {
		if before[s] != c {
			t.Errorf("%s changed without samples", s)
		}
	}
}

func TestOptimizer_MaxRetriesCeiling(t *testing.T) {
	t.Parallel()

	o, stats, configs, _, _ := newTestOptimizer(t, StageConfig{Timeout: time.Minute, MaxRetries: 3, BackoffFactor: 2})
	o.MaxRetriesCeiling = 3
	stats.RecordFailure(StageTriage)

	o.Optimize(context.Background())
	got := configs.Get(StageTriage)
	if got.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want capped at 3", got.MaxRetries)
	}
	if math.Abs(got.BackoffFactor-2.4) > 1e-9 {
		t.Errorf("BackoffFactor = %v, want 2.4", got.BackoffFactor)
	}
}

func TestOptimizer_Report(t *testing.T) {
	t.Parallel()

	o, stats, _, _, _ := newTestOptimizer(t, DefaultStageConfig)
	stats.RecordSuccess(StageIngestion, time.Second)
	stats.RecordSuccess(StageTriage, 40*time.Second)
	stats.RecordFailure(StageReview)

	report := o.Report()
	if len(report) != len(Stages) {
		t.Fatalf("report rows = %d", len(report))
	}
	byStage := make(map[Stage]StageReport)
	for _, r := range report {
		byStage[r.Stage] = r
	}
	if byStage[StageIngestion].Bottleneck {
		t.Error("ingestion flagged")
	}
	if !byStage[StageTriage].Bottleneck {
		t.Error("slow triage not flagged")
	}
	if !byStage[StageReview].Bottleneck || byStage[StageReview].SuccessRate != 0 {
		t.Errorf("review = %+v", byStage[StageReview])
	}
	if byStage[StageContainment].Bottleneck {
		t.Error("stage without samples flagged")
	}
}

func TestOptimizer_AdviceOnBottleneck(t *testing.T) {
	t.Parallel()

	o, stats, _, store, reg := newTestOptimizer(t, StageConfig{Timeout: 60 * time.Second, MaxRetries: 2, BackoffFactor: 2})
	adv := &mockAdvisor{}
	o.Advisor = adv
	fixed := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	o.SetClock(func() time.Time { return fixed })
	sub := reg.Subscribe(TopicOptimizationAdvice)

	stats.RecordSuccess(StageTriage, 45*time.Second)
	o.Optimize(context.Background())

	if adv.adviceCalls() != 1 {
		t.Fatalf("advisor calls = %d, want 1", adv.adviceCalls())
	}
	if got := len(adv.reports[0]); got != len(Stages) {
		t.Errorf("reports sent = %d, want %d", got, len(Stages))
	}

	var advice []Record
	for _, r := range store.rows(TableOptimizations) {
		if r["timestamp"] != fixed.Format(time.RFC3339Nano) {
			t.Errorf("timestamp = %v, want %s", r["timestamp"], fixed.Format(time.RFC3339Nano))
		}
		if r["kind"] == KindAdvice {
			advice = append(advice, r)
		}
	}
	if len(advice) != 1 || advice[0]["summary"] != "tune triage" {
		t.Errorf("advice rows = %+v", advice)
	}

	evs := drain(sub)
	if len(evs) != 1 {
		t.Fatalf("advice events = %d, want 1", len(evs))
	}
	if b, _ := evs[0].Payload["bottlenecks"].([]string); len(b) != 1 || b[0] != string(StageTriage) {
		t.Errorf("bottlenecks = %v", evs[0].Payload["bottlenecks"])
	}
}

func TestOptimizer_AdviceSkippedWithoutBottleneck(t *testing.T) {
	t.Parallel()

	o, stats, _, store, _ := newTestOptimizer(t, DefaultStageConfig)
	adv := &mockAdvisor{}
	o.Advisor = adv
	for range 5 {
		stats.RecordSuccess(StageTriage, time.Second)
	}

	o.Optimize(context.Background())
	if adv.adviceCalls() != 0 {
		t.Errorf("advisor called %d times without a bottleneck", adv.adviceCalls())
	}
	if rows := store.rows(TableOptimizations); len(rows) != 0 {
		t.Errorf("persisted = %d, want 0", len(rows))
	}
}

func TestOptimizer_AdviceFailureIgnored(t *testing.T) {
	t.Parallel()

	o, stats, configs, store, _ := newTestOptimizer(t, StageConfig{Timeout: time.Minute, MaxRetries: 1, BackoffFactor: 2})
	o.Advisor = &mockAdvisor{adviceErr: errors.New("breaker open")}
	stats.RecordFailure(StageTriage)

	adjs := o.Optimize(context.Background())
	if len(adjs) != 1 {
		t.Fatalf("adjustments = %+v, want 1", adjs)
	}
	if configs.Get(StageTriage).MaxRetries != 2 {
		t.Error("reliability adjustment not applied")
	}
	for _, r := range store.rows(TableOptimizations) {
		if r["kind"] == KindAdvice {
			t.Errorf("advice persisted despite failure: %+v", r)
		}
	}
}
