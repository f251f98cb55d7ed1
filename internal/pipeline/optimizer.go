package pipeline

import (
	"context"
	"math"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/warden/internal/registry"
)

// Adjustment kinds. KindAdvice marks AI recommendations stored next to the
// adjustments.
const (
	AdjustReliability = "reliability"
	AdjustPerformance = "performance"
	KindAdvice        = "ai_recommendation"
)

const (
	backoffGrowth = 1.2
	timeoutShrink = 0.8
)

// Adjustment is one change the optimizer made to a stage config.
type Adjustment struct {
	Stage  Stage       `json:"stage"`
	Kind   string      `json:"kind"`
	Reason string      `json:"reason"`
	Before StageConfig `json:"-"`
	After  StageConfig `json:"-"`
}

// StageReport summarises one stage for operators.
type StageReport struct {
	Stage       Stage        `json:"stage"`
	Metrics     StageMetrics `json:"metrics"`
	SuccessRate float64      `json:"success_rate"`
	Bottleneck  bool         `json:"bottleneck"`
	Reasons     []string     `json:"reasons,omitempty"`
}

// Optimizer tunes stage configs from observed metrics. Reliability is
// adjusted before performance, so a stage failing both checks gets more
// retries, a longer backoff and a shorter timeout in the same pass. Nothing
// is rolled back automatically.
type Optimizer struct {
	stats      *Stats
	configs    *ConfigTable
	thresholds Thresholds
	store      Store
	registry   *registry.Registry
	logger     log.Logger
	hooks      Hooks
	now        func() time.Time

	// MaxRetriesCeiling stops reliability adjustments from raising
	// max_retries past it. Zero means no ceiling.
	MaxRetriesCeiling int
	// Advisor, when set, is asked for recommendations whenever a pass
	// finds a bottleneck. Failures are logged and ignored.
	Advisor Advisor
}

// NewOptimizer creates an optimizer. store and reg may be nil.
func NewOptimizer(stats *Stats, configs *ConfigTable, thresholds Thresholds, store Store, reg *registry.Registry, logger log.Logger, hooks Hooks) *Optimizer {
	return &Optimizer{
		stats:      stats,
		configs:    configs,
		thresholds: thresholds,
		store:      store,
		registry:   reg,
		logger:     logger,
		hooks:      hooks,
		now:        time.Now,
	}
}

// SetClock replaces the time source used for persisted timestamps.
func (o *Optimizer) SetClock(now func() time.Time) { o.now = now }

// Optimize runs one pass over every stage in pipeline order. Stages without
// samples are left alone.
func (o *Optimizer) Optimize(ctx context.Context) []Adjustment {
	var out []Adjustment
	for _, stage := range Stages {
		m := o.stats.Get(stage)
		if m.Samples() == 0 {
			continue
		}

		if rate := m.SuccessRate(); rate < o.thresholds.SuccessRate {
			if adj, ok := o.apply(ctx, stage, AdjustReliability, func(c StageConfig) StageConfig {
				if o.MaxRetriesCeiling <= 0 || c.MaxRetries < o.MaxRetriesCeiling {
					c.MaxRetries++
				}
				c.BackoffFactor *= backoffGrowth
				return c
			}, "success rate below threshold", rate, o.thresholds.SuccessRate); ok {
				out = append(out, adj)
			}
		}

		if m.AvgTime > o.thresholds.ExecutionTime {
			if adj, ok := o.apply(ctx, stage, AdjustPerformance, func(c StageConfig) StageConfig {
				c.Timeout = time.Duration(math.Round(float64(c.Timeout) * timeoutShrink))
				return c
			}, "average time above threshold", m.AvgTime, o.thresholds.ExecutionTime); ok {
				out = append(out, adj)
			}
		}
	}
	o.Recommend(ctx)
	return out
}

// Recommend asks the advisor about the stages Report flags as bottlenecks,
// then persists and publishes the answer. It reports false when there was
// nothing to ask or the advisor failed.
func (o *Optimizer) Recommend(ctx context.Context) (OptimizationAdvice, bool) {
	if o.Advisor == nil {
		return OptimizationAdvice{}, false
	}
	reports := o.Report()
	var bottlenecks []string
	for _, r := range reports {
		if r.Bottleneck {
			bottlenecks = append(bottlenecks, string(r.Stage))
		}
	}
	if len(bottlenecks) == 0 {
		return OptimizationAdvice{}, false
	}

	advice, err := o.Advisor.OptimizationRecommendations(ctx, reports)
	if err != nil {
		o.logger.Error(ctx, err, "optimization advice failed", "bottlenecks", bottlenecks)
		return OptimizationAdvice{}, false
	}

	payload := registry.Payload{
		"priority":        PriorityNormal,
		"kind":            KindAdvice,
		"bottlenecks":     bottlenecks,
		"summary":         advice.Summary,
		"recommendations": advice.Recommendations,
	}
	o.persist(ctx, payload)
	if o.registry != nil {
		o.registry.Publish(TopicOptimizationAdvice, payload)
	}
	o.logger.Info(ctx, "optimization advice recorded", "bottlenecks", bottlenecks, "recommendations", len(advice.Recommendations))
	return advice, true
}

func (o *Optimizer) persist(ctx context.Context, payload registry.Payload) {
	if o.store == nil {
		return
	}
	rec := Record{"id": ulid.Make().String(), "timestamp": o.now().UTC().Format(time.RFC3339Nano)}
	for k, v := range payload {
		rec[k] = v
	}
	if err := o.store.Upsert(ctx, TableOptimizations, rec, "id"); err != nil {
		o.logger.Error(ctx, err, "failed to persist optimization", "kind", payload["kind"])
	}
}

func (o *Optimizer) apply(ctx context.Context, stage Stage, kind string, fn func(StageConfig) StageConfig, reason string, observed, threshold float64) (Adjustment, bool) {
	before := o.configs.Get(stage)
	after, err := o.configs.Update(stage, fn)
	if err != nil {
		o.logger.Error(ctx, err, "optimizer adjustment rejected", "stage", stage, "kind", kind)
		return Adjustment{}, false
	}

	adj := Adjustment{Stage: stage, Kind: kind, Reason: reason, Before: before, After: after}
	o.hooks.adjustment(stage, kind)
	o.logger.Info(ctx, "stage config adjusted",
		"stage", stage,
		"kind", kind,
		"reason", reason,
		"observed", observed,
		"threshold", threshold,
		"max_retries", after.MaxRetries,
		"backoff_factor", after.BackoffFactor,
		"timeout", after.Timeout.String(),
	)

	payload := registry.Payload{
		"priority":       PriorityNormal,
		"stage":          string(stage),
		"kind":           kind,
		"reason":         reason,
		"observed":       observed,
		"threshold":      threshold,
		"timeout_s":      after.Timeout.Seconds(),
		"max_retries":    after.MaxRetries,
		"backoff_factor": after.BackoffFactor,
	}
	o.persist(ctx, payload)
	if o.registry != nil {
		o.registry.Publish(TopicOptimization, payload)
	}
	return adj, true
}

// Report returns per-stage health in pipeline order.
func (o *Optimizer) Report() []StageReport {
	out := make([]StageReport, 0, len(Stages))
	for _, stage := range Stages {
		m := o.stats.Get(stage)
		r := StageReport{Stage: stage, Metrics: m, SuccessRate: m.SuccessRate()}
		if m.Samples() > 0 && r.SuccessRate < o.thresholds.SuccessRate {
			r.Bottleneck = true
			r.Reasons = append(r.Reasons, "low success rate")
		}
		if m.AvgTime > o.thresholds.ExecutionTime {
			r.Bottleneck = true
			r.Reasons = append(r.Reasons, "slow execution")
		}
		out = append(out, r)
	}
	return out
}
