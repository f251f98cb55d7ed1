package pipeline

import (
	"context"
	"math"
	"time"
)

// Backoff returns base*factor^attempt, clamped to ceiling when ceiling > 0.
func Backoff(base time.Duration, factor float64, attempt int, ceiling time.Duration) time.Duration {
	d := float64(base) * math.Pow(factor, float64(attempt))
	if ceiling > 0 && (d > float64(ceiling) || math.IsInf(d, 0) || math.IsNaN(d)) {
		return ceiling
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// StageBudget is the longest one stage can run before giving up: every
// attempt reaching its timeout plus every backoff sleep between attempts.
func StageBudget(cfg StageConfig, base, ceiling time.Duration) time.Duration {
	total := time.Duration(cfg.MaxRetries+1) * cfg.Timeout
	for attempt := range cfg.MaxRetries {
		total += Backoff(base, cfg.BackoffFactor, attempt, ceiling)
	}
	return total
}

// BudgetOverrun is a stage whose retry budget reaches the stuck ceiling.
// Grown marks budgets reached only once the optimizer raises max_retries to
// its ceiling with every sleep at the backoff ceiling.
type BudgetOverrun struct {
	Stage  Stage
	Budget time.Duration
	Grown  bool
}

// StuckCeilingOverruns lists stages the reaper could evict while they are
// still legitimately retrying.
func StuckCeilingOverruns(configs *ConfigTable, base, maxBackoff time.Duration, retriesCeiling int, stuck time.Duration) []BudgetOverrun {
	var out []BudgetOverrun
	for _, stage := range Stages {
		cfg := configs.Get(stage)
		if b := StageBudget(cfg, base, maxBackoff); b >= stuck {
			out = append(out, BudgetOverrun{Stage: stage, Budget: b})
			continue
		}
		if retriesCeiling <= 0 || maxBackoff <= 0 {
			continue
		}
		r := max(cfg.MaxRetries, retriesCeiling)
		grown := time.Duration(r+1)*cfg.Timeout + time.Duration(r)*maxBackoff
		if grown >= stuck {
			out = append(out, BudgetOverrun{Stage: stage, Budget: grown, Grown: true})
		}
	}
	return out
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
