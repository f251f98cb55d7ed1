// Package scheduler runs warden's periodic background jobs (reaping,
// optimizing, health checks, backups, polling) on fixed intervals.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/robfig/cron/v3"
)

// Job is one periodic task. Its context is cancelled when the scheduler stops.
type Job func(ctx context.Context) error

// Scheduler wraps a cron runner. A job still running when its next tick
// fires is skipped rather than stacked.
type Scheduler struct {
	cron   *cron.Cron
	logger log.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    map[string]Job
	started bool

	// OnRun, when set, is called after every job run.
	OnRun func(name string, dur time.Duration, err error)
}

// New creates a stopped scheduler.
func New(logger log.Logger) *Scheduler {
	cl := cronLogger{logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		jobs:   make(map[string]Job),
	}
}

// Every registers fn to run each interval, starting one interval after Start.
// Intervals are rounded down to whole seconds.
func (s *Scheduler) Every(name string, interval time.Duration, fn Job) error {
	if interval < time.Second {
		return fmt.Errorf("scheduler: interval %s for %q must be at least 1s", interval, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("scheduler: job %q already registered", name)
	}

	s.jobs[name] = fn
	s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		s.run(ctx, name, fn)
	}))
	s.logger.Info(context.Background(), "scheduled job", "job", name, "interval", interval.String())
	return nil
}

// RunNow runs the named job synchronously with ctx, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	fn, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown job %q", name)
	}
	return s.run(ctx, name, fn)
}

func (s *Scheduler) run(ctx context.Context, name string, fn Job) error {
	start := time.Now()
	err := fn(ctx)
	dur := time.Since(start)
	if err != nil {
		s.logger.Error(ctx, err, "scheduled job failed", "job", name, "duration", dur.String())
	}
	if s.OnRun != nil {
		s.OnRun(name, dur, err)
	}
	return err
}

// Start begins running registered jobs. Jobs see ctx, or a child of it.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
}

// Stop cancels running jobs and waits for them to return or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts log.Logger to cron's logger interface.
type cronLogger struct{ l log.Logger }

func (c cronLogger) Info(string, ...any) {}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error(context.Background(), err, "cron: "+msg, kv...)
}
