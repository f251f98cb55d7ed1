// Package ingest fans out per-item case data writes under a process-wide
// concurrency bound.
package ingest

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultConcurrency bounds concurrent item handlers across all collections.
const DefaultConcurrency = 3

// Limiter is a counting semaphore shared by every Collector in the process.
type Limiter struct {
	sem *semaphore.Weighted

	mu       sync.Mutex
	inFlight int
	peak     int
	observe  func(inFlight int)
}

// NewLimiter returns a limiter admitting at most n holders. n <= 0 uses
// DefaultConcurrency.
func NewLimiter(n int) *Limiter {
	if n <= 0 {
		n = DefaultConcurrency
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(n))}
}

// OnChange registers a callback invoked with the in-flight count after every
// acquire and release. It must be set before the limiter is used.
func (l *Limiter) OnChange(fn func(inFlight int)) { l.observe = fn }

// Acquire blocks until a slot is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	l.mu.Lock()
	l.inFlight++
	if l.inFlight > l.peak {
		l.peak = l.inFlight
	}
	n := l.inFlight
	l.mu.Unlock()
	l.notify(n)
	return nil
}

// Release frees a slot taken by Acquire.
func (l *Limiter) Release() {
	l.mu.Lock()
	l.inFlight--
	n := l.inFlight
	l.mu.Unlock()
	l.sem.Release(1)
	l.notify(n)
}

func (l *Limiter) notify(n int) {
	if l.observe != nil {
		l.observe(n)
	}
}

// InFlight is the number of slots currently held.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}

// Peak is the highest InFlight value seen.
func (l *Limiter) Peak() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peak
}
