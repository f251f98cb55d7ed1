package pipeline

import (
	"sync"
	"time"
)

// StageMetrics accumulates outcomes of one stage for the process lifetime.
type StageMetrics struct {
	SuccessCount      int     `json:"success_count"`
	FailureCount      int     `json:"failure_count"`
	AvgTime           float64 `json:"avg_time_seconds"` // mean over successful traversals only
	ConsecutiveErrors int     `json:"consecutive_errors"`
}

// Samples is the number of finished traversals.
func (m StageMetrics) Samples() int { return m.SuccessCount + m.FailureCount }

// SuccessRate is success/(success+failure), 0 with no samples.
func (m StageMetrics) SuccessRate() float64 {
	n := m.Samples()
	if n == 0 {
		return 0
	}
	return float64(m.SuccessCount) / float64(n)
}

// Stats is the in-memory metrics store keyed by stage. Counters are never
// reset.
type Stats struct {
	mu     sync.Mutex
	stages map[Stage]*StageMetrics
}

// NewStats returns zeroed metrics for every stage.
func NewStats() *Stats {
	s := &Stats{stages: make(map[Stage]*StageMetrics, len(Stages))}
	for _, st := range Stages {
		s.stages[st] = &StageMetrics{}
	}
	return s
}

func (s *Stats) entry(st Stage) *StageMetrics {
	m, ok := s.stages[st]
	if !ok {
		m = &StageMetrics{}
		s.stages[st] = m
	}
	return m
}

// RecordSuccess counts a successful traversal that took d, folds d into the
// running average and clears the consecutive error count.
func (s *Stats) RecordSuccess(st Stage, d time.Duration) StageMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.entry(st)
	m.SuccessCount++
	n := float64(m.SuccessCount)
	m.AvgTime = (m.AvgTime*(n-1) + d.Seconds()) / n
	m.ConsecutiveErrors = 0
	return *m
}

// RecordFailure counts a failed traversal and returns the new consecutive
// error count.
func (s *Stats) RecordFailure(st Stage) StageMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.entry(st)
	m.FailureCount++
	m.ConsecutiveErrors++
	return *m
}

// Get returns a copy of the metrics of st.
func (s *Stats) Get(st Stage) StageMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.entry(st)
}

// Snapshot copies every stage's metrics.
func (s *Stats) Snapshot() map[Stage]StageMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Stage]StageMetrics, len(s.stages))
	for st, m := range s.stages {
		out[st] = *m
	}
	return out
}
