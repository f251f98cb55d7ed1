package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/warden/internal/registry"
)

// mockStore implements Store for testing.
type mockStore struct {
	mu        sync.Mutex
	tables    map[string]map[string]Record
	upserts   map[string]int
	upsertErr error
	failTable string
}

func newMockStore() *mockStore {
	return &mockStore{
		tables:  make(map[string]map[string]Record),
		upserts: make(map[string]int),
	}
}

func (m *mockStore) Upsert(_ context.Context, table string, rec Record, conflictKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil && (m.failTable == "" || m.failTable == table) {
		return m.upsertErr
	}
	key := rec.String(conflictKey)
	if key == "" {
		return errors.New("missing conflict key")
	}
	if m.tables[table] == nil {
		m.tables[table] = make(map[string]Record)
	}
	m.tables[table][key] = maps.Clone(rec)
	m.upserts[table]++
	return nil
}

func (m *mockStore) Select(_ context.Context, table string, filter Record) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.tables[table] {
		ok := true
		for k, v := range filter {
			if fmt.Sprint(rec[k]) != fmt.Sprint(v) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, maps.Clone(rec))
		}
	}
	return out, nil
}

func (m *mockStore) rows(table string) []Record {
	out, _ := m.Select(context.Background(), table, nil)
	return out
}

func (m *mockStore) workflow(id string) *Workflow {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tables[TableWorkflows][id]
	if !ok {
		return nil
	}
	return WorkflowFromRecord(rec)
}

// mockAdvisor implements Advisor for testing.
type mockAdvisor struct {
	mu         sync.Mutex
	diagnoses  int
	recoveries int
	diagErr    error
	adviceErr  error
	reports    [][]StageReport
}

func (m *mockAdvisor) DiagnoseStuck(_ context.Context, w *Workflow, inStage time.Duration) (Diagnosis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.diagnoses++
	if m.diagErr != nil {
		return Diagnosis{}, m.diagErr
	}
	return Diagnosis{Summary: fmt.Sprintf("%s stuck in %s for %s", w.ID, w.CurrentStage, inStage), Recommendation: "restart agent"}, nil
}

func (m *mockAdvisor) RecoveryStrategy(_ context.Context, stage Stage, _ error, _ int) (Recovery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoveries++
	return Recovery{Strategy: "restart " + string(stage)}, nil
}

func (m *mockAdvisor) OptimizationRecommendations(_ context.Context, reports []StageReport) (OptimizationAdvice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, reports)
	if m.adviceErr != nil {
		return OptimizationAdvice{}, m.adviceErr
	}
	return OptimizationAdvice{Summary: "tune triage", Recommendations: []string{"raise triage timeout"}}, nil
}

func (m *mockAdvisor) adviceCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reports)
}

func (m *mockAdvisor) counts() (diagnoses, recoveries int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.diagnoses, m.recoveries
}

func passThrough(_ context.Context, in registry.Payload) (registry.Payload, error) {
	return registry.Payload{}, nil
}

// registerStages registers a handler for every stage, using overrides where given.
func registerStages(t *testing.T, reg *registry.Registry, overrides map[Stage]registry.Handler) {
	t.Helper()
	for _, s := range Stages {
		h := registry.Handler(passThrough)
		if o, ok := overrides[s]; ok {
			h = o
		}
		if err := reg.Register(string(s)+"-agent", registry.Capability{Name: s.Capability(), Handler: h}); err != nil {
			t.Fatalf("Register %s: %v", s, err)
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func drain(s *registry.Subscription) []registry.Event {
	var out []registry.Event
	for s.Len() > 0 {
		ev, err := s.Next(context.Background())
		if err != nil {
			break
		}
		out = append(out, ev)
	}
	return out
}
