package stages

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/linnemanlabs/warden/internal/casesource"
)

// fakeSource serves canned case data and records status updates.
type fakeSource struct {
	mu          sync.Mutex
	cases       map[string]casesource.Case
	alerts      []map[string]any
	observables []map[string]any
	activities  []map[string]any
	alertErr    error
	updateErr   error
	updates     map[string]casesource.StatusUpdate
	getCalls    int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		cases:   map[string]casesource.Case{},
		updates: map[string]casesource.StatusUpdate{},
	}
}

func page(items []map[string]any, skip, limit int) []map[string]any {
	if skip >= len(items) {
		return nil
	}
	return items[skip:min(skip+limit, len(items))]
}

func (f *fakeSource) GetCase(_ context.Context, id string) (casesource.Case, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	c, ok := f.cases[id]
	if !ok {
		return nil, fmt.Errorf("case %s not found", id)
	}
	return c, nil
}

func (f *fakeSource) GetCaseAlerts(_ context.Context, _ string, skip, limit int) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.alertErr != nil {
		return nil, f.alertErr
	}
	return page(f.alerts, skip, limit), nil
}

func (f *fakeSource) GetCaseObservables(_ context.Context, _ string, skip, limit int) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return page(f.observables, skip, limit), nil
}

func (f *fakeSource) GetCaseActivities(_ context.Context, _ string, skip, limit int) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return page(f.activities, skip, limit), nil
}

func (f *fakeSource) UpdateCaseStatus(_ context.Context, id string, u casesource.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates[id] = u
	return nil
}

func (f *fakeSource) update(id string) (casesource.StatusUpdate, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.updates[id]
	return u, ok
}

// fakeAnalyzer returns a fixed reply.
type fakeAnalyzer struct {
	mu    sync.Mutex
	reply string
	err   error
	input []map[string]any
}

func (f *fakeAnalyzer) Analyze(_ context.Context, in map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.input = append(f.input, in)
	return f.reply, f.err
}

var errUpstream = errors.New("upstream unavailable")

func items(prefix string, n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range n {
		out[i] = map[string]any{"_id": fmt.Sprintf("%s-%d", prefix, i)}
	}
	return out
}
