package pipeline

import (
	"sort"
	"sync"
)

// WorkflowTable is the set of active (non-terminal) workflows. It hands out
// copies so callers never share a record with the coordinator.
type WorkflowTable struct {
	mu   sync.RWMutex
	byID map[string]*Workflow
}

// NewWorkflowTable returns an empty table.
func NewWorkflowTable() *WorkflowTable {
	return &WorkflowTable{byID: make(map[string]*Workflow)}
}

// Put inserts or replaces the record for w.ID.
func (t *WorkflowTable) Put(w *Workflow) {
	cp := *w
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[w.ID] = &cp
}

// Update replaces an existing record and reports whether it was present. An
// evicted workflow is never resurrected.
func (t *WorkflowTable) Update(w *Workflow) bool {
	cp := *w
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[w.ID]; !ok {
		return false
	}
	t.byID[w.ID] = &cp
	return true
}

// Get returns a copy of the record for id.
func (t *WorkflowTable) Get(id string) (*Workflow, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	w, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	cp := *w
	return &cp, true
}

// Remove deletes id and reports whether this call removed it. Concurrent
// callers racing on one id see exactly one true.
func (t *WorkflowTable) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[id]; !ok {
		return false
	}
	delete(t.byID, id)
	return true
}

// List returns copies of every active record ordered by id.
func (t *WorkflowTable) List() []*Workflow {
	t.mu.RLock()
	out := make([]*Workflow, 0, len(t.byID))
	for _, w := range t.byID {
		cp := *w
		out = append(out, &cp)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len is the number of active workflows.
func (t *WorkflowTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}
