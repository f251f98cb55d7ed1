// Package memstore provides an in-memory implementation of pipeline.Store.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"sync"

	"github.com/linnemanlabs/warden/internal/pipeline"
)

type table struct {
	order []string                   // keys in first-insert order
	rows  map[string]pipeline.Record // conflict key value -> row
}

// Store holds records in memory. Suitable for dev/testing.
type Store struct {
	mu     sync.RWMutex
	tables map[string]*table
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{tables: make(map[string]*table)}
}

// Upsert stores a copy of rec, replacing the row with the same conflictKey value.
func (s *Store) Upsert(_ context.Context, name string, rec pipeline.Record, conflictKey string) error {
	if !pipeline.KnownTable(name) {
		return fmt.Errorf("memstore: unknown table %q", name)
	}
	key := rec.String(conflictKey)
	if key == "" {
		return pipeline.Invalid(conflictKey, "conflict key value is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[name]
	if !ok {
		t = &table{rows: make(map[string]pipeline.Record)}
		s.tables[name] = t
	}
	if _, exists := t.rows[key]; !exists {
		t.order = append(t.order, key)
	}
	t.rows[key] = maps.Clone(rec)
	return nil
}

// Select returns copies of the rows matching every filter entry, in insert order.
func (s *Store) Select(_ context.Context, name string, filter pipeline.Record) ([]pipeline.Record, error) {
	if !pipeline.KnownTable(name) {
		return nil, fmt.Errorf("memstore: unknown table %q", name)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tables[name]
	if !ok {
		return nil, nil
	}
	var out []pipeline.Record
	for _, key := range t.order {
		row := t.rows[key]
		if matches(row, filter) {
			out = append(out, maps.Clone(row))
		}
	}
	return out, nil
}

// Len reports the number of rows in a table.
func (s *Store) Len(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tables[name]; ok {
		return len(t.rows)
	}
	return 0
}

func matches(row, filter pipeline.Record) bool {
	for k, want := range filter {
		got, ok := row[k]
		if !ok {
			return false
		}
		if reflect.DeepEqual(got, want) {
			continue
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}
