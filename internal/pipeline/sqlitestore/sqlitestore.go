// Package sqlitestore provides a single-file SQLite implementation of
// pipeline.Store for deployments without PostgreSQL.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/linnemanlabs/warden/internal/pipeline"
)

// Store persists pipeline records in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs the migration.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; WAL lets readers proceed alongside it
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			tbl        TEXT NOT NULL,
			key        TEXT NOT NULL,
			data       TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (tbl, key)
		);
		CREATE INDEX IF NOT EXISTS idx_records_created ON records (tbl, created_at);
	`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert inserts rec or replaces the row with the same conflictKey value.
func (s *Store) Upsert(ctx context.Context, table string, rec pipeline.Record, conflictKey string) error {
	if !pipeline.KnownTable(table) {
		return fmt.Errorf("sqlitestore: unknown table %q", table)
	}
	key := rec.String(conflictKey)
	if key == "" {
		return pipeline.Invalid(conflictKey, "conflict key value is required")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", table, err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (tbl, key, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tbl, key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		table, key, string(data), now, now,
	)
	if err != nil {
		return pipeline.Transient("upsert "+table, err)
	}
	return nil
}

// Select returns rows of table matching every filter entry, oldest first.
// String filters are pushed into SQL; the rest are compared after decoding.
func (s *Store) Select(ctx context.Context, table string, filter pipeline.Record) ([]pipeline.Record, error) {
	if !pipeline.KnownTable(table) {
		return nil, fmt.Errorf("sqlitestore: unknown table %q", table)
	}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var where strings.Builder
	args := []any{table}
	where.WriteString("tbl = ?")
	for _, k := range keys {
		if v, ok := filter[k].(string); ok {
			where.WriteString(" AND json_extract(data, ?) = ?")
			args = append(args, jsonPath(k), v)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT data FROM records WHERE "+where.String()+" ORDER BY created_at, key", args...)
	if err != nil {
		return nil, pipeline.Transient("select "+table, err)
	}
	defer rows.Close()

	var out []pipeline.Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		var rec pipeline.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode %s row: %w", table, err)
		}
		if matches(rec, filter) {
			out = append(out, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, pipeline.Transient("select "+table, err)
	}
	return out, nil
}

func jsonPath(key string) string {
	return `$."` + strings.ReplaceAll(key, `"`, `\"`) + `"`
}

// matches compares decoded JSON values with the filter by their printed form,
// so an int filter matches the float64 a JSON number decodes to.
func matches(rec, filter pipeline.Record) bool {
	for k, want := range filter {
		got, ok := rec[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}
