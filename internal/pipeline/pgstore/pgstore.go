// Package pgstore provides a PostgreSQL implementation of pipeline.Store.
//
// Every logical table lives in one jsonb-backed relation keyed by
// (table, conflict key value); Select filters with jsonb containment.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/warden/internal/pipeline"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/pipeline/pgstore")

//go:embed schema.sql
var schema string

// Store persists pipeline records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Upsert inserts rec or replaces the row with the same conflictKey value.
func (s *Store) Upsert(ctx context.Context, table string, rec pipeline.Record, conflictKey string) error {
	ctx, span := tracer.Start(ctx, "pgstore.Upsert", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
		attribute.String("db.collection.name", table),
	))
	defer span.End()

	if err := s.upsert(ctx, table, rec, conflictKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (s *Store) upsert(ctx context.Context, table string, rec pipeline.Record, conflictKey string) error {
	if !pipeline.KnownTable(table) {
		return fmt.Errorf("pgstore: unknown table %q", table)
	}
	key := rec.String(conflictKey)
	if key == "" {
		return pipeline.Invalid(conflictKey, "conflict key value is required")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", table, err)
	}

	query := `INSERT INTO warden_records (tbl, key, data)
	VALUES ($1, $2, $3)
	ON CONFLICT (tbl, key) DO UPDATE SET
		data       = EXCLUDED.data,
		updated_at = now()`

	if _, err := s.pool.Exec(ctx, query, table, key, data); err != nil {
		return pipeline.Transient("upsert "+table, err)
	}
	return nil
}

// Select returns rows of table whose data contains every filter entry,
// oldest first.
func (s *Store) Select(ctx context.Context, table string, filter pipeline.Record) ([]pipeline.Record, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Select", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
		attribute.String("db.collection.name", table),
	))
	defer span.End()

	out, err := s.selectRows(ctx, table, filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("db.response.returned_rows", len(out)))
	return out, nil
}

func (s *Store) selectRows(ctx context.Context, table string, filter pipeline.Record) ([]pipeline.Record, error) {
	if !pipeline.KnownTable(table) {
		return nil, fmt.Errorf("pgstore: unknown table %q", table)
	}
	if filter == nil {
		filter = pipeline.Record{}
	}
	want, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("marshal filter: %w", err)
	}

	query := `SELECT data FROM warden_records
	WHERE tbl = $1 AND data @> $2::jsonb
	ORDER BY created_at, key`

	rows, err := s.pool.Query(ctx, query, table, want)
	if err != nil {
		return nil, pipeline.Transient("select "+table, err)
	}
	defer rows.Close()

	var out []pipeline.Record
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		var rec pipeline.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode %s row: %w", table, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, pipeline.Transient("select "+table, err)
	}
	return out, nil
}
