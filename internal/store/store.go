// Package store keeps an optional log of completed inferences in PostgreSQL.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dj-oyu/licenseai-gateway/pkg/types"
)

// MaxRecent caps the rows returned by Recent
const MaxRecent = 500

// Store manages the PostgreSQL pool
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database and ensures the schema exists
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS inference_results (
			id BIGSERIAL PRIMARY KEY,
			request_id TEXT NOT NULL,
			upload_name TEXT NOT NULL DEFAULT '',
			fps DOUBLE PRECISION NOT NULL DEFAULT 0,
			boxes JSONB NOT NULL DEFAULT '[]'::jsonb,
			error TEXT NOT NULL DEFAULT '',
			latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS inference_results_created_at_idx ON inference_results (created_at DESC);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close releases all connections
func (s *Store) Close() {
	s.pool.Close()
}

// RecordResult inserts one completed inference
func (s *Store) RecordResult(ctx context.Context, ev types.ResultEvent) error {
	boxes := ev.Boxes
	if boxes == nil {
		boxes = []types.Box{}
	}
	boxesJSON, err := json.Marshal(boxes)
	if err != nil {
		return fmt.Errorf("encode boxes: %w", err)
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO inference_results (request_id, upload_name, fps, boxes, error, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.RequestID, ev.UploadName, ev.FPS, boxesJSON, ev.Error, ev.LatencyMS, ts)
	return err
}

// Recent returns the newest results first
func (s *Store) Recent(ctx context.Context, limit int) ([]types.ResultEvent, error) {
	if limit <= 0 || limit > MaxRecent {
		limit = MaxRecent
	}

	rows, err := s.pool.Query(ctx, `
		SELECT request_id, upload_name, fps, boxes, error, latency_ms, created_at
		FROM inference_results
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.ResultEvent, error) {
		var ev types.ResultEvent
		var boxesJSON []byte
		if err := row.Scan(&ev.RequestID, &ev.UploadName, &ev.FPS, &boxesJSON, &ev.Error, &ev.LatencyMS, &ev.Timestamp); err != nil {
			return ev, err
		}
		if err := json.Unmarshal(boxesJSON, &ev.Boxes); err != nil {
			return ev, fmt.Errorf("decode boxes for %s: %w", ev.RequestID, err)
		}
		return ev, nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Get returns the stored result for requestID
func (s *Store) Get(ctx context.Context, requestID string) (types.ResultEvent, error) {
	var ev types.ResultEvent
	var boxesJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT request_id, upload_name, fps, boxes, error, latency_ms, created_at
		FROM inference_results WHERE request_id = $1
		ORDER BY id DESC LIMIT 1
	`, requestID).Scan(&ev.RequestID, &ev.UploadName, &ev.FPS, &boxesJSON, &ev.Error, &ev.LatencyMS, &ev.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return ev, ErrNotFound
	}
	if err != nil {
		return ev, err
	}
	if err := json.Unmarshal(boxesJSON, &ev.Boxes); err != nil {
		return ev, fmt.Errorf("decode boxes for %s: %w", requestID, err)
	}
	return ev, nil
}

// ErrNotFound is returned by Get for unknown request ids
var ErrNotFound = errors.New("result not found")
