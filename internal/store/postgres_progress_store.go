package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const createRunsTable = `
	CREATE TABLE IF NOT EXISTS streaming_runs (
		run_id           UUID PRIMARY KEY,
		node_id          TEXT NOT NULL,
		operation        TEXT NOT NULL,
		description      TEXT NOT NULL,
		state            TEXT NOT NULL,
		ranges_total     INTEGER NOT NULL,
		ranges_remaining INTEGER NOT NULL,
		sources          JSONB NOT NULL DEFAULT '[]',
		error            TEXT NOT NULL DEFAULT '',
		started_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS streaming_runs_node_started
		ON streaming_runs (node_id, started_at DESC);
`

// PostgresProgressStore implements ProgressStore for PostgreSQL
type PostgresProgressStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresProgressStore connects to dsn and creates the runs table if it
// does not exist
func NewPostgresProgressStore(ctx context.Context, dsn string, maxConns int32, logger *zap.Logger) (*PostgresProgressStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, createRunsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create streaming_runs table: %w", err)
	}

	return &PostgresProgressStore{pool: pool, logger: logger}, nil
}

// SaveRun upserts the run record
func (s *PostgresProgressStore) SaveRun(ctx context.Context, r *RunRecord) error {
	sources, err := json.Marshal(r.Sources)
	if err != nil {
		return fmt.Errorf("failed to marshal sources: %w", err)
	}

	query := `
		INSERT INTO streaming_runs (run_id, node_id, operation, description, state,
			ranges_total, ranges_remaining, sources, error, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (run_id) DO UPDATE SET
			state = EXCLUDED.state,
			ranges_total = EXCLUDED.ranges_total,
			ranges_remaining = EXCLUDED.ranges_remaining,
			sources = EXCLUDED.sources,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at
	`
	_, err = s.pool.Exec(ctx, query,
		r.RunID.String(),
		r.NodeID,
		r.Operation,
		r.Description,
		string(r.State),
		r.RangesTotal,
		r.RangesRemaining,
		sources,
		r.Error,
		r.StartedAt,
		r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", r.RunID, err)
	}
	return nil
}

const selectRun = `
	SELECT run_id::text, node_id, operation, description, state,
		ranges_total, ranges_remaining, sources, error, started_at, updated_at
	FROM streaming_runs
`

// GetRun retrieves a run record
func (s *PostgresProgressStore) GetRun(ctx context.Context, runID uuid.UUID) (*RunRecord, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, selectRun+" WHERE run_id = $1", runID.String()))
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return r, nil
}

// ListRuns returns the latest runs of a node
func (s *PostgresProgressStore) ListRuns(ctx context.Context, nodeID string, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, selectRun+" WHERE node_id = $1 ORDER BY started_at DESC LIMIT $2", nodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanRun(row pgx.Row) (*RunRecord, error) {
	var (
		r       RunRecord
		id      string
		state   string
		sources []byte
	)
	err := row.Scan(
		&id,
		&r.NodeID,
		&r.Operation,
		&r.Description,
		&state,
		&r.RangesTotal,
		&r.RangesRemaining,
		&sources,
		&r.Error,
		&r.StartedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if r.RunID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid run id %q: %w", id, err)
	}
	r.State = RunState(state)
	r.StartedAt = r.StartedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	if err := json.Unmarshal(sources, &r.Sources); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sources: %w", err)
	}
	return &r, nil
}

// Ping checks the database connection
func (s *PostgresProgressStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresProgressStore) Close() {
	s.pool.Close()
}
