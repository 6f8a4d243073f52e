// Package postgres persists task attempt history in Postgres.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawlic/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for run rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Ping(context.Context) error
	Close()
}

// RunStore implements store.RunRepository.
type RunStore struct {
	pool  pool
	table string
}

// NewRunStore connects to Postgres using cfg.
func NewRunStore(ctx context.Context, cfg Config) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewRunStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewRunStoreWithPool constructs a store from an existing pool.
func NewRunStoreWithPool(p pool, table string) (*RunStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "task_runs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RunStore{pool: p, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks the connection.
func (s *RunStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Migrate creates the runs table when missing.
func (s *RunStore) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	task_id     uuid        NOT NULL,
	attempt     integer     NOT NULL,
	kind        text        NOT NULL,
	url         text        NOT NULL,
	started_at  timestamptz NOT NULL,
	finished_at timestamptz,
	outcome     text        NOT NULL,
	note        text,
	pages       bigint      NOT NULL DEFAULT 0,
	bytes       bigint      NOT NULL DEFAULT 0,
	PRIMARY KEY (task_id, attempt)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// StartRun implements store.RunRepository.
func (s *RunStore) StartRun(
	ctx context.Context,
	taskID uuid.UUID,
	attempt int,
	kind, url string,
	at time.Time,
) error {
	query := fmt.Sprintf(`
INSERT INTO %s (task_id, attempt, kind, url, started_at, outcome)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (task_id, attempt) DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, query, taskID, attempt, kind, url, at, store.RunRunning); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun implements store.RunRepository.
func (s *RunStore) FinishRun(
	ctx context.Context,
	taskID uuid.UUID,
	attempt int,
	at time.Time,
	outcome store.RunOutcome,
	note *string,
) error {
	query := fmt.Sprintf(`
UPDATE %s SET finished_at = $1, outcome = $2, note = $3
WHERE task_id = $4 AND attempt = $5`, s.table)
	if _, err := s.pool.Exec(ctx, query, at, outcome, note, taskID, attempt); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// AddPageLoads implements store.RunRepository.
func (s *RunStore) AddPageLoads(ctx context.Context, taskID uuid.UUID, attempt int, pages, bytes int64) error {
	query := fmt.Sprintf(`
UPDATE %s SET pages = pages + $1, bytes = bytes + $2
WHERE task_id = $3 AND attempt = $4`, s.table)
	if _, err := s.pool.Exec(ctx, query, pages, bytes, taskID, attempt); err != nil {
		return fmt.Errorf("add page loads: %w", err)
	}
	return nil
}

// ListRuns implements store.RunRepository.
func (s *RunStore) ListRuns(ctx context.Context, taskID uuid.UUID) ([]store.TaskRun, error) {
	query := fmt.Sprintf(`
SELECT task_id, attempt, kind, url, started_at, finished_at, outcome, note, pages, bytes
FROM %s
WHERE task_id = $1
ORDER BY attempt`, s.table)
	rows, err := s.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.TaskRun
	for rows.Next() {
		var run store.TaskRun
		if err := rows.Scan(
			&run.TaskID,
			&run.Attempt,
			&run.Kind,
			&run.URL,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Outcome,
			&run.Note,
			&run.Pages,
			&run.Bytes,
		); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	if len(runs) == 0 {
		return nil, store.ErrNotFound
	}
	return runs, nil
}
