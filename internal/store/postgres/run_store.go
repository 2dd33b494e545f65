// Package postgres persists run history rows.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/minorsearch/crawler/internal/crawl"
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

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// RunStore writes one row per finished run. It implements the run sink
// interface used by the scheduler.
type RunStore struct {
	pool  execCloser
	table string
}

// NewRunStore creates a Postgres-backed RunStore using the provided config.
func NewRunStore(ctx context.Context, cfg Config) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "crawl_runs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RunStore{pool: pool, table: table}, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily
// for testing).
func NewRunStoreWithPool(pool execCloser, table string) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "crawl_runs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RunStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CompleteRun inserts the run's history row.
func (s *RunStore) CompleteRun(ctx context.Context, result crawl.RunResult) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("run store is not configured")
	}
	if result.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	projectsJSON, err := json.Marshal(result.Projects)
	if err != nil {
		return fmt.Errorf("marshal projects: %w", err)
	}
	failuresJSON, err := json.Marshal(result.Failures)
	if err != nil {
		return fmt.Errorf("marshal failures: %w", err)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	started_at,
	finished_at,
	cancelled,
	urls_visited,
	urls_discovered,
	urls_duplicate,
	urls_over_limit,
	chunks,
	projects,
	failures
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (run_id) DO NOTHING`, s.table)

	if _, err := s.pool.Exec(ctx, query,
		result.RunID,
		result.StartedAt,
		result.FinishedAt,
		result.Cancelled,
		result.Counts.URLsVisited,
		result.Counts.URLsDiscovered,
		result.Counts.URLsDuplicate,
		result.Counts.URLsOverLimit,
		len(result.Chunks),
		projectsJSON,
		failuresJSON,
	); err != nil {
		return fmt.Errorf("insert run row: %w", err)
	}
	return nil
}
