package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS engines (
			container_id TEXT PRIMARY KEY,
			vpn_container TEXT NOT NULL DEFAULT '',
			host_http_port INTEGER NOT NULL,
			forwarded BOOLEAN NOT NULL DEFAULT FALSE,
			data JSONB NOT NULL,
			first_seen TIMESTAMPTZ NOT NULL,
			last_seen TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_engines_vpn ON engines(vpn_container)`,
		`CREATE TABLE IF NOT EXISTS streams (
			id TEXT PRIMARY KEY,
			container_id TEXT NOT NULL,
			status TEXT NOT NULL,
			data JSONB NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_streams_container ON streams(container_id)`,
		`CREATE INDEX IF NOT EXISTS idx_streams_started_at ON streams(started_at DESC)`,
		`CREATE TABLE IF NOT EXISTS stream_stats (
			stream_id TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			peers INTEGER NOT NULL DEFAULT 0,
			speed_down INTEGER NOT NULL DEFAULT 0,
			speed_up INTEGER NOT NULL DEFAULT 0,
			downloaded BIGINT NOT NULL DEFAULT 0,
			uploaded BIGINT NOT NULL DEFAULT 0,
			live_last BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (stream_id, ts)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stream_stats_ts ON stream_stats(ts)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
