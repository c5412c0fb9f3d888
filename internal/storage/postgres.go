package storage

import (
	"context"
	"fmt"

	"chorecoach/internal/models"
	"chorecoach/internal/ratelimit"

	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS rate_limit_decisions (
	capability   TEXT   NOT NULL,
	minute_start BIGINT NOT NULL,
	admitted     BIGINT NOT NULL DEFAULT 0,
	rejected     BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (capability, minute_start)
)`

const postgresRecord = `
INSERT INTO rate_limit_decisions (capability, minute_start, admitted, rejected)
VALUES ($1, $2, $3, $4)
ON CONFLICT (capability, minute_start) DO UPDATE
SET admitted = rate_limit_decisions.admitted + EXCLUDED.admitted,
    rejected = rate_limit_decisions.rejected + EXCLUDED.rejected`

const postgresTotals = `
SELECT COALESCE(SUM(admitted), 0)::BIGINT, COALESCE(SUM(rejected), 0)::BIGINT
FROM rate_limit_decisions
WHERE capability = $1`

// PostgresStore keeps decision counters in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings and creates the counters table if needed.
func NewPostgresStore(ctx context.Context, cfg models.DatabaseConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, ErrMissingDSN
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Record implements ratelimit.StatsRecorder.
func (ps *PostgresStore) Record(ctx context.Context, ev ratelimit.StatsEvent) error {
	admitted, rejected := outcome(ev)
	if _, err := ps.pool.Exec(ctx, postgresRecord, ev.Capability, minuteStart(ev.At), admitted, rejected); err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}
	return nil
}

// Totals implements ratelimit.StatsReader.
func (ps *PostgresStore) Totals(ctx context.Context, capability string) (ratelimit.Counters, error) {
	var c ratelimit.Counters
	if err := ps.pool.QueryRow(ctx, postgresTotals, capability).Scan(&c.Admitted, &c.Rejected); err != nil {
		return ratelimit.Counters{}, fmt.Errorf("failed to read totals for %s: %w", capability, err)
	}
	return c, nil
}

// Ping checks the connection.
func (ps *PostgresStore) Ping(ctx context.Context) error {
	return ps.pool.Ping(ctx)
}

// Close closes the pool. It always returns nil.
func (ps *PostgresStore) Close() error {
	ps.pool.Close()
	return nil
}
