package storage

import (
	"context"
	"database/sql"
	"fmt"

	"chorecoach/internal/models"
	"chorecoach/internal/ratelimit"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS rate_limit_decisions (
	capability   TEXT    NOT NULL,
	minute_start INTEGER NOT NULL,
	admitted     INTEGER NOT NULL DEFAULT 0,
	rejected     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (capability, minute_start)
)`

const sqliteRecord = `
INSERT INTO rate_limit_decisions (capability, minute_start, admitted, rejected)
VALUES (?, ?, ?, ?)
ON CONFLICT (capability, minute_start) DO UPDATE
SET admitted = admitted + excluded.admitted,
    rejected = rejected + excluded.rejected`

const sqliteTotals = `
SELECT COALESCE(SUM(admitted), 0), COALESCE(SUM(rejected), 0)
FROM rate_limit_decisions
WHERE capability = ?`

// SQLiteStore keeps decision counters in a local SQLite file. Writes go through
// a single connection; SQLite allows one writer at a time anyway.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at cfg.DSN (a file path or ":memory:") and
// creates the counters table if needed.
func NewSQLiteStore(ctx context.Context, cfg models.DatabaseConfig) (*SQLiteStore, error) {
	if cfg.DSN == "" {
		return nil, ErrMissingDSN
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, stmt := range []string{"PRAGMA busy_timeout = 5000", sqliteSchema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Record implements ratelimit.StatsRecorder.
func (ss *SQLiteStore) Record(ctx context.Context, ev ratelimit.StatsEvent) error {
	admitted, rejected := outcome(ev)
	if _, err := ss.db.ExecContext(ctx, sqliteRecord, ev.Capability, minuteStart(ev.At), admitted, rejected); err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}
	return nil
}

// Totals implements ratelimit.StatsReader.
func (ss *SQLiteStore) Totals(ctx context.Context, capability string) (ratelimit.Counters, error) {
	var c ratelimit.Counters
	if err := ss.db.QueryRowContext(ctx, sqliteTotals, capability).Scan(&c.Admitted, &c.Rejected); err != nil {
		return ratelimit.Counters{}, fmt.Errorf("failed to read totals for %s: %w", capability, err)
	}
	return c, nil
}

// Ping checks the connection.
func (ss *SQLiteStore) Ping(ctx context.Context) error {
	return ss.db.PingContext(ctx)
}

// Close closes the database.
func (ss *SQLiteStore) Close() error {
	return ss.db.Close()
}
