package storage

import (
	"context"
	"fmt"

	"chorecoach/internal/models"
)

// Open creates the SQL-backed Store selected by cfg.Type. Memory and Redis
// recorders live in the ratelimit package and are rejected here.
func Open(ctx context.Context, cfg models.StatsConfig) (Store, error) {
	switch cfg.Type {
	case models.StatsTypePostgres:
		return NewPostgresStore(ctx, cfg.Database)
	case models.StatsTypeSQLite:
		return NewSQLiteStore(ctx, cfg.Database)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, cfg.Type)
	}
}

// SupportedTypes lists the stats types Open accepts.
func SupportedTypes() []string {
	return []string{models.StatsTypePostgres, models.StatsTypeSQLite}
}
