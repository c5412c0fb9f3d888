// Package storage persists admission decision counters in a SQL database so
// they survive restarts. Client keys are never stored; rows are keyed by
// capability and minute.
package storage

import (
	"context"
	"time"

	"chorecoach/internal/ratelimit"
)

// Store is a durable stats backend. It satisfies the recorder and reader
// interfaces the admission middleware and the limits endpoint consume.
type Store interface {
	ratelimit.StatsRecorder
	ratelimit.StatsReader

	// Ping checks that the database answers.
	Ping(ctx context.Context) error

	// Close releases the connection pool.
	Close() error
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)

// minuteStart truncates at to the minute, in unix seconds. A zero time means now.
func minuteStart(at time.Time) int64 {
	if at.IsZero() {
		at = time.Now()
	}
	return at.UTC().Truncate(time.Minute).Unix()
}

func outcome(ev ratelimit.StatsEvent) (admitted, rejected int64) {
	if ev.Admitted {
		return 1, 0
	}
	return 0, 1
}
