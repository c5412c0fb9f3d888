package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StatsEvent is one admission decision.
type StatsEvent struct {
	Capability string
	Key        string
	Admitted   bool
	At         time.Time
}

// StatsRecorder persists admission decisions. Recording is best effort: the
// middleware logs failures and carries on.
type StatsRecorder interface {
	Record(ctx context.Context, ev StatsEvent) error
}

// StatsReader exposes the cumulative counters of a recorder.
type StatsReader interface {
	Totals(ctx context.Context, capability string) (Counters, error)
}

var (
	_ StatsReader = (*MemoryStatsRecorder)(nil)
	_ StatsReader = (*RedisStatsRecorder)(nil)
)

// Counters holds admitted/rejected totals.
type Counters struct {
	Admitted int64 `json:"admitted"`
	Rejected int64 `json:"rejected"`
}

// MemoryStatsRecorder keeps per-capability totals in process. It never expires
// anything and is meant for development and tests.
type MemoryStatsRecorder struct {
	mu     sync.Mutex
	totals map[string]Counters
}

// NewMemoryStatsRecorder creates an empty recorder.
func NewMemoryStatsRecorder() *MemoryStatsRecorder {
	return &MemoryStatsRecorder{totals: make(map[string]Counters)}
}

// Record implements StatsRecorder.
func (m *MemoryStatsRecorder) Record(_ context.Context, ev StatsEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.totals[ev.Capability]
	if ev.Admitted {
		c.Admitted++
	} else {
		c.Rejected++
	}
	m.totals[ev.Capability] = c
	return nil
}

// Totals returns the counters for capability. It never fails.
func (m *MemoryStatsRecorder) Totals(_ context.Context, capability string) (Counters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totals[capability], nil
}

// RedisStatsRecorder writes decision counters to Redis hashes:
//
//	<prefix>:total                       field <capability>:<outcome>
//	<prefix>:minute:<yyyymmddhhmm>       field <capability>:<outcome>, expires after ttl
//
// Client keys are never written, to keep cardinality bounded.
type RedisStatsRecorder struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

// RedisStatsOption configures a RedisStatsRecorder.
type RedisStatsOption func(*RedisStatsRecorder)

// WithStatsPrefix sets the key prefix.
func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsRecorder) {
		if p := strings.Trim(prefix, ":"); p != "" {
			s.prefix = p
		}
	}
}

// WithStatsTTL sets the expiry of per-minute hashes. Zero disables expiry.
func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsRecorder) { s.ttl = d }
}

// NewRedisStatsRecorder creates a recorder on top of an existing client.
func NewRedisStatsRecorder(rdb redis.Cmdable, opts ...RedisStatsOption) *RedisStatsRecorder {
	s := &RedisStatsRecorder{
		rdb:    rdb,
		prefix: "chorecoach:ratelimit",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record implements StatsRecorder.
func (s *RedisStatsRecorder) Record(ctx context.Context, ev StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	outcome := "rejected"
	if ev.Admitted {
		outcome = "admitted"
	}
	field := ev.Capability + ":" + outcome
	minuteKey := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":total", field, 1)
	pipe.HIncrBy(ctx, minuteKey, field, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, minuteKey, s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record rate limit stats: %w", err)
	}
	return nil
}

// Ping checks that Redis is reachable.
func (s *RedisStatsRecorder) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Totals reads the cumulative counters for capability.
func (s *RedisStatsRecorder) Totals(ctx context.Context, capability string) (Counters, error) {
	vals, err := s.rdb.HMGet(ctx, s.prefix+":total", capability+":admitted", capability+":rejected").Result()
	if err != nil {
		return Counters{}, fmt.Errorf("read rate limit stats: %w", err)
	}

	var c Counters
	c.Admitted = parseCount(vals[0])
	c.Rejected = parseCount(vals[1])
	return c, nil
}

func parseCount(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
