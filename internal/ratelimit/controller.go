package ratelimit

import (
	"fmt"
	"math/bits"
	"time"
)

// DefaultEvictionGrace is how far past its window end a bucket must be before
// the sweep removes it, unless the controller scales grace with its window.
const DefaultEvictionGrace = 60 * time.Second

// Config describes one admission controller. It is immutable once the
// controller is built.
type Config struct {
	Name          string        // Capability name, used in logs and metrics
	Capacity      int           // Requests admitted per window
	Window        time.Duration // Window length; capacity refills linearly over it
	KeyFunc       KeyFunc       // Defaults to ForwardedKey
	EvictionGrace time.Duration // Defaults to DefaultEvictionGrace
	ScaleGrace    bool          // Use Window as the grace instead of EvictionGrace
	Clock         Clock         // Used by Allow; defaults to SystemClock
	Shards        int           // Store shard count; defaults to DefaultShards
}

// Validate reports whether the configuration can build a controller.
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("%w: %s: capacity must be positive, got %d", ErrInvalidConfig, c.Name, c.Capacity)
	}
	if c.Window <= 0 {
		return fmt.Errorf("%w: %s: window must be positive, got %s", ErrInvalidConfig, c.Name, c.Window)
	}
	if c.EvictionGrace < 0 {
		return fmt.Errorf("%w: %s: eviction grace cannot be negative", ErrInvalidConfig, c.Name)
	}
	return nil
}

// Controller is a per-client token bucket admission controller.
type Controller struct {
	name     string
	capacity int
	window   time.Duration
	grace    time.Duration
	keyFunc  KeyFunc
	clock    Clock
	store    *Store
}

var _ Checker = (*Controller)(nil)

// NewController builds a controller, failing fast on malformed configuration.
func NewController(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		name:     cfg.Name,
		capacity: cfg.Capacity,
		window:   cfg.Window,
		grace:    cfg.EvictionGrace,
		keyFunc:  cfg.KeyFunc,
		clock:    cfg.Clock,
		store:    NewStore(cfg.Shards),
	}
	if c.keyFunc == nil {
		c.keyFunc = ForwardedKey
	}
	if c.clock == nil {
		c.clock = SystemClock
	}
	if c.grace == 0 {
		c.grace = DefaultEvictionGrace
	}
	if cfg.ScaleGrace {
		c.grace = cfg.Window
	}
	return c, nil
}

// Name returns the capability name.
func (c *Controller) Name() string { return c.name }

// Capacity returns the configured bucket capacity.
func (c *Controller) Capacity() int { return c.capacity }

// Window returns the configured window length.
func (c *Controller) Window() time.Duration { return c.window }

// Grace returns the effective eviction grace.
func (c *Controller) Grace() time.Duration { return c.grace }

// Stats returns the bucket store statistics.
func (c *Controller) Stats() StoreStats { return c.store.Stats() }

// Allow checks meta against the controller's clock.
func (c *Controller) Allow(meta RequestMeta) Result {
	return c.CheckLimit(meta, c.clock.Now())
}

// CheckLimit derives the client key, refills the bucket for the time elapsed
// since its last refill and consumes one token if any remain. The whole
// sequence runs under the bucket's shard lock.
func (c *Controller) CheckLimit(meta RequestMeta, now time.Time) Result {
	key := c.keyFunc(meta)

	var res Result
	c.store.update(key,
		func() bucket {
			return bucket{
				tokens:        c.capacity,
				lastRefillAt:  now,
				windowResetAt: now.Add(c.window),
			}
		},
		func(b *bucket) {
			c.refill(b, now)

			res = Result{
				Key:     key,
				Limit:   c.capacity,
				ResetAt: b.windowResetAt,
			}
			if b.tokens > 0 {
				b.tokens--
				res.Admitted = true
				res.Remaining = b.tokens
			}
		},
	)
	return res
}

// refill tops the bucket up by floor(elapsed/window*capacity) tokens.
func (c *Controller) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastRefillAt)
	if elapsed <= 0 {
		return
	}

	add := tokensFor(elapsed, c.window, c.capacity)
	if add <= 0 {
		return
	}

	b.tokens = min(b.tokens+add, c.capacity)
	b.lastRefillAt = now
	b.windowResetAt = now.Add(c.window)
}

// tokensFor computes floor(elapsed*capacity/window) without overflowing.
func tokensFor(elapsed, window time.Duration, capacity int) int {
	if elapsed >= window {
		return capacity
	}
	// elapsed < window keeps the high word below the divisor, so Div64 cannot panic.
	hi, lo := bits.Mul64(uint64(elapsed), uint64(capacity))
	q, _ := bits.Div64(hi, lo, uint64(window))
	return int(q)
}

// Sweep evicts buckets whose window ended more than the grace period before
// now and returns how many were removed. An evicted client starts over with a
// full bucket.
func (c *Controller) Sweep(now time.Time) int {
	return c.store.evictResetBefore(now.Add(-c.grace))
}
