package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultShards is the shard count used when a store is built with n <= 0.
const DefaultShards = 32

// bucket is the per-client rate state.
type bucket struct {
	tokens        int
	lastRefillAt  time.Time
	windowResetAt time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Store is an in-memory bucket map split into shards, each behind its own
// mutex. Keys hashing to different shards never contend.
type Store struct {
	shards []*shard
	mask   uint64

	created atomic.Int64
	evicted atomic.Int64
}

// StoreStats reports bucket counts for health checks and metrics.
type StoreStats struct {
	Active  int   `json:"active"`
	Created int64 `json:"created"`
	Evicted int64 `json:"evicted"`
}

// NewStore creates a store with n shards, rounded up to a power of two.
func NewStore(n int) *Store {
	if n <= 0 {
		n = DefaultShards
	}
	size := 1
	for size < n {
		size <<= 1
	}

	s := &Store{
		shards: make([]*shard, size),
		mask:   uint64(size - 1),
	}
	for i := range s.shards {
		s.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	return s.shards[xxhash.Sum64String(key)&s.mask]
}

// update runs fn with exclusive access to the bucket for key. When the key is
// absent, the bucket returned by create is inserted first. fn must not block.
func (s *Store) update(key string, create func() bucket, fn func(b *bucket)) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.buckets[key]
	if !ok {
		fresh := create()
		b = &fresh
		sh.buckets[key] = b
		s.created.Add(1)
	}
	fn(b)
}

// evictResetBefore removes buckets whose window ended before cutoff.
func (s *Store) evictResetBefore(cutoff time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, b := range sh.buckets {
			if b.windowResetAt.Before(cutoff) {
				delete(sh.buckets, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		s.evicted.Add(int64(removed))
	}
	return removed
}

// Len returns the number of live buckets.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.buckets)
		sh.mu.Unlock()
	}
	return n
}

// Stats returns current store statistics.
func (s *Store) Stats() StoreStats {
	return StoreStats{
		Active:  s.Len(),
		Created: s.created.Load(),
		Evicted: s.evicted.Load(),
	}
}
