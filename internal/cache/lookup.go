// Package cache provides the bounded TTL cache used to remember existence
// verdicts of expensive directory lookups.
package cache

import (
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// ErrInvalidCapacity is returned when a cache is created without room for
// at least one entry.
var ErrInvalidCapacity = errors.New("cache capacity must be positive")

// Options configures a LookupCache.
type Options struct {
	// Capacity bounds the positive and the negative structure, each.
	Capacity    int
	PositiveTTL time.Duration
	NegativeTTL time.Duration
	// InvalidateOpposite removes a key from the other structure on insert,
	// so a fresh verdict is never masked by a stale one of the opposite
	// polarity.
	InvalidateOpposite bool
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Stats counts cache outcomes since creation.
type Stats struct {
	PositiveHits uint64
	NegativeHits uint64
	Misses       uint64
	Expired      uint64
}

// LookupCache maps a key to a boolean verdict. Positive and negative
// verdicts live in two independent LRUs of equal capacity, each entry
// stamped with its absolute expiry. Expired entries are removed lazily when
// read.
type LookupCache[K comparable] struct {
	mu       sync.Mutex
	pos      *simplelru.LRU[K, time.Time]
	neg      *simplelru.LRU[K, time.Time]
	ttlPos   time.Duration
	ttlNeg   time.Duration
	opposite bool
	now      func() time.Time
	stats    Stats
}

// New creates an empty LookupCache.
func New[K comparable](opts Options) (*LookupCache[K], error) {
	if opts.Capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	pos, err := simplelru.NewLRU[K, time.Time](opts.Capacity, nil)
	if err != nil {
		return nil, err
	}
	neg, err := simplelru.NewLRU[K, time.Time](opts.Capacity, nil)
	if err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &LookupCache[K]{
		pos:      pos,
		neg:      neg,
		ttlPos:   opts.PositiveTTL,
		ttlNeg:   opts.NegativeTTL,
		opposite: opts.InvalidateOpposite,
		now:      opts.Clock,
	}, nil
}

// Get returns the cached verdict for key. ok is false when nothing valid is
// cached. The positive structure is consulted first.
func (c *LookupCache[K]) Get(key K) (verdict bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	if validUntil, found := c.pos.Get(key); found {
		if fresh(now, validUntil, c.ttlPos) {
			c.stats.PositiveHits++
			return true, true
		}
		c.pos.Remove(key)
		c.stats.Expired++
	}

	if validUntil, found := c.neg.Get(key); found {
		if fresh(now, validUntil, c.ttlNeg) {
			c.stats.NegativeHits++
			return false, true
		}
		c.neg.Remove(key)
		c.stats.Expired++
	}

	c.stats.Misses++
	return false, false
}

// fresh reports whether an entry stamped validUntil may still be served.
// The expiry instant itself is valid; a zero TTL never is.
func fresh(now, validUntil time.Time, ttl time.Duration) bool {
	return ttl > 0 && !now.After(validUntil)
}

// InsertPos records a positive verdict valid for the positive TTL.
func (c *LookupCache[K]) InsertPos(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pos.Add(key, c.now().Add(c.ttlPos))
	if c.opposite {
		c.neg.Remove(key)
	}
}

// InsertNeg records a negative verdict valid for the negative TTL.
func (c *LookupCache[K]) InsertNeg(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.neg.Add(key, c.now().Add(c.ttlNeg))
	if c.opposite {
		c.pos.Remove(key)
	}
}

// Insert records verdict for key.
func (c *LookupCache[K]) Insert(key K, verdict bool) {
	if verdict {
		c.InsertPos(key)
	} else {
		c.InsertNeg(key)
	}
}

// Clear drops every entry. Capacity and TTLs are unchanged.
func (c *LookupCache[K]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pos.Purge()
	c.neg.Purge()
}

// Len returns the number of positive and negative entries held, including
// expired ones not yet read.
func (c *LookupCache[K]) Len() (positive, negative int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.pos.Len(), c.neg.Len()
}

// Stats returns a snapshot of the hit and miss counters.
func (c *LookupCache[K]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stats
}
