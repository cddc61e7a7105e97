// Package cache implements the two-tier cache described in spec §4.4:
// an L1 of S process-local LRU shards, each with its own single-flight
// coalescing group, backed by an L2 distributed store. The L1 shard
// shape (container/list + map, byte-budgeted eviction) is grounded on
// the teacher's engine/internal/resources.Manager LRU; single-flight
// coalescing uses golang.org/x/sync/singleflight instead of a hand
// rolled waiter list because singleflight.Group.DoChan already gives
// us exactly the semantics spec §4.4 step 2 asks for: a caller can stop
// waiting on its own deadline while the shared computation keeps running
// for everyone else still waiting on it.
package cache

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/cespare/xxhash/v2"

	engmodels "github.com/fenwickads/bidcore/engine/models"
)

// L2 is the distributed cache backend boundary (spec §6): get/set/del
// over an opaque byte encoding, with the core tolerating unavailability
// by falling through to compute.
type L2 interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// Config holds the cache tunables from spec §4.4 and §4.2.
type Config struct {
	Shards              int
	ShardCapacityBytes  int64
	PositiveTTL         time.Duration
	PositiveTTLJitter   float64 // fractional, e.g. 0.10 for +-10%
	NegativeTTL         time.Duration
	StaleGraceMultiple  int // STALE_GRACE = StaleGraceMultiple * PositiveTTL
	SweepInterval       time.Duration
	SweepSamplePerShard int
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig() Config {
	return Config{
		Shards:              64,
		ShardCapacityBytes:  8 << 20,
		PositiveTTL:         60 * time.Second,
		PositiveTTLJitter:   0.10,
		NegativeTTL:         5 * time.Second,
		StaleGraceMultiple:  2,
		SweepInterval:       time.Second,
		SweepSamplePerShard: 32,
	}
}

// ComputeFunc produces a fresh CacheEntry on a cache miss.
type ComputeFunc func(ctx context.Context) (engmodels.CacheEntry, error)

// Cache is the two-tier, sharded, single-flight-coalescing cache.
type Cache struct {
	cfg    Config
	shards []*shard
	l2     L2 // nil disables L2 entirely
	nowFn  func() time.Time
}

// New constructs a Cache. l2 may be nil to run L1-only (tests, or an
// environment with no distributed cache configured).
func New(cfg Config, l2 L2) *Cache {
	if cfg.Shards <= 0 {
		cfg.Shards = 64
	}
	c := &Cache{cfg: cfg, l2: l2, nowFn: time.Now}
	c.shards = make([]*shard, cfg.Shards)
	for i := range c.shards {
		c.shards[i] = newShard(cfg.ShardCapacityBytes)
	}
	return c
}

// StartSweep launches the per-shard probabilistic background eviction
// loop (spec §4.4 "Background maintenance") and returns a stop func.
func (c *Cache) StartSweep(ctx context.Context) func() {
	stopCh := make(chan struct{})
	for _, sh := range c.shards {
		go sh.sweepLoop(ctx, stopCh, c.cfg.SweepInterval, c.cfg.SweepSamplePerShard, c.nowFn)
	}
	return func() { close(stopCh) }
}

// ClearL1 wipes every L1 shard. Wired as the catalog Publisher's onSwap
// callback: catalog swaps are infrequent, so this is cheap relative to
// cache lifetime, and avoids a cross-node L2 invalidation broadcast.
func (c *Cache) ClearL1() {
	for _, sh := range c.shards {
		sh.clear()
	}
}

func (c *Cache) shardFor(fp engmodels.Fingerprint) *shard {
	h := xxhash.Sum64(fp[:])
	return c.shards[h%uint64(len(c.shards))]
}

// GetOrCompute implements spec §4.4 step 2: an L1 check, then a
// single-flight-coalesced L2-then-compute path, honoring ctx's
// deadline independently of the shared computation's lifetime.
func (c *Cache) GetOrCompute(ctx context.Context, fp engmodels.Fingerprint, compute ComputeFunc) (engmodels.CacheEntry, error) {
	sh := c.shardFor(fp)
	now := c.nowFn()

	if entry, ok := sh.get(fp, now.UnixNano()); ok {
		return entry, nil
	}

	key := l2Key(fp)
	resCh := sh.group.DoChan(string(fp[:]), func() (interface{}, error) {
		if c.l2 != nil {
			if raw, hit, err := c.l2.Get(context.Background(), key); err == nil && hit {
				if entry, decErr := decodeEntry(raw); decErr == nil {
					sh.put(fp, entry)
					return entry, nil
				}
			}
		}
		entry, err := compute(context.Background())
		if err != nil {
			return engmodels.CacheEntry{}, err
		}
		sh.put(fp, entry)
		if c.l2 != nil {
			ttl := c.ttlFor(entry)
			raw := encodeEntry(entry)
			go func() { _ = c.l2.Set(context.Background(), key, raw, ttl) }()
		}
		return entry, nil
	})

	select {
	case res := <-resCh:
		if res.Err != nil {
			return engmodels.CacheEntry{}, res.Err
		}
		return res.Val.(engmodels.CacheEntry), nil
	case <-ctx.Done():
		return engmodels.CacheEntry{}, fmt.Errorf("%w: %v", engmodels.ErrDeadlineExceeded, ctx.Err())
	}
}

// JitteredPositiveTTL returns PositiveTTL +-PositiveTTLJitter, used by
// callers inserting entries directly (e.g. the processor after a batch
// resolves) so repeated inserts don't stampede-expire in lockstep.
func (c *Cache) JitteredPositiveTTL() time.Duration {
	if c.cfg.PositiveTTLJitter <= 0 {
		return c.cfg.PositiveTTL
	}
	delta := float64(c.cfg.PositiveTTL) * c.cfg.PositiveTTLJitter
	offset := (rand.Float64()*2 - 1) * delta
	return c.cfg.PositiveTTL + time.Duration(offset)
}

// NegativeTTL is the fixed TTL for "no eligible offer" entries.
func (c *Cache) NegativeTTL() time.Duration { return c.cfg.NegativeTTL }

// StaleGrace is the window past expiry within which a stale entry may
// still be served if the scorer is unavailable (spec §4.2 error
// semantics: "serve cached-stale if within STALE_GRACE").
func (c *Cache) StaleGrace() time.Duration {
	mult := c.cfg.StaleGraceMultiple
	if mult <= 0 {
		mult = 2
	}
	return time.Duration(mult) * c.cfg.PositiveTTL
}

// Put inserts an already-computed entry directly into L1 (and
// best-effort into L2), bypassing single-flight. The processor does not
// call it: its entries are inserted by GetOrCompute.
func (c *Cache) Put(fp engmodels.Fingerprint, entry engmodels.CacheEntry) {
	sh := c.shardFor(fp)
	sh.put(fp, entry)
	if c.l2 != nil {
		ttl := c.ttlFor(entry)
		raw := encodeEntry(entry)
		go func() { _ = c.l2.Set(context.Background(), l2Key(fp), raw, ttl) }()
	}
}

// GetStale returns an entry even if expired, as long as it is within
// StaleGrace of its expiry, for the scorer-unavailable fallback path.
func (c *Cache) GetStale(fp engmodels.Fingerprint) (engmodels.CacheEntry, bool) {
	sh := c.shardFor(fp)
	now := c.nowFn().UnixNano()
	graceNS := c.StaleGrace().Nanoseconds()
	return sh.getWithin(fp, now, graceNS)
}

func (c *Cache) ttlFor(entry engmodels.CacheEntry) time.Duration {
	if entry.Negative {
		return c.cfg.NegativeTTL
	}
	return c.JitteredPositiveTTL()
}

func l2Key(fp engmodels.Fingerprint) string {
	return "bidcache:v1:" + fmt.Sprintf("%x", fp[:])
}

var errDecode = errors.New("cache: malformed L2 entry")
