// Package pacing enforces per-campaign spend pacing and per-user
// frequency caps (spec §4.2 step 6). It keeps the teacher's
// FNV-sharded state-map-with-circuit-breaker shape from its adaptive
// rate limiter, repurposed: "domain" becomes "campaign", QPS token
// buckets become spend-unit token buckets, and the breaker trips on a
// campaign's own error feedback instead of HTTP status codes. Unlike
// an outbound rate limiter, pacing never blocks a request waiting for
// budget to refill — a request against an exhausted budget is denied
// immediately, since blocking would risk the processor's deadline.
package pacing

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"

	engmodels "github.com/fenwickads/bidcore/engine/models"
)

// ErrCircuitOpen means the campaign's breaker has tripped on repeated
// failures and is cooling down.
var ErrCircuitOpen = errors.New("pacing: campaign circuit open")

// Decision is the outcome of a pacing check.
type Decision struct {
	Allowed bool
	Reason  engmodels.NoBidReason
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Limiter enforces spend pacing and frequency caps across campaigns.
type Limiter struct {
	cfg   engmodels.PacingConfig
	clock Clock

	shards []*campaignShard
	mask   uint64

	freqMu  sync.Mutex
	freq    map[string]*freqWindow

	stopCh  chan struct{}
	evictWG sync.WaitGroup
	stopOnce sync.Once
}

type campaignShard struct {
	mu        sync.RWMutex
	campaigns map[string]*campaignState
}

// New constructs a Limiter. Shards must be a power of two; a
// non-positive or non-power-of-two value is replaced by the default 16.
func New(cfg engmodels.PacingConfig) *Limiter {
	if cfg.Shards <= 0 || (cfg.Shards&(cfg.Shards-1)) != 0 {
		cfg.Shards = 16
	}
	if cfg.CampaignStateTTL <= 0 {
		cfg.CampaignStateTTL = 2 * time.Minute
	}
	if cfg.FrequencyCapWindow <= 0 {
		cfg.FrequencyCapWindow = time.Hour
	}
	shards := make([]*campaignShard, cfg.Shards)
	for i := range shards {
		shards[i] = &campaignShard{campaigns: make(map[string]*campaignState)}
	}
	l := &Limiter{
		cfg:    cfg,
		clock:  realClock{},
		shards: shards,
		mask:   uint64(cfg.Shards - 1),
		freq:   make(map[string]*freqWindow),
		stopCh: make(chan struct{}),
	}
	l.startEvictionLoop()
	return l
}

// WithClock overrides the clock, for deterministic tests.
func (l *Limiter) WithClock(c Clock) *Limiter {
	if c != nil {
		l.clock = c
	}
	return l
}

func (l *Limiter) shardIndex(campaignID string) uint64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(campaignID))
	return uint64(h.Sum32()) & l.mask
}

func (l *Limiter) stateFor(campaignID string) *campaignState {
	idx := l.shardIndex(campaignID)
	sh := l.shards[idx]
	sh.mu.RLock()
	st := sh.campaigns[campaignID]
	sh.mu.RUnlock()
	if st != nil {
		return st
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if st = sh.campaigns[campaignID]; st == nil {
		st = newCampaignState(l.cfg, l.clock.Now())
		sh.campaigns[campaignID] = st
	}
	return st
}

// CheckSpend attempts to reserve spendCPM units of budget for
// campaignID. It never blocks: either the budget has room (consumed
// immediately) or the request is denied.
func (l *Limiter) CheckSpend(campaignID string, spendCPM float64) Decision {
	if !l.cfg.Enabled {
		return Decision{Allowed: true}
	}
	st := l.stateFor(campaignID)
	ok, err := st.tryReserve(l.cfg, spendCPM, l.clock.Now())
	if err != nil {
		return Decision{Allowed: false, Reason: engmodels.NoBidPacingThrottled}
	}
	if !ok {
		return Decision{Allowed: false, Reason: engmodels.NoBidPacingThrottled}
	}
	return Decision{Allowed: true}
}

// Feedback adjusts a campaign's effective spend rate based on recent
// processing outcomes (e.g. scorer errors attributed to its offers),
// tripping the breaker on sustained failure.
func (l *Limiter) Feedback(campaignID string, errOccurred bool) {
	if !l.cfg.Enabled {
		return
	}
	st := l.stateFor(campaignID)
	st.applyFeedback(l.cfg, errOccurred, l.clock.Now())
}

// CheckFrequency enforces the per user+campaign window cap. Returns
// Decision.Allowed = false with NoBidFrequencyCapped if the user has
// already seen campaignID FrequencyCapMax times within the window.
func (l *Limiter) CheckFrequency(userID, campaignID string) Decision {
	if !l.cfg.Enabled || l.cfg.FrequencyCapMax <= 0 || userID == "" {
		return Decision{Allowed: true}
	}
	key := userID + "|" + campaignID
	now := l.clock.Now()

	l.freqMu.Lock()
	defer l.freqMu.Unlock()
	w := l.freq[key]
	if w == nil || now.Sub(w.windowStart) >= l.cfg.FrequencyCapWindow {
		w = &freqWindow{windowStart: now}
		l.freq[key] = w
	}
	if w.count >= l.cfg.FrequencyCapMax {
		return Decision{Allowed: false, Reason: engmodels.NoBidFrequencyCapped}
	}
	w.count++
	return Decision{Allowed: true}
}

type freqWindow struct {
	windowStart time.Time
	count       int
}

func (l *Limiter) startEvictionLoop() {
	l.evictWG.Add(1)
	go l.evictLoop()
}

func (l *Limiter) evictLoop() {
	defer l.evictWG.Done()
	interval := l.cfg.CampaignStateTTL / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) evictIdle() {
	ttl := l.cfg.CampaignStateTTL
	if ttl <= 0 {
		return
	}
	now := l.clock.Now()
	for _, sh := range l.shards {
		sh.mu.Lock()
		for id, st := range sh.campaigns {
			st.mu.Lock()
			idle := now.Sub(st.lastActivity)
			st.mu.Unlock()
			if idle >= ttl {
				delete(sh.campaigns, id)
			}
		}
		sh.mu.Unlock()
	}
	l.freqMu.Lock()
	for key, w := range l.freq {
		if now.Sub(w.windowStart) >= l.cfg.FrequencyCapWindow*2 {
			delete(l.freq, key)
		}
	}
	l.freqMu.Unlock()
}

// Close stops the eviction loop.
func (l *Limiter) Close() error {
	l.stopOnce.Do(func() { close(l.stopCh); l.evictWG.Wait() })
	return nil
}
