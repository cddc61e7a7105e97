package pacing

import (
	"math"
	"sync"
	"time"

	engmodels "github.com/fenwickads/bidcore/engine/models"
)

const (
	circuitClosed = iota
	circuitOpen
	circuitHalfOpen
)

type breakerState struct {
	state       int
	nextAttempt time.Time
	failures    int
	successes   int
}

// campaignState tracks one campaign's remaining spend budget (as a
// token bucket refilled at its effective spend rate, in CPM units per
// second) and a breaker that trips when the campaign's own processing
// keeps erroring (e.g. its scorer calls keep failing).
type campaignState struct {
	mu           sync.Mutex
	lastActivity time.Time

	spendRate     float64 // units/sec the bucket refills at
	bucketTokens  float64
	lastRefill    time.Time

	breaker breakerState
}

func newCampaignState(cfg engmodels.PacingConfig, now time.Time) *campaignState {
	rate := cfg.InitialSpendRate
	if rate <= 0 {
		rate = 1
	}
	capacity := cfg.SpendBucketCapacity
	if capacity <= 0 {
		capacity = rate
	}
	return &campaignState{
		lastActivity: now,
		spendRate:    rate,
		bucketTokens: capacity,
		lastRefill:   now,
	}
}

// tryReserve attempts a non-blocking withdrawal of cost units from the
// campaign's bucket. It never waits: insufficient tokens is a denial.
func (c *campaignState) tryReserve(cfg engmodels.PacingConfig, cost float64, now time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = now

	if c.breaker.state == circuitOpen {
		if now.After(c.breaker.nextAttempt) {
			c.breaker.state = circuitHalfOpen
		} else {
			return false, ErrCircuitOpen
		}
	}

	elapsed := now.Sub(c.lastRefill).Seconds()
	if elapsed > 0 {
		capacity := cfg.SpendBucketCapacity
		if capacity <= 0 {
			capacity = c.spendRate
		}
		c.bucketTokens += elapsed * c.spendRate
		if c.bucketTokens > capacity {
			c.bucketTokens = capacity
		}
		c.lastRefill = now
	}

	if cost <= 0 {
		cost = 1
	}
	if c.bucketTokens >= cost {
		c.bucketTokens -= cost
		return true, nil
	}
	return false, nil
}

func (c *campaignState) applyFeedback(cfg engmodels.PacingConfig, errOccurred bool, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = now

	minRate := cfg.MinSpendRate
	if minRate <= 0 {
		minRate = 0.01
	}
	maxRate := cfg.MaxSpendRate
	if maxRate <= 0 {
		maxRate = 1000
	}

	if errOccurred {
		c.spendRate = math.Max(c.spendRate*0.8, minRate)
		c.breaker.failures++
	} else {
		c.spendRate = math.Min(c.spendRate*1.05, maxRate)
		if c.breaker.state == circuitClosed {
			c.breaker.failures = 0
		}
		if c.breaker.state == circuitHalfOpen {
			c.breaker.successes++
		}
	}

	consecutiveTrip := cfg.ConsecutiveFailThreshold
	if consecutiveTrip <= 0 {
		consecutiveTrip = 5
	}
	openDuration := cfg.OpenStateDuration
	if openDuration <= 0 {
		openDuration = 5 * time.Second
	}

	switch c.breaker.state {
	case circuitHalfOpen:
		if c.breaker.successes >= 3 {
			c.breaker = breakerState{state: circuitClosed}
		} else if c.breaker.failures > 0 {
			c.breaker = breakerState{state: circuitOpen, nextAttempt: now.Add(openDuration)}
		}
	case circuitClosed:
		if c.breaker.failures >= consecutiveTrip {
			c.breaker = breakerState{state: circuitOpen, nextAttempt: now.Add(openDuration)}
		}
	}
}
