// Package models defines the bid-serving data model shared across the
// queue, processor, batcher, cache, and telemetry packages.
package models

import (
	"errors"
	"time"
)

// Impression is one biddable slot within a BidRequest.
type Impression struct {
	ID              string  `json:"id"`
	FloorPriceCPM   float64 `json:"floor_price_cpm"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	PlacementType   string  `json:"placement_type"`
}

// User carries a stable hashed identity plus a precomputed segment
// fingerprint; the core never sees raw PII.
type User struct {
	HashedID          string `json:"hashed_id,omitempty"`
	SegmentFingerprint string `json:"segment_fingerprint,omitempty"`
}

// Site describes web inventory context. App is its app-inventory
// counterpart; a BidRequest carries exactly one of the two.
type Site struct {
	ID     string `json:"id"`
	Domain string `json:"domain,omitempty"`
}

type App struct {
	ID     string `json:"id"`
	Bundle string `json:"bundle,omitempty"`
}

// Device holds the device attributes relevant to eligibility and
// fingerprinting (class bucket, geo bucket).
type Device struct {
	GeoBucket   string `json:"geo_bucket,omitempty"`
	DeviceClass string `json:"device_class,omitempty"`
}

// BidRequest is the externally received record the transport layer
// constructs and the core treats as read-only for its whole lifetime.
type BidRequest struct {
	RequestID   string       `json:"request_id"`
	Impressions []Impression `json:"impressions"`
	User        *User        `json:"user,omitempty"`
	Site        *Site        `json:"site,omitempty"`
	App         *App         `json:"app,omitempty"`
	Device      Device       `json:"device"`
	TmaxMS      int          `json:"tmax_ms"`
	ReceivedAt  time.Time    `json:"received_at"`
}

// Validate enforces the invariants in §3: a non-empty impression list,
// non-negative floors, and tmax within the configured global cap.
func (r *BidRequest) Validate(globalTmaxCapMS int) error {
	if len(r.Impressions) == 0 {
		return ErrEmptyImpressions
	}
	for i := range r.Impressions {
		if r.Impressions[i].FloorPriceCPM < 0 {
			return ErrNegativeFloor
		}
	}
	if r.TmaxMS < 1 {
		return ErrInvalidTmax
	}
	if globalTmaxCapMS > 0 && r.TmaxMS > globalTmaxCapMS {
		return ErrTmaxExceedsCap
	}
	return nil
}

// Deadline returns the absolute time by which a response must be
// emitted, derived from ReceivedAt + TmaxMS.
func (r *BidRequest) Deadline() time.Time {
	return r.ReceivedAt.Add(time.Duration(r.TmaxMS) * time.Millisecond)
}

// CandidateOffer is a catalog entry. The core never mutates these;
// catalog snapshots are swapped atomically (see engine/internal/catalog).
type CandidateOffer struct {
	OfferID         string  `json:"offer_id"`
	CampaignID      string  `json:"campaign_id"`
	BaseBid         float64 `json:"base_bid"`
	EligibilityMask uint64  `json:"eligibility_mask"`
	CreativeRef     string  `json:"creative_ref"`
}

// Fingerprint is the stable cache key for a request: the subset of
// fields that determine scoring inputs. Equal fingerprints MUST yield
// equivalent scoring; unequal fingerprints may only collide at
// hash-collision probability.
type Fingerprint [16]byte // 128-bit hash

// ScoredOffer is one ranked result inside a CacheEntry.
type ScoredOffer struct {
	OfferID  string
	Score    float64
	ExpiryNS int64
}

// CacheEntry is the immutable value stored per fingerprint: at most K
// scored offers, or a Negative marker meaning "no eligible offer",
// each carrying its own TTL via ExpiryNS on the contained offers (or
// NegativeExpiryNS when Negative is set).
type CacheEntry struct {
	Offers           []ScoredOffer
	Negative         bool
	NegativeExpiryNS int64
}

// Expired reports whether every element of the entry has passed its
// expiry relative to nowNS.
func (c CacheEntry) Expired(nowNS int64) bool {
	if c.Negative {
		return nowNS >= c.NegativeExpiryNS
	}
	if len(c.Offers) == 0 {
		return true
	}
	for _, o := range c.Offers {
		if nowNS < o.ExpiryNS {
			return false
		}
	}
	return true
}

// BatchTicket is submitted by a request processor to the inference
// batcher. ResultCh is resolved exactly once before the ticket is
// dropped; Input is the canonical tensor view the scorer consumes.
type BatchTicket struct {
	Fingerprint Fingerprint
	// Rows holds one feature row per candidate offer, positionally
	// aligned with Candidates.
	Rows       [][]float32
	Candidates []CandidateOffer
	Deadline   time.Time
	EnqueuedAt time.Time
	ResultCh   chan BatchResult
}

// BatchResult is the one-shot resolution of a BatchTicket: one score
// per row of the submitted ticket, positionally aligned with
// BatchTicket.Candidates.
type BatchResult struct {
	Scores []float32
	Err    error
}

// NoBidReason enumerates why a BidResponse carries no bid.
type NoBidReason string

const (
	NoBidNone             NoBidReason = ""
	NoBidNoEligibleOffer  NoBidReason = "no_eligible_offer"
	NoBidBelowFloor       NoBidReason = "below_floor"
	NoBidDeadlineExceeded NoBidReason = "deadline_exceeded"
	NoBidFrequencyCapped  NoBidReason = "frequency_capped"
	NoBidPacingThrottled  NoBidReason = "pacing_throttled"
	NoBidScorerError      NoBidReason = "scorer_error"
	NoBidInvalidRequest   NoBidReason = "invalid_request"
)

// BidResponse is the outcome of processing a BidRequest: either a bid
// (Offer populated, Reason == NoBidNone) or a no-bid with a reason.
type BidResponse struct {
	RequestID  string
	ImpID      string
	Offer      *ScoredOffer
	PriceCPM   float64
	Reason     NoBidReason
	ComputedAt time.Time
}

// TelemetryEventType tags a TelemetryEvent.
type TelemetryEventType string

const (
	EventRequest    TelemetryEventType = "request"
	EventBid        TelemetryEventType = "bid"
	EventNoBid      TelemetryEventType = "no_bid"
	EventWin        TelemetryEventType = "win"
	EventImpression TelemetryEventType = "impression"
	EventClick      TelemetryEventType = "click"
	EventError      TelemetryEventType = "error"
)

// MaxTelemetryEventBytes is the nominal bound on a single event's
// serialized size. The telemetry sink does not check it.
const MaxTelemetryEventBytes = 16 * 1024

// TelemetryEvent is a tagged record pushed to the telemetry sink's
// bounded channel and drained by a background writer in batches.
type TelemetryEvent struct {
	Type       TelemetryEventType
	RequestID  string
	CampaignID string
	OfferID    string
	PriceCPM   float64
	Reason     NoBidReason
	OccurredAt time.Time
}

// PacingConfig governs per-campaign spend pacing and per-user frequency
// caps, accounted for by engine/internal/pacing. Field shape follows
// the teacher's adaptive rate-limit config (shards, TTL, circuit
// breaker) repurposed for budget accounting instead of domain QPS.
type PacingConfig struct {
	Enabled bool `json:"enabled"`

	DailyBudgetUnits   float64 `json:"daily_budget_units"`
	InitialSpendRate   float64 `json:"initial_spend_rate"`
	MinSpendRate       float64 `json:"min_spend_rate"`
	MaxSpendRate       float64 `json:"max_spend_rate"`
	SpendBucketCapacity float64 `json:"spend_bucket_capacity"`

	ErrorRateThreshold       float64       `json:"error_rate_threshold"`
	MinSamplesToTrip         int           `json:"min_samples_to_trip"`
	ConsecutiveFailThreshold int           `json:"consecutive_fail_threshold"`
	OpenStateDuration        time.Duration `json:"open_state_duration"`
	HalfOpenProbes           int           `json:"half_open_probes"`

	FrequencyCapWindow time.Duration `json:"frequency_cap_window"`
	FrequencyCapMax    int           `json:"frequency_cap_max"`

	StatsWindow     time.Duration `json:"stats_window"`
	StatsBucket     time.Duration `json:"stats_bucket"`
	CampaignStateTTL time.Duration `json:"campaign_state_ttl"`
	Shards          int           `json:"shards"`
}

// ErrorKind classifies a processing failure per spec §7, independent
// of its concrete Go error type.
type ErrorKind string

const (
	KindInvalidRequest          ErrorKind = "invalid_request"
	KindPolicyRejected          ErrorKind = "policy_rejected"
	KindDeadlineExceeded        ErrorKind = "deadline_exceeded"
	KindScorerTransient         ErrorKind = "scorer_transient"
	KindScorerInvalid           ErrorKind = "scorer_invalid"
	KindCacheBackendUnavailable ErrorKind = "cache_backend_unavailable"
	KindQueueTransient          ErrorKind = "queue_transient"
	KindInternal                ErrorKind = "internal"
)

// Transient reports whether the agent pool should nack-and-redeliver
// (true) or ack-and-terminate (false, a permanent outcome) for this
// kind.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindScorerTransient, KindCacheBackendUnavailable, KindQueueTransient:
		return true
	default:
		return false
	}
}

// ClassifiedError pairs an ErrorKind with its underlying cause so the
// agent pool can decide ack/nack/dlq without string-matching errors.
type ClassifiedError struct {
	Kind ErrorKind
	Err  error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

func NewClassifiedError(kind ErrorKind, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Err: err}
}

// Sentinel errors shared across packages.
var (
	ErrEmptyImpressions = errors.New("bid request has no impressions")
	ErrNegativeFloor    = errors.New("impression floor price is negative")
	ErrInvalidTmax      = errors.New("tmax must be >= 1ms")
	ErrTmaxExceedsCap   = errors.New("tmax exceeds global tmax cap")
	ErrDeadlineExceeded = errors.New("request deadline exceeded")
	ErrNoEligibleOffer  = errors.New("no eligible offer for fingerprint")
	ErrScorerUnavailable = errors.New("scorer unavailable")
	ErrQueueClosed      = errors.New("queue closed")
	ErrBatcherClosed    = errors.New("batcher closed")
	ErrCacheMiss        = errors.New("cache miss")
	ErrTicketTooLarge   = errors.New("telemetry event exceeds max size")
)
