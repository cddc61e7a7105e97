// Package processor implements the request processor (spec §4.2): the
// component that turns one BidRequest into a BidResponse (or no-bid)
// within its deadline, coordinating the catalog, cache, batcher, and
// pacing limiter. Shape grounded on the teacher's pipeline stage
// functions (engine/internal/pipeline.go): a linear sequence of steps
// each checked against a context deadline, returning a classified error
// the caller (the agent pool) can act on without string matching.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fenwickads/bidcore/engine/internal/batcher"
	"github.com/fenwickads/bidcore/engine/internal/cache"
	"github.com/fenwickads/bidcore/engine/internal/catalog"
	"github.com/fenwickads/bidcore/engine/internal/fingerprint"
	"github.com/fenwickads/bidcore/engine/internal/pacing"
	engmodels "github.com/fenwickads/bidcore/engine/models"
)

// TelemetryEmitter is the non-blocking telemetry boundary (C1) the
// processor pushes Bid/NoBid events to. Implementations must never
// block the caller; a full buffer drops the event.
type TelemetryEmitter interface {
	Emit(ev engmodels.TelemetryEvent)
}

// FeatureBuilder turns one candidate offer plus request context into a
// scorer input row. Injected so the processor stays agnostic of the
// concrete feature schema (spec §6 leaves tensor shape to deployment).
type FeatureBuilder func(req *engmodels.BidRequest, imp *engmodels.Impression, offer engmodels.CandidateOffer) []float32

// Config holds the processor's own tunables layered on top of its
// collaborators' configs.
type Config struct {
	TopK                 int
	StepBudgetFloor      time.Duration // minimum remaining budget to attempt another step
	ScorerStepEstimate   time.Duration // 95th-percentile cost estimate for a batcher round trip (static config value)
}

// DefaultConfig returns sane defaults; TopK=1 since a BidResponse
// carries a single winning offer per impression.
func DefaultConfig() Config {
	return Config{TopK: 1, StepBudgetFloor: time.Millisecond, ScorerStepEstimate: 5 * time.Millisecond}
}

// Processor wires the catalog, cache, batcher, pacing limiter, and
// telemetry sink into the algorithm described in spec §4.2.
type Processor struct {
	cfg       Config
	catalog   *catalog.Publisher
	cache     *cache.Cache
	batcher   *batcher.Batcher
	pacer     *pacing.Limiter
	telemetry TelemetryEmitter
	features  FeatureBuilder
	now       func() time.Time
}

// New constructs a Processor. features may be nil, in which case a
// trivial two-feature row (the offer's base bid and the impression's
// floor price) is used.
func New(cfg Config, cat *catalog.Publisher, ch *cache.Cache, b *batcher.Batcher, pacer *pacing.Limiter, telemetry TelemetryEmitter, features FeatureBuilder) *Processor {
	if cfg.TopK <= 0 {
		cfg.TopK = 1
	}
	if features == nil {
		features = defaultFeatures
	}
	return &Processor{cfg: cfg, catalog: cat, cache: ch, batcher: b, pacer: pacer, telemetry: telemetry, features: features, now: time.Now}
}

func defaultFeatures(req *engmodels.BidRequest, imp *engmodels.Impression, offer engmodels.CandidateOffer) []float32 {
	return []float32{float32(offer.BaseBid), float32(imp.FloorPriceCPM)}
}

// Process implements spec §4.2 for every impression in req, returning
// the highest-value bid across impressions (or the last no-bid reason
// if none bid). Every impression's outcome is telemetered individually
// regardless of which one this call returns.
func (p *Processor) Process(ctx context.Context, req *engmodels.BidRequest) (*engmodels.BidResponse, error) {
	if err := req.Validate(0); err != nil {
		return nil, engmodels.NewClassifiedError(engmodels.KindInvalidRequest, err)
	}

	var best *engmodels.BidResponse
	var lastErr error
	for i := range req.Impressions {
		resp, err := p.processOne(ctx, req, &req.Impressions[i])
		if err != nil {
			lastErr = err
			continue
		}
		p.emitOutcome(req, &req.Impressions[i], resp)
		if resp.Reason == engmodels.NoBidNone && (best == nil || resp.PriceCPM > best.PriceCPM) {
			best = resp
		} else if best == nil || best.Reason != engmodels.NoBidNone {
			best = resp
		}
	}
	if best != nil {
		return best, nil
	}
	return nil, lastErr
}

// processOne runs the full per-impression algorithm: fingerprint,
// fetch-or-compute, post-scoring policy.
func (p *Processor) processOne(ctx context.Context, req *engmodels.BidRequest, imp *engmodels.Impression) (*engmodels.BidResponse, error) {
	if remaining(ctx) <= p.cfg.StepBudgetFloor {
		return noBid(req, imp, engmodels.NoBidDeadlineExceeded, p.now()), nil
	}

	fp := fingerprint.Compute(req, imp)

	entry, err := p.cache.GetOrCompute(ctx, fp, func(computeCtx context.Context) (engmodels.CacheEntry, error) {
		return p.computeOffers(computeCtx, req, imp, fp)
	})
	if err != nil {
		return p.handleComputeError(req, imp, fp, err)
	}

	return p.applyPolicy(req, imp, entry), nil
}

// computeOffers is the cache-miss compute closure: catalog eligibility,
// batcher round trip, rank, truncate to TopK (spec §4.2 steps 3-5).
func (p *Processor) computeOffers(ctx context.Context, req *engmodels.BidRequest, imp *engmodels.Impression, fp engmodels.Fingerprint) (engmodels.CacheEntry, error) {
	snap := p.catalog.Current()
	candidates := catalog.Eligible(snap, req)
	if len(candidates) == 0 {
		return engmodels.CacheEntry{Negative: true, NegativeExpiryNS: p.now().Add(p.cache.NegativeTTL()).UnixNano()}, nil
	}

	if remaining(ctx) <= p.cfg.ScorerStepEstimate {
		return engmodels.CacheEntry{}, engmodels.NewClassifiedError(engmodels.KindDeadlineExceeded, engmodels.ErrDeadlineExceeded)
	}

	rows := make([][]float32, len(candidates))
	for i, c := range candidates {
		rows[i] = p.features(req, imp, c)
	}

	deadline, _ := ctx.Deadline()
	if deadline.IsZero() {
		deadline = p.now().Add(p.cfg.ScorerStepEstimate)
	}
	ticket := &engmodels.BatchTicket{
		Fingerprint: fp,
		Rows:        rows,
		Candidates:  candidates,
		Deadline:    deadline,
		ResultCh:    make(chan engmodels.BatchResult, 1),
	}
	if err := p.batcher.Submit(ctx, ticket); err != nil {
		return engmodels.CacheEntry{}, engmodels.NewClassifiedError(engmodels.KindInternal, err)
	}

	var result engmodels.BatchResult
	select {
	case result = <-ticket.ResultCh:
	case <-ctx.Done():
		return engmodels.CacheEntry{}, engmodels.NewClassifiedError(engmodels.KindDeadlineExceeded, ctx.Err())
	}
	if result.Err != nil {
		return engmodels.CacheEntry{}, engmodels.NewClassifiedError(engmodels.KindScorerTransient, result.Err)
	}

	scored := make([]engmodels.ScoredOffer, len(candidates))
	expiry := p.now().Add(p.cache.JitteredPositiveTTL()).UnixNano()
	for i, c := range candidates {
		scored[i] = engmodels.ScoredOffer{OfferID: c.OfferID, Score: float64(result.Scores[i]), ExpiryNS: expiry}
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > p.cfg.TopK {
		scored = scored[:p.cfg.TopK]
	}
	return engmodels.CacheEntry{Offers: scored}, nil
}

// handleComputeError implements the error semantics in spec §4.2's
// "Error semantics" paragraph: scorer failure falls back to a stale
// cache entry within STALE_GRACE, else a permanent NoBid.
func (p *Processor) handleComputeError(req *engmodels.BidRequest, imp *engmodels.Impression, fp engmodels.Fingerprint, err error) (*engmodels.BidResponse, error) {
	var classified *engmodels.ClassifiedError
	if errors.As(err, &classified) && classified.Kind == engmodels.KindScorerTransient {
		if stale, ok := p.cache.GetStale(fp); ok {
			return p.applyPolicy(req, imp, stale), nil
		}
		return noBid(req, imp, engmodels.NoBidScorerError, p.now()), nil
	}
	if errors.As(err, &classified) && classified.Kind == engmodels.KindDeadlineExceeded {
		return noBid(req, imp, engmodels.NoBidDeadlineExceeded, p.now()), nil
	}
	return nil, fmt.Errorf("processor: compute offers: %w", err)
}

// applyPolicy implements spec §4.2 step 6: floor, pacing, frequency
// cap, all evaluated against the request's actual floor and the
// winning candidate's actual score (not the catalog's static BaseBid).
func (p *Processor) applyPolicy(req *engmodels.BidRequest, imp *engmodels.Impression, entry engmodels.CacheEntry) *engmodels.BidResponse {
	if entry.Negative || len(entry.Offers) == 0 {
		return noBid(req, imp, engmodels.NoBidNoEligibleOffer, p.now())
	}
	winner := entry.Offers[0]
	price := scoreToPrice(winner.Score)
	if price < imp.FloorPriceCPM {
		return noBid(req, imp, engmodels.NoBidBelowFloor, p.now())
	}

	snap := p.catalog.Current()
	offer, ok := snap.ByOffer(winner.OfferID)
	if !ok {
		return noBid(req, imp, engmodels.NoBidNoEligibleOffer, p.now())
	}

	if p.pacer != nil {
		if d := p.pacer.CheckSpend(offer.CampaignID, price); !d.Allowed {
			return noBid(req, imp, d.Reason, p.now())
		}
		if req.User != nil {
			if d := p.pacer.CheckFrequency(req.User.HashedID, offer.CampaignID); !d.Allowed {
				return noBid(req, imp, d.Reason, p.now())
			}
		}
	}

	return &engmodels.BidResponse{
		RequestID:  req.RequestID,
		ImpID:      imp.ID,
		Offer:      &winner,
		PriceCPM:   price,
		Reason:     engmodels.NoBidNone,
		ComputedAt: p.now(),
	}
}

// scoreToPrice maps a [0,1] model score to a CPM price. Grounded on
// spec §4.2's score_to_bid; a plain linear map is the simplest
// monotonic function satisfying "higher score, higher bid" without
// deployment-specific pricing curves baked into the core.
func scoreToPrice(score float64) float64 {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

func (p *Processor) emitOutcome(req *engmodels.BidRequest, imp *engmodels.Impression, resp *engmodels.BidResponse) {
	if p.telemetry == nil {
		return
	}
	ev := engmodels.TelemetryEvent{
		RequestID:  req.RequestID,
		Reason:     resp.Reason,
		PriceCPM:   resp.PriceCPM,
		OccurredAt: resp.ComputedAt,
	}
	if resp.Reason == engmodels.NoBidNone {
		ev.Type = engmodels.EventBid
		if resp.Offer != nil {
			ev.OfferID = resp.Offer.OfferID
		}
	} else {
		ev.Type = engmodels.EventNoBid
	}
	p.telemetry.Emit(ev)
}

func noBid(req *engmodels.BidRequest, imp *engmodels.Impression, reason engmodels.NoBidReason, now time.Time) *engmodels.BidResponse {
	return &engmodels.BidResponse{RequestID: req.RequestID, ImpID: imp.ID, Reason: reason, ComputedAt: now}
}

func remaining(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return time.Hour
	}
	return time.Until(deadline)
}
