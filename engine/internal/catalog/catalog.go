// Package catalog holds the live set of candidate offers as an
// atomically swappable snapshot. Readers capture a reference once per
// request and keep it for the whole request lifetime (longest-reader
// lifetime via Go's GC, no explicit refcounting needed).
package catalog

import (
	"sync/atomic"

	engmodels "github.com/fenwickads/bidcore/engine/models"
)

// Snapshot is an immutable view of the catalog at a point in time. The
// core never mutates a Snapshot's contents once published.
type Snapshot struct {
	Offers    []engmodels.CandidateOffer
	Version   uint64
	byOfferID map[string]*engmodels.CandidateOffer
}

// ByOffer looks up a candidate offer by id within this snapshot.
func (s *Snapshot) ByOffer(offerID string) (engmodels.CandidateOffer, bool) {
	if s == nil {
		return engmodels.CandidateOffer{}, false
	}
	o, ok := s.byOfferID[offerID]
	if !ok {
		return engmodels.CandidateOffer{}, false
	}
	return *o, true
}

func newSnapshot(version uint64, offers []engmodels.CandidateOffer) *Snapshot {
	idx := make(map[string]*engmodels.CandidateOffer, len(offers))
	for i := range offers {
		idx[offers[i].OfferID] = &offers[i]
	}
	return &Snapshot{Offers: offers, Version: version, byOfferID: idx}
}

// Publisher holds the current snapshot behind an atomic pointer and
// exposes a one-call atomic Swap. It has no subscription/invalidation
// broadcast: the cache layer clears its L1 shards on swap instead
// (§4.4), avoiding the need for readers to be notified individually.
type Publisher struct {
	cur     atomic.Pointer[Snapshot]
	version atomic.Uint64
	onSwap  func(*Snapshot)
}

// NewPublisher constructs a Publisher. onSwap, if non-nil, is invoked
// synchronously after every successful Swap (used to clear cache L1
// shards); it must not block.
func NewPublisher(initial []engmodels.CandidateOffer, onSwap func(*Snapshot)) *Publisher {
	p := &Publisher{onSwap: onSwap}
	snap := newSnapshot(0, initial)
	p.cur.Store(snap)
	return p
}

// Current returns the live snapshot. Safe for concurrent use; the
// returned pointer remains valid even after a later Swap.
func (p *Publisher) Current() *Snapshot {
	return p.cur.Load()
}

// Swap atomically replaces the snapshot and fires onSwap. In-flight
// requests that already captured the previous snapshot keep using it.
func (p *Publisher) Swap(offers []engmodels.CandidateOffer) *Snapshot {
	v := p.version.Add(1)
	snap := newSnapshot(v, offers)
	p.cur.Store(snap)
	if p.onSwap != nil {
		p.onSwap(snap)
	}
	return snap
}
