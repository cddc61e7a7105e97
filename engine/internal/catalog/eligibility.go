package catalog

import (
	"hash/fnv"

	engmodels "github.com/fenwickads/bidcore/engine/models"
)

// Eligible filters a snapshot down to offers eligible for req by geo,
// device, and segment (spec §4.2 step 3). Floor enforcement happens
// later, against the scorer's output (§4.2 step 6) rather than here:
// a cached entry may legitimately retain offers that would fail a
// given request's floor, to be re-filtered per-request at serve time.
// It is a pure function of (snapshot, request) with no side effects,
// safe to call from any goroutine against a captured snapshot.
func Eligible(snap *Snapshot, req *engmodels.BidRequest) []engmodels.CandidateOffer {
	if snap == nil {
		return nil
	}
	mask := requestMask(req)
	out := make([]engmodels.CandidateOffer, 0, len(snap.Offers))
	for _, o := range snap.Offers {
		if o.EligibilityMask != 0 && o.EligibilityMask&mask == 0 {
			continue
		}
		out = append(out, o)
	}
	return out
}

// requestMask derives a bitmask from the request's geo bucket, device
// class, and user segment fingerprint so CandidateOffer.EligibilityMask
// can express "any of these buckets" via a simple AND test.
func requestMask(req *engmodels.BidRequest) uint64 {
	var mask uint64
	mask |= bitFor("geo:" + req.Device.GeoBucket)
	mask |= bitFor("dev:" + req.Device.DeviceClass)
	if req.User != nil {
		mask |= bitFor("seg:" + req.User.SegmentFingerprint)
	}
	return mask
}

func bitFor(s string) uint64 {
	if s == "geo:" || s == "dev:" || s == "seg:" {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return 1 << (h.Sum64() % 63)
}
