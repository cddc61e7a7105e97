// Package fingerprint computes the stable cache key for a BidRequest:
// the cache-relevant subset described in spec §3 (user-segment
// fingerprint, geo bucket, device class, site id, placement size,
// floor bucket).
package fingerprint

import (
	"crypto/md5"
	"fmt"
	"strconv"

	engmodels "github.com/fenwickads/bidcore/engine/models"
)

// floorBucketWidth quantizes floor prices into buckets so near-identical
// floors share a fingerprint instead of fragmenting the cache.
const floorBucketWidth = 0.05

// Compute derives the fingerprint for one impression within req. Equal
// inputs always yield equal fingerprints; unequal inputs may only
// collide at hash-collision probability (MD5 gives us 128 bits, same
// width as the spec's Fingerprint type).
func Compute(req *engmodels.BidRequest, imp *engmodels.Impression) engmodels.Fingerprint {
	siteID := ""
	if req.Site != nil {
		siteID = req.Site.ID
	} else if req.App != nil {
		siteID = req.App.ID
	}
	segment := ""
	if req.User != nil {
		segment = req.User.SegmentFingerprint
	}
	floorBucket := floorBucket(imp.FloorPriceCPM)

	input := segment + "|" +
		req.Device.GeoBucket + "|" +
		req.Device.DeviceClass + "|" +
		siteID + "|" +
		strconv.Itoa(imp.Width) + "x" + strconv.Itoa(imp.Height) + "|" +
		floorBucket

	return engmodels.Fingerprint(md5.Sum([]byte(input)))
}

func floorBucket(floor float64) string {
	bucket := int64(floor / floorBucketWidth)
	return fmt.Sprintf("%d", bucket)
}
