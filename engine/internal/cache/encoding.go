package cache

import (
	"encoding/binary"
	"fmt"
	"math"

	engmodels "github.com/fenwickads/bidcore/engine/models"
)

func float64bits(f float64) uint64    { return math.Float64bits(f) }
func float64frombits(b uint64) float64 { return math.Float64frombits(b) }

// Wire format (spec §6): "a versioned, self-describing encoding
// (version byte + length-prefixed entries)". Kept deliberately simple
// (fixed-width fields, no external schema) since L2 is a soft shared
// hint, not a consistency oracle (§4.4).
const wireVersion byte = 1

// encodeEntry serializes a CacheEntry for the L2 backend.
func encodeEntry(entry engmodels.CacheEntry) []byte {
	buf := make([]byte, 0, 1+1+8+len(entry.Offers)*64)
	buf = append(buf, wireVersion)
	if entry.Negative {
		buf = append(buf, 1)
		var ts [8]byte
		binary.BigEndian.PutUint64(ts[:], uint64(entry.NegativeExpiryNS))
		buf = append(buf, ts[:]...)
		return buf
	}
	buf = append(buf, 0)
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(entry.Offers)))
	buf = append(buf, countBuf[:]...)
	for _, o := range entry.Offers {
		idBytes := []byte(o.OfferID)
		var idLen [2]byte
		binary.BigEndian.PutUint16(idLen[:], uint16(len(idBytes)))
		buf = append(buf, idLen[:]...)
		buf = append(buf, idBytes...)

		var scoreBits [8]byte
		binary.BigEndian.PutUint64(scoreBits[:], float64bits(o.Score))
		buf = append(buf, scoreBits[:]...)

		var expBuf [8]byte
		binary.BigEndian.PutUint64(expBuf[:], uint64(o.ExpiryNS))
		buf = append(buf, expBuf[:]...)
	}
	return buf
}

// decodeEntry parses the wire format written by encodeEntry.
func decodeEntry(raw []byte) (engmodels.CacheEntry, error) {
	if len(raw) < 2 || raw[0] != wireVersion {
		return engmodels.CacheEntry{}, fmt.Errorf("%w: unexpected version byte", errDecode)
	}
	negative := raw[1] == 1
	rest := raw[2:]
	if negative {
		if len(rest) < 8 {
			return engmodels.CacheEntry{}, fmt.Errorf("%w: truncated negative entry", errDecode)
		}
		ts := int64(binary.BigEndian.Uint64(rest[:8]))
		return engmodels.CacheEntry{Negative: true, NegativeExpiryNS: ts}, nil
	}
	if len(rest) < 4 {
		return engmodels.CacheEntry{}, fmt.Errorf("%w: truncated offer count", errDecode)
	}
	count := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]
	offers := make([]engmodels.ScoredOffer, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(rest) < 2 {
			return engmodels.CacheEntry{}, fmt.Errorf("%w: truncated offer id length", errDecode)
		}
		idLen := binary.BigEndian.Uint16(rest[:2])
		rest = rest[2:]
		if len(rest) < int(idLen)+16 {
			return engmodels.CacheEntry{}, fmt.Errorf("%w: truncated offer body", errDecode)
		}
		id := string(rest[:idLen])
		rest = rest[idLen:]
		score := float64frombits(binary.BigEndian.Uint64(rest[:8]))
		rest = rest[8:]
		expiry := int64(binary.BigEndian.Uint64(rest[:8]))
		rest = rest[8:]
		offers = append(offers, engmodels.ScoredOffer{OfferID: id, Score: score, ExpiryNS: expiry})
	}
	return engmodels.CacheEntry{Offers: offers}, nil
}
