package index

import (
	"math"
	"strings"

	"github.com/segmentcore/engine/internal/payload/condition"
)

// geohashPrecision is the bucket resolution used to index geo points.
// Buckets are never refined to a longer prefix; they back PayloadBlocks
// only.
const geohashPrecision = 6

// GeoIndex buckets points by geohash prefix, per spec.md §4.2 ("geo indexes
// use geohash buckets"). Filter does not consult the buckets: it runs a
// brute-force haversine/rectangle check over every indexed point. The
// geohash encoding itself uses only the standard library (base32 bit
// interleaving), so no third-party geohash library is wired here.
type GeoIndex struct {
	key     string
	buckets map[string]map[uint32]struct{}
	values  map[uint32][]condition.GeoPoint
}

func NewGeoIndex(key string) *GeoIndex {
	return &GeoIndex{key: key, buckets: map[string]map[uint32]struct{}{}, values: map[uint32][]condition.GeoPoint{}}
}

func (idx *GeoIndex) Load() error  { return nil }
func (idx *GeoIndex) Flush() error { return nil }
func (idx *GeoIndex) Clear() error {
	idx.buckets = map[string]map[uint32]struct{}{}
	idx.values = map[uint32][]condition.GeoPoint{}
	return nil
}

const geohashBase32 = "0123456789bcdefghjkmnpqrstuvwxyz"

func geohashEncode(p condition.GeoPoint, precision int) string {
	latRange := [2]float64{-90, 90}
	lonRange := [2]float64{-180, 180}
	var sb strings.Builder
	bit, ch, evenBit := 0, 0, true
	for sb.Len() < precision {
		if evenBit {
			mid := (lonRange[0] + lonRange[1]) / 2
			if p.Lon >= mid {
				ch |= 1 << (4 - bit)
				lonRange[0] = mid
			} else {
				lonRange[1] = mid
			}
		} else {
			mid := (latRange[0] + latRange[1]) / 2
			if p.Lat >= mid {
				ch |= 1 << (4 - bit)
				latRange[0] = mid
			} else {
				latRange[1] = mid
			}
		}
		evenBit = !evenBit
		if bit < 4 {
			bit++
		} else {
			sb.WriteByte(geohashBase32[ch])
			bit, ch = 0, 0
		}
	}
	return sb.String()
}

func haversineMeters(a, b condition.GeoPoint) float64 {
	const earthRadius = 6371000.0
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadius * math.Asin(math.Sqrt(h))
}

func (idx *GeoIndex) matchCandidates(offset uint32, cond condition.Condition) bool {
	if cond.Field == nil || cond.Field.Key != idx.key {
		return false
	}
	for _, p := range idx.values[offset] {
		if geoPointMatches(p, *cond.Field) {
			return true
		}
	}
	return false
}

// geoPointMatches reports whether p satisfies fc's GeoRadius or
// GeoBoundingBox bound.
func geoPointMatches(p condition.GeoPoint, fc condition.FieldCondition) bool {
	if r := fc.GeoRadius; r != nil && haversineMeters(p, r.Center) <= r.Radius {
		return true
	}
	if b := fc.GeoBoundingBox; b != nil &&
		p.Lat <= b.TopLeft.Lat && p.Lat >= b.BottomRight.Lat &&
		p.Lon >= b.TopLeft.Lon && p.Lon <= b.BottomRight.Lon {
		return true
	}
	return false
}

// GeoPointsFromValue decodes a raw payload value into the geo points it
// represents — a single {lat, lon} object or a list of them, the same shape
// AddPoint accepts — for use by the query planner's payload-fetch-and-check
// fallback when no GeoIndex exists for the field.
func GeoPointsFromValue(v any) []condition.GeoPoint {
	var out []condition.GeoPoint
	for _, item := range flattenAny(v) {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		lat, latOk := asFloat(m["lat"])
		lon, lonOk := asFloat(m["lon"])
		if latOk && lonOk {
			out = append(out, condition.GeoPoint{Lat: lat, Lon: lon})
		}
	}
	return out
}

// GeoMatches reports whether any point decoded from v satisfies fc's
// GeoRadius or GeoBoundingBox bound.
func GeoMatches(v any, fc condition.FieldCondition) bool {
	for _, p := range GeoPointsFromValue(v) {
		if geoPointMatches(p, fc) {
			return true
		}
	}
	return false
}

func flattenAny(v any) []any {
	if arr, ok := v.([]any); ok {
		return arr
	}
	return []any{v}
}

func (idx *GeoIndex) Filter(cond condition.Condition) ([]uint32, bool) {
	if cond.Field == nil || cond.Field.Key != idx.key || (cond.Field.GeoRadius == nil && cond.Field.GeoBoundingBox == nil) {
		return nil, false
	}
	var out []uint32
	for offset := range idx.values {
		if idx.matchCandidates(offset, cond) {
			out = append(out, offset)
		}
	}
	return out, true
}

func (idx *GeoIndex) EstimateCardinality(cond condition.Condition, totalPoints int) (Cardinality, bool) {
	offsets, ok := idx.Filter(cond)
	if !ok {
		return Cardinality{}, false
	}
	n := len(offsets)
	return clampCardinality(Cardinality{Min: n, Exp: n, Max: n}, totalPoints), true
}

func (idx *GeoIndex) PayloadBlocks(threshold int) []PayloadBlock {
	var blocks []PayloadBlock
	for hash, offs := range idx.buckets {
		if len(offs) >= threshold {
			_ = hash
			blocks = append(blocks, PayloadBlock{Count: len(offs)})
		}
	}
	return blocks
}

func (idx *GeoIndex) AddPoint(offset uint32, values []any) error {
	_ = idx.RemovePoint(offset)
	var points []condition.GeoPoint
	for _, v := range values {
		if m, ok := v.(map[string]any); ok {
			lat, latOk := asFloat(m["lat"])
			lon, lonOk := asFloat(m["lon"])
			if latOk && lonOk {
				p := condition.GeoPoint{Lat: lat, Lon: lon}
				points = append(points, p)
				hash := geohashEncode(p, geohashPrecision)
				if idx.buckets[hash] == nil {
					idx.buckets[hash] = map[uint32]struct{}{}
				}
				idx.buckets[hash][offset] = struct{}{}
			}
		}
	}
	if len(points) > 0 {
		idx.values[offset] = points
	}
	return nil
}

func (idx *GeoIndex) RemovePoint(offset uint32) error {
	for _, p := range idx.values[offset] {
		hash := geohashEncode(p, geohashPrecision)
		delete(idx.buckets[hash], offset)
		if len(idx.buckets[hash]) == 0 {
			delete(idx.buckets, hash)
		}
	}
	delete(idx.values, offset)
	return nil
}

func (idx *GeoIndex) ValuesCount(offset uint32) int    { return len(idx.values[offset]) }
func (idx *GeoIndex) ValuesIsEmpty(offset uint32) bool { return len(idx.values[offset]) == 0 }
