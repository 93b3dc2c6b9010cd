// Package index implements spec.md §4.2's field index contract and the
// concrete variants named in §9 ("dynamic polymorphism across index kinds"):
// numeric (Int/Float), keyword/int-map (inverted), geo (geohash bucket), and
// full-text. The shared capability set and the tagged-variant plan are
// grounded directly on original_source's
// index/field_index/field_index_base.rs (`PayloadFieldIndex` trait,
// `FieldIndex` enum) and struct_payload_index.rs for how a segment composes
// per-field indexes. Numeric range queries use github.com/google/btree's
// generic BTreeG, the same library milvus pulls in for its own ordered
// indexes.
package index

import "github.com/segmentcore/engine/internal/payload/condition"

// Cardinality is the {min, exp, max} triple of spec.md §4.4.
type Cardinality struct {
	Min int
	Exp int
	Max int
}

// PayloadBlock names a condition covering at least `threshold` points,
// consumed by the vector index builder to decide HNSW payload-aware links.
type PayloadBlock struct {
	Condition condition.Condition
	Count     int
}

// FieldIndex is the shared contract every index variant implements, mirroring
// original_source's `PayloadFieldIndex` trait plus the `ValueIndexer`
// mutation methods folded into one Go interface.
type FieldIndex interface {
	Load() error
	Clear() error
	Flush() error

	// Filter returns the offsets matching condition, or (nil, false) if this
	// index cannot answer the condition (caller falls back to payload scan).
	Filter(cond condition.Condition) ([]uint32, bool)

	// EstimateCardinality returns (estimate, true) if this index can answer
	// the condition, or (zero, false) otherwise.
	EstimateCardinality(cond condition.Condition, totalPoints int) (Cardinality, bool)

	PayloadBlocks(threshold int) []PayloadBlock

	AddPoint(offset uint32, values []any) error
	RemovePoint(offset uint32) error

	ValuesCount(offset uint32) int
	ValuesIsEmpty(offset uint32) bool
}

// clampCardinality enforces 0 <= min <= exp <= max <= total, the hard-bounds
// invariant tested by §8 property 6.
func clampCardinality(c Cardinality, total int) Cardinality {
	if c.Min < 0 {
		c.Min = 0
	}
	if c.Max > total {
		c.Max = total
	}
	if c.Exp < c.Min {
		c.Exp = c.Min
	}
	if c.Exp > c.Max {
		c.Exp = c.Max
	}
	return c
}
