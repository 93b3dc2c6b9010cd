package index

import (
	"github.com/google/btree"
	"github.com/spf13/cast"

	"github.com/segmentcore/engine/internal/payload/condition"
)

// numericEntry is one (value, offset) pair stored in the btree, ordered by
// value then offset so ties are stable and range scans are deterministic.
type numericEntry struct {
	value  float64
	offset uint32
}

func lessNumericEntry(a, b numericEntry) bool {
	if a.value != b.value {
		return a.value < b.value
	}
	return a.offset < b.offset
}

// NumericIndex answers range queries over one numeric payload field via a
// sorted btree.BTreeG histogram, per spec.md §4.2 ("Numeric indexes answer
// range queries via a sorted histogram") and original_source's
// `NumericIndex<T>` (field_index_base.rs).
type NumericIndex struct {
	key     string
	tree    *btree.BTreeG[numericEntry]
	values  map[uint32][]float64
}

func NewNumericIndex(key string) *NumericIndex {
	return &NumericIndex{
		key:    key,
		tree:   btree.NewG(32, lessNumericEntry),
		values: map[uint32][]float64{},
	}
}

func (idx *NumericIndex) Load() error  { return nil }
func (idx *NumericIndex) Clear() error { idx.tree.Clear(false); idx.values = map[uint32][]float64{}; return nil }
func (idx *NumericIndex) Flush() error { return nil }

func (idx *NumericIndex) matches(cond condition.Condition) (*condition.Range, bool) {
	if cond.Field == nil || cond.Field.Key != idx.key || cond.Field.Range == nil {
		return nil, false
	}
	return cond.Field.Range, true
}

func (idx *NumericIndex) Filter(cond condition.Condition) ([]uint32, bool) {
	rng, ok := idx.matches(cond)
	if !ok {
		return nil, false
	}
	var out []uint32
	idx.tree.Ascend(func(e numericEntry) bool {
		if InRange(e.value, rng) {
			out = append(out, e.offset)
		}
		return true
	})
	return out, true
}

// InRange reports whether v satisfies r, exported so the query planner's
// payload-fetch-and-check fallback can apply the same bounds test this
// index uses when no field index exists for a Range condition.
func InRange(v float64, r *condition.Range) bool {
	if r.Gt != nil && !(v > *r.Gt) {
		return false
	}
	if r.Gte != nil && !(v >= *r.Gte) {
		return false
	}
	if r.Lt != nil && !(v < *r.Lt) {
		return false
	}
	if r.Lte != nil && !(v <= *r.Lte) {
		return false
	}
	return true
}

func (idx *NumericIndex) EstimateCardinality(cond condition.Condition, totalPoints int) (Cardinality, bool) {
	offsets, ok := idx.Filter(cond)
	if !ok {
		return Cardinality{}, false
	}
	n := len(offsets)
	return clampCardinality(Cardinality{Min: n, Exp: n, Max: n}, totalPoints), true
}

func (idx *NumericIndex) PayloadBlocks(threshold int) []PayloadBlock {
	// Numeric fields rarely form single-value blocks worth pre-indexing for
	// HNSW payload-aware links; no blocks are reported.
	return nil
}

func (idx *NumericIndex) AddPoint(offset uint32, values []any) error {
	_ = idx.RemovePoint(offset)
	var fvals []float64
	for _, v := range values {
		if f, ok := asFloat(v); ok {
			fvals = append(fvals, f)
			idx.tree.ReplaceOrInsert(numericEntry{value: f, offset: offset})
		}
	}
	if len(fvals) > 0 {
		idx.values[offset] = fvals
	}
	return nil
}

func (idx *NumericIndex) RemovePoint(offset uint32) error {
	for _, v := range idx.values[offset] {
		idx.tree.Delete(numericEntry{value: v, offset: offset})
	}
	delete(idx.values, offset)
	return nil
}

func (idx *NumericIndex) ValuesCount(offset uint32) int { return len(idx.values[offset]) }
func (idx *NumericIndex) ValuesIsEmpty(offset uint32) bool {
	return len(idx.values[offset]) == 0
}

// asFloat coerces a decoded JSON payload value to float64 via spf13/cast,
// which also accepts numeric strings — payloads set through SetField may
// arrive already stringified depending on the caller.
func asFloat(v any) (float64, bool) {
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, false
	}
	return f, true
}
