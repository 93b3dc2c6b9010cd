package index

import "github.com/segmentcore/engine/internal/payload/condition"

// KeywordIndex is an inverted index from string value to offsets, per
// spec.md §4.2 ("keyword ... indexes are inverted") and original_source's
// `MapIndex<SmolStr>` (field_index_base.rs).
type KeywordIndex struct {
	key      string
	postings map[string]map[uint32]struct{}
	values   map[uint32][]string
}

func NewKeywordIndex(key string) *KeywordIndex {
	return &KeywordIndex{key: key, postings: map[string]map[uint32]struct{}{}, values: map[uint32][]string{}}
}

func (idx *KeywordIndex) Load() error  { return nil }
func (idx *KeywordIndex) Flush() error { return nil }
func (idx *KeywordIndex) Clear() error {
	idx.postings = map[string]map[uint32]struct{}{}
	idx.values = map[uint32][]string{}
	return nil
}

func (idx *KeywordIndex) matchValues(cond condition.Condition) ([]string, bool) {
	if cond.Field == nil || cond.Field.Key != idx.key || cond.Field.Match == nil {
		return nil, false
	}
	m := cond.Field.Match
	if m.Value != nil {
		if s, ok := m.Value.(string); ok {
			return []string{s}, true
		}
		return nil, false
	}
	if len(m.Any) > 0 {
		var out []string
		for _, v := range m.Any {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	}
	return nil, false
}

func (idx *KeywordIndex) Filter(cond condition.Condition) ([]uint32, bool) {
	values, ok := idx.matchValues(cond)
	if !ok {
		return nil, false
	}
	seen := map[uint32]struct{}{}
	var out []uint32
	for _, v := range values {
		for off := range idx.postings[v] {
			if _, dup := seen[off]; !dup {
				seen[off] = struct{}{}
				out = append(out, off)
			}
		}
	}
	return out, true
}

func (idx *KeywordIndex) EstimateCardinality(cond condition.Condition, totalPoints int) (Cardinality, bool) {
	offsets, ok := idx.Filter(cond)
	if !ok {
		return Cardinality{}, false
	}
	n := len(offsets)
	return clampCardinality(Cardinality{Min: n, Exp: n, Max: n}, totalPoints), true
}

func (idx *KeywordIndex) PayloadBlocks(threshold int) []PayloadBlock {
	var blocks []PayloadBlock
	for v, offs := range idx.postings {
		if len(offs) >= threshold {
			val := v
			blocks = append(blocks, PayloadBlock{
				Condition: condition.FieldCond(condition.FieldCondition{Key: idx.key, Match: &condition.Match{Value: val}}),
				Count:     len(offs),
			})
		}
	}
	return blocks
}

func (idx *KeywordIndex) AddPoint(offset uint32, values []any) error {
	_ = idx.RemovePoint(offset)
	var strs []string
	for _, v := range values {
		if s, ok := v.(string); ok {
			strs = append(strs, s)
			if idx.postings[s] == nil {
				idx.postings[s] = map[uint32]struct{}{}
			}
			idx.postings[s][offset] = struct{}{}
		}
	}
	if len(strs) > 0 {
		idx.values[offset] = strs
	}
	return nil
}

func (idx *KeywordIndex) RemovePoint(offset uint32) error {
	for _, v := range idx.values[offset] {
		delete(idx.postings[v], offset)
		if len(idx.postings[v]) == 0 {
			delete(idx.postings, v)
		}
	}
	delete(idx.values, offset)
	return nil
}

func (idx *KeywordIndex) ValuesCount(offset uint32) int    { return len(idx.values[offset]) }
func (idx *KeywordIndex) ValuesIsEmpty(offset uint32) bool { return len(idx.values[offset]) == 0 }

// IntMapIndex is the integer analogue of KeywordIndex, per spec.md §4.2's
// "integer-map indexes are inverted".
type IntMapIndex struct {
	key      string
	postings map[int64]map[uint32]struct{}
	values   map[uint32][]int64
}

func NewIntMapIndex(key string) *IntMapIndex {
	return &IntMapIndex{key: key, postings: map[int64]map[uint32]struct{}{}, values: map[uint32][]int64{}}
}

func (idx *IntMapIndex) Load() error  { return nil }
func (idx *IntMapIndex) Flush() error { return nil }
func (idx *IntMapIndex) Clear() error {
	idx.postings = map[int64]map[uint32]struct{}{}
	idx.values = map[uint32][]int64{}
	return nil
}

func (idx *IntMapIndex) matchValues(cond condition.Condition) ([]int64, bool) {
	if cond.Field == nil || cond.Field.Key != idx.key || cond.Field.Match == nil {
		return nil, false
	}
	m := cond.Field.Match
	if m.Value != nil {
		if f, ok := asFloat(m.Value); ok {
			return []int64{int64(f)}, true
		}
		return nil, false
	}
	if len(m.Any) > 0 {
		var out []int64
		for _, v := range m.Any {
			if f, ok := asFloat(v); ok {
				out = append(out, int64(f))
			}
		}
		return out, true
	}
	return nil, false
}

func (idx *IntMapIndex) Filter(cond condition.Condition) ([]uint32, bool) {
	values, ok := idx.matchValues(cond)
	if !ok {
		return nil, false
	}
	seen := map[uint32]struct{}{}
	var out []uint32
	for _, v := range values {
		for off := range idx.postings[v] {
			if _, dup := seen[off]; !dup {
				seen[off] = struct{}{}
				out = append(out, off)
			}
		}
	}
	return out, true
}

func (idx *IntMapIndex) EstimateCardinality(cond condition.Condition, totalPoints int) (Cardinality, bool) {
	offsets, ok := idx.Filter(cond)
	if !ok {
		return Cardinality{}, false
	}
	n := len(offsets)
	return clampCardinality(Cardinality{Min: n, Exp: n, Max: n}, totalPoints), true
}

func (idx *IntMapIndex) PayloadBlocks(threshold int) []PayloadBlock {
	var blocks []PayloadBlock
	for v, offs := range idx.postings {
		if len(offs) >= threshold {
			val := v
			blocks = append(blocks, PayloadBlock{
				Condition: condition.FieldCond(condition.FieldCondition{Key: idx.key, Match: &condition.Match{Value: val}}),
				Count:     len(offs),
			})
		}
	}
	return blocks
}

func (idx *IntMapIndex) AddPoint(offset uint32, values []any) error {
	_ = idx.RemovePoint(offset)
	var ints []int64
	for _, v := range values {
		if f, ok := asFloat(v); ok {
			iv := int64(f)
			ints = append(ints, iv)
			if idx.postings[iv] == nil {
				idx.postings[iv] = map[uint32]struct{}{}
			}
			idx.postings[iv][offset] = struct{}{}
		}
	}
	if len(ints) > 0 {
		idx.values[offset] = ints
	}
	return nil
}

func (idx *IntMapIndex) RemovePoint(offset uint32) error {
	for _, v := range idx.values[offset] {
		delete(idx.postings[v], offset)
		if len(idx.postings[v]) == 0 {
			delete(idx.postings, v)
		}
	}
	delete(idx.values, offset)
	return nil
}

func (idx *IntMapIndex) ValuesCount(offset uint32) int    { return len(idx.values[offset]) }
func (idx *IntMapIndex) ValuesIsEmpty(offset uint32) bool { return len(idx.values[offset]) == 0 }
