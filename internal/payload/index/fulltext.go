package index

import (
	"strings"

	"github.com/segmentcore/engine/internal/payload/condition"
)

// FullTextIndex tokenizes documents and answers MatchText via AND-of-tokens
// containment, per spec.md §4.2 ("full-text indexes tokenize documents and
// answer MatchText with a parsed query plan") and original_source's
// text_index.rs tokenize/parse_query/parse_document/check_match split.
type FullTextIndex struct {
	key      string
	postings map[string]map[uint32]struct{}
	tokens   map[uint32][]string
}

func NewFullTextIndex(key string) *FullTextIndex {
	return &FullTextIndex{key: key, postings: map[string]map[uint32]struct{}{}, tokens: map[uint32][]string{}}
}

func (idx *FullTextIndex) Load() error  { return nil }
func (idx *FullTextIndex) Flush() error { return nil }
func (idx *FullTextIndex) Clear() error {
	idx.postings = map[string]map[uint32]struct{}{}
	idx.tokens = map[uint32][]string{}
	return nil
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	return fields
}

func (idx *FullTextIndex) Filter(cond condition.Condition) ([]uint32, bool) {
	if cond.Field == nil || cond.Field.Key != idx.key || cond.Field.Match == nil || cond.Field.Match.Text == "" {
		return nil, false
	}
	query := tokenize(cond.Field.Match.Text)
	if len(query) == 0 {
		return nil, true
	}
	candidates := idx.postings[query[0]]
	matched := make(map[uint32]struct{}, len(candidates))
	for off := range candidates {
		matched[off] = struct{}{}
	}
	for _, tok := range query[1:] {
		for off := range matched {
			if _, ok := idx.postings[tok][off]; !ok {
				delete(matched, off)
			}
		}
	}
	out := make([]uint32, 0, len(matched))
	for off := range matched {
		out = append(out, off)
	}
	return out, true
}

func (idx *FullTextIndex) EstimateCardinality(cond condition.Condition, totalPoints int) (Cardinality, bool) {
	offsets, ok := idx.Filter(cond)
	if !ok {
		return Cardinality{}, false
	}
	n := len(offsets)
	return clampCardinality(Cardinality{Min: n, Exp: n, Max: n}, totalPoints), true
}

func (idx *FullTextIndex) PayloadBlocks(threshold int) []PayloadBlock {
	return nil
}

func (idx *FullTextIndex) AddPoint(offset uint32, values []any) error {
	_ = idx.RemovePoint(offset)
	var allTokens []string
	for _, v := range values {
		if s, ok := v.(string); ok {
			toks := tokenize(s)
			allTokens = append(allTokens, toks...)
			for _, tok := range toks {
				if idx.postings[tok] == nil {
					idx.postings[tok] = map[uint32]struct{}{}
				}
				idx.postings[tok][offset] = struct{}{}
			}
		}
	}
	if len(allTokens) > 0 {
		idx.tokens[offset] = allTokens
	}
	return nil
}

func (idx *FullTextIndex) RemovePoint(offset uint32) error {
	for _, tok := range idx.tokens[offset] {
		delete(idx.postings[tok], offset)
		if len(idx.postings[tok]) == 0 {
			delete(idx.postings, tok)
		}
	}
	delete(idx.tokens, offset)
	return nil
}

func (idx *FullTextIndex) ValuesCount(offset uint32) int    { return len(idx.tokens[offset]) }
func (idx *FullTextIndex) ValuesIsEmpty(offset uint32) bool { return len(idx.tokens[offset]) == 0 }

// BooleanIndex indexes a boolean payload field as two postings buckets,
// following original_source's `BinaryIndex` variant in the FieldIndex enum.
type BooleanIndex struct {
	key      string
	trueSet  map[uint32]struct{}
	falseSet map[uint32]struct{}
}

func NewBooleanIndex(key string) *BooleanIndex {
	return &BooleanIndex{key: key, trueSet: map[uint32]struct{}{}, falseSet: map[uint32]struct{}{}}
}

func (idx *BooleanIndex) Load() error  { return nil }
func (idx *BooleanIndex) Flush() error { return nil }
func (idx *BooleanIndex) Clear() error {
	idx.trueSet = map[uint32]struct{}{}
	idx.falseSet = map[uint32]struct{}{}
	return nil
}

func (idx *BooleanIndex) Filter(cond condition.Condition) ([]uint32, bool) {
	if cond.Field == nil || cond.Field.Key != idx.key || cond.Field.Match == nil {
		return nil, false
	}
	b, ok := cond.Field.Match.Value.(bool)
	if !ok {
		return nil, false
	}
	set := idx.falseSet
	if b {
		set = idx.trueSet
	}
	out := make([]uint32, 0, len(set))
	for off := range set {
		out = append(out, off)
	}
	return out, true
}

func (idx *BooleanIndex) EstimateCardinality(cond condition.Condition, totalPoints int) (Cardinality, bool) {
	offsets, ok := idx.Filter(cond)
	if !ok {
		return Cardinality{}, false
	}
	n := len(offsets)
	return clampCardinality(Cardinality{Min: n, Exp: n, Max: n}, totalPoints), true
}

func (idx *BooleanIndex) PayloadBlocks(threshold int) []PayloadBlock { return nil }

func (idx *BooleanIndex) AddPoint(offset uint32, values []any) error {
	_ = idx.RemovePoint(offset)
	for _, v := range values {
		if b, ok := v.(bool); ok {
			if b {
				idx.trueSet[offset] = struct{}{}
			} else {
				idx.falseSet[offset] = struct{}{}
			}
		}
	}
	return nil
}

func (idx *BooleanIndex) RemovePoint(offset uint32) error {
	delete(idx.trueSet, offset)
	delete(idx.falseSet, offset)
	return nil
}

func (idx *BooleanIndex) ValuesCount(offset uint32) int {
	if _, ok := idx.trueSet[offset]; ok {
		return 1
	}
	if _, ok := idx.falseSet[offset]; ok {
		return 1
	}
	return 0
}

func (idx *BooleanIndex) ValuesIsEmpty(offset uint32) bool { return idx.ValuesCount(offset) == 0 }
