package planner

import (
	"sort"

	"github.com/spf13/cast"

	"github.com/segmentcore/engine/internal/payload/condition"
	"github.com/segmentcore/engine/internal/payload/index"
	"github.com/segmentcore/engine/internal/pointid"
	"github.com/segmentcore/engine/internal/storage/payloadstorage"
)

// ConditionChecker tests one offset against a compiled leaf condition,
// mirroring original_source's `OptimizedCondition` closures
// (query_optimization/condition_converter.rs): when an index can answer the
// condition directly the checker reads the index; otherwise it falls back
// to fetching and checking the raw payload.
type ConditionChecker func(offset uint32) bool

// OptimizedFilter is the reordered, closure-compiled Filter of spec.md §4.4.
type OptimizedFilter struct {
	Must    []ConditionChecker
	Should  []ConditionChecker
	MustNot []ConditionChecker
}

// IndexSet looks up a FieldIndex by payload key, used to compile
// ConditionCheckers and to back the Estimator.
type IndexSet interface {
	IndexFor(key string) (index.FieldIndex, bool)
}

// IDResolver compiles an external-id set into an internal-offset set for
// HasId conditions, per spec.md §4.4.
type IDResolver interface {
	InternalID(external pointid.PointId) (uint32, bool)
}

// Compiler provides estimation and checker compilation backed by indexes,
// payload storage, and an id resolver — the three collaborators
// original_source threads through optimize_filter.
type Compiler struct {
	Indexes  IndexSet
	Payload  payloadstorage.Storage
	IDLookup IDResolver
}

func (c *Compiler) Estimate(cond condition.Condition, total int) index.Cardinality {
	switch {
	case cond.Field != nil:
		if idx, ok := c.Indexes.IndexFor(cond.Field.Key); ok {
			if est, ok := idx.EstimateCardinality(cond, total); ok {
				return est
			}
		}
		return Unknown(total)
	case cond.HasId != nil:
		n := len(cond.HasId.Ids)
		return index.Cardinality{Min: n, Exp: n, Max: n}
	case cond.IsEmpty != nil, cond.IsNull != nil:
		return Unknown(total)
	case cond.Nested != nil:
		return EstimateFilter(c.Estimate, cond.Nested.Filter, total)
	default:
		return Unknown(total)
	}
}

// Check compiles cond into a ConditionChecker.
func (c *Compiler) Check(cond condition.Condition) ConditionChecker {
	switch {
	case cond.Field != nil:
		key := cond.Field.Key
		if idx, ok := c.Indexes.IndexFor(key); ok {
			if offsets, ok := idx.Filter(cond); ok {
				set := make(map[uint32]struct{}, len(offsets))
				for _, o := range offsets {
					set[o] = struct{}{}
				}
				return func(offset uint32) bool { _, ok := set[offset]; return ok }
			}
		}
		return func(offset uint32) bool { return c.checkFieldAgainstPayload(offset, *cond.Field) }
	case cond.HasId != nil:
		set := map[uint32]struct{}{}
		for _, id := range cond.HasId.Ids {
			if off, ok := c.IDLookup.InternalID(id); ok {
				set[off] = struct{}{}
			}
		}
		return func(offset uint32) bool { _, ok := set[offset]; return ok }
	case cond.IsEmpty != nil:
		key := cond.IsEmpty.Key
		return func(offset uint32) bool {
			p, ok, _ := c.Payload.Get(offset)
			if !ok {
				return true
			}
			v, has := p[key]
			if !has {
				return true
			}
			return isEmptyValue(v)
		}
	case cond.IsNull != nil:
		key := cond.IsNull.Key
		return func(offset uint32) bool {
			p, ok, _ := c.Payload.Get(offset)
			if !ok {
				return false
			}
			v, has := p[key]
			return has && v == nil
		}
	case cond.Filter != nil:
		of, _ := c.Optimize(*cond.Filter, 0)
		return checkerForOptimized(of)
	case cond.Nested != nil:
		of, _ := c.Optimize(cond.Nested.Filter, 0)
		return checkerForOptimized(of)
	default:
		return func(uint32) bool { return false }
	}
}

// checkFieldAgainstPayload is the non-index fallback of spec.md §4.4: when no
// field index answers a condition, fetch the raw payload and check it
// directly. Covers the match / range / geo condition kinds named there;
// full-text match falls through Match.Text, which matchValue does not
// special-case since a fallback scan has no tokenizer to match the index's
// semantics against.
func (c *Compiler) checkFieldAgainstPayload(offset uint32, fc condition.FieldCondition) bool {
	p, ok, _ := c.Payload.Get(offset)
	if !ok {
		return false
	}
	v, has := p[fc.Key]
	if !has {
		return false
	}
	switch {
	case fc.Match != nil:
		if fc.Match.Value != nil {
			return matchValue(v, fc.Match.Value)
		}
		for _, cand := range fc.Match.Any {
			if matchValue(v, cand) {
				return true
			}
		}
		return false
	case fc.Range != nil:
		for _, item := range flattenValue(v) {
			f, err := cast.ToFloat64E(item)
			if err == nil && index.InRange(f, fc.Range) {
				return true
			}
		}
		return false
	case fc.GeoBoundingBox != nil, fc.GeoRadius != nil:
		return index.GeoMatches(v, fc)
	default:
		return false
	}
}

// matchValue compares a decoded-JSON payload value against a Match
// candidate, coercing both sides through cast when numeric so e.g. a
// payload's int(3) compares equal to a candidate float64(3) the same way
// the index path's cast-based coercion does.
func matchValue(v, cand any) bool {
	if v == cand {
		return true
	}
	vf, vErr := cast.ToFloat64E(v)
	cf, cErr := cast.ToFloat64E(cand)
	return vErr == nil && cErr == nil && vf == cf
}

// flattenValue normalizes a raw payload value to a slice, mirroring how
// segment.flattenValue feeds multi-valued fields into a FieldIndex.AddPoint.
func flattenValue(v any) []any {
	if arr, ok := v.([]any); ok {
		return arr
	}
	return []any{v}
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	switch t := v.(type) {
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	}
	return false
}

func checkerForOptimized(of OptimizedFilter) ConditionChecker {
	return func(offset uint32) bool { return EvalOptimized(of, offset) }
}

// EvalOptimized evaluates a compiled filter against one offset using
// short-circuiting in the reordered order, matching the semantics of the
// unreordered tree.
func EvalOptimized(of OptimizedFilter, offset uint32) bool {
	for _, check := range of.Must {
		if !check(offset) {
			return false
		}
	}
	for _, check := range of.MustNot {
		if check(offset) {
			return false
		}
	}
	if len(of.Should) == 0 {
		return true
	}
	for _, check := range of.Should {
		if check(offset) {
			return true
		}
	}
	return false
}

// Optimize produces an OptimizedFilter and its overall cardinality estimate,
// reordering each combinator list per spec.md §4.4:
//   - must ascending by exp (cheap rejects first)
//   - should descending by exp (likely accepts first)
//   - must_not ascending by exp of the original (so inverted form is descending)
func (c *Compiler) Optimize(f condition.Filter, total int) (OptimizedFilter, index.Cardinality) {
	var branchEstimates []index.Cardinality
	out := OptimizedFilter{}

	if len(f.Must) > 0 {
		checkers, est := c.optimizeList(f.Must, total, false)
		out.Must = checkers
		branchEstimates = append(branchEstimates, est)
	}
	if len(f.Should) > 0 {
		checkers, est := c.optimizeList(f.Should, total, true)
		out.Should = checkers
		branchEstimates = append(branchEstimates, est)
	}
	if len(f.MustNot) > 0 {
		ordered := orderByExp(f.MustNot, c, total, false)
		out.MustNot = make([]ConditionChecker, len(ordered))
		inverted := make([]index.Cardinality, len(ordered))
		for i, cond := range ordered {
			out.MustNot[i] = c.Check(cond)
			inverted[i] = InvertEstimation(estimateCondition(c.Estimate, cond, total), total)
		}
		branchEstimates = append(branchEstimates, CombineMust(inverted, total))
	}

	return out, CombineMust(branchEstimates, total)
}

func (c *Compiler) optimizeList(conds []condition.Condition, total int, descending bool) ([]ConditionChecker, index.Cardinality) {
	ordered := orderByExp(conds, c, total, descending)
	checkers := make([]ConditionChecker, len(ordered))
	ests := make([]index.Cardinality, len(ordered))
	for i, cond := range ordered {
		checkers[i] = c.Check(cond)
		ests[i] = estimateCondition(c.Estimate, cond, total)
	}
	if descending {
		return checkers, CombineShould(ests, total)
	}
	return checkers, CombineMust(ests, total)
}

func orderByExp(conds []condition.Condition, c *Compiler, total int, descending bool) []condition.Condition {
	type pair struct {
		cond condition.Condition
		exp  int
	}
	pairs := make([]pair, len(conds))
	for i, cond := range conds {
		pairs[i] = pair{cond: cond, exp: estimateCondition(c.Estimate, cond, total).Exp}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		if descending {
			return pairs[i].exp > pairs[j].exp
		}
		return pairs[i].exp < pairs[j].exp
	})
	out := make([]condition.Condition, len(pairs))
	for i, p := range pairs {
		out[i] = p.cond
	}
	return out
}
