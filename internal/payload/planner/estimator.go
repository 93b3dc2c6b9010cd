// Package planner implements spec.md §4.4's cardinality estimation and
// filter optimization, transcribed directly from original_source's
// index/query_estimator.rs (combine_must_estimations, combine_should_estimations,
// invert_estimation, adjust_to_available_vectors) and
// index/query_optimization/optimizer.rs (must/should/must_not reordering),
// rendered in milvus's idiom: free functions over a small estimator
// interface rather than Rust trait objects, github.com/samber/lo for the
// slice transforms the Rust itertools calls perform.
package planner

import (
	"math"

	"github.com/samber/lo"

	"github.com/segmentcore/engine/internal/payload/condition"
	"github.com/segmentcore/engine/internal/payload/index"
)

// Estimator answers a cardinality estimate for one leaf condition; it is
// typically backed by a segment's payload index set.
type Estimator func(cond condition.Condition) index.Cardinality

// Unknown is the estimate for a condition no index can answer, per spec.md
// §4.4: "unknown conditions return {0, total/2, total}".
func Unknown(total int) index.Cardinality {
	return index.Cardinality{Min: 0, Exp: total / 2, Max: total}
}

func estimateCondition(estimate Estimator, cond condition.Condition, total int) index.Cardinality {
	if cond.Filter != nil {
		return EstimateFilter(estimate, *cond.Filter, total)
	}
	return estimate(cond)
}

// EstimateFilter estimates a full Filter tree by estimating each non-empty
// combinator list and combining them as a top-level `must`, mirroring
// original_source's `estimate_filter`.
func EstimateFilter(estimate Estimator, f condition.Filter, total int) index.Cardinality {
	var branches []index.Cardinality
	if len(f.Must) > 0 {
		branches = append(branches, estimateMust(estimate, f.Must, total))
	}
	if len(f.Should) > 0 {
		branches = append(branches, estimateShould(estimate, f.Should, total))
	}
	if len(f.MustNot) > 0 {
		branches = append(branches, estimateMustNot(estimate, f.MustNot, total))
	}
	return CombineMust(branches, total)
}

func estimateMust(estimate Estimator, conds []condition.Condition, total int) index.Cardinality {
	ests := lo.Map(conds, func(c condition.Condition, _ int) index.Cardinality {
		return estimateCondition(estimate, c, total)
	})
	return CombineMust(ests, total)
}

func estimateShould(estimate Estimator, conds []condition.Condition, total int) index.Cardinality {
	ests := lo.Map(conds, func(c condition.Condition, _ int) index.Cardinality {
		return estimateCondition(estimate, c, total)
	})
	return CombineShould(ests, total)
}

func estimateMustNot(estimate Estimator, conds []condition.Condition, total int) index.Cardinality {
	ests := lo.Map(conds, func(c condition.Condition, _ int) index.Cardinality {
		return InvertEstimation(estimateCondition(estimate, c, total), total)
	})
	return CombineMust(ests, total)
}

// CombineMust implements spec.md §4.4's `must` combinator:
//
//	min = max(0, Σminᵢ − (n−1)×total), max = min(maxᵢ), exp = total × ∏(expᵢ/total)
func CombineMust(ests []index.Cardinality, total int) index.Cardinality {
	if len(ests) == 0 {
		return index.Cardinality{Min: 0, Exp: total, Max: total}
	}
	minAcc := total
	for _, e := range ests {
		minAcc = maxInt(0, minAcc+e.Min-total)
	}

	maxEst := total
	for _, e := range ests {
		maxEst = minInt(maxEst, e.Max)
	}

	prob := 1.0
	for _, e := range ests {
		prob *= ratio(e.Exp, total)
	}
	exp := int(math.Round(prob * float64(total)))

	return index.Cardinality{Min: minAcc, Exp: exp, Max: maxEst}
}

// CombineShould implements spec.md §4.4's `should` combinator:
//
//	max = min(Σmaxᵢ, total), min = max(minᵢ), exp = total × (1 − ∏(1 − expᵢ/total))
func CombineShould(ests []index.Cardinality, total int) index.Cardinality {
	if len(ests) == 0 {
		return index.Cardinality{Min: 0, Exp: 0, Max: 0}
	}
	minEst := 0
	maxSum := 0
	notHitProb := 1.0
	for _, e := range ests {
		minEst = maxInt(minEst, e.Min)
		maxSum += e.Max
		notHitProb *= (1 - ratio(e.Exp, total))
	}
	exp := int(math.Round((1 - notHitProb) * float64(total)))
	return index.Cardinality{Min: minEst, Exp: exp, Max: minInt(maxSum, total)}
}

// InvertEstimation implements spec.md §4.4's must_not branch inversion:
// {total−max, total−exp, total−min}.
func InvertEstimation(e index.Cardinality, total int) index.Cardinality {
	return index.Cardinality{Min: total - e.Max, Exp: total - e.Exp, Max: total - e.Min}
}

// AdjustToAvailable implements spec.md §4.4's "Adjustment to available
// vectors", transcribed from adjust_to_available_vectors:
//
//	min' = max(0, E.min − (total − available)), max' = min(E.max, available),
//	exp' = round(E.exp × available/total)
func AdjustToAvailable(e index.Cardinality, totalPoints, availableVectors int) index.Cardinality {
	if totalPoints == 0 || availableVectors == 0 {
		return index.Cardinality{Min: 0, Exp: 0, Max: 0}
	}
	deleted := totalPoints - availableVectors
	if deleted < 0 {
		deleted = 0
	}
	min := maxInt(0, e.Min-deleted)
	max := minInt(e.Max, availableVectors)
	if max > totalPoints {
		max = totalPoints
	}
	prob := math.Min(float64(availableVectors)/float64(totalPoints), 1.0)
	exp := int(math.Round(float64(e.Exp) * prob))
	if exp < min {
		exp = min
	}
	if exp > max {
		exp = max
	}
	return index.Cardinality{Min: min, Exp: exp, Max: max}
}

func ratio(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
