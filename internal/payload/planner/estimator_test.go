package planner

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/segmentcore/engine/internal/payload/condition"
	"github.com/segmentcore/engine/internal/payload/index"
)

func TestAdjustToAvailableVectorsScenarioD(t *testing.T) {
	// Scenario D: total 200, available 50, raw {0, 64, 100} -> {0, 16, 50}.
	adjusted := AdjustToAvailable(index.Cardinality{Min: 0, Exp: 64, Max: 100}, 200, 50)
	require.Equal(t, index.Cardinality{Min: 0, Exp: 16, Max: 50}, adjusted)
}

func TestCombineMustBounds(t *testing.T) {
	total := 1000
	ests := []index.Cardinality{
		{Min: 100, Exp: 200, Max: 300},
		{Min: 100, Exp: 100, Max: 100},
	}
	combined := CombineMust(ests, total)
	require.LessOrEqual(t, combined.Min, combined.Exp)
	require.LessOrEqual(t, combined.Exp, combined.Max)
	require.LessOrEqual(t, combined.Max, total)
}

func TestCombineShouldBounds(t *testing.T) {
	total := 1000
	ests := []index.Cardinality{
		{Min: 100, Exp: 200, Max: 300},
		{Min: 100, Exp: 100, Max: 100},
	}
	combined := CombineShould(ests, total)
	require.LessOrEqual(t, combined.Min, combined.Exp)
	require.LessOrEqual(t, combined.Exp, combined.Max)
	require.LessOrEqual(t, combined.Max, total)
}

func TestInvertEstimation(t *testing.T) {
	total := 1000
	e := index.Cardinality{Min: 100, Exp: 200, Max: 300}
	inv := InvertEstimation(e, total)
	require.Equal(t, index.Cardinality{Min: 700, Exp: 800, Max: 900}, inv)
}

func TestEstimateFilterMust(t *testing.T) {
	total := 1000
	estimate := func(cond condition.Condition) index.Cardinality {
		switch cond.Field.Key {
		case "color":
			return index.Cardinality{Min: 100, Exp: 200, Max: 300}
		case "size":
			return index.Cardinality{Min: 100, Exp: 100, Max: 100}
		default:
			return Unknown(total)
		}
	}
	f := condition.Filter{Must: []condition.Condition{
		condition.FieldCond(condition.FieldCondition{Key: "color"}),
	}}
	est := EstimateFilter(estimate, f, total)
	require.Equal(t, 200, est.Exp)
}

func TestEstimateFilterMustBounds(t *testing.T) {
	total := 1000
	estimate := func(cond condition.Condition) index.Cardinality {
		switch cond.Field.Key {
		case "color":
			return index.Cardinality{Min: 100, Exp: 200, Max: 300}
		case "size":
			return index.Cardinality{Min: 100, Exp: 100, Max: 100}
		default:
			return Unknown(total)
		}
	}
	f := condition.Filter{Must: []condition.Condition{
		condition.FieldCond(condition.FieldCondition{Key: "color"}),
		condition.FieldCond(condition.FieldCondition{Key: "size"}),
		condition.FieldCond(condition.FieldCondition{Key: "unindexed"}),
	}}
	est := EstimateFilter(estimate, f, total)
	require.LessOrEqual(t, est.Min, est.Exp)
	require.LessOrEqual(t, est.Exp, est.Max)
	require.LessOrEqual(t, est.Max, total)
}
