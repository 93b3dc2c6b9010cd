package index

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/segmentcore/engine/internal/payload/condition"
)

func TestNumericIndexRangeFilter(t *testing.T) {
	idx := NewNumericIndex("rank")
	require.NoError(t, idx.AddPoint(1, []any{1.0}))
	require.NoError(t, idx.AddPoint(2, []any{5.0}))
	require.NoError(t, idx.AddPoint(3, []any{10.0}))

	gte := 2.0
	lte := 9.0
	offsets, ok := idx.Filter(condition.FieldCond(condition.FieldCondition{
		Key:   "rank",
		Range: &condition.Range{Gte: &gte, Lte: &lte},
	}))
	require.True(t, ok)
	require.ElementsMatch(t, []uint32{2}, offsets)
}

func TestNumericIndexRemovePoint(t *testing.T) {
	idx := NewNumericIndex("rank")
	require.NoError(t, idx.AddPoint(1, []any{1.0}))
	require.NoError(t, idx.RemovePoint(1))
	require.True(t, idx.ValuesIsEmpty(1))
}

func TestKeywordIndexExactAndAnyMatch(t *testing.T) {
	idx := NewKeywordIndex("city")
	require.NoError(t, idx.AddPoint(1, []any{"berlin"}))
	require.NoError(t, idx.AddPoint(2, []any{"paris"}))

	offsets, ok := idx.Filter(condition.FieldCond(condition.FieldCondition{
		Key: "city", Match: &condition.Match{Value: "berlin"},
	}))
	require.True(t, ok)
	require.ElementsMatch(t, []uint32{1}, offsets)

	offsets, ok = idx.Filter(condition.FieldCond(condition.FieldCondition{
		Key: "city", Match: &condition.Match{Any: []any{"berlin", "paris"}},
	}))
	require.True(t, ok)
	require.ElementsMatch(t, []uint32{1, 2}, offsets)
}

func TestFullTextIndexAndSemantics(t *testing.T) {
	idx := NewFullTextIndex("body")
	require.NoError(t, idx.AddPoint(1, []any{"the quick brown fox"}))
	require.NoError(t, idx.AddPoint(2, []any{"the lazy dog"}))

	offsets, ok := idx.Filter(condition.FieldCond(condition.FieldCondition{
		Key: "body", Match: &condition.Match{Text: "quick fox"},
	}))
	require.True(t, ok)
	require.ElementsMatch(t, []uint32{1}, offsets)
}

func TestGeoIndexRadius(t *testing.T) {
	idx := NewGeoIndex("loc")
	require.NoError(t, idx.AddPoint(1, []any{map[string]any{"lat": 52.5, "lon": 13.4}}))  // Berlin
	require.NoError(t, idx.AddPoint(2, []any{map[string]any{"lat": 48.85, "lon": 2.35}})) // Paris

	offsets, ok := idx.Filter(condition.FieldCond(condition.FieldCondition{
		Key: "loc",
		GeoRadius: &condition.GeoRadius{
			Center: condition.GeoPoint{Lat: 52.5, Lon: 13.4},
			Radius: 10000,
		},
	}))
	require.True(t, ok)
	require.ElementsMatch(t, []uint32{1}, offsets)
}

func TestBooleanIndex(t *testing.T) {
	idx := NewBooleanIndex("active")
	require.NoError(t, idx.AddPoint(1, []any{true}))
	require.NoError(t, idx.AddPoint(2, []any{false}))

	offsets, ok := idx.Filter(condition.FieldCond(condition.FieldCondition{
		Key: "active", Match: &condition.Match{Value: true},
	}))
	require.True(t, ok)
	require.ElementsMatch(t, []uint32{1}, offsets)
}
