package vectorindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/segmentcore/engine/internal/pointid"
	"github.com/segmentcore/engine/internal/storage/vectorstorage"
)

func TestPlainIndexSearchScenarioA(t *testing.T) {
	storage := vectorstorage.NewMemoryStorage(4)
	vectors := [][]float32{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
		{1, 1, 1, 1},
	}
	for i, v := range vectors {
		require.NoError(t, storage.Insert(uint32(i), v))
	}
	_, _ = storage.Delete(1) // id 2 (offset 1) deleted

	fromOffset := func(offset uint32) (pointid.PointId, bool) {
		return pointid.FromNum(uint64(offset) + 1), true
	}
	idx := NewPlainIndex(storage, DistanceFor("cosine"), fromOffset)

	results, err := idx.Search(context.Background(), []float32{1, 1, 0, 0}, nil, 3, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)

	ids := make([]uint64, len(results))
	for i, r := range results {
		n, _ := r.ID.Num()
		ids[i] = n
	}
	require.NotContains(t, ids, uint64(2), "deleted point must not appear in results")
}

func TestDistanceForVariants(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{1, 0}
	require.InDelta(t, 1.0, DistanceFor("cosine").Score(a, b), 1e-6)
	require.InDelta(t, 1.0, DistanceFor("dot").Score(a, b), 1e-6)
	require.InDelta(t, 0.0, DistanceFor("euclid").Score(a, b), 1e-6)
}
