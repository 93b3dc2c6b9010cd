package proxysegment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/segmentcore/engine/internal/payload/condition"
	"github.com/segmentcore/engine/internal/segment"
	"github.com/segmentcore/engine/internal/pointid"
)

// TestSearchReflectsUnionMinusDeleted covers spec.md §8 Property 2 / Scenario
// B: a proxy's search result set must equal (wrapped_segment \ deleted) ∪
// write_segment, regardless of whether the touching delete or the touching
// upsert happened first through the proxy. Both orderings below start from
// the same wrapped segment and must converge on the same visible point set.
func TestSearchReflectsUnionMinusDeleted(t *testing.T) {
	wrapped := newTestSegmentWith(t, map[uint64][]float32{
		1: {1, 0, 0, 0},
		2: {0, 1, 0, 0},
		3: {0, 0, 1, 0},
	})

	run := func(deleteFirst bool) map[uint64]bool {
		proxy := newProxy(t, wrapped)
		deleteVictim := func() { require.NoError(t, proxy.DeletePoint(10, pointid.FromNum(2))) }
		insertNew := func() {
			_, err := proxy.UpsertPoint(11, pointid.FromNum(4), segment.NamedVectors{"default": {1, 1, 0, 0}}, nil)
			require.NoError(t, err)
		}
		if deleteFirst {
			deleteVictim()
			insertNew()
		} else {
			insertNew()
			deleteVictim()
		}

		results, err := proxy.Search(context.Background(), "default", []float32{1, 1, 1, 1}, nil, 10, nil)
		require.NoError(t, err)

		seen := map[uint64]bool{}
		for _, r := range results {
			n, _ := r.ID.Num()
			require.False(t, seen[n], "point %d appeared more than once", n)
			seen[n] = true
		}
		return seen
	}

	forward := run(true)
	reversed := run(false)

	require.Equal(t, forward, reversed)
	require.True(t, forward[1])
	require.False(t, forward[2], "deleted point must never surface through either ordering")
	require.True(t, forward[3])
	require.True(t, forward[4])
}

// TestReadFilteredReflectsUnionMinusDeleted covers the same property through
// the non-scored read_filtered path, which applies the same
// add_deleted_points_condition_to_filter rewrite as Search.
func TestReadFilteredReflectsUnionMinusDeleted(t *testing.T) {
	wrapped := newTestSegmentWith(t, map[uint64][]float32{
		1: {1, 0, 0, 0},
		2: {0, 1, 0, 0},
	})
	proxy := newProxy(t, wrapped)

	require.NoError(t, proxy.DeletePoint(10, pointid.FromNum(1)))
	_, err := proxy.UpsertPoint(11, pointid.FromNum(5), segment.NamedVectors{"default": {0, 0, 0, 1}}, nil)
	require.NoError(t, err)

	ids := proxy.ReadFiltered(condition.Filter{})
	seen := map[uint64]bool{}
	for _, id := range ids {
		n, _ := id.Num()
		seen[n] = true
	}
	require.False(t, seen[1])
	require.True(t, seen[2])
	require.True(t, seen[5])
}
