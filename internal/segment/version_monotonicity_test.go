package segment

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/segmentcore/engine/internal/pointid"
	"github.com/segmentcore/engine/internal/storage/payloadstorage"
)

// TestVersionMonotonicityUpsertThenUpsert exercises spec.md §8 Property 1:
// for any two operations op1, op2 on the same point with op1.num < op2.num,
// applying them in either arrival order must leave the segment in the same
// terminal state. The version guard in UpsertPoint/DeletePoint/etc. rejects
// whichever op arrives with a stale op_num, so out-of-order delivery
// converges to the same result as in-order delivery.
func TestVersionMonotonicityUpsertThenUpsert(t *testing.T) {
	id := pointid.FromNum(1)
	lo := NamedVectors{"default": {1, 0, 0, 0}}
	hi := NamedVectors{"default": {0, 1, 0, 0}}

	inOrder := newTestSegment(t)
	_, err := inOrder.UpsertPoint(3, id, lo, payloadstorage.Payload{"v": float64(1)})
	require.NoError(t, err)
	_, err = inOrder.UpsertPoint(5, id, hi, payloadstorage.Payload{"v": float64(2)})
	require.NoError(t, err)

	outOfOrder := newTestSegment(t)
	_, err = outOfOrder.UpsertPoint(5, id, hi, payloadstorage.Payload{"v": float64(2)})
	require.NoError(t, err)
	_, err = outOfOrder.UpsertPoint(3, id, lo, payloadstorage.Payload{"v": float64(1)})
	require.NoError(t, err)

	vecA, err := inOrder.AllVectors(id)
	require.NoError(t, err)
	vecB, err := outOfOrder.AllVectors(id)
	require.NoError(t, err)
	require.Equal(t, vecA, vecB)

	payA, _ := inOrder.PayloadFor(id)
	payB, _ := outOfOrder.PayloadFor(id)
	require.Equal(t, payA, payB)
	require.Equal(t, float64(2), payA["v"])
}

// TestVersionMonotonicityUpsertThenDelete covers the same property across a
// mixed upsert/delete pair: whichever op has the higher op_num wins
// regardless of arrival order. Both segments start from an identical
// already-tracked point (op 1) since a segment that never saw a point has
// no version to guard against — the property only binds once the segment
// knows the point, same as original_source's per-segment version check.
func TestVersionMonotonicityUpsertThenDelete(t *testing.T) {
	id := pointid.FromNum(1)
	base := NamedVectors{"default": {1, 0, 0, 0}}
	updated := NamedVectors{"default": {0, 0, 1, 0}}

	seed := func(t *testing.T) *Segment {
		s := newTestSegment(t)
		_, err := s.UpsertPoint(1, id, base, nil)
		require.NoError(t, err)
		return s
	}

	// delete (op 9) has the higher op_num and must win either way.
	deleteWins := seed(t)
	require.NoError(t, deleteWins.DeletePoint(9, id))
	_, err := deleteWins.UpsertPoint(4, id, updated, nil)
	require.NoError(t, err)

	deleteWinsReordered := seed(t)
	_, err = deleteWinsReordered.UpsertPoint(4, id, updated, nil)
	require.NoError(t, err)
	require.NoError(t, deleteWinsReordered.DeletePoint(9, id))

	require.False(t, deleteWins.HasPoint(id))
	require.False(t, deleteWinsReordered.HasPoint(id))

	// upsert (op 6) has the higher op_num and must win either way.
	upsertWins := seed(t)
	require.NoError(t, upsertWins.DeletePoint(2, id))
	_, err = upsertWins.UpsertPoint(6, id, updated, nil)
	require.NoError(t, err)

	upsertWinsReordered := seed(t)
	_, err = upsertWinsReordered.UpsertPoint(6, id, updated, nil)
	require.NoError(t, err)
	require.NoError(t, upsertWinsReordered.DeletePoint(2, id))

	require.True(t, upsertWins.HasPoint(id))
	require.True(t, upsertWinsReordered.HasPoint(id))

	vecA, err := upsertWins.AllVectors(id)
	require.NoError(t, err)
	vecB, err := upsertWinsReordered.AllVectors(id)
	require.NoError(t, err)
	require.Equal(t, vecA, vecB)
	require.Equal(t, updated, vecA)
}
