package optimizer

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/segmentcore/engine/internal/segment"
	"github.com/segmentcore/engine/internal/segmentconfig"
	"github.com/segmentcore/engine/internal/segmentholder"
)

// TestMergeInvariantHoldsAfterPass covers spec.md §8 Property 7: after
// running a merge pass to exhaustion (CheckCondition repeatedly returning
// candidates until it stops), either the number of original segments has
// dropped to at most max_segments, or every remaining proposable subset is
// larger than max_segment_size. Unlike TestMergeOptimizerSelectsSmallestSegmentsOnly,
// which checks one merge's outcome, this drives the optimizer to a fixed
// point the way update_handler's optimizer worker loop does and asserts the
// invariant on the converged state.
func TestMergeInvariantHoldsAfterPass(t *testing.T) {
	holder := segmentholder.New()
	for i := 0; i < 8; i++ {
		addSegment(t, holder, 5)
	}

	cfg := segmentconfig.OptimizersConfig{DefaultSegmentNumber: 2, MaxSegmentSize: 1 << 20}
	opt := NewMergeOptimizer(t.TempDir(), cfg, nil, nil, testConfigFactory)

	excluded := map[segmentholder.SegmentId]struct{}{}
	for {
		victims := opt.CheckCondition(holder, excluded)
		if len(victims) == 0 {
			break
		}
		stopped := &atomic.Bool{}
		changed, err := opt.Optimize(holder, victims, stopped)
		require.NoError(t, err)
		require.True(t, changed)
	}

	originalCount := 0
	for _, id := range holder.IDs() {
		ls, ok := holder.Get(id)
		require.True(t, ok)
		if _, isOriginal := ls.Get().(*segment.Segment); isOriginal {
			originalCount++
		}
	}

	// Property 7: once the loop reaches a fixed point, either we're at or
	// under max_segments, or CheckCondition found nothing left worth
	// merging (every remaining subset exceeded max_segment_size — not
	// exercised by this fixture's tiny segments, but the disjunction still
	// holds trivially since originalCount has converged to <= max_segments
	// here).
	require.LessOrEqual(t, originalCount, cfg.DefaultSegmentNumber)
	require.Empty(t, opt.CheckCondition(holder, nil))
}
