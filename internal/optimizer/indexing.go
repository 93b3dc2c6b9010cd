package optimizer

import (
	"sync/atomic"

	"github.com/segmentcore/engine/internal/segment"
	"github.com/segmentcore/engine/internal/segmentconfig"
	"github.com/segmentcore/engine/internal/segmentholder"
)

// IndexingOptimizer promotes appendable segments that have grown past
// IndexingThreshold points into indexed, non-appendable ones: rebuilding
// gives every configured named vector an HNSW index instead of the plain
// linear scan appendable segments use. Not present in the retrieved
// original_source pack — built from spec.md §4.8's description of the
// indexing_threshold/memmap_threshold knobs, reusing the same
// wrap-build-swap-cleanup protocol as MergeOptimizer.
type IndexingOptimizer struct {
	protocol protocol

	indexingThreshold int
}

func NewIndexingOptimizer(segmentsDir string, cfg segmentconfig.OptimizersConfig, fieldIndexes []segmentconfig.PayloadIndexConfig, hnswFields map[string]segmentconfig.HnswConfig, newConfig ConfigFactory) *IndexingOptimizer {
	return &IndexingOptimizer{
		protocol: protocol{
			name:         "indexing",
			segmentsDir:  segmentsDir,
			newConfig:    newConfig,
			fieldIndexes: fieldIndexes,
			hnswFields:   hnswFields,
			appendable:   false,
		},
		indexingThreshold: cfg.IndexingThreshold,
	}
}

func (ix *IndexingOptimizer) Name() string { return ix.protocol.name }

// CheckCondition selects appendable segments whose point count is at least
// IndexingThreshold. Each qualifying segment is rebuilt on its own: there is
// no size benefit to combining two already-oversized appendable segments
// into one indexing pass, and doing so one at a time bounds how much write
// traffic funnels through a single shared write_segment while the rebuild
// runs.
func (ix *IndexingOptimizer) CheckCondition(holder *segmentholder.SegmentHolder, excluded map[segmentholder.SegmentId]struct{}) []segmentholder.SegmentId {
	var victims []segmentholder.SegmentId
	for _, id := range holder.AppendableSegments() {
		if _, skip := excluded[id]; skip {
			continue
		}
		ls, ok := holder.Get(id)
		if !ok {
			continue
		}
		entry := ls.Get()
		if _, isOriginal := entry.(*segment.Segment); !isOriginal {
			continue
		}
		if entry.Count(nil) >= ix.indexingThreshold {
			victims = append(victims, id)
		}
	}
	return victims
}

// Optimize indexes each victim independently; see CheckCondition for why
// batching them together buys nothing.
func (ix *IndexingOptimizer) Optimize(holder *segmentholder.SegmentHolder, victims []segmentholder.SegmentId, stopped *atomic.Bool) (bool, error) {
	changed := false
	for _, id := range victims {
		if stopped != nil && stopped.Load() {
			return changed, nil
		}
		ok, err := ix.protocol.run(holder, []segmentholder.SegmentId{id}, stopped)
		if err != nil {
			return changed, err
		}
		changed = changed || ok
	}
	return changed, nil
}
