package optimizer

import (
	"sort"
	"sync/atomic"

	"github.com/segmentcore/engine/internal/segment"
	"github.com/segmentcore/engine/internal/segmentconfig"
	"github.com/segmentcore/engine/internal/segmentholder"
)

// vectorElementSize mirrors merge_optimizer.rs's VECTOR_ELEMENT_SIZE: every
// stored vector component is an f32.
const vectorElementSize = 4

// MergeOptimizer folds many small segments into fewer, larger ones, sized so
// that merging stays cheap: candidates are picked smallest-first up to
// max_segment_size, and a merge is skipped unless it can combine at least
// three segments. Grounded directly on
// original_source's collection_manager/optimizers/merge_optimizer.rs.
type MergeOptimizer struct {
	protocol protocol

	maxSegmentNumber int
	maxSegmentSizeKB int
}

// NewMergeOptimizer builds a MergeOptimizer writing new segments under
// segmentsDir, using newConfig to assemble each rebuilt segment's storages.
func NewMergeOptimizer(segmentsDir string, cfg segmentconfig.OptimizersConfig, fieldIndexes []segmentconfig.PayloadIndexConfig, hnswFields map[string]segmentconfig.HnswConfig, newConfig ConfigFactory) *MergeOptimizer {
	return &MergeOptimizer{
		protocol: protocol{
			name:         "merge",
			segmentsDir:  segmentsDir,
			newConfig:    newConfig,
			fieldIndexes: fieldIndexes,
			hnswFields:   hnswFields,
			appendable:   false,
		},
		maxSegmentNumber: cfg.DefaultSegmentNumber,
		maxSegmentSizeKB: cfg.MaxSegmentSize,
	}
}

func (m *MergeOptimizer) Name() string { return m.protocol.name }

// CheckCondition mirrors merge_optimizer.rs's check_condition: candidates
// are the holder's original (non-proxy), non-excluded segments; if there
// are no more of them than max_segments, there's nothing to merge. The
// remainder is sorted ascending by estimated on-disk size and accumulated
// until it would exceed max_segment_size_kb, capped at
// count - max_segments + 2 segments, and the whole batch is discarded unless
// it still has at least three members — merging fewer than that isn't worth
// the rebuild cost.
func (m *MergeOptimizer) CheckCondition(holder *segmentholder.SegmentHolder, excluded map[segmentholder.SegmentId]struct{}) []segmentholder.SegmentId {
	type sized struct {
		id    segmentholder.SegmentId
		bytes int
	}

	var candidates []sized
	for _, id := range holder.IDs() {
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
		candidates = append(candidates, sized{id: id, bytes: estimateSegmentBytes(entry)})
	}

	if len(candidates) <= m.maxSegmentNumber {
		return nil
	}
	maxCandidates := len(candidates) - m.maxSegmentNumber + 2

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].bytes < candidates[j].bytes })

	var chosen []segmentholder.SegmentId
	total := 0
	limit := m.maxSegmentSizeKB * 1024
	for _, c := range candidates {
		total += c.bytes
		if total >= limit {
			break
		}
		chosen = append(chosen, c.id)
		if len(chosen) >= maxCandidates {
			break
		}
	}

	if len(chosen) < 3 {
		return nil
	}
	return chosen
}

func (m *MergeOptimizer) Optimize(holder *segmentholder.SegmentHolder, victims []segmentholder.SegmentId, stopped *atomic.Bool) (bool, error) {
	return m.protocol.run(holder, victims, stopped)
}

// estimateSegmentBytes approximates merge_optimizer.rs's point_count *
// vector_size * VECTOR_ELEMENT_SIZE, taking the widest configured named
// vector as the per-point vector footprint.
func estimateSegmentBytes(entry segment.Entry) int {
	maxDim := 0
	for _, dim := range entry.VectorDims() {
		if dim > maxDim {
			maxDim = dim
		}
	}
	return entry.Count(nil) * maxDim * vectorElementSize
}
