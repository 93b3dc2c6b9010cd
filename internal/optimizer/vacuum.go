package optimizer

import (
	"sync/atomic"

	"github.com/segmentcore/engine/internal/segment"
	"github.com/segmentcore/engine/internal/segmentconfig"
	"github.com/segmentcore/engine/internal/segmentholder"
)

// VacuumOptimizer reclaims space held by tombstoned points: a segment
// qualifies once its deleted fraction crosses DeletedThreshold, provided it
// is large enough (VacuumMinVectorNumber) that rebuilding is worth the
// cost. Not present in the retrieved original_source pack — built from
// spec.md §4.8's description of the knob, reusing merge_optimizer.rs's
// trait shape and the shared wrap-build-swap-cleanup protocol.
type VacuumOptimizer struct {
	protocol protocol

	deletedThreshold      float64
	vacuumMinVectorNumber int
}

func NewVacuumOptimizer(segmentsDir string, cfg segmentconfig.OptimizersConfig, fieldIndexes []segmentconfig.PayloadIndexConfig, hnswFields map[string]segmentconfig.HnswConfig, newConfig ConfigFactory) *VacuumOptimizer {
	return &VacuumOptimizer{
		protocol: protocol{
			name:         "vacuum",
			segmentsDir:  segmentsDir,
			newConfig:    newConfig,
			fieldIndexes: fieldIndexes,
			hnswFields:   hnswFields,
			appendable:   false,
		},
		deletedThreshold:      cfg.DeletedThreshold,
		vacuumMinVectorNumber: cfg.VacuumMinVectorNumber,
	}
}

func (v *VacuumOptimizer) Name() string { return v.protocol.name }

// CheckCondition selects every original segment whose deleted ratio
// (total - available) / total meets the configured threshold, skipping
// segments too small to bother rebuilding. Each qualifying segment is
// rebuilt independently rather than batched together, since vacuuming one
// oversized segment has nothing to gain from sharing a rebuild with
// another.
func (v *VacuumOptimizer) CheckCondition(holder *segmentholder.SegmentHolder, excluded map[segmentholder.SegmentId]struct{}) []segmentholder.SegmentId {
	var victims []segmentholder.SegmentId
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
		total := entry.TotalPointCount()
		if total < v.vacuumMinVectorNumber {
			continue
		}
		available := entry.Count(nil)
		deleted := total - available
		if float64(deleted)/float64(total) >= v.deletedThreshold {
			victims = append(victims, id)
		}
	}
	return victims
}

// Optimize vacuums each victim one at a time, running the rebuild protocol
// per segment so each rebuilt segment is swapped in as soon as it is built.
// The first error stops the pass; later victims are left untouched.
func (v *VacuumOptimizer) Optimize(holder *segmentholder.SegmentHolder, victims []segmentholder.SegmentId, stopped *atomic.Bool) (bool, error) {
	changed := false
	for _, id := range victims {
		if stopped != nil && stopped.Load() {
			return changed, nil
		}
		ok, err := v.protocol.run(holder, []segmentholder.SegmentId{id}, stopped)
		if err != nil {
			return changed, err
		}
		changed = changed || ok
	}
	return changed, nil
}
