// Package optimizer implements spec.md §4.8's SegmentOptimizer trait and the
// shared four-step wrap-build-swap-cleanup protocol, grounded on
// original_source's merge_optimizer.rs (the only optimizer retrieved in
// full) for the candidate rule and on segment_holder.rs/proxy_segment.rs for
// the protocol itself. Worker/policy split follows milvus's
// datacoord compactor.go / compaction_trigger.go convention: a
// SegmentOptimizer only decides and executes one optimization pass, the
// scheduling loop lives in updatehandler.
package optimizer

import (
	"os"
	"sync/atomic"

	"github.com/segmentcore/engine/internal/log"
	"github.com/segmentcore/engine/internal/merr"
	"github.com/segmentcore/engine/internal/metrics"
	"github.com/segmentcore/engine/internal/proxysegment"
	"github.com/segmentcore/engine/internal/segment"
	"github.com/segmentcore/engine/internal/segmentconfig"
	"github.com/segmentcore/engine/internal/segmentholder"
	"go.uber.org/zap"
)

// SegmentOptimizer is spec.md §4.8's trait: CheckCondition selects victim
// segments, Optimize rewrites them.
type SegmentOptimizer interface {
	Name() string
	CheckCondition(holder *segmentholder.SegmentHolder, excluded map[segmentholder.SegmentId]struct{}) []segmentholder.SegmentId
	Optimize(holder *segmentholder.SegmentHolder, victims []segmentholder.SegmentId, stopped *atomic.Bool) (bool, error)
}

// ConfigFactory builds the Config collaborators (storages, payload, id
// tracker) for a fresh segment rooted at dir. pointCountHint estimates how
// many points the segment will hold once built (0 when unknown), letting
// the factory pick mmap storage over in-memory for large rebuilds; the
// optimizers themselves do not read memmap_threshold. Supplying this as a callback keeps package
// optimizer from depending on concrete storage constructors directly,
// mirroring spec.md §9's dependency-inversion note for the storage layer.
type ConfigFactory func(dir string, appendable bool, pointCountHint int) (segment.Config, error)

// protocol bundles the collaborators every optimizer variant shares to run
// spec.md §4.8's four numbered steps.
type protocol struct {
	name         string
	segmentsDir  string
	newConfig    ConfigFactory
	fieldIndexes []segmentconfig.PayloadIndexConfig
	hnswFields   map[string]segmentconfig.HnswConfig
	appendable   bool // whether the rebuilt segment should be appendable
}

// run executes spec.md §4.8's optimization protocol for one batch of
// victims: wrap in proxies sharing one write segment, build a merged
// segment from the wrapped copies, swap it in, then remove the old
// directories once the new segment is durable.
func (p *protocol) run(holder *segmentholder.SegmentHolder, victims []segmentholder.SegmentId, stopped *atomic.Bool) (bool, error) {
	if len(victims) == 0 {
		return false, nil
	}

	metrics.OptimizerSegmentsInFlight.WithLabelValues(p.name).Add(float64(len(victims)))
	defer metrics.OptimizerSegmentsInFlight.WithLabelValues(p.name).Sub(float64(len(victims)))

	writeDir, err := p.newSegmentDir()
	if err != nil {
		return false, err
	}
	writeCfg, err := p.newConfig(writeDir, true, 0)
	if err != nil {
		return false, err
	}
	sharedWrite, err := segment.New(writeCfg)
	if err != nil {
		return false, err
	}

	deletedPoints := proxysegment.NewSharedDeletedPoints()
	createdIndexes := proxysegment.NewSharedFieldMap()
	deletedIndexes := proxysegment.NewSharedFieldSet()

	// Step 1: wrap every victim in a proxy. Replace takes the segment's own
	// write lock internally, so nothing here acquires it first — doing so
	// would deadlock against Replace's own Lock call on the same
	// non-reentrant sync.RWMutex.
	var sources []*segment.Segment
	var oldDirs []string
	pointCountHint := 0
	for _, id := range victims {
		ls, ok := holder.Get(id)
		if !ok {
			continue
		}
		concrete, ok := ls.Get().(*segment.Segment)
		if !ok {
			return false, merr.Wrap(merr.ErrServiceError, nil, "optimizer candidate is already a proxy")
		}
		proxy := proxysegment.New(concrete, sharedWrite, deletedPoints, createdIndexes, deletedIndexes)
		oldDirs = append(oldDirs, ls.DataPath())
		pointCountHint += concrete.Count(nil)
		ls.Replace(proxy, true)
		sources = append(sources, concrete)
	}
	if len(sources) == 0 {
		return false, nil
	}

	// Step 2: build the merged segment outside the lock.
	destDir, err := p.newSegmentDir()
	if err != nil {
		return false, err
	}
	destCfg, err := p.newConfig(destDir, p.appendable, pointCountHint)
	if err != nil {
		return false, err
	}
	builder := &segment.Builder{Dest: destCfg, FieldIndexes: p.fieldIndexes, HnswFields: p.hnswFields}
	built, err := builder.Build(sources, stopped)
	if err != nil {
		return false, err
	}

	// Step 3: swap the merged segment in under the holder write lock. This
	// drops the proxies; their shared write_segment stays in the holder,
	// carrying whatever landed there via move_if_exists while (2) ran.
	newID, removed := holder.Swap(built, p.appendable, destDir, victims)
	writeID := holder.AddLocked(segmentholder.NewLocked(sharedWrite, true, writeDir))

	// Step 4: only remove old directories once the new segment is durable.
	if _, err := built.Flush(true); err != nil {
		return false, err
	}
	for _, dir := range oldDirs {
		if dir == "" {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("optimizer: failed to remove old segment directory", zap.String("dir", dir), zap.Error(err))
		}
	}

	log.Info("optimizer run completed",
		zap.String("optimizer", p.name),
		zap.Any("victims", victims),
		zap.Uint64("new_segment", uint64(newID)),
		zap.Uint64("write_segment", uint64(writeID)),
		zap.Int("removed", len(removed)),
	)
	return true, nil
}

func (p *protocol) newSegmentDir() (string, error) {
	dir, err := os.MkdirTemp(p.segmentsDir, "segment-")
	if err != nil {
		return "", merr.Wrap(merr.ErrServiceError, err, "allocate segment directory")
	}
	return dir, nil
}
