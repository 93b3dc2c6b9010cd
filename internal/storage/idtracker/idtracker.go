// Package idtracker implements spec.md §4.2's id tracker: the bimap between
// externally supplied PointId and a segment's dense InternalOffset, plus a
// per-offset version used to enforce the monotonic-version invariant of
// §3 and §4.5.
//
// The revision/version-bumping idiom is cross-checked against
// thistonyuncle-etcd's mvcc/kvstore.go (ambient reference, not milvus);
// per-segment id bookkeeping shape follows milvus's
// internal/datanode/segment_replica.go. The external→internal lookup is
// accelerated with a github.com/bits-and-blooms/bloom/v3 filter, the same
// library milvus uses for segment primary-key existence checks.
package idtracker

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/segmentcore/engine/internal/merr"
	"github.com/segmentcore/engine/internal/pointid"
)

const defaultBloomFalsePositiveRate = 0.01

// IdTracker maintains the PointId<->InternalOffset bimap and per-offset
// version for one segment.
type IdTracker struct {
	mu sync.RWMutex

	externalToInternal map[pointid.PointId]uint32
	internalToExternal map[uint32]pointid.PointId
	versions           []uint64
	deleted            map[uint32]bool
	nextOffset         uint32

	filter *bloom.BloomFilter
}

func New() *IdTracker {
	return &IdTracker{
		externalToInternal: map[pointid.PointId]uint32{},
		internalToExternal: map[uint32]pointid.PointId{},
		deleted:            map[uint32]bool{},
		filter:             bloom.NewWithEstimates(1<<16, defaultBloomFalsePositiveRate),
	}
}

// InternalID returns the internal offset for an external id, if tracked.
func (t *IdTracker) InternalID(external pointid.PointId) (uint32, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.filter.Test([]byte(external.String())) {
		return 0, false
	}
	off, ok := t.externalToInternal[external]
	return off, ok
}

// ExternalID returns the external id tracked for an internal offset.
func (t *IdTracker) ExternalID(internal uint32) (pointid.PointId, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.internalToExternal[internal]
	return id, ok
}

// SetLink creates or overwrites the external<->internal association,
// allocating a version slot if internal is newly seen.
func (t *IdTracker) SetLink(external pointid.PointId, internal uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.externalToInternal[external] = internal
	t.internalToExternal[internal] = external
	t.filter.Add([]byte(external.String()))
	for uint32(len(t.versions)) <= internal {
		t.versions = append(t.versions, 0)
	}
	if internal >= t.nextOffset {
		t.nextOffset = internal + 1
	}
}

// AllocateOffset assigns a fresh internal offset for external, or returns the
// existing one if already tracked.
func (t *IdTracker) AllocateOffset(external pointid.PointId) uint32 {
	t.mu.Lock()
	if off, ok := t.externalToInternal[external]; ok {
		t.mu.Unlock()
		return off
	}
	off := t.nextOffset
	t.nextOffset++
	t.mu.Unlock()
	t.SetLink(external, off)
	return off
}

// Drop removes the association entirely (used when a point migrates away
// from this segment, as opposed to Delete which only flags it gone).
func (t *IdTracker) Drop(external pointid.PointId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if off, ok := t.externalToInternal[external]; ok {
		delete(t.externalToInternal, external)
		delete(t.internalToExternal, off)
		t.deleted[off] = true
	}
}

func (t *IdTracker) MarkDeleted(internal uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deleted[internal] = true
}

func (t *IdTracker) IsDeleted(internal uint32) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.deleted[internal]
}

// InternalVersion returns the point-version recorded for internal, per §3's
// `version[offset] ≥ op_num` invariant.
func (t *IdTracker) InternalVersion(internal uint32) (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if internal >= uint32(len(t.versions)) {
		return 0, merr.Wrap(merr.ErrNotFound, nil, "internal offset has no version slot")
	}
	return t.versions[internal], nil
}

// SetInternalVersion records opNum as internal's version, unconditionally.
// Callers enforce the monotonic-version guard before calling this.
func (t *IdTracker) SetInternalVersion(internal uint32, opNum uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for uint32(len(t.versions)) <= internal {
		t.versions = append(t.versions, 0)
	}
	t.versions[internal] = opNum
}

// IterIDs calls yield for every tracked (external, internal) pair not marked
// deleted, stopping early if yield returns false.
func (t *IdTracker) IterIDs(yield func(external pointid.PointId, internal uint32) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for ext, internal := range t.externalToInternal {
		if t.deleted[internal] {
			continue
		}
		if !yield(ext, internal) {
			return
		}
	}
}

func (t *IdTracker) TotalPointCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.internalToExternal)
}

func (t *IdTracker) AvailablePointCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	count := 0
	for _, internal := range t.externalToInternal {
		if !t.deleted[internal] {
			count++
		}
	}
	return count
}
