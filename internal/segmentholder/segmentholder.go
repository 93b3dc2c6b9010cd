// Package segmentholder implements spec.md §4.7: the SegmentId→LockedSegment
// map, point-routing helpers, and the aloha_random_write deadlock-avoiding
// writer-lock strategy. Grounded directly on original_source's
// collection_manager/holders/segment_holder.rs; lock style (explicit
// sync.RWMutex per slot, upgradable-read-then-write pattern approximated
// with an RLock existence check before taking the Lock) follows the
// teacher's segMu convention in internal/datanode/segment_replica.go.
package segmentholder

import (
	"container/heap"
	"math/rand"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/segmentcore/engine/internal/merr"
	"github.com/segmentcore/engine/internal/pointid"
	"github.com/segmentcore/engine/internal/segment"
)

// SegmentId identifies a segment within one shard's holder.
type SegmentId uint64

// LockedSegment unifies access to either a plain *segment.Segment or a
// *proxysegment.ProxySegment behind one RWMutex slot, per segment_holder.rs's
// `LockedSegment` enum. Go interfaces make the Original/Proxy split
// unnecessary: any segment.Entry can sit behind the lock, and callers that
// need the concrete appendable flag ask the entry directly.
type LockedSegment struct {
	mu         sync.RWMutex
	entry      segment.Entry
	appendable bool
	dataPath   string
}

func NewLocked(entry segment.Entry, appendable bool, dataPath string) *LockedSegment {
	return &LockedSegment{entry: entry, appendable: appendable, dataPath: dataPath}
}

// Get returns the wrapped entry. Callers that need explicit lock scoping
// (apply_points-style read-then-write) use RLock/Lock on the LockedSegment.
func (l *LockedSegment) Get() segment.Entry {
	return l.entry
}

func (l *LockedSegment) RLock()   { l.mu.RLock() }
func (l *LockedSegment) RUnlock() { l.mu.RUnlock() }
func (l *LockedSegment) Lock()    { l.mu.Lock() }
func (l *LockedSegment) Unlock()  { l.mu.Unlock() }

// TryLock attempts to acquire the write lock without blocking, used by
// aloha_random_write's fast first pass.
func (l *LockedSegment) TryLock() bool { return l.mu.TryLock() }

func (l *LockedSegment) IsAppendable() bool { return l.appendable }
func (l *LockedSegment) DataPath() string   { return l.dataPath }

func (l *LockedSegment) Replace(entry segment.Entry, appendable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entry = entry
	l.appendable = appendable
}

// SegmentHolder owns the segment set for one shard.
type SegmentHolder struct {
	mu       sync.RWMutex
	segments map[SegmentId]*LockedSegment
	nextID   SegmentId

	errMu          sync.Mutex
	failedOps      map[uint64]struct{}
	optimizerError error
}

func New() *SegmentHolder {
	return &SegmentHolder{
		segments:  map[SegmentId]*LockedSegment{},
		failedOps: map[uint64]struct{}{},
	}
}

// MarkFailedOperation records op_num as having failed to apply, per
// segment_holder.rs's `failed_operation` set. updatehandler's optimizer
// worker replays the WAL from the lowest marked op_num before every
// optimization pass.
func (h *SegmentHolder) MarkFailedOperation(opNum uint64) {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	h.failedOps[opNum] = struct{}{}
}

// ClearFailedOperation removes op_num once it has been reapplied
// successfully.
func (h *SegmentHolder) ClearFailedOperation(opNum uint64) {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	delete(h.failedOps, opNum)
}

// MinFailedOperation returns the lowest still-failed op_num, if any.
func (h *SegmentHolder) MinFailedOperation() (uint64, bool) {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	min := uint64(0)
	found := false
	for op := range h.failedOps {
		if !found || op < min {
			min = op
			found = true
		}
	}
	return min, found
}

// ReportOptimizerError records err as the holder's sticky optimizer error,
// keeping only the first one reported, per segment_holder.rs's
// report_optimizer_error (the first error is most likely to be the real
// cause of whatever followed).
func (h *SegmentHolder) ReportOptimizerError(err error) {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	if h.optimizerError == nil {
		h.optimizerError = err
	}
}

// OptimizerError returns the first sticky error reported, if any.
func (h *SegmentHolder) OptimizerError() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.optimizerError
}

func (h *SegmentHolder) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.segments)
}

func (h *SegmentHolder) IsEmpty() bool { return h.Len() == 0 }

// Add inserts a new segment and returns its assigned id.
func (h *SegmentHolder) Add(entry segment.Entry, appendable bool, dataPath string) SegmentId {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.segments[id] = NewLocked(entry, appendable, dataPath)
	return id
}

// AddLocked inserts an already-constructed LockedSegment, used when a
// segment must be shared by reference (e.g. the shared write_segment a merge
// optimizer hands to multiple proxies).
func (h *SegmentHolder) AddLocked(ls *LockedSegment) SegmentId {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.segments[id] = ls
	return id
}

// Remove deletes the given ids, returning the removed LockedSegments.
func (h *SegmentHolder) Remove(ids []SegmentId) []*LockedSegment {
	h.mu.Lock()
	defer h.mu.Unlock()
	var removed []*LockedSegment
	for _, id := range ids {
		if ls, ok := h.segments[id]; ok {
			removed = append(removed, ls)
			delete(h.segments, id)
		}
	}
	return removed
}

// Swap adds a new segment and removes the given ids in one step, mirroring
// segment_holder.rs's `swap`.
func (h *SegmentHolder) Swap(entry segment.Entry, appendable bool, dataPath string, removeIDs []SegmentId) (SegmentId, []*LockedSegment) {
	h.mu.Lock()
	defer h.mu.Unlock()
	newID := h.nextID
	h.nextID++
	h.segments[newID] = NewLocked(entry, appendable, dataPath)
	var removed []*LockedSegment
	for _, id := range removeIDs {
		if ls, ok := h.segments[id]; ok {
			removed = append(removed, ls)
			delete(h.segments, id)
		}
	}
	return newID, removed
}

func (h *SegmentHolder) Get(id SegmentId) (*LockedSegment, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ls, ok := h.segments[id]
	return ls, ok
}

func (h *SegmentHolder) IDs() []SegmentId {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]SegmentId, 0, len(h.segments))
	for id := range h.segments {
		out = append(out, id)
	}
	return out
}

func (h *SegmentHolder) AppendableSegments() []SegmentId {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []SegmentId
	for id, ls := range h.segments {
		if ls.IsAppendable() {
			out = append(out, id)
		}
	}
	return out
}

func (h *SegmentHolder) NonAppendableSegments() []SegmentId {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []SegmentId
	for id, ls := range h.segments {
		if !ls.IsAppendable() {
			out = append(out, id)
		}
	}
	return out
}

func (h *SegmentHolder) RandomAppendableSegment() (*LockedSegment, bool) {
	ids := h.AppendableSegments()
	if len(ids) == 0 {
		return nil, false
	}
	id := ids[rand.Intn(len(ids))]
	return h.Get(id)
}

// ForEachSegment calls f with a read-locked entry for every segment,
// counting how many times f reports a change applied.
func (h *SegmentHolder) ForEachSegment(f func(entry segment.Entry) (bool, error)) (int, error) {
	h.mu.RLock()
	snapshot := make([]*LockedSegment, 0, len(h.segments))
	for _, ls := range h.segments {
		snapshot = append(snapshot, ls)
	}
	h.mu.RUnlock()

	processed := 0
	for _, ls := range snapshot {
		ls.RLock()
		applied, err := f(ls.Get())
		ls.RUnlock()
		if err != nil {
			return processed, err
		}
		if applied {
			processed++
		}
	}
	return processed, nil
}

// ApplySegments calls f with a write-locked entry for every segment.
func (h *SegmentHolder) ApplySegments(f func(entry segment.Entry) (bool, error)) (int, error) {
	h.mu.RLock()
	snapshot := make([]*LockedSegment, 0, len(h.segments))
	for _, ls := range h.segments {
		snapshot = append(snapshot, ls)
	}
	h.mu.RUnlock()

	processed := 0
	for _, ls := range snapshot {
		ls.Lock()
		applied, err := f(ls.Get())
		ls.Unlock()
		if err != nil {
			return processed, err
		}
		if applied {
			processed++
		}
	}
	return processed, nil
}

func segmentPoints(ids []pointid.PointId, entry segment.Entry) []pointid.PointId {
	var out []pointid.PointId
	for _, id := range ids {
		if entry.HasPoint(id) {
			out = append(out, id)
		}
	}
	return out
}

// ApplyPoints implements spec.md §4.7's apply_points: for every segment
// holding one of ids, acquires a write lock once and calls f per affected
// point. f receives (pointId, segmentId, entry).
func (h *SegmentHolder) ApplyPoints(ids []pointid.PointId, f func(id pointid.PointId, segmentID SegmentId, entry segment.Entry) (bool, error)) (int, error) {
	h.mu.RLock()
	type slot struct {
		id SegmentId
		ls *LockedSegment
	}
	slots := make([]slot, 0, len(h.segments))
	for id, ls := range h.segments {
		slots = append(slots, slot{id: id, ls: ls})
	}
	h.mu.RUnlock()

	applied := 0
	for _, s := range slots {
		s.ls.RLock()
		matched := segmentPoints(ids, s.ls.Get())
		s.ls.RUnlock()
		if len(matched) == 0 {
			continue
		}
		s.ls.Lock()
		for _, pid := range matched {
			ok, err := f(pid, s.id, s.ls.Get())
			if err != nil {
				s.ls.Unlock()
				return applied, err
			}
			if ok {
				applied++
			}
		}
		s.ls.Unlock()
	}
	return applied, nil
}

// AlohaRandomWrite tries each candidate segment's write lock without
// blocking first (fast path), then falls back to randomized exponential
// backoff across the set — per segment_holder.rs's `aloha_random_write`,
// this avoids the classic multi-lock-ordering deadlock that a fixed
// iteration order would risk when many threads fan out writes across the
// same appendable segment set concurrently.
func (h *SegmentHolder) AlohaRandomWrite(segmentIDs []SegmentId, apply func(segmentID SegmentId, entry segment.Entry) (bool, error)) (bool, error) {
	if len(segmentIDs) == 0 {
		return false, merr.Wrap(merr.ErrServiceError, nil, "no appendable segments exist, expected at least one")
	}

	type candidate struct {
		id SegmentId
		ls *LockedSegment
	}
	var candidates []candidate
	for _, id := range segmentIDs {
		ls, ok := h.Get(id)
		if !ok {
			continue
		}
		if ls.TryLock() {
			result, err := apply(id, ls.Get())
			ls.Unlock()
			return result, err
		}
		candidates = append(candidates, candidate{id: id, ls: ls})
	}

	// Polling rather than a goroutine blocked on Lock() avoids leaking a
	// write lock: a blocking Lock() call has no way to be abandoned once
	// this loop moves on to a different candidate after a timeout.
	backoff := 100 * time.Nanosecond
	for {
		c := candidates[rand.Intn(len(candidates))]
		if c.ls.TryLock() {
			result, err := apply(c.id, c.ls.Get())
			c.ls.Unlock()
			return result, err
		}
		time.Sleep(backoff)
		backoff *= 2
	}
}

// ApplyPointsToAppendable implements spec.md §4.7's update-routing rule:
// writes on a non-appendable segment are migrated to a randomly chosen
// appendable one via AlohaRandomWrite instead of applied in place.
func (h *SegmentHolder) ApplyPointsToAppendable(op uint64, ids []pointid.PointId, f func(id pointid.PointId, entry segment.Entry) (bool, error)) (map[pointid.PointId]struct{}, error) {
	appendableIDs := h.AppendableSegments()
	appliedPoints := map[pointid.PointId]struct{}{}

	_, err := h.ApplyPoints(ids, func(id pointid.PointId, _ SegmentId, entry segment.Entry) (bool, error) {
		if v, ok := entry.PointVersion(id); ok && v >= op {
			appliedPoints[id] = struct{}{}
			return false, nil
		}

		var applied bool
		var err error
		if isAppendableEntry(entry) {
			applied, err = f(id, entry)
		} else {
			applied, err = h.AlohaRandomWrite(appendableIDs, func(_ SegmentId, appendable segment.Entry) (bool, error) {
				vectors, verr := entry.AllVectors(id)
				if verr != nil {
					return false, verr
				}
				payload, _ := entry.PayloadFor(id)

				if _, uerr := appendable.UpsertPoint(op, id, vectors, payload); uerr != nil {
					return false, uerr
				}
				if uerr := appendable.SetFullPayload(op, id, payload); uerr != nil {
					return false, uerr
				}
				if derr := entry.DeletePoint(op, id); derr != nil {
					return false, derr
				}
				return f(id, appendable)
			})
		}
		if err != nil {
			return false, err
		}
		appliedPoints[id] = struct{}{}
		return applied, nil
	})
	return appliedPoints, err
}

// isAppendableEntry probes segment.Entry for a segment-specific Appendable()
// method; ProxySegment always reports true per proxy_segment.rs's
// `is_appendable`.
func isAppendableEntry(entry segment.Entry) bool {
	type appendabler interface{ Appendable() bool }
	if a, ok := entry.(appendabler); ok {
		return a.Appendable()
	}
	return true
}

// ReadPoints calls f for every (id, entry) pair among every segment holding
// one of ids, under a read lock.
func (h *SegmentHolder) ReadPoints(ids []pointid.PointId, f func(id pointid.PointId, entry segment.Entry) (bool, error)) (int, error) {
	h.mu.RLock()
	snapshot := make([]*LockedSegment, 0, len(h.segments))
	for _, ls := range h.segments {
		snapshot = append(snapshot, ls)
	}
	h.mu.RUnlock()

	read := 0
	for _, ls := range snapshot {
		ls.RLock()
		entry := ls.Get()
		for _, id := range ids {
			if !entry.HasPoint(id) {
				continue
			}
			ok, err := f(id, entry)
			if err != nil {
				ls.RUnlock()
				return read, err
			}
			if ok {
				read++
			}
		}
		ls.RUnlock()
	}
	return read, nil
}

// segmentFlushOrdering flushes appendable segments first, then
// non-appendable, so data migrated out of a non-appendable segment is
// durable before its source records are marked removed.
func (h *SegmentHolder) segmentFlushOrdering() []SegmentId {
	return append(h.AppendableSegments(), h.NonAppendableSegments()...)
}

// FlushAll implements spec.md §4.7's flush_all(sync): flushes every segment
// in appendable-then-non-appendable order and returns the version safe to
// truncate the WAL at.
func (h *SegmentHolder) FlushAll(sync bool) (uint64, error) {
	var maxPersisted uint64
	var minUnsaved uint64 = ^uint64(0)
	hasUnsaved := false

	for _, id := range h.segmentFlushOrdering() {
		ls, ok := h.Get(id)
		if !ok {
			continue
		}
		ls.RLock()
		entry := ls.Get()
		version := entry.Version()
		persisted, err := entry.Flush(sync)
		ls.RUnlock()
		if err != nil {
			return 0, err
		}
		if version > persisted {
			hasUnsaved = true
			if persisted < minUnsaved {
				minUnsaved = persisted
			}
		}
		if persisted > maxPersisted {
			maxPersisted = persisted
		}
	}
	if hasUnsaved {
		return minUnsaved, nil
	}
	return maxPersisted, nil
}

// SnapshotAllSegments takes a snapshot of every segment into dstDir,
// stopping at the first failing segment.
func (h *SegmentHolder) SnapshotAllSegments(tmpDir, dstDir string) error {
	for _, id := range h.IDs() {
		ls, ok := h.Get(id)
		if !ok {
			continue
		}
		ls.RLock()
		name := "segment-" + strconv.FormatUint(uint64(id), 10) + ".tar"
		_, err := ls.Get().TakeSnapshot(tmpDir, filepath.Join(dstDir, name))
		ls.RUnlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// dedupEntry is the k-way merge heap element of segment_holder.rs's
// `DedupPoint`, ordered by point id ascending then segment id ascending
// (Open Question 2: ties between equal point ids from different segments
// break on segment id to make the merge deterministic).
type dedupEntry struct {
	id        pointid.PointId
	segmentID SegmentId
}

type dedupHeap []dedupEntry

func (h dedupHeap) Len() int { return len(h) }
func (h dedupHeap) Less(i, j int) bool {
	c := pointid.Compare(h[i].id, h[j].id)
	if c != 0 {
		return c < 0
	}
	return h[i].segmentID < h[j].segmentID
}
func (h dedupHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *dedupHeap) Push(x any)        { *h = append(*h, x.(dedupEntry)) }
func (h *dedupHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// DeduplicatePoints implements spec.md §4.7's deduplicate_points: a k-way
// merge of every segment's sorted point ids via a min-heap, keeping the
// highest-versioned copy of each duplicated id and deleting the rest.
func (h *SegmentHolder) DeduplicatePoints() (int, error) {
	toRemove, err := h.findDuplicatedPoints()
	if err != nil {
		return 0, err
	}

	removed := 0
	for segmentID, ids := range toRemove {
		ls, ok := h.Get(segmentID)
		if !ok {
			continue
		}
		ls.Lock()
		entry := ls.Get()
		for _, id := range ids {
			if v, ok := entry.PointVersion(id); ok {
				// DeletePoint's version guard skips ops at or below the
				// point's current version, so the removal itself must carry
				// a version strictly newer than the duplicate being dropped.
				if err := entry.DeletePoint(v+1, id); err != nil {
					ls.Unlock()
					return removed, err
				}
				removed++
			}
		}
		ls.Unlock()
	}
	return removed, nil
}

func (h *SegmentHolder) findDuplicatedPoints() (map[SegmentId][]pointid.PointId, error) {
	h.mu.RLock()
	type segIter struct {
		id     SegmentId
		entry  segment.Entry
		points []pointid.PointId
		pos    int
	}
	iters := make(map[SegmentId]*segIter, len(h.segments))
	for id, ls := range h.segments {
		ls.RLock()
		entry := ls.Get()
		iters[id] = &segIter{id: id, entry: entry, points: entry.SortedPointIDs()}
		ls.RUnlock()
	}
	h.mu.RUnlock()

	hp := &dedupHeap{}
	heap.Init(hp)
	for _, it := range iters {
		if len(it.points) > 0 {
			heap.Push(hp, dedupEntry{id: it.points[0], segmentID: it.id})
			it.pos = 1
		}
	}

	toRemove := map[SegmentId][]pointid.PointId{}
	var lastID *pointid.PointId
	var lastSegment SegmentId
	var lastVersion uint64
	haveLastVersion := false

	for hp.Len() > 0 {
		entry := heap.Pop(hp).(dedupEntry)
		it := iters[entry.segmentID]
		if it.pos < len(it.points) {
			heap.Push(hp, dedupEntry{id: it.points[it.pos], segmentID: entry.segmentID})
			it.pos++
		}

		if lastID != nil && pointid.Compare(*lastID, entry.id) == 0 {
			pointVersion, _ := iters[entry.segmentID].entry.PointVersion(entry.id)
			if !haveLastVersion {
				lastVersion, _ = iters[lastSegment].entry.PointVersion(*lastID)
				haveLastVersion = true
			}
			if pointVersion < lastVersion {
				toRemove[entry.segmentID] = append(toRemove[entry.segmentID], entry.id)
			} else {
				toRemove[lastSegment] = append(toRemove[lastSegment], *lastID)
				lastID = &entry.id
				lastSegment = entry.segmentID
				lastVersion = pointVersion
				haveLastVersion = true
			}
		} else {
			id := entry.id
			lastID = &id
			lastSegment = entry.segmentID
			haveLastVersion = false
		}
	}

	return toRemove, nil
}
