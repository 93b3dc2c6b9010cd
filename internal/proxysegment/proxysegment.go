// Package proxysegment implements spec.md §4.6's copy-on-write overlay: a
// read-only wrapped segment plus a mutable write segment, sharing a
// deleted-points set across every proxy so concurrent optimizer runs stay
// consistent. Grounded directly on original_source's
// collection_manager/holders/proxy_segment.rs, named almost verbatim after
// this component; lock style follows milvus's per-struct sync.RWMutex
// convention.
package proxysegment

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/segmentcore/engine/internal/payload/condition"
	"github.com/segmentcore/engine/internal/pointid"
	"github.com/segmentcore/engine/internal/segment"
	"github.com/segmentcore/engine/internal/storage/payloadstorage"
	"github.com/segmentcore/engine/internal/vectorindex"
)

// SharedDeletedPoints is the deleted-points set shared among every proxy
// wrapping the same non-appendable segment, per proxy_segment.rs's
// `LockedRmSet` — multiple proxies may point into the same victim during a
// merge, and a point removed through one must be invisible through all.
type SharedDeletedPoints struct {
	mu  sync.RWMutex
	set map[pointid.PointId]struct{}
}

func NewSharedDeletedPoints() *SharedDeletedPoints {
	return &SharedDeletedPoints{set: map[pointid.PointId]struct{}{}}
}

func (d *SharedDeletedPoints) Contains(id pointid.PointId) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.set[id]
	return ok
}

// Insert adds id, returning true if it was not already present.
func (d *SharedDeletedPoints) Insert(id pointid.PointId) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.set[id]; ok {
		return false
	}
	d.set[id] = struct{}{}
	return true
}

func (d *SharedDeletedPoints) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.set)
}

func (d *SharedDeletedPoints) Snapshot() []pointid.PointId {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]pointid.PointId, 0, len(d.set))
	for id := range d.set {
		out = append(out, id)
	}
	return out
}

// SharedFieldSet tracks deleted payload index keys shared per proxy_segment.rs's
// `LockedFieldsSet`.
type SharedFieldSet struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

func NewSharedFieldSet() *SharedFieldSet {
	return &SharedFieldSet{set: map[string]struct{}{}}
}

func (f *SharedFieldSet) Insert(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set[key] = struct{}{}
}

func (f *SharedFieldSet) Contains(key string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.set[key]
	return ok
}

func (f *SharedFieldSet) Remove(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.set, key)
}

func (f *SharedFieldSet) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.set)
}

// SharedFieldMap tracks created field index schemas shared per
// proxy_segment.rs's `LockedFieldsMap`.
type SharedFieldMap struct {
	mu  sync.RWMutex
	set map[string]string
}

func NewSharedFieldMap() *SharedFieldMap {
	return &SharedFieldMap{set: map[string]string{}}
}

func (f *SharedFieldMap) Insert(key, fieldType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set[key] = fieldType
}

func (f *SharedFieldMap) Remove(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.set, key)
}

func (f *SharedFieldMap) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.set)
}

// ProxySegment wraps a read-only segment with a mutable write segment. All
// mutating operations land on write_segment; move_if_exists copies a point
// out of wrapped_segment the first time it is touched.
type ProxySegment struct {
	mu sync.RWMutex

	writeSegment   segment.Entry
	wrappedSegment segment.Entry

	deletedPoints  *SharedDeletedPoints
	deletedIndexes *SharedFieldSet
	createdIndexes *SharedFieldMap

	lastFlushedVersion uint64
	haveFlushed        bool
}

func New(wrapped, write segment.Entry, deletedPoints *SharedDeletedPoints, createdIndexes *SharedFieldMap, deletedIndexes *SharedFieldSet) *ProxySegment {
	return &ProxySegment{
		wrappedSegment: wrapped,
		writeSegment:   write,
		deletedPoints:  deletedPoints,
		deletedIndexes: deletedIndexes,
		createdIndexes: createdIndexes,
	}
}

// ReplicateFieldIndexes ensures write_segment has the same indexes as
// wrapped_segment, per proxy_segment.rs's `replicate_field_indexes`.
func (p *ProxySegment) ReplicateFieldIndexes(op uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	existing := p.writeSegment.GetIndexedFields()
	expected := p.wrappedSegment.GetIndexedFields()

	existingSet := make(map[string]struct{}, len(existing))
	for _, k := range existing {
		existingSet[k] = struct{}{}
	}
	expectedSet := make(map[string]struct{}, len(expected))
	for _, k := range expected {
		expectedSet[k] = struct{}{}
	}

	for key := range expectedSet {
		if _, ok := existingSet[key]; !ok {
			if err := p.writeSegment.CreateFieldIndex(op, key, ""); err != nil {
				return err
			}
		}
	}
	for key := range existingSet {
		if _, ok := expectedSet[key]; !ok {
			if err := p.writeSegment.DeleteFieldIndex(op, key); err != nil {
				return err
			}
		}
	}
	return nil
}

// moveIfExists copies a point out of wrapped_segment into write_segment the
// first time it is touched by a mutating op, per proxy_segment.rs's
// `move_if_exists`.
func (p *ProxySegment) moveIfExists(op uint64, id pointid.PointId) error {
	if p.deletedPoints.Contains(id) {
		return nil
	}
	if !p.wrappedSegment.HasPoint(id) {
		return nil
	}

	vectors, err := p.wrappedSegment.AllVectors(id)
	if err != nil {
		return err
	}
	payload, _ := p.wrappedSegment.PayloadFor(id)

	p.deletedPoints.Insert(id)

	if _, err := p.writeSegment.UpsertPoint(op, id, vectors, payload); err != nil {
		return err
	}
	return p.writeSegment.SetFullPayload(op, id, payload)
}

// addDeletedPointsFilter appends a must_not HasId(deleted) clause, per
// proxy_segment.rs's `add_deleted_points_condition_to_filter`.
func addDeletedPointsFilter(filter *condition.Filter, deleted []pointid.PointId) condition.Filter {
	wrapper := condition.HasId(deleted...)
	if filter == nil {
		return condition.Filter{MustNot: []condition.Condition{wrapper}}
	}
	out := *filter
	out.MustNot = append(append([]condition.Condition{}, filter.MustNot...), wrapper)
	return out
}

// versionLocked returns the max of the two backing segment versions; callers
// must already hold p.mu (Go's RWMutex is not reentrant, unlike the
// original's parking_lot lock which this mirrors the semantics of).
func (p *ProxySegment) versionLocked() uint64 {
	w := p.wrappedSegment.Version()
	ws := p.writeSegment.Version()
	if ws > w {
		return ws
	}
	return w
}

func (p *ProxySegment) Version() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.versionLocked()
}

func (p *ProxySegment) PointVersion(id pointid.PointId) (uint64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if v, ok := p.writeSegment.PointVersion(id); ok {
		return v, true
	}
	return p.wrappedSegment.PointVersion(id)
}

func (p *ProxySegment) HasPoint(id pointid.PointId) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.deletedPoints.Contains(id) {
		return p.writeSegment.HasPoint(id)
	}
	return p.writeSegment.HasPoint(id) || p.wrappedSegment.HasPoint(id)
}

func (p *ProxySegment) UpsertPoint(op uint64, id pointid.PointId, vectors segment.NamedVectors, payload payloadstorage.Payload) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.moveIfExists(op, id); err != nil {
		return false, err
	}
	return p.writeSegment.UpsertPoint(op, id, vectors, payload)
}

func (p *ProxySegment) DeletePoint(op uint64, id pointid.PointId) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.wrappedSegment.HasPoint(id) {
		p.deletedPoints.Insert(id)
	}
	return p.writeSegment.DeletePoint(op, id)
}

func (p *ProxySegment) UpdateVectors(op uint64, id pointid.PointId, vectors segment.NamedVectors) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.moveIfExists(op, id); err != nil {
		return err
	}
	return p.writeSegment.UpdateVectors(op, id, vectors)
}

func (p *ProxySegment) DeleteVector(op uint64, id pointid.PointId, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.moveIfExists(op, id); err != nil {
		return err
	}
	return p.writeSegment.DeleteVector(op, id, name)
}

func (p *ProxySegment) SetPayload(op uint64, id pointid.PointId, partial payloadstorage.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.moveIfExists(op, id); err != nil {
		return err
	}
	return p.writeSegment.SetPayload(op, id, partial)
}

func (p *ProxySegment) SetFullPayload(op uint64, id pointid.PointId, payload payloadstorage.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.moveIfExists(op, id); err != nil {
		return err
	}
	return p.writeSegment.SetFullPayload(op, id, payload)
}

func (p *ProxySegment) DeletePayload(op uint64, id pointid.PointId, keys []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.moveIfExists(op, id); err != nil {
		return err
	}
	return p.writeSegment.DeletePayload(op, id, keys)
}

func (p *ProxySegment) ClearPayload(op uint64, id pointid.PointId) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.moveIfExists(op, id); err != nil {
		return err
	}
	return p.writeSegment.ClearPayload(op, id)
}

func (p *ProxySegment) VectorFor(name string, id pointid.PointId) ([]float32, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.deletedPoints.Contains(id) {
		return p.writeSegment.VectorFor(name, id)
	}
	if p.writeSegment.HasPoint(id) {
		return p.writeSegment.VectorFor(name, id)
	}
	return p.wrappedSegment.VectorFor(name, id)
}

func (p *ProxySegment) AllVectors(id pointid.PointId) (segment.NamedVectors, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := segment.NamedVectors{}
	for name := range p.wrappedSegment.VectorDims() {
		vec, ok, err := p.vectorForLocked(name, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out[name] = vec
		}
	}
	return out, nil
}

func (p *ProxySegment) vectorForLocked(name string, id pointid.PointId) ([]float32, bool, error) {
	if p.deletedPoints.Contains(id) {
		return p.writeSegment.VectorFor(name, id)
	}
	if p.writeSegment.HasPoint(id) {
		return p.writeSegment.VectorFor(name, id)
	}
	return p.wrappedSegment.VectorFor(name, id)
}

func (p *ProxySegment) PayloadFor(id pointid.PointId) (payloadstorage.Payload, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.deletedPoints.Contains(id) {
		return p.writeSegment.PayloadFor(id)
	}
	if p.writeSegment.HasPoint(id) {
		return p.writeSegment.PayloadFor(id)
	}
	return p.wrappedSegment.PayloadFor(id)
}

func (p *ProxySegment) VectorDims() map[string]int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.wrappedSegment.VectorDims()
}

func (p *ProxySegment) Search(ctx context.Context, vectorName string, query []float32, filter *condition.Filter, top int, stopped *atomic.Bool) ([]vectorindex.ScoredPoint, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	deleted := p.deletedPoints.Snapshot()
	wrappedFilter := filter
	if len(deleted) > 0 {
		f := addDeletedPointsFilter(filter, deleted)
		wrappedFilter = &f
	}

	wrappedResults, err := p.wrappedSegment.Search(ctx, vectorName, query, wrappedFilter, top, stopped)
	if err != nil {
		return nil, err
	}
	writeResults, err := p.writeSegment.Search(ctx, vectorName, query, filter, top, stopped)
	if err != nil {
		return nil, err
	}
	return append(wrappedResults, writeResults...), nil
}

func (p *ProxySegment) SearchBatch(ctx context.Context, vectorName string, queries [][]float32, filter *condition.Filter, top int, stopped *atomic.Bool) ([][]vectorindex.ScoredPoint, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	deleted := p.deletedPoints.Snapshot()
	wrappedFilter := filter
	if len(deleted) > 0 {
		f := addDeletedPointsFilter(filter, deleted)
		wrappedFilter = &f
	}

	wrappedResults, err := p.wrappedSegment.SearchBatch(ctx, vectorName, queries, wrappedFilter, top, stopped)
	if err != nil {
		return nil, err
	}
	writeResults, err := p.writeSegment.SearchBatch(ctx, vectorName, queries, filter, top, stopped)
	if err != nil {
		return nil, err
	}
	out := make([][]vectorindex.ScoredPoint, len(queries))
	for i := range queries {
		out[i] = append(wrappedResults[i], writeResults[i]...)
	}
	return out, nil
}

func (p *ProxySegment) ReadFiltered(filter condition.Filter) []pointid.PointId {
	p.mu.RLock()
	defer p.mu.RUnlock()

	deleted := p.deletedPoints.Snapshot()
	var wrappedPoints []pointid.PointId
	if len(deleted) == 0 {
		wrappedPoints = p.wrappedSegment.ReadFiltered(filter)
	} else {
		wrappedPoints = p.wrappedSegment.ReadFiltered(addDeletedPointsFilter(&filter, deleted))
	}
	writePoints := p.writeSegment.ReadFiltered(filter)
	out := append(wrappedPoints, writePoints...)
	sort.Slice(out, func(i, j int) bool { return pointid.Compare(out[i], out[j]) < 0 })
	return out
}

func (p *ProxySegment) ReadRange(fromOffset, toOffset uint32) []pointid.PointId {
	p.mu.RLock()
	defer p.mu.RUnlock()

	wrappedPoints := p.wrappedSegment.ReadRange(fromOffset, toOffset)
	if p.deletedPoints.Len() > 0 {
		filtered := wrappedPoints[:0]
		for _, id := range wrappedPoints {
			if !p.deletedPoints.Contains(id) {
				filtered = append(filtered, id)
			}
		}
		wrappedPoints = filtered
	}
	writePoints := p.writeSegment.ReadRange(fromOffset, toOffset)
	out := append(wrappedPoints, writePoints...)
	sort.Slice(out, func(i, j int) bool { return pointid.Compare(out[i], out[j]) < 0 })
	return out
}

func (p *ProxySegment) Count(filter *condition.Filter) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	deletedCount := p.deletedPoints.Len()
	wrapped := p.wrappedSegment.Count(filter)
	write := p.writeSegment.Count(filter)
	total := wrapped + write - deletedCount
	if total < 0 {
		total = 0
	}
	return total
}

// TotalPointCount counts every tracked point across both backing segments,
// including ones the shared deleted-points set hides from Count.
func (p *ProxySegment) TotalPointCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.wrappedSegment.TotalPointCount() + p.writeSegment.TotalPointCount()
}

// SortedPointIDs merges wrapped and write segment ids, excluding points
// removed via the shared deleted-points set.
func (p *ProxySegment) SortedPointIDs() []pointid.PointId {
	p.mu.RLock()
	defer p.mu.RUnlock()
	seen := map[pointid.PointId]struct{}{}
	var out []pointid.PointId
	for _, id := range p.wrappedSegment.SortedPointIDs() {
		if p.deletedPoints.Contains(id) {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range p.writeSegment.SortedPointIDs() {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return pointid.Compare(out[i], out[j]) < 0 })
	return out
}

func (p *ProxySegment) CreateFieldIndex(op uint64, key string, fieldType string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.versionLocked() > op {
		return nil
	}
	if err := p.writeSegment.CreateFieldIndex(op, key, fieldType); err != nil {
		return err
	}
	indexed := p.writeSegment.GetIndexedFields()
	found := false
	for _, k := range indexed {
		if k == key {
			found = true
			break
		}
	}
	if !found {
		return nil
	}
	p.createdIndexes.Insert(key, fieldType)
	p.deletedIndexes.Remove(key)
	return nil
}

func (p *ProxySegment) DeleteFieldIndex(op uint64, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.versionLocked() > op {
		return nil
	}
	p.deletedIndexes.Insert(key)
	p.createdIndexes.Remove(key)
	return p.writeSegment.DeleteFieldIndex(op, key)
}

// GetIndexedFields unions wrapped_segment's indexes with write_segment's
// (where every index created through the proxy lands) and removes anything
// in deleted_indexes, per proxy_segment.rs's `get_indexed_fields`
// chain-then-filter.
func (p *ProxySegment) GetIndexedFields() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	fields := map[string]struct{}{}
	for _, k := range p.wrappedSegment.GetIndexedFields() {
		fields[k] = struct{}{}
	}
	for _, k := range p.writeSegment.GetIndexedFields() {
		fields[k] = struct{}{}
	}
	for k := range fields {
		if p.deletedIndexes.Contains(k) {
			delete(fields, k)
		}
	}
	out := make([]string, 0, len(fields))
	for k := range fields {
		out = append(out, k)
	}
	return out
}

// Flush implements proxy_segment.rs's flush-only-when-overlays-empty
// workaround: if deleted points/indexes/created indexes are all empty it is
// safe to flush both segments; otherwise it replays the cached
// last_flushed_version, which never decreases.
func (p *ProxySegment) Flush(sync bool) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.deletedPoints.Len() == 0 && p.deletedIndexes.Len() == 0 && p.createdIndexes.Len() == 0 {
		wrappedVersion, err := p.wrappedSegment.Flush(sync)
		if err != nil {
			return 0, err
		}
		writeVersion, err := p.writeSegment.Flush(sync)
		if err != nil {
			return 0, err
		}
		flushed := wrappedVersion
		if writeVersion > flushed {
			flushed = writeVersion
		}
		if !p.haveFlushed || flushed > p.lastFlushedVersion {
			p.lastFlushedVersion = flushed
			p.haveFlushed = true
		}
		return p.lastFlushedVersion, nil
	}

	if p.haveFlushed {
		return p.lastFlushedVersion, nil
	}
	return p.wrappedSegment.Version(), nil
}

func (p *ProxySegment) TakeSnapshot(tmpDir, dstPath string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	// Snapshot wrapped_segment's own data; write_segment is shared across
	// proxies and is snapshotted once by its owner, per proxy_segment.rs.
	return p.wrappedSegment.TakeSnapshot(tmpDir, dstPath)
}
