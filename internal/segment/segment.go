// Package segment implements spec.md §4.5: a segment composes one id
// tracker, one payload storage, one payload index, and a
// {vector_name → (vector_storage, vector_index)} map, exposing the point
// and search operation table. Structure follows milvus's
// internal/datanode/segment_replica.go (per-segment sync.RWMutex, explicit
// per-field maps rather than nested generics); naming of operations
// (upsert_point, delete_point, search, flush) is taken directly from
// spec.md and original_source's segment.rs / segment_constructor.rs.
package segment

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/segmentcore/engine/internal/log"
	"github.com/segmentcore/engine/internal/merr"
	"github.com/segmentcore/engine/internal/payload/condition"
	"github.com/segmentcore/engine/internal/payload/index"
	"github.com/segmentcore/engine/internal/payload/planner"
	"github.com/segmentcore/engine/internal/pointid"
	"github.com/segmentcore/engine/internal/segmentconfig"
	"github.com/segmentcore/engine/internal/storage/idtracker"
	"github.com/segmentcore/engine/internal/storage/payloadstorage"
	"github.com/segmentcore/engine/internal/storage/vectorstorage"
	"github.com/segmentcore/engine/internal/vectorindex"
	"go.uber.org/zap"
)

// NamedVectors is the (vector_name → values) map a point carries.
type NamedVectors map[string][]float32

// Entry is the full point/search/index operation contract of spec.md §4.5,
// implemented by *Segment and, wrapping it, *proxysegment.ProxySegment.
// Naming mirrors original_source's `SegmentEntry` trait so the two
// implementations stay substitutable behind one LockedSegment slot in
// segmentholder.
type Entry interface {
	Version() uint64
	PointVersion(id pointid.PointId) (uint64, bool)
	HasPoint(id pointid.PointId) bool

	UpsertPoint(op uint64, id pointid.PointId, vectors NamedVectors, payload payloadstorage.Payload) (bool, error)
	DeletePoint(op uint64, id pointid.PointId) error
	UpdateVectors(op uint64, id pointid.PointId, vectors NamedVectors) error
	DeleteVector(op uint64, id pointid.PointId, name string) error
	SetPayload(op uint64, id pointid.PointId, partial payloadstorage.Payload) error
	SetFullPayload(op uint64, id pointid.PointId, payload payloadstorage.Payload) error
	DeletePayload(op uint64, id pointid.PointId, keys []string) error
	ClearPayload(op uint64, id pointid.PointId) error

	VectorFor(name string, id pointid.PointId) ([]float32, bool, error)
	AllVectors(id pointid.PointId) (NamedVectors, error)
	PayloadFor(id pointid.PointId) (payloadstorage.Payload, bool)
	VectorDims() map[string]int

	Search(ctx context.Context, vectorName string, query []float32, filter *condition.Filter, top int, stopped *atomic.Bool) ([]vectorindex.ScoredPoint, error)
	SearchBatch(ctx context.Context, vectorName string, queries [][]float32, filter *condition.Filter, top int, stopped *atomic.Bool) ([][]vectorindex.ScoredPoint, error)

	ReadFiltered(filter condition.Filter) []pointid.PointId
	ReadRange(fromOffset, toOffset uint32) []pointid.PointId
	Count(filter *condition.Filter) int
	// TotalPointCount returns every tracked id including deleted ones, used
	// by the vacuum optimizer's deleted-ratio candidate rule.
	TotalPointCount() int
	// SortedPointIDs returns every live id in ascending pointid.Compare order,
	// used by segmentholder's deduplicate_points k-way merge.
	SortedPointIDs() []pointid.PointId

	CreateFieldIndex(op uint64, key string, fieldType string) error
	DeleteFieldIndex(op uint64, key string) error
	GetIndexedFields() []string

	Flush(sync bool) (uint64, error)
	TakeSnapshot(tmpDir, dstPath string) (string, error)
}

// vectorField bundles one named vector's storage and index, satisfying
// spec.md §9's note on flattening the Segment/Storage/Index cycle into
// plain maps keyed by name rather than owning back-pointers.
type vectorField struct {
	storage vectorstorage.Storage
	index   vectorindex.Index
	cfg     segmentconfig.VectorFieldConfig
}

// Segment is the concrete implementation of spec.md §4.5.
type Segment struct {
	mu sync.RWMutex

	dir         string
	appendable  bool
	ids         *idtracker.IdTracker
	payload     payloadstorage.Storage
	indexes     map[string]index.FieldIndex
	vectors     map[string]*vectorField
	compiler    *planner.Compiler
	persistedOp uint64
	version     uint64
}

// bumpVersion records op as the segment's high-water op_num if it is newer,
// mirroring original_source's `ProxySegment::version()` max-of-parts check.
// Callers hold s.mu already.
func (s *Segment) bumpVersion(op uint64) {
	if op > s.version {
		s.version = op
	}
}

// Config bundles the collaborators a caller constructs a Segment from; it
// exists so segment.Builder can assemble a fresh Segment without this
// package reaching into storage/payload/idtracker constructors directly.
type Config struct {
	Dir        string
	Appendable bool
	IDs        *idtracker.IdTracker
	Payload    payloadstorage.Storage
	Indexes    map[string]index.FieldIndex
	Vectors    map[string]segmentconfig.VectorFieldConfig
	Storages   map[string]vectorstorage.Storage
	Kernels    map[string]vectorindex.Kernel
}

// New assembles a Segment from already-opened storage collaborators.
func New(cfg Config) (*Segment, error) {
	s := &Segment{
		dir:        cfg.Dir,
		appendable: cfg.Appendable,
		ids:        cfg.IDs,
		payload:    cfg.Payload,
		indexes:    cfg.Indexes,
		vectors:    map[string]*vectorField{},
	}
	if s.indexes == nil {
		s.indexes = map[string]index.FieldIndex{}
	}
	for name, vcfg := range cfg.Vectors {
		storage, ok := cfg.Storages[name]
		if !ok {
			return nil, merr.Wrap(merr.ErrVectorNameNotExists, nil, "missing storage for vector "+name)
		}
		fromOffset := func(offset uint32) (pointid.PointId, bool) { return s.ids.ExternalID(offset) }
		var idx vectorindex.Index
		if kernel, ok := cfg.Kernels[name]; ok {
			idx = vectorindex.NewHNSWIndex(kernel, fromOffset)
		} else {
			idx = vectorindex.NewPlainIndex(storage, vectorindex.DistanceFor(vcfg.Distance), fromOffset)
		}
		s.vectors[name] = &vectorField{storage: storage, index: idx, cfg: vcfg}
	}
	s.compiler = &planner.Compiler{
		Indexes:  (*indexSet)(s),
		Payload:  s.payload,
		IDLookup: (*idLookup)(s),
	}
	return s, nil
}

type indexSet Segment

func (s *indexSet) IndexFor(key string) (index.FieldIndex, bool) {
	idx, ok := s.indexes[key]
	return idx, ok
}

type idLookup Segment

func (s *idLookup) InternalID(external pointid.PointId) (uint32, bool) {
	return s.ids.InternalID(external)
}

func (s *Segment) Appendable() bool { return s.appendable }

// pointVersion returns the currently recorded version for id, or (0, false)
// if id isn't tracked yet.
func (s *Segment) pointVersion(id pointid.PointId) (uint64, bool) {
	off, ok := s.ids.InternalID(id)
	if !ok {
		return 0, false
	}
	v, err := s.ids.InternalVersion(off)
	if err != nil {
		return 0, false
	}
	return v, true
}

// UpsertPoint implements spec.md §4.5's upsert_point: no-op if op <= current
// version, else writes vectors/payload and bumps the version.
func (s *Segment) UpsertPoint(op uint64, id pointid.PointId, vectors NamedVectors, payload payloadstorage.Payload) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, tracked := s.pointVersion(id); tracked && op <= v {
		return false, nil
	}
	// A deleted point is re-inserted at a fresh offset; deletion flags are
	// never cleared in place.
	if off, ok := s.ids.InternalID(id); ok && s.ids.IsDeleted(off) {
		s.ids.Drop(id)
	}

	offset := s.ids.AllocateOffset(id)
	for name, field := range s.vectors {
		vec, ok := vectors[name]
		if !ok {
			continue
		}
		if len(vec) != field.cfg.Size {
			return false, merr.Wrap(merr.ErrWrongVector, nil, "vector "+name+" dimension mismatch")
		}
		if err := field.storage.Insert(offset, vec); err != nil {
			return false, err
		}
	}
	if payload != nil {
		if err := s.payload.Set(offset, payload); err != nil {
			return false, err
		}
		for key, idx := range s.indexes {
			if v, ok := payload[key]; ok {
				if err := idx.AddPoint(offset, flattenValue(v)); err != nil {
					return false, err
				}
			}
		}
	}
	s.ids.SetInternalVersion(offset, op)
	s.bumpVersion(op)
	return true, nil
}

func flattenValue(v any) []any {
	if arr, ok := v.([]any); ok {
		return arr
	}
	return []any{v}
}

// DeletePoint implements spec.md §4.5's delete_point.
func (s *Segment) DeletePoint(op uint64, id pointid.PointId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, tracked := s.pointVersion(id); tracked && op <= v {
		return nil
	}
	// A point absent from this segment is not an error: delete_point is
	// idempotent across segments, per original_source's
	// `was_deleted_in_writable` bool (the segment that never had the point
	// simply reports nothing changed).
	offset, ok := s.ids.InternalID(id)
	if !ok {
		s.bumpVersion(op)
		return nil
	}
	for _, field := range s.vectors {
		if _, err := field.storage.Delete(offset); err != nil {
			return err
		}
	}
	s.ids.MarkDeleted(offset)
	s.ids.SetInternalVersion(offset, op)
	s.bumpVersion(op)
	return nil
}

// UpdateVectors implements spec.md §4.5's partial vector update.
func (s *Segment) UpdateVectors(op uint64, id pointid.PointId, vectors NamedVectors) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, tracked := s.pointVersion(id); tracked && op <= v {
		return nil
	}
	offset, ok := s.ids.InternalID(id)
	if !ok {
		return merr.NewPointIDError(id)
	}
	for name, vec := range vectors {
		field, ok := s.vectors[name]
		if !ok {
			return merr.Wrap(merr.ErrVectorNameNotExists, nil, name)
		}
		if len(vec) != field.cfg.Size {
			return merr.Wrap(merr.ErrWrongVector, nil, "dimension mismatch for "+name)
		}
		if err := field.storage.Insert(offset, vec); err != nil {
			return err
		}
	}
	s.ids.SetInternalVersion(offset, op)
	s.bumpVersion(op)
	return nil
}

// DeleteVector implements spec.md §4.5's delete_vector(name).
func (s *Segment) DeleteVector(op uint64, id pointid.PointId, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	field, ok := s.vectors[name]
	if !ok {
		return merr.Wrap(merr.ErrVectorNameNotExists, nil, name)
	}
	offset, ok := s.ids.InternalID(id)
	if !ok {
		return merr.NewPointIDError(id)
	}
	_, err := field.storage.Delete(offset)
	if err == nil {
		s.ids.SetInternalVersion(offset, op)
		s.bumpVersion(op)
	}
	return err
}

// SetPayload implements spec.md §4.5's set_payload: merges keys into the
// existing payload under a version check.
func (s *Segment) SetPayload(op uint64, id pointid.PointId, partial payloadstorage.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, tracked := s.pointVersion(id); tracked && op <= v {
		return nil
	}
	offset, ok := s.ids.InternalID(id)
	if !ok {
		return merr.NewPointIDError(id)
	}
	for key, v := range partial {
		if err := s.payload.SetField(offset, key, v); err != nil {
			return err
		}
		if idx, ok := s.indexes[key]; ok {
			if err := idx.AddPoint(offset, flattenValue(v)); err != nil {
				return err
			}
		}
	}
	s.ids.SetInternalVersion(offset, op)
	s.bumpVersion(op)
	return nil
}

// SetFullPayload implements spec.md §4.5's set_full_payload: replaces the
// entire payload document.
func (s *Segment) SetFullPayload(op uint64, id pointid.PointId, payload payloadstorage.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, tracked := s.pointVersion(id); tracked && op <= v {
		return nil
	}
	offset, ok := s.ids.InternalID(id)
	if !ok {
		return merr.NewPointIDError(id)
	}
	for _, idx := range s.indexes {
		_ = idx.RemovePoint(offset)
	}
	if err := s.payload.Set(offset, payload); err != nil {
		return err
	}
	for key, v := range payload {
		if idx, ok := s.indexes[key]; ok {
			if err := idx.AddPoint(offset, flattenValue(v)); err != nil {
				return err
			}
		}
	}
	s.ids.SetInternalVersion(offset, op)
	s.bumpVersion(op)
	return nil
}

// DeletePayload implements spec.md §4.5's delete_payload(keys).
func (s *Segment) DeletePayload(op uint64, id pointid.PointId, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	offset, ok := s.ids.InternalID(id)
	if !ok {
		return merr.NewPointIDError(id)
	}
	for _, key := range keys {
		if err := s.payload.DeleteField(offset, key); err != nil {
			return err
		}
		if idx, ok := s.indexes[key]; ok {
			_ = idx.RemovePoint(offset)
		}
	}
	s.ids.SetInternalVersion(offset, op)
	s.bumpVersion(op)
	return nil
}

// ClearPayload implements spec.md §4.5's clear_payload.
func (s *Segment) ClearPayload(op uint64, id pointid.PointId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	offset, ok := s.ids.InternalID(id)
	if !ok {
		return merr.NewPointIDError(id)
	}
	for _, idx := range s.indexes {
		_ = idx.RemovePoint(offset)
	}
	if err := s.payload.Clear(offset); err != nil {
		return err
	}
	s.ids.SetInternalVersion(offset, op)
	s.bumpVersion(op)
	return nil
}

// CreateFieldIndex implements spec.md §4.5's create_field_index.
func (s *Segment) CreateFieldIndex(op uint64, key string, fieldType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.indexes[key]; exists {
		return nil
	}
	var idx index.FieldIndex
	switch fieldType {
	case "integer":
		idx = index.NewNumericIndex(key)
	case "float":
		idx = index.NewNumericIndex(key)
	case "keyword":
		idx = index.NewKeywordIndex(key)
	case "int_map":
		idx = index.NewIntMapIndex(key)
	case "geo":
		idx = index.NewGeoIndex(key)
	case "text":
		idx = index.NewFullTextIndex(key)
	case "bool":
		idx = index.NewBooleanIndex(key)
	default:
		return merr.Wrap(merr.ErrBadInput, nil, "unknown field index type "+fieldType)
	}
	s.indexes[key] = idx

	s.ids.IterIDs(func(_ pointid.PointId, offset uint32) bool {
		if p, ok, _ := s.payload.Get(offset); ok {
			if v, has := p[key]; has {
				_ = idx.AddPoint(offset, flattenValue(v))
			}
		}
		return true
	})
	return nil
}

// DeleteFieldIndex implements spec.md §4.5's delete_field_index.
func (s *Segment) DeleteFieldIndex(op uint64, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indexes[key]
	if !ok {
		return nil
	}
	_ = idx.Clear()
	delete(s.indexes, key)
	return nil
}

// GetIndexedFields returns the payload keys currently backed by a field index.
func (s *Segment) GetIndexedFields() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.indexes))
	for k := range s.indexes {
		out = append(out, k)
	}
	return out
}

// Version returns the highest op_num this segment has recorded, per
// original_source's `SegmentEntry::version`.
func (s *Segment) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// PointVersion returns the op_num last applied to id, if tracked.
func (s *Segment) PointVersion(id pointid.PointId) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pointVersion(id)
}

// VectorFor returns the stored vector for (name, id), if present.
func (s *Segment) VectorFor(name string, id pointid.PointId) ([]float32, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	field, ok := s.vectors[name]
	if !ok {
		return nil, false, merr.Wrap(merr.ErrVectorNameNotExists, nil, name)
	}
	offset, ok := s.ids.InternalID(id)
	if !ok || s.ids.IsDeleted(offset) {
		return nil, false, nil
	}
	if field.storage.IsDeleted(offset) {
		return nil, false, nil
	}
	vec, err := field.storage.Get(offset)
	if err != nil {
		return nil, false, nil
	}
	return vec, true, nil
}

// AllVectors returns every named vector currently stored for id.
func (s *Segment) AllVectors(id pointid.PointId) (NamedVectors, error) {
	s.mu.RLock()
	names := make([]string, 0, len(s.vectors))
	for name := range s.vectors {
		names = append(names, name)
	}
	s.mu.RUnlock()

	out := NamedVectors{}
	for _, name := range names {
		vec, ok, err := s.VectorFor(name, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out[name] = vec
		}
	}
	return out, nil
}

// PayloadFor returns the payload document stored for id, if the point exists.
func (s *Segment) PayloadFor(id pointid.PointId) (payloadstorage.Payload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	offset, ok := s.ids.InternalID(id)
	if !ok || s.ids.IsDeleted(offset) {
		return nil, false
	}
	p, ok, _ := s.payload.Get(offset)
	return p, ok
}

// VectorDims returns the configured dimensionality of every named vector.
func (s *Segment) VectorDims() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.vectors))
	for name, field := range s.vectors {
		out[name] = field.cfg.Size
	}
	return out
}

// HasPoint implements spec.md §4.5's has_point.
func (s *Segment) HasPoint(id pointid.PointId) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	off, ok := s.ids.InternalID(id)
	return ok && !s.ids.IsDeleted(off)
}

// Count implements spec.md §4.5's count, optionally filtered.
func (s *Segment) Count(filter *condition.Filter) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if filter == nil {
		return s.ids.AvailablePointCount()
	}
	of, _ := s.compiler.Optimize(*filter, s.ids.TotalPointCount())
	count := 0
	s.ids.IterIDs(func(_ pointid.PointId, offset uint32) bool {
		if planner.EvalOptimized(of, offset) {
			count++
		}
		return true
	})
	return count
}

// TotalPointCount implements the Entry contract's total-including-deleted
// count.
func (s *Segment) TotalPointCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ids.TotalPointCount()
}

// Retrieve implements spec.md §4.5's retrieve: fetches payload (and
// optionally vectors) for explicit ids.
func (s *Segment) Retrieve(ids []pointid.PointId, withVectors bool) (map[pointid.PointId]payloadstorage.Payload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[pointid.PointId]payloadstorage.Payload, len(ids))
	for _, id := range ids {
		offset, ok := s.ids.InternalID(id)
		if !ok || s.ids.IsDeleted(offset) {
			continue
		}
		p, _, _ := s.payload.Get(offset)
		out[id] = p
	}
	return out, nil
}

// IterPoints implements spec.md §4.5's iter_points, calling yield for every
// live point until it returns false.
func (s *Segment) IterPoints(yield func(id pointid.PointId) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.ids.IterIDs(func(id pointid.PointId, offset uint32) bool {
		if s.ids.IsDeleted(offset) {
			return true
		}
		return yield(id)
	})
}

// SortedPointIDs implements the Entry contract's sorted id enumeration.
func (s *Segment) SortedPointIDs() []pointid.PointId {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []pointid.PointId
	s.ids.IterIDs(func(id pointid.PointId, offset uint32) bool {
		out = append(out, id)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return pointid.Compare(out[i], out[j]) < 0 })
	return out
}

// ReadFiltered implements spec.md §4.5's read_filtered: all live offsets
// matching filter, in no particular order.
func (s *Segment) ReadFiltered(filter condition.Filter) []pointid.PointId {
	s.mu.RLock()
	defer s.mu.RUnlock()
	of, _ := s.compiler.Optimize(filter, s.ids.TotalPointCount())
	var out []pointid.PointId
	s.ids.IterIDs(func(id pointid.PointId, offset uint32) bool {
		if planner.EvalOptimized(of, offset) {
			out = append(out, id)
		}
		return true
	})
	return out
}

// ReadRange implements spec.md §4.5's read_range: live ids whose offsets
// fall in [fromOffset, toOffset), an ordering convenience for scroll-style
// pagination.
func (s *Segment) ReadRange(fromOffset, toOffset uint32) []pointid.PointId {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []pointid.PointId
	for offset := fromOffset; offset < toOffset; offset++ {
		if s.ids.IsDeleted(offset) {
			continue
		}
		if id, ok := s.ids.ExternalID(offset); ok {
			out = append(out, id)
		}
	}
	return out
}

// Search implements spec.md §4.5's search over a single named vector.
func (s *Segment) Search(ctx context.Context, vectorName string, query []float32, filter *condition.Filter, top int, stopped *atomic.Bool) ([]vectorindex.ScoredPoint, error) {
	s.mu.RLock()
	field, ok := s.vectors[vectorName]
	if !ok {
		s.mu.RUnlock()
		return nil, merr.Wrap(merr.ErrVectorNameNotExists, nil, vectorName)
	}
	var fctx vectorindex.FilterContext
	if filter != nil {
		of, _ := s.compiler.Optimize(*filter, s.ids.TotalPointCount())
		fctx = filterAdapter(func(offset uint32) bool { return planner.EvalOptimized(of, offset) })
	}
	s.mu.RUnlock()
	return field.index.Search(ctx, query, fctx, top, stopped)
}

// SearchBatch implements spec.md §4.5's search_batch.
func (s *Segment) SearchBatch(ctx context.Context, vectorName string, queries [][]float32, filter *condition.Filter, top int, stopped *atomic.Bool) ([][]vectorindex.ScoredPoint, error) {
	s.mu.RLock()
	field, ok := s.vectors[vectorName]
	if !ok {
		s.mu.RUnlock()
		return nil, merr.Wrap(merr.ErrVectorNameNotExists, nil, vectorName)
	}
	var fctx vectorindex.FilterContext
	if filter != nil {
		of, _ := s.compiler.Optimize(*filter, s.ids.TotalPointCount())
		fctx = filterAdapter(func(offset uint32) bool { return planner.EvalOptimized(of, offset) })
	}
	s.mu.RUnlock()
	return field.index.SearchBatch(ctx, queries, fctx, top, stopped)
}

type filterAdapter func(offset uint32) bool

func (f filterAdapter) Allowed(offset uint32) bool { return f(offset) }

// Flush implements spec.md §4.5's flush(sync): flushes all owned flushers,
// returning the max op persisted.
func (s *Segment) Flush(sync bool) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.payload.Flush(); err != nil {
		return s.persistedOp, merr.Wrap(merr.ErrServiceError, err, "flush payload storage")
	}
	for name, field := range s.vectors {
		if err := field.storage.Flush(); err != nil {
			return s.persistedOp, merr.Wrap(merr.ErrServiceError, err, "flush vector storage "+name)
		}
	}
	for key, idx := range s.indexes {
		if err := idx.Flush(); err != nil {
			return s.persistedOp, merr.Wrap(merr.ErrServiceError, err, "flush field index "+key)
		}
	}

	maxVersion := s.persistedOp
	s.ids.IterIDs(func(_ pointid.PointId, offset uint32) bool {
		if v, err := s.ids.InternalVersion(offset); err == nil && v > maxVersion {
			maxVersion = v
		}
		return true
	})
	s.persistedOp = maxVersion
	log.Debug("segment flushed", zap.String("dir", s.dir), zap.Uint64("persisted_op", maxVersion))
	return maxVersion, nil
}

// PersistedVersion returns the last op_num durably flushed without
// triggering a new flush.
func (s *Segment) PersistedVersion() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persistedOp
}

// TakeSnapshot implements spec.md §4.5's take_snapshot: an uncompressed tar
// of the segment directory, per spec.md §6.
func (s *Segment) TakeSnapshot(tmpDir, dstPath string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out, err := os.Create(dstPath)
	if err != nil {
		return "", merr.Wrap(merr.ErrServiceError, err, "create snapshot archive")
	}
	defer out.Close()

	tw := tar.NewWriter(out)
	defer tw.Close()

	err = filepath.Walk(s.dir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return "", merr.Wrap(merr.ErrServiceError, err, "tar segment directory")
	}
	return dstPath, nil
}
