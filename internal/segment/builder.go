package segment

import (
	"sync/atomic"

	"github.com/segmentcore/engine/internal/merr"
	"github.com/segmentcore/engine/internal/pointid"
	"github.com/segmentcore/engine/internal/segmentconfig"
	"github.com/segmentcore/engine/internal/vectorindex"
)

// Builder streams points from one or more source segments into a fresh
// segment's storages, replays payload into a new payload index, then builds
// the vector index — grounded on original_source's
// segment_builder.rs / simple_segment_constructor.rs. No quantizer is built
// for the new segment. It operates on
// concrete *Segment sources because it needs direct storage access for
// vectorstorage.Storage.UpdateFrom; optimizers pass the wrapped (read-only)
// copies behind their proxies, never the proxy itself.
type Builder struct {
	// Dest is the pre-constructed empty Config the new segment's
	// collaborators (storages, payload, id tracker) already live in.
	Dest Config
	// FieldIndexes lists the payload indexes to (re)build on the destination
	// once every source's payload has been copied in.
	FieldIndexes []segmentconfig.PayloadIndexConfig
	// HnswFields selects which named vectors get their Kernel.Build invoked,
	// keyed by field name, with the config to build with.
	HnswFields map[string]segmentconfig.HnswConfig
}

type sourcePoint struct {
	id     pointid.PointId
	offset uint32
}

// Build merges every source segment's live points into Dest and returns the
// assembled *Segment. stopped is polled between sources for cooperative
// cancellation, per spec.md §4.8.
func (b *Builder) Build(sources []*Segment, stopped *atomic.Bool) (*Segment, error) {
	dest, err := New(b.Dest)
	if err != nil {
		return nil, err
	}

	for _, src := range sources {
		if stopped != nil && stopped.Load() {
			return nil, merr.Wrap(merr.ErrCancelled, nil, "segment build cancelled")
		}
		if err := b.mergeSource(dest, src, stopped); err != nil {
			return nil, err
		}
	}

	for _, idxCfg := range b.FieldIndexes {
		if err := dest.CreateFieldIndex(0, idxCfg.FieldName, idxCfg.FieldType); err != nil {
			return nil, err
		}
	}

	for name, cfg := range b.HnswFields {
		field, ok := dest.vectors[name]
		if !ok {
			continue
		}
		hnsw, ok := field.index.(*vectorindex.HNSWIndex)
		if !ok {
			continue
		}
		if err := hnsw.Build(field.storage, cfg, stopped); err != nil {
			return nil, err
		}
	}

	return dest, nil
}

func (b *Builder) mergeSource(dest *Segment, src *Segment, stopped *atomic.Bool) error {
	src.mu.RLock()
	var points []sourcePoint
	src.ids.IterIDs(func(ext pointid.PointId, internal uint32) bool {
		points = append(points, sourcePoint{id: ext, offset: internal})
		return true
	})
	src.mu.RUnlock()

	if len(points) == 0 {
		return nil
	}

	iterOffsets := func(yield func(srcOffset uint32) bool) {
		for _, p := range points {
			if !yield(p.offset) {
				return
			}
		}
	}

	var base uint32
	haveBase := false
	for name, destField := range dest.vectors {
		srcField, ok := src.vectors[name]
		if !ok {
			continue
		}
		start, end, err := destField.storage.UpdateFrom(srcField.storage, iterOffsets, stopped)
		if err != nil {
			return err
		}
		if end-start != uint32(len(points)) {
			return merr.Wrap(merr.ErrInconsistentStorage, nil, "update_from returned a short range for vector "+name)
		}
		if !haveBase {
			base = start
			haveBase = true
		} else if start != base {
			return merr.Wrap(merr.ErrInconsistentStorage, nil, "vector storages drifted out of offset alignment during build")
		}
	}

	for i, p := range points {
		offset := base + uint32(i)
		dest.ids.SetLink(p.id, offset)
		if v, err := src.ids.InternalVersion(p.offset); err == nil {
			dest.ids.SetInternalVersion(offset, v)
		}
		if payload, ok, _ := src.payload.Get(p.offset); ok {
			if err := dest.payload.Set(offset, payload); err != nil {
				return err
			}
		}
	}
	return nil
}
