// Package vectorindex implements spec.md §4.3's two vector index variants
// (plain linear scan and a pluggable-kernel HNSW wrapper) behind one
// Index contract. The raw ANN kernel itself (graph build/search, SIMD
// distance) is an explicit non-goal — only the Kernel contract it plugs into
// is specified, per spec.md §1 and §9's "dynamic polymorphism" note. Search
// fan-out across batches uses golang.org/x/sync/errgroup, the same library
// milvus uses for concurrent segment search
// (querynode/segment_loader.go, delegator_data.go).
package vectorindex

import (
	"context"
	"math"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/segmentcore/engine/internal/merr"
	"github.com/segmentcore/engine/internal/pointid"
	"github.com/segmentcore/engine/internal/segmentconfig"
	"github.com/segmentcore/engine/internal/storage/vectorstorage"
)

// ScoredPoint is the search result unit of spec.md §4.3.
type ScoredPoint struct {
	ID    pointid.PointId
	Score float32
}

// FilterContext tests whether an offset passes a compiled filter in O(1)
// amortized, per spec.md §4.3. Index consumers (segment, proxysegment) adapt
// planner.ConditionChecker-based filters into this small interface.
type FilterContext interface {
	Allowed(offset uint32) bool
}

type allowAll struct{}

func (allowAll) Allowed(uint32) bool { return true }

var AllowAll FilterContext = allowAll{}

// Distance scores two vectors; Bigger is better (callers normalize
// euclidean distance into a similarity before implementing this).
type Distance interface {
	Score(a, b []float32) float32
}

type distanceFunc func(a, b []float32) float32

func (f distanceFunc) Score(a, b []float32) float32 { return f(a, b) }

// DistanceFor resolves the configured metric to a Distance implementation.
func DistanceFor(d segmentconfig.Distance) Distance {
	switch d {
	case segmentconfig.DistanceDot:
		return distanceFunc(dotProduct)
	case segmentconfig.DistanceEuclidean:
		return distanceFunc(func(a, b []float32) float32 { return -euclideanSquared(a, b) })
	default:
		return distanceFunc(cosineSimilarity)
	}
}

func dotProduct(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func euclideanSquared(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func cosineSimilarity(a, b []float32) float32 {
	dot := dotProduct(a, b)
	var na, nb float32
	for i := range a {
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / float32(math.Sqrt(float64(na))*math.Sqrt(float64(nb)))
}

// ToOffset resolves a PointId to an internal offset; supplied by the owning
// segment so an index never depends on the id tracker directly.
type ToOffset func(id pointid.PointId) (uint32, bool)

// FromOffset is the reverse resolution, used to build ScoredPoint results.
type FromOffset func(offset uint32) (pointid.PointId, bool)

// Index is the contract both variants implement.
type Index interface {
	Search(ctx context.Context, query []float32, filter FilterContext, top int, stopped *atomic.Bool) ([]ScoredPoint, error)
	SearchBatch(ctx context.Context, queries [][]float32, filter FilterContext, top int, stopped *atomic.Bool) ([][]ScoredPoint, error)
}

// PlainIndex performs a linear scan over non-deleted offsets, per spec.md
// §4.3's "plain" variant.
type PlainIndex struct {
	storage    vectorstorage.Storage
	distance   Distance
	fromOffset FromOffset
}

func NewPlainIndex(storage vectorstorage.Storage, distance Distance, fromOffset FromOffset) *PlainIndex {
	return &PlainIndex{storage: storage, distance: distance, fromOffset: fromOffset}
}

func (p *PlainIndex) Search(ctx context.Context, query []float32, filter FilterContext, top int, stopped *atomic.Bool) ([]ScoredPoint, error) {
	if filter == nil {
		filter = AllowAll
	}
	var candidates []ScoredPoint
	n := p.storage.Len()
	for offset := uint32(0); offset < n; offset++ {
		if offset%256 == 0 {
			if stopped != nil && stopped.Load() {
				return nil, merr.Wrap(merr.ErrCancelled, nil, "plain index search cancelled")
			}
			if err := ctx.Err(); err != nil {
				return nil, merr.Wrap(merr.ErrCancelled, err, "plain index search context done")
			}
		}
		if p.storage.IsDeleted(offset) || !filter.Allowed(offset) {
			continue
		}
		vec, err := p.storage.Get(offset)
		if err != nil {
			continue
		}
		id, ok := p.fromOffset(offset)
		if !ok {
			continue
		}
		candidates = append(candidates, ScoredPoint{ID: id, Score: p.distance.Score(query, vec)})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if top > 0 && len(candidates) > top {
		candidates = candidates[:top]
	}
	return candidates, nil
}

func (p *PlainIndex) SearchBatch(ctx context.Context, queries [][]float32, filter FilterContext, top int, stopped *atomic.Bool) ([][]ScoredPoint, error) {
	out := make([][]ScoredPoint, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			res, err := p.Search(gctx, q, filter, top, stopped)
			if err != nil {
				return err
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Kernel is the pluggable ANN kernel contract HNSWIndex delegates to; the
// kernel itself (graph construction, SIMD distance) is the excluded
// non-goal boundary of spec.md §1.
type Kernel interface {
	Build(storage vectorstorage.Storage, cfg segmentconfig.HnswConfig, stopped *atomic.Bool) error
	Search(query []float32, filter FilterContext, top int, params any) ([]uint32, []float32, error)
}

// HNSWIndex wraps a Kernel, adapting offsets to PointIds and honoring the
// same FilterContext/stopped contract as PlainIndex, per spec.md §4.3.
type HNSWIndex struct {
	kernel     Kernel
	fromOffset FromOffset
	built      bool
}

func NewHNSWIndex(kernel Kernel, fromOffset FromOffset) *HNSWIndex {
	return &HNSWIndex{kernel: kernel, fromOffset: fromOffset}
}

func (h *HNSWIndex) Build(storage vectorstorage.Storage, cfg segmentconfig.HnswConfig, stopped *atomic.Bool) error {
	if err := h.kernel.Build(storage, cfg, stopped); err != nil {
		return err
	}
	h.built = true
	return nil
}

func (h *HNSWIndex) Search(ctx context.Context, query []float32, filter FilterContext, top int, stopped *atomic.Bool) ([]ScoredPoint, error) {
	if !h.built {
		return nil, merr.Wrap(merr.ErrServiceError, nil, "hnsw index not built")
	}
	if stopped != nil && stopped.Load() {
		return nil, merr.Wrap(merr.ErrCancelled, nil, "hnsw index search cancelled")
	}
	if filter == nil {
		filter = AllowAll
	}
	offsets, scores, err := h.kernel.Search(query, filter, top, nil)
	if err != nil {
		return nil, err
	}
	out := make([]ScoredPoint, 0, len(offsets))
	for i, offset := range offsets {
		id, ok := h.fromOffset(offset)
		if !ok {
			continue
		}
		out = append(out, ScoredPoint{ID: id, Score: scores[i]})
	}
	return out, nil
}

func (h *HNSWIndex) SearchBatch(ctx context.Context, queries [][]float32, filter FilterContext, top int, stopped *atomic.Bool) ([][]ScoredPoint, error) {
	out := make([][]ScoredPoint, len(queries))
	g, _ := errgroup.WithContext(ctx)
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			res, err := h.Search(ctx, q, filter, top, stopped)
			if err != nil {
				return err
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// BruteForceKernel is a reference Kernel implementation used by tests and by
// PlainIndex-equivalent fallback construction; real deployments plug in a
// SIMD/graph kernel behind the same interface.
type BruteForceKernel struct {
	storage  vectorstorage.Storage
	distance Distance
}

func NewBruteForceKernel(distance Distance) *BruteForceKernel {
	return &BruteForceKernel{distance: distance}
}

func (k *BruteForceKernel) Build(storage vectorstorage.Storage, cfg segmentconfig.HnswConfig, stopped *atomic.Bool) error {
	k.storage = storage
	return nil
}

func (k *BruteForceKernel) Search(query []float32, filter FilterContext, top int, params any) ([]uint32, []float32, error) {
	type cand struct {
		offset uint32
		score  float32
	}
	var cs []cand
	n := k.storage.Len()
	for offset := uint32(0); offset < n; offset++ {
		if k.storage.IsDeleted(offset) || !filter.Allowed(offset) {
			continue
		}
		vec, err := k.storage.Get(offset)
		if err != nil {
			continue
		}
		cs = append(cs, cand{offset: offset, score: k.distance.Score(query, vec)})
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i].score > cs[j].score })
	if top > 0 && len(cs) > top {
		cs = cs[:top]
	}
	offsets := make([]uint32, len(cs))
	scores := make([]float32, len(cs))
	for i, c := range cs {
		offsets[i] = c.offset
		scores[i] = c.score
	}
	return offsets, scores, nil
}
