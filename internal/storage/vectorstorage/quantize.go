package vectorstorage

import (
	"math"
	"sync/atomic"

	"github.com/segmentcore/engine/internal/merr"
	"github.com/segmentcore/engine/internal/segmentconfig"
)

// Quantizer builds and serves a compact per-offset code, per spec.md §4.1's
// "Quantization builds a side index mapping each offset to a compact code".
// Only the scalar variant is implemented in full (product/binary are
// explicitly pluggable — see §9's "dynamic polymorphism" note, which applies
// equally to quantization backends); the ANN kernel that consumes codes is
// itself a non-goal.
type Quantizer interface {
	Build(storage Storage, stopped *atomic.Bool) error
	Code(offset uint32) ([]byte, bool)
	ScoreCandidate(offset uint32, query []float32) (float32, bool)
}

// ScalarQuantizer maps each float32 component into a single byte within
// [min, max], the exact per-dimension bounds over all non-deleted vectors.
// segmentconfig.ScalarQuantizationConfig.Quantile is stored but not read: no
// values are clipped to a quantile range.
type ScalarQuantizer struct {
	cfg   segmentconfig.ScalarQuantizationConfig
	dim   int
	min   []float32
	max   []float32
	codes map[uint32][]byte
}

func NewScalarQuantizer(cfg segmentconfig.ScalarQuantizationConfig, dim int) *ScalarQuantizer {
	return &ScalarQuantizer{cfg: cfg, dim: dim, codes: map[uint32][]byte{}}
}

func (q *ScalarQuantizer) Build(storage Storage, stopped *atomic.Bool) error {
	n := storage.Len()
	q.min = make([]float32, q.dim)
	q.max = make([]float32, q.dim)
	for d := 0; d < q.dim; d++ {
		q.min[d] = float32(math.Inf(1))
		q.max[d] = float32(math.Inf(-1))
	}
	for offset := uint32(0); offset < n; offset++ {
		if offset%batchSize == 0 && stopped != nil && stopped.Load() {
			return merr.Wrap(merr.ErrCancelled, nil, "quantizer build cancelled")
		}
		if storage.IsDeleted(offset) {
			continue
		}
		vec, err := storage.Get(offset)
		if err != nil {
			continue
		}
		for d, v := range vec {
			if v < q.min[d] {
				q.min[d] = v
			}
			if v > q.max[d] {
				q.max[d] = v
			}
		}
	}
	for offset := uint32(0); offset < n; offset++ {
		if storage.IsDeleted(offset) {
			continue
		}
		vec, err := storage.Get(offset)
		if err != nil {
			continue
		}
		q.codes[offset] = q.encode(vec)
	}
	return nil
}

func (q *ScalarQuantizer) encode(vec []float32) []byte {
	out := make([]byte, q.dim)
	for d, v := range vec {
		span := q.max[d] - q.min[d]
		if span <= 0 {
			out[d] = 0
			continue
		}
		norm := (v - q.min[d]) / span
		if norm < 0 {
			norm = 0
		}
		if norm > 1 {
			norm = 1
		}
		out[d] = byte(norm * 255)
	}
	return out
}

func (q *ScalarQuantizer) Code(offset uint32) ([]byte, bool) {
	c, ok := q.codes[offset]
	return c, ok
}

// ScoreCandidate decodes the stored byte code back to approximate floats and
// computes a dot-product score against query; callers needing exact scoring
// rescore from raw vectors, as spec.md §4.1 describes.
func (q *ScalarQuantizer) ScoreCandidate(offset uint32, query []float32) (float32, bool) {
	code, ok := q.codes[offset]
	if !ok {
		return 0, false
	}
	var score float32
	for d, b := range code {
		span := q.max[d] - q.min[d]
		approx := q.min[d] + (float32(b)/255)*span
		score += approx * query[d]
	}
	return score, true
}
