// Package vectorstorage implements the three vector storage variants of
// spec.md §4.1 (in-memory, mmap, chunked-mmap) behind a single Storage
// contract, plus an async-batch reader and a pluggable scalar quantizer.
//
// The mmap file layout (4-byte magic header, growth by remap) follows
// marmos91-dittofs's pkg/cache/wal/mmap.go; the deletion bitslice uses
// github.com/bits-and-blooms/bitset, mirrored on disk with the "drop" magic
// header spec.md §6 requires.
package vectorstorage

import (
	"fmt"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"

	"github.com/segmentcore/engine/internal/merr"
)

// Storage is the vector storage contract shared by every layout variant.
type Storage interface {
	Insert(offset uint32, vec []float32) error
	Get(offset uint32) ([]float32, error)
	Delete(offset uint32) (bool, error)
	IsDeleted(offset uint32) bool
	// UpdateFrom bulk-copies vectors for offsets yielded by iterOffsets from
	// other into self, returning the contiguous [start,end) range of offsets
	// assigned in self. stopped is polled between batches for cooperative
	// cancellation.
	UpdateFrom(other Storage, iterOffsets func(yield func(srcOffset uint32) bool), stopped *atomic.Bool) (start, end uint32, err error)
	Flush() error
	Dim() int
	Len() uint32
}

// batchSize bounds how many vectors UpdateFrom copies before polling stopped,
// keeping cancellation latency bounded without checking on every vector.
const batchSize = 256

// MemoryStorage keeps every vector resident in a Go slice-of-slices plus a
// deletion bitset, matching the in-memory layout of spec.md §4.1.
type MemoryStorage struct {
	dim     int
	vectors [][]float32
	deleted *bitset.BitSet
}

func NewMemoryStorage(dim int) *MemoryStorage {
	return &MemoryStorage{dim: dim, deleted: bitset.New(0)}
}

func (m *MemoryStorage) Dim() int    { return m.dim }
func (m *MemoryStorage) Len() uint32 { return uint32(len(m.vectors)) }

func (m *MemoryStorage) Insert(offset uint32, vec []float32) error {
	if len(vec) != m.dim {
		return merr.Wrap(merr.ErrWrongVector, nil, fmt.Sprintf("expected dim %d, got %d", m.dim, len(vec)))
	}
	for uint32(len(m.vectors)) <= offset {
		m.vectors = append(m.vectors, nil)
	}
	cp := make([]float32, m.dim)
	copy(cp, vec)
	m.vectors[offset] = cp
	return nil
}

func (m *MemoryStorage) Get(offset uint32) ([]float32, error) {
	if offset >= uint32(len(m.vectors)) || m.vectors[offset] == nil {
		return nil, merr.Wrap(merr.ErrNotFound, nil, "offset not present")
	}
	return m.vectors[offset], nil
}

func (m *MemoryStorage) Delete(offset uint32) (bool, error) {
	if m.deleted.Test(uint(offset)) {
		return false, nil
	}
	m.deleted.Set(uint(offset))
	return true, nil
}

func (m *MemoryStorage) IsDeleted(offset uint32) bool {
	return m.deleted.Test(uint(offset))
}

func (m *MemoryStorage) UpdateFrom(other Storage, iterOffsets func(func(uint32) bool), stopped *atomic.Bool) (uint32, uint32, error) {
	start := m.Len()
	next := start
	count := 0
	var copyErr error
	iterOffsets(func(srcOffset uint32) bool {
		count++
		if count%batchSize == 0 && stopped != nil && stopped.Load() {
			copyErr = merr.Wrap(merr.ErrCancelled, nil, "update_from cancelled")
			return false
		}
		vec, err := other.Get(srcOffset)
		if err != nil {
			return true
		}
		if err := m.Insert(next, vec); err != nil {
			copyErr = err
			return false
		}
		if other.IsDeleted(srcOffset) {
			m.deleted.Set(uint(next))
		}
		next++
		return true
	})
	if copyErr != nil {
		return start, next, copyErr
	}
	return start, next, nil
}

func (m *MemoryStorage) Flush() error { return nil }
