package vectorstorage

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/sys/unix"

	"github.com/segmentcore/engine/internal/merr"
)

const (
	vectorMagic  = "data"
	deletedMagic = "drop"
	float32Bytes = 4
)

// MmapStorage stores vectors in one contiguous memory-mapped file prefixed
// by the "data" magic header, with a companion deletion bitmap file prefixed
// by "drop", per spec.md §6. Growth is handled by unmapping, truncating the
// backing file larger, and remapping — the idiom marmos91-dittofs's
// pkg/cache/wal/mmap.go uses for its own growable mapped log.
type MmapStorage struct {
	dim         int
	vecFile     *os.File
	vecPath     string
	mapping     []byte
	len         uint32
	cap         uint32
	deleted     *bitset.BitSet
	delPath     string
	growthVecs  uint32
}

// OpenMmapStorage opens or creates the vector file and deletion bitmap at
// dir, growing the mapping by growthVecs vectors at a time.
func OpenMmapStorage(dir string, dim int, growthVecs uint32) (*MmapStorage, error) {
	if growthVecs == 0 {
		growthVecs = 4096
	}
	vecPath := dir + "/vectors.mmap"
	delPath := dir + "/deleted.dat"

	f, err := os.OpenFile(vecPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, merr.Wrap(merr.ErrServiceError, err, "open vector mmap file")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, merr.Wrap(merr.ErrServiceError, err, "stat vector mmap file")
	}

	m := &MmapStorage{dim: dim, vecFile: f, vecPath: vecPath, delPath: delPath, growthVecs: growthVecs, deleted: bitset.New(0)}

	if info.Size() == 0 {
		if err := m.growFile(growthVecs); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		if err := m.mapExisting(info.Size()); err != nil {
			f.Close()
			return nil, err
		}
	}
	if err := m.loadDeleted(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MmapStorage) vectorBytes() int { return m.dim * float32Bytes }

func (m *MmapStorage) mapExisting(size int64) error {
	mapping, err := unix.Mmap(int(m.vecFile.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return merr.Wrap(merr.ErrServiceError, err, "mmap vector file")
	}
	if len(mapping) < len(vectorMagic) || string(mapping[:len(vectorMagic)]) != vectorMagic {
		unix.Munmap(mapping)
		return merr.Wrap(merr.ErrInconsistentStorage, nil, "bad vector file magic header")
	}
	m.mapping = mapping
	body := len(mapping) - len(vectorMagic)
	m.cap = uint32(body / m.vectorBytes())
	return nil
}

// growFile extends the backing file by addVecs vectors, remapping it.
func (m *MmapStorage) growFile(addVecs uint32) error {
	if m.mapping != nil {
		if err := unix.Munmap(m.mapping); err != nil {
			return merr.Wrap(merr.ErrServiceError, err, "munmap for growth")
		}
		m.mapping = nil
	}
	newCap := m.cap + addVecs
	newSize := int64(len(vectorMagic)) + int64(newCap)*int64(m.vectorBytes())
	if err := m.vecFile.Truncate(newSize); err != nil {
		return merr.Wrap(merr.ErrServiceError, err, "truncate vector file")
	}
	mapping, err := unix.Mmap(int(m.vecFile.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return merr.Wrap(merr.ErrServiceError, err, "mmap after growth")
	}
	copy(mapping[:len(vectorMagic)], vectorMagic)
	m.mapping = mapping
	m.cap = newCap
	return nil
}

func (m *MmapStorage) loadDeleted() error {
	data, err := os.ReadFile(m.delPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return merr.Wrap(merr.ErrServiceError, err, "read deletion bitmap")
	}
	if len(data) < len(deletedMagic) || string(data[:len(deletedMagic)]) != deletedMagic {
		return merr.Wrap(merr.ErrInconsistentStorage, nil, "bad deletion bitmap magic header")
	}
	bs := bitset.New(0)
	if err := bs.UnmarshalBinary(data[len(deletedMagic):]); err != nil {
		return merr.Wrap(merr.ErrInconsistentStorage, err, "decode deletion bitmap")
	}
	m.deleted = bs
	return nil
}

func (m *MmapStorage) Dim() int    { return m.dim }
func (m *MmapStorage) Len() uint32 { return m.len }

func (m *MmapStorage) offsetBytes(offset uint32) []byte {
	start := len(vectorMagic) + int(offset)*m.vectorBytes()
	return m.mapping[start : start+m.vectorBytes()]
}

func (m *MmapStorage) Insert(offset uint32, vec []float32) error {
	if len(vec) != m.dim {
		return merr.Wrap(merr.ErrWrongVector, nil, fmt.Sprintf("expected dim %d, got %d", m.dim, len(vec)))
	}
	if offset >= m.cap {
		if err := m.growFile(m.growthVecs + (offset - m.cap)); err != nil {
			return err
		}
	}
	dst := m.offsetBytes(offset)
	for i, f := range vec {
		binary.LittleEndian.PutUint32(dst[i*float32Bytes:], math.Float32bits(f))
	}
	if offset+1 > m.len {
		m.len = offset + 1
	}
	return nil
}

func (m *MmapStorage) Get(offset uint32) ([]float32, error) {
	if offset >= m.len {
		return nil, merr.Wrap(merr.ErrNotFound, nil, "offset not present")
	}
	src := m.offsetBytes(offset)
	out := make([]float32, m.dim)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*float32Bytes:]))
	}
	return out, nil
}

func (m *MmapStorage) Delete(offset uint32) (bool, error) {
	if m.deleted.Test(uint(offset)) {
		return false, nil
	}
	m.deleted.Set(uint(offset))
	return true, nil
}

func (m *MmapStorage) IsDeleted(offset uint32) bool { return m.deleted.Test(uint(offset)) }

func (m *MmapStorage) UpdateFrom(other Storage, iterOffsets func(func(uint32) bool), stopped *atomic.Bool) (uint32, uint32, error) {
	start := m.len
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

func (m *MmapStorage) Flush() error {
	if m.mapping != nil {
		if err := unix.MsyncFlags(m.mapping, unix.MS_SYNC); err != nil {
			return merr.Wrap(merr.ErrServiceError, err, "msync vector mapping")
		}
	}
	encoded, err := m.deleted.MarshalBinary()
	if err != nil {
		return merr.Wrap(merr.ErrServiceError, err, "encode deletion bitmap")
	}
	buf := append([]byte(deletedMagic), encoded...)
	if err := os.WriteFile(m.delPath, buf, 0o644); err != nil {
		return merr.Wrap(merr.ErrServiceError, err, "write deletion bitmap")
	}
	return nil
}

func (m *MmapStorage) Close() error {
	if m.mapping == nil {
		return nil
	}
	err := unix.Munmap(m.mapping)
	m.mapping = nil
	m.vecFile.Close()
	return err
}

