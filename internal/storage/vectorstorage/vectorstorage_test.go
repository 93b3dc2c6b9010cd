package vectorstorage

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStorageInsertGetDelete(t *testing.T) {
	s := NewMemoryStorage(4)
	require.NoError(t, s.Insert(0, []float32{1, 0, 0, 0}))
	require.NoError(t, s.Insert(1, []float32{0, 1, 0, 0}))

	got, err := s.Get(0)
	require.NoError(t, err)
	require.Equal(t, []float32{1, 0, 0, 0}, got)

	first, err := s.Delete(1)
	require.NoError(t, err)
	require.True(t, first)
	require.True(t, s.IsDeleted(1))

	again, err := s.Delete(1)
	require.NoError(t, err)
	require.False(t, again, "delete must be idempotent")
}

func TestMemoryStorageInsertWrongDim(t *testing.T) {
	s := NewMemoryStorage(4)
	err := s.Insert(0, []float32{1, 2, 3})
	require.Error(t, err)
}

func TestMemoryStorageUpdateFrom(t *testing.T) {
	src := NewMemoryStorage(2)
	require.NoError(t, src.Insert(0, []float32{1, 1}))
	require.NoError(t, src.Insert(1, []float32{2, 2}))
	_, _ = src.Delete(1)

	dst := NewMemoryStorage(2)
	var stopped atomic.Bool
	start, end, err := dst.UpdateFrom(src, func(yield func(uint32) bool) {
		yield(0)
		yield(1)
	}, &stopped)
	require.NoError(t, err)
	require.Equal(t, uint32(0), start)
	require.Equal(t, uint32(2), end)
	require.True(t, dst.IsDeleted(1))

	v, err := dst.Get(0)
	require.NoError(t, err)
	require.Equal(t, []float32{1, 1}, v)
}

func TestMemoryStorageUpdateFromCancelled(t *testing.T) {
	src := NewMemoryStorage(2)
	for i := uint32(0); i < 1000; i++ {
		require.NoError(t, src.Insert(i, []float32{1, 1}))
	}
	dst := NewMemoryStorage(2)
	var stopped atomic.Bool
	stopped.Store(true)
	_, _, err := dst.UpdateFrom(src, func(yield func(uint32) bool) {
		for i := uint32(0); i < 1000; i++ {
			if !yield(i) {
				return
			}
		}
	}, &stopped)
	require.Error(t, err)
}
