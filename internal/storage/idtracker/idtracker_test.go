package idtracker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/segmentcore/engine/internal/pointid"
)

func TestAllocateAndLookup(t *testing.T) {
	tr := New()
	id := pointid.FromNum(42)

	off := tr.AllocateOffset(id)
	again := tr.AllocateOffset(id)
	require.Equal(t, off, again, "allocating the same external id twice must return the same offset")

	got, ok := tr.InternalID(id)
	require.True(t, ok)
	require.Equal(t, off, got)

	ext, ok := tr.ExternalID(off)
	require.True(t, ok)
	require.Equal(t, id, ext)
}

func TestVersionMonotonicity(t *testing.T) {
	tr := New()
	id := pointid.FromNum(1)
	off := tr.AllocateOffset(id)

	tr.SetInternalVersion(off, 5)
	v, err := tr.InternalVersion(off)
	require.NoError(t, err)
	require.EqualValues(t, 5, v)

	tr.SetInternalVersion(off, 9)
	v, err = tr.InternalVersion(off)
	require.NoError(t, err)
	require.EqualValues(t, 9, v)
}

func TestDropRemovesAssociationButKeepsDeletedFlag(t *testing.T) {
	tr := New()
	id := pointid.FromNum(7)
	off := tr.AllocateOffset(id)
	tr.Drop(id)

	_, ok := tr.InternalID(id)
	require.False(t, ok)
	require.True(t, tr.IsDeleted(off))
}

func TestAvailablePointCountExcludesDeleted(t *testing.T) {
	tr := New()
	a, b := pointid.FromNum(1), pointid.FromNum(2)
	offA := tr.AllocateOffset(a)
	tr.AllocateOffset(b)
	tr.MarkDeleted(offA)

	require.Equal(t, 2, tr.TotalPointCount())
	require.Equal(t, 1, tr.AvailablePointCount())
}
