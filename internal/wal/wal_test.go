package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/segmentcore/engine/internal/pointid"
	"github.com/segmentcore/engine/internal/segment"
)

func collect(t *testing.T, l *Log, from uint64) []Operation {
	t.Helper()
	var ops []Operation
	require.NoError(t, l.Read(from, func(_ uint64, op Operation) bool {
		ops = append(ops, op)
		return true
	}))
	return ops
}

func TestAppendReadRoundTrip(t *testing.T) {
	l, err := Open(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer l.Close()

	id1 := pointid.FromNum(1)
	op1 := UpsertPoint(id1, segment.NamedVectors{"default": []float32{1, 2, 3}}, nil)
	n1, err := l.Append(op1)
	require.NoError(t, err)
	require.Equal(t, uint64(0), n1)

	op2 := DeletePoint(id1)
	n2, err := l.Append(op2)
	require.NoError(t, err)
	require.Equal(t, uint64(1), n2)

	require.Equal(t, uint64(2), l.NextOpNum())

	ops := collect(t, l, 0)
	require.Len(t, ops, 2)
	require.Equal(t, KindUpsertPoint, ops[0].Kind)
	require.Equal(t, KindDeletePoint, ops[1].Kind)

	got, err := ops[0].PointID()
	require.NoError(t, err)
	require.Equal(t, id1, got)

	require.Len(t, collect(t, l, 1), 1)
	require.Empty(t, collect(t, l, 2))
}

func TestOperationConstructorsRoundTripThroughCBOR(t *testing.T) {
	l, err := Open(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer l.Close()

	vecID := pointid.FromNum(7)
	want := []Operation{
		UpsertPoint(vecID, segment.NamedVectors{"default": []float32{0.1, 0.2}}, map[string]any{"city": "ny"}),
		DeletePoint(vecID),
		UpdateVectors(vecID, segment.NamedVectors{"default": []float32{0.3, 0.4}}),
		DeleteVector(vecID, "default"),
		SetPayload(vecID, map[string]any{"color": "red"}),
		SetFullPayload(vecID, map[string]any{"color": "blue"}),
		DeletePayload(vecID, []string{"color"}),
		ClearPayload(vecID),
		CreateFieldIndex("city", "keyword"),
		DeleteFieldIndex("city"),
	}
	for _, op := range want {
		_, err := l.Append(op)
		require.NoError(t, err)
	}

	got := collect(t, l, 0)
	require.Len(t, got, len(want))
	for i, op := range want {
		require.Equal(t, op.Kind, got[i].Kind)
		require.Equal(t, op.FieldName, got[i].FieldName)
		require.Equal(t, op.FieldType, got[i].FieldType)
		require.Equal(t, op.VectorName, got[i].VectorName)
	}
}

func TestUUIDPointIDRoundTrip(t *testing.T) {
	l, err := Open(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer l.Close()

	id := pointid.FromUUID(uuid.New())
	_, err = l.Append(DeletePoint(id))
	require.NoError(t, err)

	ops := collect(t, l, 0)
	require.Len(t, ops, 1)
	got, err := ops[0].PointID()
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestSegmentRotationReusesPreallocatedSegment(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Config{Dir: dir, SegmentCapacityBytes: 64, PreallocatedSegments: 2})
	require.NoError(t, err)
	defer l.Close()

	require.Len(t, l.segments, 3) // segment 0 (current) + 2 preallocated
	require.Equal(t, 0, l.current.index)

	for i := 0; i < 20; i++ {
		_, err := l.Append(UpsertPoint(pointid.FromNum(uint64(i)), segment.NamedVectors{"default": []float32{1, 2, 3, 4}}, nil))
		require.NoError(t, err)
	}

	require.Greater(t, l.current.index, 0)
	// Each record is larger than half of 64 bytes, so every segment holds one:
	// segments 1-2 are the preallocated ones, 3-19 are created on rotation.
	require.Equal(t, 19, l.current.index)

	ops := collect(t, l, 0)
	require.Len(t, ops, 20)
}

func TestReplayRecoversFromTornTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Config{Dir: dir})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := l.Append(UpsertPoint(pointid.FromNum(uint64(i)), segment.NamedVectors{"default": []float32{1, 2}}, nil))
		require.NoError(t, err)
	}
	require.NoError(t, l.Flush())
	require.NoError(t, l.Close())

	path := filepath.Join(dir, "wal-0.log")
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	reopened, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	defer reopened.Close()

	ops := collect(t, reopened, 0)
	require.Len(t, ops, 4)
	require.Equal(t, uint64(4), reopened.NextOpNum())

	n, err := reopened.Append(UpsertPoint(pointid.FromNum(99), segment.NamedVectors{"default": []float32{1, 2}}, nil))
	require.NoError(t, err)
	require.Equal(t, uint64(4), n)
}

func TestAckTruncatesOldSegmentsButKeepsCurrent(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Config{Dir: dir, SegmentCapacityBytes: 48})
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 30; i++ {
		_, err := l.Append(UpsertPoint(pointid.FromNum(uint64(i)), segment.NamedVectors{"default": []float32{1, 2, 3, 4}}, nil))
		require.NoError(t, err)
	}
	require.Greater(t, l.current.index, 0, "expected rotation to have occurred")

	lastOp := l.NextOpNum() - 1
	require.NoError(t, l.Ack(lastOp))
	require.Equal(t, lastOp, l.Acked())

	foundCurrent := false
	for _, seg := range l.segments {
		if seg == l.current {
			foundCurrent = true
		}
	}
	require.True(t, foundCurrent, "current segment must survive Ack even when fully acked")

	ops := collect(t, l, 0)
	require.NotEmpty(t, ops)
}

func TestFlushAsyncReportsCompletion(t *testing.T) {
	l, err := Open(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Append(UpsertPoint(pointid.FromNum(1), segment.NamedVectors{"default": []float32{1}}, nil))
	require.NoError(t, err)

	done := make(chan error, 1)
	l.FlushAsync(func(err error) { done <- err })
	require.NoError(t, <-done)
}
