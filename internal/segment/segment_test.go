package segment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/segmentcore/engine/internal/payload/condition"
	"github.com/segmentcore/engine/internal/segmentconfig"
	"github.com/segmentcore/engine/internal/storage/idtracker"
	"github.com/segmentcore/engine/internal/storage/payloadstorage"
	"github.com/segmentcore/engine/internal/storage/vectorstorage"
	"github.com/segmentcore/engine/internal/pointid"
)

type memoryPayload struct {
	data map[uint32]payloadstorage.Payload
}

func newMemoryPayload() *memoryPayload {
	return &memoryPayload{data: map[uint32]payloadstorage.Payload{}}
}

func (m *memoryPayload) Get(offset uint32) (payloadstorage.Payload, bool, error) {
	p, ok := m.data[offset]
	return p, ok, nil
}

func (m *memoryPayload) Set(offset uint32, payload payloadstorage.Payload) error {
	m.data[offset] = payload
	return nil
}

func (m *memoryPayload) SetField(offset uint32, key string, value any) error {
	p, ok := m.data[offset]
	if !ok {
		p = payloadstorage.Payload{}
	}
	p[key] = value
	m.data[offset] = p
	return nil
}

func (m *memoryPayload) DeleteField(offset uint32, key string) error {
	if p, ok := m.data[offset]; ok {
		delete(p, key)
	}
	return nil
}

func (m *memoryPayload) Clear(offset uint32) error {
	delete(m.data, offset)
	return nil
}

func (m *memoryPayload) Delete(offset uint32) error {
	delete(m.data, offset)
	return nil
}

func (m *memoryPayload) Flush() error { return nil }
func (m *memoryPayload) Close() error { return nil }

func newTestSegment(t *testing.T) *Segment {
	t.Helper()
	storage := vectorstorage.NewMemoryStorage(4)
	cfg := Config{
		Dir:        t.TempDir(),
		Appendable: true,
		IDs:        idtracker.New(),
		Payload:    newMemoryPayload(),
		Vectors: map[string]segmentconfig.VectorFieldConfig{
			"default": {Size: 4, Distance: segmentconfig.DistanceCosine},
		},
		Storages: map[string]vectorstorage.Storage{"default": storage},
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

func TestSegmentUpsertSearchDelete(t *testing.T) {
	s := newTestSegment(t)

	vectors := map[uint64][]float32{
		1: {1, 0, 0, 0},
		2: {0, 1, 0, 0},
		3: {0, 0, 1, 0},
		4: {0, 0, 0, 1},
		5: {1, 1, 1, 1},
	}
	for n, v := range vectors {
		id := pointid.FromNum(n)
		changed, err := s.UpsertPoint(1, id, NamedVectors{"default": v}, payloadstorage.Payload{"n": float64(n)})
		require.NoError(t, err)
		require.True(t, changed)
	}
	require.True(t, s.HasPoint(pointid.FromNum(1)))
	require.Equal(t, 5, s.Count(nil))

	require.NoError(t, s.DeletePoint(2, pointid.FromNum(2)))
	require.False(t, s.HasPoint(pointid.FromNum(2)))
	require.Equal(t, 4, s.Count(nil))

	results, err := s.Search(context.Background(), "default", []float32{1, 1, 0, 0}, nil, 3, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		n, _ := r.ID.Num()
		require.NotEqual(t, uint64(2), n, "deleted point must not appear in results")
	}
}

func TestSegmentVersionGuardSkipsStaleOps(t *testing.T) {
	s := newTestSegment(t)
	id := pointid.FromNum(1)

	changed, err := s.UpsertPoint(5, id, NamedVectors{"default": {1, 0, 0, 0}}, payloadstorage.Payload{"v": float64(1)})
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = s.UpsertPoint(3, id, NamedVectors{"default": {0, 1, 0, 0}}, payloadstorage.Payload{"v": float64(2)})
	require.NoError(t, err)
	require.False(t, changed, "stale op_num must be rejected")

	p, err := s.Retrieve([]pointid.PointId{id}, false)
	require.NoError(t, err)
	require.Equal(t, float64(1), p[id]["v"])
}

func TestSegmentPayloadIndexFilter(t *testing.T) {
	s := newTestSegment(t)
	for i := 1; i <= 3; i++ {
		id := pointid.FromNum(uint64(i))
		_, err := s.UpsertPoint(uint64(i), id, NamedVectors{"default": {float32(i), 0, 0, 0}}, payloadstorage.Payload{"color": "red"})
		require.NoError(t, err)
	}
	require.NoError(t, s.CreateFieldIndex(10, "color", "keyword"))
	require.Contains(t, s.GetIndexedFields(), "color")

	f := condition.Filter{Must: []condition.Condition{
		condition.FieldCond(condition.FieldCondition{Key: "color", Match: &condition.Match{Value: "red"}}),
	}}
	ids := s.ReadFiltered(f)
	require.Len(t, ids, 3)
}

func TestSegmentFlushReturnsMaxPersistedVersion(t *testing.T) {
	s := newTestSegment(t)
	_, err := s.UpsertPoint(7, pointid.FromNum(1), NamedVectors{"default": {1, 0, 0, 0}}, nil)
	require.NoError(t, err)

	persisted, err := s.Flush(true)
	require.NoError(t, err)
	require.Equal(t, uint64(7), persisted)
	require.Equal(t, uint64(7), s.PersistedVersion())
}
