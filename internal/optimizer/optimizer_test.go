package optimizer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/segmentcore/engine/internal/pointid"
	"github.com/segmentcore/engine/internal/segment"
	"github.com/segmentcore/engine/internal/segmentconfig"
	"github.com/segmentcore/engine/internal/segmentholder"
	"github.com/segmentcore/engine/internal/storage/idtracker"
	"github.com/segmentcore/engine/internal/storage/payloadstorage"
	"github.com/segmentcore/engine/internal/storage/vectorstorage"
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
func (m *memoryPayload) Clear(offset uint32) error  { delete(m.data, offset); return nil }
func (m *memoryPayload) Delete(offset uint32) error { delete(m.data, offset); return nil }
func (m *memoryPayload) Flush() error               { return nil }
func (m *memoryPayload) Close() error               { return nil }

const testDim = 8

func testConfigFactory(dir string, appendable bool, _ int) (segment.Config, error) {
	return segment.Config{
		Dir:        dir,
		Appendable: appendable,
		IDs:        idtracker.New(),
		Payload:    newMemoryPayload(),
		Vectors: map[string]segmentconfig.VectorFieldConfig{
			"default": {Size: testDim, Distance: segmentconfig.DistanceCosine},
		},
		Storages: map[string]vectorstorage.Storage{"default": vectorstorage.NewMemoryStorage(testDim)},
	}, nil
}

// randomSegment mirrors original_source's fixtures::random_segment: it
// builds a segment holding pointCount live points, each with a
// pseudo-random vector.
func randomSegment(t *testing.T, pointCount int) *segment.Segment {
	t.Helper()
	storage := vectorstorage.NewMemoryStorage(testDim)
	cfg := segment.Config{
		Dir:        t.TempDir(),
		Appendable: true,
		IDs:        idtracker.New(),
		Payload:    newMemoryPayload(),
		Vectors: map[string]segmentconfig.VectorFieldConfig{
			"default": {Size: testDim, Distance: segmentconfig.DistanceCosine},
		},
		Storages: map[string]vectorstorage.Storage{"default": storage},
	}
	seg, err := segment.New(cfg)
	require.NoError(t, err)

	for i := 0; i < pointCount; i++ {
		vec := make([]float32, testDim)
		for j := range vec {
			vec[j] = float32((i+j)%7) / 7
		}
		_, err := seg.UpsertPoint(uint64(i+1), pointid.FromNum(uint64(i+1)), segment.NamedVectors{"default": vec}, nil)
		require.NoError(t, err)
	}
	return seg
}

func addSegment(t *testing.T, holder *segmentholder.SegmentHolder, pointCount int) segmentholder.SegmentId {
	t.Helper()
	seg := randomSegment(t, pointCount)
	return holder.Add(seg, true, t.TempDir())
}

// TestMergeOptimizerMaxSegmentSize mirrors merge_optimizer.rs's
// test_max_merge_size: three equally-sized segments are only proposed for
// merge once max_segment_size is raised enough to admit all three.
func TestMergeOptimizerMaxSegmentSize(t *testing.T) {
	holder := segmentholder.New()
	addSegment(t, holder, 40)
	addSegment(t, holder, 50)
	addSegment(t, holder, 60)

	cfg := segmentconfig.OptimizersConfig{DefaultSegmentNumber: 1, MaxSegmentSize: 1}
	opt := NewMergeOptimizer(t.TempDir(), cfg, nil, nil, testConfigFactory)

	require.Empty(t, opt.CheckCondition(holder, nil))

	cfg.MaxSegmentSize = 200
	opt = NewMergeOptimizer(t.TempDir(), cfg, nil, nil, testConfigFactory)
	require.Len(t, opt.CheckCondition(holder, nil), 3)
}

// TestMergeOptimizerSelectsSmallestSegmentsOnly mirrors
// merge_optimizer.rs's test_merge_optimizer: small segments are proposed
// for merge and larger, unrelated ones are left alone; after optimizing,
// the merged result coexists with the untouched segments and the total
// segment count shrinks.
func TestMergeOptimizerSelectsSmallestSegmentsOnly(t *testing.T) {
	holder := segmentholder.New()
	toMerge := []segmentholder.SegmentId{
		addSegment(t, holder, 3),
		addSegment(t, holder, 3),
		addSegment(t, holder, 3),
		addSegment(t, holder, 10),
	}
	untouched := []segmentholder.SegmentId{
		addSegment(t, holder, 20),
		addSegment(t, holder, 20),
		addSegment(t, holder, 20),
	}

	cfg := segmentconfig.OptimizersConfig{DefaultSegmentNumber: 3, MaxSegmentSize: 1}
	opt := NewMergeOptimizer(t.TempDir(), cfg, nil, nil, testConfigFactory)

	suggested := opt.CheckCondition(holder, nil)
	require.Len(t, suggested, 4)
	for _, id := range suggested {
		require.Contains(t, toMerge, id)
	}

	changed, err := opt.Optimize(holder, suggested, nil)
	require.NoError(t, err)
	require.True(t, changed)

	remaining := holder.IDs()
	require.LessOrEqual(t, len(remaining), 5)
	require.Greater(t, len(remaining), 3)
	for _, id := range untouched {
		require.Contains(t, remaining, id)
	}
}

func TestVacuumOptimizerSelectsHighlyDeletedSegments(t *testing.T) {
	holder := segmentholder.New()
	dirty := randomSegment(t, 100)
	for i := 1; i <= 60; i++ {
		require.NoError(t, dirty.DeletePoint(uint64(200+i), pointid.FromNum(uint64(i))))
	}
	dirtyID := holder.Add(dirty, true, t.TempDir())
	cleanID := addSegment(t, holder, 100)

	cfg := segmentconfig.OptimizersConfig{DeletedThreshold: 0.5, VacuumMinVectorNumber: 10}
	opt := NewVacuumOptimizer(t.TempDir(), cfg, nil, nil, testConfigFactory)

	victims := opt.CheckCondition(holder, nil)
	require.Equal(t, []segmentholder.SegmentId{dirtyID}, victims)
	require.NotContains(t, victims, cleanID)

	changed, err := opt.Optimize(holder, victims, nil)
	require.NoError(t, err)
	require.True(t, changed)
}

func TestIndexingOptimizerSelectsLargeAppendableSegments(t *testing.T) {
	holder := segmentholder.New()
	bigID := addSegment(t, holder, 500)
	smallID := addSegment(t, holder, 5)

	cfg := segmentconfig.OptimizersConfig{IndexingThreshold: 100}
	opt := NewIndexingOptimizer(t.TempDir(), cfg, nil, nil, testConfigFactory)

	victims := opt.CheckCondition(holder, nil)
	require.Equal(t, []segmentholder.SegmentId{bigID}, victims)
	require.NotContains(t, victims, smallID)

	changed, err := opt.Optimize(holder, victims, nil)
	require.NoError(t, err)
	require.True(t, changed)
}
