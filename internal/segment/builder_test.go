package segment

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/segmentcore/engine/internal/payload/condition"
	"github.com/segmentcore/engine/internal/pointid"
	"github.com/segmentcore/engine/internal/segmentconfig"
	"github.com/segmentcore/engine/internal/storage/idtracker"
	"github.com/segmentcore/engine/internal/storage/payloadstorage"
	"github.com/segmentcore/engine/internal/storage/vectorstorage"
)

func TestBuilderMergesMultipleSourcesIntoOneSegment(t *testing.T) {
	a := newTestSegment(t)
	_, err := a.UpsertPoint(1, pointid.FromNum(1), NamedVectors{"default": {1, 0, 0, 0}}, payloadstorage.Payload{"color": "red"})
	require.NoError(t, err)
	_, err = a.UpsertPoint(2, pointid.FromNum(2), NamedVectors{"default": {0, 1, 0, 0}}, payloadstorage.Payload{"color": "blue"})
	require.NoError(t, err)

	b := newTestSegment(t)
	_, err = b.UpsertPoint(3, pointid.FromNum(3), NamedVectors{"default": {0, 0, 1, 0}}, payloadstorage.Payload{"color": "red"})
	require.NoError(t, err)

	require.NoError(t, a.DeletePoint(10, pointid.FromNum(2)))

	destStorage := vectorstorage.NewMemoryStorage(4)
	builder := &Builder{
		Dest: Config{
			Dir:        t.TempDir(),
			Appendable: false,
			IDs:        idtracker.New(),
			Payload:    newMemoryPayload(),
			Vectors: map[string]segmentconfig.VectorFieldConfig{
				"default": {Size: 4, Distance: segmentconfig.DistanceCosine},
			},
			Storages: map[string]vectorstorage.Storage{"default": destStorage},
		},
		FieldIndexes: []segmentconfig.PayloadIndexConfig{
			{FieldName: "color", FieldType: "keyword"},
		},
	}

	merged, err := builder.Build([]*Segment{a, b}, nil)
	require.NoError(t, err)

	require.True(t, merged.HasPoint(pointid.FromNum(1)))
	require.False(t, merged.HasPoint(pointid.FromNum(2)), "deleted point must not survive the merge")
	require.True(t, merged.HasPoint(pointid.FromNum(3)))
	require.Equal(t, 2, merged.Count(nil))

	f := condition.Filter{Must: []condition.Condition{
		condition.FieldCond(condition.FieldCondition{Key: "color", Match: &condition.Match{Value: "red"}}),
	}}
	require.Len(t, merged.ReadFiltered(f), 2)
}
