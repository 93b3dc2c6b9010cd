package payloadstorage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRocksStorageSetGetDeleteField(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenRocksStorage(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set(1, Payload{"city": "berlin", "rank": 3}))

	p, ok, err := s.Get(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "berlin", p["city"])

	require.NoError(t, s.SetField(1, "rank", 7))
	p, _, _ = s.Get(1)
	require.EqualValues(t, 7, p["rank"])

	require.NoError(t, s.DeleteField(1, "city"))
	p, _, _ = s.Get(1)
	_, hasCity := p["city"]
	require.False(t, hasCity)

	require.NoError(t, s.Delete(1))
	_, ok, err = s.Get(1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRocksStorageMirrorRebuildAfterReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenRocksStorage(dir)
	require.NoError(t, err)
	require.NoError(t, s.Set(5, Payload{"k": "v"}))
	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())

	reopened, err := OpenRocksStorage(dir)
	require.NoError(t, err)
	defer reopened.Close()

	p, ok, err := reopened.Get(5)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", p["k"])
}
