package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSourceFiles(t *testing.T, root string) (indexPath, kvPath string) {
	t.Helper()
	indexPath = filepath.Join(root, "index.bin")
	kvPath = filepath.Join(root, "kv.db")
	require.NoError(t, os.WriteFile(indexPath, []byte("index-bytes"), 0o644))
	require.NoError(t, os.WriteFile(kvPath, []byte("kv-bytes"), 0o644))
	return indexPath, kvPath
}

func TestSaveSealsCheckpointContents(t *testing.T) {
	root := t.TempDir()
	indexPath, kvPath := writeSourceFiles(t, root)

	m := New(root, 5)
	dir, err := m.Save(Image{
		IndexImagePath: indexPath,
		KVImagePath:    kvPath,
		Tombstones:     map[uint64]bool{1: true, 2: true},
		WALCursor:      42,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(IndexImagePath(dir))
	require.NoError(t, err)
	assert.Equal(t, "index-bytes", string(data))

	data, err = os.ReadFile(KVImagePath(dir))
	require.NoError(t, err)
	assert.Equal(t, "kv-bytes", string(data))

	ts, err := LoadWALCursor(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(42), ts)

	tombs, err := LoadTombstones(dir)
	require.NoError(t, err)
	assert.Equal(t, map[uint64]bool{1: true, 2: true}, tombs)
}

func TestSaveHandlesMissingSourceFiles(t *testing.T) {
	root := t.TempDir()
	m := New(root, 5)

	dir, err := m.Save(Image{
		IndexImagePath: filepath.Join(root, "does-not-exist.bin"),
		KVImagePath:    filepath.Join(root, "also-missing.db"),
	})
	require.NoError(t, err)

	data, err := os.ReadFile(IndexImagePath(dir))
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestLatestReturnsNewestCheckpoint(t *testing.T) {
	root := t.TempDir()
	indexPath, kvPath := writeSourceFiles(t, root)
	m := New(root, 5)

	_, found, err := m.Latest()
	require.NoError(t, err)
	assert.False(t, found)

	first, err := m.Save(Image{IndexImagePath: indexPath, KVImagePath: kvPath, WALCursor: 1})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond) // ensure a distinct millisecond-based name
	second, err := m.Save(Image{IndexImagePath: indexPath, KVImagePath: kvPath, WALCursor: 2})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	latest, found, err := m.Latest()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, second, latest)
}

func TestSavePrunesBeyondRetention(t *testing.T) {
	root := t.TempDir()
	indexPath, kvPath := writeSourceFiles(t, root)
	m := New(root, 2)

	for i := 0; i < 4; i++ {
		_, err := m.Save(Image{IndexImagePath: indexPath, KVImagePath: kvPath, WALCursor: int64(i)})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	names, err := m.list()
	require.NoError(t, err)
	assert.Len(t, names, 2, "only the newest `keep` checkpoints should survive pruning")
}

func TestLiveTombstonesRoundTrip(t *testing.T) {
	root := t.TempDir()

	tombs, err := LoadLiveTombstones(root)
	require.NoError(t, err)
	assert.Empty(t, tombs)

	require.NoError(t, SaveLiveTombstones(root, map[uint64]bool{3: true, 9: true}))

	tombs, err = LoadLiveTombstones(root)
	require.NoError(t, err)
	assert.Equal(t, map[uint64]bool{3: true, 9: true}, tombs)
}
