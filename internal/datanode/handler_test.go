package datanode

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distributed-vdb/internal/kv"
	"distributed-vdb/internal/wal"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		NodeID:             "node1",
		DataDir:            t.TempDir(),
		VectorDim:          2,
		HNSWM:              16,
		HNSWEfConstruction: 100,
		HNSWEfSearch:       50,
		HNSWMaxElements:    1000,
		WALRotateSize:      1 << 20,
		WALMaxLogAge:       3600,
		SnapshotInterval:   0,
		RebuildInterval:    0,
		CheckpointKeep:     3,
	}
}

func openTestHandler(t *testing.T) *Handler {
	t.Helper()
	h, err := Open(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestOpenProducesReadyHandler(t *testing.T) {
	h := openTestHandler(t)
	assert.Equal(t, StateReady, h.State())
	assert.Equal(t, "node1", h.NodeID())
}

func TestPutGetRoundTrip(t *testing.T) {
	h := openTestHandler(t)

	rec, err := h.Put(Record{Key: "a", Vector: []float32{1, 2}, Metadata: map[string]string{"color": "red"}}, false)
	require.NoError(t, err)
	assert.Equal(t, "a", rec.Key)
	assert.NotZero(t, rec.Timestamp)

	got, err := h.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, got.Vector)
	assert.Equal(t, "red", got.Metadata["color"])
}

func TestPutRejectsWrongDimension(t *testing.T) {
	h := openTestHandler(t)
	_, err := h.Put(Record{Key: "a", Vector: []float32{1, 2, 3}}, false)
	assert.Error(t, err)
}

func TestPutRejectsNonFiniteElement(t *testing.T) {
	h := openTestHandler(t)
	_, err := h.Put(Record{Key: "a", Vector: []float32{1, float32(math.NaN())}}, false)
	assert.Error(t, err)
}

func TestPutRejectsEmptyKey(t *testing.T) {
	h := openTestHandler(t)
	_, err := h.Put(Record{Key: "", Vector: []float32{1, 2}}, false)
	assert.Error(t, err)
}

func TestOverwriteTombstonesOldID(t *testing.T) {
	h := openTestHandler(t)

	_, err := h.Put(Record{Key: "a", Vector: []float32{1, 2}}, false)
	require.NoError(t, err)
	existing, found, err := h.store.Get("a")
	require.NoError(t, err)
	require.True(t, found)
	oldID := existing.HNSWID

	_, err = h.Put(Record{Key: "a", Vector: []float32{3, 4}}, false)
	require.NoError(t, err)

	assert.True(t, h.tombstones[oldID])

	got, err := h.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4}, got.Vector)
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	h := openTestHandler(t)
	_, err := h.Get("ghost")
	assert.Error(t, err)
}

func TestDeleteThenGetNotFound(t *testing.T) {
	h := openTestHandler(t)
	_, err := h.Put(Record{Key: "a", Vector: []float32{1, 2}}, false)
	require.NoError(t, err)

	require.NoError(t, h.Delete("a", false))

	_, err = h.Get("a")
	assert.Error(t, err)
}

func TestDeleteAbsentKeyReturnsNotFound(t *testing.T) {
	h := openTestHandler(t)
	err := h.Delete("ghost", false)
	assert.Error(t, err)
}

func TestSearchReturnsNearestAscending(t *testing.T) {
	h := openTestHandler(t)
	_, err := h.Put(Record{Key: "near", Vector: []float32{0, 0}}, false)
	require.NoError(t, err)
	_, err = h.Put(Record{Key: "far", Vector: []float32{10, 10}}, false)
	require.NoError(t, err)

	hits, err := h.Search(SearchRequest{QueryVector: []float32{0.1, 0.1}, TopK: 2})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "near", hits[0].Key)
	assert.Equal(t, "far", hits[1].Key)
	assert.LessOrEqual(t, hits[0].Score, hits[1].Score)
}

func TestSearchOnEmptyIndexReturnsNoResults(t *testing.T) {
	h := openTestHandler(t)
	hits, err := h.Search(SearchRequest{QueryVector: []float32{0, 0}, TopK: 2})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchAppliesMetadataFilter(t *testing.T) {
	h := openTestHandler(t)
	_, err := h.Put(Record{Key: "red", Vector: []float32{0, 0}, Metadata: map[string]string{"color": "red"}}, false)
	require.NoError(t, err)
	_, err = h.Put(Record{Key: "blue", Vector: []float32{0.1, 0.1}, Metadata: map[string]string{"color": "blue"}}, false)
	require.NoError(t, err)

	hits, err := h.Search(SearchRequest{
		QueryVector: []float32{0, 0},
		TopK:        5,
		Filter:      map[string]string{"color": "blue"},
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "blue", hits[0].Key)
}

func TestSearchAppliesThreshold(t *testing.T) {
	h := openTestHandler(t)
	_, err := h.Put(Record{Key: "near", Vector: []float32{0, 0}}, false)
	require.NoError(t, err)
	_, err = h.Put(Record{Key: "far", Vector: []float32{10, 10}}, false)
	require.NoError(t, err)

	tiny := float32(1.0)
	hits, err := h.Search(SearchRequest{QueryVector: []float32{0, 0}, TopK: 5, Threshold: &tiny})
	require.NoError(t, err)
	for _, hit := range hits {
		assert.LessOrEqual(t, hit.Score, tiny)
	}
}

func TestSearchSkipsTombstonedEntries(t *testing.T) {
	h := openTestHandler(t)
	_, err := h.Put(Record{Key: "a", Vector: []float32{0, 0}}, false)
	require.NoError(t, err)
	require.NoError(t, h.Delete("a", false))

	hits, err := h.Search(SearchRequest{QueryVector: []float32{0, 0}, TopK: 5})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchRejectsNonPositiveTopK(t *testing.T) {
	h := openTestHandler(t)
	_, err := h.Search(SearchRequest{QueryVector: []float32{0, 0}, TopK: 0})
	assert.Error(t, err)
}

func TestRebuildRepacksAndClearsTombstones(t *testing.T) {
	h := openTestHandler(t)
	_, err := h.Put(Record{Key: "a", Vector: []float32{1, 1}}, false)
	require.NoError(t, err)
	_, err = h.Put(Record{Key: "b", Vector: []float32{2, 2}}, false)
	require.NoError(t, err)
	require.NoError(t, h.Delete("a", false))

	require.NoError(t, h.Rebuild())

	assert.Empty(t, h.tombstones)
	assert.Equal(t, 1, h.index.Count())

	got, err := h.Get("b")
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 2}, got.Vector)

	assert.Equal(t, StateReady, h.State(), "rebuild restores the prior state on completion")
}

func TestReplicateAppliesPutFromAnotherNode(t *testing.T) {
	h := openTestHandler(t)

	err := h.Replicate(wal.Entry{
		OpType:    wal.OpPut,
		Key:       "b",
		Vector:    []float32{5, 6},
		Timestamp: 1,
		NodeID:    "node2",
	})
	require.NoError(t, err)

	got, err := h.Get("b")
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 6}, got.Vector)
}

func TestReplicateAppliesDeleteFromAnotherNode(t *testing.T) {
	h := openTestHandler(t)
	_, err := h.Put(Record{Key: "b", Vector: []float32{5, 6}}, false)
	require.NoError(t, err)

	err = h.Replicate(wal.Entry{OpType: wal.OpDelete, Key: "b", Timestamp: 2, NodeID: "node2"})
	require.NoError(t, err)

	_, err = h.Get("b")
	assert.Error(t, err)
}

func TestMarkOfflineRejectsFurtherWrites(t *testing.T) {
	h := openTestHandler(t)
	h.MarkOffline()

	_, err := h.Put(Record{Key: "a", Vector: []float32{1, 2}}, false)
	assert.Error(t, err)

	err = h.Delete("a", false)
	assert.Error(t, err)
}

func TestMarkOfflineStillAllowsGetAndSearch(t *testing.T) {
	h := openTestHandler(t)
	_, err := h.Put(Record{Key: "a", Vector: []float32{1, 2}}, false)
	require.NoError(t, err)

	h.MarkOffline()

	_, err = h.Get("a")
	assert.NoError(t, err)

	_, err = h.Search(SearchRequest{QueryVector: []float32{1, 2}, TopK: 1})
	assert.NoError(t, err)
}

func TestCloseTransitionsToShutdown(t *testing.T) {
	h, err := Open(testConfig(t))
	require.NoError(t, err)
	require.NoError(t, h.Close())
	assert.Equal(t, StateShutdown, h.State())
}

func TestReopenReplaysWAL(t *testing.T) {
	cfg := testConfig(t)

	h, err := Open(cfg)
	require.NoError(t, err)
	_, err = h.Put(Record{Key: "a", Vector: []float32{1, 2}}, false)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	h2, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h2.Close() })

	got, err := h2.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, got.Vector)
}

func TestCrashRecoveryReplaysFullWALOnReopen(t *testing.T) {
	cfg := testConfig(t)

	h, err := Open(cfg)
	require.NoError(t, err)

	const n = 8
	keys := make([]string, 0, n)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%d", i)
		keys = append(keys, key)
		_, err := h.Put(Record{Key: key, Vector: []float32{float32(i), float32(i + 1)}}, false)
		require.NoError(t, err)
	}
	// Close the handler (Close also seals a final checkpoint), then reopen it
	// from the same data directory.
	require.NoError(t, h.Close())

	h2, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h2.Close() })

	assert.Equal(t, n, h2.index.Count(), "hnsw index must recover every surviving put from the wal")

	kvCount := 0
	require.NoError(t, h2.store.Iter(func(key string, rec kv.Record) error {
		kvCount++
		return nil
	}))
	assert.Equal(t, n, kvCount, "kv store must recover every surviving put from the wal")

	for i, key := range keys {
		got, err := h2.Get(key)
		require.NoError(t, err)
		assert.Equal(t, []float32{float32(i), float32(i + 1)}, got.Vector)
	}
}

func TestCapacityExhaustionTriggersRebuildThroughPut(t *testing.T) {
	cfg := testConfig(t)
	cfg.HNSWMaxElements = 2

	h, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	_, err = h.Put(Record{Key: "a", Vector: []float32{1, 1}}, false)
	require.NoError(t, err)
	_, err = h.Put(Record{Key: "b", Vector: []float32{2, 2}}, false)
	require.NoError(t, err)
	require.NoError(t, h.Delete("a", false))

	// index is now at capacity (2) with one tombstoned entry; this put must
	// observe Count() >= Capacity() and rebuild in place before inserting,
	// repacking away the tombstone instead of failing.
	_, err = h.Put(Record{Key: "c", Vector: []float32{3, 3}}, false)
	require.NoError(t, err)

	assert.Empty(t, h.tombstones, "rebuild-on-capacity must repack and clear tombstones")
	assert.Equal(t, 2, h.index.Count(), "only the two live keys should remain after the capacity rebuild")

	_, err = h.Get("a")
	assert.Error(t, err, "tombstoned key must stay gone across the capacity rebuild")

	got, err := h.Get("b")
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 2}, got.Vector)

	got, err = h.Get("c")
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 3}, got.Vector)
}
