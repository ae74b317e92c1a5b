package membership

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store double, avoiding a real ZooKeeper ensemble
// in tests.
type fakeStore struct {
	mu       sync.Mutex
	data     map[string][]byte
	children map[string][]string
	deleted  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string][]byte{}, children: map[string][]string{}}
}

func (f *fakeStore) PutEphemeral(path string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[path] = value
	parent := "/vdb/nodes"
	id := path[len(parent)+1:]
	f.children[parent] = appendUnique(f.children[parent], id)
	return nil
}

func appendUnique(ss []string, s string) []string {
	for _, x := range ss {
		if x == s {
			return ss
		}
	}
	return append(ss, s)
}

func (f *fakeStore) Get(path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[path], nil
}

func (f *fakeStore) ListChildren(path string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.children[path]...), nil
}

func (f *fakeStore) WatchChildren(path string) ([]string, <-chan struct{}, error) {
	f.mu.Lock()
	children := append([]string(nil), f.children[path]...)
	f.mu.Unlock()
	// Never fires in these tests; refresh is driven explicitly via RegisterNode.
	return children, make(chan struct{}), nil
}

func (f *fakeStore) Delete(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, path)
	f.deleted = append(f.deleted, path)
	return nil
}

func (f *fakeStore) Close() error { return nil }

func newTestCache(t *testing.T, store Store) *Cache {
	t.Helper()
	c, err := NewCache(store, "/vdb")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRegisterNodeMakesItVisible(t *testing.T) {
	store := newFakeStore()
	c := newTestCache(t, store)

	require.NoError(t, c.RegisterNode("node1", "127.0.0.1:7090"))

	addr, ok := c.Get("node1")
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:7090", addr)
	assert.Contains(t, c.IDs(), "node1")
}

func TestMarkOfflineEvictsLocallyWithoutDeletingRemoteRecord(t *testing.T) {
	store := newFakeStore()
	c := newTestCache(t, store)
	require.NoError(t, c.RegisterNode("node1", "127.0.0.1:7090"))

	c.MarkOffline("node1")

	_, ok := c.Get("node1")
	assert.False(t, ok, "MarkOffline must evict from the local cache")
	assert.NotContains(t, store.deleted, "/vdb/nodes/node1", "MarkOffline must not delete the remote record — only a confirmed health-probe failure does that")
}

func TestAllReturnsIndependentSnapshot(t *testing.T) {
	store := newFakeStore()
	c := newTestCache(t, store)
	require.NoError(t, c.RegisterNode("node1", "addr1"))

	snap := c.All()
	snap["node2"] = "addr2" // mutate the returned copy

	_, ok := c.Get("node2")
	assert.False(t, ok, "mutating a snapshot must not affect the cache")
}

func TestHealthProbeEvictsUnreachableNode(t *testing.T) {
	store := newFakeStore()
	c := newTestCache(t, store)
	// An address nothing listens on; DialTimeout should fail quickly.
	require.NoError(t, c.RegisterNode("deadnode", "127.0.0.1:1"))
	c.probeTimeout = 100 * time.Millisecond

	c.probeOnce()

	_, ok := c.Get("deadnode")
	assert.False(t, ok)
}
