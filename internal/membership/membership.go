// Package membership is the local, watch-refreshed view of the live node
// set backed by an external coordination service, plus the independent
// active TCP health probe. Grounded on
// original_source/src/utils/zk_manager.py's ZKManager (self-reregistering
// watch, locked cache rebuild, health-check loop that force-deletes the
// remote ephemeral record on probe failure) adapted to Go and to
// github.com/go-zookeeper/zk; the cache's public surface echoes
// ppriyankuu-godkv/internal/cluster/membership.go's Join/Leave/All shape.
package membership

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"

	"distributed-vdb/internal/logx"
)

// Store is the external coordination service interface the cache needs.
// Only this narrow surface is specified; the wire protocol of the backing
// service is an out-of-scope external collaborator per the storage
// engine's purpose and scope.
type Store interface {
	PutEphemeral(path string, value []byte) error
	Get(path string) ([]byte, error)
	ListChildren(path string) ([]string, error)
	// WatchChildren returns the current children and a channel that fires
	// (at most once) when the child set changes; callers must call it again
	// to re-arm the watch, matching ZooKeeper's one-shot watch semantics.
	WatchChildren(path string) (children []string, changed <-chan struct{}, err error)
	Delete(path string) error
	Close() error
}

// ZKStore adapts github.com/go-zookeeper/zk to the Store interface.
type ZKStore struct {
	conn *zk.Conn
}

// DialZK connects to the membership store's ensemble with the given session
// timeout.
func DialZK(servers []string, sessionTimeout time.Duration) (*ZKStore, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to membership store: %w", err)
	}
	return &ZKStore{conn: conn}, nil
}

func (z *ZKStore) ensurePath(path string) error {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	cur := ""
	for _, p := range parts {
		cur += "/" + p
		exists, _, err := z.conn.Exists(cur)
		if err != nil {
			return fmt.Errorf("check path %s: %w", cur, err)
		}
		if !exists {
			_, err := z.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && err != zk.ErrNodeExists {
				return fmt.Errorf("create path %s: %w", cur, err)
			}
		}
	}
	return nil
}

func (z *ZKStore) PutEphemeral(path string, value []byte) error {
	parent := path[:strings.LastIndex(path, "/")]
	if parent != "" {
		if err := z.ensurePath(parent); err != nil {
			return err
		}
	}
	_, err := z.conn.Create(path, value, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err == zk.ErrNodeExists {
		// A previous session's ephemeral node has not yet expired; delete
		// and recreate so re-registration after a brief disconnect works.
		_ = z.conn.Delete(path, -1)
		_, err = z.conn.Create(path, value, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	}
	if err != nil {
		return fmt.Errorf("create ephemeral node %s: %w", path, err)
	}
	return nil
}

func (z *ZKStore) Get(path string) ([]byte, error) {
	data, _, err := z.conn.Get(path)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return data, nil
}

func (z *ZKStore) ListChildren(path string) ([]string, error) {
	if err := z.ensurePath(path); err != nil {
		return nil, err
	}
	children, _, err := z.conn.Children(path)
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", path, err)
	}
	return children, nil
}

func (z *ZKStore) WatchChildren(path string) ([]string, <-chan struct{}, error) {
	if err := z.ensurePath(path); err != nil {
		return nil, nil, err
	}
	children, _, events, err := z.conn.ChildrenW(path)
	if err != nil {
		return nil, nil, fmt.Errorf("watch children of %s: %w", path, err)
	}

	changed := make(chan struct{}, 1)
	go func() {
		<-events
		changed <- struct{}{}
	}()

	return children, changed, nil
}

func (z *ZKStore) Delete(path string) error {
	err := z.conn.Delete(path, -1)
	if err != nil && err != zk.ErrNoNode {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

func (z *ZKStore) Close() error {
	z.conn.Close()
	return nil
}

// Cache is the local, lock-protected view of the live node set.
type Cache struct {
	mu    sync.RWMutex
	nodes map[string]string // node_id -> host:port

	store    Store
	basePath string

	probeInterval time.Duration
	probeTimeout  time.Duration

	ring *probeRing

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewCache builds the cache, populates it from the store's current
// children, and starts the watch-refresh and health-probe background
// loops.
func NewCache(store Store, basePath string) (*Cache, error) {
	c := &Cache{
		nodes:         make(map[string]string),
		store:         store,
		basePath:      basePath,
		probeInterval: 5 * time.Second,
		probeTimeout:  2 * time.Second,
		ring:          newProbeRing(),
		stop:          make(chan struct{}),
	}

	if err := c.refresh(); err != nil {
		return nil, err
	}

	c.wg.Add(2)
	go c.watchLoop()
	go c.healthProbeLoop()

	return c, nil
}

func (c *Cache) nodesPath() string { return c.basePath + "/nodes" }

func (c *Cache) nodePath(id string) string { return c.nodesPath() + "/" + id }

func (c *Cache) refresh() error {
	children, err := c.store.ListChildren(c.nodesPath())
	if err != nil {
		return fmt.Errorf("refresh membership cache: %w", err)
	}
	next := make(map[string]string, len(children))
	for _, id := range children {
		data, err := c.store.Get(c.nodePath(id))
		if err != nil {
			logx.WithComponent("membership").Warn().Str("node_id", id).Err(err).Msg("failed to read node record during refresh")
			continue
		}
		next[id] = string(data)
	}

	c.mu.Lock()
	c.nodes = next
	c.mu.Unlock()
	return nil
}

// watchLoop re-installs the watch each time it fires, matching the
// self-reregistering one-shot watch pattern.
func (c *Cache) watchLoop() {
	defer c.wg.Done()
	for {
		_, changed, err := c.store.WatchChildren(c.nodesPath())
		if err != nil {
			logx.WithComponent("membership").Error().Err(err).Msg("failed to install membership watch")
			select {
			case <-time.After(time.Second):
			case <-c.stop:
				return
			}
			continue
		}

		select {
		case <-changed:
			if err := c.refresh(); err != nil {
				logx.WithComponent("membership").Error().Err(err).Msg("membership refresh after watch fire failed")
			}
		case <-c.stop:
			return
		}
	}
}

// healthProbeLoop runs an independent TCP probe against every cached node
// every probeInterval; a node that fails to accept a connection within
// probeTimeout is evicted locally and its ephemeral record is deleted from
// the store, so every coordinator converges on the same view even before
// its own watch fires.
func (c *Cache) healthProbeLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.probeOnce()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) probeOnce() {
	nodes := c.All()

	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	c.ring.rebuildFrom(ids)

	for _, id := range c.ring.orderedNodes() {
		addr, ok := nodes[id]
		if !ok {
			continue
		}
		conn, err := net.DialTimeout("tcp", addr, c.probeTimeout)
		if err != nil {
			logx.WithComponent("membership").Warn().Str("node_id", id).Str("addr", addr).Msg("health probe failed, evicting node")
			c.evict(id)
			continue
		}
		conn.Close()
	}
}

func (c *Cache) evict(id string) {
	c.mu.Lock()
	delete(c.nodes, id)
	c.mu.Unlock()

	if err := c.store.Delete(c.nodePath(id)); err != nil {
		logx.WithComponent("membership").Error().Str("node_id", id).Err(err).Msg("failed to delete membership record for evicted node")
	}
}

// MarkOffline evicts a node from the local cache only, used by the
// coordinator when its own RPC to that node fails. Unlike the health-probe
// path's evict, it does not delete the node's remote membership record: a
// single coordinator's transient RPC failure should not propagate as an
// eviction to every other coordinator's watch, only the independently
// confirmed health probe does that. The local view is reconciled by the
// next watch-driven refresh or probe tick.
func (c *Cache) MarkOffline(id string) {
	c.mu.Lock()
	delete(c.nodes, id)
	c.mu.Unlock()
}

// RegisterNode writes id's ephemeral membership record.
func (c *Cache) RegisterNode(id, address string) error {
	if err := c.store.PutEphemeral(c.nodePath(id), []byte(address)); err != nil {
		return fmt.Errorf("register node %s: %w", id, err)
	}
	return c.refresh()
}

// Get returns a node's address and whether it is currently live.
func (c *Cache) Get(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	addr, ok := c.nodes[id]
	return addr, ok
}

// All returns a snapshot copy of the live node set; callers never receive a
// live reference.
func (c *Cache) All() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.nodes))
	for k, v := range c.nodes {
		out[k] = v
	}
	return out
}

// IDs returns the live node ids, order unspecified.
func (c *Cache) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.nodes))
	for k := range c.nodes {
		out = append(out, k)
	}
	return out
}

// Close stops the background loops and closes the underlying store.
func (c *Cache) Close() error {
	close(c.stop)
	c.wg.Wait()
	return c.store.Close()
}
