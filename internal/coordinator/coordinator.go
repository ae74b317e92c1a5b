// Package coordinator routes client operations to the shard master holding
// a key, fans REPLICATE calls out to that shard's slaves, and broadcasts
// SEARCH to every live node before merging results. The slave fan-out
// reuses the goroutine/channel collection pattern from
// ppriyankuu-godkv/internal/cluster/replicator.go's ReplicateWrite
// (retargeted from an HTTP quorum write to an async, best-effort RPC
// fan-out — see the decided Open Question on slave promotion in the design
// notes: an offline master returns Unavailable rather than being failed
// over, so there is no write quorum to satisfy here).
package coordinator

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"distributed-vdb/internal/logx"
	"distributed-vdb/internal/membership"
	"distributed-vdb/internal/placement"
	"distributed-vdb/internal/rpcapi"
	"distributed-vdb/internal/rpcpool"
	"distributed-vdb/internal/vdberr"
)

// Config holds the coordinator's shard/replica topology and RPC timeout.
type Config struct {
	ShardCount   int
	ReplicaCount int
	RPCTimeout   time.Duration
}

// Coordinator holds the live placement table and routes operations through
// the RPC pool to the node set tracked by membership.
type Coordinator struct {
	mu sync.RWMutex

	cfg        Config
	membership *membership.Cache
	pool       *rpcpool.Pool

	assignments map[int]placement.Assignment

	log zerolog.Logger
}

// New builds a Coordinator and computes its initial placement from
// membership's current node set.
func New(cfg Config, m *membership.Cache, pool *rpcpool.Pool) *Coordinator {
	c := &Coordinator{
		cfg:        cfg,
		membership: m,
		pool:       pool,
		log:        logx.WithComponent("coordinator"),
	}
	c.Rebalance()
	return c
}

// Rebalance recomputes the shard->{master,slaves} table from the current
// membership snapshot; called after every RegisterNode and on a timer by
// the process entrypoint so that membership churn (probe evictions, watch
// refreshes) is reflected.
func (c *Coordinator) Rebalance() {
	ids := c.membership.IDs()
	sort.Strings(ids)

	assignments := placement.Assign(ids, c.cfg.ShardCount, c.cfg.ReplicaCount)

	c.mu.Lock()
	c.assignments = assignments
	c.mu.Unlock()

	c.log.Info().Int("nodes", len(ids)).Int("shards", c.cfg.ShardCount).Msg("placement recomputed")
}

func (c *Coordinator) shardFor(key string) int {
	return placement.ShardID(key, c.cfg.ShardCount)
}

func (c *Coordinator) assignmentFor(shard int) (placement.Assignment, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.assignments[shard]
	return a, ok
}

// call borrows a client for nodeID, invokes method with a bounded timeout,
// and returns it to the pool on success or discards it (and marks the node
// offline in membership) on any transport-level failure. A node absent from
// membership is reported as Unavailable rather than Transport — it is a
// routing/placement problem (no live replica to reach), not a failed dial.
func (c *Coordinator) call(nodeID, method string, args, reply any) error {
	if _, ok := c.membership.Get(nodeID); !ok {
		return vdberr.Unavailable("node %s is not present in membership cache", nodeID)
	}

	client, err := c.pool.Borrow(nodeID)
	if err != nil {
		c.membership.MarkOffline(nodeID)
		return vdberr.Transport("borrow rpc client for %s: %v", nodeID, err)
	}

	done := make(chan error, 1)
	go func() { done <- client.Call(method, args, reply) }()

	select {
	case err := <-done:
		if err != nil {
			c.pool.Discard(client)
			c.membership.MarkOffline(nodeID)
			return vdberr.Transport("rpc call %s to %s: %v", method, nodeID, err)
		}
		c.pool.Release(nodeID, client)
		return nil
	case <-time.After(c.cfg.RPCTimeout):
		c.pool.Discard(client)
		c.membership.MarkOffline(nodeID)
		return vdberr.Transport("rpc call %s to %s timed out", method, nodeID)
	}
}

// RegisterNode records a node's address in membership and recomputes
// placement.
func (c *Coordinator) RegisterNode(id, address string) error {
	if err := c.membership.RegisterNode(id, address); err != nil {
		return err
	}
	c.Rebalance()
	return nil
}

// ListNodes returns the live node set.
func (c *Coordinator) ListNodes() map[string]string {
	return c.membership.All()
}

// Put routes to the shard master, then fans REPLICATE out to the shard's
// slaves asynchronously; the client's ack reflects only the master's
// commit.
func (c *Coordinator) Put(data rpcapi.VectorData) error {
	shard := c.shardFor(data.Key)
	assignment, ok := c.assignmentFor(shard)
	if !ok || assignment.Master == "" {
		return vdberr.Unavailable("no master assigned for shard %d", shard)
	}

	args := &rpcapi.PutArgs{Data: data}
	var reply rpcapi.PutReply
	if err := c.call(assignment.Master, "DataNode.Put", args, &reply); err != nil {
		return err
	}
	if !reply.Success {
		return vdberr.FromCode(reply.Code, reply.Message)
	}

	c.replicateAsync(assignment.Slaves, rpcapi.ReplicateArgs{OpType: "PUT", Data: data, Clock: reply.Clock})
	return nil
}

// Delete routes to the shard master, then fans REPLICATE out to slaves.
func (c *Coordinator) Delete(key string) error {
	shard := c.shardFor(key)
	assignment, ok := c.assignmentFor(shard)
	if !ok || assignment.Master == "" {
		return vdberr.Unavailable("no master assigned for shard %d", shard)
	}

	args := &rpcapi.DeleteArgs{Key: key}
	var reply rpcapi.DeleteReply
	if err := c.call(assignment.Master, "DataNode.Delete", args, &reply); err != nil {
		return err
	}
	if !reply.Success {
		return vdberr.FromCode(reply.Code, reply.Message)
	}

	c.replicateAsync(assignment.Slaves, rpcapi.ReplicateArgs{OpType: "DELETE", Key: key})
	return nil
}

func (c *Coordinator) replicateAsync(slaves []string, args rpcapi.ReplicateArgs) {
	for _, slave := range slaves {
		slave := slave
		go func() {
			var reply rpcapi.ReplicateReply
			if err := c.call(slave, "DataNode.Replicate", &args, &reply); err != nil {
				c.log.Warn().Str("slave", slave).Err(err).Msg("replication failed")
				return
			}
			if !reply.Success {
				c.log.Warn().Str("slave", slave).Str("code", reply.Code).Msg("replication rejected")
			}
		}()
	}
}

// Get routes to the shard master; on a master transport failure it falls
// back to the shard's slaves in order, since reads (unlike writes) can be
// served by any replica.
func (c *Coordinator) Get(key string) (rpcapi.VectorData, error) {
	shard := c.shardFor(key)
	assignment, ok := c.assignmentFor(shard)
	if !ok {
		return rpcapi.VectorData{}, vdberr.Unavailable("no assignment for shard %d", shard)
	}

	candidates := append([]string{assignment.Master}, assignment.Slaves...)
	var lastErr error
	for _, nodeID := range candidates {
		if nodeID == "" {
			continue
		}
		args := &rpcapi.GetArgs{Key: key}
		var reply rpcapi.GetReply
		if err := c.call(nodeID, "DataNode.Get", args, &reply); err != nil {
			lastErr = err
			continue
		}
		if !reply.Success {
			return rpcapi.VectorData{}, vdberr.FromCode(reply.Code, reply.Message)
		}
		return reply.Data, nil
	}
	if lastErr == nil {
		lastErr = vdberr.Unavailable("no reachable replica for shard %d", shard)
	}
	return rpcapi.VectorData{}, lastErr
}

// SearchRequest names the broadcast SEARCH parameters.
type SearchRequest struct {
	QueryVector []float32
	TopK        int
	Filter      map[string]string
	Threshold   *float32
}

// Search broadcasts to every live node, merges hits (best score per key
// wins), sorts ascending, and truncates to TopK.
func (c *Coordinator) Search(req SearchRequest) ([]rpcapi.SearchHit, error) {
	nodes := c.membership.IDs()
	if len(nodes) == 0 {
		return nil, nil
	}

	args := &rpcapi.SearchArgs{
		QueryVector:  req.QueryVector,
		TopK:         req.TopK,
		Filter:       req.Filter,
		HasThreshold: req.Threshold != nil,
	}
	if req.Threshold != nil {
		args.Threshold = req.Threshold
	}

	type result struct {
		hits []rpcapi.SearchHit
		err  error
	}
	results := make(chan result, len(nodes))

	for _, nodeID := range nodes {
		nodeID := nodeID
		go func() {
			var reply rpcapi.SearchReply
			if err := c.call(nodeID, "DataNode.Search", args, &reply); err != nil {
				results <- result{err: err}
				return
			}
			if !reply.Success {
				results <- result{err: vdberr.FromCode(reply.Code, reply.Message)}
				return
			}
			results <- result{hits: reply.Hits}
		}()
	}

	best := make(map[string]rpcapi.SearchHit)
	for range nodes {
		r := <-results
		if r.err != nil {
			c.log.Warn().Err(r.err).Msg("search broadcast to one node failed")
			continue
		}
		for _, hit := range r.hits {
			if cur, ok := best[hit.Key]; !ok || hit.Score < cur.Score {
				best[hit.Key] = hit
			}
		}
	}

	merged := make([]rpcapi.SearchHit, 0, len(best))
	for _, hit := range best {
		merged = append(merged, hit)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Score < merged[j].Score })
	if len(merged) > req.TopK {
		merged = merged[:req.TopK]
	}
	return merged, nil
}

// Pool exposes the underlying RPC connection pool.
func (c *Coordinator) Pool() *rpcpool.Pool { return c.pool }
