// Package rpcpool is the per-node bounded RPC connection pool, grounded on
// ppriyankuu-godkv/internal/cluster/replicator.go's retry/backoff shape
// (retargeted from HTTP to a pooled net/rpc client) and
// original_source/src/coordinator/handler.py's RPCClientPool
// (borrow/release bounded by POOL_SIZE, address resolution through
// membership).
package rpcpool

import (
	"fmt"
	"net"
	"net/rpc"
	"sync"
	"time"

	"distributed-vdb/internal/logx"
)

// Resolver resolves a node id to a dialable address; satisfied by
// *membership.Cache.
type Resolver interface {
	Get(id string) (string, bool)
}

type idleClient struct {
	client   *rpc.Client
	lastUsed time.Time
}

// Pool keeps up to maxIdle idle clients per node, dialing lazily and
// evicting both on capacity overflow and on an idle timeout.
type Pool struct {
	mu   sync.Mutex
	idle map[string][]*idleClient

	resolver Resolver

	maxIdle      int
	dialTimeout  time.Duration
	idleTimeout  time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a pool resolving addresses through resolver.
func New(resolver Resolver, maxIdle int, dialTimeout, idleTimeout time.Duration) *Pool {
	p := &Pool{
		idle:        make(map[string][]*idleClient),
		resolver:    resolver,
		maxIdle:     maxIdle,
		dialTimeout: dialTimeout,
		idleTimeout: idleTimeout,
		stop:        make(chan struct{}),
	}
	p.wg.Add(1)
	go p.evictLoop()
	return p
}

// Borrow returns an idle client for nodeID, or dials a fresh one.
func (p *Pool) Borrow(nodeID string) (*rpc.Client, error) {
	p.mu.Lock()
	list := p.idle[nodeID]
	if len(list) > 0 {
		ic := list[len(list)-1]
		p.idle[nodeID] = list[:len(list)-1]
		p.mu.Unlock()
		return ic.client, nil
	}
	p.mu.Unlock()

	addr, ok := p.resolver.Get(nodeID)
	if !ok {
		return nil, fmt.Errorf("node %s not present in membership cache", nodeID)
	}

	conn, err := net.DialTimeout("tcp", addr, p.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial node %s at %s: %w", nodeID, addr, err)
	}
	return rpc.NewClient(conn), nil
}

// Release returns a client to the idle pool if under capacity, else closes
// it. Call Discard instead when the client has seen a transport error.
func (p *Pool) Release(nodeID string, client *rpc.Client) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.idle[nodeID]) >= p.maxIdle {
		client.Close()
		return
	}
	p.idle[nodeID] = append(p.idle[nodeID], &idleClient{client: client, lastUsed: time.Now()})
}

// Discard closes client without returning it to the pool; callers must use
// this on any detected transport error, never Release.
func (p *Pool) Discard(client *rpc.Client) {
	client.Close()
}

func (p *Pool) evictLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.evictStale()
		case <-p.stop:
			return
		}
	}
}

func (p *Pool) evictStale() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for nodeID, list := range p.idle {
		kept := list[:0]
		for _, ic := range list {
			if now.Sub(ic.lastUsed) > p.idleTimeout {
				ic.client.Close()
				continue
			}
			kept = append(kept, ic)
		}
		if len(kept) == 0 {
			delete(p.idle, nodeID)
		} else {
			p.idle[nodeID] = kept
		}
	}
}

// CloseAll closes every idle client and stops the eviction loop; called on
// shutdown.
func (p *Pool) CloseAll() {
	close(p.stop)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for nodeID, list := range p.idle {
		for _, ic := range list {
			ic.client.Close()
		}
		delete(p.idle, nodeID)
	}
	logx.WithComponent("rpcpool").Info().Msg("all rpc clients closed")
}
