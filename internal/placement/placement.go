// Package placement computes deterministic shard routing and master/slave
// assignment, grounded on original_source/src/utils/shared_utils.py's
// get_shard_id (MD5-mod-S) and assign_shards_to_nodes (round-robin master
// plus trailing-replica slaves).
package placement

import (
	"crypto/md5"
	"encoding/hex"
	"math/big"
)

// ShardID computes hash(key) mod shardCount, where hash is MD5 of key
// interpreted as a big integer — the literal scheme named in the spec.
func ShardID(key string, shardCount int) int {
	sum := md5.Sum([]byte(key))
	hexStr := hex.EncodeToString(sum[:])

	n := new(big.Int)
	n.SetString(hexStr, 16)

	s := big.NewInt(int64(shardCount))
	mod := new(big.Int).Mod(n, s)
	return int(mod.Int64())
}

// Assignment is a shard's master/slave mapping.
type Assignment struct {
	Master string
	Slaves []string
}

// Assign computes the round-robin shard map over the current node set:
// shard s's master is nodes[s mod N]; its slaves are the next replicaCount
// nodes in the ring, wrapping around. Returns an empty map if nodes is
// empty. The mapping is recomputed wholesale on every membership change —
// data already written to a shard's former master is not moved (the spec's
// noted open question around dynamic re-sharding).
func Assign(nodes []string, shardCount, replicaCount int) map[int]Assignment {
	out := make(map[int]Assignment, shardCount)
	n := len(nodes)
	if n == 0 {
		return out
	}

	for s := 0; s < shardCount; s++ {
		master := nodes[s%n]

		var slaves []string
		for i := 1; i <= replicaCount; i++ {
			candidate := nodes[(s+i)%n]
			if candidate == master {
				break // fewer live nodes than replicaCount+1: stop duplicating
			}
			slaves = append(slaves, candidate)
		}

		out[s] = Assignment{Master: master, Slaves: slaves}
	}
	return out
}
