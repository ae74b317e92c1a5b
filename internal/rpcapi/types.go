// Package rpcapi defines the wire types shared by the data node and
// coordinator RPC surfaces named in the storage engine's external
// interfaces section. Transport is stdlib net/rpc (gob-encoded); see
// DESIGN.md for why a hand-written gRPC service was not used instead.
package rpcapi

import "distributed-vdb/internal/vclock"

// VectorData is one vector record as it crosses the wire.
type VectorData struct {
	Key       string
	Vector    []float32
	Metadata  map[string]string
	Timestamp int64
}

// Filter is the metadata equality/comparator filter described in the
// filter-and-score semantics section: key -> expected value, where a
// leading '>' or '<' on the value selects the string-comparison form.
type Filter map[string]string

// PutArgs / PutReply back the data node PUT RPC.
type PutArgs struct {
	Data       VectorData
	ReplayMode bool
}

type PutReply struct {
	Success bool
	Message string
	Code    string
	// Clock is the write's resulting vector clock at the node that applied
	// it, carried along so a master's coordinator can attach it to the
	// REPLICATE calls it fans out to slaves.
	Clock vclock.Clock
}

// DeleteArgs / DeleteReply back the data node DELETE RPC.
type DeleteArgs struct {
	Key        string
	ReplayMode bool
}

type DeleteReply struct {
	Success bool
	Message string
	Code    string
}

// GetArgs / GetReply back the data node GET RPC.
type GetArgs struct {
	Key string
}

type GetReply struct {
	Success bool
	Message string
	Code    string
	Data    VectorData
}

// SearchArgs / SearchReply back the data node and coordinator SEARCH RPC.
type SearchArgs struct {
	QueryVector []float32
	TopK        int
	Filter      Filter
	Threshold   *float32
	HasThreshold bool
}

// SearchHit is one ranked result.
type SearchHit struct {
	Key    string
	Score  float32
	Vector []float32
}

type SearchReply struct {
	Success bool
	Message string
	Code    string
	Hits    []SearchHit
}

// ReplicateArgs / ReplicateReply back the master-drives-slaves REPLICATE
// RPC; OpType is "PUT" or "DELETE".
type ReplicateArgs struct {
	OpType string
	Data   VectorData // for PUT
	Key    string      // for DELETE
	// Clock is the master's resulting vector clock for this write, compared
	// against the replica's own prior clock for the key to detect a
	// concurrent write.
	Clock vclock.Clock
}

type ReplicateReply struct {
	Success bool
	Message string
	Code    string
}

// OfflineArgs / OfflineReply implement the data node's `offline` RPC used
// by a coordinator to tell a node it has been evicted, so the node can
// reject further writes as a demoted replica.
type OfflineArgs struct{}

type OfflineReply struct {
	Success bool
}

// ReplayWALArgs / ReplayWALReply implement the data node's `replay_wal`
// administrative RPC, used to force a replay after manual recovery.
type ReplayWALArgs struct{}

type ReplayWALReply struct {
	Success bool
	Message string
}

// RegisterNodeArgs / RegisterNodeReply back the coordinator's
// register_node RPC.
type RegisterNodeArgs struct {
	NodeID  string
	Address string
}

type RegisterNodeReply struct {
	Success bool
	Message string
}

// ListNodesArgs / ListNodesReply back the coordinator's list_nodes RPC.
type ListNodesArgs struct{}

type ListNodesReply struct {
	Success bool
	Nodes   map[string]string
}
