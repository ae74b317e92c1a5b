// Package config parses the recognized configuration table for both the
// data node and coordinator processes, generalized from the flag wiring in
// ppriyankuu-godkv's cmd/server/main.go.
package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// DataNode holds the configuration table recognized by a data node process.
type DataNode struct {
	NodeID  string
	Addr    string
	DataDir string

	VectorDim int

	HNSWM             int
	HNSWEfConstruction int
	HNSWEfSearch      int
	HNSWMaxElements   int

	WALRotateSize int64
	WALMaxLogAge  int64 // seconds

	SnapshotInterval int // ops between periodic snapshots
	RebuildInterval  int // ops between periodic rebuilds
	CheckpointKeep   int // retained checkpoints

	ZKServers       []string
	ZKSessionTimeoutMS int
	ZKBasePath      string

	AdminAddr string // gin admin/health surface
}

// Coordinator holds the configuration table recognized by the coordinator
// process.
type Coordinator struct {
	ShardCount   int
	ReplicaCount int

	RPCTimeoutMS        int
	RPCPoolSize         int
	RPCPoolIdleTimeoutMS int

	ZKServers          []string
	ZKSessionTimeoutMS int
	ZKBasePath         string

	AdminAddr string
	RPCAddr   string
}

// DefaultDataNode returns the data node config table populated with the
// spec's stated defaults, before flags are applied.
func DefaultDataNode() DataNode {
	return DataNode{
		NodeID:             "node1",
		Addr:               ":7090",
		DataDir:            "/tmp/vdb",
		VectorDim:          128,
		HNSWM:              32,
		HNSWEfConstruction: 128,
		HNSWEfSearch:       64,
		HNSWMaxElements:    1_000_000,
		WALRotateSize:      10 * 1024 * 1024,
		WALMaxLogAge:       7 * 24 * 3600,
		SnapshotInterval:   2000,
		RebuildInterval:    200000,
		CheckpointKeep:     5,
		ZKServers:          []string{"127.0.0.1:2181"},
		ZKSessionTimeoutMS: 10000,
		ZKBasePath:         "/vdb",
		AdminAddr:          ":7091",
	}
}

// DefaultCoordinator returns the coordinator config table populated with
// the spec's stated defaults, before flags are applied.
func DefaultCoordinator() Coordinator {
	return Coordinator{
		ShardCount:           16,
		ReplicaCount:         2,
		RPCTimeoutMS:         5000,
		RPCPoolSize:          8,
		RPCPoolIdleTimeoutMS: 30000,
		ZKServers:            []string{"127.0.0.1:2181"},
		ZKSessionTimeoutMS:   10000,
		ZKBasePath:           "/vdb",
		AdminAddr:            ":8091",
		RPCAddr:              ":8090",
	}
}

// ParseDataNodeFlags parses a data node's flags out of args (typically
// os.Args[1:]) on top of the stated defaults.
func ParseDataNodeFlags(fs *pflag.FlagSet, args []string) (DataNode, error) {
	cfg := DefaultDataNode()

	fs.StringVar(&cfg.NodeID, "id", cfg.NodeID, "unique node identifier")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "RPC listen address (host:port)")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for WAL, KV, HNSW image and checkpoints")
	fs.IntVar(&cfg.VectorDim, "vector-dim", cfg.VectorDim, "fixed vector dimension D")
	fs.IntVar(&cfg.HNSWM, "hnsw-m", cfg.HNSWM, "HNSW graph degree M")
	fs.IntVar(&cfg.HNSWEfConstruction, "hnsw-ef-construction", cfg.HNSWEfConstruction, "HNSW ef_construction")
	fs.IntVar(&cfg.HNSWEfSearch, "hnsw-ef-search", cfg.HNSWEfSearch, "HNSW default ef_search")
	fs.IntVar(&cfg.HNSWMaxElements, "hnsw-max-elements", cfg.HNSWMaxElements, "HNSW initial capacity")
	fs.Int64Var(&cfg.WALRotateSize, "wal-rotate-size", cfg.WALRotateSize, "WAL segment rotation threshold in bytes")
	fs.Int64Var(&cfg.WALMaxLogAge, "wal-max-log-age", cfg.WALMaxLogAge, "WAL segment retention age in seconds")
	fs.IntVar(&cfg.SnapshotInterval, "snapshot-interval", cfg.SnapshotInterval, "ops between periodic snapshots")
	fs.IntVar(&cfg.RebuildInterval, "rebuild-interval", cfg.RebuildInterval, "ops between periodic rebuilds")
	fs.IntVar(&cfg.CheckpointKeep, "checkpoint-keep", cfg.CheckpointKeep, "number of checkpoints to retain")
	fs.StringSliceVar(&cfg.ZKServers, "zk-servers", cfg.ZKServers, "membership store server addresses")
	fs.IntVar(&cfg.ZKSessionTimeoutMS, "zk-session-timeout-ms", cfg.ZKSessionTimeoutMS, "membership store session timeout")
	fs.StringVar(&cfg.ZKBasePath, "zk-base-path", cfg.ZKBasePath, "membership store base path")
	fs.StringVar(&cfg.AdminAddr, "admin-addr", cfg.AdminAddr, "admin/health HTTP listen address")

	if err := fs.Parse(args); err != nil {
		return cfg, fmt.Errorf("parse flags: %w", err)
	}
	return cfg, nil
}

// ParseCoordinatorFlags parses the coordinator's flags out of args on top of
// the stated defaults.
func ParseCoordinatorFlags(fs *pflag.FlagSet, args []string) (Coordinator, error) {
	cfg := DefaultCoordinator()

	fs.IntVar(&cfg.ShardCount, "shard-count", cfg.ShardCount, "fixed shard count S")
	fs.IntVar(&cfg.ReplicaCount, "replica-count", cfg.ReplicaCount, "replica count R")
	fs.IntVar(&cfg.RPCTimeoutMS, "rpc-timeout-ms", cfg.RPCTimeoutMS, "RPC call timeout")
	fs.IntVar(&cfg.RPCPoolSize, "rpc-pool-size", cfg.RPCPoolSize, "max idle RPC connections per node")
	fs.IntVar(&cfg.RPCPoolIdleTimeoutMS, "rpc-pool-idle-timeout-ms", cfg.RPCPoolIdleTimeoutMS, "idle RPC connection eviction timeout")
	fs.StringSliceVar(&cfg.ZKServers, "zk-servers", cfg.ZKServers, "membership store server addresses")
	fs.IntVar(&cfg.ZKSessionTimeoutMS, "zk-session-timeout-ms", cfg.ZKSessionTimeoutMS, "membership store session timeout")
	fs.StringVar(&cfg.ZKBasePath, "zk-base-path", cfg.ZKBasePath, "membership store base path")
	fs.StringVar(&cfg.AdminAddr, "admin-addr", cfg.AdminAddr, "admin/health HTTP listen address")
	fs.StringVar(&cfg.RPCAddr, "rpc-addr", cfg.RPCAddr, "coordinator RPC listen address")

	if err := fs.Parse(args); err != nil {
		return cfg, fmt.Errorf("parse flags: %w", err)
	}
	return cfg, nil
}
