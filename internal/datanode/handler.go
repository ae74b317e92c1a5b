// Package datanode implements the Data Node Handler: it combines the WAL,
// KV store, HNSW index and tombstone set behind one (non-re-entrant) mutex and
// serves PUT/DELETE/GET/SEARCH/REPLICATE. Grounded on
// ppriyankuu-godkv/internal/store/store.go for lock discipline, and on
// original_source/src/datanode/handler.py for the health-check/rebuild/
// retry-once algorithm and the oversampled search. The index insert must
// succeed before the WAL is touched, so a failed Add (even after a rebuild
// retry) aborts cleanly without advancing next_hnsw_id or writing KV/WAL.
package datanode

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"distributed-vdb/internal/kv"
	"distributed-vdb/internal/logx"
	"distributed-vdb/internal/snapshot"
	"distributed-vdb/internal/vclock"
	"distributed-vdb/internal/vdberr"
	"distributed-vdb/internal/vectorindex"
	"distributed-vdb/internal/wal"
)

// State is the handler's lifecycle state.
type State int32

const (
	StateLoading State = iota
	StateReady
	StateRebuilding
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateRebuilding:
		return "rebuilding"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Config holds the per-node tunables named in the configuration table.
type Config struct {
	NodeID  string
	DataDir string // node root; WAL/KV/HNSW/checkpoints all live under here

	VectorDim int

	HNSWM              int
	HNSWEfConstruction int
	HNSWEfSearch       int
	HNSWMaxElements    int

	WALRotateSize int64
	WALMaxLogAge  int64

	SnapshotInterval int
	RebuildInterval  int
	CheckpointKeep   int
}

// Record is a fully materialized vector record, as returned by GET and
// SEARCH. Clock is populated only on Put's return value (the write's
// resulting vector clock) and, on the way in to Replicate, carries the
// master's clock so the replica merges instead of incrementing.
type Record struct {
	Key       string
	Vector    []float32
	Metadata  map[string]string
	Timestamp int64
	Clock     vclock.Clock
}

// SearchHit is one SEARCH result, ascending by Score (distance).
type SearchHit struct {
	Key    string
	Score  float32
	Vector []float32
}

// Handler is the per-node combination of WAL + KV + HNSW + tombstones.
type Handler struct {
	mu sync.Mutex

	cfg   Config
	state atomic.Int32

	w       *wal.WAL
	store   *kv.Store
	index   *vectorindex.Index
	snapMgr *snapshot.Manager

	tombstones map[uint64]bool
	nextHNSWID uint64

	opCount int

	// demoted is set by the coordinator's `offline` RPC when this node has
	// been evicted from membership; it rejects further writes even though
	// its own state machine is still Ready, since it has no way to tell on
	// its own that the coordinator stopped routing to it.
	demoted atomic.Bool

	// clocks is a diagnostic-only vector clock per key, logged on REPLICATE
	// conflicts; it does not drive any decision.
	clocks map[string]vclock.Clock

	log zerolog.Logger
}

func indexCfg(cfg Config) vectorindex.Config {
	return vectorindex.Config{
		Dim:            cfg.VectorDim,
		Metric:         vectorindex.MetricL2,
		M:              cfg.HNSWM,
		EfConstruction: cfg.HNSWEfConstruction,
		EfSearch:       cfg.HNSWEfSearch,
		MaxElements:    cfg.HNSWMaxElements,
	}
}

func indexImagePath(dataDir string) string {
	return filepath.Join(dataDir, "hnsw_index", "index.bin")
}

// Open loads (or initializes) a handler rooted at cfg.DataDir: opens the KV
// store, loads the live tombstone set, loads the HNSW image if present,
// reconstructs next_hnsw_id from the live and tombstoned ids, and replays
// the WAL since its last checkpoint cursor.
func Open(cfg Config) (*Handler, error) {
	h := &Handler{
		cfg:        cfg,
		tombstones: make(map[uint64]bool),
		clocks:     make(map[string]vclock.Clock),
		log:        logx.WithComponent("datanode").With().Str("node_id", cfg.NodeID).Logger(),
	}
	h.state.Store(int32(StateLoading))

	store, err := kv.Open(filepath.Join(cfg.DataDir, "leveldb_data", "kv.db"))
	if err != nil {
		return nil, fmt.Errorf("open kv store: %w", err)
	}
	h.store = store

	tombstones, err := snapshot.LoadLiveTombstones(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("load live tombstones: %w", err)
	}
	h.tombstones = tombstones

	imgPath := indexImagePath(cfg.DataDir)
	idx, err := vectorindex.Load(imgPath, indexCfg(cfg))
	if err != nil {
		idx = vectorindex.New(indexCfg(cfg))
	}
	h.index = idx

	walLog, err := wal.Open(cfg.DataDir, cfg.NodeID, cfg.WALRotateSize, cfg.WALMaxLogAge)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	h.w = walLog

	h.snapMgr = snapshot.New(cfg.DataDir, cfg.CheckpointKeep)

	h.nextHNSWID = h.reconstructNextID()

	cursor, err := walLog.CheckpointTS()
	if err != nil {
		return nil, fmt.Errorf("read wal checkpoint: %w", err)
	}
	if err := walLog.ReplaySince(cursor, h.applyReplay); err != nil {
		return nil, fmt.Errorf("replay wal: %w", err)
	}

	h.state.Store(int32(StateReady))
	h.log.Info().Int("next_hnsw_id", int(h.nextHNSWID)).Msg("data node handler ready")
	return h, nil
}

func (h *Handler) reconstructNextID() uint64 {
	var maxID uint64
	_ = h.store.Iter(func(_ string, rec kv.Record) error {
		if rec.HNSWID >= maxID {
			maxID = rec.HNSWID + 1
		}
		return nil
	})
	for id := range h.tombstones {
		if id+1 > maxID {
			maxID = id + 1
		}
	}
	return maxID
}

// applyReplay is the WAL replay callback: it re-applies PUT/DELETE entries
// without re-logging (replay_mode = true).
func (h *Handler) applyReplay(e wal.Entry) error {
	switch e.OpType {
	case wal.OpPut:
		_, err := h.Put(Record{Key: e.Key, Vector: e.Vector, Metadata: e.Metadata, Timestamp: e.Timestamp, Clock: e.Clock}, true)
		return err
	case wal.OpDelete:
		return h.Delete(e.Key, true)
	default:
		return fmt.Errorf("unknown wal op type %q", e.OpType)
	}
}

func (h *Handler) checkDim(vector []float32) error {
	if len(vector) != h.cfg.VectorDim {
		return vdberr.Invalid("vector has dimension %d, expected %d", len(vector), h.cfg.VectorDim)
	}
	for _, x := range vector {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return vdberr.Invalid("vector contains a non-finite element")
		}
	}
	return nil
}

// Put inserts or overwrites key. See the PUT algorithm in the component
// design: dimension check, health-check-triggered rebuild, tombstone the
// old id on overwrite, insert-with-retry-once into the index, then WAL
// append and KV commit only once that insert has succeeded.
func (h *Handler) Put(rec Record, replayMode bool) (Record, error) {
	if err := h.checkDim(rec.Vector); err != nil {
		return Record{}, err
	}
	if rec.Key == "" {
		return Record{}, vdberr.Invalid("key must not be empty")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if !replayMode {
		st := State(h.state.Load())
		if st != StateReady && st != StateRebuilding {
			return Record{}, vdberr.Unavailable("node is %s", st)
		}
		if h.demoted.Load() {
			return Record{}, vdberr.Unavailable("node has been evicted from membership")
		}
	}

	if h.index.Count() >= h.index.Capacity() {
		if err := h.rebuildLocked(); err != nil {
			return Record{}, vdberr.Index("rebuild before put failed: %v", err)
		}
	}

	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixMilli()
	}

	if existing, found, err := h.store.Get(rec.Key); err == nil && found {
		h.tombstones[existing.HNSWID] = true
	}

	newID := h.nextHNSWID
	if err := h.index.Add(newID, rec.Vector); err != nil {
		if rebuildErr := h.rebuildLocked(); rebuildErr != nil {
			return Record{}, vdberr.Index("index add failed and rebuild failed: %v / %v", err, rebuildErr)
		}
		newID = h.nextHNSWID
		if err := h.index.Add(newID, rec.Vector); err != nil {
			return Record{}, vdberr.Index("index add failed after rebuild retry: %v", err)
		}
	}
	h.nextHNSWID = newID + 1

	// The index add above must succeed before the WAL is touched: on an
	// unrecoverable Add failure we abort here without advancing
	// next_hnsw_id or writing KV/WAL.
	clock := h.clocks[rec.Key]
	if clock == nil {
		clock = vclock.Clock{}
	}
	if rec.Clock != nil {
		// Arrives via Replicate carrying the master's clock: merge rather
		// than increment, so the replica's view converges with the master's
		// instead of diverging from it.
		clock = clock.Merge(rec.Clock)
	} else {
		clock.Increment(h.cfg.NodeID)
	}
	h.clocks[rec.Key] = clock

	if !replayMode {
		entry := wal.Entry{
			OpType:    wal.OpPut,
			Key:       rec.Key,
			Vector:    rec.Vector,
			Metadata:  rec.Metadata,
			Timestamp: rec.Timestamp,
			NodeID:    h.cfg.NodeID,
			Clock:     clock,
		}
		if err := h.w.Append(entry); err != nil {
			return Record{}, vdberr.IO("wal append failed: %v", err)
		}
	}

	if err := h.store.Put(rec.Key, kv.Record{HNSWID: newID, Vector: rec.Vector, Metadata: rec.Metadata}); err != nil {
		return Record{}, vdberr.IO("kv put failed: %v", err)
	}

	if !replayMode {
		if err := h.index.Save(indexImagePath(h.cfg.DataDir)); err != nil {
			h.log.Warn().Err(err).Msg("failed to save hnsw image after put")
		}
		if err := snapshot.SaveLiveTombstones(h.cfg.DataDir, h.tombstones); err != nil {
			h.log.Warn().Err(err).Msg("failed to persist tombstone set after put")
		}

		h.opCount++
		if h.cfg.SnapshotInterval > 0 && h.opCount%h.cfg.SnapshotInterval == 0 {
			if err := h.snapshotLocked(); err != nil {
				h.log.Warn().Err(err).Msg("periodic snapshot failed")
			}
		}
		if h.cfg.RebuildInterval > 0 && h.opCount%h.cfg.RebuildInterval == 0 {
			if err := h.rebuildLocked(); err != nil {
				h.log.Warn().Err(err).Msg("periodic rebuild failed")
			}
		}
	}

	return Record{Key: rec.Key, Vector: rec.Vector, Metadata: rec.Metadata, Timestamp: rec.Timestamp, Clock: clock.Copy()}, nil
}

// Delete removes key. Returns ErrNotFound if it was absent.
func (h *Handler) Delete(key string, replayMode bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !replayMode {
		st := State(h.state.Load())
		if st != StateReady && st != StateRebuilding {
			return vdberr.Unavailable("node is %s", st)
		}
		if h.demoted.Load() {
			return vdberr.Unavailable("node has been evicted from membership")
		}
	}

	existing, found, err := h.store.Get(key)
	if err != nil {
		return vdberr.IO("kv get failed during delete: %v", err)
	}
	if !found {
		return vdberr.NotFound("key %q not found", key)
	}

	if !replayMode {
		entry := wal.Entry{
			OpType:    wal.OpDelete,
			Key:       key,
			Timestamp: time.Now().UnixMilli(),
			NodeID:    h.cfg.NodeID,
		}
		if err := h.w.Append(entry); err != nil {
			return vdberr.IO("wal append failed: %v", err)
		}
	}

	h.tombstones[existing.HNSWID] = true
	if _, _, err := h.store.Delete(key); err != nil {
		return vdberr.IO("kv delete failed: %v", err)
	}

	if !replayMode {
		if err := snapshot.SaveLiveTombstones(h.cfg.DataDir, h.tombstones); err != nil {
			h.log.Warn().Err(err).Msg("failed to persist tombstone set after delete")
		}
	}

	return nil
}

// Get returns key's record, or ErrNotFound if it is absent or tombstoned.
func (h *Handler) Get(key string) (Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec, found, err := h.store.Get(key)
	if err != nil {
		return Record{}, vdberr.IO("kv get failed: %v", err)
	}
	if !found || h.tombstones[rec.HNSWID] {
		return Record{}, vdberr.NotFound("key %q not found", key)
	}
	return Record{Key: key, Vector: rec.Vector, Metadata: rec.Metadata}, nil
}

// SearchRequest names the SEARCH parameters.
type SearchRequest struct {
	QueryVector []float32
	TopK        int
	Filter      map[string]string
	Threshold   *float32
}

// Search returns up to TopK hits ordered ascending by score, applying the
// tombstone filter, metadata filter, and optional threshold described in
// the filter-and-score semantics.
func (h *Handler) Search(req SearchRequest) ([]SearchHit, error) {
	if err := h.checkDim(req.QueryVector); err != nil {
		return nil, err
	}
	if req.TopK <= 0 {
		return nil, vdberr.Invalid("top_k must be positive")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.index.Count() == 0 {
		return nil, nil
	}

	ef := req.TopK * 2
	if ef < 50 {
		ef = 50
	}
	candidateK := req.TopK * 2
	if candidateK < ef {
		candidateK = ef
	}

	results, err := h.index.Knn(req.QueryVector, candidateK)
	if err != nil {
		return nil, vdberr.Index("knn search failed: %v", err)
	}

	hits := make([]SearchHit, 0, req.TopK)
	for _, r := range results {
		if h.tombstones[r.ID] {
			continue
		}
		key, ok := h.store.KeyForHNSWID(r.ID)
		if !ok {
			continue
		}
		kvRec, found, err := h.store.Get(key)
		if err != nil || !found {
			continue
		}
		if !matchFilter(kvRec.Metadata, req.Filter) {
			continue
		}
		if req.Threshold != nil && r.Score > *req.Threshold {
			continue
		}
		hits = append(hits, SearchHit{Key: key, Score: r.Score, Vector: kvRec.Vector})
		if len(hits) >= req.TopK {
			break
		}
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score < hits[j].Score })
	return hits, nil
}

// matchFilter implements the filter grammar: key=value equality, or a
// leading '>' / '<' on the expected value for a string comparison with
// that character stripped. Any key present in filter but absent from
// metadata fails the match (fail closed).
func matchFilter(metadata, filter map[string]string) bool {
	for k, expected := range filter {
		actual, ok := metadata[k]
		if !ok {
			return false
		}
		switch {
		case len(expected) > 0 && expected[0] == '>':
			if !(actual > expected[1:]) {
				return false
			}
		case len(expected) > 0 && expected[0] == '<':
			if !(actual < expected[1:]) {
				return false
			}
		default:
			if actual != expected {
				return false
			}
		}
	}
	return true
}

// Replicate applies op in replay mode on behalf of a shard master driving
// its slaves; it logs a vector-clock comparison for diagnostic purposes
// when the key has already been written locally.
func (h *Handler) Replicate(entry wal.Entry) error {
	if h.demoted.Load() {
		return vdberr.Unavailable("node has been evicted from membership")
	}
	h.mu.Lock()
	if prior, ok := h.clocks[entry.Key]; ok && entry.Clock != nil {
		if prior.Compare(entry.Clock) == vclock.Concurrent {
			h.log.Warn().Str("key", entry.Key).Msg("concurrent write detected on replicate")
		}
	}
	h.mu.Unlock()

	switch entry.OpType {
	case wal.OpPut:
		_, err := h.Put(Record{Key: entry.Key, Vector: entry.Vector, Metadata: entry.Metadata, Timestamp: entry.Timestamp, Clock: entry.Clock}, true)
		return err
	case wal.OpDelete:
		return h.Delete(entry.Key, true)
	default:
		return vdberr.Invalid("unknown replicate op type %q", entry.OpType)
	}
}

// ReplayWAL forces a full re-replay of every WAL segment from scratch,
// re-applying each surviving PUT/DELETE entry in replay mode (no
// re-appending to the WAL, no periodic snapshot/rebuild side effects).
// Exported for the administrative `replay_wal` RPC, used to force recovery
// after a WAL segment has been manually restored or edited.
func (h *Handler) ReplayWAL() error {
	return h.w.ReplayAll(h.applyReplay)
}

// Rebuild enumerates all live entries, builds a fresh index sized to
// live_count+headroom, re-inserts with densely repacked ids, clears the
// tombstone set, and seals a snapshot. Exported for the administrative
// rebuild trigger; PUT's own health check and its periodic rebuild call the
// unexported locked variant.
func (h *Handler) Rebuild() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rebuildLocked()
}

func (h *Handler) rebuildLocked() error {
	prevState := State(h.state.Load())
	h.state.Store(int32(StateRebuilding))
	defer h.state.Store(int32(prevState))

	type liveEntry struct {
		key string
		rec kv.Record
	}
	var live []liveEntry
	if err := h.store.Iter(func(key string, rec kv.Record) error {
		if h.tombstones[rec.HNSWID] {
			return nil
		}
		live = append(live, liveEntry{key: key, rec: rec})
		return nil
	}); err != nil {
		return fmt.Errorf("scan live entries for rebuild: %w", err)
	}

	headroom := len(live) + 10000
	fresh := vectorindex.New(indexCfg(h.cfg))
	fresh.SetCapacity(headroom)

	var nextID uint64
	for _, le := range live {
		newID := nextID
		nextID++
		if err := fresh.Add(newID, le.rec.Vector); err != nil {
			return fmt.Errorf("rebuild add for key %q: %w", le.key, err)
		}
		le.rec.HNSWID = newID
		if err := h.store.Put(le.key, le.rec); err != nil {
			return fmt.Errorf("rebuild kv repack for key %q: %w", le.key, err)
		}
	}

	h.index = fresh
	h.tombstones = make(map[uint64]bool)
	h.nextHNSWID = nextID

	if err := h.index.Save(indexImagePath(h.cfg.DataDir)); err != nil {
		return fmt.Errorf("save rebuilt hnsw image: %w", err)
	}
	if err := snapshot.SaveLiveTombstones(h.cfg.DataDir, h.tombstones); err != nil {
		return fmt.Errorf("persist empty tombstone set after rebuild: %w", err)
	}

	h.log.Info().Int("live", len(live)).Msg("rebuild complete")
	return h.snapshotLocked()
}

// Snapshot seals a new checkpoint directory. Exported for the administrative
// snapshot trigger; PUT's periodic snapshot calls the unexported locked
// variant.
func (h *Handler) Snapshot() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

func (h *Handler) snapshotLocked() error {
	cursor, err := h.w.CheckpointTS()
	if err != nil {
		return fmt.Errorf("read wal cursor for snapshot: %w", err)
	}

	img := snapshot.Image{
		IndexImagePath: indexImagePath(h.cfg.DataDir),
		KVImagePath:    h.store.Path(),
		Tombstones:     h.tombstones,
		WALCursor:      cursor,
	}
	if _, err := h.snapMgr.Save(img); err != nil {
		return fmt.Errorf("seal checkpoint: %w", err)
	}
	return h.w.GCOlderThan(cursor)
}

// State returns the handler's current lifecycle state.
func (h *Handler) State() State {
	return State(h.state.Load())
}

// NodeID returns the handler's node id.
func (h *Handler) NodeID() string { return h.cfg.NodeID }

// MarkOffline demotes the node: it keeps serving GET/SEARCH from its
// existing state but refuses further PUT/DELETE/REPLICATE until restarted.
func (h *Handler) MarkOffline() {
	h.demoted.Store(true)
	h.log.Warn().Msg("node marked offline by coordinator")
}

// Close transitions to Shutdown and flushes/closes the HNSW index, KV
// store and WAL, writing a final snapshot first.
func (h *Handler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.state.Store(int32(StateShutdown))

	if err := h.snapshotLocked(); err != nil {
		h.log.Warn().Err(err).Msg("final snapshot before shutdown failed")
	}
	if err := h.index.Save(indexImagePath(h.cfg.DataDir)); err != nil {
		h.log.Warn().Err(err).Msg("final hnsw save before shutdown failed")
	}
	if err := h.store.Close(); err != nil {
		return fmt.Errorf("close kv store: %w", err)
	}
	if err := h.w.Close(); err != nil {
		return fmt.Errorf("close wal: %w", err)
	}
	return nil
}
