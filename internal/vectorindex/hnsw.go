// Package vectorindex wraps github.com/coder/hnsw as the approximate kNN
// graph backing one data node's vector index. Ids are assigned externally by
// the data node handler's next_hnsw_id counter (not generated internally),
// since the handler — not the index — owns id lifecycle and soft deletion.
package vectorindex

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"

	"distributed-vdb/internal/logx"
)

// Metric selects the distance function backing the graph.
type Metric string

const (
	MetricL2     Metric = "l2"
	MetricCosine Metric = "cos"
)

// Config holds the HNSW construction parameters named in the storage
// engine's component design (M, ef_construction, ef_search, max_elements).
type Config struct {
	Dim            int
	Metric         Metric
	M              int
	EfConstruction int
	EfSearch       int
	MaxElements    int
}

func (c Config) withDefaults() Config {
	if c.M == 0 {
		c.M = 32
	}
	if c.EfConstruction == 0 {
		c.EfConstruction = 128
	}
	if c.EfSearch == 0 {
		c.EfSearch = 64
	}
	if c.MaxElements == 0 {
		c.MaxElements = 1_000_000
	}
	if c.Metric == "" {
		c.Metric = MetricL2
	}
	return c
}

// Index is the per-node approximate kNN graph. The handler is responsible
// for the lock serializing mutation per the concurrency model;
// Index additionally holds its own mutex so it remains safe if used
// directly in tests.
type Index struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[uint64]
	cfg   Config

	// capacity is a soft bound used purely to detect "the index should be
	// rebuilt" per the spec's count()>=capacity() health check; coder/hnsw's
	// graph itself grows without a hard limit.
	capacity int
}

// New constructs an empty index with the given configuration.
func New(cfg Config) *Index {
	cfg = cfg.withDefaults()

	graph := hnsw.NewGraph[uint64]()
	switch cfg.Metric {
	case MetricCosine:
		graph.Distance = hnsw.CosineDistance
	default:
		graph.Distance = hnsw.EuclideanDistance
	}
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 1 / math.Log(float64(max(cfg.M, 2)))

	return &Index{
		graph:    graph,
		cfg:      cfg,
		capacity: cfg.MaxElements,
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Add inserts id->vector. The vector is assumed already dimension-checked
// by the caller (the handler enforces D before ever reaching the index).
func (idx *Index) Add(id uint64, vector []float32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	vec := make([]float32, len(vector))
	copy(vec, vector)
	if idx.cfg.Metric == MetricCosine {
		normalizeInPlace(vec)
	}

	idx.graph.Add(hnsw.MakeNode(id, vec))
	return nil
}

// Result is one kNN hit: an assigned id and its distance score (smaller is
// more similar, per the spec).
type Result struct {
	ID    uint64
	Score float32
}

// Knn returns up to k nearest neighbors to query, ascending by score.
func (idx *Index) Knn(query []float32, k int) ([]Result, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.graph.Len() == 0 {
		return nil, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	if idx.cfg.Metric == MetricCosine {
		normalizeInPlace(q)
	}

	nodes := idx.graph.Search(q, k)
	out := make([]Result, 0, len(nodes))
	for _, n := range nodes {
		d := idx.graph.Distance(q, n.Value)
		out = append(out, Result{ID: n.Key, Score: d})
	}
	return out, nil
}

// Count returns the number of nodes physically present in the graph
// (including any not-yet-rebuilt tombstoned ids — the handler is the
// authority on logical liveness).
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.graph.Len()
}

// Capacity returns the soft capacity bound used for the health check in
// PUT step 3 ("count() >= capacity() triggers rebuild").
func (idx *Index) Capacity() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.capacity
}

// SetCapacity updates the soft capacity bound; called by rebuild() once a
// fresh index has been sized to live_count+headroom.
func (idx *Index) SetCapacity(n int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.capacity = n
}

// Save persists the graph image atomically (temp file + rename).
func (idx *Index) Save(path string) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for hnsw image: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create hnsw temp image: %w", err)
	}
	if err := idx.graph.Export(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("export hnsw graph: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close hnsw temp image: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename hnsw image: %w", err)
	}
	return nil
}

// Load replaces the graph's contents with an image previously written by
// Save. cfg carries the metric/params to reattach to the freshly imported
// graph (coder/hnsw's Import restores node data but not the Distance func
// or params, which are process-local configuration, not serialized state).
func Load(path string, cfg Config) (*Index, error) {
	idx := New(cfg)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open hnsw image: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	if err := idx.graph.Import(r); err != nil {
		return nil, fmt.Errorf("import hnsw graph: %w", err)
	}

	logx.WithComponent("hnsw").Info().Int("nodes", idx.graph.Len()).Msg("loaded hnsw image")
	return idx, nil
}

func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}
