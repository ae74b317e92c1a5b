// Package snapshot manages sealed on-disk checkpoint directories capturing
// the HNSW image, a KV image copy, the tombstone set, and the WAL cursor at
// one point in time, plus the node's live (unsealed) tombstone set file.
//
// Grounded on ppriyankuu-godkv/internal/store/snapshot.go's atomic
// tmp-file-then-rename save/load pattern, merged with
// original_source/.../handler.py's save_checkpoint/load_from_checkpoint
// (timestamped checkpoint directories, a WAL position file) and
// wal_manager.py's checkpoint_ts bookkeeping.
package snapshot

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"distributed-vdb/internal/logx"
)

// Manager owns the checkpoint directory tree for one data node.
type Manager struct {
	nodeRoot string
	keep     int // retained checkpoints
}

// New constructs a Manager rooted at nodeRoot (the same root the WAL, KV and
// HNSW image live under), retaining the newest `keep` checkpoints.
func New(nodeRoot string, keep int) *Manager {
	if keep <= 0 {
		keep = 5
	}
	return &Manager{nodeRoot: nodeRoot, keep: keep}
}

func (m *Manager) checkpointRoot() string {
	return filepath.Join(m.nodeRoot, "checkpoint")
}

// Image is everything a checkpoint captures besides the raw files, handed
// in by the caller (the data node handler) at snapshot time.
type Image struct {
	IndexImagePath string          // source path to copy as index.bin
	KVImagePath    string          // source path to copy as leveldb_data/kv.db
	Tombstones     map[uint64]bool // hnsw_id -> tombstoned
	WALCursor      int64           // WAL timestamp cursor
}

// Save seals a new checkpoint directory and prunes old ones beyond the
// retention count. It returns the sealed directory's path.
func (m *Manager) Save(img Image) (string, error) {
	root := m.checkpointRoot()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("mkdir checkpoint root: %w", err)
	}

	name := fmt.Sprintf("checkpoint_%d_%s", time.Now().UnixMilli(), shortUUID())
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir checkpoint dir: %w", err)
	}

	if err := copyFile(img.IndexImagePath, filepath.Join(dir, "index.bin")); err != nil {
		return "", fmt.Errorf("copy index image into checkpoint: %w", err)
	}

	kvDir := filepath.Join(dir, "leveldb_data")
	if err := os.MkdirAll(kvDir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir checkpoint kv dir: %w", err)
	}
	if err := copyFile(img.KVImagePath, filepath.Join(kvDir, "kv.db")); err != nil {
		return "", fmt.Errorf("copy kv image into checkpoint: %w", err)
	}

	if err := writeTombstones(filepath.Join(dir, "deleted_ids.json"), img.Tombstones); err != nil {
		return "", fmt.Errorf("write checkpoint tombstones: %w", err)
	}

	walPos := filepath.Join(dir, "wal_pos.txt")
	if err := os.WriteFile(walPos, []byte(strconv.FormatInt(img.WALCursor, 10)), 0o644); err != nil {
		return "", fmt.Errorf("write checkpoint wal cursor: %w", err)
	}

	logx.WithComponent("snapshot").Info().Str("checkpoint", name).Msg("checkpoint sealed")

	if err := m.pruneLocked(); err != nil {
		logx.WithComponent("snapshot").Warn().Err(err).Msg("checkpoint pruning failed")
	}

	return dir, nil
}

// Latest returns the most recently sealed checkpoint directory, or
// found=false if none exists.
func (m *Manager) Latest() (dir string, found bool, err error) {
	dirs, err := m.list()
	if err != nil {
		return "", false, err
	}
	if len(dirs) == 0 {
		return "", false, nil
	}
	return filepath.Join(m.checkpointRoot(), dirs[len(dirs)-1]), true, nil
}

func (m *Manager) list() ([]string, error) {
	root := m.checkpointRoot()
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "checkpoint_") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names) // timestamp-prefixed names sort chronologically
	return names, nil
}

func (m *Manager) pruneLocked() error {
	names, err := m.list()
	if err != nil {
		return err
	}
	if len(names) <= m.keep {
		return nil
	}
	toRemove := names[:len(names)-m.keep]
	for _, name := range toRemove {
		path := filepath.Join(m.checkpointRoot(), name)
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("prune checkpoint %s: %w", name, err)
		}
		logx.WithComponent("snapshot").Info().Str("checkpoint", name).Msg("pruned old checkpoint")
	}
	return nil
}

// LoadTombstones reads a checkpoint directory's tombstone set.
func LoadTombstones(dir string) (map[uint64]bool, error) {
	path := filepath.Join(dir, "deleted_ids.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[uint64]bool{}, nil
		}
		return nil, fmt.Errorf("read checkpoint tombstones: %w", err)
	}
	var ids []uint64
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("decode checkpoint tombstones: %w", err)
	}
	out := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

// LoadWALCursor reads a checkpoint directory's WAL cursor.
func LoadWALCursor(dir string) (int64, error) {
	path := filepath.Join(dir, "wal_pos.txt")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read checkpoint wal cursor: %w", err)
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse checkpoint wal cursor: %w", err)
	}
	return ts, nil
}

// IndexImagePath returns the HNSW image path within a checkpoint directory.
func IndexImagePath(dir string) string { return filepath.Join(dir, "index.bin") }

// KVImagePath returns the KV image path within a checkpoint directory.
func KVImagePath(dir string) string { return filepath.Join(dir, "leveldb_data", "kv.db") }

// SaveLiveTombstones persists the node's current (unsealed) tombstone set at
// <nodeRoot>/deleted_ids.json, atomically.
func SaveLiveTombstones(nodeRoot string, tombstones map[uint64]bool) error {
	return writeTombstones(filepath.Join(nodeRoot, "deleted_ids.json"), tombstones)
}

// LoadLiveTombstones reads the node's live tombstone set, returning an empty
// set if the file does not exist yet.
func LoadLiveTombstones(nodeRoot string) (map[uint64]bool, error) {
	path := filepath.Join(nodeRoot, "deleted_ids.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[uint64]bool{}, nil
		}
		return nil, fmt.Errorf("read live tombstones: %w", err)
	}
	var ids []uint64
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("decode live tombstones: %w", err)
	}
	out := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

func writeTombstones(path string, tombstones map[uint64]bool) error {
	ids := make([]uint64, 0, len(tombstones))
	for id := range tombstones {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshal tombstones: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write tombstones temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename tombstones file: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			// Nothing written yet (e.g. a brand new node); an empty
			// destination is a valid, loadable checkpoint member.
			return os.WriteFile(dst, nil, 0o644)
		}
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s -> %s: %w", src, dst, err)
	}
	return out.Sync()
}

func shortUUID() string {
	id := uuid.New().String()
	return id[:8]
}
