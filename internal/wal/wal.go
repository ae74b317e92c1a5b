// Package wal is the segmented, append-only write-ahead log. Framing and
// fsync discipline follow ppriyankuu-godkv/internal/store/wal.go (append,
// then os.File.Sync); segment rotation by size, age-based GC, and
// incremental replay bounded by a checkpoint timestamp generalize
// original_source/src/utils/wal_manager.py's WALManager to the spec's
// {op_type,key,vector,metadata,timestamp,node_id} entry shape.
package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"distributed-vdb/internal/logx"
	"distributed-vdb/internal/vclock"
)

func nowMillis() int64 { return time.Now().UnixMilli() }

// OpType names the two WAL operation kinds.
type OpType string

const (
	OpPut    OpType = "PUT"
	OpDelete OpType = "DELETE"
)

// Entry is one WAL record, JSON-encoded one-per-line in a segment file.
type Entry struct {
	OpType    OpType            `json:"op_type"`
	Key       string            `json:"key"`
	Vector    []float32         `json:"vector,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp int64             `json:"timestamp"`
	NodeID    string            `json:"node_id"`
	Clock     vclock.Clock      `json:"clock,omitempty"`
}

// WAL manages the segmented log directory for one data node.
type WAL struct {
	mu sync.Mutex

	dataDir       string
	checkpointDir string
	nodeID        string

	maxLogSize int64
	maxLogAge  int64 // seconds

	cur        *os.File
	curPath    string
	writeCount int
}

// Open opens (creating if absent) the WAL rooted at <nodeRoot>/wal, selecting
// or creating the active segment per the deterministic restart rule: reuse
// the latest timestamped segment if it is under the size threshold, else
// start a new one.
func Open(nodeRoot, nodeID string, maxLogSize, maxLogAge int64) (*WAL, error) {
	root := filepath.Join(nodeRoot, "wal")
	dataDir := filepath.Join(root, "data")
	checkpointDir := filepath.Join(root, "checkpoint")

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir wal data dir: %w", err)
	}
	if err := os.MkdirAll(checkpointDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir wal checkpoint dir: %w", err)
	}

	w := &WAL{
		dataDir:       dataDir,
		checkpointDir: checkpointDir,
		nodeID:        nodeID,
		maxLogSize:    maxLogSize,
		maxLogAge:     maxLogAge,
	}

	if err := w.openCurrentSegment(); err != nil {
		return nil, err
	}
	return w, nil
}

func segmentTimestamp(name string) (int64, bool) {
	if !strings.HasPrefix(name, "wal_") || !strings.HasSuffix(name, ".log") {
		return 0, false
	}
	tsStr := strings.TrimSuffix(strings.TrimPrefix(name, "wal_"), ".log")
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

func (w *WAL) listSegments() ([]string, error) {
	entries, err := os.ReadDir(w.dataDir)
	if err != nil {
		return nil, fmt.Errorf("list wal segments: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := segmentTimestamp(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool {
		ti, _ := segmentTimestamp(names[i])
		tj, _ := segmentTimestamp(names[j])
		return ti < tj
	})
	return names, nil
}

func (w *WAL) openCurrentSegment() error {
	names, err := w.listSegments()
	if err != nil {
		return err
	}

	var path string
	if len(names) == 0 {
		path = filepath.Join(w.dataDir, fmt.Sprintf("wal_%d.log", nowMillis()))
	} else {
		last := filepath.Join(w.dataDir, names[len(names)-1])
		fi, statErr := os.Stat(last)
		if statErr == nil && fi.Size() < w.maxLogSize {
			path = last
		} else {
			path = filepath.Join(w.dataDir, fmt.Sprintf("wal_%d.log", nowMillis()))
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open wal segment %s: %w", path, err)
	}
	w.cur = f
	w.curPath = path
	return nil
}

// Append writes one entry to the active segment, fsyncs it, and rotates to
// a fresh segment if the size threshold is now exceeded. An I/O failure at
// any step is returned to the caller as-is; callers wrap it as IOError.
func (w *WAL) Append(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal wal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := w.cur.Write(line); err != nil {
		return fmt.Errorf("write wal entry: %w", err)
	}
	if err := w.cur.Sync(); err != nil {
		return fmt.Errorf("fsync wal segment: %w", err)
	}

	w.writeCount++

	fi, err := w.cur.Stat()
	if err == nil && fi.Size() >= w.maxLogSize {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}

	if w.writeCount%100 == 0 {
		if err := w.gcExpiredLocked(); err != nil {
			logx.WithComponent("wal").Warn().Err(err).Msg("periodic wal gc failed")
		}
	}

	return nil
}

func (w *WAL) rotateLocked() error {
	if err := w.cur.Close(); err != nil {
		return fmt.Errorf("close wal segment before rotate: %w", err)
	}
	path := filepath.Join(w.dataDir, fmt.Sprintf("wal_%d.log", nowMillis()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open rotated wal segment: %w", err)
	}
	w.cur = f
	w.curPath = path
	return nil
}

// Rotate forces a new active segment to be opened, independent of size.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked()
}

func (w *WAL) readSegmentLines(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wal segment %s: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			logx.WithComponent("wal").Warn().
				Str("segment", filepath.Base(path)).Int("line", lineNo).
				Msg("skipping corrupt wal line")
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("scan wal segment %s: %w", path, err)
	}
	return entries, nil
}

// ReplayAll replays every segment in timestamp order, collapsing entries by
// key (keeping the latest by timestamp, then by file order) and invoking
// applyFn once per surviving entry. applyFn must apply the operation without
// re-appending to the WAL (replay_mode). On completion the checkpoint cursor
// is advanced to the newest timestamp seen.
func (w *WAL) ReplayAll(applyFn func(Entry) error) error {
	return w.replay(0, applyFn)
}

// ReplaySince replays only entries with Timestamp > sinceTS, used to recover
// the interval after a snapshot's WAL cursor.
func (w *WAL) ReplaySince(sinceTS int64, applyFn func(Entry) error) error {
	return w.replay(sinceTS, applyFn)
}

func (w *WAL) replay(sinceTS int64, applyFn func(Entry) error) error {
	names, err := w.listSegments()
	if err != nil {
		return err
	}

	unique := make(map[string]Entry)
	var order []string
	var maxTS int64 = sinceTS

	for _, name := range names {
		path := filepath.Join(w.dataDir, name)
		entries, err := w.readSegmentLines(path)
		if err != nil {
			logx.WithComponent("wal").Error().Err(err).Str("segment", name).Msg("failed reading wal segment")
			continue
		}
		for _, e := range entries {
			if e.Timestamp <= sinceTS {
				continue
			}
			prev, exists := unique[e.Key]
			if !exists {
				order = append(order, e.Key)
			} else if e.Timestamp < prev.Timestamp {
				continue
			}
			unique[e.Key] = e
			if e.Timestamp > maxTS {
				maxTS = e.Timestamp
			}
		}
	}

	processed := 0
	for _, key := range order {
		e := unique[key]
		if err := applyFn(e); err != nil {
			logx.WithComponent("wal").Error().Err(err).Str("key", e.Key).Str("op", string(e.OpType)).Msg("failed to apply replayed wal entry")
			continue
		}
		processed++
	}

	if err := w.SaveCheckpointTS(maxTS); err != nil {
		return err
	}

	logx.WithComponent("wal").Info().Int("processed", processed).Int("segments", len(names)).Msg("wal replay complete")
	return nil
}

// CheckpointTS returns the last replayed/snapshotted timestamp, or 0 if none
// has been recorded yet.
func (w *WAL) CheckpointTS() (int64, error) {
	path := filepath.Join(w.checkpointDir, "checkpoint_ts.txt")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read wal checkpoint: %w", err)
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse wal checkpoint: %w", err)
	}
	return ts, nil
}

// SaveCheckpointTS persists the replay cursor.
func (w *WAL) SaveCheckpointTS(ts int64) error {
	path := filepath.Join(w.checkpointDir, "checkpoint_ts.txt")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(ts, 10)), 0o644); err != nil {
		return fmt.Errorf("write wal checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename wal checkpoint: %w", err)
	}
	return nil
}

// GCOlderThan removes every segment file whose creation timestamp (taken
// from its file name) is older than ts; it never removes the currently
// active segment. Only the creation timestamp is compared, so a removed
// segment may hold entries newer than ts.
func (w *WAL) GCOlderThan(ts int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gcOlderThanLocked(ts)
}

func (w *WAL) gcOlderThanLocked(ts int64) error {
	names, err := w.listSegments()
	if err != nil {
		return err
	}
	for _, name := range names {
		path := filepath.Join(w.dataDir, name)
		if path == w.curPath {
			continue
		}
		segTS, ok := segmentTimestamp(name)
		if !ok || segTS >= ts {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove expired wal segment %s: %w", name, err)
		}
		logx.WithComponent("wal").Info().Str("segment", name).Msg("removed expired wal segment")
	}
	return nil
}

func (w *WAL) gcExpiredLocked() error {
	cutoff := nowMillis() - w.maxLogAge*1000
	return w.gcOlderThanLocked(cutoff)
}

// Close closes the active segment handle.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cur == nil {
		return nil
	}
	return w.cur.Close()
}

// DataDir returns the segment directory.
func (w *WAL) DataDir() string { return w.dataDir }
