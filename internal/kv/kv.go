// Package kv is the embedded ordered key-value store mapping a record's key
// to {hnsw_id, vector, metadata}, backed by go.etcd.io/bbolt the way
// cuemby-warren/pkg/storage/boltdb.go backs its own collections: one bucket,
// JSON-marshaled values, db.Update/db.View transactions.
//
// An in-memory reverse map (hnsw_id -> key) is maintained alongside the
// bucket, built once on Open by a single full scan and kept current on
// every Put/Delete — the recommended choice noted in the component design
// for live sets beyond a few thousand entries.
package kv

import (
	"encoding/json"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"distributed-vdb/internal/logx"
)

var bucketRecords = []byte("records")

// Record is the value stored per key.
type Record struct {
	HNSWID   uint64            `json:"hnsw_id"`
	Vector   []float32         `json:"vector"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Store is the embedded KV store for one data node.
type Store struct {
	mu      sync.RWMutex
	db      *bolt.DB
	reverse map[uint64]string // hnsw_id -> key, rebuilt on Open
}

// Open opens (creating if absent) the bbolt-backed store at path and loads
// the reverse map from its contents.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open kv database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecords)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create records bucket: %w", err)
	}

	s := &Store{db: db, reverse: make(map[uint64]string)}
	if err := s.loadReverseMap(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadReverseMap() error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		return b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode record for key %q: %w", k, err)
			}
			s.reverse[rec.HNSWID] = string(k)
			return nil
		})
	})
}

// Get returns the record for key, or ok=false if the key is absent.
func (s *Store) Get(key string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec Record
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("get %q: %w", key, err)
	}
	return rec, found, nil
}

// Put inserts or overwrites key's record and adds hnsw_id -> key to the
// reverse map. If key previously held a different hnsw_id, that stale
// reverse-map entry is not removed; the handler tombstones the old id so
// searches skip it.
func (s *Store) Put(key string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record for %q: %w", key, err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}

	s.reverse[rec.HNSWID] = key
	return nil
}

// Delete removes key's record. Returns ok=false if key was absent.
func (s *Store) Delete(key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec Record
	found := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("delete %q: %w", key, err)
	}
	if found {
		delete(s.reverse, rec.HNSWID)
	}
	return rec, found, nil
}

// KeyForHNSWID performs the reverse lookup (hnsw_id -> key) via the
// in-memory map, replacing the O(N) KV scan the source implementation used.
func (s *Store) KeyForHNSWID(id uint64) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.reverse[id]
	return key, ok
}

// Iter calls fn for every (key, record) pair. fn returning an error stops
// iteration and propagates the error.
func (s *Store) Iter(fn func(key string, rec Record) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		return b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode record for key %q: %w", k, err)
			}
			return fn(string(k), rec)
		})
	})
}

// Count returns the number of live records.
func (s *Store) Count() (int, error) {
	n := 0
	err := s.Iter(func(string, Record) error {
		n++
		return nil
	})
	return n, err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	logx.WithComponent("kv").Debug().Msg("closing kv store")
	return s.db.Close()
}

// Path returns the bbolt file path, used by the snapshot manager to copy
// the KV image into a checkpoint directory.
func (s *Store) Path() string {
	return s.db.Path()
}
