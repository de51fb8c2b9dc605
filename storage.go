package mergetree

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
)

// ChunkStore persists snapshot chunks under string keys. Implementations
// must be safe for concurrent use.
type ChunkStore interface {
	// Put stores data under key, overwriting any existing chunk.
	Put(key string, data []byte) error

	// Get returns the chunk stored under key, or ErrChunkNotFound.
	Get(key string) ([]byte, error)

	// List returns the stored keys with the given prefix, sorted.
	List(prefix string) ([]string, error)

	// Delete removes the chunk under key. Missing keys are not an error.
	Delete(key string) error

	Close() error
}

// MemoryChunkStore is an in-memory ChunkStore for tests and tooling.
type MemoryChunkStore struct {
	mu     sync.RWMutex
	chunks map[string][]byte
}

// NewMemoryChunkStore creates an empty in-memory store.
func NewMemoryChunkStore() *MemoryChunkStore {
	return &MemoryChunkStore{chunks: make(map[string][]byte)}
}

func (s *MemoryChunkStore) Put(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryChunkStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.chunks[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChunkNotFound, key)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryChunkStore) List(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.chunks {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryChunkStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chunks, key)
	return nil
}

func (s *MemoryChunkStore) Close() error { return nil }

// FSChunkStore stores each chunk as one file under a root directory. Keys
// are hex-encoded in file names, so any key string is safe.
type FSChunkStore struct {
	root string
}

// NewFSChunkStore creates the root directory if needed.
func NewFSChunkStore(root string) (*FSChunkStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("chunk store root: %w", err)
	}
	return &FSChunkStore{root: root}, nil
}

func (s *FSChunkStore) path(key string) string {
	return filepath.Join(s.root, hex.EncodeToString([]byte(key))+".chunk")
}

func (s *FSChunkStore) Put(key string, data []byte) error {
	tmp := s.path(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(key))
}

func (s *FSChunkStore) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrChunkNotFound, key)
	}
	return data, err
}

func (s *FSChunkStore) List(prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".chunk")
		if !ok {
			continue
		}
		raw, err := hex.DecodeString(name)
		if err != nil {
			continue
		}
		if strings.HasPrefix(string(raw), prefix) {
			keys = append(keys, string(raw))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FSChunkStore) Delete(key string) error {
	err := os.Remove(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *FSChunkStore) Close() error { return nil }

// BadgerChunkStore stores chunks in a Badger key-value database, for
// services that persist many snapshots.
type BadgerChunkStore struct {
	db *badger.DB
}

// NewBadgerChunkStore opens (or creates) a Badger database at path.
func NewBadgerChunkStore(path string) (*BadgerChunkStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open chunk db: %w", err)
	}
	return &BadgerChunkStore{db: db}, nil
}

func (s *BadgerChunkStore) Put(key string, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func (s *BadgerChunkStore) Get(key string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrChunkNotFound, key)
	}
	return data, err
}

func (s *BadgerChunkStore) List(prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	sort.Strings(keys)
	return keys, err
}

func (s *BadgerChunkStore) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

func (s *BadgerChunkStore) Close() error { return s.db.Close() }
