package pagestore

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/X1-Lazypages/internal/types"
)

// Bucket names for BoltDB.
var (
	// bucketPages stores page data keyed by page key.
	bucketPages = []byte("pages")

	// bucketMetadata stores store metadata.
	bucketMetadata = []byte("metadata")
)

// Metadata keys.
var (
	keyStateRoot = []byte("state_root")
)

// BoltConfig holds bolt page store configuration options.
type BoltConfig struct {
	// Path is the database file path.
	Path string

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool

	// Timeout is how long to wait for the file lock.
	Timeout time.Duration
}

// DefaultBoltConfig returns the default bolt page store configuration.
func DefaultBoltConfig(path string) BoltConfig {
	return BoltConfig{
		Path:    path,
		Timeout: 5 * time.Second,
	}
}

// BoltStore is a bbolt backed Store.
type BoltStore struct {
	db     *bolt.DB
	config BoltConfig

	mu     sync.RWMutex
	root   types.Hash
	closed bool
}

var _ Store = (*BoltStore)(nil)

// OpenBolt creates or opens a bolt page store.
func OpenBolt(config BoltConfig) (*BoltStore, error) {
	if !config.ReadOnly {
		if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
	}

	opts := &bolt.Options{
		Timeout:  config.Timeout,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	}
	db, err := bolt.Open(config.Path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &BoltStore{db: db, config: config}
	if !config.ReadOnly {
		if err := store.initBuckets(); err != nil {
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}
	if err := store.loadStateRoot(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load state root: %w", err)
	}
	return store, nil
}

// initBuckets creates all required buckets.
func (s *BoltStore) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketPages, bucketMetadata} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) loadStateRoot() error {
	return s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMetadata)
		if meta == nil {
			return nil
		}
		copy(s.root[:], meta.Get(keyStateRoot))
		return nil
	})
}

// LoadPage implements PageStorage.
func (s *BoltStore) LoadPage(key []byte) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrClosed
	}

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPages)
		if b == nil {
			return nil
		}
		if v := b.Get(key); v != nil {
			data = append([]byte{}, v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return data, data != nil, nil
}

// WritePages implements PageWriter.
func (s *BoltStore) WritePages(pages []Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	root := nextStateRoot(s.root, pages)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPages)
		for _, p := range pages {
			if len(p.Key) == 0 {
				return ErrEmptyKey
			}
			if err := b.Put(p.Key, p.Data); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketMetadata).Put(keyStateRoot, root[:])
	})
	if err != nil {
		return err
	}
	s.root = root
	return nil
}

// IteratePrefix implements Store.
func (s *BoltStore) IteratePrefix(prefix []byte, fn func(key, data []byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPages)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// StateRoot implements Store.
func (s *BoltStore) StateRoot() (types.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return types.Hash{}, ErrClosed
	}
	return s.root, nil
}

// Close implements Store.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
