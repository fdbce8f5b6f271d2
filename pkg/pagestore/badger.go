package pagestore

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"

	"github.com/fortiblox/X1-Lazypages/internal/types"
)

// Key prefixes for BadgerDB storage.
var (
	// badgerPrefixPage is the prefix for page data.
	// Key format: badgerPrefixPage + page key
	badgerPrefixPage = []byte{0x01}

	// badgerPrefixMeta is the prefix for metadata.
	badgerPrefixMeta = []byte{0x02}

	// badgerMetaStateRoot is the key for the current state root.
	badgerMetaStateRoot = append(append([]byte{}, badgerPrefixMeta...), []byte("state_root")...)
)

// BadgerConfig contains configuration for the badger page store.
type BadgerConfig struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	// NumCompactors is the number of compaction workers.
	NumCompactors int

	// NumMemtables is the number of memtables.
	NumMemtables int

	// ValueLogFileSize is the size of each value log file.
	ValueLogFileSize int64

	// Logger is an optional logger. Set to nil to disable logging.
	Logger badger.Logger
}

// DefaultBadgerConfig returns default configuration.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:             path,
		SyncWrites:       false,
		NumCompactors:    2,
		NumMemtables:     5,
		ValueLogFileSize: 256 << 20, // 256MB
	}
}

// BadgerStore is a badger backed Store. Page data is zstd compressed: pages
// are mostly zeroes and compress well.
type BadgerStore struct {
	db  *badger.DB
	enc *zstd.Encoder
	dec *zstd.Decoder

	// mu serializes writes so the state root chain stays linear.
	mu   sync.Mutex
	root atomic.Pointer[types.Hash]

	closed atomic.Bool
}

var _ Store = (*BadgerStore)(nil)

// OpenBadger opens or creates a badger page store.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumCompactors(cfg.NumCompactors).
		WithNumMemtables(cfg.NumMemtables).
		WithValueLogFileSize(cfg.ValueLogFileSize).
		WithLogger(cfg.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	s := &BadgerStore{db: db, enc: enc, dec: dec}
	if err := s.loadMetadata(); err != nil {
		s.Close()
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	return s, nil
}

func (s *BadgerStore) loadMetadata() error {
	var root types.Hash
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerMetaStateRoot)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			copy(root[:], val)
			return nil
		})
	})
	if err != nil {
		return err
	}
	s.root.Store(&root)
	return nil
}

func badgerPageKey(key []byte) []byte {
	out := make([]byte, 0, len(badgerPrefixPage)+len(key))
	out = append(out, badgerPrefixPage...)
	return append(out, key...)
}

// LoadPage implements PageStorage.
func (s *BadgerStore) LoadPage(key []byte) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrClosed
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerPageKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out, err := s.dec.DecodeAll(val, nil)
			if err != nil {
				return fmt.Errorf("decompress page: %w", err)
			}
			data = out
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// WritePages implements PageWriter.
func (s *BadgerStore) WritePages(pages []Page) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	root := nextStateRoot(*s.root.Load(), pages)
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, p := range pages {
			if len(p.Key) == 0 {
				return ErrEmptyKey
			}
			if err := txn.Set(badgerPageKey(p.Key), s.enc.EncodeAll(p.Data, nil)); err != nil {
				return err
			}
		}
		return txn.Set(badgerMetaStateRoot, root[:])
	})
	if err != nil {
		return err
	}
	s.root.Store(&root)
	return nil
}

// IteratePrefix implements Store.
func (s *BadgerStore) IteratePrefix(prefix []byte, fn func(key, data []byte) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	full := badgerPageKey(prefix)
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = full
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(full); it.Next() {
			item := it.Item()
			key := bytes.TrimPrefix(item.Key(), badgerPrefixPage)
			err := item.Value(func(val []byte) error {
				data, err := s.dec.DecodeAll(val, nil)
				if err != nil {
					return fmt.Errorf("decompress page: %w", err)
				}
				return fn(key, data)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// StateRoot implements Store.
func (s *BadgerStore) StateRoot() (types.Hash, error) {
	if s.closed.Load() {
		return types.Hash{}, ErrClosed
	}
	return *s.root.Load(), nil
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}
