package pagestore

import (
	"bytes"
	"sort"
	"sync"

	"github.com/fortiblox/X1-Lazypages/internal/types"
)

// MemStore is an in-memory Store.
type MemStore struct {
	mu     sync.RWMutex
	pages  map[string][]byte
	root   types.Hash
	closed bool
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{pages: make(map[string][]byte)}
}

// LoadPage implements PageStorage.
func (m *MemStore) LoadPage(key []byte) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	data, ok := m.pages[string(key)]
	return data, ok, nil
}

// WritePages implements PageWriter.
func (m *MemStore) WritePages(pages []Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, p := range pages {
		if len(p.Key) == 0 {
			return ErrEmptyKey
		}
	}
	for _, p := range pages {
		m.pages[string(p.Key)] = append([]byte(nil), p.Data...)
	}
	m.root = nextStateRoot(m.root, pages)
	return nil
}

// IteratePrefix implements Store.
func (m *MemStore) IteratePrefix(prefix []byte, fn func(key, data []byte) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	var keys []string
	for k := range m.pages {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	snapshot := make([]Page, len(keys))
	for i, k := range keys {
		snapshot[i] = Page{Key: []byte(k), Data: m.pages[k]}
	}
	m.mu.RUnlock()

	for _, p := range snapshot {
		if err := fn(p.Key, p.Data); err != nil {
			return err
		}
	}
	return nil
}

// StateRoot implements Store.
func (m *MemStore) StateRoot() (types.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.root, nil
}

// Len returns the number of stored pages.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pages)
}

// Close implements Store.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
