// Package pagestore persists guest memory pages keyed by program and page number.
//
// The lazy-pages fault path only reads through PageStorage. Executors persist dirty
// pages through PageWriter once an execution has finished.
package pagestore

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/X1-Lazypages/internal/types"
)

var (
	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("page store closed")

	// ErrEmptyKey is returned for a zero length page key.
	ErrEmptyKey = errors.New("page key is empty")
)

// InvalidPageDataSizeError is returned when stored page data is not exactly one
// gear page long.
type InvalidPageDataSizeError struct {
	Expected uint32
	Actual   uint32
}

// Error implements the error interface.
func (e *InvalidPageDataSizeError) Error() string {
	return fmt.Sprintf("invalid page data size: expected %d, actual %d", e.Expected, e.Actual)
}

// Page is a stored page: key and data.
type Page struct {
	Key  []byte
	Data []byte
}

// PageStorage reads page data by key.
type PageStorage interface {
	// LoadPage returns the data stored under key. found is false if there is none.
	LoadPage(key []byte) (data []byte, found bool, err error)
}

// PageWriter persists pages.
type PageWriter interface {
	// WritePages stores pages atomically.
	WritePages(pages []Page) error
}

// Store is a full page store backend.
type Store interface {
	PageStorage
	PageWriter

	// IteratePrefix calls fn for every page whose key starts with prefix, in key
	// order. Slices passed to fn are only valid during the call.
	IteratePrefix(prefix []byte, fn func(key, data []byte) error) error

	// StateRoot returns a digest that changes with every write.
	StateRoot() (types.Hash, error)

	Close() error
}

// Loader reads pages into guest memory, enforcing the page size.
type Loader struct {
	storage  PageStorage
	pageSize uint32
}

// NewLoader returns a loader for pages of pageSize bytes.
func NewLoader(storage PageStorage, pageSize uint32) *Loader {
	return &Loader{storage: storage, pageSize: pageSize}
}

// PageSize returns the expected page data size.
func (l *Loader) PageSize() uint32 {
	return l.pageSize
}

// Load copies the page stored under key into dst, which must be one page long.
// found is false when the storage has no data; dst is left untouched then.
func (l *Loader) Load(key []byte, dst []byte) (found bool, err error) {
	data, found, err := l.storage.LoadPage(key)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if uint32(len(data)) != l.pageSize {
		return false, &InvalidPageDataSizeError{Expected: l.pageSize, Actual: uint32(len(data))}
	}
	copy(dst, data)
	return true, nil
}

// nextStateRoot folds a write batch into the previous root.
func nextStateRoot(prev types.Hash, pages []Page) types.Hash {
	n := len(prev)
	for _, p := range pages {
		n += 8 + len(p.Key) + len(p.Data)
	}
	buf := make([]byte, 0, n)
	buf = append(buf, prev[:]...)
	for _, p := range pages {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p.Key)))
		buf = append(buf, p.Key...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p.Data)))
		buf = append(buf, p.Data...)
	}
	return types.ComputeHash(buf)
}
