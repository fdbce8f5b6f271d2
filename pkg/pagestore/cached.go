package pagestore

import (
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/fortiblox/X1-Lazypages/internal/types"
	"github.com/fortiblox/X1-Lazypages/pkg/pages"
)

// Cache defaults.
const (
	// DefaultCacheRegions is the default number of memoized regions.
	DefaultCacheRegions = 1024

	// DefaultRegionPages is the default number of adjacent pages fetched together.
	DefaultRegionPages = 8
)

// ErrInvalidCacheConfig is returned for a cache configuration that cannot be used.
var ErrInvalidCacheConfig = errors.New("invalid page cache configuration")

// BatchPageStorage is implemented by storages that can load several pages per call.
type BatchPageStorage interface {
	PageStorage
	LoadPages(keys [][]byte) (data [][]byte, found []bool, err error)
}

// CacheConfig configures CachedStorage.
type CacheConfig struct {
	// Regions is the number of regions kept in the LRU.
	Regions int `mapstructure:"regions"`

	// RegionPages is the number of adjacent pages per region. Must be a power of two.
	RegionPages uint32 `mapstructure:"region_pages"`
}

// DefaultCacheConfig returns the default cache configuration.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{Regions: DefaultCacheRegions, RegionPages: DefaultRegionPages}
}

// Validate checks the configuration.
func (c CacheConfig) Validate() error {
	if c.Regions <= 0 {
		return fmt.Errorf("%w: regions must be positive", ErrInvalidCacheConfig)
	}
	if c.RegionPages == 0 || c.RegionPages&(c.RegionPages-1) != 0 {
		return fmt.Errorf("%w: region pages must be a power of two", ErrInvalidCacheConfig)
	}
	return nil
}

// region holds the pages of one region; absent pages have no entry.
type region map[pages.GearPage][]byte

// CachedStorage memoizes regions of adjacent pages sharing a key prefix. Reads
// through it return exactly what the wrapped storage returns.
type CachedStorage struct {
	storage     PageStorage
	regionPages uint32
	cache       *lru.Cache

	mu   sync.Mutex
	root types.Hash

	hits, misses uint64
}

// NewCachedStorage wraps storage.
func NewCachedStorage(storage PageStorage, cfg CacheConfig) (*CachedStorage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cache, err := lru.New(cfg.Regions)
	if err != nil {
		return nil, fmt.Errorf("create region cache: %w", err)
	}
	return &CachedStorage{
		storage:     storage,
		regionPages: cfg.RegionPages,
		cache:       cache,
	}, nil
}

// SetStateRoot drops every memoized region when root differs from the last one.
func (c *CachedStorage) SetStateRoot(root types.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if root == c.root {
		return
	}
	c.root = root
	c.cache.Purge()
}

// Stats returns cache hit and miss counts.
func (c *CachedStorage) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// LoadPage implements PageStorage.
func (c *CachedStorage) LoadPage(key []byte) ([]byte, bool, error) {
	prefix, page, ok := SplitKey(key)
	if !ok {
		return c.storage.LoadPage(key)
	}
	first := page &^ pages.GearPage(c.regionPages-1)
	cacheKey := string(JoinKey(prefix, first))

	c.mu.Lock()
	if v, ok := c.cache.Get(cacheKey); ok {
		c.hits++
		c.mu.Unlock()
		data, found := v.(region)[page]
		return data, found, nil
	}
	c.misses++
	c.mu.Unlock()

	r, err := c.fetch(prefix, first)
	if err != nil {
		return nil, false, err
	}
	c.cache.Add(cacheKey, r)
	data, found := r[page]
	return data, found, nil
}

func (c *CachedStorage) fetch(prefix []byte, first pages.GearPage) (region, error) {
	keys := make([][]byte, 0, c.regionPages)
	for i := uint32(0); i < c.regionPages; i++ {
		p := uint64(first) + uint64(i)
		if p > uint64(^uint32(0)) {
			break
		}
		keys = append(keys, JoinKey(prefix, pages.GearPage(p)))
	}

	r := make(region)
	if batch, ok := c.storage.(BatchPageStorage); ok {
		data, found, err := batch.LoadPages(keys)
		if err != nil {
			return nil, err
		}
		for i := range keys {
			if found[i] {
				r[first+pages.GearPage(i)] = data[i]
			}
		}
		return r, nil
	}
	for i, key := range keys {
		data, found, err := c.storage.LoadPage(key)
		if err != nil {
			return nil, err
		}
		if found {
			r[first+pages.GearPage(i)] = data
		}
	}
	return r, nil
}
