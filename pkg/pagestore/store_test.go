package pagestore

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/X1-Lazypages/internal/types"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()

	cfg := DefaultBadgerConfig("")
	cfg.InMemory = true
	bdb, err := OpenBadger(cfg)
	require.NoError(t, err)

	bolt, err := OpenBolt(DefaultBoltConfig(filepath.Join(t.TempDir(), "pages.db")))
	require.NoError(t, err)

	stores := map[string]Store{
		"mem":    NewMemStore(),
		"badger": bdb,
		"bolt":   bolt,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func TestStoreRoundTrip(t *testing.T) {
	page := bytes.Repeat([]byte{0x11}, 64)
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, found, err := s.LoadPage([]byte("k1"))
			require.NoError(t, err)
			assert.False(t, found)

			root0, err := s.StateRoot()
			require.NoError(t, err)

			require.NoError(t, s.WritePages([]Page{
				{Key: JoinKey([]byte("p"), 1), Data: page},
				{Key: JoinKey([]byte("p"), 0), Data: []byte{1}},
				{Key: JoinKey([]byte("q"), 0), Data: []byte{2}},
			}))

			data, found, err := s.LoadPage(JoinKey([]byte("p"), 1))
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, page, data)

			root1, err := s.StateRoot()
			require.NoError(t, err)
			assert.NotEqual(t, root0, root1)

			var keys [][]byte
			err = s.IteratePrefix([]byte("p"), func(key, _ []byte) error {
				keys = append(keys, append([]byte{}, key...))
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, [][]byte{JoinKey([]byte("p"), 0), JoinKey([]byte("p"), 1)}, keys)

			assert.ErrorIs(t, s.WritePages([]Page{{Data: page}}), ErrEmptyKey)
		})
	}
}

func TestStateRootIsDeterministic(t *testing.T) {
	batch := []Page{{Key: []byte("a"), Data: []byte("1")}}
	a, b := NewMemStore(), NewMemStore()
	require.NoError(t, a.WritePages(batch))
	require.NoError(t, b.WritePages(batch))
	ra, _ := a.StateRoot()
	rb, _ := b.StateRoot()
	assert.Equal(t, ra, rb)
	assert.NotEqual(t, types.Hash{}, ra)
}

func TestClosedStore(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Close())
			_, _, err := s.LoadPage([]byte("k"))
			assert.True(t, errors.Is(err, ErrClosed))
			assert.ErrorIs(t, s.WritePages([]Page{{Key: []byte("k")}}), ErrClosed)
			require.NoError(t, s.Close())
		})
	}
}

func TestBoltReopenKeepsStateRoot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.db")
	s, err := OpenBolt(DefaultBoltConfig(path))
	require.NoError(t, err)
	require.NoError(t, s.WritePages([]Page{{Key: []byte("k"), Data: []byte("v")}}))
	root, _ := s.StateRoot()
	require.NoError(t, s.Close())

	s, err = OpenBolt(DefaultBoltConfig(path))
	require.NoError(t, err)
	defer s.Close()
	got, _ := s.StateRoot()
	assert.Equal(t, root, got)
}

func TestBadgerReopenKeepsPages(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenBadger(DefaultBadgerConfig(dir))
	require.NoError(t, err)
	page := make([]byte, 4096)
	page[100] = 7
	require.NoError(t, s.WritePages([]Page{{Key: []byte("k"), Data: page}}))
	root, _ := s.StateRoot()
	require.NoError(t, s.Close())

	s, err = OpenBadger(DefaultBadgerConfig(dir))
	require.NoError(t, err)
	defer s.Close()
	data, found, err := s.LoadPage([]byte("k"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, page, data)
	got, _ := s.StateRoot()
	assert.Equal(t, root, got)
}

func TestLoader(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.WritePages([]Page{
		{Key: []byte("good"), Data: bytes.Repeat([]byte{5}, 16)},
		{Key: []byte("short"), Data: []byte{5}},
	}))
	l := NewLoader(s, 16)

	dst := make([]byte, 16)
	found, err := l.Load([]byte("good"), dst)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, bytes.Repeat([]byte{5}, 16), dst)

	dst = make([]byte, 16)
	found, err = l.Load([]byte("missing"), dst)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, make([]byte, 16), dst)

	_, err = l.Load([]byte("short"), dst)
	var sizeErr *InvalidPageDataSizeError
	require.True(t, errors.As(err, &sizeErr))
	assert.Equal(t, uint32(16), sizeErr.Expected)
	assert.Equal(t, uint32(1), sizeErr.Actual)
}
