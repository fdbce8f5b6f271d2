package wasmmem

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGrowWithinReservationKeepsBase(t *testing.T) {
	ps := uint64(os.Getpagesize())
	m, err := New(ps, 8*ps)
	require.NoError(t, err)
	defer m.Free()

	base := m.Base()
	m.Bytes()[0] = 0xAB

	moved, err := m.Grow(4 * ps)
	require.NoError(t, err)
	require.False(t, moved)
	require.Equal(t, base, m.Base())
	require.Equal(t, 4*ps, m.Len())
	require.Equal(t, byte(0xAB), m.Bytes()[0])

	// Newly committed memory is writable.
	m.Bytes()[4*ps-1] = 1
}

func TestGrowBeyondReservationRelocates(t *testing.T) {
	ps := uint64(os.Getpagesize())
	m, err := New(ps, ps)
	require.NoError(t, err)
	defer m.Free()

	copy(m.Bytes(), []byte("page data"))
	base := m.Base()

	moved, err := m.Grow(3 * ps)
	require.NoError(t, err)
	require.True(t, moved)
	require.NotEqual(t, base, m.Base())
	require.Equal(t, []byte("page data"), m.Bytes()[:9])
	require.GreaterOrEqual(t, m.Reserved(), 3*ps)
}

func TestReallocate(t *testing.T) {
	ps := uint64(os.Getpagesize())
	var a Allocator
	lm := a.Allocate(0, 4*ps)
	require.Same(t, lm, a.Last())

	buf := lm.Reallocate(100)
	require.Len(t, buf, 100)
	require.Equal(t, int(ps), cap(buf))

	require.Nil(t, lm.Reallocate(MaxSize+1))

	lm.Free()
	lm.Free()
	_, err := a.Last().Grow(ps)
	require.ErrorIs(t, err, ErrFreed)
}

func TestNewRejectsOversize(t *testing.T) {
	_, err := New(MaxSize+1, 0)
	require.ErrorIs(t, err, ErrTooLarge)
}
