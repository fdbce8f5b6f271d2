package lazypages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/X1-Lazypages/pkg/pages"
)

func TestPreProcessMemoryAccesses(t *testing.T) {
	h := newHarness(t, defaultOptions())
	h.storePage(1, 0x0F)
	require.NoError(t, h.rt.ProtectAndInitInfo([]pages.GearPage{1, 2, 3}))
	ps := hostPageSize()

	// A read spanning pages 1 and 2.
	status, err := h.rt.PreProcessMemoryAccesses([]MemoryInterval{{Offset: 2*ps - 4, Size: 8}}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusNormal, status)
	assert.Equal(t, int64(1000-2*(11+1)), h.gas())
	assert.False(t, h.readFaults(h.offset(1)))
	assert.True(t, h.writeFaults(h.offset(1)))
	assert.Equal(t, byte(0x0F), h.mem.Bytes()[h.offset(1)])

	// A host write to page 1 upgrades it; a second declaration is free.
	status, err = h.rt.PreProcessMemoryAccesses(nil, []MemoryInterval{{Offset: h.offset(1), Size: 1}})
	require.NoError(t, err)
	assert.Equal(t, StatusNormal, status)
	assert.Equal(t, int64(1000-24-16), h.gas())
	assert.False(t, h.writeFaults(h.offset(1)))

	_, err = h.rt.PreProcessMemoryAccesses(nil, []MemoryInterval{{Offset: h.offset(1), Size: 1}})
	require.NoError(t, err)
	assert.Equal(t, int64(1000-24-16), h.gas())

	// Charged sets are shared with the fault path: guest write after host read.
	require.NoError(t, h.rt.Memory().Write8(h.offset(2), 1))
	assert.Equal(t, int64(1000-24-16-15), h.gas())

	assert.Equal(t, []AccessedPage{
		{Page: 1, Kind: AccessReadWrite},
		{Page: 2, Kind: AccessRead},
	}, h.rt.AccessedPages())
	assert.Equal(t, []pages.GearPage{3}, h.rt.GetLazyPagesNumbers())
}

func TestPreProcessSkipsStackAndUnprotectedPages(t *testing.T) {
	o := defaultOptions()
	o.stackEnd = hostPageSize()
	h := newHarness(t, o)
	require.NoError(t, h.rt.ProtectAndInitInfo([]pages.GearPage{3}))

	status, err := h.rt.PreProcessMemoryAccesses(
		[]MemoryInterval{{Offset: 0, Size: 2 * hostPageSize()}},
		[]MemoryInterval{{Offset: h.offset(2), Size: 0}},
	)
	require.NoError(t, err)
	assert.Equal(t, StatusNormal, status)
	assert.Equal(t, int64(1000), h.gas())
	assert.Equal(t, []AccessedPage{{Page: 1, Kind: AccessRead}}, h.rt.AccessedPages())
}

func TestPreProcessOutOfBounds(t *testing.T) {
	h := newHarness(t, defaultOptions())
	require.NoError(t, h.rt.ProtectAndInitInfo(nil))
	_, err := h.rt.PreProcessMemoryAccesses([]MemoryInterval{{Offset: 4*hostPageSize() - 1, Size: 2}}, nil)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestPreProcessStopsOnExhaustion(t *testing.T) {
	o := defaultOptions()
	o.gas = 15
	h := newHarness(t, o)
	require.NoError(t, h.rt.ProtectAndInitInfo([]pages.GearPage{1, 2, 3}))

	status, err := h.rt.PreProcessMemoryAccesses([]MemoryInterval{
		{Offset: h.offset(1), Size: 1},
		{Offset: h.offset(2), Size: 1},
		{Offset: h.offset(3), Size: 1},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusGasLimitExceeded, status)
	assert.Equal(t, int64(0), h.gas())
	assert.Equal(t, []pages.GearPage{1, 2}, h.rt.ReleasedPages())
	assert.Equal(t, []pages.GearPage{3}, h.rt.GetLazyPagesNumbers())
}
