package pages

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewGeometryRejectsBadSizes(t *testing.T) {
	for _, tc := range []struct{ gear, native uint32 }{
		{0, 4096},
		{4096, 0},
		{3000, 4096},
		{4096, 12288},
	} {
		_, err := NewGeometry(tc.gear, tc.native)
		require.ErrorIs(t, err, ErrInvalidPageSize, "gear=%d native=%d", tc.gear, tc.native)
	}
}

// For every native:gear ratio, a fault anywhere in the buffer must resolve to exactly
// the gear pages sharing the faulting lazy page.
func TestResolveCoversExactlyTheLazyPage(t *testing.T) {
	const base = uintptr(0x7f0000000000)
	const unit = uint32(4096)

	type ratio struct {
		name   string
		gear   uint32
		native uint32
	}
	var ratios []ratio
	ratios = append(ratios, ratio{"1:1", unit, unit})
	for _, n := range []uint32{2, 4, 8} {
		ratios = append(ratios,
			ratio{fmt.Sprintf("%d:1", n), unit, unit * n},
			ratio{fmt.Sprintf("1:%d", n), unit * n, unit},
		)
	}

	for _, tc := range ratios {
		t.Run(tc.name, func(t *testing.T) {
			g, err := NewGeometry(tc.gear, tc.native)
			require.NoError(t, err)

			lazy := g.LazyPageSize()
			memSize := lazy * 8
			want := g.GearPagesPerLazyPage()

			for _, off := range []uint32{0, 1, lazy - 1, lazy, lazy + lazy/2, memSize - 1} {
				r, err := g.Resolve(base+uintptr(off), base, memSize)
				require.NoError(t, err, "offset %#x", off)

				require.Equal(t, want, r.Count)
				require.Equal(t, lazy, r.Size)
				require.Zero(t, r.Offset%lazy)
				require.LessOrEqual(t, r.Offset, off)
				require.Greater(t, r.Offset+r.Size, off)

				faulting := g.PageOf(off)
				require.True(t, r.Contains(faulting))

				// No page outside [Offset, Offset+Size) is included.
				for _, p := range r.Pages() {
					require.GreaterOrEqual(t, g.Offset(p), r.Offset)
					require.Less(t, g.Offset(p), r.Offset+r.Size)
				}
				require.Len(t, r.Pages(), int(want))
			}
		})
	}
}

func TestResolveNativeLargerThanGear(t *testing.T) {
	g, err := NewGeometry(4096, 16384)
	require.NoError(t, err)

	r, err := g.Resolve(0x10000+5*4096+7, 0x10000, 64*1024)
	require.NoError(t, err)
	require.Equal(t, []GearPage{4, 5, 6, 7}, r.Pages())
	require.Equal(t, uint32(16384), r.Offset)
}

func TestResolveGearLargerThanNative(t *testing.T) {
	g, err := NewGeometry(16384, 4096)
	require.NoError(t, err)

	r, err := g.Resolve(0x10000+16384+3*4096, 0x10000, 64*1024)
	require.NoError(t, err)
	require.Equal(t, []GearPage{1}, r.Pages())
	require.Equal(t, uint32(16384), r.Size)
}

func TestResolveRejectsForeignAddresses(t *testing.T) {
	g, err := NewGeometry(GearPageSize, 4096)
	require.NoError(t, err)

	_, err = g.Resolve(0x0fff, 0x1000, 64*1024)
	require.ErrorIs(t, err, ErrSignalAddrLessThanWasmMemAddr)

	_, err = g.Resolve(0x1000+64*1024, 0x1000, 64*1024)
	require.ErrorIs(t, err, ErrOutOfWasmMemoryAccess)
	require.False(t, errors.Is(err, ErrSignalAddrLessThanWasmMemAddr))
}

func TestResolveRejectsTruncatedRegion(t *testing.T) {
	g, err := NewGeometry(4096, 16384)
	require.NoError(t, err)

	// The last lazy page would extend past the end of a 20 KiB buffer.
	_, err = g.Resolve(0x1000+17*1024, 0x1000, 20*1024)
	require.ErrorIs(t, err, ErrOutOfWasmMemoryAccess)
}

func TestRegionsFor(t *testing.T) {
	g, err := NewGeometry(16384, 4096)
	require.NoError(t, err)

	rs, err := g.RegionsFor(16384-1, 2, 64*1024)
	require.NoError(t, err)
	require.Len(t, rs, 2)
	require.Equal(t, GearPage(0), rs[0].First)
	require.Equal(t, GearPage(1), rs[1].First)

	rs, err = g.RegionsFor(0, 0, 64*1024)
	require.NoError(t, err)
	require.Empty(t, rs)

	_, err = g.RegionsFor(64*1024-1, 2, 64*1024)
	require.ErrorIs(t, err, ErrOutOfWasmMemoryAccess)
}

func TestWasmPageGearPages(t *testing.T) {
	require.Equal(t, []GearPage{4, 5, 6, 7}, WasmPage(1).GearPages(GearPageSize))
	require.Equal(t, SortPages([]GearPage{3, 1, 2}), []GearPage{1, 2, 3})
}
