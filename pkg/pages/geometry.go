package pages

import (
	"errors"
	"fmt"
)

var (
	// ErrSignalAddrLessThanWasmMemAddr is returned when a fault address lies below
	// the start of the guest buffer.
	ErrSignalAddrLessThanWasmMemAddr = errors.New("signal address is less than wasm memory address")

	// ErrOutOfWasmMemoryAccess is returned when an address or interval is past the
	// end of the guest buffer.
	ErrOutOfWasmMemoryAccess = errors.New("accessed memory interval is out of wasm memory")
)

// Geometry reconciles the logical gear page size with the native protection
// granularity.
type Geometry struct {
	gearPageSize   uint32
	nativePageSize uint32
}

// NewGeometry returns a geometry for the given gear and native page sizes.
func NewGeometry(gearPageSize, nativePageSize uint32) (Geometry, error) {
	if !isPowerOfTwo(gearPageSize) {
		return Geometry{}, fmt.Errorf("%w: gear page size %d", ErrInvalidPageSize, gearPageSize)
	}
	if !isPowerOfTwo(nativePageSize) {
		return Geometry{}, fmt.Errorf("%w: native page size %d", ErrInvalidPageSize, nativePageSize)
	}
	return Geometry{gearPageSize: gearPageSize, nativePageSize: nativePageSize}, nil
}

// GearPageSize returns the logical page size.
func (g Geometry) GearPageSize() uint32 { return g.gearPageSize }

// NativePageSize returns the protection granularity.
func (g Geometry) NativePageSize() uint32 { return g.nativePageSize }

// LazyPageSize returns the size of the smallest independently protectable unit.
func (g Geometry) LazyPageSize() uint32 {
	if g.nativePageSize > g.gearPageSize {
		return g.nativePageSize
	}
	return g.gearPageSize
}

// GearPagesPerLazyPage returns how many gear pages are unprotected together.
func (g Geometry) GearPagesPerLazyPage() uint32 {
	return g.LazyPageSize() / g.gearPageSize
}

// Offset returns the byte offset of the first byte of p.
func (g Geometry) Offset(p GearPage) uint32 {
	return uint32(p) * g.gearPageSize
}

// PageOf returns the gear page that contains offset.
func (g Geometry) PageOf(offset uint32) GearPage {
	return GearPage(offset / g.gearPageSize)
}

// CheckPage returns ErrPageOverflow if p has bytes past the 32-bit address space.
func (g Geometry) CheckPage(p GearPage) error {
	end := uint64(p)*uint64(g.gearPageSize) + uint64(g.gearPageSize)
	if end > 1<<32 {
		return fmt.Errorf("%w: %v", ErrPageOverflow, p)
	}
	return nil
}

// Region is a contiguous, lazy-page aligned range of guest memory.
type Region struct {
	// First is the first gear page in the region.
	First GearPage

	// Count is the number of gear pages in the region.
	Count uint32

	// Offset is the byte offset of the region from the buffer start.
	Offset uint32

	// Size is the byte length of the region.
	Size uint32
}

// Pages returns the gear pages of the region in ascending order.
func (r Region) Pages() []GearPage {
	out := make([]GearPage, r.Count)
	for i := range out {
		out[i] = r.First + GearPage(i)
	}
	return out
}

// Contains reports whether p lies in the region.
func (r Region) Contains(p GearPage) bool {
	return p >= r.First && uint32(p-r.First) < r.Count
}

// RegionOf returns the lazy-page region that contains p.
func (g Geometry) RegionOf(p GearPage) Region {
	lazy := g.LazyPageSize()
	offset := (g.Offset(p) / lazy) * lazy
	return Region{
		First:  g.PageOf(offset),
		Count:  g.GearPagesPerLazyPage(),
		Offset: offset,
		Size:   lazy,
	}
}

// RegionAt returns the lazy-page region containing the byte at offset, checking that
// the region fits into a memory of memSize bytes.
func (g Geometry) RegionAt(offset, memSize uint32) (Region, error) {
	if offset >= memSize {
		return Region{}, fmt.Errorf("%w: offset %#x, memory size %#x", ErrOutOfWasmMemoryAccess, offset, memSize)
	}
	r := g.RegionOf(g.PageOf(offset))
	if uint64(r.Offset)+uint64(r.Size) > uint64(memSize) {
		return Region{}, fmt.Errorf("%w: region [%#x, %#x), memory size %#x",
			ErrOutOfWasmMemoryAccess, r.Offset, uint64(r.Offset)+uint64(r.Size), memSize)
	}
	return r, nil
}

// Resolve maps a host fault address to the region that must be unprotected.
// base is the current host address of the guest buffer and memSize its length.
func (g Geometry) Resolve(addr, base uintptr, memSize uint32) (Region, error) {
	if addr < base {
		return Region{}, fmt.Errorf("%w: addr %#x, wasm memory [%#x, %#x)",
			ErrSignalAddrLessThanWasmMemAddr, addr, base, base+uintptr(memSize))
	}
	delta := addr - base
	if delta >= uintptr(memSize) {
		return Region{}, fmt.Errorf("%w: addr %#x, wasm memory [%#x, %#x)",
			ErrOutOfWasmMemoryAccess, addr, base, base+uintptr(memSize))
	}
	return g.RegionAt(uint32(delta), memSize)
}

// RegionsFor returns the distinct regions that intersect [offset, offset+size).
func (g Geometry) RegionsFor(offset, size, memSize uint32) ([]Region, error) {
	if size == 0 {
		return nil, nil
	}
	end := uint64(offset) + uint64(size)
	if end > uint64(memSize) {
		return nil, fmt.Errorf("%w: interval [%#x, %#x), memory size %#x",
			ErrOutOfWasmMemoryAccess, offset, end, memSize)
	}
	var out []Region
	for cur := uint64(offset); cur < end; {
		r, err := g.RegionAt(uint32(cur), memSize)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
		cur = uint64(r.Offset) + uint64(r.Size)
	}
	return out, nil
}
