// Package pages defines guest memory page numbers and the geometry that maps
// host addresses to them.
//
// Three page sizes are in play:
//   - the WASM page (64 KiB), the unit of memory.grow;
//   - the gear page, the logical unit of storage and gas accounting;
//   - the native page, the host's memory protection granularity.
//
// The gear page and the native page are configured independently. A lazy page is
// max(gear, native) bytes: the smallest range that can be protected as a unit.
package pages

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"
)

// Page size constants.
const (
	// WasmPageSize is the size of a WebAssembly memory page.
	WasmPageSize = 0x10000

	// GearPageSize is the default logical page size: the size of page data in storage.
	GearPageSize = 0x4000

	// MaxWasmPages is the largest number of WASM pages a 32-bit memory can hold.
	MaxWasmPages = 0x10000
)

var (
	// ErrInvalidPageSize is returned for zero or non power of two page sizes.
	ErrInvalidPageSize = errors.New("page size must be a non-zero power of two")

	// ErrPageOverflow is returned when a page would contain bytes past 4 GiB.
	ErrPageOverflow = errors.New("page does not fit into 32-bit memory")
)

// GearPage is the index of a logical page in guest linear memory.
type GearPage uint32

// String implements fmt.Stringer.
func (p GearPage) String() string {
	return fmt.Sprintf("GearPage(%d)", uint32(p))
}

// WasmPage is the index of a 64 KiB WebAssembly page.
type WasmPage uint32

// Offset returns the byte offset of the first byte of the page.
func (w WasmPage) Offset() uint64 {
	return uint64(w) * WasmPageSize
}

// GearPages returns the gear pages covered by the WASM page.
func (w WasmPage) GearPages(gearPageSize uint32) []GearPage {
	per := WasmPageSize / gearPageSize
	if per == 0 {
		per = 1
	}
	first := uint32(w.Offset() / uint64(gearPageSize))
	out := make([]GearPage, 0, per)
	for i := uint32(0); i < per; i++ {
		out = append(out, GearPage(first+i))
	}
	return out
}

// SortPages sorts pages in ascending order in place and returns them.
func SortPages(ps []GearPage) []GearPage {
	sort.Slice(ps, func(i, j int) bool { return ps[i] < ps[j] })
	return ps
}

// SetToSlice returns the keys of a page set in ascending order.
func SetToSlice[V any](set map[GearPage]V) []GearPage {
	out := make([]GearPage, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	return SortPages(out)
}

func isPowerOfTwo(v uint32) bool {
	return v != 0 && bits.OnesCount32(v) == 1
}
