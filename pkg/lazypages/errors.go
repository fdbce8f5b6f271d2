package lazypages

import (
	"errors"
	"fmt"

	"github.com/fortiblox/X1-Lazypages/pkg/pages"
)

var (
	// ErrUnsupported is returned when lazy pages cannot run on this host.
	ErrUnsupported = errors.New("lazy pages are not supported on this host")

	// ErrInvalidConfig is returned for an unusable configuration.
	ErrInvalidConfig = errors.New("invalid lazy pages configuration")

	// ErrRuntimeBusy is returned by Begin on a runtime that is already active.
	ErrRuntimeBusy = errors.New("lazy pages runtime is already active")

	// ErrNotActive is returned when using a runtime outside Begin/End.
	ErrNotActive = errors.New("lazy pages runtime is not active")

	// ErrProgramNotInitialized is returned before InitForProgram.
	ErrProgramNotInitialized = errors.New("lazy pages are not initialized for a program")

	// ErrWasmMemAddrIsNotSet is returned when no guest buffer is known.
	ErrWasmMemAddrIsNotSet = errors.New("wasm memory address is not set")

	// ErrWasmMemAddrMismatch is returned when re-arming with a stale buffer address.
	ErrWasmMemAddrMismatch = errors.New("old wasm memory address does not match the current one")

	// ErrUnalignedMemory is returned when the guest buffer is not lazy-page aligned.
	ErrUnalignedMemory = errors.New("wasm memory size is not aligned to lazy page size")

	// ErrUnalignedStackEnd is returned when the stack end is not lazy-page aligned.
	ErrUnalignedStackEnd = errors.New("stack end is not aligned to lazy page size")

	// ErrUnalignedLazyPages is returned when lazy pages do not cover whole lazy-page
	// regions.
	ErrUnalignedLazyPages = errors.New("lazy pages do not cover whole protection regions")

	// ErrNonLazyPage is returned when a protected page is neither lazy nor released.
	ErrNonLazyPage = errors.New("accessed page is not a lazy page")

	// ErrMixedRegion is returned when a region holds both lazy and released pages.
	ErrMixedRegion = errors.New("region holds both lazy and released pages")

	// ErrStackMemoryAccess is returned for a fault below the stack end.
	ErrStackMemoryAccess = errors.New("fault in stack memory")

	// ErrDoubleRelease is matched by *DoubleReleaseError.
	ErrDoubleRelease = errors.New("page is released twice")

	// ErrGlobalsAccess wraps failures to read or write gas globals.
	ErrGlobalsAccess = errors.New("cannot access gas globals")

	// ErrFaultLoop is returned when an access keeps faulting after its pages were
	// released.
	ErrFaultLoop = errors.New("memory access keeps faulting")

	// ErrOutOfBounds is returned for guest accesses past the end of memory.
	ErrOutOfBounds = errors.New("memory access out of bounds")
)

// UnknownMemoryError is returned for a fault the lazy-pages handler does not own.
type UnknownMemoryError struct {
	Addr uintptr
	Base uintptr
	Size uint32
	Err  error
}

// Error implements the error interface.
func (e *UnknownMemoryError) Error() string {
	return fmt.Sprintf("fault at %#x is not in wasm memory [%#x, %#x): %v",
		e.Addr, e.Base, e.Base+uintptr(e.Size), e.Err)
}

// Unwrap returns the underlying error.
func (e *UnknownMemoryError) Unwrap() error {
	return e.Err
}

// DoubleReleaseError is returned when a page would be released a second time.
type DoubleReleaseError struct {
	Page pages.GearPage
}

// Error implements the error interface.
func (e *DoubleReleaseError) Error() string {
	return fmt.Sprintf("%v is released twice", e.Page)
}

// Is reports whether target is ErrDoubleRelease.
func (e *DoubleReleaseError) Is(target error) bool {
	return target == ErrDoubleRelease
}
