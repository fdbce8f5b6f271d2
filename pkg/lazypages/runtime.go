// Package lazypages implements demand paged guest memory.
//
// Pages of the guest linear memory start protected. The first access to a page
// faults; the fault is caught (see package sys), the page data is loaded from
// storage, the access is charged against gas globals of the guest instance and the
// page is made accessible. After the guest returns, PostExecutionActions reports
// which released pages were modified so that only those are persisted.
//
// A Runtime holds the state of one execution at a time and must be used from a
// single goroutine between Begin and End.
package lazypages

import (
	"bytes"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/fortiblox/X1-Lazypages/internal/types"
	"github.com/fortiblox/X1-Lazypages/pkg/lazypages/globals"
	"github.com/fortiblox/X1-Lazypages/pkg/lazypages/mprotect"
	"github.com/fortiblox/X1-Lazypages/pkg/lazypages/sys"
	"github.com/fortiblox/X1-Lazypages/pkg/pages"
	"github.com/fortiblox/X1-Lazypages/pkg/pagestore"
)

// Enable reports whether lazy pages work on this host. When it returns false
// executors must load program memory eagerly.
func Enable() bool {
	return sys.Supported()
}

// ProgramInfo describes the program memory of one execution.
type ProgramInfo struct {
	// Buffer is the committed guest linear memory.
	Buffer []byte

	// StackEnd is the byte offset where the guest shadow stack ends. Pages below
	// it are never protected.
	StackEnd uint32

	// ProgramID and MemoryInfix derive storage keys.
	ProgramID   types.ProgramID
	MemoryInfix uint32

	// ProgramStoragePrefix selects the legacy key scheme, prefix || page, when set.
	ProgramStoragePrefix []byte

	// Globals references the instance that holds the gas counters.
	Globals globals.Context

	// Weights override the configured weights when set.
	Weights *Weights
}

// DirtyPage is a released page whose content changed.
type DirtyPage struct {
	Page pages.GearPage
	Key  []byte
	Data []byte
}

// PostExecution is the outcome of an execution's page accesses.
type PostExecution struct {
	Status   Status
	Released []pages.GearPage
	Clean    []pages.GearPage
	Dirty    []DirtyPage

	// Old holds the content of every released page as installed at release.
	Old map[pages.GearPage][]byte

	// Err is the fatal error that aborted the execution, if any. Dirty pages of
	// such an execution must not be persisted.
	Err error
}

// Runtime coordinates protection, fault handling and charging for executions.
type Runtime struct {
	cfg     Config
	geom    pages.Geometry
	loader  *pagestore.Loader
	prot    *mprotect.Controller
	charger GasCharger
	log     *logrus.Entry

	active atomic.Bool
	ctx    *execContext
}

// NewRuntime returns a runtime reading page data from storage.
func NewRuntime(cfg Config, storage pagestore.PageStorage) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	geom, err := pages.NewGeometry(cfg.GearPageSize, cfg.nativePageSize())
	if err != nil {
		return nil, err
	}
	var logger logrus.FieldLogger = logrus.StandardLogger()
	if cfg.Logger != nil {
		logger = cfg.Logger
	}
	return &Runtime{
		cfg:     cfg,
		geom:    geom,
		loader:  pagestore.NewLoader(storage, cfg.GearPageSize),
		prot:    mprotect.New(),
		charger: GasCharger{GasGlobal: cfg.GasGlobal, AllowanceGlobal: cfg.AllowanceGlobal},
		log:     logger.WithField("module", "lazypages"),
	}, nil
}

// Geometry returns the page geometry.
func (r *Runtime) Geometry() pages.Geometry {
	return r.geom
}

// Begin starts an execution scope and pins the calling goroutine to its thread.
func (r *Runtime) Begin() error {
	if !Enable() {
		return ErrUnsupported
	}
	if !r.active.CompareAndSwap(false, true) {
		return ErrRuntimeBusy
	}
	runtime.LockOSThread()
	return nil
}

// End removes all protection, drops the execution state and unpins the goroutine.
// It must be called on the goroutine that called Begin, before the guest buffer is
// freed.
func (r *Runtime) End() error {
	if !r.active.Load() {
		return nil
	}
	err := r.RemoveLazyPagesProt()
	r.ctx = nil
	r.prot.SetBuffer(nil)
	runtime.UnlockOSThread()
	r.active.Store(false)
	return err
}

func (r *Runtime) execContext() (*execContext, error) {
	if !r.active.Load() {
		return nil, ErrNotActive
	}
	if r.ctx == nil {
		return nil, ErrProgramNotInitialized
	}
	return r.ctx, nil
}

// InitForProgram resets the execution state for a program.
func (r *Runtime) InitForProgram(info ProgramInfo) error {
	if !r.active.Load() {
		return ErrNotActive
	}
	if len(info.Buffer) == 0 {
		return ErrWasmMemAddrIsNotSet
	}
	lazy := r.geom.LazyPageSize()
	if uint64(len(info.Buffer)) > pages.MaxWasmPages*pages.WasmPageSize || uint32(len(info.Buffer))%lazy != 0 {
		return fmt.Errorf("%w: size %#x, lazy page size %#x", ErrUnalignedMemory, len(info.Buffer), lazy)
	}
	if info.StackEnd%lazy != 0 || uint64(info.StackEnd) > uint64(len(info.Buffer)) {
		return fmt.Errorf("%w: stack end %#x", ErrUnalignedStackEnd, info.StackEnd)
	}
	if r.ctx != nil {
		if err := r.prot.UnprotectAll(); err != nil {
			return err
		}
	}

	ctx := newExecContext()
	ctx.stackEnd = r.geom.PageOf(info.StackEnd)
	ctx.globals = info.Globals
	ctx.weights = r.cfg.Weights
	if info.Weights != nil {
		ctx.weights = *info.Weights
	}
	if info.ProgramStoragePrefix != nil {
		ctx.prefix = pagestore.NewLegacyPrefix(info.ProgramStoragePrefix)
	} else {
		ctx.prefix = pagestore.NewDerivedPrefix(info.ProgramID, info.MemoryInfix)
	}

	r.prot.SetBuffer(info.Buffer)
	r.ctx = ctx
	r.log.WithFields(logrus.Fields{
		"program":   info.ProgramID,
		"size":      len(info.Buffer),
		"stack_end": info.StackEnd,
		"legacy":    info.ProgramStoragePrefix != nil,
	}).Debug("Initialized lazy pages for program")
	return nil
}

// ProtectAndInitInfo protects lazyPages and records them as not yet loaded. Pages
// below the stack end are ignored.
func (r *Runtime) ProtectAndInitInfo(lazyPages []pages.GearPage) error {
	ctx, err := r.execContext()
	if err != nil {
		return err
	}
	if err := r.prot.UnprotectAll(); err != nil {
		return err
	}
	ctx.lazy = make(map[pages.GearPage]struct{}, len(lazyPages))
	return r.addLazyPages(ctx, lazyPages)
}

// ExtendLazyPages protects pages added to the memory after initialization, such
// as the pages of a grown memory.
func (r *Runtime) ExtendLazyPages(lazyPages []pages.GearPage) error {
	ctx, err := r.execContext()
	if err != nil {
		return err
	}
	if ctx.fatal != nil {
		return ctx.fatal
	}
	return r.addLazyPages(ctx, lazyPages)
}

func (r *Runtime) addLazyPages(ctx *execContext, lazyPages []pages.GearPage) error {
	memSize := uint64(r.prot.Size())
	ps := uint64(r.geom.GearPageSize())
	added := make(map[pages.GearPage]struct{}, len(lazyPages))
	for _, p := range lazyPages {
		if p < ctx.stackEnd {
			continue
		}
		if uint64(p)*ps+ps > memSize {
			return fmt.Errorf("%w: lazy %v, memory size %#x", ErrOutOfBounds, p, memSize)
		}
		if _, ok := ctx.released[p]; ok {
			return &DoubleReleaseError{Page: p}
		}
		added[p] = struct{}{}
	}
	for p := range added {
		for _, q := range r.geom.RegionOf(p).Pages() {
			_, now := added[q]
			_, before := ctx.lazy[q]
			if !now && !before {
				return fmt.Errorf("%w: %v is lazy, %v is not", ErrUnalignedLazyPages, p, q)
			}
		}
	}
	for p := range added {
		ctx.lazy[p] = struct{}{}
	}
	if err := r.protectRuns(pages.SetToSlice(added), mprotect.ProtNone); err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{"added": len(added), "lazy": len(ctx.lazy)}).Debug("Protected lazy pages")
	return nil
}

// protectRuns applies prot to the regions of sorted pages, merging adjacent ones.
func (r *Runtime) protectRuns(sorted []pages.GearPage, prot mprotect.Prot) error {
	var start, end uint32
	flush := func() error {
		if end == start {
			return nil
		}
		return r.prot.Protect(start, end-start, prot)
	}
	for _, p := range sorted {
		region := r.geom.RegionOf(p)
		switch {
		case region.Offset < end:
			// Same region as the previous page.
		case region.Offset == end && end != start:
			end = region.Offset + region.Size
		default:
			if err := flush(); err != nil {
				return err
			}
			start, end = region.Offset, region.Offset+region.Size
		}
	}
	return flush()
}

// PostExecutionActions compares every released page with the data installed at
// release time, removes all protection and returns the outcome.
func (r *Runtime) PostExecutionActions() (*PostExecution, error) {
	ctx, err := r.execContext()
	if err != nil {
		return nil, err
	}
	if err := r.RemoveLazyPagesProt(); err != nil {
		return nil, err
	}

	buf := r.prot.Buffer()
	ps := r.geom.GearPageSize()
	out := &PostExecution{
		Status: ctx.status,
		Old:    make(map[pages.GearPage][]byte, len(ctx.released)),
		Err:    ctx.fatal,
	}
	for _, p := range pages.SetToSlice(ctx.released) {
		rp := ctx.released[p]
		out.Released = append(out.Released, p)
		out.Old[p] = rp.old

		off := r.geom.Offset(p)
		cur := buf[off : off+ps]
		if bytes.Equal(cur, rp.old) {
			out.Clean = append(out.Clean, p)
			continue
		}
		out.Dirty = append(out.Dirty, DirtyPage{
			Page: p,
			Key:  append([]byte(nil), ctx.prefix.KeyForPage(p)...),
			Data: append([]byte(nil), cur...),
		})
	}

	r.log.WithFields(logrus.Fields{
		"status":   ctx.status,
		"released": len(out.Released),
		"dirty":    len(out.Dirty),
		"fatal":    out.Err != nil,
	}).Debug("Reconciled released pages")
	return out, nil
}

// ProtectLazyPagesAndUpdateWasmMemAddr re-arms protection after the guest buffer
// changed. oldAddr must be the address the runtime knows; buf is the new buffer.
// RemoveLazyPagesProt must have been called before the buffer was touched.
func (r *Runtime) ProtectLazyPagesAndUpdateWasmMemAddr(oldAddr uintptr, buf []byte) error {
	ctx, err := r.execContext()
	if err != nil {
		return err
	}
	if r.prot.Base() != oldAddr {
		return fmt.Errorf("%w: old %#x, current %#x", ErrWasmMemAddrMismatch, oldAddr, r.prot.Base())
	}
	if len(buf) == 0 {
		return ErrWasmMemAddrIsNotSet
	}
	if uint32(len(buf))%r.geom.LazyPageSize() != 0 || len(buf) < int(r.prot.Size()) {
		return fmt.Errorf("%w: size %#x", ErrUnalignedMemory, len(buf))
	}

	r.prot.SetBuffer(buf)
	if ctx.fatal != nil {
		if err := r.prot.Protect(0, r.prot.Size(), mprotect.ProtNone); err != nil {
			return err
		}
		return ctx.fatal
	}
	if err := r.protectRuns(pages.SetToSlice(ctx.lazy), mprotect.ProtNone); err != nil {
		return err
	}
	var readOnly []pages.GearPage
	for _, p := range pages.SetToSlice(ctx.released) {
		if !ctx.released[p].written {
			readOnly = append(readOnly, p)
		}
	}
	if err := r.protectRuns(readOnly, mprotect.ProtRead); err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{
		"old":  fmt.Sprintf("%#x", oldAddr),
		"new":  fmt.Sprintf("%#x", r.prot.Base()),
		"size": len(buf),
	}).Debug("Re-armed lazy pages protection")
	return nil
}

// RemoveLazyPagesProt makes the whole guest buffer accessible. It is a no-op
// without a buffer and safe to call repeatedly.
func (r *Runtime) RemoveLazyPagesProt() error {
	return r.prot.UnprotectAll()
}

// GetLazyPagesNumbers returns the pages that are still protected and not loaded.
func (r *Runtime) GetLazyPagesNumbers() []pages.GearPage {
	if r.ctx == nil {
		return nil
	}
	return pages.SetToSlice(r.ctx.lazy)
}

// Err returns the fatal error of the current execution, if any.
func (r *Runtime) Err() error {
	if r.ctx == nil {
		return nil
	}
	return r.ctx.fatal
}

// failCurrent records err as fatal for the current execution.
func (r *Runtime) failCurrent(err error) error {
	if r.ctx == nil {
		return err
	}
	return r.fail(r.ctx, err)
}

// Status returns the gas status of the current execution.
func (r *Runtime) Status() Status {
	if r.ctx == nil {
		return StatusNormal
	}
	return r.ctx.status
}

// ReleasedPages returns the pages released during the current execution.
func (r *Runtime) ReleasedPages() []pages.GearPage {
	if r.ctx == nil {
		return nil
	}
	return pages.SetToSlice(r.ctx.released)
}

// AccessedPages returns the pages host functions declared accesses to.
func (r *Runtime) AccessedPages() []AccessedPage {
	if r.ctx == nil {
		return nil
	}
	out := make([]AccessedPage, 0, len(r.ctx.accessed))
	for _, p := range pages.SetToSlice(r.ctx.accessed) {
		out = append(out, AccessedPage{Page: p, Kind: r.ctx.accessed[p]})
	}
	return out
}

// GasLeft reads the gas and allowance counters of the current instance.
func (r *Runtime) GasLeft() (gas, allowance uint64, err error) {
	ctx, err := r.execContext()
	if err != nil {
		return 0, 0, err
	}
	return r.charger.GasLeft(ctx.globals)
}
