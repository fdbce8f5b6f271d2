package lazypages

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/fortiblox/X1-Lazypages/pkg/lazypages/mprotect"
	"github.com/fortiblox/X1-Lazypages/pkg/pages"
)

// FaultInfo describes an access violation in guest memory.
type FaultInfo struct {
	// Addr is the faulting host address.
	Addr uintptr

	// IsWrite is set for write accesses.
	IsWrite bool
}

// HandleFault makes the region around info.Addr accessible, loading and charging
// its pages on first touch. On success the faulting access can be replayed.
//
// Any error other than running out of gas is fatal to the execution: it is kept,
// the whole guest buffer is protected again and every later fault or host
// function access fails with the same error.
func (r *Runtime) HandleFault(info FaultInfo) error {
	ctx, err := r.execContext()
	if err != nil {
		return err
	}
	if ctx.fatal != nil {
		return ctx.fatal
	}
	base, size := r.prot.Base(), r.prot.Size()
	if base == 0 {
		return r.fail(ctx, ErrWasmMemAddrIsNotSet)
	}
	region, err := r.geom.Resolve(info.Addr, base, size)
	if err != nil {
		return r.fail(ctx, &UnknownMemoryError{Addr: info.Addr, Base: base, Size: size, Err: err})
	}
	if region.First < ctx.stackEnd {
		return r.fail(ctx, &UnknownMemoryError{Addr: info.Addr, Base: base, Size: size, Err: ErrStackMemoryAccess})
	}

	if r.log.Logger.IsLevelEnabled(logrus.TraceLevel) {
		r.log.WithFields(logrus.Fields{
			"addr":   fmt.Sprintf("%#x", info.Addr),
			"write":  info.IsWrite,
			"first":  region.First,
			"count":  region.Count,
			"status": ctx.status,
		}).Trace("Handling memory fault")
	}
	if err := r.processRegion(ctx, region, info.IsWrite, ctx.weights.signal(), false); err != nil {
		return r.fail(ctx, err)
	}
	return nil
}

// fail records err as the fatal error of the execution and protects the whole
// guest buffer so that the guest cannot go on with memory in an unknown state.
func (r *Runtime) fail(ctx *execContext, err error) error {
	if ctx.fatal != nil {
		return ctx.fatal
	}
	ctx.fatal = err
	if perr := r.prot.Protect(0, r.prot.Size(), mprotect.ProtNone); perr != nil {
		r.log.WithError(perr).Error("Failed to protect guest memory after fatal error")
	}
	r.log.WithError(err).Error("Fatal lazy pages error")
	return err
}

// processRegion moves the pages of region towards the requested access.
func (r *Runtime) processRegion(ctx *execContext, region pages.Region, isWrite bool, costs accessCosts, hostFunc bool) error {
	if ctx.status != StatusNormal {
		// Out of gas: the execution is terminating, just let the access through.
		return r.prot.Unprotect(region.Offset, region.Size)
	}

	if _, ok := ctx.lazy[region.First]; ok {
		return r.releaseLazyRegion(ctx, region, isWrite, costs)
	}
	if _, ok := ctx.released[region.First]; ok {
		return r.upgradeReleasedRegion(ctx, region, isWrite, costs, hostFunc)
	}
	if hostFunc {
		// Never protected.
		return nil
	}
	return fmt.Errorf("%w: %v", ErrNonLazyPage, region.First)
}

func (r *Runtime) checkRegion(ctx *execContext, region pages.Region, wantLazy bool) error {
	for _, p := range region.Pages() {
		_, lazy := ctx.lazy[p]
		_, released := ctx.released[p]
		switch {
		case lazy == wantLazy && released != wantLazy:
		case lazy || released:
			return fmt.Errorf("%w: %v", ErrMixedRegion, p)
		default:
			return fmt.Errorf("%w: %v", ErrNonLazyPage, p)
		}
	}
	return nil
}

// releaseLazyRegion handles the first access to a protected region.
func (r *Runtime) releaseLazyRegion(ctx *execContext, region pages.Region, isWrite bool, costs accessCosts) error {
	if err := r.checkRegion(ctx, region, true); err != nil {
		return err
	}

	var amount uint64
	for _, p := range region.Pages() {
		amount = saturatingAdd(amount, ctx.accessCost(p, isWrite, costs))
		amount = saturatingAdd(amount, ctx.loadCost(p, costs))
	}
	if err := r.charge(ctx, amount); err != nil {
		return err
	}

	if err := r.prot.Unprotect(region.Offset, region.Size); err != nil {
		return err
	}

	buf := r.prot.Buffer()
	ps := r.geom.GearPageSize()
	for _, p := range region.Pages() {
		off := r.geom.Offset(p)
		dst := buf[off : off+ps]
		found, err := r.loader.Load(ctx.prefix.KeyForPage(p), dst)
		if err != nil {
			return fmt.Errorf("load %v: %w", p, err)
		}
		if !found {
			clear(dst)
		}
		ctx.released[p] = &releasedPage{old: append([]byte(nil), dst...), written: isWrite}
		delete(ctx.lazy, p)

		r.log.WithFields(logrus.Fields{"page": p, "stored": found, "write": isWrite}).Trace("Released page")
	}

	if !isWrite {
		return r.prot.Protect(region.Offset, region.Size, mprotect.ProtRead)
	}
	return nil
}

// upgradeReleasedRegion handles a write to a region released for reading.
func (r *Runtime) upgradeReleasedRegion(ctx *execContext, region pages.Region, isWrite bool, costs accessCosts, hostFunc bool) error {
	if err := r.checkRegion(ctx, region, false); err != nil {
		return err
	}

	for _, p := range region.Pages() {
		rp := ctx.released[p]
		if !isWrite || rp.written {
			if hostFunc {
				// Already accessible as requested.
				return nil
			}
			return &DoubleReleaseError{Page: p}
		}
	}

	var amount uint64
	for _, p := range region.Pages() {
		amount = saturatingAdd(amount, ctx.accessCost(p, true, costs))
	}
	if err := r.charge(ctx, amount); err != nil {
		return err
	}

	if err := r.prot.Unprotect(region.Offset, region.Size); err != nil {
		return err
	}
	for _, p := range region.Pages() {
		ctx.released[p].written = true
	}
	r.log.WithField("first", region.First).Trace("Upgraded region to read-write")
	return nil
}

// charge subtracts amount from the gas globals unless gas already ran out.
func (r *Runtime) charge(ctx *execContext, amount uint64) error {
	if ctx.status != StatusNormal || amount == 0 {
		return nil
	}
	status, err := r.charger.Charge(ctx.globals, amount)
	if err != nil {
		return err
	}
	if status != StatusNormal {
		ctx.status = status
		r.log.WithFields(logrus.Fields{"amount": amount, "status": status}).Debug("Gas exhausted in lazy pages")
	}
	return nil
}

// MemoryInterval is a byte range of guest memory.
type MemoryInterval struct {
	Offset uint32
	Size   uint32
}

// PreProcessMemoryAccesses prepares the pages a host function is about to access
// directly: protected pages are loaded and charged with the host function weights,
// and read pages written by the call are upgraded. A non-normal status means the
// host function must terminate the execution.
func (r *Runtime) PreProcessMemoryAccesses(reads, writes []MemoryInterval) (Status, error) {
	ctx, err := r.execContext()
	if err != nil {
		return StatusNormal, err
	}
	if ctx.fatal != nil {
		return ctx.status, ctx.fatal
	}
	if ctx.status != StatusNormal {
		return ctx.status, nil
	}

	costs := ctx.weights.hostFunc()
	process := func(intervals []MemoryInterval, isWrite bool) error {
		kind := AccessRead
		if isWrite {
			kind = AccessReadWrite
		}
		for _, iv := range intervals {
			regions, err := r.geom.RegionsFor(iv.Offset, iv.Size, r.prot.Size())
			if err != nil {
				return fmt.Errorf("%w: %v", ErrOutOfBounds, err)
			}
			for _, region := range regions {
				if region.First < ctx.stackEnd {
					continue
				}
				if err := r.processRegion(ctx, region, isWrite, costs, true); err != nil {
					return r.fail(ctx, err)
				}
				for _, p := range region.Pages() {
					ctx.recordAccess(p, kind)
				}
				if ctx.status != StatusNormal {
					return nil
				}
			}
		}
		return nil
	}

	if err := process(reads, false); err != nil {
		return StatusNormal, err
	}
	if ctx.status != StatusNormal {
		return ctx.status, nil
	}
	if err := process(writes, true); err != nil {
		return StatusNormal, err
	}
	return ctx.status, nil
}
