package executor

import (
	"bytes"

	"github.com/sirupsen/logrus"

	"github.com/fortiblox/X1-Lazypages/pkg/lazypages"
	"github.com/fortiblox/X1-Lazypages/pkg/pages"
	"github.com/fortiblox/X1-Lazypages/pkg/pagestore"
	"github.com/fortiblox/X1-Lazypages/pkg/wasmmem"
)

// memoryBackend makes program pages available to the guest, either on demand
// or all up front.
type memoryBackend interface {
	memory() Memory

	// prepare readies intervals a host function accesses directly.
	prepare(reads, writes []lazypages.MemoryInterval) (lazypages.Status, error)

	// beforeGrow and afterGrow bracket a memory.grow of the guest.
	beforeGrow() error
	afterGrow(oldAddr uintptr, size uint32, added []pages.GearPage) error

	status() lazypages.Status

	// err returns the fatal error that aborted the execution, if any.
	err() error

	finish() (*lazypages.PostExecution, error)
	close() error
}

// lazyBackend loads pages on first access through a lazypages.Runtime.
type lazyBackend struct {
	rt *lazypages.Runtime
	lm *wasmmem.LinearMemory
}

func startLazy(rt *lazypages.Runtime, lm *wasmmem.LinearMemory, info lazypages.ProgramInfo, lazy []pages.GearPage) (*lazyBackend, error) {
	if err := rt.Begin(); err != nil {
		return nil, err
	}
	b := &lazyBackend{rt: rt, lm: lm}
	if err := rt.InitForProgram(info); err != nil {
		_ = rt.End()
		return nil, err
	}
	if err := rt.ProtectAndInitInfo(lazy); err != nil {
		_ = rt.End()
		return nil, err
	}
	return b, nil
}

func (b *lazyBackend) memory() Memory {
	return b.rt.Memory()
}

func (b *lazyBackend) prepare(reads, writes []lazypages.MemoryInterval) (lazypages.Status, error) {
	return b.rt.PreProcessMemoryAccesses(reads, writes)
}

func (b *lazyBackend) beforeGrow() error {
	return b.rt.RemoveLazyPagesProt()
}

func (b *lazyBackend) afterGrow(oldAddr uintptr, size uint32, added []pages.GearPage) error {
	if err := b.rt.ProtectLazyPagesAndUpdateWasmMemAddr(oldAddr, b.lm.Bytes()[:size]); err != nil {
		return err
	}
	if len(added) == 0 {
		return nil
	}
	return b.rt.ExtendLazyPages(added)
}

func (b *lazyBackend) status() lazypages.Status {
	return b.rt.Status()
}

func (b *lazyBackend) err() error {
	return b.rt.Err()
}

func (b *lazyBackend) finish() (*lazypages.PostExecution, error) {
	return b.rt.PostExecutionActions()
}

func (b *lazyBackend) close() error {
	return b.rt.End()
}

// eagerBackend loads every program page before the guest runs and finds
// modified pages by comparing against a snapshot. It is used when memory
// protection is unavailable.
type eagerBackend struct {
	geom    pages.Geometry
	loader  *pagestore.Loader
	prefix  *pagestore.Prefix
	lm      *wasmmem.LinearMemory
	size    uint32
	meter   *GasMeter
	weights lazypages.Weights
	log     *logrus.Entry

	snapshot map[pages.GearPage][]byte

	// fatal is the first load failure after the program started.
	fatal error
}

func (b *eagerBackend) buffer() []byte {
	return b.lm.Bytes()[:b.size]
}

// load reads pages into the buffer and charges the storage load weight for each.
func (b *eagerBackend) load(ps []pages.GearPage) error {
	buf := b.buffer()
	size := b.geom.GearPageSize()
	for _, p := range ps {
		if _, ok := b.snapshot[p]; ok {
			continue
		}
		off := b.geom.Offset(p)
		dst := buf[off : off+size]
		found, err := b.loader.Load(b.prefix.KeyForPage(p), dst)
		if err != nil {
			return err
		}
		if !found {
			clear(dst)
		}
		b.snapshot[p] = append([]byte(nil), dst...)
		if b.meter.Status() == lazypages.StatusNormal {
			// Exhaustion is reported through the meter status.
			_ = b.meter.Consume(b.weights.LoadPageStorageData)
		}
	}
	b.log.WithField("pages", len(ps)).Debug("Loaded program pages eagerly")
	return nil
}

func (b *eagerBackend) memory() Memory {
	return &eagerMemory{buffer: b.buffer, fatal: func() error { return b.fatal }}
}

func (b *eagerBackend) prepare(reads, writes []lazypages.MemoryInterval) (lazypages.Status, error) {
	if b.fatal != nil {
		return b.meter.Status(), b.fatal
	}
	for _, ivs := range [][]lazypages.MemoryInterval{reads, writes} {
		for _, iv := range ivs {
			if _, err := b.geom.RegionsFor(iv.Offset, iv.Size, b.size); err != nil {
				return b.meter.Status(), err
			}
		}
	}
	return b.meter.Status(), nil
}

func (b *eagerBackend) beforeGrow() error {
	return nil
}

func (b *eagerBackend) afterGrow(_ uintptr, size uint32, added []pages.GearPage) error {
	if b.fatal != nil {
		return b.fatal
	}
	b.size = size
	if err := b.load(added); err != nil {
		b.fatal = err
		b.log.WithError(err).Error("Failed to load grown pages")
		return err
	}
	return nil
}

func (b *eagerBackend) status() lazypages.Status {
	return b.meter.Status()
}

func (b *eagerBackend) err() error {
	return b.fatal
}

func (b *eagerBackend) finish() (*lazypages.PostExecution, error) {
	buf := b.buffer()
	size := b.geom.GearPageSize()
	out := &lazypages.PostExecution{
		Status: b.meter.Status(),
		Old:    make(map[pages.GearPage][]byte, len(b.snapshot)),
		Err:    b.fatal,
	}
	for _, p := range pages.SetToSlice(b.snapshot) {
		out.Released = append(out.Released, p)
		out.Old[p] = b.snapshot[p]
		off := b.geom.Offset(p)
		cur := buf[off : off+size]
		if bytes.Equal(cur, b.snapshot[p]) {
			out.Clean = append(out.Clean, p)
			continue
		}
		out.Dirty = append(out.Dirty, lazypages.DirtyPage{
			Page: p,
			Key:  append([]byte(nil), b.prefix.KeyForPage(p)...),
			Data: append([]byte(nil), cur...),
		})
	}
	return out, nil
}

func (b *eagerBackend) close() error {
	return nil
}
