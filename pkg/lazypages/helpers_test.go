package lazypages

import (
	"context"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"

	"github.com/fortiblox/X1-Lazypages/internal/types"
	"github.com/fortiblox/X1-Lazypages/internal/wasmbin"
	"github.com/fortiblox/X1-Lazypages/pkg/lazypages/globals"
	"github.com/fortiblox/X1-Lazypages/pkg/lazypages/sys"
	"github.com/fortiblox/X1-Lazypages/pkg/pages"
	"github.com/fortiblox/X1-Lazypages/pkg/pagestore"
	"github.com/fortiblox/X1-Lazypages/pkg/wasmmem"
)

var testWeights = Weights{
	SignalRead:             10,
	SignalWrite:            20,
	SignalWriteAfterRead:   15,
	HostFuncRead:           11,
	HostFuncWrite:          21,
	HostFuncWriteAfterRead: 16,
	LoadPageStorageData:    1,
}

var testProgram = types.GenerateProgramID(types.ComputeCodeID([]byte("code")), []byte("salt"))

func hostPageSize() uint32 {
	return uint32(os.Getpagesize())
}

type harness struct {
	t      *testing.T
	rt     *Runtime
	mem    *wasmmem.LinearMemory
	store  *pagestore.MemStore
	inst   *globals.EmbeddedInstance
	info   ProgramInfo
	prefix *pagestore.Prefix
}

type harnessOptions struct {
	gear, native uint32
	// size and reserve are in lazy pages.
	size, reserve  uint32
	gas, allowance int64
	stackEnd       uint32
	legacyPrefix   []byte
}

func defaultOptions() harnessOptions {
	h := hostPageSize()
	return harnessOptions{gear: h, native: h, size: 4, reserve: 4, gas: 1000, allowance: 2000}
}

func newHarness(t *testing.T, o harnessOptions) *harness {
	t.Helper()
	if !Enable() {
		t.Skip("lazy pages are not supported on this host")
	}

	log, _ := test.NewNullLogger()
	log.SetLevel(logrus.TraceLevel)

	cfg := DefaultConfig()
	cfg.GearPageSize = o.gear
	cfg.NativePageSize = o.native
	cfg.Weights = testWeights
	cfg.Logger = log

	store := pagestore.NewMemStore()
	rt, err := NewRuntime(cfg, store)
	require.NoError(t, err)

	lazy := uint64(rt.Geometry().LazyPageSize())
	mem, err := wasmmem.New(uint64(o.size)*lazy, uint64(o.reserve)*lazy)
	require.NoError(t, err)
	t.Cleanup(mem.Free)

	ctx := context.Background()
	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter())
	t.Cleanup(func() { _ = r.Close(ctx) })
	mod, err := r.Instantiate(ctx, wasmbin.Encode(wasmbin.Module{Globals: []wasmbin.Global{
		{Name: DefaultGasGlobal, Init: o.gas},
		{Name: DefaultAllowanceGlobal, Init: o.allowance},
	}}))
	require.NoError(t, err)
	inst := globals.NewEmbeddedInstance(mod)

	require.NoError(t, rt.Begin())
	t.Cleanup(func() { require.NoError(t, rt.End()) })

	info := ProgramInfo{
		Buffer:               mem.Bytes(),
		StackEnd:             o.stackEnd,
		ProgramID:            testProgram,
		ProgramStoragePrefix: o.legacyPrefix,
		Globals:              globals.Embedded(inst),
	}
	require.NoError(t, rt.InitForProgram(info))

	prefix := pagestore.NewDerivedPrefix(testProgram, 0)
	if o.legacyPrefix != nil {
		prefix = pagestore.NewLegacyPrefix(o.legacyPrefix)
	}
	return &harness{t: t, rt: rt, mem: mem, store: store, inst: inst, info: info, prefix: prefix}
}

// storePage stores a page filled with fill.
func (h *harness) storePage(p pages.GearPage, fill byte) []byte {
	data := make([]byte, h.rt.Geometry().GearPageSize())
	for i := range data {
		data[i] = fill
	}
	key := append([]byte(nil), h.prefix.KeyForPage(p)...)
	require.NoError(h.t, h.store.WritePages([]pagestore.Page{{Key: key, Data: data}}))
	return data
}

func (h *harness) offset(p pages.GearPage) uint32 {
	return h.rt.Geometry().Offset(p)
}

func (h *harness) gas() int64 {
	v, err := h.inst.GetI64(DefaultGasGlobal)
	require.NoError(h.t, err)
	return v
}

func (h *harness) allowance() int64 {
	v, err := h.inst.GetI64(DefaultAllowanceGlobal)
	require.NoError(h.t, err)
	return v
}

func (h *harness) addr(offset uint32) uintptr {
	return h.mem.Base() + uintptr(offset)
}

//go:noinline
func load(p *byte) byte { return *p }

//go:noinline
func store(p *byte, v byte) { *p = v }

// readFaults reports whether a direct read of the buffer byte faults.
func (h *harness) readFaults(offset uint32) bool {
	_, faulted := sys.Catch(func() { load(&h.mem.Bytes()[offset]) })
	return faulted
}

// writeFaults reports whether a direct write of the buffer byte faults.
func (h *harness) writeFaults(offset uint32) bool {
	b := &h.mem.Bytes()[offset]
	_, faulted := sys.Catch(func() { store(b, load(b)) })
	return faulted
}
