// Package executor runs guest programs against instance memory whose pages come
// from a page store.
//
// The executor provides the runtime around a program:
// - Instance creation with the memory and gas globals of the program
// - Lazy page setup, or eager loading when memory protection is unavailable
// - Host function access to guest memory
// - Memory growth with protection re-armed at the new buffer
// - Termination reason mapping and persistence of modified pages
package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"

	"github.com/fortiblox/X1-Lazypages/internal/types"
	"github.com/fortiblox/X1-Lazypages/internal/wasmbin"
	"github.com/fortiblox/X1-Lazypages/pkg/lazypages"
	"github.com/fortiblox/X1-Lazypages/pkg/lazypages/globals"
	"github.com/fortiblox/X1-Lazypages/pkg/lazypages/sys"
	"github.com/fortiblox/X1-Lazypages/pkg/pages"
	"github.com/fortiblox/X1-Lazypages/pkg/pagestore"
	"github.com/fortiblox/X1-Lazypages/pkg/wasmmem"
)

// Executor errors.
var (
	ErrInvalidConfig   = errors.New("invalid executor configuration")
	ErrInvalidRequest  = errors.New("invalid execution request")
	ErrNoProgram       = errors.New("no program to execute")
	ErrGasExhausted    = errors.New("gas exhausted")
	ErrGuestPanic      = errors.New("guest panicked")
	ErrGuestFault      = errors.New("unhandled guest memory fault")
	ErrMemoryGrow      = errors.New("memory grow failed")
	ErrMemoryNotFound  = errors.New("guest memory not exported")
	ErrExecutorClosed  = errors.New("executor is closed")
	ErrPersistFailed   = errors.New("persisting pages failed")
	ErrNoMemoryBacking = errors.New("guest memory has no backing buffer")
)

// Backend selects how the gas globals of an instance are reached.
type Backend string

const (
	// BackendEmbedded hands the instance to the lazy pages runtime directly.
	BackendEmbedded Backend = "embedded"

	// BackendSandbox registers the instance in the sandbox table and passes a handle.
	BackendSandbox Backend = "sandbox"
)

// Config configures an Executor.
type Config struct {
	// Lazypages configures page geometry, weights and gas global names.
	Lazypages lazypages.Config `mapstructure:"lazypages"`

	// Backend is the globals backend.
	Backend Backend `mapstructure:"backend"`

	// Eager disables lazy pages even when the host supports them.
	Eager bool `mapstructure:"eager"`

	// MaxMemoryPages is the maximum guest memory size in WASM pages.
	MaxMemoryPages uint32 `mapstructure:"max_memory_pages"`

	// MemoryExport is the export name of the guest memory.
	MemoryExport string `mapstructure:"memory_export"`

	// Cache configures the page cache in front of the store.
	Cache pagestore.CacheConfig `mapstructure:"cache"`
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		Lazypages:      lazypages.DefaultConfig(),
		Backend:        BackendEmbedded,
		MaxMemoryPages: 512,
		MemoryExport:   "memory",
		Cache:          pagestore.DefaultCacheConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Lazypages.Validate(); err != nil {
		return err
	}
	if c.Backend != BackendEmbedded && c.Backend != BackendSandbox {
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}
	if c.MaxMemoryPages == 0 || c.MaxMemoryPages > pages.MaxWasmPages {
		return fmt.Errorf("%w: max memory pages %d", ErrInvalidConfig, c.MaxMemoryPages)
	}
	if c.MemoryExport == "" {
		return fmt.Errorf("%w: memory export name is required", ErrInvalidConfig)
	}
	if c.MemoryExport == c.Lazypages.GasGlobal || c.MemoryExport == c.Lazypages.AllowanceGlobal {
		return fmt.Errorf("%w: memory export collides with a gas global", ErrInvalidConfig)
	}
	return c.Cache.Validate()
}

// Program is guest code. It sees instance memory through env and must return
// promptly once env reports exhausted gas.
type Program func(env *Env) error

// Request describes one execution.
type Request struct {
	// ProgramID and MemoryInfix select the stored pages of the program.
	ProgramID   types.ProgramID
	MemoryInfix uint32

	// StoragePrefix selects legacy storage keys when set.
	StoragePrefix []byte

	// MemoryPages is the initial memory size in WASM pages.
	MemoryPages uint32

	// StackEnd is the byte offset where the guest stack ends. It must be aligned
	// to the lazy page size.
	StackEnd uint32

	// LazyPages limits the pages backed by storage. Nil means every page above
	// the stack.
	LazyPages []pages.GearPage

	// GasLimit and GasAllowance initialize the gas globals.
	GasLimit     uint64
	GasAllowance uint64

	// Weights override the configured weights when set.
	Weights *lazypages.Weights

	Program Program
}

// Executor runs programs one at a time.
type Executor struct {
	cfg    Config
	store  pagestore.Store
	cache  *pagestore.CachedStorage
	rt     *lazypages.Runtime
	engine wazero.Runtime
	lazy   bool
	log    *logrus.Entry

	mu      sync.Mutex
	closed  bool
	modules map[uint32]wazero.CompiledModule
}

// New creates an executor persisting pages to store. The store is not closed by
// the executor.
func New(ctx context.Context, cfg Config, store pagestore.Store, log logrus.FieldLogger) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	cache, err := pagestore.NewCachedStorage(store, cfg.Cache)
	if err != nil {
		return nil, err
	}
	lpCfg := cfg.Lazypages
	if lpCfg.Logger == nil {
		lpCfg.Logger = log
	}
	rt, err := lazypages.NewRuntime(lpCfg, cache)
	if err != nil {
		return nil, err
	}

	e := &Executor{
		cfg:     cfg,
		store:   store,
		cache:   cache,
		rt:      rt,
		engine:  wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter()),
		lazy:    !cfg.Eager && lazypages.Enable(),
		log:     log.WithField("module", "executor"),
		modules: make(map[uint32]wazero.CompiledModule),
	}
	if !e.lazy && !cfg.Eager {
		e.log.Warn("Lazy pages are not supported on this host, loading program memory eagerly")
	}
	return e, nil
}

// Lazy reports whether executions load pages on demand.
func (e *Executor) Lazy() bool {
	return e.lazy
}

// Geometry returns the page geometry.
func (e *Executor) Geometry() pages.Geometry {
	return e.rt.Geometry()
}

// CacheStats returns the hits and misses of the page cache.
func (e *Executor) CacheStats() (hits, misses uint64) {
	return e.cache.Stats()
}

// Close releases the compiled modules and the engine.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.clearCache(ctx)
	return e.engine.Close(ctx)
}

// ClearCache drops compiled instance modules.
func (e *Executor) ClearCache(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearCache(ctx)
}

func (e *Executor) clearCache(ctx context.Context) {
	for pagesN, m := range e.modules {
		_ = m.Close(ctx)
		delete(e.modules, pagesN)
	}
}

// compiled returns the instance module for a memory of memPages WASM pages.
func (e *Executor) compiled(ctx context.Context, memPages uint32) (wazero.CompiledModule, error) {
	if m, ok := e.modules[memPages]; ok {
		return m, nil
	}
	bin := wasmbin.Encode(wasmbin.Module{
		MemoryName: e.cfg.MemoryExport,
		MinPages:   memPages,
		MaxPages:   e.cfg.MaxMemoryPages,
		Globals: []wasmbin.Global{
			{Name: e.cfg.Lazypages.GasGlobal},
			{Name: e.cfg.Lazypages.AllowanceGlobal},
		},
	})
	m, err := e.engine.CompileModule(ctx, bin)
	if err != nil {
		return nil, fmt.Errorf("compile instance module: %w", err)
	}
	e.modules[memPages] = m
	return m, nil
}

func (e *Executor) validateRequest(req *Request) error {
	if req.Program == nil {
		return ErrNoProgram
	}
	if req.MemoryPages == 0 || req.MemoryPages > e.cfg.MaxMemoryPages {
		return fmt.Errorf("%w: memory pages %d, max %d", ErrInvalidRequest, req.MemoryPages, e.cfg.MaxMemoryPages)
	}
	size := uint64(req.MemoryPages) * pages.WasmPageSize
	if req.StackEnd%e.rt.Geometry().LazyPageSize() != 0 || uint64(req.StackEnd) > size {
		return fmt.Errorf("%w: stack end %#x", ErrInvalidRequest, req.StackEnd)
	}
	if req.GasLimit > math.MaxInt64 || req.GasAllowance > math.MaxInt64 {
		return fmt.Errorf("%w: gas counters must fit into i64", ErrInvalidRequest)
	}
	ps := e.rt.Geometry().GearPageSize()
	for _, p := range req.LazyPages {
		if uint64(p)*uint64(ps)+uint64(ps) > size {
			return fmt.Errorf("%w: lazy page %v outside memory", ErrInvalidRequest, p)
		}
	}
	return nil
}

// globalsContext references inst through the configured backend. The returned
// function releases the reference.
func (e *Executor) globalsContext(inst *globals.EmbeddedInstance) (globals.Context, func()) {
	if e.cfg.Backend == BackendSandbox {
		h := globals.Register(inst)
		return globals.Sandbox(h), func() { globals.Unregister(h) }
	}
	return globals.Embedded(inst), func() {}
}

// pageRange lists the gear pages in [from, to) bytes, skipping pages below the
// stack.
func (e *Executor) pageRange(from, to, stackEnd uint32) []pages.GearPage {
	geom := e.rt.Geometry()
	if from < stackEnd {
		from = stackEnd
	}
	var out []pages.GearPage
	for off := uint64(from); off < uint64(to); off += uint64(geom.GearPageSize()) {
		out = append(out, geom.PageOf(uint32(off)))
	}
	return out
}

// Execute runs req.Program in a fresh instance. Errors returned by Execute are
// setup or persistence failures; guest failures are reported in the result.
func (e *Executor) Execute(ctx context.Context, req *Request) (*Result, error) {
	if err := e.validateRequest(req); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrExecutorClosed
	}

	root, err := e.store.StateRoot()
	if err != nil {
		return nil, err
	}
	e.cache.SetStateRoot(root)

	compiled, err := e.compiled(ctx, req.MemoryPages)
	if err != nil {
		return nil, err
	}
	alloc := &wasmmem.Allocator{}
	mod, err := e.engine.InstantiateModule(experimental.WithMemoryAllocator(ctx, alloc), compiled,
		wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, fmt.Errorf("instantiate: %w", err)
	}
	lm := alloc.Last()
	defer func() {
		_ = mod.Close(ctx)
		if lm != nil {
			lm.Free()
		}
	}()
	mem := mod.ExportedMemory(e.cfg.MemoryExport)
	if mem == nil {
		return nil, ErrMemoryNotFound
	}
	if lm == nil {
		return nil, ErrNoMemoryBacking
	}

	inst := globals.NewEmbeddedInstance(mod)
	if err := inst.SetI64(e.cfg.Lazypages.GasGlobal, int64(req.GasLimit)); err != nil {
		return nil, err
	}
	if err := inst.SetI64(e.cfg.Lazypages.AllowanceGlobal, int64(req.GasAllowance)); err != nil {
		return nil, err
	}
	gctx, release := e.globalsContext(inst)
	defer release()

	x := &execution{
		exec:     e,
		req:      req,
		mem:      mem,
		lm:       lm,
		meter:    NewGasMeter(gctx, e.cfg.Lazypages.GasGlobal, e.cfg.Lazypages.AllowanceGlobal),
		stackEnd: req.StackEnd,
	}
	lazy := req.LazyPages
	if lazy == nil {
		lazy = e.pageRange(0, mem.Size(), req.StackEnd)
	}

	log := e.log.WithFields(logrus.Fields{"program": req.ProgramID, "pages": req.MemoryPages, "lazy": e.lazy})
	if e.lazy {
		b, err := startLazy(e.rt, lm, lazypages.ProgramInfo{
			Buffer:               lm.Bytes()[:mem.Size()],
			StackEnd:             req.StackEnd,
			ProgramID:            req.ProgramID,
			MemoryInfix:          req.MemoryInfix,
			ProgramStoragePrefix: req.StoragePrefix,
			Globals:              gctx,
			Weights:              req.Weights,
		}, lazy)
		if err != nil {
			return nil, err
		}
		x.backend = b
	} else {
		weights := e.cfg.Lazypages.Weights
		if req.Weights != nil {
			weights = *req.Weights
		}
		prefix := pagestore.NewDerivedPrefix(req.ProgramID, req.MemoryInfix)
		if req.StoragePrefix != nil {
			prefix = pagestore.NewLegacyPrefix(req.StoragePrefix)
		}
		b := &eagerBackend{
			geom:     e.rt.Geometry(),
			loader:   pagestore.NewLoader(e.cache, e.rt.Geometry().GearPageSize()),
			prefix:   prefix,
			lm:       lm,
			size:     mem.Size(),
			meter:    x.meter,
			weights:  weights,
			log:      log,
			snapshot: make(map[pages.GearPage][]byte),
		}
		if err := b.load(lazy); err != nil {
			b.fatal = err
			log.WithError(err).Error("Failed to load program pages")
		}
		x.backend = b
	}
	defer func() {
		if err := x.backend.close(); err != nil {
			log.WithError(err).Error("Failed to close memory backend")
		}
	}()

	var runErr error
	if x.status() == lazypages.StatusNormal && x.backend.err() == nil {
		runErr = runProgram(req.Program, &Env{x: x})
	}

	post, err := x.backend.finish()
	if err != nil {
		return nil, err
	}
	result := x.result(post, runErr)
	if err := e.persist(result); err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"reason":   result.Reason,
		"burned":   result.GasBurned,
		"released": len(result.Released),
		"dirty":    len(result.Dirty),
	}).Debug("Executed program")
	return result, nil
}

// persist writes dirty pages of a successful execution.
func (e *Executor) persist(r *Result) error {
	if r.Reason == ReasonSuccess && len(r.Dirty) > 0 {
		batch := make([]pagestore.Page, len(r.Dirty))
		for i, d := range r.Dirty {
			batch[i] = pagestore.Page{Key: d.Key, Data: d.Data}
		}
		if err := e.store.WritePages(batch); err != nil {
			return fmt.Errorf("%w: %v", ErrPersistFailed, err)
		}
		r.Persisted = true
	}
	root, err := e.store.StateRoot()
	if err != nil {
		return err
	}
	r.StateRoot = root
	return nil
}

// runProgram runs the guest, turning panics and stray memory faults into errors.
func runProgram(prog Program, env *Env) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrGuestPanic, r)
		}
	}()
	fault, faulted := sys.Catch(func() { err = prog(env) })
	if faulted {
		return fmt.Errorf("%w: addr %#x", ErrGuestFault, fault.Addr)
	}
	return err
}

// execution is the state of one Execute call.
type execution struct {
	exec     *Executor
	req      *Request
	mem      api.Memory
	lm       *wasmmem.LinearMemory
	meter    *GasMeter
	backend  memoryBackend
	stackEnd uint32
}

// status combines the lazy pages status with explicit charges.
func (x *execution) status() lazypages.Status {
	if s := x.backend.status(); s != lazypages.StatusNormal {
		return s
	}
	return x.meter.Status()
}

// fatal returns the error that aborted the execution regardless of what the
// program returned.
func (x *execution) fatal(post *lazypages.PostExecution) error {
	if post.Err != nil {
		return post.Err
	}
	return x.meter.Err()
}

func (x *execution) result(post *lazypages.PostExecution, runErr error) *Result {
	status := x.status()
	fatal := x.fatal(post)
	if fatal != nil {
		runErr = fatal
	}
	r := &Result{
		Reason:      terminationReason(status, fatal, runErr),
		Lazy:        x.exec.lazy,
		MemoryPages: x.mem.Size() / pages.WasmPageSize,
		Released:    post.Released,
		Clean:       post.Clean,
		Dirty:       post.Dirty,
	}
	if r.Reason == ReasonTrap {
		r.Error = runErr.Error()
	}
	if lb, ok := x.backend.(*lazyBackend); ok {
		r.Accessed = lb.rt.AccessedPages()
	}
	gas, allowance, err := x.meter.Remaining()
	if err == nil {
		r.GasLeft, r.AllowanceLeft = gas, allowance
		r.GasBurned = x.req.GasLimit - gas
	}
	return r
}
