// Package globals reads and writes named i64 globals of a live guest instance.
//
// The lazy-pages fault path charges gas by updating guest globals directly. The
// instance is borrowed for the duration of one call: a Context names the backend and
// the instance, and is resolved to an Accessor every time it is used.
package globals

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero/api"
)

var (
	// ErrUnknownGlobal is returned when the instance does not export the global.
	ErrUnknownGlobal = errors.New("global is not exported")

	// ErrImmutableGlobal is returned when setting a global that is not mutable.
	ErrImmutableGlobal = errors.New("global is not mutable")

	// ErrGlobalType is returned when the global is not an i64.
	ErrGlobalType = errors.New("global is not i64")

	// ErrNoInstance is returned when the context carries no instance.
	ErrNoInstance = errors.New("globals context has no instance")

	// ErrUnknownHandle is returned for a sandbox handle not in the instance table.
	ErrUnknownHandle = errors.New("unknown sandbox instance handle")

	// ErrUnknownKind is returned for an unsupported backend kind.
	ErrUnknownKind = errors.New("unknown globals backend kind")
)

// Accessor gets and sets i64 globals by export name.
type Accessor interface {
	GetI64(name string) (int64, error)
	SetI64(name string, v int64) error
}

// Kind selects the backend that owns the instance.
type Kind uint8

const (
	// KindEmbedded is an instance living in this process's wazero runtime,
	// referenced by *EmbeddedInstance.
	KindEmbedded Kind = iota + 1

	// KindSandbox is an instance referenced by a Handle in the sandbox table.
	KindSandbox
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindEmbedded:
		return "embedded"
	case KindSandbox:
		return "sandbox"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Context is a borrowed reference to a guest instance. Instance is an
// *EmbeddedInstance for KindEmbedded and a Handle for KindSandbox.
type Context struct {
	Kind     Kind
	Instance interface{}
}

// Embedded returns a context for an embedded instance.
func Embedded(inst *EmbeddedInstance) Context {
	return Context{Kind: KindEmbedded, Instance: inst}
}

// Sandbox returns a context for a sandbox handle.
func Sandbox(h Handle) Context {
	return Context{Kind: KindSandbox, Instance: h}
}

// Accessor resolves the context. The result must not be retained past the call
// it was resolved for.
func (c Context) Accessor() (Accessor, error) {
	switch c.Kind {
	case KindEmbedded:
		inst, ok := c.Instance.(*EmbeddedInstance)
		if !ok || inst == nil {
			return nil, ErrNoInstance
		}
		return inst, nil
	case KindSandbox:
		h, ok := c.Instance.(Handle)
		if !ok {
			return nil, ErrNoInstance
		}
		return lookup(h)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownKind, c.Kind)
	}
}

// ApplyForGlobal reads the global, passes it to f and stores the result. When f
// reports !ok the global is set to zero and ApplyForGlobal returns false.
func ApplyForGlobal(acc Accessor, name string, f func(cur int64) (next int64, ok bool)) (bool, error) {
	cur, err := acc.GetI64(name)
	if err != nil {
		return false, err
	}
	next, ok := f(cur)
	if !ok {
		next = 0
	}
	if err := acc.SetI64(name, next); err != nil {
		return false, err
	}
	return ok, nil
}

// EmbeddedInstance exposes the globals of a wazero module instance.
type EmbeddedInstance struct {
	mod api.Module

	// Gas accounting touches two globals; lookups are memoized here.
	names   [2]string
	globals [2]api.Global
	n       int
}

// NewEmbeddedInstance wraps mod.
func NewEmbeddedInstance(mod api.Module) *EmbeddedInstance {
	return &EmbeddedInstance{mod: mod}
}

// Module returns the wrapped module.
func (e *EmbeddedInstance) Module() api.Module {
	return e.mod
}

func (e *EmbeddedInstance) global(name string) (api.Global, error) {
	for i := 0; i < e.n; i++ {
		if e.names[i] == name {
			return e.globals[i], nil
		}
	}
	g := e.mod.ExportedGlobal(name)
	if g == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGlobal, name)
	}
	if g.Type() != api.ValueTypeI64 {
		return nil, fmt.Errorf("%w: %q", ErrGlobalType, name)
	}
	if e.n < len(e.names) {
		e.names[e.n] = name
		e.globals[e.n] = g
		e.n++
	}
	return g, nil
}

// GetI64 implements Accessor.
func (e *EmbeddedInstance) GetI64(name string) (int64, error) {
	g, err := e.global(name)
	if err != nil {
		return 0, err
	}
	return int64(g.Get()), nil
}

// SetI64 implements Accessor.
func (e *EmbeddedInstance) SetI64(name string, v int64) error {
	g, err := e.global(name)
	if err != nil {
		return err
	}
	mg, ok := g.(api.MutableGlobal)
	if !ok {
		return fmt.Errorf("%w: %q", ErrImmutableGlobal, name)
	}
	mg.Set(uint64(v))
	return nil
}

// Handle identifies an instance in the sandbox table.
type Handle uint64

var sandbox = struct {
	sync.RWMutex
	next      Handle
	instances map[Handle]Accessor
}{instances: make(map[Handle]Accessor)}

// Register adds acc to the sandbox table and returns its handle.
func Register(acc Accessor) Handle {
	sandbox.Lock()
	defer sandbox.Unlock()
	sandbox.next++
	sandbox.instances[sandbox.next] = acc
	return sandbox.next
}

// Unregister removes h from the sandbox table.
func Unregister(h Handle) {
	sandbox.Lock()
	defer sandbox.Unlock()
	delete(sandbox.instances, h)
}

func lookup(h Handle) (Accessor, error) {
	sandbox.RLock()
	defer sandbox.RUnlock()
	acc, ok := sandbox.instances[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	return acc, nil
}
