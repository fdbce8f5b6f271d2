// Package wasmmem provides guest linear memory backed by an anonymous mapping.
//
// The mapping reserves address space up front and commits it as the memory grows,
// so the buffer start stays put while growth fits the reservation. Growth beyond the
// reservation relocates the buffer; callers with protection installed must remove it
// before growing and re-arm it at the new base afterwards.
package wasmmem

import (
	"errors"
	"os"
	"unsafe"

	"github.com/tetratelabs/wazero/experimental"
)

var (
	// ErrFreed is returned when using a memory after Free.
	ErrFreed = errors.New("linear memory is freed")

	// ErrTooLarge is returned when a size does not fit into 32-bit memory.
	ErrTooLarge = errors.New("linear memory size exceeds 4 GiB")
)

// MaxSize is the largest 32-bit linear memory.
const MaxSize = uint64(1) << 32

// LinearMemory is a page-aligned guest buffer.
//
// len(buf) is the committed size and cap(buf) the reserved address space.
type LinearMemory struct {
	buf   []byte
	freed bool
}

var _ experimental.LinearMemory = (*LinearMemory)(nil)

// New reserves reserve bytes and commits size bytes of them.
func New(size, reserve uint64) (*LinearMemory, error) {
	if size > MaxSize || reserve > MaxSize {
		return nil, ErrTooLarge
	}
	if reserve < size {
		reserve = size
	}
	buf, err := reserveMapping(roundUp(reserve))
	if err != nil {
		return nil, err
	}
	m := &LinearMemory{buf: buf[:0]}
	if _, err := m.Grow(size); err != nil {
		m.Free()
		return nil, err
	}
	return m, nil
}

// Bytes returns the committed buffer.
func (m *LinearMemory) Bytes() []byte {
	return m.buf
}

// Base returns the host address of the buffer start.
func (m *LinearMemory) Base() uintptr {
	if cap(m.buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&m.buf[:1][0]))
}

// Len returns the committed size in bytes.
func (m *LinearMemory) Len() uint64 {
	return uint64(len(m.buf))
}

// Reserved returns the reserved size in bytes.
func (m *LinearMemory) Reserved() uint64 {
	return uint64(cap(m.buf))
}

// Grow commits memory up to size bytes. moved reports whether the buffer was
// relocated, in which case Base has changed and the old contents were copied.
func (m *LinearMemory) Grow(size uint64) (moved bool, err error) {
	if m.freed {
		return false, ErrFreed
	}
	if size > MaxSize {
		return false, ErrTooLarge
	}
	committed := uint64(len(m.buf))
	if size <= committed {
		return false, nil
	}
	target := roundUp(size)
	if target <= uint64(cap(m.buf)) {
		if err := commit(m.buf[committed:target]); err != nil {
			return false, err
		}
		m.buf = m.buf[:target]
		return false, nil
	}

	reserve := uint64(cap(m.buf)) * 2
	if reserve < target {
		reserve = target
	}
	if reserve > MaxSize {
		reserve = MaxSize
	}
	next, err := reserveMapping(reserve)
	if err != nil {
		return false, err
	}
	if err := commit(next[:target]); err != nil {
		_ = release(next)
		return false, err
	}
	copy(next[:committed], m.buf)
	old := m.buf
	m.buf = next[:target]
	if cap(old) > 0 {
		if err := release(old[:cap(old)]); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Reallocate implements experimental.LinearMemory. It returns nil if the memory
// cannot grow to size, which wazero reports as a failed memory.grow.
func (m *LinearMemory) Reallocate(size uint64) []byte {
	if _, err := m.Grow(size); err != nil {
		return nil
	}
	return m.buf[:size:len(m.buf)]
}

// Free implements experimental.LinearMemory.
func (m *LinearMemory) Free() {
	if m.freed {
		return
	}
	m.freed = true
	if cap(m.buf) > 0 {
		_ = release(m.buf[:cap(m.buf)])
	}
	m.buf = nil
}

// Allocator hands mmap backed memories to a wazero runtime and remembers the last
// one so the executor can reach the guest buffer.
type Allocator struct {
	last *LinearMemory
}

var _ experimental.MemoryAllocator = (*Allocator)(nil)

// Allocate implements experimental.MemoryAllocator. It reserves max bytes so
// memory.grow inside the guest never moves the buffer.
func (a *Allocator) Allocate(capacity, max uint64) experimental.LinearMemory {
	if max < capacity {
		max = capacity
	}
	m, err := New(0, max)
	if err != nil {
		panic(err)
	}
	a.last = m
	return m
}

// Last returns the most recently allocated memory, or nil.
func (a *Allocator) Last() *LinearMemory {
	return a.last
}

func roundUp(v uint64) uint64 {
	ps := uint64(os.Getpagesize())
	return (v + ps - 1) / ps * ps
}
