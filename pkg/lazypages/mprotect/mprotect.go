// Package mprotect changes host memory protection over ranges of the guest buffer.
//
// All ranges are expressed relative to the start of the buffer the controller was
// last given, so a buffer that moves only needs SetBuffer before the next fault.
package mprotect

import (
	"errors"
	"fmt"
	"os"
	"unsafe"
)

var (
	// ErrNoBuffer is returned when protection is changed before SetBuffer.
	ErrNoBuffer = errors.New("wasm memory buffer is not set")

	// ErrUnaligned is returned for ranges not aligned to the host page size.
	ErrUnaligned = errors.New("range is not aligned to host page size")

	// ErrOutOfBuffer is returned for ranges past the end of the buffer.
	ErrOutOfBuffer = errors.New("range is out of wasm memory buffer")

	// ErrUnsupported is returned on platforms without memory protection.
	ErrUnsupported = errors.New("memory protection is not supported on this platform")
)

// Prot is a protection level.
type Prot uint8

const (
	// ProtNone forbids any access.
	ProtNone Prot = iota

	// ProtRead allows reads only.
	ProtRead

	// ProtReadWrite allows reads and writes.
	ProtReadWrite
)

// String implements fmt.Stringer.
func (p Prot) String() string {
	switch p {
	case ProtNone:
		return "none"
	case ProtRead:
		return "r"
	case ProtReadWrite:
		return "rw"
	default:
		return fmt.Sprintf("Prot(%d)", uint8(p))
	}
}

// Error describes a failed protection change.
type Error struct {
	Addr uintptr
	Size uint32
	Prot Prot
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("mprotect %s, addr = %#x, size = %#x: %v", e.Prot, e.Addr, e.Size, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Controller applies protection to the current guest buffer.
type Controller struct {
	buf      []byte
	pageSize uint32
}

// New creates a controller using the host page size as alignment.
func New() *Controller {
	return &Controller{pageSize: uint32(os.Getpagesize())}
}

// SetBuffer records the guest buffer. It must be called whenever the buffer moves,
// before the next fault can happen.
func (c *Controller) SetBuffer(buf []byte) {
	c.buf = buf
}

// Base returns the host address of the buffer, or 0 if none is set.
func (c *Controller) Base() uintptr {
	if len(c.buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&c.buf[0]))
}

// Size returns the buffer length.
func (c *Controller) Size() uint32 {
	return uint32(len(c.buf))
}

// Buffer returns the current buffer.
func (c *Controller) Buffer() []byte {
	return c.buf
}

// Protect sets prot on [offset, offset+size) of the buffer.
func (c *Controller) Protect(offset, size uint32, prot Prot) error {
	if size == 0 {
		return nil
	}
	if len(c.buf) == 0 {
		return ErrNoBuffer
	}
	if offset%c.pageSize != 0 || size%c.pageSize != 0 {
		return &Error{Addr: c.Base() + uintptr(offset), Size: size, Prot: prot, Err: ErrUnaligned}
	}
	if uint64(offset)+uint64(size) > uint64(len(c.buf)) {
		return &Error{Addr: c.Base() + uintptr(offset), Size: size, Prot: prot, Err: ErrOutOfBuffer}
	}
	if err := protect(c.buf[offset:offset+size], prot); err != nil {
		return &Error{Addr: c.Base() + uintptr(offset), Size: size, Prot: prot, Err: err}
	}
	return nil
}

// Unprotect makes [offset, offset+size) readable and writable.
func (c *Controller) Unprotect(offset, size uint32) error {
	return c.Protect(offset, size, ProtReadWrite)
}

// UnprotectAll makes the whole buffer readable and writable. The trailing partial
// host page, if any, is included.
func (c *Controller) UnprotectAll() error {
	if len(c.buf) == 0 {
		return nil
	}
	size := alignUp(uint32(len(c.buf)), c.pageSize)
	if uint64(size) > uint64(cap(c.buf)) {
		size = uint32(len(c.buf)) / c.pageSize * c.pageSize
	}
	if err := protect(c.buf[:size:size], ProtReadWrite); err != nil {
		return &Error{Addr: c.Base(), Size: size, Prot: ProtReadWrite, Err: err}
	}
	return nil
}

// PageSize returns the alignment used for protection changes.
func (c *Controller) PageSize() uint32 {
	return c.pageSize
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) / align * align
}
