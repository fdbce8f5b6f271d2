package lazypages

import (
	"encoding/binary"
	"fmt"

	"github.com/fortiblox/X1-Lazypages/pkg/lazypages/sys"
)

// Memory reads and writes guest memory, resolving lazy page faults on the way.
// A faulting access is replayed once the fault is handled.
type Memory struct {
	rt *Runtime
}

// Memory returns the guest memory accessor of the runtime.
func (r *Runtime) Memory() *Memory {
	return &Memory{rt: r}
}

// Size returns the size of guest memory in bytes.
func (m *Memory) Size() uint32 {
	return m.rt.prot.Size()
}

func (m *Memory) access(offset, size uint32, write bool, fn func(b []byte)) error {
	buf := m.rt.prot.Buffer()
	if uint64(offset)+uint64(size) > uint64(len(buf)) {
		return fmt.Errorf("%w: offset %#x, size %d, memory size %#x", ErrOutOfBounds, offset, size, len(buf))
	}
	b := buf[offset : offset+size]

	// Every region faults at most twice: read, then write.
	limit := 2 * (int(size/m.rt.geom.LazyPageSize()) + 2)
	for attempt := 0; ; attempt++ {
		fault, faulted := sys.Catch(func() { fn(b) })
		if !faulted {
			return nil
		}
		if attempt == limit {
			return m.rt.failCurrent(fmt.Errorf("%w: addr %#x", ErrFaultLoop, fault.Addr))
		}
		if err := m.rt.HandleFault(FaultInfo{Addr: fault.Addr, IsWrite: write}); err != nil {
			return err
		}
	}
}

// Read reads len(p) bytes at offset.
func (m *Memory) Read(offset uint32, p []byte) error {
	return m.access(offset, uint32(len(p)), false, func(b []byte) { copy(p, b) })
}

// Write writes p at offset.
func (m *Memory) Write(offset uint32, p []byte) error {
	return m.access(offset, uint32(len(p)), true, func(b []byte) { copy(b, p) })
}

// Read8 reads a byte.
func (m *Memory) Read8(offset uint32) (uint8, error) {
	var v uint8
	err := m.access(offset, 1, false, func(b []byte) { v = b[0] })
	return v, err
}

// Read16 reads a little-endian uint16.
func (m *Memory) Read16(offset uint32) (uint16, error) {
	var v uint16
	err := m.access(offset, 2, false, func(b []byte) { v = binary.LittleEndian.Uint16(b) })
	return v, err
}

// Read32 reads a little-endian uint32.
func (m *Memory) Read32(offset uint32) (uint32, error) {
	var v uint32
	err := m.access(offset, 4, false, func(b []byte) { v = binary.LittleEndian.Uint32(b) })
	return v, err
}

// Read64 reads a little-endian uint64.
func (m *Memory) Read64(offset uint32) (uint64, error) {
	var v uint64
	err := m.access(offset, 8, false, func(b []byte) { v = binary.LittleEndian.Uint64(b) })
	return v, err
}

// Write8 writes a byte.
func (m *Memory) Write8(offset uint32, v uint8) error {
	return m.access(offset, 1, true, func(b []byte) { b[0] = v })
}

// Write16 writes a little-endian uint16.
func (m *Memory) Write16(offset uint32, v uint16) error {
	return m.access(offset, 2, true, func(b []byte) { binary.LittleEndian.PutUint16(b, v) })
}

// Write32 writes a little-endian uint32.
func (m *Memory) Write32(offset uint32, v uint32) error {
	return m.access(offset, 4, true, func(b []byte) { binary.LittleEndian.PutUint32(b, v) })
}

// Write64 writes a little-endian uint64.
func (m *Memory) Write64(offset uint32, v uint64) error {
	return m.access(offset, 8, true, func(b []byte) { binary.LittleEndian.PutUint64(b, v) })
}
