package executor

import (
	"encoding/binary"
	"fmt"

	"github.com/fortiblox/X1-Lazypages/pkg/lazypages"
)

// Memory is guest linear memory as seen by a Program.
type Memory interface {
	Size() uint32
	Read(offset uint32, p []byte) error
	Write(offset uint32, p []byte) error
	Read8(offset uint32) (uint8, error)
	Read16(offset uint32) (uint16, error)
	Read32(offset uint32) (uint32, error)
	Read64(offset uint32) (uint64, error)
	Write8(offset uint32, v uint8) error
	Write16(offset uint32, v uint16) error
	Write32(offset uint32, v uint32) error
	Write64(offset uint32, v uint64) error
}

var (
	_ Memory = (*lazypages.Memory)(nil)
	_ Memory = (*eagerMemory)(nil)
)

// eagerMemory accesses a fully loaded buffer directly. Once fatal reports an
// error every access fails with it.
type eagerMemory struct {
	buffer func() []byte
	fatal  func() error
}

// translate returns the bytes at [offset, offset+size).
func (m *eagerMemory) translate(offset, size uint32) ([]byte, error) {
	if err := m.fatal(); err != nil {
		return nil, err
	}
	buf := m.buffer()
	end := uint64(offset) + uint64(size)
	if end > uint64(len(buf)) {
		return nil, fmt.Errorf("%w: offset %#x, size %d, memory size %#x",
			lazypages.ErrOutOfBounds, offset, size, len(buf))
	}
	return buf[offset:end], nil
}

func (m *eagerMemory) Size() uint32 {
	return uint32(len(m.buffer()))
}

func (m *eagerMemory) Read(offset uint32, p []byte) error {
	mem, err := m.translate(offset, uint32(len(p)))
	if err != nil {
		return err
	}
	copy(p, mem)
	return nil
}

func (m *eagerMemory) Write(offset uint32, p []byte) error {
	mem, err := m.translate(offset, uint32(len(p)))
	if err != nil {
		return err
	}
	copy(mem, p)
	return nil
}

func (m *eagerMemory) Read8(offset uint32) (uint8, error) {
	mem, err := m.translate(offset, 1)
	if err != nil {
		return 0, err
	}
	return mem[0], nil
}

func (m *eagerMemory) Read16(offset uint32) (uint16, error) {
	mem, err := m.translate(offset, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(mem), nil
}

func (m *eagerMemory) Read32(offset uint32) (uint32, error) {
	mem, err := m.translate(offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(mem), nil
}

func (m *eagerMemory) Read64(offset uint32) (uint64, error) {
	mem, err := m.translate(offset, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(mem), nil
}

func (m *eagerMemory) Write8(offset uint32, v uint8) error {
	mem, err := m.translate(offset, 1)
	if err != nil {
		return err
	}
	mem[0] = v
	return nil
}

func (m *eagerMemory) Write16(offset uint32, v uint16) error {
	mem, err := m.translate(offset, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(mem, v)
	return nil
}

func (m *eagerMemory) Write32(offset uint32, v uint32) error {
	mem, err := m.translate(offset, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(mem, v)
	return nil
}

func (m *eagerMemory) Write64(offset uint32, v uint64) error {
	mem, err := m.translate(offset, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(mem, v)
	return nil
}
