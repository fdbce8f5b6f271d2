package executor

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/fortiblox/X1-Lazypages/pkg/lazypages"
	"github.com/fortiblox/X1-Lazypages/pkg/pages"
)

// Env is the view of a running program on its instance.
type Env struct {
	x *execution
}

// Memory returns guest memory.
func (e *Env) Memory() Memory {
	return e.x.backend.memory()
}

// MemoryPages returns the memory size in WASM pages.
func (e *Env) MemoryPages() uint32 {
	return e.x.mem.Size() / pages.WasmPageSize
}

// Status returns the gas status of the execution.
func (e *Env) Status() lazypages.Status {
	return e.x.status()
}

// Charge consumes gas for work done by the program. It fails with
// ErrGasExhausted once any charge, including lazy page charges, ran out of gas,
// and with the fatal memory error once one aborted the execution.
func (e *Env) Charge(amount uint64) error {
	if err := e.x.backend.err(); err != nil {
		return err
	}
	if s := e.x.backend.status(); s != lazypages.StatusNormal {
		return fmt.Errorf("%w: %v", ErrGasExhausted, s)
	}
	return e.x.meter.Consume(amount)
}

// GasLeft returns the gas counter.
func (e *Env) GasLeft() (uint64, error) {
	gas, _, err := e.x.meter.Remaining()
	return gas, err
}

// HostRead returns a copy of size bytes at offset, as a host function reading
// guest memory would.
func (e *Env) HostRead(offset, size uint32) ([]byte, error) {
	if err := e.prepare([]lazypages.MemoryInterval{{Offset: offset, Size: size}}, nil); err != nil {
		return nil, err
	}
	buf := e.x.lm.Bytes()
	return append([]byte(nil), buf[offset:offset+size]...), nil
}

// HostWrite copies data to offset, as a host function writing guest memory would.
func (e *Env) HostWrite(offset uint32, data []byte) error {
	if err := e.prepare(nil, []lazypages.MemoryInterval{{Offset: offset, Size: uint32(len(data))}}); err != nil {
		return err
	}
	copy(e.x.lm.Bytes()[offset:], data)
	return nil
}

func (e *Env) prepare(reads, writes []lazypages.MemoryInterval) error {
	status, err := e.x.backend.prepare(reads, writes)
	if err != nil {
		return err
	}
	if status != lazypages.StatusNormal {
		return fmt.Errorf("%w: %v", ErrGasExhausted, status)
	}
	return nil
}

// Grow grows memory by delta WASM pages and returns the previous size. New pages
// above the stack are backed by storage like the initial ones.
func (e *Env) Grow(delta uint32) (uint32, error) {
	x := e.x
	oldSize := x.mem.Size()
	oldAddr := x.lm.Base()
	if err := x.backend.beforeGrow(); err != nil {
		return 0, err
	}

	prev, ok := x.mem.Grow(delta)
	if !ok {
		if err := x.backend.afterGrow(oldAddr, oldSize, nil); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %d pages by %d", ErrMemoryGrow, oldSize/pages.WasmPageSize, delta)
	}

	newSize := x.mem.Size()
	added := x.exec.pageRange(oldSize, newSize, x.stackEnd)
	if err := x.backend.afterGrow(oldAddr, newSize, added); err != nil {
		return 0, err
	}
	x.exec.log.WithFields(logrus.Fields{
		"from": prev,
		"to":   newSize / pages.WasmPageSize,
		"base": fmt.Sprintf("%#x", x.lm.Base()),
	}).Debug("Grew guest memory")
	return prev, nil
}
