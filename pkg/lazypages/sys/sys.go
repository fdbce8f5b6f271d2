// Package sys turns hardware memory faults into values the lazy-pages handler can
// act on.
//
// The Go runtime owns SIGSEGV/SIGBUS. With debug.SetPanicOnFault enabled for the
// running goroutine, a fault at a non-nil address inside Go code becomes a runtime
// panic whose value reports the faulting address. Catch recovers exactly that panic
// and hands the address back; the caller resolves the fault and replays the access,
// which is the Go counterpart of returning from a signal handler to re-execute the
// faulting instruction.
package sys

import (
	"runtime/debug"
	"sync"

	"github.com/fortiblox/X1-Lazypages/pkg/lazypages/mprotect"
)

// Fault describes a caught memory access violation.
type Fault struct {
	// Addr is the faulting host address.
	Addr uintptr
}

// addressable is implemented by runtime errors raised for memory faults.
type addressable interface {
	Addr() uintptr
}

// Catch runs fn and reports a memory fault raised by it. Panics that are not memory
// faults propagate unchanged.
func Catch(fn func()) (fault Fault, faulted bool) {
	prev := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(prev)

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if a, ok := r.(addressable); ok {
			fault = Fault{Addr: a.Addr()}
			faulted = true
			return
		}
		panic(r)
	}()

	fn()
	return Fault{}, false
}

var (
	probeOnce   sync.Once
	probeResult bool
)

// Supported reports whether faults on protected memory can be caught and resolved
// on this host. The check runs once per process.
func Supported() bool {
	probeOnce.Do(func() {
		probeResult = mprotect.Supported && selfTest()
	})
	return probeResult
}
