//go:build unix

package sys

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

//go:noinline
func touch(p *byte) byte {
	return *p
}

// selfTest protects one page, reads it, and checks that the fault is caught with
// the right address and that the read succeeds once the page is unprotected.
func selfTest() bool {
	ps := os.Getpagesize()
	buf, err := unix.Mmap(-1, 0, ps, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return false
	}
	defer unix.Munmap(buf)

	buf[ps/2] = 0x5A
	if err := unix.Mprotect(buf, unix.PROT_NONE); err != nil {
		return false
	}

	var got byte
	target := &buf[ps/2]
	fault, faulted := Catch(func() { got = touch(target) })
	if !faulted || fault.Addr != uintptr(unsafe.Pointer(target)) {
		return false
	}

	if err := unix.Mprotect(buf, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return false
	}
	if _, faulted := Catch(func() { got = touch(target) }); faulted {
		return false
	}
	return got == 0x5A
}
