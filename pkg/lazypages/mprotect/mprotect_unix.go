//go:build unix

package mprotect

import (
	"golang.org/x/sys/unix"
)

// Supported reports whether protection changes are available on this platform.
const Supported = true

func protect(b []byte, prot Prot) error {
	var p int
	switch prot {
	case ProtNone:
		p = unix.PROT_NONE
	case ProtRead:
		p = unix.PROT_READ
	default:
		p = unix.PROT_READ | unix.PROT_WRITE
	}
	return unix.Mprotect(b, p)
}
