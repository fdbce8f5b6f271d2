//go:build !unix

package mprotect

// Supported reports whether protection changes are available on this platform.
const Supported = false

func protect(b []byte, prot Prot) error {
	return ErrUnsupported
}
