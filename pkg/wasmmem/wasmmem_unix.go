//go:build unix

package wasmmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func reserveMapping(size uint64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("reserve %#x bytes: %w", size, err)
	}
	return b, nil
}

func commit(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("commit %#x bytes: %w", len(b), err)
	}
	return nil
}

func release(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}
