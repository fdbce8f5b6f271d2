//go:build !unix

package wasmmem

// Without mmap the reservation is an ordinary slice, which never needs committing.
func reserveMapping(size uint64) ([]byte, error) {
	return make([]byte, size), nil
}

func commit(b []byte) error {
	return nil
}

func release(b []byte) error {
	return nil
}
