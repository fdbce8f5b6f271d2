//go:build !unix

package sys

func selfTest() bool {
	return false
}
