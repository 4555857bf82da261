//go:build unix

package sim

import (
	"golang.org/x/sys/unix"
)

// newBacking maps size bytes of anonymous memory to stand in for RAM.
func newBacking(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func freeBacking(b []byte) error {
	return unix.Munmap(b)
}
