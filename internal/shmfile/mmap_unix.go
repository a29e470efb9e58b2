//go:build unix

package shmfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/ocx/dsm/internal/dsmerr"
)

// Map maps f MAP_SHARED for size bytes with the given protection. The
// returned slice's address is page-aligned, as required by Mprotect in
// internal/runtime's signal-trap dirty page source.
func Map(f *os.File, size int, prot int) ([]byte, error) {
	mem, err := unix.Mmap(int(f.Fd()), 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap: %v", dsmerr.ErrIO, err)
	}
	return mem, nil
}

// Unmap releases a mapping returned by Map.
func Unmap(mem []byte) error {
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("%w: munmap: %v", dsmerr.ErrIO, err)
	}
	return nil
}

// Protect changes the protection of an existing mapping (or a page-aligned
// sub-slice of one) in place.
func Protect(mem []byte, prot int) error {
	if err := unix.Mprotect(mem, prot); err != nil {
		return fmt.Errorf("%w: mprotect: %v", dsmerr.ErrIO, err)
	}
	return nil
}

const (
	ProtRead  = unix.PROT_READ
	ProtWrite = unix.PROT_WRITE
)
