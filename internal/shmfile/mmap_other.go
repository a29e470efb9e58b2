//go:build !unix

package shmfile

import (
	"fmt"
	"os"

	"github.com/ocx/dsm/internal/dsmerr"
)

// Map on non-Unix hosts falls back to reading the whole file into a plain
// Go slice; there is no real MAP_SHARED here and the slice is never written
// back to the file, so a client's view changes only through its own writes
// and the WRT_DATA frames relayed to it. DSM's protocol is
// POSIX in spirit (spec.md assumes mmap/mprotect throughout); this path
// exists only so the module builds on non-Unix hosts, not as a supported
// deployment target.
func Map(f *os.File, size int, prot int) ([]byte, error) {
	mem := make([]byte, size)
	if _, err := f.ReadAt(mem, 0); err != nil {
		return nil, fmt.Errorf("%w: read shared file: %v", dsmerr.ErrIO, err)
	}
	return mem, nil
}

func Unmap(mem []byte) error { return nil }

func Protect(mem []byte, prot int) error { return nil }

const (
	ProtRead  = 1
	ProtWrite = 2
)
