//go:build unix

package runtime

import (
	"fmt"
	"runtime/debug"

	"github.com/ocx/dsm/internal/dsmerr"
	"github.com/ocx/dsm/internal/shmfile"
)

func init() {
	// Converts an out-of-bounds/protection-violation memory access within
	// Go-managed data into a recoverable panic instead of crashing the
	// process. The setting is per goroutine, so this covers only the
	// goroutine running package initialization; signalTrapSource.Capture
	// sets it again on its own goroutine. See spec.md §9's "signal-driven
	// control flow -> message pump" design note.
	debug.SetPanicOnFault(true)
}

// signalTrapSource reprotects the touched pages around apply, mirroring
// steps 2/4/6 of spec.md §4.2's write-capture sequence on hosts where
// mmap/mprotect are available.
type signalTrapSource struct{}

func (signalTrapSource) Capture(mem []byte, off, length int, apply func()) (err error) {
	start, end := pageAligned(int64(off), length)
	pages := mem[start:end]

	// Turn a fault inside apply into a panic recovered below, on whichever
	// goroutine calls Capture; the previous setting is restored on return.
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))

	if perr := shmfile.Protect(pages, shmfile.ProtRead|shmfile.ProtWrite); perr != nil {
		return perr
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: write fault while capturing page: %v", dsmerr.ErrFatal, r)
		}
		if perr := shmfile.Protect(pages, shmfile.ProtRead); perr != nil && err == nil {
			err = perr
		}
	}()

	apply()
	return nil
}

func defaultDirtyPageSource() DirtyPageSource { return signalTrapSource{} }

func protectReadOnly(mem []byte) error {
	return shmfile.Protect(mem, shmfile.ProtRead)
}
