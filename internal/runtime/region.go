package runtime

import (
	"fmt"

	"github.com/ocx/dsm/internal/dsmerr"
	"github.com/ocx/dsm/internal/protocol"
)

// DirtyPageSource grants write access to mem[off:off+length] for the
// duration of apply and restores steady-state protection afterward. The
// two implementations (guardedSource, signalTrapSource) differ only in
// whether the OS is asked to enforce read-only access around apply; see
// spec.md §9's "signal-driven control flow -> message pump" design note.
type DirtyPageSource interface {
	Capture(mem []byte, off, length int, apply func()) error
}

// guardedSource is the portable implementation: apply runs directly, since
// the region is a plain Go slice never placed under OS write protection.
// This is the "explicit publish(page) API" named in spec.md §9(b). It is the
// default on non-Unix hosts (region_other.go) and what ops_test.go's unit
// tests construct directly; on Unix hosts Init uses signalTrapSource.
type guardedSource struct{}

func (guardedSource) Capture(_ []byte, _, _ int, apply func()) error {
	apply()
	return nil
}

// Region is the client-side view of the shared memory region: a byte
// slice plus the write-capture machinery that turns an application write
// into the SYN_REQ/WRT_DATA/SYN_ACK exchange spec.md §4.2 describes.
// Region satisfies io.ReaderAt; Handle.WriteAt (ops.go) is the
// capture-aware analogue of io.WriterAt (it additionally reports the write
// to the handle's coherence protocol, so it cannot satisfy io.WriterAt's
// "report only a short write as an error" contract in isolation).
type Region struct {
	mem    []byte
	source DirtyPageSource
	onClose func() error
}

func newRegion(mem []byte, source DirtyPageSource, onClose func() error) *Region {
	if source == nil {
		source = guardedSource{}
	}
	return &Region{mem: mem, source: source, onClose: onClose}
}

// Len returns the size of the mapped region in bytes.
func (r *Region) Len() int { return len(r.mem) }

// ReadAt copies len(p) bytes starting at off into p. Reads never fault:
// between coherence rounds the region is read-only and byte-identical
// across the cohort (spec.md §8 invariant 2), so no coordination is needed.
func (r *Region) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off) > len(r.mem) {
		return 0, fmt.Errorf("%w: read offset %d outside region of size %d", dsmerr.ErrFatal, off, len(r.mem))
	}
	n := copy(p, r.mem[off:])
	return n, nil
}

func (r *Region) boundsCheck(off int64, length int) error {
	if off < 0 || length < 0 || int(off)+length > len(r.mem) {
		return fmt.Errorf("%w: access [%d,%d) outside region of size %d", dsmerr.ErrFatal, off, int(off)+length, len(r.mem))
	}
	return nil
}

// applyRemote writes payload into the region at offset. Used by the
// control loop when a WRT_DATA frame arrives from the arbiter (either a
// relayed peer write, or while servicing STP_ALL per spec.md §4.2's
// "apply remote write").
func (r *Region) applyRemote(offset uint64, payload []byte) error {
	if err := r.boundsCheck(int64(offset), len(payload)); err != nil {
		return err
	}
	return r.source.Capture(r.mem, int(offset), len(payload), func() {
		copy(r.mem[offset:], payload)
	})
}

// pageAligned rounds off down and off+length up to PageSize boundaries,
// matching "the unit of coherence is one OS page" (spec.md §3).
func pageAligned(off int64, length int) (start, end int64) {
	start = (off / protocol.PageSize) * protocol.PageSize
	last := off + int64(length) - 1
	end = (last/protocol.PageSize + 1) * protocol.PageSize
	return start, end
}
