// Package dsmerr defines the sentinel error kinds shared by every DSM
// component. Callers wrap these with fmt.Errorf("...: %w", dsmerr.ErrX) to
// add call-site context; library code should compare with errors.Is.
package dsmerr

import "errors"

var (
	// ErrArgument marks bad configuration: zero nproc, an empty semaphore
	// name, an oversize session tag, and similar caller mistakes caught
	// before any side effect occurs.
	ErrArgument = errors.New("dsm: invalid argument")

	// ErrState marks API misuse: double Init, using a Handle after Exit,
	// calling Exit twice.
	ErrState = errors.New("dsm: invalid state")

	// ErrUnavailable marks an arbiter that could not be reached within the
	// connect-poll budget.
	ErrUnavailable = errors.New("dsm: arbiter unavailable")

	// ErrProtocol marks a malformed frame, an unexpected message kind, or a
	// pid/gid mismatch between what was sent and what was acknowledged.
	ErrProtocol = errors.New("dsm: protocol error")

	// ErrIO marks a socket closed unexpectedly, a short read/write against
	// the shared file, or an mmap/mprotect failure.
	ErrIO = errors.New("dsm: i/o error")

	// ErrFatal marks an invariant violation: a fault outside the shared
	// region, cohort overflow, a disagreement about the page size.
	ErrFatal = errors.New("dsm: fatal invariant violation")
)
