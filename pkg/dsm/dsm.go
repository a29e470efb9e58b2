// Package dsm is the public API for joining and participating in a
// distributed shared memory session: a fixed-size cohort of processes that
// share a page-coherent memory region, coordinated by a per-host arbiter
// (see internal/arbiter) and, optionally, a cross-host session daemon
// (see internal/daemon).
//
// Quick start:
//
//	region, err := dsm.InitSimple("my-session", 4, 4096)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer region.Exit()
//
//	var buf [5]byte
//	region.ReadAt(buf[:], 0)
//	region.WriteAt([]byte("hello"), 0)
//	region.Barrier()
package dsm

import (
	"github.com/ocx/dsm/internal/dsmerr"
	"github.com/ocx/dsm/internal/runtime"
)

// Re-exported sentinel errors, so callers never need to import
// internal/dsmerr directly.
var (
	ErrArgument   = dsmerr.ErrArgument
	ErrState      = dsmerr.ErrState
	ErrUnavailable = dsmerr.ErrUnavailable
	ErrProtocol   = dsmerr.ErrProtocol
	ErrIO         = dsmerr.ErrIO
	ErrFatal      = dsmerr.ErrFatal
)

// Config configures Init. See internal/runtime.Config for field semantics;
// it is aliased here so callers never need to import an internal package.
type Config = runtime.Config

// Region is the joined session: the shared memory view plus every
// coordination primitive (Barrier, PostSem, WaitSem, Exit). It wraps
// internal/runtime.Handle and internal/runtime.Region behind one value so
// callers have a single object to hold.
type Region struct {
	h *runtime.Handle
	r *runtime.Region
}

// Init joins a session per cfg, blocking until the whole cohort (nproc
// processes) has checked in.
func Init(cfg Config) (*Region, error) {
	h, r, err := runtime.Init(cfg)
	if err != nil {
		return nil, err
	}
	return &Region{h: h, r: r}, nil
}

// InitSimple is Init with the default daemon endpoint (127.0.0.1:4200).
func InitSimple(sid string, nproc uint, mapSize int) (*Region, error) {
	h, r, err := runtime.InitSimpleHandle(sid, nproc, mapSize)
	if err != nil {
		return nil, err
	}
	return &Region{h: h, r: r}, nil
}

// GID returns the global identifier assigned to this process at check-in.
func (s *Region) GID() int32 { return s.h.GetGID() }

// Len returns the size of the shared region in bytes.
func (s *Region) Len() int { return s.r.Len() }

// ReadAt copies len(p) bytes starting at off out of the shared region.
func (s *Region) ReadAt(p []byte, off int64) (int, error) { return s.r.ReadAt(p, off) }

// WriteAt captures p into the shared region at off and publishes it to
// every other process in the cohort before returning.
func (s *Region) WriteAt(p []byte, off int64) (int, error) { return s.h.WriteAt(p, off) }

// Barrier blocks until every process in the cohort has called Barrier.
func (s *Region) Barrier() error { return s.h.Barrier() }

// PostSem increments the named semaphore, waking a waiter if one is queued.
func (s *Region) PostSem(name string) error { return s.h.PostSem(name) }

// WaitSem blocks until the named semaphore is positive, then decrements it.
func (s *Region) WaitSem(name string) error { return s.h.WaitSem(name) }

// Exit leaves the cohort and releases the shared region.
func (s *Region) Exit() error { return s.h.Exit() }
