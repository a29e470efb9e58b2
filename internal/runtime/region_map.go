package runtime

import (
	"fmt"

	"github.com/ocx/dsm/internal/dsmerr"
	"github.com/ocx/dsm/internal/shmfile"
)

// mapSharedRegion opens the shared file at path (which must already exist
// — see spec.md §9 Open Question (a)), verifies its size matches
// wantSize, and maps it read-write. Callers are responsible for dropping
// to read-only protection once mapped (Init does this immediately, per
// spec.md §4.2 step 3).
func mapSharedRegion(path string, wantSize int) (mem []byte, closer func() error, err error) {
	f, err := shmfile.OpenExisting(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: shared file not found at %s (arbiter not up?)", dsmerr.ErrUnavailable, path)
	}

	size, err := shmfile.Size(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if size != wantSize {
		f.Close()
		return nil, nil, fmt.Errorf("%w: shared file size %d does not match map_size %d", dsmerr.ErrFatal, size, wantSize)
	}

	mem, err = shmfile.Map(f, size, shmfile.ProtRead|shmfile.ProtWrite)
	if err != nil {
		f.Close()
		return nil, nil, err
	}

	return mem, func() error {
		unmapErr := shmfile.Unmap(mem)
		closeErr := f.Close()
		if unmapErr != nil {
			return unmapErr
		}
		return closeErr
	}, nil
}
