// Package shmfile manages the backing file for the shared memory region.
// Per spec.md §3, the arbiter is the sole creator/truncator of this file;
// clients only open and map it. Both sides live in one package because the
// invariant ("first==0", i.e. a client must never be the one that creates
// the file — see spec.md §9 Open Question (a)) is easiest to keep correct
// when OpenExisting and CreateTruncate sit next to each other.
package shmfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ocx/dsm/internal/dsmerr"
)

// DefaultDir is the conventional shared-memory directory files live under
// when a Config does not override SharedFilePath.
func DefaultDir() string {
	return filepath.Join(os.TempDir(), "dsm")
}

// PathFor derives the conventional shared file path for a session.
func PathFor(sidName string) string {
	return filepath.Join(DefaultDir(), fmt.Sprintf("%s.shm", sidName))
}

// CreateTruncate creates (or truncates) and sizes the backing file. Only
// the arbiter calls this.
func CreateTruncate(path string, size int) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", dsmerr.ErrIO, filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", dsmerr.ErrIO, path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: truncate %s to %d: %v", dsmerr.ErrIO, path, size, err)
	}
	return f, nil
}

// OpenExisting opens a file that must already exist; creating it here
// would violate the arbiter-is-sole-creator invariant, so O_CREATE is
// never passed.
func OpenExisting(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", dsmerr.ErrIO, path, err)
	}
	return f, nil
}

// Size returns the current size of an open shared file.
func Size(f *os.File) (int, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat: %v", dsmerr.ErrIO, err)
	}
	return int(info.Size()), nil
}
