//go:build !unix

package runtime

// defaultDirtyPageSource falls back to the portable guarded source on
// non-Unix hosts, where internal/shmfile.Map does not provide a real
// MAP_SHARED mapping to reprotect in the first place.
func defaultDirtyPageSource() DirtyPageSource { return guardedSource{} }

func protectReadOnly(mem []byte) error { return nil }
