//go:build !unix

package spawn

import (
	"fmt"
	"os/exec"

	"github.com/ocx/dsm/internal/dsmerr"
)

// SpawnDetached starts path with args. Session detachment is a Unix-only
// refinement; on other platforms the child is simply started without it.
func SpawnDetached(path string, args []string) error {
	cmd := exec.Command(path, args...)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start %s: %v", dsmerr.ErrUnavailable, path, err)
	}

	go func() { _ = cmd.Wait() }()

	return nil
}
