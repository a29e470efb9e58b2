//go:build unix

// Package spawn launches a detached child process. It replaces the
// original implementation's double-fork-and-daemonize dance (fork, setsid,
// fork again, so the arbiter survives its launching client) with the Go
// equivalent: os/exec plus a detached session, per spec.md §9's "process
// model" design note.
package spawn

import (
	"fmt"
	"os/exec"
	"syscall"

	"github.com/ocx/dsm/internal/dsmerr"
)

// SpawnDetached starts path with args as a new session leader, detached
// from the caller's controlling terminal and process group, and returns
// once the child has started. It does not wait for the child to exit: the
// arbiter it launches is expected to outlive the caller.
func SpawnDetached(path string, args []string) error {
	cmd := exec.Command(path, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start %s: %v", dsmerr.ErrUnavailable, path, err)
	}

	// Reap the child's exit status in the background so it never lingers
	// as a zombie; nothing in this process needs the exit code.
	go func() { _ = cmd.Wait() }()

	return nil
}
