// Package runtime implements the client-side DSM sync runtime: connecting
// to a per-host arbiter, mapping the shared region, capturing writes, and
// providing the barrier/semaphore coordination primitives. Every operation
// is a method on *Handle — there is no package-level mutable state, per
// spec.md §9's "global mutable state -> explicit context" design note.
package runtime

import (
	"fmt"
	"time"

	"github.com/ocx/dsm/internal/dsmerr"
	"github.com/ocx/dsm/internal/protocol"
)

// Default values grounded on original_source/src/dsm.c's constants
// (DSM_MAX_SOCK_POLL, DSM_SOCK_POLL_RATE) and its dsm_init2 convenience
// wrapper's default daemon endpoint.
const (
	DefaultConnectPollAttempts = 15
	DefaultConnectPollInterval = 250 * time.Millisecond
	DefaultDaemonAddr          = "127.0.0.1"
	DefaultDaemonPort          = "4200"

	// DefaultArbiterAddr is the loopback endpoint Init polls for the local
	// arbiter (spec.md §6: "the arbiter picks a well-known local port").
	DefaultArbiterAddr = "127.0.0.1:4040"

	// MaxSessionNameLen bounds sid_name per spec.md §6 ("sid_name ... <=31 chars").
	MaxSessionNameLen = 31
)

// Config is the configuration accepted by Init. NProc, SIDName, DAddr/DPort
// and MapSize are the options spec.md §6 enumerates; the remaining fields
// are local overrides.
type Config struct {
	// NProc is the cohort size; must be >= 1.
	NProc uint

	// SIDName tags the session; must be non-empty and at most
	// MaxSessionNameLen bytes.
	SIDName string

	// DAddr/DPort address the global session daemon this host's arbiter
	// reports to. Defaults to DefaultDaemonAddr/DefaultDaemonPort.
	DAddr string
	DPort string

	// MapSize is the size in bytes of the shared region; must be a
	// positive multiple of the OS page size.
	MapSize int

	// ArbiterAddr overrides the loopback endpoint Init polls for the local
	// arbiter. Defaults to DefaultArbiterAddr.
	ArbiterAddr string

	// SharedFilePath overrides the shared-memory-backed file path the
	// arbiter is expected to have created. Defaults to a conventional path
	// derived from SIDName under os.TempDir()/dsm.
	SharedFilePath string

	// ConnectPollAttempts/ConnectPollInterval override the init-time
	// connect-retry budget (spec.md §4.2 step 2).
	ConnectPollAttempts int
	ConnectPollInterval time.Duration

	// ArbiterBinary is the executable Init spawns (via internal/spawn) if
	// the local arbiter is not already reachable. Left empty, Init skips
	// spawning and only polls — callers that already manage the arbiter's
	// lifecycle (tests, the CLI launcher) set this to "".
	ArbiterBinary string
}

// InitSimple builds the default configuration described in spec.md §6 and
// original_source/src/dsm.c's dsm_init2: daemon at 127.0.0.1:4200.
func InitSimple(sid string, nproc uint, mapSize int) Config {
	return Config{
		NProc:   nproc,
		SIDName: sid,
		DAddr:   DefaultDaemonAddr,
		DPort:   DefaultDaemonPort,
		MapSize: mapSize,
	}
}

func (c *Config) validate() error {
	if c.NProc == 0 {
		return fmt.Errorf("%w: nproc must be >= 1", dsmerr.ErrArgument)
	}
	if c.SIDName == "" {
		return fmt.Errorf("%w: sid_name must not be empty", dsmerr.ErrArgument)
	}
	if len(c.SIDName) > MaxSessionNameLen {
		return fmt.Errorf("%w: sid_name exceeds %d bytes", dsmerr.ErrArgument, MaxSessionNameLen)
	}
	if c.MapSize <= 0 {
		return fmt.Errorf("%w: map_size must be positive", dsmerr.ErrArgument)
	}
	if c.MapSize%protocol.PageSize != 0 {
		return fmt.Errorf("%w: map_size must be a multiple of the page size (%d)", dsmerr.ErrArgument, protocol.PageSize)
	}
	if c.DAddr == "" {
		c.DAddr = DefaultDaemonAddr
	}
	if c.DPort == "" {
		c.DPort = DefaultDaemonPort
	}
	if c.ConnectPollAttempts <= 0 {
		c.ConnectPollAttempts = DefaultConnectPollAttempts
	}
	if c.ConnectPollInterval <= 0 {
		c.ConnectPollInterval = DefaultConnectPollInterval
	}
	return nil
}
