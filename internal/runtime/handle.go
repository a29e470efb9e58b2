package runtime

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ocx/dsm/internal/dsmerr"
	"github.com/ocx/dsm/internal/protocol"
	"github.com/ocx/dsm/internal/shmfile"
	"github.com/ocx/dsm/internal/spawn"
)

// Handle is the single runtime object bundling everything a participant
// needs: the control connection, the GID, and the mapped region. Every
// library operation is a method on *Handle; there is no hidden
// package-level state (spec.md §9).
type Handle struct {
	cfg  Config
	pid  int32
	conn *frameConn
	log  *slog.Logger

	region *Region

	stateMu sync.Mutex
	gid     int32
	gidSet  bool
	exited  bool

	pauseMu sync.RWMutex // held exclusively by the read loop during STP_ALL..CNT_ALL

	gidCh   chan int32
	cntCh   chan struct{}
	semCh   chan struct{}
	synAck  chan struct{}

	readErrMu sync.Mutex
	readErr   error
	doneCh    chan struct{}
}

// Init connects this process to its host's arbiter, maps the shared
// region, and blocks until the cohort is complete (spec.md §4.2).
func Init(cfg Config) (*Handle, *Region, error) {
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}
	if ps := os.Getpagesize(); ps != protocol.PageSize {
		return nil, nil, fmt.Errorf("%w: OS page size %d does not match protocol page size %d", dsmerr.ErrFatal, ps, protocol.PageSize)
	}
	if cfg.ArbiterAddr == "" {
		cfg.ArbiterAddr = DefaultArbiterAddr
	}
	if cfg.SharedFilePath == "" {
		cfg.SharedFilePath = defaultSharedFilePath(cfg.SIDName)
	}

	if cfg.ArbiterBinary != "" {
		args := []string{
			fmt.Sprint(cfg.NProc), cfg.SIDName, cfg.DAddr, cfg.DPort, fmt.Sprint(cfg.MapSize),
		}
		if err := spawn.SpawnDetached(cfg.ArbiterBinary, args); err != nil {
			return nil, nil, fmt.Errorf("%w: spawn arbiter: %v", dsmerr.ErrUnavailable, err)
		}
	}

	conn, err := connectWithRetry(cfg.ArbiterAddr, cfg.ConnectPollAttempts, cfg.ConnectPollInterval)
	if err != nil {
		return nil, nil, err
	}

	mem, closer, err := mapSharedRegion(cfg.SharedFilePath, cfg.MapSize)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	region := newRegion(mem, defaultDirtyPageSource(), closer)

	h := &Handle{
		cfg:    cfg,
		pid:    int32(os.Getpid()),
		conn:   newFrameConn(conn),
		log:    slog.Default().With("sid", cfg.SIDName, "pid", os.Getpid()),
		region: region,
		gidCh:  make(chan int32, 1),
		cntCh:  make(chan struct{}, 1),
		semCh:  make(chan struct{}, 1),
		synAck: make(chan struct{}, 1),
		doneCh: make(chan struct{}),
	}

	// Drop to read-only before any application code can run: between
	// check-in and the first captured write, the region is steady-state
	// read-only on every participant (spec.md §3).
	if err := protectReadOnly(mem); err != nil {
		region.onClose()
		conn.Close()
		return nil, nil, err
	}

	go h.readLoop()

	if err := h.conn.send(protocol.Message{Kind: protocol.KindAddPID, PID: h.pid}); err != nil {
		h.abort(err)
		return nil, nil, err
	}

	select {
	case gid := <-h.gidCh:
		h.stateMu.Lock()
		h.gid = gid
		h.gidSet = true
		h.stateMu.Unlock()
	case <-h.doneCh:
		return nil, nil, h.lastErr()
	}

	h.log.Info("joined cohort", "gid", h.gid)
	return h, region, nil
}

// InitSimpleHandle is Init with the default daemon endpoint, per
// original_source/src/dsm.c's dsm_init2.
func InitSimpleHandle(sid string, nproc uint, mapSize int) (*Handle, *Region, error) {
	return Init(InitSimple(sid, nproc, mapSize))
}

func defaultSharedFilePath(sid string) string {
	return shmfile.PathFor(sid)
}

func connectWithRetry(addr string, attempts int, interval time.Duration) (net.Conn, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		time.Sleep(interval)
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: could not reach arbiter at %s after %d attempts: %v", dsmerr.ErrUnavailable, addr, attempts, lastErr)
}

// GetGID returns the global identifier assigned at check-in.
func (h *Handle) GetGID() int32 {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	return h.gid
}

func (h *Handle) lastErr() error {
	h.readErrMu.Lock()
	defer h.readErrMu.Unlock()
	if h.readErr != nil {
		return h.readErr
	}
	return fmt.Errorf("%w: connection to arbiter lost", dsmerr.ErrIO)
}

// abort records a fatal error and unblocks any goroutine waiting on doneCh.
// Per spec.md §7, ErrIO/ErrProtocol from the arbiter connection are fatal:
// the cohort cannot make progress with a divergent peer.
func (h *Handle) abort(err error) {
	h.readErrMu.Lock()
	if h.readErr == nil {
		h.readErr = err
	}
	h.readErrMu.Unlock()
	select {
	case <-h.doneCh:
	default:
		close(h.doneCh)
	}
}
