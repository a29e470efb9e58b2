// Package arbiter implements the per-host DSM arbiter: the single-threaded
// process that owns the shared memory backing file and mediates every
// coherence round, barrier, and semaphore operation for the processes
// checked into one session on this host (spec.md §4.3).
package arbiter

import (
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/ocx/dsm/internal/daemon"
	"github.com/ocx/dsm/internal/dsmerr"
	"github.com/ocx/dsm/internal/protocol"
	"github.com/ocx/dsm/internal/shmfile"
)

// Config is the arbiter's own configuration, distinct from
// internal/runtime.Config: it describes what this arbiter owns rather than
// what a client connects to (spec.md §6's dsm_arbiter CLI arguments).
type Config struct {
	NProc   uint
	SIDName string
	DAddr   string
	DPort   string
	MapSize int

	// GlobalNProc is the session's total cohort size across every host, for
	// the daemon's readiness gate. Defaults to NProc (a single-arbiter
	// session where the local cohort is the whole cohort).
	GlobalNProc uint

	// ListenAddr is the loopback address clients dial. Defaults to
	// runtime.DefaultArbiterAddr's value ("127.0.0.1:4040").
	ListenAddr string

	// SharedFilePath overrides the conventional shmfile.PathFor(SIDName).
	SharedFilePath string

	// MetricsAddr is not read by New or Run; cmd/dsm-arbiter serves
	// Prometheus metrics at /metrics from its own -metrics-addr flag.
	MetricsAddr string
}

func (c *Config) setDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:4040"
	}
	if c.SharedFilePath == "" {
		c.SharedFilePath = shmfile.PathFor(c.SIDName)
	}
}

// Arbiter is the single-threaded reactor for one session on one host. All
// fields below are only ever touched from the goroutine running Run; every
// other goroutine (the listener's Accept loop, each client's read loop)
// only ever writes to the shared events channel, per spec.md §9's "message
// pump instead of shared mutable state" design note.
type Arbiter struct {
	cfg Config
	log *slog.Logger
	met *Metrics

	listener net.Listener
	shmFile  *os.File

	events chan event

	clients       map[int32]*client // keyed by pid, populated on ADD_PID
	nextGID       int32
	barrierHit    map[int32]bool
	writeInFlight *client // non-nil between SYN_REQ and the requester's own SYN_ACK
	sems          *semTable

	daemon       *daemon.Client   // optional; nil if no session daemon is configured or reachable
	daemonEvents chan daemonEvent // fed by readDaemon; nil when daemon is nil, so the Run select's case on it never fires
	daemonReady  bool             // true once the daemon reports the cross-host cohort is complete
}

// daemonEvent carries one decoded daemon.Message (or the error that ended
// the connection) from readDaemon to Run's dispatcher goroutine, mirroring
// how event carries local client frames from readClient.
type daemonEvent struct {
	msg daemon.Message
	err error
}

// New validates cfg and creates the shared file and listen socket, but does
// not yet accept connections; call Run to start serving.
func New(cfg Config, log *slog.Logger) (*Arbiter, error) {
	if cfg.NProc == 0 {
		return nil, fmt.Errorf("%w: nproc must be >= 1", dsmerr.ErrArgument)
	}
	if cfg.SIDName == "" {
		return nil, fmt.Errorf("%w: sid_name must not be empty", dsmerr.ErrArgument)
	}
	cfg.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	log = log.With("sid", cfg.SIDName)

	shmFile, err := shmfile.CreateTruncate(cfg.SharedFilePath, cfg.MapSize)
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		shmFile.Close()
		return nil, fmt.Errorf("%w: listen %s: %v", dsmerr.ErrIO, cfg.ListenAddr, err)
	}

	a := &Arbiter{
		cfg:        cfg,
		log:        log,
		met:        NewMetrics(),
		listener:   listener,
		shmFile:    shmFile,
		events:     make(chan event, 64),
		clients:    make(map[int32]*client),
		barrierHit: make(map[int32]bool),
		sems:       newSemTable(),
	}

	if cfg.DAddr != "" && cfg.DPort != "" {
		globalNProc := cfg.GlobalNProc
		if globalNProc == 0 {
			globalNProc = cfg.NProc
		}
		dc, err := daemon.Register(net.JoinHostPort(cfg.DAddr, cfg.DPort), cfg.SIDName, cfg.NProc, globalNProc)
		if err != nil {
			log.Warn("session daemon unreachable, continuing single-host", "error", err)
		} else {
			a.daemon = dc
			a.daemonEvents = make(chan daemonEvent, 64)
		}
	}

	return a, nil
}

// Addr returns the address the listener actually bound, useful when Config
// was given port 0.
func (a *Arbiter) Addr() string { return a.listener.Addr().String() }

// Run accepts client connections and services events until every checked-in
// client has exited, then tears down the shared file and listener
// (spec.md §4.3's teardown phase).
func (a *Arbiter) Run() error {
	go a.acceptLoop()
	if a.daemon != nil {
		go a.readDaemon()
	}
	defer a.teardown()

	// a.daemonEvents is nil when no daemon is configured; a receive on a nil
	// channel never fires, so this select degrades to the single-host
	// for-range over a.events without a separate code path.
	for {
		select {
		case ev := <-a.events:
			if ev.err != nil {
				a.handleDisconnect(ev.pid, ev.conn, ev.err)
				if a.allExited() {
					return nil
				}
				continue
			}
			if err := a.handleMessage(ev.conn, ev.pid, ev.msg); err != nil {
				a.log.Error("handling message", "kind", ev.msg.Kind, "error", err)
				ev.conn.Close()
			}
			if a.allExited() {
				return nil
			}
		case dev := <-a.daemonEvents:
			if dev.err != nil {
				a.log.Warn("daemon connection lost", "error", dev.err)
				a.daemonEvents = nil // stop selecting this case; readDaemon has already returned
				continue
			}
			if err := a.handleDaemonMessage(dev.msg); err != nil {
				a.log.Error("handling daemon message", "kind", dev.msg.Kind, "error", err)
			}
		}
	}
}

// readDaemon relays decoded daemon.Messages to daemonEvents for Run's
// dispatcher, the same one-goroutine-per-connection pattern readClient uses
// for local clients: this is the only goroutine that calls a.daemon.Recv.
func (a *Arbiter) readDaemon() {
	for {
		msg, err := a.daemon.Recv()
		if err != nil {
			a.daemonEvents <- daemonEvent{err: err}
			return
		}
		a.daemonEvents <- daemonEvent{msg: msg}
	}
}

func (a *Arbiter) acceptLoop() {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return
		}
		go a.readClient(conn)
	}
}

func (a *Arbiter) readClient(conn net.Conn) {
	buf := make([]byte, protocol.FrameSize)
	var pid int32
	for {
		if _, err := readFull(conn, buf); err != nil {
			a.events <- event{conn: conn, pid: pid, err: err}
			return
		}
		msg, err := protocol.Unpack(buf)
		if err != nil {
			a.events <- event{conn: conn, pid: pid, err: err}
			return
		}
		if msg.Kind == protocol.KindAddPID {
			pid = msg.PID
		}
		a.events <- event{conn: conn, pid: pid, msg: msg}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (a *Arbiter) allExited() bool {
	if uint(len(a.clients)) < a.cfg.NProc {
		return false
	}
	for _, c := range a.clients {
		if !c.exited {
			return false
		}
	}
	return true
}

func (a *Arbiter) teardown() {
	a.listener.Close()
	for _, c := range a.clients {
		c.conn.Close()
	}
	if a.daemon != nil {
		a.daemon.Close()
	}
	a.shmFile.Close()
	if err := os.Remove(a.cfg.SharedFilePath); err != nil && !os.IsNotExist(err) {
		a.log.Warn("removing shared file", "path", a.cfg.SharedFilePath, "error", err)
	}
	a.log.Info("arbiter shut down")
}
