package arbiter

import (
	"net"

	"github.com/ocx/dsm/internal/protocol"
)

// client is the arbiter's bookkeeping for one checked-in process.
type client struct {
	pid    int32
	gid    int32
	conn   net.Conn
	exited bool
}

// event is what the per-connection reader goroutines hand to the single
// arbiter goroutine; it is the only thing that goroutine ever receives,
// which keeps every piece of arbiter state free of locks (spec.md §9's
// "explicit message pump" design note). conn is carried on every event so
// the arbiter can learn a connection's pid the first time ADD_PID arrives
// on it, without a separate connection-identity channel.
type event struct {
	conn net.Conn
	pid  int32 // valid once ADD_PID has been seen on conn
	msg  protocol.Message
	err  error // set on read failure or connection close; msg is zero
}
