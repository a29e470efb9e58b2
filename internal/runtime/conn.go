package runtime

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/ocx/dsm/internal/dsmerr"
	"github.com/ocx/dsm/internal/protocol"
)

// frameConn serializes protocol.Message frames over a net.Conn. Sends are
// safe for concurrent use (the control loop and application goroutines
// both send); reads are owned exclusively by the control loop, matching
// spec.md §5's "per-connection FIFO message delivery" requirement.
type frameConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func newFrameConn(conn net.Conn) *frameConn {
	return &frameConn{conn: conn}
}

func (c *frameConn) send(m protocol.Message) error {
	frame, err := protocol.Pack(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(frame[:]); err != nil {
		return fmt.Errorf("%w: send %v: %v", dsmerr.ErrIO, m.Kind, err)
	}
	return nil
}

func (c *frameConn) recv() (protocol.Message, error) {
	buf := make([]byte, protocol.FrameSize)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return protocol.Message{}, fmt.Errorf("%w: recv: %v", dsmerr.ErrIO, err)
	}
	return protocol.Unpack(buf)
}

func (c *frameConn) Close() error {
	return c.conn.Close()
}
