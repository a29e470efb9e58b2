package daemon

import (
	"net"
	"time"

	"github.com/google/uuid"
)

// Client is the arbiter-side handle to a registered daemon connection.
type Client struct {
	id    string
	codec *lineCodec
	conn  net.Conn
}

// Register dials addr and announces this arbiter's local process count
// (nprocLocal) and the session's total cross-host cohort size
// (globalNProc) for sid. It returns once the message is sent; the
// caller's own Recv loop observes the eventual KindReady.
func Register(addr, sid string, nprocLocal, globalNProc uint) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
	if err != nil {
		return nil, err
	}
	c := &Client{id: uuid.NewString(), codec: newLineCodec(conn), conn: conn}
	if err := c.codec.send(Message{
		Kind:        KindRegister,
		SIDName:     sid,
		ArbiterID:   c.id,
		NProcLocal:  nprocLocal,
		GlobalNProc: globalNProc,
	}); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// HitBarrier reports a local barrier completion to the daemon. The actual
// release (KindBarRelease) arrives asynchronously through Recv — the
// arbiter's single dispatcher goroutine owns reading it, the same way it
// owns reading every local client connection, so this call never blocks.
func (c *Client) HitBarrier(sid string) error {
	return c.codec.send(Message{Kind: KindHitBar, SIDName: sid})
}

// SynReq requests the cross-host write-order slot for sid. The grant
// (KindSynGrant) arrives asynchronously through Recv.
func (c *Client) SynReq(sid string) error {
	return c.codec.send(Message{Kind: KindSynReq, SIDName: sid})
}

// PostSem relays a semaphore post to every other host sharing sid.
func (c *Client) PostSem(sid, name string) error {
	return c.codec.send(Message{Kind: KindPostSem, SIDName: sid, SemName: name})
}

// Recv blocks for the daemon's next message (KindReady, KindSynGrant,
// KindBarRelease, or KindPostSem). It is owned by a single reader
// goroutine per Client, mirroring how internal/arbiter reads each local
// client connection: one goroutine per connection feeding the arbiter's
// single-threaded dispatcher.
func (c *Client) Recv() (Message, error) {
	return c.codec.recv()
}

func (c *Client) Close() error {
	return c.conn.Close()
}
