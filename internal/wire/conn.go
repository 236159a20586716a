package wire

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/wagiedev/k2broker/internal/errors"
)

// ReqConn is the requester side of a request/reply channel. Every Send
// must be followed by exactly one Recv before the next Send.
type ReqConn struct {
	conn net.Conn
	r    *bufio.Reader

	mu       sync.Mutex
	awaiting bool
}

// DialReq connects to a replier at addr.
func DialReq(ctx context.Context, addr string) (*ReqConn, error) {
	var d net.Dialer

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	return &ReqConn{conn: conn, r: bufio.NewReader(conn)}, nil
}

// Send writes one request envelope.
func (c *ReqConn) Send(env *Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.awaiting {
		return &errors.ProtocolViolationError{
			Reason: "send before previous reply was received",
		}
	}

	if err := writeFrame(c.conn, env); err != nil {
		return err
	}

	c.awaiting = true

	return nil
}

// Recv reads the reply to the previous Send.
func (c *ReqConn) Recv() (*Envelope, error) {
	c.mu.Lock()

	if !c.awaiting {
		c.mu.Unlock()

		return nil, &errors.ProtocolViolationError{
			Reason: "recv with no request outstanding",
		}
	}

	c.mu.Unlock()

	env, err := readFrame(c.r)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.awaiting = false
	c.mu.Unlock()

	return env, nil
}

// RoundTrip sends a request and waits for its reply.
func (c *ReqConn) RoundTrip(env *Envelope) (*Envelope, error) {
	if err := c.Send(env); err != nil {
		return nil, err
	}

	return c.Recv()
}

// Close closes the underlying connection, unblocking any pending Recv.
func (c *ReqConn) Close() error {
	return c.conn.Close()
}

// RepConn is the replier side of a request/reply channel. Every Recv
// must be answered with exactly one Send before the next Recv.
type RepConn struct {
	conn net.Conn
	r    *bufio.Reader

	mu        sync.Mutex
	replyOwed bool
}

// NewRepConn wraps an accepted connection as a replier.
func NewRepConn(conn net.Conn) *RepConn {
	return &RepConn{conn: conn, r: bufio.NewReader(conn)}
}

// Recv reads the next request envelope.
func (c *RepConn) Recv() (*Envelope, error) {
	c.mu.Lock()

	if c.replyOwed {
		c.mu.Unlock()

		return nil, &errors.ProtocolViolationError{
			Reason: "recv called before reply was sent",
		}
	}

	c.mu.Unlock()

	env, err := readFrame(c.r)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.replyOwed = true
	c.mu.Unlock()

	return env, nil
}

// Send writes the reply to the previous Recv.
func (c *RepConn) Send(env *Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.replyOwed {
		return &errors.ProtocolViolationError{
			Reason: "reply with no request outstanding",
		}
	}

	if err := writeFrame(c.conn, env); err != nil {
		return err
	}

	c.replyOwed = false

	return nil
}

// Close closes the underlying connection, unblocking any pending Recv.
func (c *RepConn) Close() error {
	return c.conn.Close()
}

// RemoteAddr reports the peer address for logging.
func (c *RepConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
