package netdial

import (
	"net"
	"sync/atomic"
	"time"
)

// timeoutConn applies a read and write timeout to every I/O operation.
// When the user of the connection sets a deadline explicitly, the
// connection stops managing that deadline.
type timeoutConn struct {
	net.Conn
	timeout time.Duration

	userReadDeadline  atomic.Bool
	userWriteDeadline atomic.Bool
}

func newTimeoutConn(conn net.Conn, timeout time.Duration) *timeoutConn {
	return &timeoutConn{Conn: conn, timeout: timeout}
}

func (c *timeoutConn) Read(b []byte) (int, error) {
	if c.timeout > 0 && !c.userReadDeadline.Load() {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}

	return c.Conn.Read(b)
}

func (c *timeoutConn) Write(b []byte) (int, error) {
	if c.timeout > 0 && !c.userWriteDeadline.Load() {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}

	return c.Conn.Write(b)
}

func (c *timeoutConn) SetDeadline(t time.Time) error {
	c.userReadDeadline.Store(true)
	c.userWriteDeadline.Store(true)
	return c.Conn.SetDeadline(t)
}

func (c *timeoutConn) SetReadDeadline(t time.Time) error {
	c.userReadDeadline.Store(true)
	return c.Conn.SetReadDeadline(t)
}

func (c *timeoutConn) SetWriteDeadline(t time.Time) error {
	c.userWriteDeadline.Store(true)
	return c.Conn.SetWriteDeadline(t)
}
