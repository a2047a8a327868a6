package registry

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// ConnID is the opaque identity of a registered connection. IDs come from a
// monotonic generator and are never reused, so a stale ID cannot address a
// newer connection that happens to reuse the same socket handle.
type ConnID uint64

// Connection is one established peer stream owned by the registry.
type Connection struct {
	ID         ConnID
	Conn       net.Conn
	RemoteAddr string
	JoinedAt   time.Time

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewConnection wraps conn under id, stamping the join time.
//
// Parameters:
//   - id: The identifier assigned by the server
//   - conn: The accepted connection
//
// Returns:
//   - A new Connection ready for registration
func NewConnection(id ConnID, conn net.Conn) *Connection {
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}

	return &Connection{
		ID:         id,
		Conn:       conn,
		RemoteAddr: remote,
		JoinedAt:   time.Now(),
	}
}

// RemoteIP returns the host part of RemoteAddr, or RemoteAddr itself when it
// has no port.
func (c *Connection) RemoteIP() string {
	host, _, err := net.SplitHostPort(c.RemoteAddr)
	if err != nil {
		return c.RemoteAddr
	}

	return host
}

// WriteFull writes all of b, retrying short writes until every byte is sent
// or an error occurs. Writes to one connection are serialized so frames from
// concurrent broadcasts never interleave. A positive timeout bounds the whole
// write.
//
// Parameters:
//   - b: The bytes to send
//   - timeout: Write deadline; zero means unbounded
//
// Returns:
//   - An error if any part of b could not be written
func (c *Connection) WriteFull(b []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}

		defer func() {
			_ = c.Conn.SetWriteDeadline(time.Time{})
		}()
	}

	return writeFull(c.Conn, b)
}

// Close shuts the connection down. Only the first call closes the handle;
// later calls return the same result.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		if tcpConn, ok := c.Conn.(*net.TCPConn); ok {
			_ = tcpConn.CloseWrite()
		}

		c.closeErr = c.Conn.Close()
	})

	return c.closeErr
}

func writeFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		b = b[n:]
		if err != nil {
			return err
		}

		if n == 0 {
			return io.ErrShortWrite
		}
	}

	return nil
}
