// Package sockopt applies the relay's TCP socket policy: Nagle disabled,
// keep-alive probing enabled and, on listeners, address reuse.
package sockopt

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrNotTCP is returned by Configure when strict mode is on and the
// connection is not a *net.TCPConn.
var ErrNotTCP = errors.New("connection is not a TCP connection")

// Policy describes the options applied to an established connection.
type Policy struct {
	// NoDelay disables Nagle's algorithm (TCP_NODELAY).
	NoDelay bool
	// KeepAlive enables SO_KEEPALIVE with the given probe timing. Zero Idle or
	// Interval means Go's 15 second default and zero Count means 9 probes; a
	// negative value leaves the operating system setting unchanged.
	KeepAlive net.KeepAliveConfig
	// ReceiveTimeout bounds each read; the session loop treats expiry as a
	// liveness check, not an error. It is applied per read through deadlines.
	ReceiveTimeout time.Duration
	// Strict makes Configure fail for non-TCP connections instead of skipping them.
	Strict bool
}

// DefaultServerPolicy returns the policy applied to accepted connections:
// no-delay, keep-alive with the operating system's probe timing and a 5
// second receive timeout.
func DefaultServerPolicy() Policy {
	return Policy{
		NoDelay: true,
		KeepAlive: net.KeepAliveConfig{
			Enable:   true,
			Idle:     -1,
			Interval: -1,
			Count:    -1,
		},
		ReceiveTimeout: 5 * time.Second,
	}
}

// DefaultClientPolicy returns the client policy: no-delay and keep-alive with
// the first probe after 10s of idle time and one probe per second after that.
func DefaultClientPolicy() Policy {
	return Policy{
		NoDelay: true,
		KeepAlive: net.KeepAliveConfig{
			Enable:   true,
			Idle:     10 * time.Second,
			Interval: time.Second,
		},
	}
}

// Configure applies p to conn. Connections that are not TCP (for example
// in-memory pipes) are left untouched unless p.Strict is set.
//
// Parameters:
//   - conn: The established connection
//   - p: The policy to apply
//
// Returns:
//   - An error naming the option the operating system rejected
func Configure(conn net.Conn, p Policy) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		if p.Strict {
			return fmt.Errorf("configure %T: %w", conn, ErrNotTCP)
		}

		return nil
	}

	if err := tcpConn.SetNoDelay(p.NoDelay); err != nil {
		return fmt.Errorf("failed to set TCP_NODELAY: %w", err)
	}

	if err := tcpConn.SetKeepAliveConfig(p.KeepAlive); err != nil {
		return fmt.Errorf("failed to set SO_KEEPALIVE: %w", err)
	}

	return nil
}

// NewListenConfig returns a net.ListenConfig whose sockets get SO_REUSEADDR
// and keep-alive as described by p.
func NewListenConfig(p Policy) *net.ListenConfig {
	return &net.ListenConfig{
		Control:         ListenControl,
		KeepAliveConfig: p.KeepAlive,
	}
}

// NewDialer returns a net.Dialer bounded by timeout that enables keep-alive
// probing as described by p. The dialer connects non-blocking internally and
// hands back a connection in normal blocking mode.
func NewDialer(p Policy, timeout time.Duration) *net.Dialer {
	return &net.Dialer{
		Timeout:         timeout,
		KeepAliveConfig: p.KeepAlive,
	}
}
