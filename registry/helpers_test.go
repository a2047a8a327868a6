package registry

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errBrokenPipe = errors.New("broken pipe")

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (server net.Conn, client net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	server, ok := <-accepted
	require.True(t, ok, "accept failed")

	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})

	return server, client
}

// readExactly reads n bytes from c or fails the test after a second.
func readExactly(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()

	require.NoError(t, c.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, n)
	read := 0
	for read < n {
		m, err := c.Read(buf[read:])
		require.NoError(t, err)
		read += m
	}

	return buf
}

// fakeConn is an in-memory net.Conn whose writes can be throttled or failed.
type fakeConn struct {
	net.Conn

	mu       sync.Mutex
	written  bytes.Buffer
	maxWrite int
	writeErr error
	writes   int
	closed   bool
}

func newFakeConn(t *testing.T) *fakeConn {
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})

	return &fakeConn{Conn: a}
}

func (f *fakeConn) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.writes++
	if f.writeErr != nil {
		return 0, f.writeErr
	}

	if f.maxWrite > 0 && len(p) > f.maxWrite {
		p = p[:f.maxWrite]
	}

	return f.written.Write(p)
}

func (f *fakeConn) SetWriteDeadline(time.Time) error {
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return f.Conn.Close()
}

func (f *fakeConn) Bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.written.Bytes()...)
}

func (f *fakeConn) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
