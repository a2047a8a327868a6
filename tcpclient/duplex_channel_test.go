package tcpclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/tcprelay/logger"
	"github.com/cyberinferno/tcprelay/wire"
)

type fakeRenderer struct {
	mu       sync.Mutex
	messages []string
	sent     []string
	notices  []string
}

func (r *fakeRenderer) ShowMessage(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, text)
}

func (r *fakeRenderer) ShowSent(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
}

func (r *fakeRenderer) ShowNotice(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, text)
}

func (r *fakeRenderer) snapshot() (messages, sent, notices []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...), append([]string(nil), r.sent...), append([]string(nil), r.notices...)
}

// relayEnd is the server side of a channel under test.
type relayEnd struct {
	conn    net.Conn
	codec   wire.Codec
	decoder wire.Decoder
}

func (e *relayEnd) next(t *testing.T) string {
	t.Helper()

	require.NoError(t, e.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	payload, err := e.decoder.Next()
	require.NoError(t, err)
	return string(payload)
}

func (e *relayEnd) push(t *testing.T, text string) {
	t.Helper()

	frame, err := e.codec.Frame([]byte(text))
	require.NoError(t, err)
	_, err = e.conn.Write(frame)
	require.NoError(t, err)
}

func newChannel(t *testing.T, username string) (*DuplexChannel, *relayEnd, *fakeRenderer) {
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

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	server, ok := <-accepted
	require.True(t, ok, "accept failed")
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})

	cfg := DefaultClientConfig(ln.Addr().String())
	cfg.Username = username

	r := &fakeRenderer{}
	ch, err := NewDuplexChannel(client, cfg, r, logger.NewNopLogger())
	require.NoError(t, err)

	codec, err := wire.NewCodec(cfg.Framing)
	require.NoError(t, err)

	return ch, &relayEnd{conn: server, codec: codec, decoder: codec.NewDecoder(server)}, r
}

func runAsync(ctx context.Context, ch *DuplexChannel, lines <-chan string) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- ch.Run(ctx, lines)
	}()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("channel did not stop")
		return nil
	}
}

func TestNewDuplexChannel(t *testing.T) {
	t.Run("guest username", func(t *testing.T) {
		ch, _, _ := newChannel(t, "  ")
		assert.True(t, strings.HasPrefix(ch.Username(), "guest-"))
		assert.Len(t, ch.Username(), len("guest-")+guestSuffixLength)
	})

	t.Run("rejects bad arguments", func(t *testing.T) {
		a, b := net.Pipe()
		defer a.Close()
		defer b.Close()

		cfg := DefaultClientConfig("127.0.0.1:1027")
		_, err := NewDuplexChannel(nil, cfg, &fakeRenderer{}, logger.NewNopLogger())
		assert.Error(t, err)

		_, err = NewDuplexChannel(a, cfg, nil, logger.NewNopLogger())
		assert.Error(t, err)

		cfg.Framing = "lines"
		_, err = NewDuplexChannel(a, cfg, &fakeRenderer{}, logger.NewNopLogger())
		assert.ErrorIs(t, err, wire.ErrUnknownFraming)
	})
}

func TestDuplexChannelSend(t *testing.T) {
	ch, relay, r := newChannel(t, "alice")
	lines := make(chan string)
	done := runAsync(context.Background(), ch, lines)

	assert.Equal(t, "alice has joined the chat", relay.next(t))

	lines <- "hi"
	assert.Equal(t, "alice: hi", relay.next(t))

	lines <- ""
	lines <- "second"
	assert.Equal(t, "alice: second", relay.next(t))

	lines <- ExitCommand
	assert.Equal(t, "alice has left the chat", relay.next(t))
	assert.NoError(t, waitRun(t, done))

	_, sent, _ := r.snapshot()
	assert.Equal(t, []string{"hi", "second"}, sent)

	_, err := relay.decoder.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDuplexChannelReceive(t *testing.T) {
	t.Run("suppresses own messages", func(t *testing.T) {
		ch, relay, r := newChannel(t, "alice")
		lines := make(chan string)
		done := runAsync(context.Background(), ch, lines)
		relay.next(t)

		relay.push(t, "alice: echoed back")
		relay.push(t, "bob: hello")
		relay.push(t, "carol has joined the chat")

		require.Eventually(t, func() bool {
			messages, _, _ := r.snapshot()
			return len(messages) == 2
		}, 2*time.Second, 5*time.Millisecond)

		messages, _, _ := r.snapshot()
		assert.Equal(t, []string{"bob: hello", "carol has joined the chat"}, messages)

		close(lines)
		assert.NoError(t, waitRun(t, done))
	})

	t.Run("server disconnect ends the channel", func(t *testing.T) {
		ch, relay, r := newChannel(t, "alice")
		lines := make(chan string)
		done := runAsync(context.Background(), ch, lines)
		relay.next(t)

		require.NoError(t, relay.conn.Close())

		err := waitRun(t, done)
		assert.ErrorIs(t, err, ErrDisconnected)

		_, _, notices := r.snapshot()
		assert.Contains(t, notices, "Server disconnected or error occurred.")
	})
}

func TestDuplexChannelCancel(t *testing.T) {
	ch, relay, _ := newChannel(t, "alice")
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, ch, make(chan string))
	relay.next(t)

	cancel()

	assert.NoError(t, waitRun(t, done))
	assert.Equal(t, "alice has left the chat", relay.next(t))
}

func TestDuplexChannelOversizedLine(t *testing.T) {
	ch, relay, r := newChannel(t, "alice")
	lines := make(chan string)
	done := runAsync(context.Background(), ch, lines)
	relay.next(t)

	lines <- strings.Repeat("x", wire.MaxPayloadSize)
	lines <- "short"
	assert.Equal(t, "alice: short", relay.next(t))

	_, _, notices := r.snapshot()
	require.Len(t, notices, 1)
	assert.Contains(t, notices[0], "Failed to send message")

	lines <- ExitCommand
	assert.NoError(t, waitRun(t, done))
}

// resetConn fails every write with a connection reset once reset is set.
type resetConn struct {
	net.Conn
	reset atomic.Bool
}

func (c *resetConn) Write(b []byte) (int, error) {
	if c.reset.Load() {
		return 0, &net.OpError{Op: "write", Net: "tcp", Err: syscall.ECONNRESET}
	}
	return c.Conn.Write(b)
}

// newPipeChannel builds a channel over client and returns the relay end
// reading server.
func newPipeChannel(t *testing.T, client, server net.Conn, writeTimeout time.Duration) (*DuplexChannel, *relayEnd, *fakeRenderer) {
	t.Helper()
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})

	cfg := DefaultClientConfig("127.0.0.1:1027")
	cfg.Username = "alice"
	cfg.WriteTimeout = writeTimeout

	r := &fakeRenderer{}
	ch, err := NewDuplexChannel(client, cfg, r, logger.NewNopLogger())
	require.NoError(t, err)

	codec, err := wire.NewCodec(cfg.Framing)
	require.NoError(t, err)

	return ch, &relayEnd{conn: server, codec: codec, decoder: codec.NewDecoder(server)}, r
}

func TestDuplexChannelPartialFrame(t *testing.T) {
	client, server := net.Pipe()
	ch, relay, r := newPipeChannel(t, client, server, 100*time.Millisecond)

	lines := make(chan string, 2)
	done := runAsync(context.Background(), ch, lines)
	assert.Equal(t, "alice has joined the chat", relay.next(t))

	// Take the first bytes of the frame and stop reading.
	lines <- "hello"
	head := make([]byte, 3)
	_, err := io.ReadFull(server, head)
	require.NoError(t, err)

	err = waitRun(t, done)
	assert.ErrorIs(t, err, ErrPartialWrite)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)

	_, sent, notices := r.snapshot()
	assert.Empty(t, sent)
	assert.Contains(t, notices, "Connection to server lost")
}

func TestDuplexChannelConnectionReset(t *testing.T) {
	pipeClient, server := net.Pipe()
	client := &resetConn{Conn: pipeClient}
	ch, relay, r := newPipeChannel(t, client, server, time.Second)

	lines := make(chan string, 1)
	done := runAsync(context.Background(), ch, lines)
	assert.Equal(t, "alice has joined the chat", relay.next(t))

	client.reset.Store(true)
	lines <- "hello"

	err := waitRun(t, done)
	assert.ErrorIs(t, err, syscall.ECONNRESET)
	assert.NotErrorIs(t, err, ErrPartialWrite)

	_, sent, notices := r.snapshot()
	assert.Empty(t, sent)
	require.Len(t, notices, 2)
	assert.Contains(t, notices[0], "Failed to send message")
	assert.Equal(t, "Connection to server lost", notices[1])
}

func TestIsConnectionLost(t *testing.T) {
	lost := []error{
		syscall.ECONNRESET,
		syscall.ECONNABORTED,
		syscall.EPIPE,
		net.ErrClosed,
		io.EOF,
		fmt.Errorf("write: %w", &net.OpError{Op: "write", Err: syscall.ECONNRESET}),
	}
	for _, err := range lost {
		assert.True(t, IsConnectionLost(err), err.Error())
	}

	assert.False(t, IsConnectionLost(wire.ErrFrameTooLarge))
	assert.False(t, IsConnectionLost(os.ErrDeadlineExceeded))
}
