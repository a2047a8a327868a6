package tcpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/tcprelay/logger"
	"github.com/cyberinferno/tcprelay/utils"
	"github.com/cyberinferno/tcprelay/wire"
)

// ExitCommand is the input line that ends the channel.
const ExitCommand = "exit"

const (
	guestSuffixLength = 4
	leaveWriteTimeout = time.Second
)

var (
	// ErrDisconnected is returned by Run when the server closes the connection.
	ErrDisconnected = errors.New("disconnected from server")

	// ErrPartialWrite is returned when a send stops partway through a frame.
	// The peer can no longer find frame boundaries, so the channel ends.
	ErrPartialWrite = errors.New("partial frame written")

	errLocalExit = errors.New("local exit")
)

// Renderer displays channel events. Calls come from both the receive and the
// send goroutine, so implementations must be safe for concurrent use.
type Renderer interface {
	// ShowMessage displays a message relayed by the server.
	ShowMessage(text string)
	// ShowSent displays a line the user has just sent.
	ShowSent(text string)
	// ShowNotice displays a status line such as a send failure.
	ShowNotice(text string)
}

// JoinNotice is the text announced once after connecting.
func JoinNotice(username string) string {
	return username + " has joined the chat"
}

// LeaveNotice is the text announced when the channel shuts down.
func LeaveNotice(username string) string {
	return username + " has left the chat"
}

// IsConnectionLost reports whether err means the connection can no longer be used.
func IsConnectionLost(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// DuplexChannel relays input lines to the server and server messages to a
// Renderer over one connection. The receive path never touches input state;
// it only pushes display events to the Renderer.
type DuplexChannel struct {
	conn     net.Conn
	codec    wire.Codec
	decoder  wire.Decoder
	renderer Renderer
	logger   logger.Logger

	username     string
	prefix       string
	writeTimeout time.Duration
}

// NewDuplexChannel wraps conn. An empty Config.Username becomes a random
// guest name.
//
// Parameters:
//   - conn: An established connection, usually from ConnectionManager
//   - config: Client settings; Username, Framing and WriteTimeout are used
//   - renderer: Receives display events
//   - l: Logger for channel diagnostics
//
// Returns:
//   - The channel, or an error for a nil conn or renderer or an unknown framing
func NewDuplexChannel(conn net.Conn, config Config, renderer Renderer, l logger.Logger) (*DuplexChannel, error) {
	if conn == nil {
		return nil, errors.New("duplex channel: nil connection")
	}

	if renderer == nil {
		return nil, errors.New("duplex channel: nil renderer")
	}

	codec, err := wire.NewCodec(config.Framing)
	if err != nil {
		return nil, fmt.Errorf("duplex channel: %w", err)
	}

	username := strings.TrimSpace(config.Username)
	if username == "" {
		username = "guest-" + utils.GenerateRandomString(guestSuffixLength)
	}

	return &DuplexChannel{
		conn:         conn,
		codec:        codec,
		decoder:      codec.NewDecoder(conn),
		renderer:     renderer,
		logger:       l.With(logger.Field{Key: "username", Value: username}),
		username:     username,
		prefix:       username + ": ",
		writeTimeout: config.WriteTimeout,
	}, nil
}

// Username returns the name used for the prefix and the notices.
func (d *DuplexChannel) Username() string {
	return d.username
}

// Run announces the user, then receives and sends concurrently until the
// user enters ExitCommand, lines is closed, ctx is cancelled, the server
// disconnects or a send fails fatally. Before returning it announces the
// user's departure (best effort, skipped after a partial frame) and closes
// the connection.
//
// Parameters:
//   - ctx: Cancels the channel
//   - lines: Completed input lines, owned by the input side
//
// Returns:
//   - nil for local endings, ErrDisconnected when the server went away, or
//     the fatal send error
func (d *DuplexChannel) Run(ctx context.Context, lines <-chan string) error {
	defer d.conn.Close()

	if err := d.send(JoinNotice(d.username)); err != nil {
		d.renderer.ShowNotice(fmt.Sprintf("Failed to send connection announcement: %v", err))
		return fmt.Errorf("announce join: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.receiveLoop(gctx)
	})

	g.Go(func() error {
		return d.sendLoop(gctx, lines)
	})

	g.Go(func() error {
		<-gctx.Done()
		// Unblocks the receive loop and leaves the write side usable for the
		// leave notice.
		_ = d.conn.SetReadDeadline(time.Now())
		return nil
	})

	err := g.Wait()

	if !errors.Is(err, ErrPartialWrite) {
		d.sendLeave()
	}

	if errors.Is(err, errLocalExit) || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
		return nil
	}

	return err
}

func (d *DuplexChannel) receiveLoop(ctx context.Context) error {
	for {
		payload, err := d.decoder.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			if wire.IsTimeout(err) {
				continue
			}

			d.logger.Warn("receive failed", logger.Field{Key: "error", Value: err.Error()})
			d.renderer.ShowNotice("Server disconnected or error occurred.")
			return fmt.Errorf("%w: %w", ErrDisconnected, err)
		}

		text := utils.ReadStringFromBytes(payload)
		if strings.HasPrefix(text, d.prefix) {
			continue
		}

		d.renderer.ShowMessage(text)
	}
}

func (d *DuplexChannel) sendLoop(ctx context.Context, lines <-chan string) error {
	for {
		var line string
		var ok bool

		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok = <-lines:
		}

		if !ok || line == ExitCommand {
			return errLocalExit
		}

		if line == "" {
			continue
		}

		err := d.send(d.prefix + line)
		if err == nil {
			d.renderer.ShowSent(line)
			continue
		}

		d.renderer.ShowNotice(fmt.Sprintf("Failed to send message: %v", err))
		if IsConnectionLost(err) || errors.Is(err, ErrPartialWrite) {
			d.renderer.ShowNotice("Connection to server lost")
			return fmt.Errorf("send: %w", err)
		}

		d.logger.Warn("send failed", logger.Field{Key: "error", Value: err.Error()})
	}
}

func (d *DuplexChannel) send(text string) error {
	return d.write(text, d.writeTimeout)
}

func (d *DuplexChannel) sendLeave() {
	if err := d.write(LeaveNotice(d.username), leaveWriteTimeout); err != nil {
		d.logger.Debug("leave notice not sent", logger.Field{Key: "error", Value: err.Error()})
	}
}

func (d *DuplexChannel) write(text string, timeout time.Duration) error {
	frame, err := d.codec.Frame([]byte(text))
	if err != nil {
		return err
	}

	if timeout > 0 {
		if err := d.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}

		defer func() {
			_ = d.conn.SetWriteDeadline(time.Time{})
		}()
	}

	n, err := d.conn.Write(frame)
	if err != nil && n > 0 && n < len(frame) {
		return fmt.Errorf("%w: %d of %d bytes: %w", ErrPartialWrite, n, len(frame), err)
	}

	return err
}
