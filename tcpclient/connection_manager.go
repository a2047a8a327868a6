// Package tcpclient provides the relay client: a ConnectionManager that dials
// the server under a bounded timeout with a fixed number of attempts, and a
// DuplexChannel that relays user input and server broadcasts over the
// resulting connection.
package tcpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cyberinferno/tcprelay/sockopt"
	"github.com/cyberinferno/tcprelay/wire"
)

var (
	// ErrInvalidAddress is returned when Config.Address is not a usable host:port.
	ErrInvalidAddress = errors.New("invalid server address")
	// ErrAttemptsExhausted is returned by ConnectWithRetries after the last failed attempt.
	ErrAttemptsExhausted = errors.New("connection attempts exhausted")
	// ErrManagerClosed is returned by Connect after Close.
	ErrManagerClosed = errors.New("connection manager is closed")
)

// ConnectionState represents the current state of the connection manager.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Not connected and not attempting to connect
	Connecting                          // Connection attempt in progress
	Connected                           // Successfully connected
	Retrying                            // Waiting before the next attempt
	Closed                              // Manager has been closed and will not connect again
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Retrying:
		return "Retrying"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConnectionStateEvent is emitted when the connection state changes.
type ConnectionStateEvent struct {
	State       ConnectionState // The new connection state
	Address     string          // The server address
	Attempt     int             // 1-based attempt number; 0 outside ConnectWithRetries
	MaxAttempts int             // Attempt ceiling of the current ConnectWithRetries call
	Timestamp   time.Time       // When the state change occurred
	Error       error           // Non-nil if the state change was due to an error
}

// ConnectionStateHandler is called synchronously from the connecting goroutine.
type ConnectionStateHandler func(event ConnectionStateEvent)

// DialFunc opens a connection; it matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Config holds the relay client settings.
type Config struct {
	// Address is the "host:port" of the relay server.
	Address string
	// Username prefixes every outgoing line; empty selects a guest name.
	Username string
	// Framing must match the server's.
	Framing wire.Framing
	// Policy is applied to the connection once established.
	Policy sockopt.Policy
	// ConnectionTimeout bounds each connection attempt.
	ConnectionTimeout time.Duration
	// MaxAttempts is the ConnectWithRetries attempt ceiling.
	MaxAttempts int
	// RetryInterval is the pause between failed attempts.
	RetryInterval time.Duration
	// WriteTimeout bounds each send; 0 means no timeout.
	WriteTimeout time.Duration
	// Dial overrides the dialer; nil uses a net.Dialer built from Policy.
	Dial DialFunc
}

// DefaultClientConfig returns a Config with default values for the given address.
//
// Parameters:
//   - address: The "host:port" to connect to
//
// Returns:
//   - A Config with defaults: length framing, ConnectionTimeout 5s, MaxAttempts 3,
//     RetryInterval 1s, WriteTimeout 10s and the default client socket policy.
func DefaultClientConfig(address string) Config {
	return Config{
		Address:           address,
		Framing:           wire.FramingLength,
		Policy:            sockopt.DefaultClientPolicy(),
		ConnectionTimeout: 5 * time.Second,
		MaxAttempts:       3,
		RetryInterval:     time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// ConnectionManager establishes the client connection. It is safe for
// concurrent use, but connection attempts are meant to be made from one
// goroutine.
type ConnectionManager struct {
	config Config
	dial   DialFunc

	mu                sync.RWMutex
	state             ConnectionState
	onConnectionState ConnectionStateHandler
}

// NewConnectionManager creates a manager in Disconnected state.
//
// Parameters:
//   - config: Connection settings (e.g. from DefaultClientConfig)
//
// Returns:
//   - A new *ConnectionManager
func NewConnectionManager(config Config) *ConnectionManager {
	dial := config.Dial
	if dial == nil {
		dial = sockopt.NewDialer(config.Policy, config.ConnectionTimeout).DialContext
	}

	return &ConnectionManager{
		config: config,
		dial:   dial,
		state:  Disconnected,
	}
}

// OnConnectionState registers the handler for connection state changes.
// Repeated calls replace the previous handler; nil clears it.
//
// Parameters:
//   - handler: Function called on state changes
func (m *ConnectionManager) OnConnectionState(handler ConnectionStateHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnectionState = handler
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Close moves the manager to Closed; later Connect calls fail. The
// connections it returned are owned by the caller and are not closed.
func (m *ConnectionManager) Close() {
	m.setState(ConnectionStateEvent{State: Closed})
}

// Connect makes one connection attempt bounded by ConnectionTimeout and
// applies the socket policy to the result.
//
// Parameters:
//   - ctx: Cancels the attempt
//
// Returns:
//   - The connection, or an error wrapping ErrInvalidAddress, the dial error
//     or the configuration error
func (m *ConnectionManager) Connect(ctx context.Context) (net.Conn, error) {
	return m.connect(ctx, 0, 0)
}

// ConnectWithRetries calls Connect up to MaxAttempts times, sleeping
// RetryInterval between failures, and returns the first success.
//
// Parameters:
//   - ctx: Cancels the current attempt and the sleep between attempts
//
// Returns:
//   - The connection, ctx's error if cancelled, or an error wrapping both
//     ErrAttemptsExhausted and the last attempt's failure
func (m *ConnectionManager) ConnectWithRetries(ctx context.Context) (net.Conn, error) {
	attempts := max(m.config.MaxAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := m.connect(ctx, attempt, attempts)
		if err == nil {
			return conn, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if errors.Is(err, ErrManagerClosed) || attempt == attempts {
			break
		}

		if !m.setState(ConnectionStateEvent{State: Retrying, Attempt: attempt, MaxAttempts: attempts, Error: err}) {
			return nil, ErrManagerClosed
		}

		timer := time.NewTimer(m.config.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.setState(ConnectionStateEvent{State: Disconnected, Error: ctx.Err()})
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, attempts, lastErr)
}

func (m *ConnectionManager) connect(ctx context.Context, attempt, attempts int) (net.Conn, error) {
	if !m.setState(ConnectionStateEvent{State: Connecting, Attempt: attempt, MaxAttempts: attempts}) {
		return nil, ErrManagerClosed
	}

	conn, err := m.dialOnce(ctx)
	if err != nil {
		m.setState(ConnectionStateEvent{State: Disconnected, Attempt: attempt, MaxAttempts: attempts, Error: err})
		return nil, err
	}

	if !m.setState(ConnectionStateEvent{State: Connected, Attempt: attempt, MaxAttempts: attempts}) {
		// Closed while dialling.
		_ = conn.Close()
		return nil, ErrManagerClosed
	}

	return conn, nil
}

func (m *ConnectionManager) dialOnce(ctx context.Context) (net.Conn, error) {
	if err := validateAddress(m.config.Address); err != nil {
		return nil, err
	}

	if m.config.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.ConnectionTimeout)
		defer cancel()
	}

	conn, err := m.dial(ctx, "tcp", m.config.Address)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", m.config.Address, err)
	}

	if err := sockopt.Configure(conn, m.config.Policy); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("configure connection to %s: %w", m.config.Address, err)
	}

	return conn, nil
}

// setState moves to event.State and reports the event. Closed is final:
// once there, setState changes nothing and returns false.
func (m *ConnectionManager) setState(event ConnectionStateEvent) bool {
	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		return false
	}
	m.state = event.State
	handler := m.onConnectionState
	m.mu.Unlock()

	if handler != nil {
		event.Address = m.config.Address
		event.Timestamp = time.Now()
		handler(event)
	}

	return true
}

func validateAddress(address string) error {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidAddress, address, err)
	}

	if host == "" {
		return fmt.Errorf("%w %q: missing host", ErrInvalidAddress, address)
	}

	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("%w %q: port must be 1-65535", ErrInvalidAddress, address)
	}

	return nil
}
