// Package tcpserver implements the relay server: an accept loop that starts one
// supervised session per connection, and a shutdown path that releases every
// blocked session before returning.
package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/cyberinferno/tcprelay/admission"
	"github.com/cyberinferno/tcprelay/idgenerator"
	"github.com/cyberinferno/tcprelay/logger"
	"github.com/cyberinferno/tcprelay/registry"
	"github.com/cyberinferno/tcprelay/sockopt"
	"github.com/cyberinferno/tcprelay/wire"
)

// DefaultPort is used when no listen port is configured.
const DefaultPort = 1027

// ExitSentinel is the payload a client sends to request disconnection.
const ExitSentinel = "exit"

const acceptRetryDelay = 50 * time.Millisecond

var (
	// ErrAlreadyRunning is returned by Start on a running server.
	ErrAlreadyRunning = errors.New("server already running")
	// ErrServerClosed is returned by Start after Stop.
	ErrServerClosed = errors.New("server closed")
)

// Config holds the relay server settings.
type Config struct {
	// Name identifies the server in log entries.
	Name string
	// Addr is the listen address, e.g. ":1027".
	Addr string
	// Framing selects the wire format shared with clients.
	Framing wire.Framing
	// Policy is applied to every accepted connection; its ReceiveTimeout
	// bounds each session read.
	Policy sockopt.Policy
	// Dispatcher tunes broadcast passes.
	Dispatcher registry.DispatcherConfig
	// Admission throttles connections per remote IP; nil admits everyone.
	Admission admission.Limiter
	// MessageRate limits inbound messages per session per second; zero or
	// negative means unlimited.
	MessageRate float64
	// MessageBurst is the limiter burst when MessageRate is set.
	MessageBurst int
}

// DefaultServerConfig returns the settings used when only an address is known.
//
// Parameters:
//   - addr: The listen address
//
// Returns:
//   - A Config with length framing, the default server socket policy and no throttling
func DefaultServerConfig(addr string) Config {
	return Config{
		Name:         "relay",
		Addr:         addr,
		Framing:      wire.FramingLength,
		Policy:       sockopt.DefaultServerPolicy(),
		Dispatcher:   registry.DefaultDispatcherConfig(),
		MessageBurst: 1,
	}
}

// Server accepts relay clients and rebroadcasts their messages. Running is
// the server-wide run state: set by Start and cleared exactly once by Stop.
type Server struct {
	Running atomic.Bool

	config     Config
	logger     logger.Logger
	codec      wire.Codec
	registry   *registry.Registry
	dispatcher *registry.Dispatcher
	ids        *idgenerator.IdGenerator
	admission  admission.Limiter

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	group    errgroup.Group
	stopped  bool
	live     atomic.Int64
}

// New creates a Server from cfg. Nothing is bound until Start.
//
// Parameters:
//   - cfg: Server settings
//   - l: Logger for connection and message events
//
// Returns:
//   - The Server, or an error if cfg names an unknown framing
func New(cfg Config, l logger.Logger) (*Server, error) {
	codec, err := wire.NewCodec(cfg.Framing)
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", cfg.Name, err)
	}

	l = l.With(logger.Field{Key: "server", Value: cfg.Name})
	reg := registry.New(l)

	limiter := cfg.Admission
	if limiter == nil {
		limiter = admission.Unlimited{}
	}

	return &Server{
		config:     cfg,
		logger:     l,
		codec:      codec,
		registry:   reg,
		dispatcher: registry.NewDispatcher(reg, codec, l, cfg.Dispatcher),
		ids:        idgenerator.NewIdGenerator(0),
		admission:  limiter,
	}, nil
}

// Start binds the listen address and runs the accept loop in the background.
//
// Returns:
//   - ErrAlreadyRunning, ErrServerClosed, or the listen error
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("server %s: %w", s.config.Name, ErrServerClosed)
	}

	if s.Running.Load() {
		s.logger.Error("server already running")
		return fmt.Errorf("server %s: %w", s.config.Name, ErrAlreadyRunning)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ln, err := sockopt.NewListenConfig(s.config.Policy).Listen(ctx, "tcp", s.config.Addr)
	if err != nil {
		cancel()
		s.logger.Error("server failed to start", logger.Field{Key: "error", Value: err.Error()})
		return fmt.Errorf("server %s failed to start: %w", s.config.Name, err)
	}

	s.listener = ln
	s.cancel = cancel
	s.Running.Store(true)

	s.logger.Info("server started",
		logger.Field{Key: "addr", Value: ln.Addr().String()},
		logger.Field{Key: "framing", Value: string(s.config.Framing)},
	)

	s.group.Go(func() error {
		s.acceptLoop(ctx, ln)
		return nil
	})

	return nil
}

// Stop shuts the server down: it clears Running, closes the listener to
// unblock Accept, closes every registered connection to unblock session
// reads, and waits for the accept loop and all sessions to finish. Safe to
// call more than once and on a server that never started.
func (s *Server) Stop() {
	s.mu.Lock()
	s.stopped = true
	if !s.Running.CompareAndSwap(true, false) {
		s.mu.Unlock()
		return
	}

	s.cancel()
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("listener close failed", logger.Field{Key: "error", Value: err.Error()})
	}
	s.mu.Unlock()

	live := s.LiveSessions()
	closed := s.registry.CloseAll()
	_ = s.group.Wait()

	s.logger.Info("server stopped",
		logger.Field{Key: "closed_connections", Value: closed},
		logger.Field{Key: "live_sessions", Value: live},
		logger.Field{Key: "connections_served", Value: s.ids.Issued()},
	)
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

// ClientCount returns the number of registered connections.
func (s *Server) ClientCount() int {
	return s.registry.Len()
}

// LiveSessions returns the number of session goroutines that have not finished.
func (s *Server) LiveSessions() int {
	return int(s.live.Load())
}

// acceptLoop accepts connections until the listener is closed, starting a
// supervised session for each one.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for s.Running.Load() {
		conn, err := ln.Accept()
		if err != nil {
			if !s.Running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			s.logger.Error("accept failed", logger.Field{Key: "error", Value: err.Error()})
			time.Sleep(acceptRetryDelay)
			continue
		}

		session := s.newSession(conn)
		s.live.Add(1)
		s.group.Go(func() error {
			defer s.live.Add(-1)
			// Session failures are contained to their connection.
			_ = session.Run(ctx)
			return nil
		})
	}
}

func (s *Server) newSession(conn net.Conn) *Session {
	id := registry.ConnID(s.ids.Id())
	c := registry.NewConnection(id, conn)

	limit := rate.Inf
	burst := s.config.MessageBurst
	if s.config.MessageRate > 0 {
		limit = rate.Limit(s.config.MessageRate)
	}
	if burst < 1 {
		burst = 1
	}

	return &Session{
		conn:       c,
		decoder:    s.codec.NewDecoder(conn),
		registry:   s.registry,
		dispatcher: s.dispatcher,
		admission:  s.admission,
		policy:     s.config.Policy,
		limiter:    rate.NewLimiter(limit, burst),
		logger: s.logger.With(
			logger.Field{Key: "conn", Value: uint64(id)},
			logger.Field{Key: "remote", Value: c.RemoteAddr},
		),
	}
}
