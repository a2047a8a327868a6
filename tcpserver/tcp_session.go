package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/cyberinferno/tcprelay/admission"
	"github.com/cyberinferno/tcprelay/logger"
	"github.com/cyberinferno/tcprelay/registry"
	"github.com/cyberinferno/tcprelay/sockopt"
	"github.com/cyberinferno/tcprelay/utils"
	"github.com/cyberinferno/tcprelay/wire"
)

// SessionState is the lifecycle position of one accepted connection.
type SessionState int32

const (
	StateConnecting SessionState = iota // Accepted, not yet admitted, configured and registered
	StateRegistered                     // In the registry, receive loop not started
	StateReceiving                      // Receive loop running
	StateClosing                        // Receive loop ended, deregistration in progress
	StateRemoved                        // Deregistered and closed
)

// String returns a human-readable name for the state.
func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateRegistered:
		return "Registered"
	case StateReceiving:
		return "Receiving"
	case StateClosing:
		return "Closing"
	case StateRemoved:
		return "Removed"
	default:
		return "Unknown"
	}
}

// Session owns one accepted connection from registration to removal. The
// connection is in the registry exactly while the receive loop may run:
// registration precedes the first read and removal follows the loop's exit
// whatever caused it.
type Session struct {
	conn       *registry.Connection
	decoder    wire.Decoder
	registry   *registry.Registry
	dispatcher *registry.Dispatcher
	admission  admission.Limiter
	policy     sockopt.Policy
	limiter    *rate.Limiter
	logger     logger.Logger

	state atomic.Int32
}

// ID returns the connection identifier of the session.
func (s *Session) ID() registry.ConnID {
	return s.conn.ID
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(state SessionState) {
	s.state.Store(int32(state))
}

// Run admits, configures and registers the connection, then relays its
// messages until the peer leaves, an I/O error occurs, the peer sends the
// exit sentinel or ctx is cancelled. Failures before registration close the
// connection without registering it.
//
// Parameters:
//   - ctx: Server run context; cancellation is checked between reads
//
// Returns:
//   - nil for orderly endings, otherwise the error that ended the session
func (s *Session) Run(ctx context.Context) error {
	s.logger.Info("new client connected")

	if err := s.open(ctx); err != nil {
		_ = s.conn.Close()
		s.setState(StateRemoved)
		return err
	}

	s.setState(StateRegistered)
	defer s.close()

	s.setState(StateReceiving)
	return s.receiveLoop(ctx)
}

func (s *Session) open(ctx context.Context) error {
	if err := s.admission.Admit(ctx, s.conn.RemoteIP()); err != nil {
		if errors.Is(err, admission.ErrRejected) || ctx.Err() != nil {
			s.logger.Warn("connection not admitted", logger.Field{Key: "error", Value: err.Error()})
			return fmt.Errorf("admit connection %d: %w", s.conn.ID, err)
		}

		// Admission backend unavailable; fail open.
		s.logger.Warn("admission check failed", logger.Field{Key: "error", Value: err.Error()})
	}

	if err := sockopt.Configure(s.conn.Conn, s.policy); err != nil {
		s.logger.Error("socket configuration failed", logger.Field{Key: "error", Value: err.Error()})
		return fmt.Errorf("configure connection %d: %w", s.conn.ID, err)
	}

	if err := s.registry.Add(s.conn); err != nil {
		s.logger.Warn("registration refused", logger.Field{Key: "error", Value: err.Error()})
		return err
	}

	return nil
}

func (s *Session) close() {
	s.setState(StateClosing)
	s.registry.Remove(s.conn.ID)
	// The connection may already have left the registry through a failed
	// broadcast or shutdown; closing again is a no-op.
	_ = s.conn.Close()
	s.setState(StateRemoved)
}

func (s *Session) receiveLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		if s.policy.ReceiveTimeout > 0 {
			if err := s.conn.Conn.SetReadDeadline(time.Now().Add(s.policy.ReceiveTimeout)); err != nil {
				return s.endOnError(ctx, err)
			}
		}

		payload, err := s.decoder.Next()
		if err != nil {
			if wire.IsTimeout(err) {
				continue
			}

			return s.endOnError(ctx, err)
		}

		text := utils.ReadStringFromBytes(payload)
		if text == ExitSentinel {
			s.logger.Info("client requested disconnect")
			return nil
		}

		s.logger.Info("message received", logger.Field{Key: "text", Value: text})

		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}

		if _, err := s.dispatcher.Broadcast(payload, s.conn.ID); err != nil {
			s.logger.Warn("broadcast failed", logger.Field{Key: "error", Value: err.Error()})
		}
	}
}

// endOnError classifies the error that stopped the receive loop.
func (s *Session) endOnError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, io.EOF):
		s.logger.Info("client closed connection")
		return nil
	case ctx.Err() != nil, errors.Is(err, net.ErrClosed):
		// Closed by shutdown or by a failed broadcast write.
		return nil
	default:
		s.logger.Error("receive error", logger.Field{Key: "error", Value: err.Error()})
		return fmt.Errorf("receive on connection %d: %w", s.conn.ID, err)
	}
}
