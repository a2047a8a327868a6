// Package registry keeps the set of live relay connections and fans messages
// out to them.
//
// The Registry is the only owner of connection handles on the server: a
// connection is closed exactly when it leaves the registry, whether through
// its own session ending, a failed broadcast write or server shutdown.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/cyberinferno/tcprelay/logger"
)

var (
	// ErrClosed is returned by Add once CloseAll has run.
	ErrClosed = errors.New("registry is closed")
	// ErrDuplicate is returned by Add for an ID that is already registered.
	ErrDuplicate = errors.New("connection already registered")
)

// Registry is a mutex-protected set of active connections keyed by ConnID.
// All methods are safe for concurrent use. The lock is never held while
// logging or while writing to a peer.
type Registry struct {
	logger logger.Logger

	mu     sync.Mutex
	conns  map[ConnID]*Connection
	closed bool
}

// New returns an empty Registry.
func New(l logger.Logger) *Registry {
	return &Registry{
		logger: l,
		conns:  make(map[ConnID]*Connection),
	}
}

// Add registers c. It fails if the registry has been closed for shutdown or
// if c.ID is already present.
//
// Parameters:
//   - c: The connection to register
//
// Returns:
//   - ErrClosed or ErrDuplicate (wrapped) on failure
func (r *Registry) Add(c *Connection) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("add connection %d: %w", c.ID, ErrClosed)
	}

	if _, exists := r.conns[c.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("add connection %d: %w", c.ID, ErrDuplicate)
	}

	r.conns[c.ID] = c
	active := len(r.conns)
	r.mu.Unlock()

	r.logger.Info("client registered",
		logger.Field{Key: "conn", Value: uint64(c.ID)},
		logger.Field{Key: "remote", Value: c.RemoteAddr},
		logger.Field{Key: "active", Value: active},
	)

	return nil
}

// Remove deletes the connection with id and shuts its handle down before
// returning. Removing an absent id is a no-op.
//
// Parameters:
//   - id: The connection to remove
//
// Returns:
//   - true if the connection was present
func (r *Registry) Remove(id ConnID) bool {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
		_ = c.Close()
	}
	active := len(r.conns)
	r.mu.Unlock()

	if ok {
		r.logger.Info("client disconnected",
			logger.Field{Key: "conn", Value: uint64(id)},
			logger.Field{Key: "remote", Value: c.RemoteAddr},
			logger.Field{Key: "active", Value: active},
		)
	}

	return ok
}

// Snapshot returns a copy of the registered connections ordered by ID. The
// caller may iterate it and perform slow I/O without holding any lock.
func (r *Registry) Snapshot() []*Connection {
	r.mu.Lock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b *Connection) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})

	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CloseAll closes every registered connection under the lock, empties the
// registry and refuses further Adds. Sessions blocked reading from those
// connections are released immediately.
//
// Returns:
//   - The number of connections closed
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	r.closed = true
	n := len(r.conns)
	for id, c := range r.conns {
		_ = c.Close()
		delete(r.conns, id)
	}
	r.mu.Unlock()

	if n > 0 {
		r.logger.Info("closed all connections", logger.Field{Key: "count", Value: n})
	}

	return n
}
