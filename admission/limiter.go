// Package admission throttles how many connections a single remote IP may open
// within a time window. The relay consults a Limiter right after accept and
// closes rejected connections before they are configured or registered.
package admission

import (
	"context"
	"errors"
	"time"
)

// ErrRejected is returned by Admit when the caller exceeded its allowance.
var ErrRejected = errors.New("connection rate exceeded for remote address")

// Limiter decides whether a new connection from ip is admitted.
type Limiter interface {
	// Admit records one connection attempt from ip.
	//
	// Parameters:
	//   - ctx: Context for cancellation of remote lookups
	//   - ip: Remote host, without port
	//
	// Returns:
	//   - nil if admitted, an error wrapping ErrRejected if over the limit,
	//     or a backend error
	Admit(ctx context.Context, ip string) error
}

// Config describes an allowance of Max connections per IP per Window.
type Config struct {
	Max    int
	Window time.Duration
}

// Enabled reports whether the allowance restricts anything.
func (c Config) Enabled() bool {
	return c.Max > 0 && c.Window > 0
}

// Unlimited admits every connection.
type Unlimited struct{}

// Admit implements Limiter.
func (Unlimited) Admit(context.Context, string) error {
	return nil
}
