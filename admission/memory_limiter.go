package admission

import (
	"context"
	"fmt"
	"sync"

	"github.com/patrickmn/go-cache"
)

// MemoryLimiter counts attempts per IP in process memory. A counter starts on
// the first attempt and expires Window later, after which the IP gets a fresh
// allowance.
type MemoryLimiter struct {
	config Config
	counts *cache.Cache
	mu     sync.Mutex
}

// NewMemoryLimiter creates a MemoryLimiter for cfg. Expired counters are
// purged every Window.
func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	return &MemoryLimiter{
		config: cfg,
		counts: cache.New(cfg.Window, cfg.Window),
	}
}

// Admit implements Limiter.
func (l *MemoryLimiter) Admit(ctx context.Context, ip string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if !l.config.Enabled() {
		return nil
	}

	// Add and Increment are individually atomic; the mutex makes the
	// add-or-increment pair atomic as well.
	l.mu.Lock()
	count := 1
	if err := l.counts.Add(ip, 1, l.config.Window); err != nil {
		n, incErr := l.counts.IncrementInt(ip, 1)
		if incErr != nil {
			// The entry expired between Add and Increment.
			l.counts.Set(ip, 1, l.config.Window)
			n = 1
		}
		count = n
	}
	l.mu.Unlock()

	if count > l.config.Max {
		return fmt.Errorf("%s: %d attempts within %s: %w", ip, count, l.config.Window, ErrRejected)
	}

	return nil
}

var _ Limiter = (*MemoryLimiter)(nil)
var _ Limiter = Unlimited{}
