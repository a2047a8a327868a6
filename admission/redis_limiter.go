package admission

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// incrWithExpiry increments the counter and starts its window on first use,
// in one round trip so a crash between the two steps cannot leave a counter
// without a TTL.
var incrWithExpiry = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RedisLimiter counts attempts in Redis so several relay instances behind one
// address share the same allowance.
type RedisLimiter struct {
	client redis.Scripter
	prefix string
	config Config
}

// NewRedisLimiter creates a RedisLimiter storing counters under prefix.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	limiter := NewRedisLimiter(client, "relay:admit", admission.Config{Max: 5, Window: time.Minute})
func NewRedisLimiter(client redis.Scripter, prefix string, cfg Config) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		config: cfg,
	}
}

// Admit implements Limiter.
func (l *RedisLimiter) Admit(ctx context.Context, ip string) error {
	if !l.config.Enabled() {
		return nil
	}

	key := l.key(ip)
	count, err := incrWithExpiry.Run(ctx, l.client, []string{key}, l.config.Window.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis admission counter %s: %w", key, err)
	}

	if count > int64(l.config.Max) {
		return fmt.Errorf("%s: %d attempts within %s: %w", ip, count, l.config.Window, ErrRejected)
	}

	return nil
}

func (l *RedisLimiter) key(ip string) string {
	return fmt.Sprintf("%s:%s", l.prefix, ip)
}

var _ Limiter = (*RedisLimiter)(nil)
