package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Enabled(t *testing.T) {
	assert.False(t, Config{}.Enabled())
	assert.False(t, Config{Max: 3}.Enabled())
	assert.False(t, Config{Window: time.Second}.Enabled())
	assert.True(t, Config{Max: 3, Window: time.Second}.Enabled())
}

func TestUnlimited(t *testing.T) {
	for i := 0; i < 100; i++ {
		require.NoError(t, Unlimited{}.Admit(context.Background(), "10.0.0.1"))
	}
}

// recorded returns the attempts counted for ip in the current window.
func recorded(l *MemoryLimiter, ip string) int {
	v, found := l.counts.Get(ip)
	if !found {
		return 0
	}

	n, _ := v.(int)
	return n
}

func TestMemoryLimiter(t *testing.T) {
	ctx := context.Background()

	t.Run("admits up to max then rejects", func(t *testing.T) {
		l := NewMemoryLimiter(Config{Max: 2, Window: time.Minute})

		require.NoError(t, l.Admit(ctx, "10.0.0.1"))
		require.NoError(t, l.Admit(ctx, "10.0.0.1"))
		assert.ErrorIs(t, l.Admit(ctx, "10.0.0.1"), ErrRejected)
		assert.Equal(t, 3, recorded(l, "10.0.0.1"))
	})

	t.Run("counts are per ip", func(t *testing.T) {
		l := NewMemoryLimiter(Config{Max: 1, Window: time.Minute})

		require.NoError(t, l.Admit(ctx, "10.0.0.1"))
		require.NoError(t, l.Admit(ctx, "10.0.0.2"))
		assert.ErrorIs(t, l.Admit(ctx, "10.0.0.1"), ErrRejected)
	})

	t.Run("window expiry restores the allowance", func(t *testing.T) {
		l := NewMemoryLimiter(Config{Max: 1, Window: 50 * time.Millisecond})

		require.NoError(t, l.Admit(ctx, "10.0.0.1"))
		assert.ErrorIs(t, l.Admit(ctx, "10.0.0.1"), ErrRejected)

		time.Sleep(80 * time.Millisecond)
		assert.NoError(t, l.Admit(ctx, "10.0.0.1"))
	})

	t.Run("cancelled context", func(t *testing.T) {
		l := NewMemoryLimiter(Config{Max: 1, Window: time.Minute})
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, l.Admit(cctx, "10.0.0.1"), context.Canceled)
	})

	t.Run("concurrent attempts are all counted", func(t *testing.T) {
		l := NewMemoryLimiter(Config{Max: 10, Window: time.Minute})

		var wg sync.WaitGroup
		var mu sync.Mutex
		admitted := 0
		wg.Add(50)
		for i := 0; i < 50; i++ {
			go func() {
				defer wg.Done()
				if l.Admit(ctx, "10.0.0.9") == nil {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 10, admitted)
		assert.Equal(t, 50, recorded(l, "10.0.0.9"))
	})
}

// fakeScripter answers EvalSha like the increment script would.
type fakeScripter struct {
	mu     sync.Mutex
	counts map[string]int64
	ttls   map[string]any
	err    error
}

func newFakeScripter() *fakeScripter {
	return &fakeScripter{counts: map[string]int64{}, ttls: map[string]any{}}
}

func (f *fakeScripter) run(ctx context.Context, keys []string, args ...interface{}) *redis.Cmd {
	cmd := redis.NewCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[keys[0]]++
	if f.counts[keys[0]] == 1 {
		f.ttls[keys[0]] = args[0]
	}
	cmd.SetVal(f.counts[keys[0]])
	return cmd
}

func (f *fakeScripter) Eval(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(ctx, keys, args...)
}

func (f *fakeScripter) EvalSha(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(ctx, keys, args...)
}

func (f *fakeScripter) EvalRO(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(ctx, keys, args...)
}

func (f *fakeScripter) EvalShaRO(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(ctx, keys, args...)
}

func (f *fakeScripter) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	cmd := redis.NewBoolSliceCmd(ctx)
	cmd.SetVal(make([]bool, len(hashes)))
	return cmd
}

func (f *fakeScripter) ScriptLoad(ctx context.Context, _ string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	cmd.SetVal("sha")
	return cmd
}

func TestRedisLimiter(t *testing.T) {
	ctx := context.Background()

	t.Run("admits up to max under a prefixed key", func(t *testing.T) {
		f := newFakeScripter()
		l := NewRedisLimiter(f, "relay:admit", Config{Max: 2, Window: 30 * time.Second})

		require.NoError(t, l.Admit(ctx, "198.51.100.4"))
		require.NoError(t, l.Admit(ctx, "198.51.100.4"))
		assert.ErrorIs(t, l.Admit(ctx, "198.51.100.4"), ErrRejected)

		assert.Equal(t, int64(3), f.counts["relay:admit:198.51.100.4"])
		assert.Equal(t, int64(30000), f.ttls["relay:admit:198.51.100.4"])
	})

	t.Run("backend errors are not rejections", func(t *testing.T) {
		f := newFakeScripter()
		f.err = errors.New("dial tcp: connection refused")
		l := NewRedisLimiter(f, "relay:admit", Config{Max: 2, Window: time.Second})

		err := l.Admit(ctx, "198.51.100.4")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrRejected)
	})

	t.Run("disabled config skips redis", func(t *testing.T) {
		f := newFakeScripter()
		f.err = errors.New("must not be called")
		l := NewRedisLimiter(f, "relay:admit", Config{})

		assert.NoError(t, l.Admit(ctx, "198.51.100.4"))
	})
}
