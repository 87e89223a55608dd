package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/billing-verify-processor/internal/config"
)

func newMiniredisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// fakeClock is a settable time source for the sliding window.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func (c *fakeClock) Set(base time.Time, d time.Duration) { c.t = base.Add(d) }

func newTestRedisLimiter(client *redis.Client, limit int, window time.Duration) (*RedisLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	limiter := NewRedisLimiter(client, limit, window)
	limiter.now = clock.Now
	return limiter, clock
}

func TestRedisLimiter_Allow(t *testing.T) {
	_, client := newMiniredisClient(t)
	limiter, clock := newTestRedisLimiter(client, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "acme")
		require.NoError(t, err)
		assert.True(t, ok, "attempt %d", i+1)
	}

	ok, err := limiter.Allow(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = limiter.Allow(ctx, "globex")
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")

	clock.Advance(time.Minute + time.Second)
	ok, err = limiter.Allow(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, ok, "window expired")
}

func TestRedisLimiter_WindowSlides(t *testing.T) {
	_, client := newMiniredisClient(t)
	limiter, clock := newTestRedisLimiter(client, 2, time.Minute)
	ctx := context.Background()
	start := clock.Now()

	cases := []struct {
		at      time.Duration
		allowed bool
	}{
		{0, true},
		{59 * time.Second, true},
		// the 0s attempt has left the window, the 59s one has not
		{61 * time.Second, true},
		{61 * time.Second, false},
		{118 * time.Second, false},
		{119 * time.Second, true},
	}
	for _, tc := range cases {
		clock.Set(start, tc.at)
		ok, err := limiter.Allow(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, tc.allowed, ok, "attempt at %s", tc.at)
	}
}

func TestRedisLimiter_RejectedAttemptsAreNotCounted(t *testing.T) {
	mr, client := newMiniredisClient(t)
	limiter, _ := newTestRedisLimiter(client, 1, time.Minute)
	ctx := context.Background()

	_, err := limiter.Allow(ctx, "acme")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "acme")
		require.NoError(t, err)
		assert.False(t, ok)
	}

	members, err := mr.ZMembers(keyPrefix + "acme")
	require.NoError(t, err)
	assert.Len(t, members, 1)
	assert.True(t, mr.TTL(keyPrefix+"acme") > 0)
}

func TestRedisLimiter_ErrorWhenUnavailable(t *testing.T) {
	mr, client := newMiniredisClient(t)
	mr.Close()

	_, err := NewRedisLimiter(client, 1, time.Minute).Allow(context.Background(), "acme")
	assert.Error(t, err)
}

func TestLocalLimiter_Allow(t *testing.T) {
	limiter := NewLocalLimiter(3, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "acme")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := limiter.Allow(ctx, "acme")
	assert.False(t, ok)

	ok, _ = limiter.Allow(ctx, "globex")
	assert.True(t, ok)
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	local, closeFn, err := New(ctx, config.RateLimitConfig{Backend: BackendLocal, MaxCalls: 1, Window: time.Minute}, config.RedisConfig{})
	require.NoError(t, err)
	assert.IsType(t, &LocalLimiter{}, local)
	assert.NoError(t, closeFn())

	mr := miniredis.RunT(t)
	remote, closeFn, err := New(ctx, config.RateLimitConfig{Backend: BackendRedis, MaxCalls: 1, Window: time.Minute}, config.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	assert.IsType(t, &RedisLimiter{}, remote)
	assert.NoError(t, closeFn())

	_, _, err = New(ctx, config.RateLimitConfig{Backend: "memcached"}, config.RedisConfig{})
	assert.Error(t, err)
}
