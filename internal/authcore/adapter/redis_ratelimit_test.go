package adapter_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renov-easy/auth-core/internal/authcore/adapter"
	"github.com/renov-easy/auth-core/internal/domain/domaintest"
	redisclient "github.com/renov-easy/auth-core/internal/redis"
)

func newTestRateLimiter(t *testing.T) (*adapter.RateLimiter, *miniredis.Miniredis, *domaintest.FakeClock) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redisclient.NewClient(redisclient.Config{
		Addr:         mr.Addr(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	t.Cleanup(func() {
		require.NoError(t, client.Close())
	})

	clock := domaintest.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return adapter.NewRateLimiter(client.RDB, clock), mr, clock
}

func TestRateLimiter_CheckSlidingWindow(t *testing.T) {
	t.Run("allows requests under the limit", func(t *testing.T) {
		rl, _, _ := newTestRateLimiter(t)
		ctx := context.Background()

		outcome, err := rl.CheckSlidingWindow(ctx, "otp_req:phone:abc", 3, time.Minute)

		require.NoError(t, err)
		assert.True(t, outcome.Allowed, "first request should be allowed")
		assert.Equal(t, 2, outcome.Remaining)
	})

	t.Run("allows exactly up to the limit", func(t *testing.T) {
		rl, _, _ := newTestRateLimiter(t)
		ctx := context.Background()
		key := "otp_req:phone:def"
		limit := 3

		for i := 0; i < limit; i++ {
			outcome, err := rl.CheckSlidingWindow(ctx, key, limit, time.Minute)
			require.NoError(t, err)
			assert.True(t, outcome.Allowed, "request %d should be allowed", i+1)
		}
	})

	t.Run("rejects requests exceeding the limit", func(t *testing.T) {
		rl, _, _ := newTestRateLimiter(t)
		ctx := context.Background()
		key := "otp_req:phone:ghi"
		limit := 3

		for i := 0; i < limit; i++ {
			_, err := rl.CheckSlidingWindow(ctx, key, limit, time.Minute)
			require.NoError(t, err)
		}

		outcome, err := rl.CheckSlidingWindow(ctx, key, limit, time.Minute)

		require.NoError(t, err)
		assert.False(t, outcome.Allowed, "request beyond limit should be rejected")
		assert.Greater(t, outcome.RetryAfter, time.Duration(0))
	})

	t.Run("different keys are independent", func(t *testing.T) {
		rl, _, _ := newTestRateLimiter(t)
		ctx := context.Background()
		limit := 1

		_, err := rl.CheckSlidingWindow(ctx, "key:a", limit, time.Minute)
		require.NoError(t, err)

		outcome, err := rl.CheckSlidingWindow(ctx, "key:b", limit, time.Minute)
		require.NoError(t, err)
		assert.True(t, outcome.Allowed, "different key should be independent")
	})

	t.Run("counter resets after window slides past old entries", func(t *testing.T) {
		rl, mr, clock := newTestRateLimiter(t)
		ctx := context.Background()
		key := "otp_req:phone:pqr"
		limit := 1

		_, err := rl.CheckSlidingWindow(ctx, key, limit, time.Minute)
		require.NoError(t, err)

		outcome, err := rl.CheckSlidingWindow(ctx, key, limit, time.Minute)
		require.NoError(t, err)
		assert.False(t, outcome.Allowed, "second request in same window should be rejected")

		clock.Advance(61 * time.Second)
		mr.FastForward(61 * time.Second)

		outcome, err = rl.CheckSlidingWindow(ctx, key, limit, time.Minute)
		require.NoError(t, err)
		assert.True(t, outcome.Allowed, "first request in new window should be allowed")
	})
}

func TestRateLimiter_CheckLockout(t *testing.T) {
	t.Run("returns false when no lockout exists", func(t *testing.T) {
		rl, _, _ := newTestRateLimiter(t)
		ctx := context.Background()

		locked, err := rl.CheckLockout(ctx, "otp_lockout:phone:abc")

		require.NoError(t, err)
		assert.False(t, locked, "should not be locked when key does not exist")
	})

	t.Run("returns true when lockout is active", func(t *testing.T) {
		rl, mr, _ := newTestRateLimiter(t)
		ctx := context.Background()
		key := "otp_lockout:phone:def"

		require.NoError(t, mr.Set(key, "1"))

		locked, err := rl.CheckLockout(ctx, key)

		require.NoError(t, err)
		assert.True(t, locked, "should be locked when key exists")
	})

	t.Run("returns false after lockout expires", func(t *testing.T) {
		rl, mr, _ := newTestRateLimiter(t)
		ctx := context.Background()
		key := "otp_lockout:phone:ghi"

		require.NoError(t, mr.Set(key, "1"))
		mr.SetTTL(key, 60*time.Second)

		mr.FastForward(61 * time.Second)

		locked, err := rl.CheckLockout(ctx, key)

		require.NoError(t, err)
		assert.False(t, locked, "lockout should expire after TTL")
	})
}

func TestRateLimiter_SetLockout(t *testing.T) {
	t.Run("creates lockout key with TTL", func(t *testing.T) {
		rl, mr, _ := newTestRateLimiter(t)
		ctx := context.Background()
		key := "otp_lockout:phone:abc"

		err := rl.SetLockout(ctx, key, 15*time.Minute)

		require.NoError(t, err)
		assert.True(t, mr.Exists(key), "lockout key should exist")
		val, getErr := mr.Get(key)
		require.NoError(t, getErr)
		assert.Equal(t, "1", val, "lockout value should be '1'")
		assert.Equal(t, 15*time.Minute, mr.TTL(key), "TTL should match the requested duration")
	})

	t.Run("lockout expires after TTL", func(t *testing.T) {
		rl, mr, _ := newTestRateLimiter(t)
		ctx := context.Background()
		key := "otp_lockout:phone:def"

		err := rl.SetLockout(ctx, key, time.Minute)
		require.NoError(t, err)

		mr.FastForward(61 * time.Second)

		assert.False(t, mr.Exists(key), "lockout key should expire after TTL")
	})
}

func TestRateLimiter_LockTTL(t *testing.T) {
	rl, mr, _ := newTestRateLimiter(t)
	ctx := context.Background()
	key := "otp_lockout:phone:ttl"

	require.NoError(t, mr.Set(key, "1"))
	mr.SetTTL(key, 10*time.Minute)

	ttl, err := rl.LockTTL(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, ttl)
}
