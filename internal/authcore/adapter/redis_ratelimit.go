package adapter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/renov-easy/auth-core/internal/authcrypto"
	"github.com/renov-easy/auth-core/internal/domain"
	redisclient "github.com/renov-easy/auth-core/internal/redis"
)

// RateLimiter implements the sliding-window rate limiting and lockout
// checks of §4.5, backed by Redis sorted sets. All methods follow a
// fail-closed policy: Redis errors result in denial, never silent allow.
type RateLimiter struct {
	cmd   redisclient.Cmdable
	clock domain.Clock
}

// NewRateLimiter creates a RateLimiter that uses cmd for Redis operations.
func NewRateLimiter(cmd redisclient.Cmdable, clock domain.Clock) *RateLimiter {
	return &RateLimiter{cmd: cmd, clock: clock}
}

// CheckSlidingWindow records the current request under key and reports
// whether it falls within limit over window, using a Redis sorted-set
// sliding window: expire entries older than the window, count what's
// left, and either add the new entry or compute a retry-after from the
// oldest surviving entry.
func (r *RateLimiter) CheckSlidingWindow(ctx context.Context, key string, limit int, window time.Duration) (domain.RateLimitOutcome, error) {
	ctx, span := tracer.Start(ctx, "redis.ratelimit.check_sliding_window")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "ZADD"),
	)

	now := r.clock.Now()
	nowMillis := now.UnixMilli()
	windowStart := nowMillis - window.Milliseconds()

	if err := r.cmd.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(windowStart, 10)).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.RateLimitOutcome{}, fmt.Errorf("trim rate limit window %q: %w", key, err)
	}

	count, err := r.cmd.ZCount(ctx, key, strconv.FormatInt(windowStart, 10), "+inf").Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.RateLimitOutcome{}, fmt.Errorf("count rate limit window %q: %w", key, err)
	}

	if count >= int64(limit) {
		retryAfter := window
		oldest, err := r.cmd.ZRangeByScoreWithScores(ctx, key, &redisclient.ZRangeBy{
			Min:    strconv.FormatInt(windowStart, 10),
			Max:    "+inf",
			Offset: 0,
			Count:  1,
		}).Result()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return domain.RateLimitOutcome{}, fmt.Errorf("read rate limit window %q: %w", key, err)
		}
		if len(oldest) > 0 {
			oldestMillis := int64(oldest[0].Score)
			remaining := time.Duration(oldestMillis+window.Milliseconds()-nowMillis) * time.Millisecond
			if remaining > 0 {
				retryAfter = remaining
			} else {
				retryAfter = time.Second
			}
		}

		return domain.RateLimitOutcome{
			Allowed:    false,
			Remaining:  0,
			Limit:      limit,
			Window:     window,
			RetryAfter: retryAfter,
		}, nil
	}

	if err := r.cmd.ZAdd(ctx, key, redisclient.Z{Score: float64(nowMillis), Member: strconv.FormatInt(nowMillis, 10) + ":" + authcrypto.GenerateID()}).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.RateLimitOutcome{}, fmt.Errorf("record rate limit entry %q: %w", key, err)
	}
	if err := r.cmd.Expire(ctx, key, window).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.RateLimitOutcome{}, fmt.Errorf("set rate limit window expiry %q: %w", key, err)
	}

	return domain.RateLimitOutcome{
		Allowed:   true,
		Remaining: limit - int(count) - 1,
		Limit:     limit,
		Window:    window,
	}, nil
}

// CurrentCount reports how many entries fall within window for key,
// without mutating the window — used by the status/monitoring operations
// of §4.5.
func (r *RateLimiter) CurrentCount(ctx context.Context, key string, window time.Duration) (int, error) {
	ctx, span := tracer.Start(ctx, "redis.ratelimit.current_count")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"), attribute.String("db.operation", "ZCOUNT"))

	windowStart := r.clock.Now().Add(-window).UnixMilli()
	count, err := r.cmd.ZCount(ctx, key, strconv.FormatInt(windowStart, 10), "+inf").Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("count %q: %w", key, err)
	}
	return int(count), nil
}

// CheckLockout checks whether a lockout key exists in Redis.
// Returns (true, nil) if the key exists (caller is locked out), (false,
// nil) if no lockout is active, and (true, err) on Redis failure
// (fail-closed: treat error as locked).
func (r *RateLimiter) CheckLockout(ctx context.Context, key string) (bool, error) {
	ctx, span := tracer.Start(ctx, "redis.ratelimit.check_lockout")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "EXISTS"),
	)

	result, err := r.cmd.Exists(ctx, key).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return true, fmt.Errorf("lockout check %q: %w", key, err)
	}

	return result > 0, nil
}

// LockTTL returns the remaining lockout duration for key, or zero if the
// key is not currently locked.
func (r *RateLimiter) LockTTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, span := tracer.Start(ctx, "redis.ratelimit.lock_ttl")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"), attribute.String("db.operation", "TTL"))

	ttl, err := r.cmd.TTL(ctx, key).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("lock ttl %q: %w", key, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// SetLockout sets a lockout key in Redis with the given TTL.
func (r *RateLimiter) SetLockout(ctx context.Context, key string, ttl time.Duration) error {
	ctx, span := tracer.Start(ctx, "redis.ratelimit.set_lockout")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "SET"),
	)

	err := r.cmd.Set(ctx, key, "1", ttl).Err()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("set lockout %q: %w", key, err)
	}

	return nil
}

// Reset deletes every rate-limit/lockout/failed-attempt key for an
// identifier, mirroring the admin reset operations of the source rate
// limiter.
func (r *RateLimiter) Reset(ctx context.Context, keys ...string) error {
	ctx, span := tracer.Start(ctx, "redis.ratelimit.reset")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"), attribute.String("db.operation", "DEL"))

	if len(keys) == 0 {
		return nil
	}
	if err := r.cmd.Del(ctx, keys...).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("reset keys: %w", err)
	}
	return nil
}
