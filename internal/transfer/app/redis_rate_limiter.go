/**
 * @description
 * Per-source-wallet submission limiter backed by Redis. Each wallet gets a
 * counter key bucketed by window start, so the count resets on the boundary
 * without any read-modify-write race and the retry hint falls out of the
 * bucket arithmetic instead of a TTL probe.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: shared counter storage.
 */

package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// submitCounter is the slice of the redis client the limiter needs. Kept
// narrow so window counts can be scripted in tests without a live server.
type submitCounter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	PExpire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisSubmitLimiter enforces a fixed-window submission budget per source
// wallet, shared by every transfer-service instance.
type RedisSubmitLimiter struct {
	client submitCounter
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedisSubmitLimiter creates a limiter allowing perMinute submissions per
// source wallet per minute.
func NewRedisSubmitLimiter(client redis.UniversalClient, prefix string, perMinute int) *RedisSubmitLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "momentum:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisSubmitLimiter{
		client: client,
		prefix: trimmedPrefix,
		limit:  perMinute,
		window: time.Minute,
		now:    time.Now,
	}
}

// ConsumeSubmitSlot counts one submission attempt against the wallet's
// current window and reports whether it fits the budget.
func (l *RedisSubmitLimiter) ConsumeSubmitSlot(ctx context.Context, sourceWalletID uuid.UUID) (LimitDecision, error) {
	if l == nil || l.client == nil || l.limit <= 0 {
		return LimitDecision{Allowed: true}, nil
	}

	now := l.now().UTC()
	windowStart := now.Truncate(l.window)
	key := fmt.Sprintf("%s:submit:%s:%d", l.prefix, sourceWalletID, windowStart.UnixMilli())

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return LimitDecision{}, fmt.Errorf("increment submit counter: %w", err)
	}
	// The bucket key encodes the window, so refreshing the expiry on every
	// hit never stretches the window; it only keeps abandoned buckets from
	// lingering. Double the window leaves the closing bucket readable while
	// the next one fills.
	if err := l.client.PExpire(ctx, key, 2*l.window).Err(); err != nil {
		return LimitDecision{}, fmt.Errorf("expire submit counter: %w", err)
	}

	return l.decide(count, now, windowStart), nil
}

func (l *RedisSubmitLimiter) decide(count int64, now, windowStart time.Time) LimitDecision {
	if count > int64(l.limit) {
		retryAfter := int(math.Ceil(windowStart.Add(l.window).Sub(now).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		return LimitDecision{RetryAfterSeconds: retryAfter}
	}

	return LimitDecision{
		Allowed:   true,
		Remaining: l.limit - int(count),
	}
}
