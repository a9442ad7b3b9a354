package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "arena:ratelimit:"

// RedisBackend keeps sliding windows in a shared Redis sorted set so that
// multiple API instances enforce one limit. Scores are unix milliseconds.
type RedisBackend struct {
	rdb redis.Cmdable
	// instance keeps members from different processes distinct even when
	// they land on the same millisecond with the same counter value.
	instance string
	seq      atomic.Int64
}

// NewRedisBackend creates a Redis-backed sliding window store.
func NewRedisBackend(rdb redis.Cmdable) *RedisBackend {
	return &RedisBackend{
		rdb:      rdb,
		instance: uuid.New().String()[:8],
	}
}

// Take implements Backend. The entry is added first and removed again if
// the window turns out to be full, so concurrent instances cannot admit
// past the limit between a count and an insert.
func (b *RedisBackend) Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	rkey := redisKeyPrefix + key
	nowMs := now.UnixMilli()
	windowStart := nowMs - window.Milliseconds()
	member := strconv.FormatInt(nowMs, 10) + "-" + b.instance + "-" + strconv.FormatInt(b.seq.Add(1), 10)

	pipe := b.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(windowStart, 10))
	pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(nowMs), Member: member})
	cardCmd := pipe.ZCard(ctx, rkey)
	pipe.Expire(ctx, rkey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limit pipeline failed: %w", err)
	}

	count := cardCmd.Val()
	if count <= int64(limit) {
		return Decision{
			Allowed:   true,
			Remaining: limit - int(count),
		}, nil
	}

	// over the limit: withdraw our entry and report when a slot frees
	if err := b.rdb.ZRem(ctx, rkey, member).Err(); err != nil {
		return Decision{}, fmt.Errorf("rate limit withdraw failed: %w", err)
	}

	retryAfter := window
	oldest, err := b.rdb.ZRangeWithScores(ctx, rkey, 0, 0).Result()
	if err == nil && len(oldest) > 0 {
		freeAt := int64(oldest[0].Score) + window.Milliseconds()
		if wait := freeAt - nowMs; wait > 0 {
			retryAfter = time.Duration(wait) * time.Millisecond
		}
	}

	return Decision{Allowed: false, RetryAfter: retryAfter}, nil
}
