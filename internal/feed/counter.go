package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/givehub/dispatch/internal/redis"
)

// counterTTL keeps the cached unread counter short-lived so drift against
// the authoritative count self-heals.
const counterTTL = 5 * time.Minute

// adjustScript applies a delta to the cached counter only if it exists,
// clamping at zero and refreshing the TTL. A missing key returns -1: the
// caller must fall back to the authoritative count instead of letting an
// increment invent a counter of 1.
var adjustScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  local v = redis.call('INCRBY', KEYS[1], ARGV[1])
  if v < 0 then
    v = 0
    redis.call('SET', KEYS[1], '0')
  end
  redis.call('EXPIRE', KEYS[1], ARGV[2])
  return v
end
return -1
`)

// CounterCache caches per-user unread counts in Redis. It is maintained
// incrementally on create/mark-read/mark-all-read and is never the sole
// source of truth.
type CounterCache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewCounterCache creates an unread counter cache.
func NewCounterCache(client *redis.Client, logger *zap.Logger) *CounterCache {
	return &CounterCache{client: client, logger: logger}
}

func counterKey(userID string) string {
	return fmt.Sprintf("unread_count:%s", userID)
}

// Get returns the cached count and whether it was present.
func (c *CounterCache) Get(ctx context.Context, userID string) (int64, bool, error) {
	n, err := c.client.RDB().Get(ctx, counterKey(userID)).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("counter get: %w", err)
	}
	return n, true, nil
}

// Set stores the authoritative count with the cache TTL.
func (c *CounterCache) Set(ctx context.Context, userID string, count int64) error {
	if err := c.client.RDB().Set(ctx, counterKey(userID), count, counterTTL).Err(); err != nil {
		return fmt.Errorf("counter set: %w", err)
	}
	return nil
}

// Adjust applies delta to the cached counter. Returns the new value and
// true when the counter was cached; (0, false) when it was absent and the
// caller must reconcile against the store.
func (c *CounterCache) Adjust(ctx context.Context, userID string, delta int64) (int64, bool, error) {
	n, err := adjustScript.Run(ctx, c.client.RDB(),
		[]string{counterKey(userID)},
		delta,
		int(counterTTL.Seconds()),
	).Int64()
	if err != nil {
		return 0, false, fmt.Errorf("counter adjust: %w", err)
	}
	if n < 0 {
		return 0, false, nil
	}
	return n, true, nil
}

// Invalidate drops the cached counter so the next read reconciles.
func (c *CounterCache) Invalidate(ctx context.Context, userID string) error {
	if err := c.client.RDB().Del(ctx, counterKey(userID)).Err(); err != nil {
		return fmt.Errorf("counter invalidate: %w", err)
	}
	return nil
}
