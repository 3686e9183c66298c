package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines per-caller rate limiting parameters for the
// feed API surface.
type RateLimitConfig struct {
	Limit  int           // Maximum requests allowed
	Window time.Duration // Time window for the limit
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter implements sliding window rate limiting using Redis
// sorted sets, keyed per user.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
	}
}

// Allow checks if a request from userID is allowed under the rate limit
// and records it if so.
func (r *RateLimiter) Allow(ctx context.Context, userID string) (*RateLimitResult, error) {
	now := time.Now()
	windowStart := now.Add(-r.config.Window)
	resetAt := now.Add(r.config.Window)

	key := fmt.Sprintf("ratelimit:feed:%s", userID)

	pipe := r.client.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	current := int(countCmd.Val())
	if current >= r.config.Limit {
		r.logger.Debug("rate limit exceeded",
			zap.String("user_id", userID),
			zap.Int("current", current),
			zap.Int("limit", r.config.Limit),
		)
		return &RateLimitResult{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	member := fmt.Sprintf("%d", now.UnixNano())
	record := r.client.rdb.Pipeline()
	record.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	record.Expire(ctx, key, r.config.Window)
	if _, err := record.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	return &RateLimitResult{
		Allowed:   true,
		Remaining: r.config.Limit - current - 1,
		ResetAt:   resetAt,
	}, nil
}
