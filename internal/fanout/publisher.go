// Package fanout pushes newly created notifications and unread-count
// deltas to connected clients over per-user Redis pub/sub channels. The
// worker publishes; the WebSocket edge service consumes via Subscriber.
// Delivery is best effort: nothing is persisted at the channel layer and
// there is no replay buffer, so a client that was not subscribed at
// publish time catches up through the feed service.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/givehub/dispatch/internal/db"
	"github.com/givehub/dispatch/internal/redis"
)

// ChannelNew is the per-user channel carrying full notification records.
func ChannelNew(userID string) string {
	return fmt.Sprintf("notification:new:%s", userID)
}

// ChannelUnread is the per-user channel carrying unread-count updates.
func ChannelUnread(userID string) string {
	return fmt.Sprintf("notification:unread:%s", userID)
}

// UnreadUpdate is the payload published on ChannelUnread.
type UnreadUpdate struct {
	Count int64 `json:"count"`
}

// Publisher publishes to the per-user channels behind a circuit breaker:
// when Redis pub/sub is down, publishes fail fast instead of stalling the
// worker. Publish errors never roll back persistence.
type Publisher struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker[any]
	logger  *zap.Logger
}

// NewPublisher creates a fan-out publisher.
func NewPublisher(client *redis.Client, logger *zap.Logger) *Publisher {
	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "fanout-publish",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return &Publisher{
		client:  client,
		breaker: breaker,
		logger:  logger,
	}
}

// PublishNew pushes a freshly persisted notification to its recipient.
func (p *Publisher) PublishNew(ctx context.Context, notif *db.Notification) error {
	payload, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return p.publish(ctx, ChannelNew(notif.UserID), payload)
}

// PublishUnread pushes the recipient's current unread count.
func (p *Publisher) PublishUnread(ctx context.Context, userID string, count int64) error {
	payload, err := json.Marshal(UnreadUpdate{Count: count})
	if err != nil {
		return fmt.Errorf("marshal unread update: %w", err)
	}
	return p.publish(ctx, ChannelUnread(userID), payload)
}

func (p *Publisher) publish(ctx context.Context, channel string, payload []byte) error {
	_, err := p.breaker.Execute(func() (any, error) {
		if err := p.client.RDB().Publish(ctx, channel, payload).Err(); err != nil {
			return nil, fmt.Errorf("publish to %s: %w", channel, err)
		}
		return nil, nil
	})
	if err != nil {
		p.logger.Warn("fanout publish failed",
			zap.String("channel", channel),
			zap.Error(err),
		)
		return err
	}
	return nil
}
