package fanout

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/givehub/dispatch/internal/redis"
)

// PresenceTTL bounds how long a user counts as online without a fresh
// subscribe or heartbeat.
const PresenceTTL = 5 * time.Minute

func presenceKey(userID string) string {
	return fmt.Sprintf("presence:%s", userID)
}

// Subscriber attaches clients to their per-user channels. Subscribing
// first marks the user online (TTL-bounded presence), then joins the
// stream. It is the consumer half of the fan-out: the WebSocket edge
// service that terminates client connections holds a Subscription per
// connected user and calls Heartbeat on its ping cycle. Nothing inside
// this binary subscribes; presence is advisory and the dispatch path
// never reads it.
type Subscriber struct {
	client *redis.Client
	logger *zap.Logger
}

// NewSubscriber creates a fan-out subscriber.
func NewSubscriber(client *redis.Client, logger *zap.Logger) *Subscriber {
	return &Subscriber{client: client, logger: logger}
}

// Subscription is one client's attachment to its channels. Close it when
// the client disconnects.
type Subscription struct {
	pubsub *goredis.PubSub
	userID string
}

// Subscribe marks userID online and attaches to both of its channels.
func (s *Subscriber) Subscribe(ctx context.Context, userID string) (*Subscription, error) {
	if err := s.client.RDB().Set(ctx, presenceKey(userID), "1", PresenceTTL).Err(); err != nil {
		return nil, fmt.Errorf("set presence: %w", err)
	}

	pubsub := s.client.RDB().Subscribe(ctx, ChannelNew(userID), ChannelUnread(userID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe failed: %w", err)
	}

	s.logger.Debug("client subscribed", zap.String("user_id", userID))
	return &Subscription{pubsub: pubsub, userID: userID}, nil
}

// Heartbeat refreshes the presence TTL for a connected client.
func (s *Subscriber) Heartbeat(ctx context.Context, userID string) error {
	if err := s.client.RDB().Set(ctx, presenceKey(userID), "1", PresenceTTL).Err(); err != nil {
		return fmt.Errorf("refresh presence: %w", err)
	}
	return nil
}

// Online reports whether a user currently has TTL-live presence.
func (s *Subscriber) Online(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.RDB().Exists(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("check presence: %w", err)
	}
	return n > 0, nil
}

// Messages returns the subscription's message stream. The channel closes
// when the subscription is closed.
func (sub *Subscription) Messages() <-chan *goredis.Message {
	return sub.pubsub.Channel()
}

// Close detaches from the channels.
func (sub *Subscription) Close() error {
	return sub.pubsub.Close()
}
