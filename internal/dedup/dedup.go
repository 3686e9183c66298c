// Package dedup implements the TTL-keyed store used for idempotent
// suppression of re-delivered business events and for coalescing rapid
// repeated triggers into one debounce window. All mutations are atomic
// SET NX so racing producer or worker instances cannot double-claim.
package dedup

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/givehub/dispatch/internal/event"
	"github.com/givehub/dispatch/internal/redis"
)

const (
	// ClaimTTL is the dedup window: how long a processed event id is
	// remembered. Expiry permits the same id to be reprocessed if somehow
	// re-delivered later — an accepted at-least-once tradeoff, not
	// exactly-once forever.
	ClaimTTL = 10 * time.Minute

	claimSentinel = "1"
)

// Store provides the dedup claim and debounce window checks.
type Store struct {
	client *redis.Client
	logger *zap.Logger
}

// NewStore creates a dedup/debounce store.
func NewStore(client *redis.Client, logger *zap.Logger) *Store {
	return &Store{client: client, logger: logger}
}

func claimKey(eventID string) string {
	return fmt.Sprintf("processed_event:%s", eventID)
}

func debounceKey(t event.Type, entityID, userID string) string {
	return fmt.Sprintf("debounce:%s:%s:%s", t, entityID, userID)
}

// TryClaim atomically marks eventID as processed. Returns false if another
// delivery already claimed it within the dedup window; the caller must then
// skip processing. This is not a failure path.
func (s *Store) TryClaim(ctx context.Context, eventID string) (bool, error) {
	set, err := s.client.RDB().SetNX(ctx, claimKey(eventID), claimSentinel, ClaimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		s.logger.Debug("duplicate event suppressed", zap.String("event_id", eventID))
	}
	return set, nil
}

// Release drops the processed-event claim for eventID. The worker calls it
// when processing fails after the claim was taken, so the retry attempt is
// not suppressed as a duplicate of itself.
func (s *Store) Release(ctx context.Context, eventID string) error {
	if err := s.client.RDB().Del(ctx, claimKey(eventID)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// StartWindow atomically checks the debounce record for (type, entity,
// user). Returns true if a new window was started — the caller should
// schedule a fresh delayed job. Returns false if a window is already open —
// the caller relies on the in-flight coalesced job instead of issuing a new
// delayed schedule.
func (s *Store) StartWindow(ctx context.Context, t event.Type, entityID, userID string, window time.Duration) (bool, error) {
	set, err := s.client.RDB().SetNX(ctx, debounceKey(t, entityID, userID), claimSentinel, window).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}
