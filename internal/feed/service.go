// Package feed serves persisted notifications back to their owner:
// cursor-paginated listing, read-state mutations, owner-scoped deletes,
// and a cached unread counter reconcilable against the store.
package feed

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/givehub/dispatch/internal/db"
	"github.com/givehub/dispatch/internal/metrics"
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

// Store is the persistence surface the feed service needs. *db.Repository
// implements it; tests use an in-memory fake.
type Store interface {
	ListNotifications(ctx context.Context, userID string, limit int, beforeCreatedAt *time.Time, beforeID *uuid.UUID, isRead *bool) ([]*db.Notification, error)
	GetNotification(ctx context.Context, id uuid.UUID, userID string) (*db.Notification, error)
	MarkRead(ctx context.Context, id uuid.UUID, userID string) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	DeleteNotification(ctx context.Context, id uuid.UUID, userID string) error
	CountUnread(ctx context.Context, userID string) (int64, error)
}

// ListParams filters a feed page.
type ListParams struct {
	Limit  int
	Cursor string
	IsRead *bool
}

// Page is one page of the feed walk.
type Page struct {
	Items      []*db.Notification `json:"items"`
	HasMore    bool               `json:"has_more"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

// Service is the read/unread query surface over persisted notifications.
type Service struct {
	store    Store
	counters *CounterCache
	logger   *zap.Logger
}

// NewService creates a feed service.
func NewService(store Store, counters *CounterCache, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		counters: counters,
		logger:   logger,
	}
}

// List returns a page of the user's notifications, newest first.
func (s *Service) List(ctx context.Context, userID string, params ListParams) (*Page, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	var beforeCreatedAt *time.Time
	var beforeID *uuid.UUID
	if params.Cursor != "" {
		cursor, err := DecodeCursor(params.Cursor)
		if err != nil {
			return nil, err
		}
		beforeCreatedAt = &cursor.CreatedAt
		beforeID = &cursor.ID
	}

	// Fetch one extra row to learn whether another page exists.
	items, err := s.store.ListNotifications(ctx, userID, limit+1, beforeCreatedAt, beforeID, params.IsRead)
	if err != nil {
		return nil, err
	}

	page := &Page{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.HasMore = true
		last := page.Items[len(page.Items)-1]
		page.NextCursor = Cursor{CreatedAt: last.CreatedAt, ID: last.ID}.Encode()
	}
	if page.Items == nil {
		page.Items = []*db.Notification{}
	}
	return page, nil
}

// Get returns a single notification scoped to its owner.
func (s *Service) Get(ctx context.Context, id uuid.UUID, userID string) (*db.Notification, error) {
	return s.store.GetNotification(ctx, id, userID)
}

// MarkRead flips one notification to read and decrements the cached
// unread counter. Re-marking an already-read notification is a no-op:
// the store only reports a mutation for an unread row, so a repeated or
// retried call cannot decrement the counter twice.
func (s *Service) MarkRead(ctx context.Context, id uuid.UUID, userID string) error {
	if err := s.store.MarkRead(ctx, id, userID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			// The row may exist and already be read.
			if _, getErr := s.store.GetNotification(ctx, id, userID); getErr == nil {
				return nil
			}
		}
		return err
	}
	if _, _, err := s.counters.Adjust(ctx, userID, -1); err != nil {
		s.logger.Warn("unread counter adjust failed", zap.Error(err), zap.String("user_id", userID))
	}
	return nil
}

// MarkAllRead marks every unread notification read and returns how many
// were mutated.
func (s *Service) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	count, err := s.store.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, err
	}
	if err := s.counters.Set(ctx, userID, 0); err != nil {
		s.logger.Warn("unread counter reset failed", zap.Error(err), zap.String("user_id", userID))
	}
	return count, nil
}

// Delete removes a notification, owner-scoped.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, userID string) error {
	notif, err := s.store.GetNotification(ctx, id, userID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteNotification(ctx, id, userID); err != nil {
		return err
	}
	if !notif.IsRead {
		if _, _, err := s.counters.Adjust(ctx, userID, -1); err != nil {
			s.logger.Warn("unread counter adjust failed", zap.Error(err), zap.String("user_id", userID))
		}
	}
	return nil
}

// UnreadCount reads the cached counter, falling back to the authoritative
// count on cache miss.
func (s *Service) UnreadCount(ctx context.Context, userID string) (int64, error) {
	if n, ok, err := s.counters.Get(ctx, userID); err == nil && ok {
		metrics.RecordUnreadCache("hit")
		return n, nil
	} else if err != nil {
		s.logger.Warn("unread counter read failed", zap.Error(err), zap.String("user_id", userID))
	}
	metrics.RecordUnreadCache("miss")

	count, err := s.store.CountUnread(ctx, userID)
	if err != nil {
		return 0, err
	}
	if err := s.counters.Set(ctx, userID, count); err != nil {
		s.logger.Warn("unread counter set failed", zap.Error(err), zap.String("user_id", userID))
	}
	return count, nil
}

// BumpUnread increments the user's unread counter after the worker
// persists a notification, reconciling from the store when the cache is
// cold. Returns the current unread count.
func (s *Service) BumpUnread(ctx context.Context, userID string) (int64, error) {
	if n, ok, err := s.counters.Adjust(ctx, userID, 1); err == nil && ok {
		return n, nil
	} else if err != nil {
		s.logger.Warn("unread counter adjust failed", zap.Error(err), zap.String("user_id", userID))
	}

	count, err := s.store.CountUnread(ctx, userID)
	if err != nil {
		return 0, err
	}
	if err := s.counters.Set(ctx, userID, count); err != nil {
		s.logger.Warn("unread counter set failed", zap.Error(err), zap.String("user_id", userID))
	}
	return count, nil
}

// InvalidateUnread drops the cached counter. Used by the worker's
// zero-state cleanup, where the deleted row's read state is unknown.
func (s *Service) InvalidateUnread(ctx context.Context, userID string) error {
	return s.counters.Invalidate(ctx, userID)
}
