package feed

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/givehub/dispatch/internal/db"
	"github.com/givehub/dispatch/internal/redis"
)

// fakeStore is an in-memory Store with the same keyset semantics as the
// Postgres repository.
type fakeStore struct {
	items []*db.Notification
}

func (f *fakeStore) sorted() []*db.Notification {
	out := make([]*db.Notification, len(f.items))
	copy(out, f.items)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() > out[j].ID.String()
	})
	return out
}

func (f *fakeStore) ListNotifications(_ context.Context, userID string, limit int, beforeCreatedAt *time.Time, beforeID *uuid.UUID, isRead *bool) ([]*db.Notification, error) {
	var out []*db.Notification
	for _, n := range f.sorted() {
		if n.UserID != userID {
			continue
		}
		if isRead != nil && n.IsRead != *isRead {
			continue
		}
		if beforeCreatedAt != nil {
			if n.CreatedAt.After(*beforeCreatedAt) || n.CreatedAt.Equal(*beforeCreatedAt) && n.ID.String() >= beforeID.String() {
				continue
			}
		}
		out = append(out, n)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) GetNotification(_ context.Context, id uuid.UUID, userID string) (*db.Notification, error) {
	for _, n := range f.items {
		if n.ID == id && n.UserID == userID {
			return n, nil
		}
	}
	return nil, db.ErrNotFound
}

func (f *fakeStore) MarkRead(_ context.Context, id uuid.UUID, userID string) error {
	for _, n := range f.items {
		if n.ID == id && n.UserID == userID && !n.IsRead {
			n.IsRead = true
			return nil
		}
	}
	return db.ErrNotFound
}

func (f *fakeStore) MarkAllRead(_ context.Context, userID string) (int64, error) {
	var count int64
	for _, n := range f.items {
		if n.UserID == userID && !n.IsRead {
			n.IsRead = true
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) DeleteNotification(_ context.Context, id uuid.UUID, userID string) error {
	for i, n := range f.items {
		if n.ID == id && n.UserID == userID {
			f.items = append(f.items[:i], f.items[i+1:]...)
			return nil
		}
	}
	return db.ErrNotFound
}

func (f *fakeStore) CountUnread(_ context.Context, userID string) (int64, error) {
	var count int64
	for _, n := range f.items {
		if n.UserID == userID && !n.IsRead {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) add(userID string, createdAt time.Time, isRead bool) *db.Notification {
	n := &db.Notification{
		ID:        uuid.New(),
		UserID:    userID,
		Type:      "DONATION_RECEIVED",
		Title:     "t",
		Message:   "m",
		IsRead:    isRead,
		CreatedAt: createdAt,
	}
	f.items = append(f.items, n)
	return n
}

func setupService(t *testing.T) (*Service, *fakeStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := &fakeStore{}
	counters := NewCounterCache(redis.NewFromRDB(rdb, zap.NewNop()), zap.NewNop())
	return NewService(store, counters, zap.NewNop()), store, mr
}

func TestList_PaginatesNewestFirst(t *testing.T) {
	svc, store, _ := setupService(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		store.add("u1", base.Add(time.Duration(i)*time.Minute), false)
	}

	page, err := svc.List(ctx, "u1", ListParams{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)
	assert.NotEmpty(t, page.NextCursor)
	assert.True(t, page.Items[0].CreatedAt.After(page.Items[1].CreatedAt))

	page, err = svc.List(ctx, "u1", ListParams{Limit: 3, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	assert.False(t, page.HasMore)
	assert.Empty(t, page.NextCursor)
}

func TestList_StableUnderConcurrentInserts(t *testing.T) {
	svc, store, _ := setupService(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		store.add("u1", base.Add(time.Duration(i)*time.Minute), false)
	}

	first, err := svc.List(ctx, "u1", ListParams{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first.Items, 2)

	// New notifications arrive mid-walk; they must not push already
	// returned items into the next page or hide unreturned ones.
	store.add("u1", base.Add(time.Hour), false)
	store.add("u1", base.Add(2*time.Hour), false)

	second, err := svc.List(ctx, "u1", ListParams{Limit: 10, Cursor: first.NextCursor})
	require.NoError(t, err)

	seen := map[uuid.UUID]bool{}
	for _, n := range first.Items {
		seen[n.ID] = true
	}
	for _, n := range second.Items {
		assert.False(t, seen[n.ID], "item %s returned twice", n.ID)
		seen[n.ID] = true
	}
	assert.Len(t, seen, 4, "every pre-walk item seen exactly once")
}

func TestList_InvalidCursor(t *testing.T) {
	svc, _, _ := setupService(t)
	_, err := svc.List(context.Background(), "u1", ListParams{Cursor: "!!!"})
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestList_IsReadFilter(t *testing.T) {
	svc, store, _ := setupService(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	store.add("u1", base, true)
	store.add("u1", base.Add(time.Minute), false)

	unread := false
	page, err := svc.List(ctx, "u1", ListParams{IsRead: &unread})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.False(t, page.Items[0].IsRead)
}

func TestMarkRead_OwnerScoped(t *testing.T) {
	svc, store, _ := setupService(t)
	ctx := context.Background()

	n := store.add("u1", time.Now(), false)

	err := svc.MarkRead(ctx, n.ID, "u2")
	assert.ErrorIs(t, err, db.ErrNotFound)

	require.NoError(t, svc.MarkRead(ctx, n.ID, "u1"))
	assert.True(t, n.IsRead)
}

func TestMarkRead_RepeatDoesNotDoubleDecrement(t *testing.T) {
	svc, store, _ := setupService(t)
	ctx := context.Background()

	n := store.add("u1", time.Now(), false)
	store.add("u1", time.Now(), false)

	// Prime the cache.
	count, err := svc.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	require.NoError(t, svc.MarkRead(ctx, n.ID, "u1"))

	// Marking the same row again is a no-op, not another decrement.
	require.NoError(t, svc.MarkRead(ctx, n.ID, "u1"))
	require.NoError(t, svc.MarkRead(ctx, n.ID, "u1"))

	count, err = svc.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	authoritative, err := store.CountUnread(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, authoritative, count)
}

func TestMarkAllRead_ReturnsCountAndResetsCounter(t *testing.T) {
	svc, store, _ := setupService(t)
	ctx := context.Background()

	store.add("u1", time.Now(), false)
	store.add("u1", time.Now(), false)
	store.add("u1", time.Now(), true)

	count, err := svc.MarkAllRead(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	n, err := svc.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestUnreadCount_CacheMissFallsBackToStore(t *testing.T) {
	svc, store, mr := setupService(t)
	ctx := context.Background()

	store.add("u1", time.Now(), false)
	store.add("u1", time.Now(), false)

	n, err := svc.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// The fallback must have primed the cache.
	assert.True(t, mr.Exists("unread_count:u1"))

	// A cached value is served even if the store changes underneath;
	// TTL expiry reconciles.
	store.add("u1", time.Now(), false)
	n, err = svc.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	mr.FastForward(counterTTL + time.Second)
	n, err = svc.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestBumpUnread_WarmAndColdCache(t *testing.T) {
	svc, store, _ := setupService(t)
	ctx := context.Background()

	store.add("u1", time.Now(), false)

	// Cold cache: reconcile from the store (the fake already holds 1).
	n, err := svc.BumpUnread(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Warm cache: plain increment.
	store.add("u1", time.Now(), false)
	n, err = svc.BumpUnread(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestDelete_UnreadAdjustsCounter(t *testing.T) {
	svc, store, _ := setupService(t)
	ctx := context.Background()

	a := store.add("u1", time.Now(), false)
	store.add("u1", time.Now(), false)

	n, err := svc.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	require.NoError(t, svc.Delete(ctx, a.ID, "u1"))

	n, err = svc.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestDelete_OwnerScoped(t *testing.T) {
	svc, store, _ := setupService(t)
	n := store.add("u1", time.Now(), false)

	err := svc.Delete(context.Background(), n.ID, "u2")
	assert.ErrorIs(t, err, db.ErrNotFound)
}
