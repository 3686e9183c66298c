package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/givehub/dispatch/internal/db"
	"github.com/givehub/dispatch/internal/dedup"
	"github.com/givehub/dispatch/internal/event"
	"github.com/givehub/dispatch/internal/queue"
	"github.com/givehub/dispatch/internal/redis"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeStore struct {
	created   []*db.Notification
	createErr error
	deleted   []string // "type:entity:user"
	haveRow   bool     // DeleteByEntity hit
}

func (s *fakeStore) CreateNotification(_ context.Context, notif *db.Notification) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.created = append(s.created, notif)
	return nil
}

func (s *fakeStore) DeleteByEntity(_ context.Context, notifType, entityID, userID string) (bool, error) {
	s.deleted = append(s.deleted, notifType+":"+entityID+":"+userID)
	return s.haveRow, nil
}

type fakeFeed struct {
	counts      map[string]int64
	bumped      []string
	invalidated []string
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{counts: make(map[string]int64)}
}

func (f *fakeFeed) BumpUnread(_ context.Context, userID string) (int64, error) {
	f.counts[userID]++
	f.bumped = append(f.bumped, userID)
	return f.counts[userID], nil
}

func (f *fakeFeed) InvalidateUnread(_ context.Context, userID string) error {
	f.invalidated = append(f.invalidated, userID)
	return nil
}

func (f *fakeFeed) UnreadCount(_ context.Context, userID string) (int64, error) {
	return f.counts[userID], nil
}

type fakePublisher struct {
	news    []*db.Notification
	unreads map[string]int64
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{unreads: make(map[string]int64)}
}

func (p *fakePublisher) PublishNew(_ context.Context, notif *db.Notification) error {
	p.news = append(p.news, notif)
	return nil
}

func (p *fakePublisher) PublishUnread(_ context.Context, userID string, count int64) error {
	p.unreads[userID] = count
	return nil
}

type fakeResolver struct {
	counts map[string]int
	err    error
}

func (r *fakeResolver) LikeCount(_ context.Context, postID string) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	return r.counts[postID], nil
}

type fixture struct {
	worker   *Worker
	queue    *queue.Queue
	dedup    *dedup.Store
	store    *fakeStore
	feed     *fakeFeed
	pub      *fakePublisher
	resolver *fakeResolver
	clock    *fakeClock
}

func setup(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	client := redis.NewFromRDB(rdb, zap.NewNop())
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	f := &fixture{
		queue:    queue.New(client, zap.NewNop(), queue.WithNow(clk.Now)),
		dedup:    dedup.NewStore(client, zap.NewNop()),
		store:    &fakeStore{},
		feed:     newFakeFeed(),
		pub:      newFakePublisher(),
		resolver: &fakeResolver{counts: make(map[string]int)},
		clock:    clk,
	}
	f.worker = New(f.queue, f.dedup, f.store, f.feed, f.pub, f.resolver, Config{}, zap.NewNop())
	return f
}

func donationEvent(eventID string) *event.Event {
	return &event.Event{
		EventID:    eventID,
		Type:       event.TypeDonationReceived,
		Priority:   event.PriorityHigh,
		UserID:     "owner-1",
		ActorID:    "donor-1",
		EntityType: "campaign",
		EntityID:   "camp-1",
		Data:       json.RawMessage(`{"donor_name":"Maya","amount":250,"campaign_title":"Clean Water"}`),
	}
}

func enqueue(t *testing.T, f *fixture, evt *event.Event, jobID string, delay time.Duration) {
	t.Helper()
	payload, err := json.Marshal(evt)
	require.NoError(t, err)
	_, err = f.queue.Enqueue(context.Background(), queue.Options{
		JobID:    jobID,
		Priority: evt.Priority,
		Delay:    delay,
	}, payload)
	require.NoError(t, err)
}

func TestProcessJob_HappyPath(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	enqueue(t, f, donationEvent("e1"), "e1", 0)
	f.worker.Drain(ctx)

	require.Len(t, f.store.created, 1)
	notif := f.store.created[0]
	assert.Equal(t, "owner-1", notif.UserID)
	assert.Equal(t, "DONATION_RECEIVED", notif.Type)
	assert.Equal(t, "New donation received", notif.Title)
	assert.Equal(t, `Maya donated $250 to "Clean Water"`, notif.Message)
	require.NotNil(t, notif.ActorID)
	assert.Equal(t, "donor-1", *notif.ActorID)

	require.Len(t, f.pub.news, 1)
	assert.Equal(t, int64(1), f.pub.unreads["owner-1"])
	assert.Equal(t, []string{"owner-1"}, f.feed.bumped)

	job, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "completed job must leave the queue")
}

func TestProcessJob_DuplicateEventProcessedOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// Same event id delivered twice under distinct job ids.
	enqueue(t, f, donationEvent("e1"), "job-a", 0)
	enqueue(t, f, donationEvent("e1"), "job-b", 0)
	f.worker.Drain(ctx)

	assert.Len(t, f.store.created, 1, "redelivery must not create a second notification")
	assert.Len(t, f.pub.news, 1)
}

func TestProcessJob_TransientFailureRetriesThenDeadLetters(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.store.createErr = errors.New("pg down")

	enqueue(t, f, donationEvent("e1"), "e1", 0)

	// Attempt 1 fails, backs off 2s.
	f.worker.Drain(ctx)
	assert.Empty(t, f.store.created)
	job, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "job must be backing off, not ready")

	// Attempt 2 after 2s, backs off 4s.
	f.clock.Advance(2 * time.Second)
	f.worker.Drain(ctx)

	// Attempt 3 after 4s exhausts the budget.
	f.clock.Advance(4 * time.Second)
	f.worker.Drain(ctx)

	dead, err := f.queue.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].Attempts)
	assert.Contains(t, dead[0].LastError, "pg down")

	// The claim was released on failure, so a later redelivery of the
	// same event id is not silently swallowed.
	claimed, err := f.dedup.TryClaim(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestProcessJob_InvalidPayloadDeadLettersImmediately(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	evt := donationEvent("e1")
	evt.Data = json.RawMessage(`{"donor_name":"Maya"}`) // amount, title missing
	enqueue(t, f, evt, "e1", 0)
	f.worker.Drain(ctx)

	assert.Empty(t, f.store.created)
	dead, err := f.queue.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 1, dead[0].Attempts, "deterministic build errors must not burn retries")
}

func TestProcessJob_LikeCountReadAtBuildTime(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// Two likes land within the window; only the second payload survives
	// coalescing, and it still says count=1. By fire time two more arrive.
	evt := &event.Event{
		EventID:    "e2",
		Type:       event.TypePostLiked,
		Priority:   event.PriorityLow,
		UserID:     "owner-1",
		ActorID:    "bob",
		EntityType: "post",
		EntityID:   "post-9",
		Data:       json.RawMessage(`{"like_count":1,"post_title":"Thank you all","liker_name":"bob"}`),
	}
	enqueue(t, f, evt, "debounced:POST_LIKED:post-9", 10*time.Second)
	f.resolver.counts["post-9"] = 4

	f.worker.Drain(ctx)
	assert.Empty(t, f.store.created, "job must not fire before the window elapses")

	f.clock.Advance(10 * time.Second)
	f.worker.Drain(ctx)

	require.Len(t, f.store.created, 1)
	notif := f.store.created[0]
	assert.Equal(t, `4 people liked your post "Thank you all"`, notif.Message)
	assert.True(t, strings.Contains(string(notif.Metadata), `"like_count":4`))
}

func TestProcessJob_ZeroLikeCountCleansUp(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.store.haveRow = true
	f.resolver.counts["post-9"] = 0

	evt := &event.Event{
		EventID:  "e3",
		Type:     event.TypePostLiked,
		Priority: event.PriorityLow,
		UserID:   "owner-1",
		EntityID: "post-9",
		Data:     json.RawMessage(`{"like_count":1,"post_title":"Thank you all"}`),
	}
	enqueue(t, f, evt, "debounced:POST_LIKED:post-9", 0)
	f.worker.Drain(ctx)

	assert.Empty(t, f.store.created, "no notification when every like was undone")
	assert.Equal(t, []string{"POST_LIKED:post-9:owner-1"}, f.store.deleted)
	assert.Equal(t, []string{"owner-1"}, f.feed.invalidated)
	assert.Contains(t, f.pub.unreads, "owner-1")

	job, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "cleanup still completes the job")
}

func TestProcessJob_ResolverErrorRetries(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.resolver.err = errors.New("social service timeout")

	evt := &event.Event{
		EventID:  "e4",
		Type:     event.TypePostLiked,
		Priority: event.PriorityLow,
		UserID:   "owner-1",
		EntityID: "post-9",
		Data:     json.RawMessage(`{"like_count":1,"post_title":"Thank you all"}`),
	}
	enqueue(t, f, evt, "debounced:POST_LIKED:post-9", 0)
	f.worker.Drain(ctx)

	assert.Empty(t, f.store.created)

	// Resolver recovers; the retry builds from the live count.
	f.resolver.err = nil
	f.resolver.counts["post-9"] = 2
	f.clock.Advance(2 * time.Second)
	f.worker.Drain(ctx)

	require.Len(t, f.store.created, 1)
	assert.Equal(t, `2 people liked your post "Thank you all"`, f.store.created[0].Message)
}

func TestStart_StopsOnContextCancel(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.worker.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
