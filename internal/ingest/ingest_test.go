package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/givehub/dispatch/internal/builder"
	"github.com/givehub/dispatch/internal/dedup"
	"github.com/givehub/dispatch/internal/event"
	"github.com/givehub/dispatch/internal/queue"
	"github.com/givehub/dispatch/internal/redis"
	"github.com/givehub/dispatch/internal/router"
)

func setupDispatcher(t *testing.T) (*Dispatcher, *queue.Queue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	client := redis.NewFromRDB(rdb, zap.NewNop())
	r, err := router.New()
	require.NoError(t, err)

	q := queue.New(client, zap.NewNop())
	d, err := New(r, q, dedup.NewStore(client, zap.NewNop()), zap.NewNop())
	require.NoError(t, err)
	return d, q, mr
}

func donationEnvelope(eventID string) *Envelope {
	return &Envelope{
		EventID:    eventID,
		Name:       "donation.completed",
		UserID:     "owner-1",
		ActorID:    "donor-1",
		EntityType: "campaign",
		EntityID:   "camp-1",
		Data:       json.RawMessage(`{"donor_name":"Maya","amount":250,"campaign_title":"Clean Water"}`),
		Timestamp:  time.Now().UTC(),
	}
}

func TestDispatch_UnknownEventName(t *testing.T) {
	d, _, _ := setupDispatcher(t)

	_, err := d.Dispatch(context.Background(), &Envelope{
		EventID: "e1",
		Name:    "post.starred",
		UserID:  "u1",
	})
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestDispatch_MissingRequiredFields(t *testing.T) {
	d, _, _ := setupDispatcher(t)
	ctx := context.Background()

	env := donationEnvelope("e1")
	env.EventID = ""
	_, err := d.Dispatch(ctx, env)
	assert.ErrorIs(t, err, builder.ErrInvalidInput)

	env = donationEnvelope("e2")
	env.UserID = ""
	_, err = d.Dispatch(ctx, env)
	assert.ErrorIs(t, err, builder.ErrInvalidInput)
}

func TestDispatch_InvalidPayloadRejectedAtBoundary(t *testing.T) {
	d, q, _ := setupDispatcher(t)

	env := donationEnvelope("e1")
	env.Data = json.RawMessage(`{"donor_name":"Maya"}`) // amount, title missing
	_, err := d.Dispatch(context.Background(), env)
	assert.ErrorIs(t, err, builder.ErrInvalidInput)

	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job, "rejected envelopes must not enqueue")
}

func TestDispatch_SelfNotificationSuppressed(t *testing.T) {
	d, q, _ := setupDispatcher(t)

	env := donationEnvelope("e1")
	env.ActorID = env.UserID
	res, err := d.Dispatch(context.Background(), env)
	require.NoError(t, err)
	assert.True(t, res.Suppressed)
	assert.Empty(t, res.JobID)

	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job, "suppressed events must not enqueue")
}

func TestDispatch_EnqueuesWithRoutedPriority(t *testing.T) {
	d, q, _ := setupDispatcher(t)
	ctx := context.Background()

	res, err := d.Dispatch(ctx, donationEnvelope("e1"))
	require.NoError(t, err)
	assert.False(t, res.Suppressed)
	assert.False(t, res.Coalesced)
	assert.Equal(t, event.TypeDonationReceived, res.Type)
	assert.Equal(t, "e1", res.JobID, "non-debounced jobs keep the event id")

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, event.PriorityHigh, job.Lane)

	var evt event.Event
	require.NoError(t, json.Unmarshal(job.Payload, &evt))
	assert.Equal(t, "e1", evt.EventID)
	assert.Equal(t, event.TypeDonationReceived, evt.Type)
	assert.Equal(t, "owner-1", evt.UserID)
}

func TestDispatch_DebouncedTriggersCoalesce(t *testing.T) {
	d, q, _ := setupDispatcher(t)
	ctx := context.Background()

	like := func(eventID, liker string) *Envelope {
		return &Envelope{
			EventID:    eventID,
			Name:       "post.liked",
			UserID:     "owner-1",
			ActorID:    liker,
			EntityType: "post",
			EntityID:   "post-9",
			Data:       json.RawMessage(`{"like_count":1,"post_title":"Thank you all","liker_name":"` + liker + `"}`),
		}
	}

	res1, err := d.Dispatch(ctx, like("e1", "alice"))
	require.NoError(t, err)
	assert.False(t, res1.Coalesced)
	assert.Equal(t, "debounced:POST_LIKED:post-9", res1.JobID)

	res2, err := d.Dispatch(ctx, like("e2", "bob"))
	require.NoError(t, err)
	assert.True(t, res2.Coalesced)
	assert.Equal(t, res1.JobID, res2.JobID)

	// Job is delayed; nothing is leased before the window elapses.
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestDispatch_ProducerDelayHonored(t *testing.T) {
	d, q, _ := setupDispatcher(t)
	ctx := context.Background()

	env := donationEnvelope("e1")
	env.DelaySeconds = 30
	_, err := d.Dispatch(ctx, env)
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "delayed job must not be leased early")
}

func TestNames_CoversAllTypes(t *testing.T) {
	assert.Len(t, Names(), len(event.Types()))
}
