// Package worker drains the dispatch queue and turns jobs into persisted,
// published notifications. Each job walks dedup check, build, persist,
// counter update, publish; transient failures go back to the queue with
// backoff, malformed jobs are dead-lettered without retry.
package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/givehub/dispatch/internal/builder"
	"github.com/givehub/dispatch/internal/db"
	"github.com/givehub/dispatch/internal/event"
	"github.com/givehub/dispatch/internal/metrics"
	"github.com/givehub/dispatch/internal/queue"
)

// JobQueue is the queue surface the worker consumes.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID, lastError string) (bool, error)
	FailPermanent(ctx context.Context, jobID, lastError string) error
}

// Deduper claims event ids so redelivered events are processed once.
type Deduper interface {
	TryClaim(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

// Store persists notifications.
type Store interface {
	CreateNotification(ctx context.Context, notif *db.Notification) error
	DeleteByEntity(ctx context.Context, notifType, entityID, userID string) (bool, error)
}

// Feed maintains the cached unread counter.
type Feed interface {
	BumpUnread(ctx context.Context, userID string) (int64, error)
	InvalidateUnread(ctx context.Context, userID string) error
	UnreadCount(ctx context.Context, userID string) (int64, error)
}

// Publisher fans out realtime updates. Publish failures never fail a job.
type Publisher interface {
	PublishNew(ctx context.Context, notif *db.Notification) error
	PublishUnread(ctx context.Context, userID string, count int64) error
}

// StateResolver reads the authoritative state a coalesced payload may have
// gone stale against. For likes that is the live count at build time.
type StateResolver interface {
	LikeCount(ctx context.Context, postID string) (int, error)
}

// Config tunes the poll loop.
type Config struct {
	PollInterval time.Duration
	Concurrency  int
}

// Worker is the dispatch consumer.
type Worker struct {
	queue    JobQueue
	dedup    Deduper
	store    Store
	feed     Feed
	pub      Publisher
	resolver StateResolver
	config   Config
	logger   *zap.Logger
}

// New creates a worker with defaults applied to the zero config values.
func New(q JobQueue, d Deduper, s Store, f Feed, p Publisher, r StateResolver, cfg Config, logger *zap.Logger) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 1
	}
	return &Worker{
		queue:    q,
		dedup:    d,
		store:    s,
		feed:     f,
		pub:      p,
		resolver: r,
		config:   cfg,
		logger:   logger,
	}
}

// Start runs the poll loops until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.poll(ctx)
		}()
	}
	wg.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) poll(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Drain(ctx)
		}
	}
}

// Drain processes jobs until the queue is empty or ctx is cancelled.
func (w *Worker) Drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			w.logger.Error("dequeue failed", zap.Error(err))
			return
		}
		if job == nil {
			return
		}
		w.ProcessJob(ctx, job)
	}
}

// ProcessJob runs one job through the dispatch state machine.
func (w *Worker) ProcessJob(ctx context.Context, job *queue.Job) {
	started := time.Now()

	var evt event.Event
	if err := json.Unmarshal(job.Payload, &evt); err != nil {
		w.deadLetter(ctx, job, "", "unmarshal payload: "+err.Error())
		return
	}
	typ := string(evt.Type)

	claimed, err := w.dedup.TryClaim(ctx, evt.EventID)
	if err != nil {
		w.retry(ctx, job, "", typ, err)
		return
	}
	if !claimed {
		w.logger.Info("duplicate job skipped",
			zap.String("job_id", job.ID),
			zap.String("event_id", evt.EventID),
		)
		metrics.RecordJobProcessed(typ, "skipped")
		if err := w.queue.Complete(ctx, job.ID); err != nil {
			w.logger.Error("complete failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		return
	}

	// A coalesced like job carries only the last trigger's payload; the
	// count it saw is stale by the time the debounce window fires. Re-read
	// the live count and build from that.
	if evt.Type == event.TypePostLiked {
		done, err := w.refreshLikeState(ctx, job, &evt)
		if err != nil {
			w.retry(ctx, job, evt.EventID, typ, err)
			return
		}
		if done {
			metrics.RecordJobProcessed(typ, "done")
			return
		}
	}

	content, err := builder.Build(&evt)
	if err != nil {
		// Build errors are deterministic: retrying the same payload can
		// only fail the same way.
		w.deadLetter(ctx, job, evt.EventID, err.Error())
		return
	}

	metaJSON, err := json.Marshal(content.Metadata)
	if err != nil {
		w.deadLetter(ctx, job, evt.EventID, "marshal metadata: "+err.Error())
		return
	}

	notif := &db.Notification{
		ID:         uuid.New(),
		UserID:     evt.UserID,
		Type:       typ,
		Title:      content.Title,
		Message:    content.Message,
		Metadata:   metaJSON,
		EntityType: evt.EntityType,
	}
	if evt.ActorID != "" {
		notif.ActorID = &evt.ActorID
	}
	if evt.EntityID != "" {
		notif.EntityID = &evt.EntityID
	}

	if err := w.store.CreateNotification(ctx, notif); err != nil {
		w.retry(ctx, job, evt.EventID, typ, err)
		return
	}

	count, err := w.feed.BumpUnread(ctx, notif.UserID)
	if err != nil {
		// The counter is a cache with an authoritative fallback; a failed
		// bump is logged, not retried, or the notification would be
		// persisted twice.
		w.logger.Warn("unread bump failed", zap.String("user_id", notif.UserID), zap.Error(err))
	}

	if pubErr := w.pub.PublishNew(ctx, notif); pubErr != nil {
		metrics.RecordPublishFailure()
		w.logger.Warn("publish new failed", zap.String("user_id", notif.UserID), zap.Error(pubErr))
	}
	if err == nil {
		// Only push a count the bump actually produced.
		if pubErr := w.pub.PublishUnread(ctx, notif.UserID, count); pubErr != nil {
			metrics.RecordPublishFailure()
			w.logger.Warn("publish unread failed", zap.String("user_id", notif.UserID), zap.Error(pubErr))
		}
	}

	if err := w.queue.Complete(ctx, job.ID); err != nil {
		w.logger.Error("complete failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	metrics.RecordJobProcessed(typ, "done")
	metrics.RecordDispatchLatency(typ, time.Since(started))
	w.logger.Info("notification dispatched",
		zap.String("job_id", job.ID),
		zap.String("notification_id", notif.ID.String()),
		zap.String("type", typ),
		zap.String("user_id", notif.UserID),
	)
}

// refreshLikeState re-reads the live like count for a like job. When the
// count has dropped to zero every like was undone during the debounce
// window: any existing notification for the post is removed and no new one
// is created. Returns done=true when the job was fully handled here.
func (w *Worker) refreshLikeState(ctx context.Context, job *queue.Job, evt *event.Event) (bool, error) {
	count, err := w.resolver.LikeCount(ctx, evt.EntityID)
	if err != nil {
		return false, err
	}

	if count == 0 {
		deleted, err := w.store.DeleteByEntity(ctx, string(evt.Type), evt.EntityID, evt.UserID)
		if err != nil {
			return false, err
		}
		if deleted {
			if err := w.feed.InvalidateUnread(ctx, evt.UserID); err != nil {
				w.logger.Warn("unread invalidate failed", zap.String("user_id", evt.UserID), zap.Error(err))
			} else if fresh, err := w.feed.UnreadCount(ctx, evt.UserID); err == nil {
				if pubErr := w.pub.PublishUnread(ctx, evt.UserID, fresh); pubErr != nil {
					metrics.RecordPublishFailure()
				}
			}
		}
		w.logger.Info("like notification skipped, count is zero",
			zap.String("job_id", job.ID),
			zap.String("post_id", evt.EntityID),
			zap.Bool("removed_existing", deleted),
		)
		if err := w.queue.Complete(ctx, job.ID); err != nil {
			w.logger.Error("complete failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		return true, nil
	}

	var data event.PostLikedData
	if len(evt.Data) > 0 {
		// Tolerate a stale payload shape here; the builder validates.
		_ = json.Unmarshal(evt.Data, &data)
	}
	data.LikeCount = count
	raw, err := json.Marshal(&data)
	if err != nil {
		return false, err
	}
	evt.Data = raw
	return false, nil
}

// retry releases the dedup claim and sends the job back through the queue's
// backoff. eventID may be empty when the claim was never taken.
func (w *Worker) retry(ctx context.Context, job *queue.Job, eventID, typ string, cause error) {
	if eventID != "" {
		if err := w.dedup.Release(ctx, eventID); err != nil {
			w.logger.Error("claim release failed", zap.String("event_id", eventID), zap.Error(err))
		}
	}

	dead, err := w.queue.Fail(ctx, job.ID, cause.Error())
	if err != nil {
		w.logger.Error("fail failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if dead {
		metrics.RecordJobProcessed(typ, "dead")
		w.logger.Error("job dead-lettered",
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempts),
			zap.Error(cause),
		)
		return
	}
	metrics.RecordJobProcessed(typ, "retried")
	w.logger.Warn("job failed, will retry",
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempts),
		zap.Error(cause),
	)
}

// deadLetter parks a job immediately. Used for errors no retry can fix.
func (w *Worker) deadLetter(ctx context.Context, job *queue.Job, eventID, reason string) {
	if eventID != "" {
		if err := w.dedup.Release(ctx, eventID); err != nil {
			w.logger.Error("claim release failed", zap.String("event_id", eventID), zap.Error(err))
		}
	}
	if err := w.queue.FailPermanent(ctx, job.ID, reason); err != nil {
		w.logger.Error("fail permanent failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	metrics.RecordJobProcessed(jobType(job), "dead")
	w.logger.Error("job dead-lettered without retry",
		zap.String("job_id", job.ID),
		zap.String("reason", reason),
	)
}

func jobType(job *queue.Job) string {
	var evt event.Event
	if err := json.Unmarshal(job.Payload, &evt); err != nil || evt.Type == "" {
		return "unknown"
	}
	return string(evt.Type)
}
