// Package queue implements the durable dispatch queue on Redis: three
// priority lanes, delayed eligibility, replace-by-jobID coalescing with a
// fixed fire time, bounded retries with exponential backoff, and a retained
// dead-letter set for exhausted jobs.
//
// Layout: each job lives in a hash dispatch:job:{id}; pending ids sit in a
// per-lane sorted set scored by enqueue time, delayed ids in a single sorted
// set scored by fire time, leased ids in an active sorted set scored by
// lease deadline, dead ids in a sorted set scored by failure time.
// Enqueue and dequeue run as Lua scripts so racing producers and workers see
// atomic transitions.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/givehub/dispatch/internal/event"
	"github.com/givehub/dispatch/internal/redis"
)

// State of a job within the queue.
type State string

const (
	StateDelayed State = "delayed"
	StateReady   State = "ready"
	StateActive  State = "active"
	StateDead    State = "dead"
)

const (
	defaultMaxAttempts = 3
	backoffBase        = 2 * time.Second

	// leaseTTL bounds how long a dequeued job stays checked out before the
	// queue assumes the worker died and hands the job out again.
	leaseTTL = 30 * time.Second

	jobKeyPrefix = "dispatch:job:"
	delayedKey   = "dispatch:delayed"
	activeKey    = "dispatch:active"
	deadKey      = "dispatch:dead"
)

// ErrJobNotFound is returned for operations on a job id the queue does not hold.
var ErrJobNotFound = errors.New("queue: job not found")

// Job is a queued dispatch unit. Attempts counts delivery attempts including
// the one currently in flight.
type Job struct {
	ID          string
	Lane        event.Priority
	Payload     []byte
	Attempts    int
	MaxAttempts int
	EnqueuedAt  time.Time
	FireAt      time.Time
	State       State
	LastError   string
}

// Options controls an enqueue.
type Options struct {
	JobID       string
	Priority    event.Priority
	Delay       time.Duration
	MaxAttempts int // defaults to 3
}

// Queue is the Redis-backed multi-priority job queue.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithNow overrides the queue's clock. Used in tests.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a queue on the given Redis client.
func New(client *redis.Client, logger *zap.Logger, opts ...Option) *Queue {
	q := &Queue{
		client: client,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func readyKey(lane event.Priority) string {
	return fmt.Sprintf("dispatch:ready:%d", lane)
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

// Enqueue adds a job, or coalesces onto an existing one. If the job id is
// already held (delayed, ready, or active), only the payload is replaced:
// the scheduled fire time is fixed at first-enqueue time plus the delay and
// is NOT reset — resetting it on every coalesce would let a steady trickle
// of triggers postpone the job forever. Returns true when the enqueue
// coalesced onto an existing job.
func (q *Queue) Enqueue(ctx context.Context, opts Options, payload []byte) (bool, error) {
	if opts.JobID == "" {
		return false, errors.New("queue: job id is required")
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = defaultMaxAttempts
	}
	now := q.now()

	res, err := enqueueScript.Run(ctx, q.client.RDB(),
		[]string{jobKey(opts.JobID), delayedKey, readyKey(opts.Priority), deadKey},
		opts.JobID,
		string(payload),
		int(opts.Priority),
		maxAttempts,
		now.UnixMilli(),
		opts.Delay.Milliseconds(),
	).Text()
	if err != nil {
		return false, fmt.Errorf("queue enqueue: %w", err)
	}

	coalesced := res == "coalesced"
	q.logger.Debug("job enqueued",
		zap.String("job_id", opts.JobID),
		zap.String("lane", opts.Priority.String()),
		zap.Duration("delay", opts.Delay),
		zap.Bool("coalesced", coalesced),
	)
	return coalesced, nil
}

// Dequeue reclaims expired leases, promotes due delayed jobs, then leases
// the oldest ready job from the highest-priority non-empty lane. The lease
// lasts leaseTTL; a job not acked (Complete/Fail/FailPermanent) by then is
// handed out again, with the abandoned attempt counted against MaxAttempts.
// Returns (nil, nil) when no job is ready. Delay defers eligibility only;
// once eligible, lane order wins.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	now := q.now()
	id, err := dequeueScript.Run(ctx, q.client.RDB(),
		[]string{delayedKey, readyKey(event.PriorityHigh), readyKey(event.PriorityMedium), readyKey(event.PriorityLow), activeKey, deadKey},
		now.UnixMilli(),
		jobKeyPrefix,
		now.Add(leaseTTL).UnixMilli(),
	).Text()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue dequeue: %w", err)
	}

	job, err := q.getJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Complete removes a successfully processed job (removeOnComplete) and
// releases its lease.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	pipe := q.client.RDB().TxPipeline()
	pipe.ZRem(ctx, activeKey, jobID)
	pipe.Del(ctx, jobKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue complete: %w", err)
	}
	return nil
}

// Fail records a failed attempt for an active job. Until MaxAttempts is
// exhausted the job is rescheduled with exponential backoff (2s, 4s, ...);
// after the final attempt it is retained in the dead set for manual triage
// (removeOnFail=false), never silently discarded. Returns true when the job
// was dead-lettered.
func (q *Queue) Fail(ctx context.Context, jobID, lastError string) (bool, error) {
	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return false, err
	}

	if job.Attempts >= job.MaxAttempts {
		if err := q.moveToDead(ctx, jobID, lastError); err != nil {
			return false, err
		}
		q.logger.Warn("job dead-lettered",
			zap.String("job_id", jobID),
			zap.Int("attempts", job.Attempts),
			zap.String("last_error", lastError),
		)
		return true, nil
	}

	// Attempts is 0 until the job's first dequeue; a Fail before that
	// (a re-queued dead job that errors outside the worker loop) gets the
	// base delay.
	shift := job.Attempts - 1
	if shift < 0 {
		shift = 0
	}
	delay := backoffBase << shift
	fireAt := q.now().Add(delay)

	pipe := q.client.RDB().TxPipeline()
	pipe.ZRem(ctx, activeKey, jobID)
	// A job failed before its dequeue is still parked in its lane.
	pipe.ZRem(ctx, readyKey(job.Lane), jobID)
	pipe.HSet(ctx, jobKey(jobID),
		"state", string(StateDelayed),
		"fire_at", strconv.FormatInt(fireAt.UnixMilli(), 10),
		"last_error", lastError,
	)
	pipe.ZAdd(ctx, delayedKey, goredis.Z{Score: float64(fireAt.UnixMilli()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("queue fail: %w", err)
	}

	q.logger.Info("job scheduled for retry",
		zap.String("job_id", jobID),
		zap.Int("attempt", job.Attempts),
		zap.Duration("backoff", delay),
	)
	return false, nil
}

// FailPermanent dead-letters a job immediately, skipping the backoff
// schedule. Used for non-retryable failures such as malformed event data.
func (q *Queue) FailPermanent(ctx context.Context, jobID, lastError string) error {
	if _, err := q.getJob(ctx, jobID); err != nil {
		return err
	}
	if err := q.moveToDead(ctx, jobID, lastError); err != nil {
		return err
	}
	q.logger.Warn("job dead-lettered without retry",
		zap.String("job_id", jobID),
		zap.String("last_error", lastError),
	)
	return nil
}

func (q *Queue) moveToDead(ctx context.Context, jobID, lastError string) error {
	pipe := q.client.RDB().TxPipeline()
	pipe.ZRem(ctx, activeKey, jobID)
	pipe.HSet(ctx, jobKey(jobID),
		"state", string(StateDead),
		"last_error", lastError,
	)
	pipe.ZAdd(ctx, deadKey, goredis.Z{Score: float64(q.now().UnixMilli()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue dead-letter: %w", err)
	}
	return nil
}

// DeadLetters returns up to limit dead jobs, oldest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]*Job, error) {
	ids, err := q.client.RDB().ZRange(ctx, deadKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue dead letters: %w", err)
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.getJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// RetryDead re-queues a dead job with a fresh attempt budget.
func (q *Queue) RetryDead(ctx context.Context, jobID string) error {
	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State != StateDead {
		return fmt.Errorf("queue retry: job %s is not dead (state=%s)", jobID, job.State)
	}

	now := q.now()
	pipe := q.client.RDB().TxPipeline()
	pipe.HSet(ctx, jobKey(jobID),
		"state", string(StateReady),
		"attempts", "0",
		"last_error", "",
		"fire_at", strconv.FormatInt(now.UnixMilli(), 10),
	)
	pipe.ZRem(ctx, deadKey, jobID)
	pipe.ZAdd(ctx, readyKey(job.Lane), goredis.Z{Score: float64(now.UnixMilli()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue retry: %w", err)
	}
	return nil
}

// DiscardDead drops a dead job for good.
func (q *Queue) DiscardDead(ctx context.Context, jobID string) error {
	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State != StateDead {
		return fmt.Errorf("queue discard: job %s is not dead (state=%s)", jobID, job.State)
	}

	pipe := q.client.RDB().TxPipeline()
	pipe.ZRem(ctx, deadKey, jobID)
	pipe.Del(ctx, jobKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue discard: %w", err)
	}
	return nil
}

func (q *Queue) getJob(ctx context.Context, id string) (*Job, error) {
	vals, err := q.client.RDB().HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return jobFromHash(id, vals)
}

func jobFromHash(id string, vals map[string]string) (*Job, error) {
	lane, err := strconv.Atoi(vals["lane"])
	if err != nil {
		return nil, fmt.Errorf("queue: corrupt job %s: bad lane: %w", id, err)
	}
	attempts, err := strconv.Atoi(vals["attempts"])
	if err != nil {
		return nil, fmt.Errorf("queue: corrupt job %s: bad attempts: %w", id, err)
	}
	maxAttempts, err := strconv.Atoi(vals["max_attempts"])
	if err != nil {
		return nil, fmt.Errorf("queue: corrupt job %s: bad max_attempts: %w", id, err)
	}
	enqueuedAt, err := strconv.ParseInt(vals["enqueued_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("queue: corrupt job %s: bad enqueued_at: %w", id, err)
	}
	fireAt, err := strconv.ParseInt(vals["fire_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("queue: corrupt job %s: bad fire_at: %w", id, err)
	}

	return &Job{
		ID:          id,
		Lane:        event.Priority(lane),
		Payload:     []byte(vals["payload"]),
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  time.UnixMilli(enqueuedAt),
		FireAt:      time.UnixMilli(fireAt),
		State:       State(vals["state"]),
		LastError:   vals["last_error"],
	}, nil
}
