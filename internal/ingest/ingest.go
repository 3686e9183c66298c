// Package ingest is the producer boundary of the dispatch pipeline. Platform
// services post named events (e.g. "post.liked", "donation.completed") which
// an explicit registration table maps onto notification types. The table is
// built once at startup; an unregistered name is rejected, never guessed at.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/givehub/dispatch/internal/builder"
	"github.com/givehub/dispatch/internal/dedup"
	"github.com/givehub/dispatch/internal/event"
	"github.com/givehub/dispatch/internal/metrics"
	"github.com/givehub/dispatch/internal/queue"
	"github.com/givehub/dispatch/internal/router"
)

// ErrUnknownEvent is returned for event names with no registered handler.
var ErrUnknownEvent = errors.New("ingest: unknown event name")

// Envelope is the wire shape posted by producer services. EventID is the
// producer-assigned idempotency key; Name selects the handler.
type Envelope struct {
	EventID    string          `json:"event_id"`
	Name       string          `json:"name"`
	UserID     string          `json:"user_id"`
	ActorID    string          `json:"actor_id,omitempty"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id,omitempty"`
	Data       json.RawMessage `json:"data"`
	Timestamp  time.Time       `json:"timestamp"`

	// DelaySeconds lets a producer defer a non-debounced notification.
	DelaySeconds int `json:"delay_seconds,omitempty"`
}

// Result reports what Dispatch did with an envelope.
type Result struct {
	Type       event.Type
	JobID      string
	Suppressed bool // actor and recipient were the same user; nothing enqueued
	Coalesced  bool // enqueue folded into an already-scheduled job
}

// handlers maps external event names to notification types. Registration is
// explicit: adding a producer event means adding a row here.
var handlers = map[string]event.Type{
	"post.liked":              event.TypePostLiked,
	"post.commented":          event.TypePostCommented,
	"donation.completed":      event.TypeDonationReceived,
	"disbursement.completed":  event.TypeDisbursementCompleted,
	"disbursement.failed":     event.TypeDisbursementFailed,
	"campaign.approved":       event.TypeCampaignApproved,
	"campaign.rejected":       event.TypeCampaignRejected,
	"campaign.target_reached": event.TypeCampaignTargetReached,
}

// Dispatcher validates incoming envelopes and turns them into queued jobs.
type Dispatcher struct {
	router *router.Router
	queue  *queue.Queue
	dedup  *dedup.Store
	logger *zap.Logger
}

// New creates a dispatcher. It verifies that every registered event name maps
// to a type the builder registry can render, so a gap is a boot failure.
func New(r *router.Router, q *queue.Queue, d *dedup.Store, logger *zap.Logger) (*Dispatcher, error) {
	if err := builder.Verify(); err != nil {
		return nil, err
	}
	return &Dispatcher{router: r, queue: q, dedup: d, logger: logger}, nil
}

// Names returns the registered external event names.
func Names() []string {
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	return names
}

// Dispatch handles one envelope: resolve the handler, suppress self-notifies,
// validate the payload, and enqueue into the lane the router assigns. For
// debounced types the job id is the deterministic coalescing key, so rapid
// repeat triggers fold into a single scheduled job.
func (d *Dispatcher) Dispatch(ctx context.Context, env *Envelope) (*Result, error) {
	typ, ok := handlers[env.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Name)
	}
	if env.EventID == "" {
		return nil, fmt.Errorf("%w: event_id is required", builder.ErrInvalidInput)
	}
	if env.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", builder.ErrInvalidInput)
	}

	evt := &event.Event{
		EventID:      env.EventID,
		Type:         typ,
		Priority:     d.router.PriorityFor(typ),
		UserID:       env.UserID,
		ActorID:      env.ActorID,
		EntityType:   env.EntityType,
		EntityID:     env.EntityID,
		Data:         env.Data,
		Timestamp:    env.Timestamp,
		DelaySeconds: env.DelaySeconds,
	}

	// Users never hear about their own actions.
	if evt.ActorID != "" && evt.ActorID == evt.UserID {
		metrics.RecordEventSuppressed(string(typ))
		d.logger.Debug("self-notification suppressed",
			zap.String("event_id", evt.EventID),
			zap.String("type", string(typ)),
		)
		return &Result{Type: typ, Suppressed: true}, nil
	}

	// Reject malformed payloads at the boundary rather than dead-lettering
	// them later. Builders are pure, so the dry run is cheap and the content
	// it produces is discarded.
	if _, err := builder.Build(evt); err != nil {
		return nil, err
	}

	jobID := evt.EventID
	var delay time.Duration
	if window, debounced := d.router.DelayFor(typ); debounced {
		jobID = d.router.DebouncedJobID(typ, evt.EntityID)
		delay = window
		fresh, err := d.dedup.StartWindow(ctx, typ, evt.EntityID, evt.UserID, window)
		if err != nil {
			return nil, err
		}
		if !fresh {
			d.logger.Debug("debounce window open, coalescing",
				zap.String("job_id", jobID),
				zap.String("event_id", evt.EventID),
			)
		}
	} else if evt.DelaySeconds > 0 {
		delay = time.Duration(evt.DelaySeconds) * time.Second
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	coalesced, err := d.queue.Enqueue(ctx, queue.Options{
		JobID:    jobID,
		Priority: evt.Priority,
		Delay:    delay,
	}, payload)
	if err != nil {
		return nil, err
	}

	if coalesced {
		metrics.RecordJobCoalesced(string(typ))
	} else {
		metrics.RecordJobEnqueued(string(typ), evt.Priority.String())
	}
	return &Result{Type: typ, JobID: jobID, Coalesced: coalesced}, nil
}
