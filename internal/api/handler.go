// Package api exposes the gateway HTTP surface: event intake for producer
// services, the per-user notification feed, and the dead-letter admin
// endpoints. Feed routes are scoped by the X-User-ID header; authentication
// itself happens upstream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/givehub/dispatch/internal/builder"
	"github.com/givehub/dispatch/internal/db"
	"github.com/givehub/dispatch/internal/feed"
	"github.com/givehub/dispatch/internal/ingest"
	"github.com/givehub/dispatch/internal/queue"
)

// Dispatcher is the event intake surface.
type Dispatcher interface {
	Dispatch(ctx context.Context, env *ingest.Envelope) (*ingest.Result, error)
}

// Feed is the notification read surface.
type Feed interface {
	List(ctx context.Context, userID string, params feed.ListParams) (*feed.Page, error)
	Get(ctx context.Context, id uuid.UUID, userID string) (*db.Notification, error)
	MarkRead(ctx context.Context, id uuid.UUID, userID string) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	Delete(ctx context.Context, id uuid.UUID, userID string) error
	UnreadCount(ctx context.Context, userID string) (int64, error)
}

// DLQ is the dead-letter admin surface.
type DLQ interface {
	DeadLetters(ctx context.Context, limit int) ([]*queue.Job, error)
	RetryDead(ctx context.Context, jobID string) error
	DiscardDead(ctx context.Context, jobID string) error
}

// ErrorResponse is the problem+json error body.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers.
type Handler struct {
	logger     *zap.Logger
	dispatcher Dispatcher
	feed       Feed
	dlq        DLQ
}

// NewHandler creates a new API handler.
func NewHandler(logger *zap.Logger, dispatcher Dispatcher, feedSvc Feed, dlq DLQ) *Handler {
	return &Handler{
		logger:     logger,
		dispatcher: dispatcher,
		feed:       feedSvc,
		dlq:        dlq,
	}
}

// IngestEvent handles POST /v1/events.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var env ingest.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	res, err := h.dispatcher.Dispatch(ctx, &env)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrUnknownEvent):
			h.writeError(w, http.StatusBadRequest, "unknown_event", "Unknown event name", err.Error())
		case errors.Is(err, builder.ErrInvalidInput):
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid event payload", err.Error())
		default:
			h.logger.Error("event dispatch failed",
				zap.Error(err),
				zap.String("event_id", env.EventID),
				zap.String("name", env.Name),
			)
			h.writeError(w, http.StatusInternalServerError, "dispatch_error", "Failed to enqueue event", "")
		}
		return
	}

	if res.Suppressed {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"job_id":    res.JobID,
		"type":      res.Type,
		"coalesced": res.Coalesced,
	})
}

// ListNotifications handles GET /v1/notifications?limit=20&cursor=xxx&is_read=false.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	params := feed.ListParams{Cursor: r.URL.Query().Get("cursor")}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			params.Limit = l
		}
	}
	if isReadStr := r.URL.Query().Get("is_read"); isReadStr != "" {
		isRead, err := strconv.ParseBool(isReadStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid is_read", "is_read must be true or false")
			return
		}
		params.IsRead = &isRead
	}

	page, err := h.feed.List(ctx, userID, params)
	if err != nil {
		if errors.Is(err, feed.ErrInvalidCursor) {
			h.writeError(w, http.StatusBadRequest, "invalid_cursor", "Invalid cursor", "cursor is malformed or truncated")
			return
		}
		h.logger.Error("failed to list notifications",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(page)
}

// GetNotification handles GET /v1/notifications/{id}.
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	id, ok := h.notificationID(w, r)
	if !ok {
		return
	}

	notif, err := h.feed.Get(ctx, id, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to get notification",
			zap.Error(err),
			zap.String("id", id.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get notification", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(notif)
}

// MarkRead handles PATCH /v1/notifications/{id}/read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	id, ok := h.notificationID(w, r)
	if !ok {
		return
	}

	if err := h.feed.MarkRead(ctx, id, userID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to mark notification read",
			zap.Error(err),
			zap.String("id", id.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to mark notification read", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"id":      id.String(),
		"is_read": true,
	})
}

// MarkAllRead handles POST /v1/notifications/read-all.
func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	count, err := h.feed.MarkAllRead(ctx, userID)
	if err != nil {
		h.logger.Error("failed to mark all read",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to mark notifications read", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]int64{"updated": count})
}

// DeleteNotification handles DELETE /v1/notifications/{id}.
func (h *Handler) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	id, ok := h.notificationID(w, r)
	if !ok {
		return
	}

	if err := h.feed.Delete(ctx, id, userID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to delete notification",
			zap.Error(err),
			zap.String("id", id.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to delete notification", "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// UnreadCount handles GET /v1/notifications/unread-count.
func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	count, err := h.feed.UnreadCount(ctx, userID)
	if err != nil {
		h.logger.Error("failed to get unread count",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get unread count", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]int64{"count": count})
}

// ListDeadLetterQueue handles GET /v1/dlq?limit=20.
func (h *Handler) ListDeadLetterQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	jobs, err := h.dlq.DeadLetters(ctx, limit)
	if err != nil {
		h.logger.Error("failed to list dead letter queue", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "queue_error", "Failed to list dead letter queue", "")
		return
	}

	items := make([]map[string]interface{}, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, map[string]interface{}{
			"job_id":       job.ID,
			"lane":         job.Lane.String(),
			"payload":      json.RawMessage(job.Payload),
			"attempts":     job.Attempts,
			"max_attempts": job.MaxAttempts,
			"enqueued_at":  job.EnqueuedAt,
			"last_error":   job.LastError,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":  items,
		"count": len(items),
	})
}

// RetryDeadLetterItem handles POST /v1/dlq/{id}/retry.
func (h *Handler) RetryDeadLetterItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := chi.URLParam(r, "id")

	if err := h.dlq.RetryDead(ctx, jobID); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Dead letter job not found", "")
			return
		}
		h.logger.Error("failed to retry dead letter job",
			zap.Error(err),
			zap.String("job_id", jobID),
		)
		h.writeError(w, http.StatusInternalServerError, "queue_error", "Failed to retry dead letter job", "")
		return
	}

	h.logger.Info("dead letter job retried", zap.String("job_id", jobID))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"job_id": jobID,
		"status": "retried",
	})
}

// DiscardDeadLetterItem handles POST /v1/dlq/{id}/discard.
func (h *Handler) DiscardDeadLetterItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := chi.URLParam(r, "id")

	if err := h.dlq.DiscardDead(ctx, jobID); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Dead letter job not found", "")
			return
		}
		h.logger.Error("failed to discard dead letter job",
			zap.Error(err),
			zap.String("job_id", jobID),
		)
		h.writeError(w, http.StatusInternalServerError, "queue_error", "Failed to discard dead letter job", "")
		return
	}

	h.logger.Info("dead letter job discarded", zap.String("job_id", jobID))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"job_id": jobID,
		"status": "discarded",
	})
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing user", "X-User-ID header is required")
		return "", false
	}
	return userID, true
}

func (h *Handler) notificationID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
